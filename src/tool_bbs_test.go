package elmer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBbsControl records what the tool asked for and serves canned
// answers, standing in for the running application.
type fakeBbsControl struct {
	users   []BbsUser
	session SessionView
	status  BbsStatus

	setErr error

	setCalls   [][2]string // connID, callsign
	cleared    []string
	kicked     []string
	kickExists bool
}

func (f *fakeBbsControl) ListUsers() []BbsUser { return f.users }

func (f *fakeBbsControl) FindUser(connID string) (BbsUser, bool) {
	for _, u := range f.users {
		if u.Callsign == connID || u.IPAddress == connID {
			return u, true
		}
	}
	return BbsUser{}, false
}

func (f *fakeBbsControl) SetCallsign(connID, callsign string) (string, error) {
	f.setCalls = append(f.setCalls, [2]string{connID, callsign})
	if f.setErr != nil {
		return "", f.setErr
	}
	return connID, nil
}

func (f *fakeBbsControl) Kick(connID string) bool {
	f.kicked = append(f.kicked, connID)
	return f.kickExists
}

func (f *fakeBbsControl) SessionInfo(connID string) SessionView { return f.session }

func (f *fakeBbsControl) ClearHistory(connID string) { f.cleared = append(f.cleared, connID) }

func (f *fakeBbsControl) Status() BbsStatus { return f.status }

func bbsTool(t *testing.T, control BbsControl) *BbsSessionTool {
	t.Helper()

	return NewBbsSessionTool(control, testLogger())
}

// invokeBbs runs the tool with the given connection key and decodes
// the reply.
func invokeBbs(t *testing.T, tool *BbsSessionTool, connKey, input string) map[string]any {
	t.Helper()

	var raw = tool.Invoke(context.Background(),
		ToolContext{ConnectionKey: connKey}, json.RawMessage(input))

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &out), "tool reply must be JSON: %s", raw)

	return out
}

func TestBbsToolDefinition(t *testing.T) {
	var tool = bbsTool(t, &fakeBbsControl{})

	assert.Equal(t, "bbs_session", tool.Name())

	var def = tool.Definition()
	assert.Equal(t, []string{"action"}, def.InputSchema.Required)
	assert.Equal(t, []string{
		"get_session_info", "get_callsign", "set_callsign", "list_users",
		"get_help", "get_status", "clear_history", "disconnect",
	}, def.InputSchema.Properties["action"].Enum)
}

func TestBbsToolSessionInfo(t *testing.T) {
	var (
		created = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
		control = &fakeBbsControl{
			session: SessionView{
				Callsign:     "W1AW",
				Messages:     6,
				Queries:      3,
				CreatedAt:    created,
				LastActivity: created.Add(4 * time.Minute),
			},
			users: []BbsUser{{
				Callsign:        "W1AW",
				Type:            "telnet",
				State:           "connected",
				ConnectedAt:     created,
				PacketsSent:     9,
				PacketsReceived: 7,
				IPAddress:       "192.0.2.9:4000",
			}},
		}
	)

	var tool = bbsTool(t, control)
	tool.now = func() time.Time { return created.Add(5 * time.Minute) }

	var out = invokeBbs(t, tool, "W1AW", `{"action":"get_session_info"}`)

	assert.Equal(t, true, out["success"])

	var session = out["session"].(map[string]any)
	assert.Equal(t, "W1AW", session["callsign"])
	assert.EqualValues(t, 6, session["messages"])
	assert.EqualValues(t, 3, session["queries"])
	assert.Equal(t, "2026-03-14T12:00:00", session["created_at"])
	assert.Equal(t, "2026-03-14T12:04:00", session["last_activity"])
	assert.EqualValues(t, 60, session["idle_seconds"])
	assert.EqualValues(t, 300, session["age_seconds"])

	var conn = out["connection"].(map[string]any)
	assert.Equal(t, "telnet", conn["type"])
	assert.Equal(t, "connected", conn["state"])
	assert.EqualValues(t, 9, conn["packets_sent"])
	assert.EqualValues(t, 7, conn["packets_received"])
	assert.Equal(t, "192.0.2.9:4000", conn["ip_address"])
}

func TestBbsToolSessionInfoWithoutConnection(t *testing.T) {
	// A session can outlive its connection; the block is then omitted.
	var control = &fakeBbsControl{
		session: SessionView{Callsign: "W1AW"},
	}

	var out = invokeBbs(t, bbsTool(t, control), "W1AW", `{"action":"get_session_info"}`)

	assert.Equal(t, true, out["success"])

	var _, present = out["connection"]
	assert.False(t, present)
}

func TestBbsToolGetCallsign(t *testing.T) {
	var control = &fakeBbsControl{
		users: []BbsUser{{Callsign: "W1AW", Type: "ax25"}},
	}
	var tool = bbsTool(t, control)

	var out = invokeBbs(t, tool, "W1AW", `{"action":"get_callsign"}`)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "W1AW", out["callsign"])
	assert.Equal(t, "ax25", out["connection_type"])

	out = invokeBbs(t, tool, "K2DEF", `{"action":"get_callsign"}`)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Connection not found: K2DEF", out["error"])
}

func TestBbsToolSetCallsign(t *testing.T) {
	var control = &fakeBbsControl{}
	var tool = bbsTool(t, control)

	var out = invokeBbs(t, tool, "192.0.2.9:4000",
		`{"action":"set_callsign","callsign":" k2def "}`)

	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Callsign updated from 192.0.2.9:4000 to K2DEF", out["message"])
	assert.Equal(t, "192.0.2.9:4000", out["old_callsign"])
	assert.Equal(t, "K2DEF", out["new_callsign"])

	require.Len(t, control.setCalls, 1)
	assert.Equal(t, [2]string{"192.0.2.9:4000", "K2DEF"}, control.setCalls[0])

	// Missing the new callsign entirely.
	out = invokeBbs(t, tool, "192.0.2.9:4000", `{"action":"set_callsign"}`)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "callsign parameter is required", out["error"])

	// The application refused the change.
	control.setErr = errors.New("not a valid callsign: 1XYZ")
	out = invokeBbs(t, tool, "192.0.2.9:4000",
		`{"action":"set_callsign","callsign":"1XYZ"}`)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "not a valid callsign: 1XYZ", out["error"])
}

func TestBbsToolListUsers(t *testing.T) {
	var connected = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	var control = &fakeBbsControl{
		users: []BbsUser{
			{
				Callsign:        "W1AW-2",
				Type:            "ax25",
				State:           "connected",
				ConnectedAt:     connected,
				PacketsSent:     12,
				PacketsReceived: 10,
			},
			{
				Callsign:    "K2DEF",
				Type:        "telnet",
				State:       "connected",
				ConnectedAt: connected,
				IPAddress:   "192.0.2.9:4000",
			},
		},
	}

	var out = invokeBbs(t, bbsTool(t, control), "", `{"action":"list_users"}`)

	assert.Equal(t, true, out["success"])
	assert.EqualValues(t, 2, out["total_users"])

	var users = out["users"].([]any)
	require.Len(t, users, 2)

	var radio = users[0].(map[string]any)
	assert.Equal(t, "W1AW-2", radio["callsign"])
	assert.Equal(t, "ax25", radio["type"])
	assert.Equal(t, "2026-03-14T09:30:00", radio["connected_at"])
	assert.EqualValues(t, 12, radio["packets_sent"])

	// No ip_address key at all for a radio connection.
	var _, present = radio["ip_address"]
	assert.False(t, present)

	var tn = users[1].(map[string]any)
	assert.Equal(t, "192.0.2.9:4000", tn["ip_address"])
}

func TestBbsToolGetHelp(t *testing.T) {
	var out = invokeBbs(t, bbsTool(t, &fakeBbsControl{}), "", `{"action":"get_help"}`)

	assert.Equal(t, true, out["success"])

	var help = out["help"].(map[string]any)

	var commands = help["bbs_commands"].(map[string]any)
	assert.Equal(t, "Display available commands", commands["help"])
	assert.Equal(t, "Disconnect from the BBS", commands["bye/quit/exit"])

	var claude = help["claude_interaction"].(map[string]any)
	assert.Len(t, claude["examples"], 3)

	assert.Len(t, help["notes"], 4)
}

func TestBbsToolGetStatus(t *testing.T) {
	var started = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	var control = &fakeBbsControl{
		status: BbsStatus{
			StartedAt:         started,
			AX25Enabled:       true,
			TelnetEnabled:     true,
			AX25Connections:   1,
			TelnetConnections: 2,
			Sessions: SessionStats{
				ActiveSessions: 3,
				TotalMessages:  40,
				TotalQueries:   17,
			},
			WebSearchEnabled: true,
			POTAEnabled:      false,
		},
	}

	var tool = bbsTool(t, control)
	tool.now = func() time.Time { return started.Add(90 * time.Minute) }

	var out = invokeBbs(t, tool, "", `{"action":"get_status"}`)

	assert.Equal(t, true, out["success"])

	var system = out["system"].(map[string]any)
	assert.Equal(t, "Elmer", system["name"])
	assert.Equal(t, Version(), system["version"])
	assert.EqualValues(t, 5400, system["uptime_seconds"])

	var ifaces = out["interfaces"].(map[string]any)
	assert.Equal(t, true, ifaces["ax25_enabled"])
	assert.EqualValues(t, 1, ifaces["ax25_connections"])
	assert.EqualValues(t, 2, ifaces["telnet_connections"])
	assert.EqualValues(t, 3, ifaces["total_connections"])

	var sessions = out["sessions"].(map[string]any)
	assert.EqualValues(t, 3, sessions["active_sessions"])
	assert.EqualValues(t, 40, sessions["total_messages"])
	assert.EqualValues(t, 17, sessions["total_queries"])

	var tools = out["tools"].(map[string]any)
	assert.Equal(t, true, tools["web_search"])
	assert.Equal(t, false, tools["pota_spots"])
}

func TestBbsToolClearHistory(t *testing.T) {
	var control = &fakeBbsControl{}

	var out = invokeBbs(t, bbsTool(t, control), "W1AW", `{"action":"clear_history"}`)

	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Conversation history cleared for W1AW", out["message"])
	assert.Equal(t, []string{"W1AW"}, control.cleared)
}

func TestBbsToolDisconnect(t *testing.T) {
	var control = &fakeBbsControl{kickExists: true}
	var tool = bbsTool(t, control)

	var out = invokeBbs(t, tool, "W1AW", `{"action":"disconnect"}`)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Disconnected W1AW", out["message"])
	assert.Equal(t, []string{"W1AW"}, control.kicked)

	control.kickExists = false
	out = invokeBbs(t, tool, "K2DEF", `{"action":"disconnect"}`)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Connection not found: K2DEF", out["error"])
}

func TestBbsToolConnectionDefaulting(t *testing.T) {
	var control = &fakeBbsControl{}
	var tool = bbsTool(t, control)

	// An explicit connection_id overrides the caller's own connection.
	invokeBbs(t, tool, "W1AW", `{"action":"clear_history","connection_id":" K2DEF "}`)
	assert.Equal(t, []string{"K2DEF"}, control.cleared, "explicit id trimmed and used")

	// Without one, the turn's connection is acted on.
	control.cleared = nil
	invokeBbs(t, tool, "W1AW", `{"action":"clear_history"}`)
	assert.Equal(t, []string{"W1AW"}, control.cleared)

	// No connection anywhere: every per-connection action refuses.
	for _, action := range []string{
		"get_session_info", "get_callsign", "set_callsign", "clear_history", "disconnect",
	} {
		var out = invokeBbs(t, tool, "", `{"action":"`+action+`"}`)
		assert.Equal(t, "connection_id is required", out["error"], "action %s", action)
	}
}

func TestBbsToolUnknownAction(t *testing.T) {
	var out = invokeBbs(t, bbsTool(t, &fakeBbsControl{}), "W1AW", `{"action":"tune"}`)

	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Unknown action: tune", out["error"])
}
