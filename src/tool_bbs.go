package elmer

/*------------------------------------------------------------------
 *
 * Name:	tool_bbs
 *
 * Purpose:	Let the assistant inspect and operate the BBS itself:
 *		session details, connected users, system status, callsign
 *		changes, history resets, and disconnects.
 *
 * Description:	The tool never touches the application directly.  It is
 *		handed a BbsControl at construction, a narrow capability
 *		interface the application implements.  Everything the
 *		model can do to the system goes through that surface, so
 *		the blast radius of a confused tool call is bounded by
 *		what BbsControl exposes.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const BBS_SESSION_TIME_FORMAT = "2006-01-02T15:04:05"

// BbsUser describes one live connection, radio or telnet.
type BbsUser struct {
	Callsign        string
	Type            string // "ax25" or "telnet"
	State           string
	ConnectedAt     time.Time
	PacketsSent     int
	PacketsReceived int
	IPAddress       string // telnet only
}

// BbsStatus is a point-in-time summary of the running system.
type BbsStatus struct {
	StartedAt         time.Time
	AX25Enabled       bool
	TelnetEnabled     bool
	AX25Connections   int
	TelnetConnections int
	Sessions          SessionStats
	WebSearchEnabled  bool
	POTAEnabled       bool
}

// BbsControl is the capability surface the session tool gets over the
// running application.  Implementations must be safe for concurrent
// use; calls arrive from whichever goroutine is executing a turn.
type BbsControl interface {
	// ListUsers reports every live connection.
	ListUsers() []BbsUser

	// FindUser looks a connection up by callsign or IP:port key.
	FindUser(connectionID string) (BbsUser, bool)

	// SetCallsign re-identifies a telnet connection and returns the
	// key it was previously known by.
	SetCallsign(connectionID, callsign string) (string, error)

	// Kick disconnects a connection gracefully.  It reports whether
	// the connection existed.
	Kick(connectionID string) bool

	// SessionInfo returns the conversation state for a connection,
	// creating an empty session if none exists yet.
	SessionInfo(connectionID string) SessionView

	// ClearHistory drops the conversation history for a connection.
	ClearHistory(connectionID string)

	// Status summarizes interfaces, sessions, and tool availability.
	Status() BbsStatus
}

type BbsSessionTool struct {
	control BbsControl
	now     func() time.Time
	log     *log.Logger
}

func NewBbsSessionTool(control BbsControl, logger *log.Logger) *BbsSessionTool {
	if logger == nil {
		logger = log.Default()
	}
	return &BbsSessionTool{
		control: control,
		now:     time.Now,
		log:     logger.WithPrefix("bbs"),
	}
}

func (t *BbsSessionTool) Name() string { return "bbs_session" }

func (t *BbsSessionTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name: "bbs_session",
		Description: "Interact with the Elmer BBS system. Use this tool to:\n" +
			"- Get information about the current user's session\n" +
			"- Get/set user callsigns for telnet connections\n" +
			"- Show list of connected users\n" +
			"- Display help information\n" +
			"- Get system status and statistics\n" +
			"- Clear conversation history\n" +
			"- Exit/disconnect users\n\n" +
			"This tool provides complete BBS system control and information.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]SchemaProp{
				"action": {
					Type: "string",
					Enum: []string{
						"get_session_info",
						"get_callsign",
						"set_callsign",
						"list_users",
						"get_help",
						"get_status",
						"clear_history",
						"disconnect",
					},
					Description: "The action to perform",
				},
				"connection_id": {
					Type:        "string",
					Description: "Connection identifier (callsign or IP:port) - defaults to the current connection",
				},
				"callsign": {
					Type:        "string",
					Description: "New callsign to set (only for set_callsign action)",
				},
			},
			Required: []string{"action"},
		},
	}
}

type bbsResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func bbsFailure(format string, a ...any) string {
	return toolJSON(bbsResult{Success: false, Error: fmt.Sprintf(format, a...)})
}

func bbsTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Format(BBS_SESSION_TIME_FORMAT)
}

type bbsSessionJSON struct {
	Callsign     string `json:"callsign"`
	Messages     int    `json:"messages"`
	Queries      int    `json:"queries"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
	IdleSeconds  int    `json:"idle_seconds"`
	AgeSeconds   int    `json:"age_seconds"`
}

// Connection block inside get_session_info.  Same facts as the
// list_users entry but leading with the transport type.
type bbsConnJSON struct {
	Type            string `json:"type"`
	Callsign        string `json:"callsign"`
	State           string `json:"state"`
	ConnectedAt     string `json:"connected_at"`
	PacketsSent     int    `json:"packets_sent"`
	PacketsReceived int    `json:"packets_received"`
	IPAddress       string `json:"ip_address,omitempty"`
}

type bbsUserJSON struct {
	Callsign        string `json:"callsign"`
	Type            string `json:"type"`
	State           string `json:"state"`
	ConnectedAt     string `json:"connected_at"`
	PacketsSent     int    `json:"packets_sent"`
	PacketsReceived int    `json:"packets_received"`
	IPAddress       string `json:"ip_address,omitempty"`
}

func (t *BbsSessionTool) sessionInfo(connID string) string {
	var (
		view = t.control.SessionInfo(connID)
		now  = t.now()
	)

	out := struct {
		Success    bool           `json:"success"`
		Session    bbsSessionJSON `json:"session"`
		Connection *bbsConnJSON   `json:"connection,omitempty"`
	}{
		Success: true,
		Session: bbsSessionJSON{
			Callsign:     view.Callsign,
			Messages:     view.Messages,
			Queries:      view.Queries,
			CreatedAt:    bbsTimestamp(view.CreatedAt),
			LastActivity: bbsTimestamp(view.LastActivity),
			IdleSeconds:  int(now.Sub(view.LastActivity).Seconds()),
			AgeSeconds:   int(now.Sub(view.CreatedAt).Seconds()),
		},
	}

	if user, ok := t.control.FindUser(connID); ok {
		out.Connection = &bbsConnJSON{
			Type:            user.Type,
			Callsign:        user.Callsign,
			State:           user.State,
			ConnectedAt:     bbsTimestamp(user.ConnectedAt),
			PacketsSent:     user.PacketsSent,
			PacketsReceived: user.PacketsReceived,
			IPAddress:       user.IPAddress,
		}
	}

	return toolJSONIndent(out)
}

func (t *BbsSessionTool) getCallsign(connID string) string {
	user, ok := t.control.FindUser(connID)
	if !ok {
		return bbsFailure("Connection not found: %s", connID)
	}

	return toolJSON(struct {
		Success        bool   `json:"success"`
		Callsign       string `json:"callsign"`
		ConnectionType string `json:"connection_type"`
	}{true, user.Callsign, user.Type})
}

func (t *BbsSessionTool) setCallsign(connID, callsign string) string {
	old, err := t.control.SetCallsign(connID, callsign)
	if err != nil {
		return bbsFailure("%s", err)
	}

	return toolJSON(struct {
		Success     bool   `json:"success"`
		Message     string `json:"message"`
		OldCallsign string `json:"old_callsign"`
		NewCallsign string `json:"new_callsign"`
	}{true, fmt.Sprintf("Callsign updated from %s to %s", old, callsign), old, callsign})
}

func (t *BbsSessionTool) listUsers() string {
	all := t.control.ListUsers()

	users := make([]bbsUserJSON, 0, len(all))
	for _, u := range all {
		users = append(users, bbsUserJSON{
			Callsign:        u.Callsign,
			Type:            u.Type,
			State:           u.State,
			ConnectedAt:     bbsTimestamp(u.ConnectedAt),
			PacketsSent:     u.PacketsSent,
			PacketsReceived: u.PacketsReceived,
			IPAddress:       u.IPAddress,
		})
	}

	return toolJSONIndent(struct {
		Success    bool          `json:"success"`
		TotalUsers int           `json:"total_users"`
		Users      []bbsUserJSON `json:"users"`
	}{true, len(users), users})
}

type bbsHelpCommands struct {
	Help   string `json:"help"`
	Status string `json:"status"`
	Bye    string `json:"bye/quit/exit"`
	Clear  string `json:"clear"`
}

type bbsHelpClaude struct {
	Description string   `json:"description"`
	Examples    []string `json:"examples"`
}

type bbsHelpTools struct {
	WebSearch  string `json:"web_search"`
	POTASpots  string `json:"pota_spots"`
	BBSSession string `json:"bbs_session"`
}

type bbsHelp struct {
	BBSCommands       bbsHelpCommands `json:"bbs_commands"`
	ClaudeInteraction bbsHelpClaude   `json:"claude_interaction"`
	Tools             bbsHelpTools    `json:"tools"`
	Notes             []string        `json:"notes"`
}

func (t *BbsSessionTool) getHelp() string {
	return toolJSONIndent(struct {
		Success bool    `json:"success"`
		Help    bbsHelp `json:"help"`
	}{
		Success: true,
		Help: bbsHelp{
			BBSCommands: bbsHelpCommands{
				Help:   "Display available commands",
				Status: "Show system status and your session info",
				Bye:    "Disconnect from the BBS",
				Clear:  "Clear your conversation history",
			},
			ClaudeInteraction: bbsHelpClaude{
				Description: "Ask Claude anything! Just type your question.",
				Examples: []string{
					"what is amateur radio?",
					"show me pota spots on 20m",
					"explain how the ionosphere works",
				},
			},
			Tools: bbsHelpTools{
				WebSearch:  "Claude can search the internet for current information",
				POTASpots:  "Claude can fetch live Parks on the Air activations",
				BBSSession: "Claude can help with BBS system commands",
			},
			Notes: []string{
				"Elmer is an AI-powered packet radio BBS",
				"All conversations are logged for quality assurance",
				"Rate limits apply to prevent abuse",
				"Your callsign is used to maintain conversation context",
			},
		},
	})
}

type bbsStatusSystem struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type bbsStatusInterfaces struct {
	AX25Enabled       bool `json:"ax25_enabled"`
	TelnetEnabled     bool `json:"telnet_enabled"`
	AX25Connections   int  `json:"ax25_connections"`
	TelnetConnections int  `json:"telnet_connections"`
	TotalConnections  int  `json:"total_connections"`
}

type bbsStatusSessions struct {
	ActiveSessions int `json:"active_sessions"`
	TotalMessages  int `json:"total_messages"`
	TotalQueries   int `json:"total_queries"`
}

type bbsStatusTools struct {
	WebSearch bool `json:"web_search"`
	POTASpots bool `json:"pota_spots"`
}

func (t *BbsSessionTool) getStatus() string {
	st := t.control.Status()

	return toolJSONIndent(struct {
		Success    bool                `json:"success"`
		System     bbsStatusSystem     `json:"system"`
		Interfaces bbsStatusInterfaces `json:"interfaces"`
		Sessions   bbsStatusSessions   `json:"sessions"`
		Tools      bbsStatusTools      `json:"tools"`
	}{
		Success: true,
		System: bbsStatusSystem{
			Name:          "Elmer",
			Description:   "AX.25 Packet Radio Gateway for Claude AI",
			Version:       Version(),
			UptimeSeconds: int64(t.now().Sub(st.StartedAt).Seconds()),
		},
		Interfaces: bbsStatusInterfaces{
			AX25Enabled:       st.AX25Enabled,
			TelnetEnabled:     st.TelnetEnabled,
			AX25Connections:   st.AX25Connections,
			TelnetConnections: st.TelnetConnections,
			TotalConnections:  st.AX25Connections + st.TelnetConnections,
		},
		Sessions: bbsStatusSessions{
			ActiveSessions: st.Sessions.ActiveSessions,
			TotalMessages:  st.Sessions.TotalMessages,
			TotalQueries:   st.Sessions.TotalQueries,
		},
		Tools: bbsStatusTools{
			WebSearch: st.WebSearchEnabled,
			POTASpots: st.POTAEnabled,
		},
	})
}

func (t *BbsSessionTool) clearHistory(connID string) string {
	t.control.ClearHistory(connID)

	return toolJSON(bbsResult{
		Success: true,
		Message: fmt.Sprintf("Conversation history cleared for %s", connID),
	})
}

func (t *BbsSessionTool) disconnect(connID string) string {
	if !t.control.Kick(connID) {
		return bbsFailure("Connection not found: %s", connID)
	}

	return toolJSON(bbsResult{
		Success: true,
		Message: fmt.Sprintf("Disconnected %s", connID),
	})
}

func (t *BbsSessionTool) Invoke(ctx context.Context, tc ToolContext, input json.RawMessage) string {
	var args struct {
		Action       string `json:"action"`
		ConnectionID string `json:"connection_id"`
		Callsign     string `json:"callsign"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return bbsFailure("Failed to parse input: %v", err)
		}
	}

	// The model may name any connection, but when it doesn't we act
	// on the connection the turn came in on.
	connID := strings.TrimSpace(args.ConnectionID)
	if connID == "" {
		connID = tc.ConnectionKey
	}

	t.log.Info("bbs session action", "action", args.Action, "connection", connID)

	switch args.Action {
	case "get_session_info":
		if connID == "" {
			return bbsFailure("connection_id is required")
		}
		return t.sessionInfo(connID)
	case "get_callsign":
		if connID == "" {
			return bbsFailure("connection_id is required")
		}
		return t.getCallsign(connID)
	case "set_callsign":
		if connID == "" {
			return bbsFailure("connection_id is required")
		}
		callsign := strings.ToUpper(strings.TrimSpace(args.Callsign))
		if callsign == "" {
			return bbsFailure("callsign parameter is required")
		}
		return t.setCallsign(connID, callsign)
	case "list_users":
		return t.listUsers()
	case "get_help":
		return t.getHelp()
	case "get_status":
		return t.getStatus()
	case "clear_history":
		if connID == "" {
			return bbsFailure("connection_id is required")
		}
		return t.clearHistory(connID)
	case "disconnect":
		if connID == "" {
			return bbsFailure("connection_id is required")
		}
		return t.disconnect(connID)
	default:
		return bbsFailure("Unknown action: %s", args.Action)
	}
}
