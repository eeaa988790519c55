package elmer

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatTool(t *testing.T) *ChatTool {
	t.Helper()

	return NewChatTool(testStore(t), testLogger())
}

// invokeChat runs the tool as the given operator and decodes the reply.
func invokeChat(t *testing.T, tool *ChatTool, operator, input string) map[string]any {
	t.Helper()

	var raw = tool.Invoke(context.Background(),
		ToolContext{Callsign: operator}, json.RawMessage(input))

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &out), "tool reply must be JSON: %s", raw)

	return out
}

// joinChat puts the operator in a channel, failing the test on error.
func joinChat(t *testing.T, tool *ChatTool, operator, channel string) {
	t.Helper()

	var out = invokeChat(t, tool, operator,
		fmt.Sprintf(`{"action":"join","channel":%q}`, channel))
	require.Equal(t, true, out["success"], "join failed: %v", out)
}

// sendChat posts one line to a channel the operator already joined.
func sendChat(t *testing.T, tool *ChatTool, operator, channel, message string) {
	t.Helper()

	var out = invokeChat(t, tool, operator,
		fmt.Sprintf(`{"action":"send","channel":%q,"message":%q}`, channel, message))
	require.Equal(t, true, out["success"], "send failed: %v", out)
}

// chatArray pulls an object array out of a reply by key.
func chatArray(t *testing.T, out map[string]any, key string) []map[string]any {
	t.Helper()

	var raw, ok = out[key].([]any)
	require.True(t, ok, "no %s array: %v", key, out)

	var lines = make([]map[string]any, len(raw))
	for i, e := range raw {
		lines[i] = e.(map[string]any)
	}

	return lines
}

func TestChatToolDefinition(t *testing.T) {
	var tool = chatTool(t)

	assert.Equal(t, "chat", tool.Name())

	var def = tool.Definition()
	assert.Equal(t, []string{"action", "callsign"}, def.InputSchema.Required)
	assert.Equal(t,
		[]string{"join", "leave", "send", "list_channels", "who", "recent", "topic"},
		def.InputSchema.Properties["action"].Enum)
}

func TestChatToolJoinCreatesChannel(t *testing.T) {
	var tool = chatTool(t)

	// First join of a channel nobody has seen before.
	var out = invokeChat(t, tool, "W1AW", `{"action":"join","channel":"main"}`)

	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Joined channel MAIN", out["message"])

	var channel = out["channel"].(map[string]any)
	assert.Equal(t, "MAIN", channel["name"])
	assert.Equal(t, "", channel["topic"])
	assert.EqualValues(t, 1, channel["users_online"])
	assert.Equal(t, []any{"W1AW"}, channel["users"])

	assert.Empty(t, chatArray(t, out, "recent_messages"))

	// A second station joining sees both callsigns, sorted.
	out = invokeChat(t, tool, "K2DEF", `{"action":"join","channel":"MAIN"}`)

	channel = out["channel"].(map[string]any)
	assert.EqualValues(t, 2, channel["users_online"])
	assert.Equal(t, []any{"K2DEF", "W1AW"}, channel["users"])

	// Joining again is a refresh, not a duplicate presence row.
	out = invokeChat(t, tool, "K2DEF", `{"action":"join","channel":"MAIN"}`)
	assert.EqualValues(t, 2, out["channel"].(map[string]any)["users_online"])
}

func TestChatToolJoinShowsRecentHistory(t *testing.T) {
	var tool = chatTool(t)

	joinChat(t, tool, "W1AW", "MAIN")
	for i := 1; i <= 6; i++ {
		sendChat(t, tool, "W1AW", "MAIN", fmt.Sprintf("line %d", i))
	}

	var out = invokeChat(t, tool, "K2DEF", `{"action":"join","channel":"MAIN"}`)
	require.Equal(t, true, out["success"], "join failed: %v", out)

	// Only the last four lines, oldest first.
	var lines = chatArray(t, out, "recent_messages")
	require.Len(t, lines, 4)
	assert.Equal(t, "line 3", lines[0]["message"])
	assert.Equal(t, "line 6", lines[3]["message"])
	assert.Equal(t, "W1AW", lines[0]["callsign"])

	var _, err = time.Parse(CHAT_TIME_FORMAT, lines[0]["time"].(string))
	assert.NoError(t, err, "time should be HH:MM")
}

func TestChatToolSendRequiresMembership(t *testing.T) {
	var tool = chatTool(t)

	// Nobody has created the channel yet.
	var out = invokeChat(t, tool, "W1AW", `{"action":"send","channel":"DX","message":"hi"}`)
	assert.Equal(t, "Channel not found", out["error"])
	assert.Equal(t, "Channel DX does not exist. Join it first with /JOIN DX", out["message"])

	joinChat(t, tool, "W1AW", "DX")

	// The channel exists now but K2DEF never joined it.
	out = invokeChat(t, tool, "K2DEF", `{"action":"send","channel":"DX","message":"hi"}`)
	assert.Equal(t, "Not in channel", out["error"])
	assert.Equal(t, "You must join DX first. Use /JOIN DX", out["message"])

	// A member gets through.
	out = invokeChat(t, tool, "W1AW", `{"action":"send","channel":"DX","message":"VP8 spotted on 15m"}`)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Message sent to DX", out["message"])

	out = invokeChat(t, tool, "W1AW", `{"action":"recent","channel":"DX"}`)
	var lines = chatArray(t, out, "messages")
	require.Len(t, lines, 1)
	assert.Equal(t, "VP8 spotted on 15m", lines[0]["message"])
}

func TestChatToolLeave(t *testing.T) {
	var tool = chatTool(t)

	joinChat(t, tool, "W1AW", "MAIN")
	joinChat(t, tool, "W1AW", "DX")

	var out = invokeChat(t, tool, "W1AW", `{"action":"leave","channel":"MAIN"}`)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Left channel MAIN", out["message"])

	out = invokeChat(t, tool, "W1AW", `{"action":"who","channel":"MAIN"}`)
	assert.EqualValues(t, 0, out["count"])

	// Still present in the other channel.
	out = invokeChat(t, tool, "W1AW", `{"action":"who","channel":"DX"}`)
	assert.EqualValues(t, 1, out["count"])

	// Leaving a channel that was never created is an error.
	out = invokeChat(t, tool, "W1AW", `{"action":"leave","channel":"GHOST"}`)
	assert.Equal(t, "Channel not found", out["error"])
	assert.Equal(t, "Channel GHOST does not exist", out["message"])
}

func TestChatToolLeaveAllOnEmptyChannel(t *testing.T) {
	var tool = chatTool(t)

	joinChat(t, tool, "W1AW", "MAIN")
	joinChat(t, tool, "W1AW", "DX")
	joinChat(t, tool, "K2DEF", "MAIN")

	var out = invokeChat(t, tool, "W1AW", `{"action":"leave"}`)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Left all channels", out["message"])

	out = invokeChat(t, tool, "W1AW", `{"action":"who","channel":"MAIN"}`)
	assert.Equal(t, []any{"K2DEF"}, out["users"])

	out = invokeChat(t, tool, "W1AW", `{"action":"who","channel":"DX"}`)
	assert.EqualValues(t, 0, out["count"])
}

func TestChatToolListChannels(t *testing.T) {
	var tool = chatTool(t)

	joinChat(t, tool, "W1AW", "MAIN")
	joinChat(t, tool, "K2DEF", "MAIN")
	joinChat(t, tool, "K2DEF", "DX")

	var setTopic = invokeChat(t, tool, "K2DEF", `{"action":"topic","channel":"DX","topic":"DX spots"}`)
	require.Equal(t, true, setTopic["success"])

	var out = invokeChat(t, tool, "W1AW", `{"action":"list_channels"}`)
	assert.Equal(t, true, out["success"])
	assert.EqualValues(t, 2, out["total_channels"])

	// Alphabetical by name: DX before MAIN.
	var entries = chatArray(t, out, "channels")
	require.Len(t, entries, 2)

	assert.Equal(t, "DX", entries[0]["name"])
	assert.Equal(t, "DX spots", entries[0]["topic"])
	assert.EqualValues(t, 1, entries[0]["users"])
	assert.Equal(t, false, entries[0]["joined"])

	assert.Equal(t, "MAIN", entries[1]["name"])
	assert.EqualValues(t, 2, entries[1]["users"])
	assert.Equal(t, true, entries[1]["joined"])
}

func TestChatToolWho(t *testing.T) {
	var tool = chatTool(t)

	joinChat(t, tool, "W1AW", "MAIN")
	joinChat(t, tool, "AB1CDE", "MAIN")
	joinChat(t, tool, "K2DEF", "MAIN")

	var out = invokeChat(t, tool, "W1AW", `{"action":"who","channel":"main"}`)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "MAIN", out["channel"])
	assert.EqualValues(t, 3, out["count"])
	assert.Equal(t, []any{"AB1CDE", "K2DEF", "W1AW"}, out["users"])

	out = invokeChat(t, tool, "W1AW", `{"action":"who","channel":"GHOST"}`)
	assert.Equal(t, "Channel not found", out["error"])
}

func TestChatToolRecentCapsAtTen(t *testing.T) {
	var tool = chatTool(t)

	joinChat(t, tool, "W1AW", "MAIN")
	for i := 1; i <= 12; i++ {
		sendChat(t, tool, "W1AW", "MAIN", fmt.Sprintf("line %d", i))
	}

	var out = invokeChat(t, tool, "K2DEF", `{"action":"recent","channel":"MAIN"}`)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "MAIN", out["channel"])

	var lines = chatArray(t, out, "messages")
	require.Len(t, lines, 10)
	assert.Equal(t, "line 3", lines[0]["message"])
	assert.Equal(t, "line 12", lines[9]["message"])

	out = invokeChat(t, tool, "K2DEF", `{"action":"recent","channel":"GHOST"}`)
	assert.Equal(t, "Channel not found", out["error"])
}

func TestChatToolTopic(t *testing.T) {
	var tool = chatTool(t)

	joinChat(t, tool, "W1AW", "MAIN")

	var out = invokeChat(t, tool, "W1AW", `{"action":"topic","channel":"MAIN","topic":"Rag chew"}`)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Topic set for MAIN", out["message"])

	// New joiners see the topic.
	out = invokeChat(t, tool, "K2DEF", `{"action":"join","channel":"MAIN"}`)
	assert.Equal(t, "Rag chew", out["channel"].(map[string]any)["topic"])

	out = invokeChat(t, tool, "W1AW", `{"action":"topic","channel":"GHOST","topic":"x"}`)
	assert.Equal(t, "Channel not found", out["error"])
}

func TestChatToolKeepsSSID(t *testing.T) {
	var tool = chatTool(t)

	// Unlike mail, chat presence is per station including the SSID.
	joinChat(t, tool, " n0call-7 ", "MAIN")

	var out = invokeChat(t, tool, "W1AW", `{"action":"who","channel":"MAIN"}`)
	assert.Equal(t, []any{"N0CALL-7"}, out["users"])
}

func TestChatToolBadInput(t *testing.T) {
	var tool = chatTool(t)

	tests := []struct {
		name     string
		operator string
		input    string
		wantErr  string
	}{
		{
			name:     "unknown action",
			operator: "W1AW",
			input:    `{"action":"tune"}`,
			wantErr:  "Unknown action: tune",
		},
		{
			name:     "join needs a channel",
			operator: "W1AW",
			input:    `{"action":"join"}`,
			wantErr:  "channel required for join action",
		},
		{
			name:     "send needs channel and message",
			operator: "W1AW",
			input:    `{"action":"send","channel":"MAIN"}`,
			wantErr:  "channel and message required for send action",
		},
		{
			name:     "send needs message text",
			operator: "W1AW",
			input:    `{"action":"send","message":"hi"}`,
			wantErr:  "channel and message required for send action",
		},
		{
			name:     "who needs a channel",
			operator: "W1AW",
			input:    `{"action":"who"}`,
			wantErr:  "channel required for who action",
		},
		{
			name:     "recent needs a channel",
			operator: "W1AW",
			input:    `{"action":"recent"}`,
			wantErr:  "channel required for recent action",
		},
		{
			name:     "topic needs a channel",
			operator: "W1AW",
			input:    `{"action":"topic","topic":"x"}`,
			wantErr:  "channel required for topic action",
		},
		{
			name:     "no callsign anywhere",
			operator: "",
			input:    `{"action":"list_channels"}`,
			wantErr:  "Missing parameter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out = invokeChat(t, tool, tt.operator, tt.input)
			assert.Equal(t, tt.wantErr, out["error"])
		})
	}
}

func TestChatToolCallsignFromArgs(t *testing.T) {
	var tool = chatTool(t)

	// Session callsign missing; the model supplies it as an argument.
	var out = invokeChat(t, tool, "", `{"action":"join","callsign":"w1aw","channel":"MAIN"}`)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, []any{"W1AW"}, out["channel"].(map[string]any)["users"])
}
