package elmer

/*------------------------------------------------------------------
 *
 * Name:	tool_chat
 *
 * Purpose:	Multi-user chat channels in the spirit of CB Simulator
 *		and classic BBS conference mode.
 *
 * Description:	Chat is poll-based: joining a channel shows the last
 *		few lines, sending appends, and stations read history on
 *		their own schedule.  Channel names are upper-case; the
 *		MAIN channel is just a convention, not special-cased.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
)

const CHAT_TIME_FORMAT = "15:04"

type ChatTool struct {
	store *Store
	log   *log.Logger
}

func NewChatTool(store *Store, logger *log.Logger) *ChatTool {
	if logger == nil {
		logger = log.Default()
	}
	return &ChatTool{store: store, log: logger.WithPrefix("chat")}
}

func (t *ChatTool) Name() string { return "chat" }

func (t *ChatTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name: "chat",
		Description: "Multi-user chat system for the BBS. Users can join channels, send messages, " +
			"see who's online, list channels, and create new channels. Like CB Simulator or " +
			"conference mode on classic BBSes. Use this when users want to chat, talk to others, " +
			"join a channel, see who's online, or use commands like /C, /JOIN, /WHO, /CHAT.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]SchemaProp{
				"action": {
					Type:        "string",
					Enum:        []string{"join", "leave", "send", "list_channels", "who", "recent", "topic"},
					Description: "The action to perform",
				},
				"callsign": {
					Type:        "string",
					Description: "User's callsign (required for all actions)",
				},
				"channel": {
					Type: "string",
					Description: "Channel name (required for join, leave, send, who, recent, topic actions). " +
						"Use 'MAIN' for the main public channel.",
				},
				"message": {
					Type:        "string",
					Description: "Message text (required for send action)",
				},
				"topic": {
					Type:        "string",
					Description: "New channel topic (required for topic action)",
				},
			},
			Required: []string{"action", "callsign"},
		},
	}
}

type chatLine struct {
	Callsign string `json:"callsign"`
	Message  string `json:"message"`
	Time     string `json:"time"`
}

func chatLines(messages []ChatMessage) []chatLine {
	lines := make([]chatLine, 0, len(messages))
	for _, msg := range messages {
		lines = append(lines, chatLine{
			Callsign: msg.Callsign,
			Message:  msg.Message,
			Time:     msg.Timestamp.Format(CHAT_TIME_FORMAT),
		})
	}
	return lines
}

func (t *ChatTool) join(callsign, channelName string) string {
	t.log.Info("join", "callsign", callsign, "channel", channelName)

	channelID, err := t.store.GetOrCreateChannel(channelName, callsign)
	if err != nil {
		return toolJSON(map[string]string{"error": "Failed to join channel", "message": err.Error()})
	}

	if err := t.store.JoinChannel(channelID, callsign); err != nil {
		return toolJSON(map[string]string{"error": "Failed to join channel", "message": err.Error()})
	}

	channel, err := t.store.GetChannelByName(channelName)
	if err != nil || channel == nil {
		return toolJSON(map[string]string{"error": "Failed to join channel", "message": "channel vanished during join"})
	}

	recent, err := t.store.GetRecentChatMessages(channelID, 4, 24)
	if err != nil {
		return toolJSON(map[string]string{"error": "Failed to join channel", "message": err.Error()})
	}

	users, err := t.store.GetChannelUsers(channelID)
	if err != nil {
		return toolJSON(map[string]string{"error": "Failed to join channel", "message": err.Error()})
	}

	return toolJSON(map[string]any{
		"success": true,
		"message": fmt.Sprintf("Joined channel %s", channelName),
		"channel": map[string]any{
			"name":         channelName,
			"topic":        channel.Topic,
			"users_online": len(users),
			"users":        users,
		},
		"recent_messages": chatLines(recent),
	})
}

func (t *ChatTool) leave(callsign, channelName string) string {
	t.log.Info("leave", "callsign", callsign, "channel", channelName)

	channel, err := t.store.GetChannelByName(channelName)
	if err != nil {
		return toolJSON(map[string]string{"error": "Failed to leave channel", "message": err.Error()})
	}
	if channel == nil {
		return toolJSON(map[string]string{
			"error":   "Channel not found",
			"message": fmt.Sprintf("Channel %s does not exist", channelName),
		})
	}

	if err := t.store.LeaveChannel(channel.ID, callsign); err != nil {
		return toolJSON(map[string]string{"error": "Failed to leave channel", "message": err.Error()})
	}

	return toolJSON(map[string]any{
		"success": true,
		"message": fmt.Sprintf("Left channel %s", channelName),
	})
}

func (t *ChatTool) leaveAll(callsign string) string {
	t.log.Info("leave all", "callsign", callsign)

	if err := t.store.LeaveAllChannels(callsign); err != nil {
		return toolJSON(map[string]string{"error": "Failed to leave channels", "message": err.Error()})
	}

	return toolJSON(map[string]any{
		"success": true,
		"message": "Left all channels",
	})
}

func (t *ChatTool) send(callsign, channelName, message string) string {
	t.log.Info("send", "callsign", callsign, "channel", channelName)

	channel, err := t.store.GetChannelByName(channelName)
	if err != nil {
		return toolJSON(map[string]string{"error": "Failed to send message", "message": err.Error()})
	}
	if channel == nil {
		return toolJSON(map[string]string{
			"error":   "Channel not found",
			"message": fmt.Sprintf("Channel %s does not exist. Join it first with /JOIN %s", channelName, channelName),
		})
	}

	users, err := t.store.GetChannelUsers(channel.ID)
	if err != nil {
		return toolJSON(map[string]string{"error": "Failed to send message", "message": err.Error()})
	}

	present := false
	for _, u := range users {
		if u == callsign {
			present = true
			break
		}
	}
	if !present {
		return toolJSON(map[string]string{
			"error":   "Not in channel",
			"message": fmt.Sprintf("You must join %s first. Use /JOIN %s", channelName, channelName),
		})
	}

	if err := t.store.PostChatMessage(channel.ID, callsign, message); err != nil {
		return toolJSON(map[string]string{"error": "Failed to send message", "message": err.Error()})
	}

	return toolJSON(map[string]any{
		"success": true,
		"message": fmt.Sprintf("Message sent to %s", channelName),
	})
}

func (t *ChatTool) listChannels(callsign string) string {
	t.log.Info("list channels", "callsign", callsign)

	channels, err := t.store.ListChannels()
	if err != nil {
		return toolJSON(map[string]string{"error": "Failed to list channels", "message": err.Error()})
	}

	mine, err := t.store.GetUserChannels(callsign)
	if err != nil {
		return toolJSON(map[string]string{"error": "Failed to list channels", "message": err.Error()})
	}
	joined := make(map[int64]bool, len(mine))
	for _, ch := range mine {
		joined[ch.ID] = true
	}

	type channelEntry struct {
		Name   string `json:"name"`
		Topic  string `json:"topic"`
		Users  int64  `json:"users"`
		Joined bool   `json:"joined"`
	}

	entries := make([]channelEntry, 0, len(channels))
	for _, ch := range channels {
		entries = append(entries, channelEntry{
			Name:   ch.ChannelName,
			Topic:  ch.Topic,
			Users:  ch.UserCount,
			Joined: joined[ch.ID],
		})
	}

	return toolJSON(map[string]any{
		"success":        true,
		"total_channels": len(entries),
		"channels":       entries,
	})
}

func (t *ChatTool) who(channelName string) string {
	channel, err := t.store.GetChannelByName(channelName)
	if err != nil {
		return toolJSON(map[string]string{"error": "Failed to get user list", "message": err.Error()})
	}
	if channel == nil {
		return toolJSON(map[string]string{
			"error":   "Channel not found",
			"message": fmt.Sprintf("Channel %s does not exist", channelName),
		})
	}

	users, err := t.store.GetChannelUsers(channel.ID)
	if err != nil {
		return toolJSON(map[string]string{"error": "Failed to get user list", "message": err.Error()})
	}

	return toolJSON(map[string]any{
		"success": true,
		"channel": channelName,
		"users":   users,
		"count":   len(users),
	})
}

func (t *ChatTool) recent(channelName string) string {
	channel, err := t.store.GetChannelByName(channelName)
	if err != nil {
		return toolJSON(map[string]string{"error": "Failed to get messages", "message": err.Error()})
	}
	if channel == nil {
		return toolJSON(map[string]string{
			"error":   "Channel not found",
			"message": fmt.Sprintf("Channel %s does not exist", channelName),
		})
	}

	messages, err := t.store.GetRecentChatMessages(channel.ID, 10, 24)
	if err != nil {
		return toolJSON(map[string]string{"error": "Failed to get messages", "message": err.Error()})
	}

	return toolJSON(map[string]any{
		"success":  true,
		"channel":  channelName,
		"messages": chatLines(messages),
	})
}

func (t *ChatTool) setTopic(channelName, topic string) string {
	t.log.Info("set topic", "channel", channelName, "topic", topic)

	channel, err := t.store.GetChannelByName(channelName)
	if err != nil {
		return toolJSON(map[string]string{"error": "Failed to set topic", "message": err.Error()})
	}
	if channel == nil {
		return toolJSON(map[string]string{
			"error":   "Channel not found",
			"message": fmt.Sprintf("Channel %s does not exist", channelName),
		})
	}

	if err := t.store.SetChannelTopic(channel.ID, topic); err != nil {
		return toolJSON(map[string]string{"error": "Failed to set topic", "message": err.Error()})
	}

	return toolJSON(map[string]any{
		"success": true,
		"message": fmt.Sprintf("Topic set for %s", channelName),
	})
}

func (t *ChatTool) Invoke(ctx context.Context, tc ToolContext, input json.RawMessage) string {
	var args struct {
		Action   string `json:"action"`
		Callsign string `json:"callsign"`
		Channel  string `json:"channel"`
		Message  string `json:"message"`
		Topic    string `json:"topic"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return toolJSON(map[string]string{"error": "Failed to parse input", "message": err.Error()})
		}
	}

	callsign := strings.ToUpper(strings.TrimSpace(tc.Callsign))
	if callsign == "" {
		callsign = strings.ToUpper(strings.TrimSpace(args.Callsign))
	}
	if callsign == "" {
		return toolJSON(map[string]string{
			"error":   "Missing parameter",
			"message": "Callsign is required",
		})
	}

	channel := strings.ToUpper(strings.TrimSpace(args.Channel))

	switch args.Action {
	case "join":
		if channel == "" {
			return toolJSON(map[string]string{"error": "channel required for join action"})
		}
		return t.join(callsign, channel)
	case "leave":
		if channel == "" {
			return t.leaveAll(callsign)
		}
		return t.leave(callsign, channel)
	case "send":
		if channel == "" || args.Message == "" {
			return toolJSON(map[string]string{"error": "channel and message required for send action"})
		}
		return t.send(callsign, channel, args.Message)
	case "list_channels":
		return t.listChannels(callsign)
	case "who":
		if channel == "" {
			return toolJSON(map[string]string{"error": "channel required for who action"})
		}
		return t.who(channel)
	case "recent":
		if channel == "" {
			return toolJSON(map[string]string{"error": "channel required for recent action"})
		}
		return t.recent(channel)
	case "topic":
		if channel == "" {
			return toolJSON(map[string]string{"error": "channel required for topic action"})
		}
		return t.setTopic(channel, args.Topic)
	default:
		return toolError("Unknown action: %s", args.Action)
	}
}
