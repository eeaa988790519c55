package elmer

/*------------------------------------------------------------------
 *
 * Name:	tool_messages
 *
 * Purpose:	BBS-style personal mail, driven through the model.
 *
 * Description:	Send, list, read, reply, delete.  Messages live in the
 *		durable store keyed by base callsign; the sender's
 *		outbox and the recipient's inbox are views of the same
 *		rows.  Subjects omitted on send are generated from the
 *		first line of the body.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
)

const MAIL_SUBJECT_MAX = 50

const MAIL_DATE_FORMAT = "2006-01-02 15:04"

type MessageTool struct {
	store *Store
	log   *log.Logger
}

func NewMessageTool(store *Store, logger *log.Logger) *MessageTool {
	if logger == nil {
		logger = log.Default()
	}
	return &MessageTool{store: store, log: logger.WithPrefix("mail")}
}

func (t *MessageTool) Name() string { return "messages" }

func (t *MessageTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name: "messages",
		Description: "Interact with the BBS message system. Users can send messages to other callsigns, " +
			"list their received messages, list their sent messages, read specific messages, " +
			"delete messages, and reply to messages. This is like email for packet radio operators. " +
			"Use this when users ask about mail, messages, outbox, sent messages, or want to " +
			"communicate with other users.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]SchemaProp{
				"action": {
					Type:        "string",
					Enum:        []string{"list", "read", "send", "delete", "reply"},
					Description: "The action to perform",
				},
				"callsign": {
					Type:        "string",
					Description: "User's callsign (required for all actions)",
				},
				"message_id": {
					Type:        "integer",
					Description: "Message ID (required for read, delete, reply actions)",
				},
				"to_callsign": {
					Type:        "string",
					Description: "Recipient callsign (required for send action)",
				},
				"subject": {
					Type:        "string",
					Description: "Message subject (optional for send action - will be generated from body if omitted)",
				},
				"body": {
					Type:        "string",
					Description: "Message body (required for send and reply actions)",
				},
				"unread_only": {
					Type:        "boolean",
					Description: "For list action: only show unread messages (default: false)",
				},
				"sent": {
					Type:        "boolean",
					Description: "For list action: show sent messages instead of received (default: false)",
				},
			},
			Required: []string{"action", "callsign"},
		},
	}
}

// GenerateSubject makes a subject line out of a message body: the
// first line, capped at 50 characters.
func GenerateSubject(body string) string {
	firstLine := strings.TrimSpace(body)
	if idx := strings.IndexByte(firstLine, '\n'); idx >= 0 {
		// The cut can re-expose trailing spaces from before the
		// newline.
		firstLine = strings.TrimSpace(firstLine[:idx])
	}

	runes := []rune(firstLine)
	subject := firstLine
	if len(runes) > MAIL_SUBJECT_MAX {
		subject = strings.TrimSpace(string(runes[:MAIL_SUBJECT_MAX])) + "..."
	}

	if subject == "" {
		return "(no subject)"
	}
	return subject
}

type mailListEntry struct {
	ID      int64  `json:"id"`
	Status  string `json:"status"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Subject string `json:"subject"`
	Date    string `json:"date"`
	IsRead  bool   `json:"is_read"`
}

func (t *MessageTool) list(callsign string, unreadOnly, sent bool) string {
	t.log.Info("listing messages", "callsign", callsign, "unread_only", unreadOnly, "sent", sent)

	var messages []MailMessage
	var unreadCount int64
	var err error

	if sent {
		messages, err = t.store.GetSentMessages(callsign)
	} else {
		messages, err = t.store.GetMessages(callsign, unreadOnly)
		if err == nil {
			unreadCount, err = t.store.UnreadCount(callsign)
		}
	}
	if err != nil {
		return toolJSON(map[string]string{
			"error":   "Failed to list messages",
			"message": err.Error(),
		})
	}

	if len(messages) == 0 {
		switch {
		case sent:
			return toolJSON(map[string]any{
				"success":     true,
				"message":     "No sent messages.",
				"total_count": 0,
				"messages":    []mailListEntry{},
			})
		case unreadOnly:
			return toolJSON(map[string]any{
				"success":      true,
				"message":      "No unread messages.",
				"unread_count": 0,
				"total_count":  0,
				"messages":     []mailListEntry{},
			})
		default:
			return toolJSON(map[string]any{
				"success":      true,
				"message":      "No messages.",
				"unread_count": 0,
				"total_count":  0,
				"messages":     []mailListEntry{},
			})
		}
	}

	entries := make([]mailListEntry, 0, len(messages))
	for _, msg := range messages {
		if sent {
			status := " "
			if msg.IsRead {
				status = "R"
			}
			entries = append(entries, mailListEntry{
				ID:      msg.ID,
				Status:  status,
				To:      msg.ToCallsign,
				Subject: msg.Subject,
				Date:    msg.CreatedAt.Format(MAIL_DATE_FORMAT),
				IsRead:  msg.IsRead,
			})
		} else {
			status := " "
			if !msg.IsRead {
				status = "N"
			}
			entries = append(entries, mailListEntry{
				ID:      msg.ID,
				Status:  status,
				From:    msg.FromCallsign,
				Subject: msg.Subject,
				Date:    msg.CreatedAt.Format(MAIL_DATE_FORMAT),
				IsRead:  msg.IsRead,
			})
		}
	}

	result := map[string]any{
		"success":     true,
		"total_count": len(entries),
		"messages":    entries,
	}
	if !sent {
		result["unread_count"] = unreadCount
	}

	return toolJSON(result)
}

func (t *MessageTool) read(callsign string, messageID int64) string {
	t.log.Info("reading message", "id", messageID, "callsign", callsign)

	msg, err := t.store.GetMessage(messageID, callsign)
	if err != nil {
		return toolJSON(map[string]string{
			"error":   "Failed to read message",
			"message": err.Error(),
		})
	}
	if msg == nil {
		return toolJSON(map[string]string{
			"error":   "Message not found",
			"message": fmt.Sprintf("Message %d not found or you don't have permission to read it", messageID),
		})
	}

	if msg.ToCallsign == callsign && !msg.IsRead {
		if err := t.store.MarkMessageRead(messageID, callsign); err != nil {
			t.log.Warn("mark read failed", "id", messageID, "err", err)
		} else {
			msg.IsRead = true
		}
	}

	return toolJSON(map[string]any{
		"success": true,
		"message": map[string]any{
			"id":          msg.ID,
			"from":        msg.FromCallsign,
			"to":          msg.ToCallsign,
			"subject":     msg.Subject,
			"body":        msg.Body,
			"date":        msg.CreatedAt.Format(MAIL_DATE_FORMAT),
			"is_read":     msg.IsRead,
			"in_reply_to": msg.InReplyTo,
		},
	})
}

func (t *MessageTool) send(from, to, subject, body string, inReplyTo *int64) string {
	t.log.Info("sending message", "from", from, "to", to, "subject", subject)

	messageID, err := t.store.SendMessage(from, to, subject, body, inReplyTo)
	if err != nil {
		return toolJSON(map[string]string{
			"error":   "Failed to send message",
			"message": err.Error(),
		})
	}

	return toolJSON(map[string]any{
		"success":    true,
		"message_id": messageID,
		"message":    fmt.Sprintf("Message sent to %s.", to),
	})
}

func (t *MessageTool) remove(callsign string, messageID int64) string {
	t.log.Info("deleting message", "id", messageID, "callsign", callsign)

	ok, err := t.store.DeleteMessage(messageID, callsign)
	if err != nil {
		return toolJSON(map[string]string{
			"error":   "Failed to delete message",
			"message": err.Error(),
		})
	}
	if !ok {
		return toolJSON(map[string]string{
			"error":   "Delete failed",
			"message": fmt.Sprintf("Message %d not found or already deleted", messageID),
		})
	}

	return toolJSON(map[string]any{
		"success": true,
		"message": fmt.Sprintf("Message %d deleted.", messageID),
	})
}

func (t *MessageTool) reply(callsign string, messageID int64, body string) string {
	t.log.Info("replying to message", "id", messageID, "callsign", callsign)

	original, err := t.store.GetMessage(messageID, callsign)
	if err != nil {
		return toolJSON(map[string]string{
			"error":   "Failed to send reply",
			"message": err.Error(),
		})
	}
	if original == nil {
		return toolJSON(map[string]string{
			"error":   "Message not found",
			"message": fmt.Sprintf("Message %d not found or you don't have permission", messageID),
		})
	}

	// Replying to received mail goes back to the sender; replying to
	// our own sent mail follows the original recipient.
	to := original.ToCallsign
	if original.ToCallsign == callsign {
		to = original.FromCallsign
	}

	subject := original.Subject
	if !strings.HasPrefix(subject, "Re: ") {
		subject = "Re: " + subject
	}

	return t.send(callsign, to, subject, body, &messageID)
}

func (t *MessageTool) Invoke(ctx context.Context, tc ToolContext, input json.RawMessage) string {
	var args struct {
		Action     string `json:"action"`
		Callsign   string `json:"callsign"`
		MessageID  int64  `json:"message_id"`
		ToCallsign string `json:"to_callsign"`
		Subject    string `json:"subject"`
		Body       string `json:"body"`
		UnreadOnly bool   `json:"unread_only"`
		Sent       bool   `json:"sent"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return toolJSON(map[string]string{
				"error":   "Failed to list messages",
				"message": err.Error(),
			})
		}
	}

	callsign := NormalizeCallsign(tc.Callsign)
	if callsign == "" {
		callsign = NormalizeCallsign(args.Callsign)
	}
	if callsign == "" {
		return toolJSON(map[string]string{
			"error":   "Missing parameter",
			"message": "Callsign is required",
		})
	}

	switch args.Action {
	case "list":
		return t.list(callsign, args.UnreadOnly, args.Sent)
	case "read":
		if args.MessageID == 0 {
			return toolJSON(map[string]string{"error": "message_id required for read action"})
		}
		return t.read(callsign, args.MessageID)
	case "send":
		to := NormalizeCallsign(args.ToCallsign)
		if to == "" || args.Body == "" {
			return toolJSON(map[string]string{"error": "to_callsign and body required for send action"})
		}
		subject := args.Subject
		if subject == "" {
			subject = GenerateSubject(args.Body)
		}
		return t.send(callsign, to, subject, args.Body, nil)
	case "delete":
		if args.MessageID == 0 {
			return toolJSON(map[string]string{"error": "message_id required for delete action"})
		}
		return t.remove(callsign, args.MessageID)
	case "reply":
		if args.MessageID == 0 || args.Body == "" {
			return toolJSON(map[string]string{"error": "message_id and body required for reply action"})
		}
		return t.reply(callsign, args.MessageID, args.Body)
	default:
		return toolError("Unknown action: %s", args.Action)
	}
}
