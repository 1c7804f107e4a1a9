package echochat

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// The conversation service is not consistent about field names: ids arrive as
// "id" or "_id", titles as "conversation_name", "title" or "name". Everything
// that reads a server payload goes through the functions in this file so the
// rest of the package only sees Conversation and RemoteMessage.

const defaultConversationTitle = "Conversation"

// NormalizeConversation maps a raw conversation object onto a Conversation.
// The mapping is total: missing fields fall back to documented defaults.
//
//	ID        id | _id | ""
//	Title     conversation_name | title | name | "Conversation"
//	AvatarURL avatarUrl | avatar_url | ""
//	Preview   latestMessage (string) | latestMessage.content | ""
func NormalizeConversation(raw map[string]any) Conversation {
	c := Conversation{
		ID:        firstString(raw, "id", "_id"),
		Title:     firstString(raw, "conversation_name", "title", "name"),
		AvatarURL: firstString(raw, "avatarUrl", "avatar_url"),
	}
	if c.Title == "" {
		c.Title = defaultConversationTitle
	}
	switch lm := raw["latestMessage"].(type) {
	case string:
		c.LatestMessagePreview = lm
	case map[string]any:
		c.LatestMessagePreview = firstString(lm, "content", "text")
	}
	return c
}

// NormalizeMessage maps a raw message object onto a RemoteMessage.
//
//	ID             id | _id
//	ConversationID conversation_id | conversationId
//	SenderID       sender_id | senderId
//	Content        content | text
//	CreatedAt      created_at | createdAt | timestamp (zero when unparsable)
func NormalizeMessage(raw map[string]any) RemoteMessage {
	return RemoteMessage{
		ID:             firstString(raw, "id", "_id"),
		ConversationID: firstString(raw, "conversation_id", "conversationId"),
		SenderID:       firstString(raw, "sender_id", "senderId"),
		Content:        firstString(raw, "content", "text"),
		CreatedAt:      parseTimestamp(firstString(raw, "created_at", "createdAt", "timestamp")),
	}
}

func decodeConversationList(data []byte) ([]Conversation, error) {
	items, err := decodeObjects(data)
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(items))
	for _, item := range items {
		out = append(out, NormalizeConversation(item))
	}
	return out, nil
}

// decodeSingleConversation accepts either an object or an array wrapping one.
func decodeSingleConversation(data []byte) (Conversation, error) {
	items, err := decodeObjects(data)
	if err != nil {
		return Conversation{}, err
	}
	if len(items) == 0 {
		return Conversation{}, fmt.Errorf("empty conversation response")
	}
	return NormalizeConversation(items[0]), nil
}

func decodeMessageList(data []byte) ([]RemoteMessage, error) {
	items, err := decodeObjects(data)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteMessage, 0, len(items))
	for _, item := range items {
		out = append(out, NormalizeMessage(item))
	}
	return out, nil
}

// decodeObjects decodes a JSON object or array of objects. Non-object array
// elements are dropped.
func decodeObjects(data []byte) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(trimmed), &arr); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		out := make([]map[string]any, 0, len(arr))
		for _, v := range arr {
			if m, ok := v.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return []map[string]any{obj}, nil
}

// firstString returns the first key holding a non-empty string or number.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringValue(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case json.Number:
		return t.String()
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// parseTimestamp parses RFC 3339 or naive ISO-8601 timestamps. Naive values
// are UTC.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}
