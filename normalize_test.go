package echochat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeConversation(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want Conversation
	}{
		{
			name: "server field names",
			raw:  map[string]any{"id": "c1", "conversation_name": "Trip", "avatar_url": "a.png", "latestMessage": "see you"},
			want: Conversation{ID: "c1", Title: "Trip", AvatarURL: "a.png", LatestMessagePreview: "see you"},
		},
		{
			name: "mongo id and title",
			raw:  map[string]any{"_id": "c2", "title": "Work", "avatarUrl": "b.png"},
			want: Conversation{ID: "c2", Title: "Work", AvatarURL: "b.png"},
		},
		{
			name: "numeric id and name",
			raw:  map[string]any{"id": float64(42), "name": "Numbers"},
			want: Conversation{ID: "42", Title: "Numbers"},
		},
		{
			name: "latest message object",
			raw:  map[string]any{"id": "c3", "latestMessage": map[string]any{"content": "hi"}},
			want: Conversation{ID: "c3", Title: "Conversation", LatestMessagePreview: "hi"},
		},
		{
			name: "empty object",
			raw:  map[string]any{},
			want: Conversation{Title: "Conversation"},
		},
		{
			name: "conversation_name wins over title",
			raw:  map[string]any{"id": "c4", "conversation_name": "A", "title": "B", "name": "C"},
			want: Conversation{ID: "c4", Title: "A"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeConversation(tt.raw))
		})
	}
}

func TestNormalizeMessage(t *testing.T) {
	t.Run("snake case", func(t *testing.T) {
		m := NormalizeMessage(map[string]any{
			"id":              "m1",
			"conversation_id": "c1",
			"sender_id":       float64(7),
			"content":         "Hello",
			"created_at":      "2025-03-01T10:00:00",
		})
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, "c1", m.ConversationID)
		assert.Equal(t, "7", m.SenderID)
		assert.Equal(t, "Hello", m.Content)
		assert.True(t, m.CreatedAt.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)))
	})

	t.Run("camel case and text", func(t *testing.T) {
		m := NormalizeMessage(map[string]any{
			"_id":            "m2",
			"conversationId": "c2",
			"senderId":       "u2",
			"text":           "Yo",
			"createdAt":      "2025-03-01T10:00:00.123+02:00",
		})
		assert.Equal(t, "m2", m.ID)
		assert.Equal(t, "c2", m.ConversationID)
		assert.Equal(t, "u2", m.SenderID)
		assert.Equal(t, "Yo", m.Content)
		assert.True(t, m.CreatedAt.Equal(time.Date(2025, 3, 1, 8, 0, 0, 123000000, time.UTC)))
	})

	t.Run("unparsable timestamp is zero", func(t *testing.T) {
		m := NormalizeMessage(map[string]any{"id": "m3", "timestamp": "yesterday"})
		assert.True(t, m.CreatedAt.IsZero())
	})
}

func TestDecodeSingleConversation(t *testing.T) {
	c, err := decodeSingleConversation([]byte(`{"id":"42","conversation_name":"Cuộc trò chuyện mới"}`))
	require.NoError(t, err)
	assert.Equal(t, "42", c.ID)

	c, err = decodeSingleConversation([]byte(`[{"id":"43","title":"x"},{"id":"44"}]`))
	require.NoError(t, err)
	assert.Equal(t, "43", c.ID)

	_, err = decodeSingleConversation([]byte(`[]`))
	assert.Error(t, err)

	_, err = decodeSingleConversation([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeMessageListSkipsNonObjects(t *testing.T) {
	msgs, err := decodeMessageList([]byte(`[{"id":"a","content":"x"}, 3, "s", null, {"id":"b","content":"y"}]`))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "b", msgs[1].ID)

	msgs, err = decodeMessageList([]byte(`null`))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
