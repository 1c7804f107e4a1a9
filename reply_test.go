package echochat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func sentRequest() ReplyRequest {
	sent := Message{ID: "local-1", ConversationID: "c1", SenderID: "u1", Content: "Hello", SenderIsLocalUser: true, CreatedAt: t0}
	return ReplyRequest{Sent: sent, History: []Message{sent}}
}

func TestNewReplySourceModes(t *testing.T) {
	src, err := NewReplySource(ReplyConfig{Mode: ReplyNone}, ReplyDeps{})
	require.NoError(t, err)
	assert.Nil(t, src)

	src, err = NewReplySource(ReplyConfig{}, ReplyDeps{})
	require.NoError(t, err)
	assert.Nil(t, src)

	src, err = NewReplySource(ReplyConfig{Mode: "Synthetic"}, ReplyDeps{})
	require.NoError(t, err)
	assert.IsType(t, &SyntheticReplies{}, src)

	src, err = NewReplySource(ReplyConfig{Mode: ReplyRemote}, ReplyDeps{Service: newFakeService(), Session: testSession})
	require.NoError(t, err)
	assert.IsType(t, &PollingReplies{}, src)

	src, err = NewReplySource(ReplyConfig{Mode: ReplyOpenAI}, ReplyDeps{})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIReplies{}, src)

	t.Run("stream wait timeout is independent of delay", func(t *testing.T) {
		deps := ReplyDeps{BaseURL: "http://127.0.0.1:1", Session: testSession}

		src, err := NewReplySource(ReplyConfig{Mode: ReplyStream, Delay: 1200 * time.Millisecond}, deps)
		require.NoError(t, err)
		require.IsType(t, &StreamReplies{}, src)
		assert.Equal(t, 30*time.Second, src.(*StreamReplies).config.WaitTimeout)
		require.NoError(t, src.(*StreamReplies).Close())

		src, err = NewReplySource(ReplyConfig{Mode: ReplyStream, Delay: time.Second, WaitTimeout: 45 * time.Second}, deps)
		require.NoError(t, err)
		assert.Equal(t, 45*time.Second, src.(*StreamReplies).config.WaitTimeout)
		require.NoError(t, src.(*StreamReplies).Close())
	})

	_, err = NewReplySource(ReplyConfig{Mode: ReplyRemote}, ReplyDeps{})
	assert.Error(t, err)
	_, err = NewReplySource(ReplyConfig{Mode: ReplyStream}, ReplyDeps{})
	assert.Error(t, err)
	_, err = NewReplySource(ReplyConfig{Mode: "carrier-pigeon"}, ReplyDeps{})
	assert.Error(t, err)
}

func TestSyntheticReplies(t *testing.T) {
	s := NewSyntheticReplies(time.Millisecond, []string{"a", "b"})
	s.pick = func(int) int { return 1 }

	got, err := s.Replies(context.Background(), sentRequest())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Content)
	assert.Equal(t, "c1", got[0].ConversationID)
	assert.False(t, got[0].SenderIsLocalUser)
	assert.True(t, strings.HasPrefix(got[0].ID, "assistant-"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSyntheticReplies(time.Hour, nil).Replies(ctx, sentRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollingReplies(t *testing.T) {
	newSource := func(svc ConversationService) ReplySource {
		src, err := NewReplySource(ReplyConfig{
			Mode:         ReplyRemote,
			PollInterval: time.Millisecond,
			PollAttempts: 2,
		}, ReplyDeps{Service: svc, Session: testSession})
		require.NoError(t, err)
		return src
	}

	t.Run("counterpart answer", func(t *testing.T) {
		svc := newFakeService(Conversation{ID: "c1"})
		svc.setMessages("c1",
			RemoteMessage{ID: "old", SenderID: "bot", Content: "last week", CreatedAt: t0.Add(-time.Hour)},
			RemoteMessage{ID: "srv-1", SenderID: "u1", Content: "Hello", CreatedAt: t0},
			RemoteMessage{ID: "b1", SenderID: "bot", Content: "answer", CreatedAt: t0.Add(time.Second)},
		)
		got, err := newSource(svc).Replies(context.Background(), sentRequest())
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "b1", got[0].ID)
		assert.Equal(t, "answer", got[0].Content)
	})

	t.Run("silence", func(t *testing.T) {
		svc := newFakeService(Conversation{ID: "c1"})
		got, err := newSource(svc).Replies(context.Background(), sentRequest())
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Equal(t, 2, svc.count("messages:c1"))
	})

	t.Run("every poll failed", func(t *testing.T) {
		svc := newFakeService(Conversation{ID: "c1"})
		svc.fetchErr = errors.New("502")
		_, err := newSource(svc).Replies(context.Background(), sentRequest())
		assert.EqualError(t, err, "502")
	})
}

func TestStreamReplies(t *testing.T) {
	joined := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" || r.URL.Query().Get("token") != "tok" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		_, data, err := c.Read(r.Context())
		if err != nil {
			return
		}
		joined <- string(data)

		for _, payload := range []string{
			`{"type":"message.new","payload":{"id":"self","conversationId":"c1","senderId":"u1","content":"Hello"}}`,
			`{"type":"message.new","payload":{"id":"x","conversationId":"c2","senderId":"bot","content":"elsewhere"}}`,
			`{"type":"message.new","payload":{"id":"s1","conversationId":"c1","senderId":"bot","content":"hey"}}`,
		} {
			if c.Write(r.Context(), websocket.MessageText, []byte(payload)) != nil {
				return
			}
		}
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	s := NewStreamReplies(StreamConfig{BaseURL: srv.URL, Token: "tok", UserID: "u1", WaitTimeout: 5 * time.Second})
	s.Start()
	defer s.Close()
	require.Eventually(t, func() bool { return s.State() == StateConnected }, 5*time.Second, 10*time.Millisecond)

	got, err := s.Replies(context.Background(), sentRequest())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ID)
	assert.Equal(t, "hey", got[0].Content)
	assert.False(t, got[0].SenderIsLocalUser)

	var env streamEnvelope
	require.NoError(t, json.Unmarshal([]byte(<-joined), &env))
	assert.Equal(t, "conversation.join", env.Type)
	assert.JSONEq(t, `{"conversationId":"c1"}`, string(env.Payload))
}

func TestStreamRepliesReplyBeforeWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		for _, payload := range []string{
			`{"type":"message.new","payload":{"id":"srv-1","conversationId":"c1","senderId":"u1","content":"Hello"}}`,
			`{"type":"message.new","payload":{"id":"s1","conversationId":"c1","senderId":"bot","content":"quick"}}`,
		} {
			if c.Write(r.Context(), websocket.MessageText, []byte(payload)) != nil {
				return
			}
		}
		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewStreamReplies(StreamConfig{BaseURL: srv.URL, Token: "tok", UserID: "u1", WaitTimeout: 5 * time.Second})
	s.Start()
	defer s.Close()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pending["c1"]) == 1
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	got, err := s.Replies(context.Background(), sentRequest())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ID)
	assert.Equal(t, "quick", got[0].Content)
	assert.Less(t, time.Since(start), time.Second)

	s.mu.Lock()
	assert.Empty(t, s.pending["c1"])
	s.mu.Unlock()
}

func TestStreamRepliesPendingSkipsHistory(t *testing.T) {
	s := NewStreamReplies(StreamConfig{UserID: "u1"})
	defer s.Close()

	s.deliver(RemoteMessage{ID: "b0", ConversationID: "c1", SenderID: "bot", Content: "seen"})
	s.deliver(RemoteMessage{ID: "b1", ConversationID: "c1", SenderID: "bot", Content: "new"})
	for i := 0; i < maxPendingReplies+4; i++ {
		s.deliver(RemoteMessage{ID: "x", ConversationID: "c2", SenderID: "bot", Content: "flood"})
	}

	req := sentRequest()
	req.History = append(req.History, Message{ID: "b0", ConversationID: "c1", Content: "seen"})
	got, err := s.Replies(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b1", got[0].ID)

	s.mu.Lock()
	assert.Len(t, s.pending["c2"], maxPendingReplies)
	s.mu.Unlock()
}

func TestStreamRepliesCloseWithoutStart(t *testing.T) {
	s := NewStreamReplies(StreamConfig{BaseURL: "http://127.0.0.1:1"})
	assert.NoError(t, s.Close())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestStreamWSURL(t *testing.T) {
	s := NewStreamReplies(StreamConfig{BaseURL: "https://chat.example.com/", Token: "abc"})
	assert.Equal(t, "wss://chat.example.com/ws?token=abc", s.wsURL())

	s = NewStreamReplies(StreamConfig{BaseURL: "http://localhost:8000", Token: "a b&c=d+e"})
	assert.Equal(t, "ws://localhost:8000/ws?token=a+b%26c%3Dd%2Be", s.wsURL())
}

func TestOpenAIReplies(t *testing.T) {
	gotRoles := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var roles []string
		for _, m := range req.Messages {
			roles = append(roles, m.Role)
		}
		gotRoles <- roles
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","model":"` + req.Model + `",
			"choices":[{"index":0,"message":{"role":"assistant","content":"  Xin chào!  "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	src := NewOpenAIReplies(srv.URL+"/v1/", "sk-test", "", "Be brief.")
	req := sentRequest()
	req.History = append([]Message{{ID: "b0", Content: "earlier", CreatedAt: t0.Add(-time.Minute)}}, req.History...)

	got, err := src.Replies(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Xin chào!", got[0].Content)
	assert.Equal(t, "c1", got[0].ConversationID)
	assert.Equal(t, []string{"system", "assistant", "user"}, <-gotRoles)
}
