package echochat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

type requestLog struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (l *requestLog) add(r recordedRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, r)
}

func (l *requestLog) all() []recordedRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedRequest(nil), l.reqs...)
}

// newTestServer serves fixed responses by "METHOD /path" and records every
// request it receives.
func newTestServer(t *testing.T, routes map[string]func(w http.ResponseWriter)) (*httptest.Server, *requestLog) {
	t.Helper()
	seen := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.Body)
		}
		seen.add(rec)

		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Not Found"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		h(w)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func respond(status int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

// ============================================================================
// Auth
// ============================================================================

func TestAuthLogin(t *testing.T) {
	srv, seen := newTestServer(t, map[string]func(http.ResponseWriter){
		"POST /auth/login": respond(200, `{"access_token":"tok","token_type":"bearer","payload":{"user_id":"u1","email":"a@b.c","exp":4102444800}}`),
	})
	client := NewClient(WithBaseURL(srv.URL + "/"))

	s, err := client.Auth.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok", s.Token)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, "a@b.c", s.Email)
	assert.Equal(t, time.Unix(4102444800, 0), s.ExpiresAt)
	assert.True(t, s.Valid())

	require.Len(t, seen.all(), 1)
	assert.Equal(t, "/auth/login", seen.all()[0].Path)
	assert.Equal(t, map[string]any{"email": "a@b.c", "password": "pw"}, seen.all()[0].Body)
}

func TestAuthLoginRejected(t *testing.T) {
	srv, _ := newTestServer(t, map[string]func(http.ResponseWriter){
		"POST /auth/login": respond(401, `{"detail":"Invalid credentials"}`),
	})
	client := NewClient(WithBaseURL(srv.URL))

	_, err := client.Auth.Login(context.Background(), "a@b.c", "bad")
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "HTTP_401", apiErr.Code)
	assert.Equal(t, 401, apiErr.Status)
	assert.Equal(t, "Invalid credentials", apiErr.Message)
}

func TestAuthRegisterLogsIn(t *testing.T) {
	srv, seen := newTestServer(t, map[string]func(http.ResponseWriter){
		"POST /auth/register": respond(200, `{"id":"u9","email":"n@b.c","access_token":"reg"}`),
		"POST /auth/login":    respond(200, `{"access_token":"tok","payload":{"user_id":"u9","email":"n@b.c"}}`),
	})
	client := NewClient(WithBaseURL(srv.URL))

	s, err := client.Auth.Register(context.Background(), "Nam", "n@b.c", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u9", s.UserID)
	assert.Equal(t, "tok", s.Token)
	assert.Equal(t, "Nam", s.Name)

	require.Len(t, seen.all(), 2)
	assert.Equal(t, "/auth/register", seen.all()[0].Path)
	assert.Equal(t, "Nam", seen.all()[0].Body["name"])
	assert.Equal(t, "/auth/login", seen.all()[1].Path)
}

func TestRegisterValidationError(t *testing.T) {
	srv, _ := newTestServer(t, map[string]func(http.ResponseWriter){
		"POST /auth/register": respond(422, `{"detail":[{"loc":["body","email"],"msg":"value is not a valid email address"}]}`),
	})
	client := NewClient(WithBaseURL(srv.URL))

	_, err := client.Auth.Register(context.Background(), "Nam", "bad", "pw")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "HTTP_422", apiErr.Code)
	assert.Equal(t, "value is not a valid email address", apiErr.Message)
}

// ============================================================================
// Conversations
// ============================================================================

func TestConversationsList(t *testing.T) {
	srv, seen := newTestServer(t, map[string]func(http.ResponseWriter){
		"GET /conversations/": respond(200, `[{"id":"c1","conversation_name":"One"},{"_id":"c2","title":"Two","latestMessage":{"content":"hey"}}]`),
	})
	client := NewClient(WithBaseURL(srv.URL), WithToken("tok"))

	convs, err := client.Conversations.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Conversation{
		{ID: "c1", Title: "One"},
		{ID: "c2", Title: "Two", LatestMessagePreview: "hey"},
	}, convs)
	assert.Equal(t, "Bearer tok", seen.all()[0].Auth)
}

func TestConversationsCreate(t *testing.T) {
	srv, seen := newTestServer(t, map[string]func(http.ResponseWriter){
		"POST /conversations/": respond(201, `[{"id":42,"conversation_name":"Cuộc trò chuyện mới"}]`),
	})
	client := NewClient(WithBaseURL(srv.URL))

	conv, err := client.Conversations.Create(context.Background(), DefaultNewTitle)
	require.NoError(t, err)
	assert.Equal(t, Conversation{ID: "42", Title: DefaultNewTitle}, conv)
	assert.Equal(t, map[string]any{"conversation_name": DefaultNewTitle}, seen.all()[0].Body)
}

func TestConversationsCreateWithoutID(t *testing.T) {
	srv, _ := newTestServer(t, map[string]func(http.ResponseWriter){
		"POST /conversations/": respond(200, `{"conversation_name":"x"}`),
	})
	client := NewClient(WithBaseURL(srv.URL))

	_, err := client.Conversations.Create(context.Background(), "x")
	assert.Error(t, err)
}

func TestConversationsRename(t *testing.T) {
	t.Run("empty body", func(t *testing.T) {
		srv, seen := newTestServer(t, map[string]func(http.ResponseWriter){
			"PATCH /conversations/42/rename": respond(204, ``),
		})
		client := NewClient(WithBaseURL(srv.URL))

		conv, err := client.Conversations.Rename(context.Background(), "42", "Plans")
		require.NoError(t, err)
		assert.Equal(t, Conversation{ID: "42", Title: "Plans"}, conv)
		assert.Equal(t, "PATCH", seen.all()[0].Method)
		assert.Equal(t, map[string]any{"conversation_name": "Plans"}, seen.all()[0].Body)
	})

	t.Run("server title", func(t *testing.T) {
		srv, _ := newTestServer(t, map[string]func(http.ResponseWriter){
			"PATCH /conversations/42/rename": respond(200, `{"id":"42","conversation_name":"Plans!"}`),
		})
		client := NewClient(WithBaseURL(srv.URL))

		conv, err := client.Conversations.Rename(context.Background(), "42", "Plans")
		require.NoError(t, err)
		assert.Equal(t, "Plans!", conv.Title)
	})

	t.Run("server error", func(t *testing.T) {
		srv, _ := newTestServer(t, map[string]func(http.ResponseWriter){
			"PATCH /conversations/42/rename": respond(500, `internal error`),
		})
		client := NewClient(WithBaseURL(srv.URL))

		_, err := client.Conversations.Rename(context.Background(), "42", "Plans")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "HTTP_500", apiErr.Code)
		assert.Equal(t, "internal error", apiErr.Message)
	})
}

// ============================================================================
// Messages
// ============================================================================

func TestMessagesList(t *testing.T) {
	srv, _ := newTestServer(t, map[string]func(http.ResponseWriter){
		"GET /messages/conversation/c1": respond(200, `[{"id":"m1","sender_id":"u1","content":"Hi","created_at":"2025-01-01T00:00:00"}]`),
	})
	client := NewClient(WithBaseURL(srv.URL))

	msgs, err := client.Messages.List(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0].ConversationID)
	assert.Equal(t, "u1", msgs[0].SenderID)
	assert.True(t, msgs[0].CreatedAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestMessagesCreate(t *testing.T) {
	srv, seen := newTestServer(t, map[string]func(http.ResponseWriter){
		"POST /messages/": respond(200, `{"id":"m9","created_at":"2025-01-01T00:00:01Z"}`),
	})
	client := NewClient(WithBaseURL(srv.URL))

	m, err := client.Service().CreateMessage(context.Background(), "c1", "u1", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "m9", m.ID)
	assert.Equal(t, "Hello", m.Content)
	assert.Equal(t, map[string]any{"conversation_id": "c1", "sender_id": "u1", "content": "Hello"}, seen.all()[0].Body)
}

func TestRequestHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	client := NewClient(WithBaseURL(srv.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Conversations.List(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
