// Package echochat is a client for a conversation service with optimistic
// local echo.
//
// The HTTP bindings follow a sub-module access pattern; the Engine keeps the
// conversation list and the active thread consistent across the remote
// service, optimistic local edits and a durable echo store.
//
// Example:
//
//	client := echochat.NewClient(echochat.WithBaseURL("http://127.0.0.1:8000"))
//	session, _ := client.Auth.Login(ctx, "a@example.com", "secret")
//	client.SetToken(session.Token)
//
//	engine := echochat.NewEngine(client.Service(), echochat.NewMemoryStorage(), session)
//	engine.Bootstrap(ctx)
//	engine.Send(ctx, "Hello")
package echochat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Auth          *AuthClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a new conversation service client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{client: c}
	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	return c
}

// SetToken sets or updates the bearer token, typically after login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the service root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Service returns the client as the ConversationService the Engine consumes.
func (c *Client) Service() ConversationService {
	return &httpService{client: c}
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newHTTPError(resp.StatusCode, errorDetail(data))
	}
	return data, nil
}

// errorDetail extracts the message of an error body. The service reports
// errors as {"detail": "..."} or as a list of validation errors.
func errorDetail(data []byte) string {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return strings.TrimSpace(string(data))
	}
	switch d := body["detail"].(type) {
	case string:
		return d
	case []any:
		if len(d) > 0 {
			if first, ok := d[0].(map[string]any); ok {
				return firstString(first, "msg", "message")
			}
		}
	}
	return firstString(body, "message", "error")
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AuthClient handles login and registration.
type AuthClient struct{ client *Client }

// Login exchanges credentials for a session.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*Session, error) {
	data, err := a.client.doRequest(ctx, "POST", "/auth/login", &loginRequest{Email: email, Password: password}, nil)
	if err != nil {
		return nil, err
	}
	return NewSession(data)
}

// Register creates an account and then logs in with the same credentials,
// since the register response does not carry the full identity.
func (a *AuthClient) Register(ctx context.Context, name, email, password string) (*Session, error) {
	_, err := a.client.doRequest(ctx, "POST", "/auth/register", &registerRequest{Name: name, Email: email, Password: password}, nil)
	if err != nil {
		return nil, err
	}
	s, err := a.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if s.Name == "" {
		s.Name = name
	}
	return s, nil
}

// ConversationsClient handles the conversation list.
type ConversationsClient struct{ client *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	data, err := cv.client.doRequest(ctx, "GET", "/conversations/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeConversationList(data)
}

func (cv *ConversationsClient) Create(ctx context.Context, title string) (Conversation, error) {
	data, err := cv.client.doRequest(ctx, "POST", "/conversations/", &conversationNameRequest{ConversationName: title}, nil)
	if err != nil {
		return Conversation{}, err
	}
	conv, err := decodeSingleConversation(data)
	if err != nil {
		return Conversation{}, err
	}
	if conv.ID == "" {
		return Conversation{}, &APIError{Code: "NO_ID", Message: "created conversation has no id"}
	}
	return conv, nil
}

// Rename sets a conversation title. A server that answers with an empty body
// yields a Conversation carrying only the id and the requested title.
func (cv *ConversationsClient) Rename(ctx context.Context, conversationID, title string) (Conversation, error) {
	data, err := cv.client.doRequest(ctx, "PATCH", "/conversations/"+url.PathEscape(conversationID)+"/rename", &conversationNameRequest{ConversationName: title}, nil)
	if err != nil {
		return Conversation{}, err
	}
	renamed := Conversation{ID: conversationID, Title: title}
	items, err := decodeObjects(data)
	if err != nil || len(items) == 0 {
		return renamed, nil
	}
	if t := firstString(items[0], "conversation_name", "title", "name"); t != "" {
		renamed.Title = t
	}
	return renamed, nil
}

// MessagesClient handles thread messages.
type MessagesClient struct{ client *Client }

func (m *MessagesClient) List(ctx context.Context, conversationID string) ([]RemoteMessage, error) {
	data, err := m.client.doRequest(ctx, "GET", "/messages/conversation/"+url.PathEscape(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeMessageList(data)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversationID
		}
	}
	return msgs, nil
}

func (m *MessagesClient) Create(ctx context.Context, conversationID, senderID, content string) (RemoteMessage, error) {
	req := &createMessageRequest{ConversationID: conversationID, SenderID: senderID, Content: content}
	data, err := m.client.doRequest(ctx, "POST", "/messages/", req, nil)
	if err != nil {
		return RemoteMessage{}, err
	}
	created := RemoteMessage{ConversationID: conversationID, SenderID: senderID, Content: content}
	items, err := decodeObjects(data)
	if err != nil || len(items) == 0 {
		return created, nil
	}
	got := NormalizeMessage(items[0])
	created.ID = got.ID
	created.CreatedAt = got.CreatedAt
	return created, nil
}

// ============================================================================
// ConversationService adapter
// ============================================================================

type httpService struct{ client *Client }

func (s *httpService) ListConversations(ctx context.Context) ([]Conversation, error) {
	return s.client.Conversations.List(ctx)
}

func (s *httpService) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	return s.client.Conversations.Create(ctx, title)
}

func (s *httpService) RenameConversation(ctx context.Context, conversationID, title string) (Conversation, error) {
	return s.client.Conversations.Rename(ctx, conversationID, title)
}

func (s *httpService) ListMessages(ctx context.Context, conversationID string) ([]RemoteMessage, error) {
	return s.client.Messages.List(ctx, conversationID)
}

func (s *httpService) CreateMessage(ctx context.Context, conversationID, senderID, content string) (RemoteMessage, error) {
	return s.client.Messages.Create(ctx, conversationID, senderID, content)
}
