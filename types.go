package echochat

import (
	"errors"
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a failed call to the conversation service.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

func newHTTPError(status int, detail string) *APIError {
	if detail == "" {
		detail = "request failed"
	}
	return &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: detail, Status: status}
}

var (
	ErrEmptyContent        = errors.New("echochat: message content is empty")
	ErrNotAuthenticated    = errors.New("echochat: no authenticated user")
	ErrNoConversation      = errors.New("echochat: no conversation selected")
	ErrUnknownConversation = errors.New("echochat: unknown conversation")
	ErrNotBootstrapped     = errors.New("echochat: conversation list not loaded yet")
	ErrCreateInFlight      = errors.New("echochat: conversation creation already in flight")
	ErrRenameInFlight      = errors.New("echochat: rename already in flight")
	ErrEmptyTitle          = errors.New("echochat: conversation title is empty")
	ErrNotEditing          = errors.New("echochat: no conversation is being renamed")
)

// ============================================================================
// Domain Types
// ============================================================================

// Conversation is one entry of the conversation list.
type Conversation struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	AvatarURL            string `json:"avatarUrl,omitempty"`
	LatestMessagePreview string `json:"latestMessage,omitempty"`
}

// Message is one entry of a conversation thread.
//
// ID is generated locally for messages authored on this client and is never
// replaced by the server id; RemoteID carries the server id when one is known.
type Message struct {
	ID                string    `json:"id"`
	RemoteID          string    `json:"remoteId,omitempty"`
	ConversationID    string    `json:"conversationId"`
	SenderID          string    `json:"senderId,omitempty"`
	Content           string    `json:"content"`
	SenderIsLocalUser bool      `json:"senderIsLocalUser"`
	CreatedAt         time.Time `json:"createdAt"`
}

// RemoteMessage is a message as reported by the conversation service, after
// normalization.
type RemoteMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      time.Time
}

// toMessage converts a remote message into a thread entry for the given user.
func (r RemoteMessage) toMessage(localUserID string, fallback time.Time) Message {
	created := r.CreatedAt
	if created.IsZero() {
		created = fallback
	}
	id := r.ID
	if id == "" {
		id = "remote-" + newLocalID()
	}
	return Message{
		ID:                id,
		RemoteID:          r.ID,
		ConversationID:    r.ConversationID,
		SenderID:          r.SenderID,
		Content:           r.Content,
		SenderIsLocalUser: localUserID != "" && r.SenderID == localUserID,
		CreatedAt:         created,
	}
}

// ============================================================================
// Request Payloads
// ============================================================================

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type conversationNameRequest struct {
	ConversationName string `json:"conversation_name"`
}

type createMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
}
