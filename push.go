package echochat

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PushSignatureHeader carries the HMAC-SHA256 of the request body.
const PushSignatureHeader = "X-Echochat-Signature"

// maxPushBody caps the size of a pushed request body.
const maxPushBody = 1 << 20

// MessageReceiver takes counterpart messages for a conversation. *Engine
// implements it.
type MessageReceiver interface {
	Receive(conversationID string, msgs ...Message) []Message
}

// PushPayload is what the service POSTs when a counterpart message is created.
type PushPayload struct {
	Event   string         `json:"event"`
	Message map[string]any `json:"message"`
}

// VerifyPushSignature checks an HMAC-SHA256 signature of body, with or
// without the "sha256=" prefix, in constant time.
func VerifyPushSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParsePushPayload decodes a pushed body and normalizes its message.
func ParsePushPayload(body []byte) (PushPayload, RemoteMessage, error) {
	var payload PushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return payload, RemoteMessage{}, fmt.Errorf("invalid JSON in push body: %w", err)
	}
	if payload.Event == "" {
		return payload, RemoteMessage{}, fmt.Errorf("missing event field in push payload")
	}
	if payload.Message == nil {
		return payload, RemoteMessage{}, fmt.Errorf("missing message in push payload")
	}
	msg := NormalizeMessage(payload.Message)
	if msg.ConversationID == "" {
		return payload, RemoteMessage{}, fmt.Errorf("push message has no conversation id")
	}
	return payload, msg, nil
}

// ============================================================================
// PushReceiver
// ============================================================================

// PushReceiver verifies pushed counterpart messages and hands them to a
// MessageReceiver. Messages sent by the local user are ignored; their
// optimistic copy is already in the thread.
type PushReceiver struct {
	secret   string
	userID   string
	receiver MessageReceiver
	logger   *zap.Logger
}

func NewPushReceiver(secret string, session *Session, receiver MessageReceiver, logger *zap.Logger) (*PushReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("push secret is required")
	}
	if receiver == nil {
		return nil, fmt.Errorf("push receiver needs a message receiver")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushReceiver{
		secret:   secret,
		userID:   sessionUserID(session),
		receiver: receiver,
		logger:   logger,
	}, nil
}

// Handle verifies, parses and delivers one pushed body. It returns the status
// code and response body for the caller to write.
func (p *PushReceiver) Handle(body []byte, signature string) (int, any) {
	if !VerifyPushSignature(body, signature, p.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	payload, remote, err := ParsePushPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if payload.Event != "message.new" || remote.SenderID == p.userID {
		return http.StatusOK, map[string]any{"ok": true, "accepted": 0}
	}

	msg := remote.toMessage(p.userID, time.Time{})
	accepted := p.receiver.Receive(remote.ConversationID, msg)
	p.logger.Debug("pushed message received",
		zap.String("conversation_id", remote.ConversationID),
		zap.String("message_id", msg.ID),
		zap.Int("accepted", len(accepted)))
	return http.StatusOK, map[string]any{"ok": true, "accepted": len(accepted)}
}

// ServeHTTP accepts POST requests signed in PushSignatureHeader.
func (p *PushReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	status, data := p.Handle(body, r.Header.Get(PushSignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(data)
}
