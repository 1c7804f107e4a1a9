package echochat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// StreamConfig configures the websocket reply source.
type StreamConfig struct {
	BaseURL              string
	Token                string
	UserID               string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// WaitTimeout bounds how long Replies waits for an answer.
	WaitTimeout time.Duration
	Logger      *zap.Logger
}

func (c *StreamConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// StreamState represents the connection state.
type StreamState string

const (
	StateDisconnected StreamState = "disconnected"
	StateConnecting   StreamState = "connecting"
	StateConnected    StreamState = "connected"
	StateReconnecting StreamState = "reconnecting"
)

type streamEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *StreamConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay grows exponentially with jitter. A connection that stayed up for a
// minute starts the sequence over.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// StreamReplies
// ============================================================================

// maxPendingReplies caps the counterpart messages kept per conversation while
// no Replies call is waiting.
const maxPendingReplies = 16

type pendingReply struct {
	msg        Message
	receivedAt time.Time
}

type streamWaiter struct {
	conversationID string
	known          map[string]bool
	ch             chan Message
}

// StreamReplies listens on the service websocket and hands each new
// counterpart message to the Replies call waiting on its conversation, or
// keeps it for the next call when none is waiting.
type StreamReplies struct {
	config StreamConfig
	recon  *reconnector
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	state   StreamState
	waiters map[*streamWaiter]struct{}
	pending map[string][]pendingReply

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewStreamReplies(config StreamConfig) *StreamReplies {
	config.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamReplies{
		config:  config,
		recon:   newReconnector(&config),
		logger:  config.Logger,
		state:   StateDisconnected,
		waiters: make(map[*streamWaiter]struct{}),
		pending: make(map[string][]pendingReply),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start runs the connection loop in the background until Close.
func (s *StreamReplies) Start() {
	s.once.Do(func() { go s.run() })
}

// State returns the current connection state.
func (s *StreamReplies) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StreamReplies) setState(state StreamState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *StreamReplies) run() {
	defer close(s.done)
	for {
		err := s.connectAndRead(s.ctx)
		if s.ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}
		if !s.recon.shouldReconnect() {
			s.logger.Warn("giving up on reply stream", zap.Error(err))
			s.setState(StateDisconnected)
			return
		}
		delay := s.recon.nextDelay()
		s.setState(StateReconnecting)
		s.logger.Debug("reconnecting reply stream",
			zap.Int("attempt", s.recon.attempt), zap.Duration("delay", delay), zap.Error(err))
		if sleepCtx(s.ctx, delay) != nil {
			s.setState(StateDisconnected)
			return
		}
	}
}

func (s *StreamReplies) wsURL() string {
	u := strings.Replace(s.config.BaseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/ws?token=" + url.QueryEscape(s.config.Token)
}

func (s *StreamReplies) connectAndRead(ctx context.Context) error {
	s.setState(StateConnecting)
	conn, _, err := websocket.Dial(ctx, s.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()
	s.recon.markConnected()
	s.logger.Debug("reply stream connected")

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env streamEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type != "message.new" {
			continue
		}
		var raw map[string]any
		if json.Unmarshal(env.Payload, &raw) != nil {
			continue
		}
		s.deliver(NormalizeMessage(raw))
	}
}

func (s *StreamReplies) deliver(r RemoteMessage) {
	if r.SenderID == "" || r.SenderID == s.config.UserID {
		return
	}
	m := r.toMessage(s.config.UserID, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	taken := false
	for w := range s.waiters {
		if w.conversationID != r.ConversationID || (r.ID != "" && w.known[r.ID]) {
			continue
		}
		select {
		case w.ch <- m:
		default:
		}
		delete(s.waiters, w)
		taken = true
	}
	if taken {
		return
	}

	// A reply can land before the sender's Replies call registers, e.g. while
	// the send request is still in flight. Keep it for that call.
	queue := append(s.pending[r.ConversationID], pendingReply{msg: m, receivedAt: time.Now()})
	if len(queue) > maxPendingReplies {
		queue = queue[len(queue)-maxPendingReplies:]
	}
	s.pending[r.ConversationID] = queue
}

// takePendingLocked removes and returns the buffered messages of a
// conversation that are not in known. Entries older than the wait timeout are
// dropped.
func (s *StreamReplies) takePendingLocked(conversationID string, known map[string]bool) []Message {
	queue := s.pending[conversationID]
	if len(queue) == 0 {
		return nil
	}
	delete(s.pending, conversationID)
	cutoff := time.Now().Add(-s.config.WaitTimeout)

	var out []Message
	for _, p := range queue {
		if p.receivedAt.Before(cutoff) || known[p.msg.ID] || (p.msg.RemoteID != "" && known[p.msg.RemoteID]) {
			continue
		}
		out = append(out, p.msg)
	}
	return out
}

// Replies returns the counterpart messages of the sent message's conversation
// that arrived since the last call and are not in the history; otherwise it
// waits for the next one. It returns no messages when none arrives within the
// wait timeout.
func (s *StreamReplies) Replies(ctx context.Context, req ReplyRequest) ([]Message, error) {
	w := &streamWaiter{
		conversationID: req.Sent.ConversationID,
		known:          make(map[string]bool, len(req.History)),
		ch:             make(chan Message, 1),
	}
	for _, m := range req.History {
		w.known[m.ID] = true
		if m.RemoteID != "" {
			w.known[m.RemoteID] = true
		}
	}

	s.mu.Lock()
	if early := s.takePendingLocked(w.conversationID, w.known); len(early) > 0 {
		s.mu.Unlock()
		return early, nil
	}
	s.waiters[w] = struct{}{}
	conn := s.conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, w)
		s.mu.Unlock()
	}()

	if conn != nil {
		s.join(ctx, conn, req.Sent.ConversationID)
	}

	timer := time.NewTimer(s.config.WaitTimeout)
	defer timer.Stop()
	select {
	case m := <-w.ch:
		return []Message{m}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *StreamReplies) join(ctx context.Context, conn *websocket.Conn, conversationID string) {
	payload, _ := json.Marshal(map[string]string{"conversationId": conversationID})
	data, _ := json.Marshal(streamEnvelope{Type: "conversation.join", Payload: payload})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("failed to join conversation",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// Close stops the connection loop and waits for it to exit.
func (s *StreamReplies) Close() error {
	s.cancel()
	// Never started: nothing else will close done.
	s.once.Do(func() { close(s.done) })
	<-s.done
	return nil
}
