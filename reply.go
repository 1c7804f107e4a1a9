package echochat

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ReplySource produces the counterpart answer to a message the user sent.
// Implementations block until the reply is available or ctx is done; an empty
// result means the counterpart stayed silent.
type ReplySource interface {
	Replies(ctx context.Context, req ReplyRequest) ([]Message, error)
}

// ReplyRequest carries the sent message and the thread it was appended to,
// the sent message included.
type ReplyRequest struct {
	Sent    Message
	History []Message
}

// Reply modes.
const (
	ReplyNone      = "none"
	ReplySynthetic = "synthetic"
	ReplyRemote    = "remote"
	ReplyStream    = "stream"
	ReplyOpenAI    = "openai"
)

const (
	DefaultReplyDelay   = 1200 * time.Millisecond
	DefaultPollInterval = time.Second
	DefaultPollAttempts = 3
	DefaultOpenAIModel  = "gpt-4o-mini"

	assistantSenderID = "assistant"
)

// DefaultCannedReplies are the answers the synthetic source picks from.
var DefaultCannedReplies = []string{
	"Đó là một câu hỏi thú vị! Tôi đang suy nghĩ về điều này...",
	"Tôi hiểu rồi. Dựa trên thông tin bạn cung cấp...",
	"Cảm ơn bạn đã chia sẻ! Tôi có thể giúp bạn với việc này.",
	"Đây là một chủ đề hay. Hãy để tôi giải thích chi tiết...",
	"Tôi có thể đưa ra một số gợi ý cho vấn đề này.",
}

// ReplyConfig selects and tunes a reply source.
type ReplyConfig struct {
	Mode          string
	Delay         time.Duration
	Replies       []string
	WaitTimeout   time.Duration
	PollInterval  time.Duration
	PollAttempts  int
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
	SystemPrompt  string
}

// ReplyDeps are the collaborators a reply source may need.
type ReplyDeps struct {
	Service ConversationService
	Session *Session
	BaseURL string
	Logger  *zap.Logger
}

// NewReplySource builds the source named by cfg.Mode. Mode "none" and the
// empty mode return a nil source. Sources that hold connections implement
// io.Closer.
func NewReplySource(cfg ReplyConfig, deps ReplyDeps) (ReplySource, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ReplyNone:
		return nil, nil
	case ReplySynthetic:
		return NewSyntheticReplies(cfg.Delay, cfg.Replies), nil
	case ReplyRemote:
		if deps.Service == nil {
			return nil, fmt.Errorf("reply mode %q needs a conversation service", cfg.Mode)
		}
		return &PollingReplies{
			service:  deps.Service,
			userID:   sessionUserID(deps.Session),
			delay:    cfg.Delay,
			interval: orDuration(cfg.PollInterval, DefaultPollInterval),
			attempts: orInt(cfg.PollAttempts, DefaultPollAttempts),
			window:   DefaultDedupWindow,
		}, nil
	case ReplyStream:
		if deps.Session == nil || deps.Session.Token == "" {
			return nil, fmt.Errorf("reply mode %q needs an authenticated session", cfg.Mode)
		}
		s := NewStreamReplies(StreamConfig{
			BaseURL:     deps.BaseURL,
			Token:       deps.Session.Token,
			UserID:      deps.Session.UserID,
			WaitTimeout: cfg.WaitTimeout,
			Logger:      logger,
		})
		s.Start()
		return s, nil
	case ReplyOpenAI:
		return NewOpenAIReplies(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.SystemPrompt), nil
	default:
		return nil, fmt.Errorf("unknown reply mode %q", cfg.Mode)
	}
}

// ============================================================================
// SyntheticReplies
// ============================================================================

// SyntheticReplies answers every message with one canned reply after a fixed
// delay.
type SyntheticReplies struct {
	delay   time.Duration
	replies []string
	pick    func(n int) int
}

func NewSyntheticReplies(delay time.Duration, replies []string) *SyntheticReplies {
	if delay <= 0 {
		delay = DefaultReplyDelay
	}
	if len(replies) == 0 {
		replies = DefaultCannedReplies
	}
	return &SyntheticReplies{delay: delay, replies: replies, pick: rand.Intn}
}

func (s *SyntheticReplies) Replies(ctx context.Context, req ReplyRequest) ([]Message, error) {
	if err := sleepCtx(ctx, s.delay); err != nil {
		return nil, err
	}
	return []Message{{
		ID:             "assistant-" + newLocalID(),
		ConversationID: req.Sent.ConversationID,
		SenderID:       assistantSenderID,
		Content:        s.replies[s.pick(len(s.replies))],
		CreatedAt:      time.Now(),
	}}, nil
}

// ============================================================================
// PollingReplies
// ============================================================================

// PollingReplies waits for the counterpart to answer through the service by
// polling the conversation history.
type PollingReplies struct {
	service  ConversationService
	userID   string
	delay    time.Duration
	interval time.Duration
	attempts int
	window   time.Duration
}

// Replies returns the counterpart messages created after the sent message
// that the history does not hold yet. It gives up silently after the
// configured attempts; the last fetch error is returned if every poll failed.
func (p *PollingReplies) Replies(ctx context.Context, req ReplyRequest) ([]Message, error) {
	known := make(map[string]bool, len(req.History))
	for _, m := range req.History {
		known[m.ID] = true
		if m.RemoteID != "" {
			known[m.RemoteID] = true
		}
	}
	since := req.Sent.CreatedAt.Add(-p.window)

	if err := sleepCtx(ctx, p.delay); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, p.interval); err != nil {
				return nil, err
			}
		}
		remote, err := p.service.ListMessages(ctx, req.Sent.ConversationID)
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = nil

		var out []Message
		for _, r := range remote {
			if r.SenderID == p.userID || (r.ID != "" && known[r.ID]) {
				continue
			}
			if !r.CreatedAt.IsZero() && r.CreatedAt.Before(since) {
				continue
			}
			m := r.toMessage(p.userID, time.Time{})
			m.ConversationID = req.Sent.ConversationID
			out = append(out, m)
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	return nil, lastErr
}

// ============================================================================
// Helpers
// ============================================================================

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func sessionUserID(s *Session) string {
	if s == nil {
		return ""
	}
	return s.UserID
}

func orDuration(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func orInt(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}
