package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	echochat "github.com/echochat/echochat-go"
)

var errNotLoggedIn = errors.New("not logged in; run 'echochat login <email>' first")

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// newClient creates a service client from the config, authenticated when a
// token is stored.
func newClient(cfg *Config) *echochat.Client {
	var opts []echochat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, echochat.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Auth.Token != "" {
		opts = append(opts, echochat.WithToken(cfg.Auth.Token))
	}
	return echochat.NewClient(opts...)
}

// sessionFromConfig rebuilds the stored session.
func sessionFromConfig(cfg *Config) (*echochat.Session, error) {
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, errNotLoggedIn
	}
	s := &echochat.Session{
		Token:  cfg.Auth.Token,
		UserID: cfg.Auth.UserID,
		Email:  cfg.Auth.Email,
		Name:   cfg.Auth.Name,
	}
	if cfg.Auth.Expires != "" {
		if t, err := time.Parse(time.RFC3339, cfg.Auth.Expires); err == nil {
			s.ExpiresAt = t
		}
	}
	if !s.Valid() {
		return nil, fmt.Errorf("session expired; run 'echochat login <email>' again")
	}
	return s, nil
}

func storeSession(cfg *Config, s *echochat.Session) {
	cfg.Auth.Token = s.Token
	cfg.Auth.UserID = s.UserID
	cfg.Auth.Email = s.Email
	cfg.Auth.Name = s.Name
	cfg.Auth.Expires = ""
	if !s.ExpiresAt.IsZero() {
		cfg.Auth.Expires = s.ExpiresAt.UTC().Format(time.RFC3339)
	}
}

// openStore opens the configured echo store backend.
func openStore(cfg *Config) (echochat.EchoStore, error) {
	switch strings.ToLower(cfg.Store.Backend) {
	case "memory":
		return echochat.NewMemoryStorage(), nil
	case "redis":
		if cfg.Store.RedisAddr == "" {
			return nil, fmt.Errorf("store.redis_addr is required for the redis backend")
		}
		return echochat.OpenRedisStore(echochat.RedisOptions{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
	case "", "bolt":
		path := cfg.Store.Path
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "echo.db")
		}
		return echochat.OpenBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q (valid: bolt, memory, redis)", cfg.Store.Backend)
	}
}

// chatSession bundles an engine with everything it holds open.
type chatSession struct {
	cfg     *Config
	client  *echochat.Client
	engine  *echochat.Engine
	store   echochat.EchoStore
	replies echochat.ReplySource
}

// openSession builds the engine for the logged-in user and bootstraps it.
func openSession(ctx context.Context, withReplies bool) (*chatSession, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	sess, err := sessionFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := newClient(cfg)
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	s := &chatSession{cfg: cfg, client: client, store: store}
	opts := []echochat.EngineOption{
		echochat.WithLogger(logger),
		echochat.WithRequestTimeout(durationOr(cfg.Default.RequestTimeout, echochat.DefaultRequestTimeout)),
	}
	if withReplies {
		replies, err := echochat.NewReplySource(echochat.ReplyConfig{
			Mode:          cfg.Reply.Mode,
			Delay:         durationOr(cfg.Reply.Delay, 0),
			WaitTimeout:   durationOr(cfg.Reply.WaitTimeout, 0),
			PollInterval:  durationOr(cfg.Reply.PollInterval, 0),
			PollAttempts:  cfg.Reply.PollAttempts,
			OpenAIBaseURL: cfg.Reply.OpenAIBaseURL,
			OpenAIAPIKey:  cfg.Reply.OpenAIAPIKey,
			OpenAIModel:   cfg.Reply.OpenAIModel,
		}, echochat.ReplyDeps{
			Service: client.Service(),
			Session: sess,
			BaseURL: client.BaseURL(),
			Logger:  logger,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		s.replies = replies
		if replies != nil {
			opts = append(opts, echochat.WithReplySource(replies))
		}
	}

	s.engine = echochat.NewEngine(client.Service(), store, sess, opts...)
	if err := s.engine.Bootstrap(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *chatSession) Close() {
	s.engine.Close()
	if c, ok := s.replies.(io.Closer); ok {
		_ = c.Close()
	}
	_ = s.store.Close()
}

// ============================================================================
// Rendering
// ============================================================================

var (
	tableBorder = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	peerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func renderConversations(convs []echochat.Conversation, selected string) string {
	rows := make([][]string, 0, len(convs))
	for _, c := range convs {
		mark := ""
		if c.ID == selected {
			mark = "*"
		}
		rows = append(rows, []string{mark, c.ID, c.Title, c.LatestMessagePreview})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tableBorder).
		Headers("", "ID", "Title", "Latest message").
		Rows(rows...)
	return t.String()
}

func renderThread(msgs []echochat.Message) string {
	if len(msgs) == 0 {
		return dimStyle.Render("(no messages)")
	}
	var b strings.Builder
	for _, m := range msgs {
		who := peerStyle.Render("them")
		if m.SenderIsLocalUser {
			who = selfStyle.Render("you ")
		}
		fmt.Fprintf(&b, "%s %s  %s\n", dimStyle.Render(m.CreatedAt.Local().Format("15:04:05")), who, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
