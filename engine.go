package echochat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConversationService is the remote side the Engine synchronizes with.
type ConversationService interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	CreateConversation(ctx context.Context, title string) (Conversation, error)
	RenameConversation(ctx context.Context, conversationID, title string) (Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]RemoteMessage, error)
	CreateMessage(ctx context.Context, conversationID, senderID, content string) (RemoteMessage, error)
}

const (
	DefaultRequestTimeout = 15 * time.Second
	DefaultNewTitle       = "Cuộc trò chuyện mới"
)

// CommitTrigger names the user action that submitted a rename.
type CommitTrigger int

const (
	CommitEnter CommitTrigger = iota
	CommitBlur
)

func (t CommitTrigger) String() string {
	if t == CommitBlur {
		return "blur"
	}
	return "enter"
}

// View is a point-in-time copy of the engine state for rendering.
type View struct {
	Conversations []Conversation
	SelectedID    string
	Thread        []Message
	EditingID     string
	EditingName   string
	Creating      bool
	Renaming      bool
	Replying      bool
	Bootstrapped  bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithReplySource(src ReplySource) EngineOption {
	return func(e *Engine) { e.replies = src }
}

func WithRequestTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithDefaultTitle(title string) EngineOption {
	return func(e *Engine) {
		if strings.TrimSpace(title) != "" {
			e.defaultTitle = title
		}
	}
}

func WithDedupWindow(d time.Duration) EngineOption {
	return func(e *Engine) { e.dedupWindow = d }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithRegistry(r *Registry) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// Engine keeps the conversation list and the selected thread consistent
// across the remote service, optimistic local edits and the echo store.
//
// All state transitions happen under one mutex. Remote calls run with the
// mutex released; their results are applied only if the conversation they
// were issued for is still selected.
type Engine struct {
	emitter

	service  ConversationService
	store    EchoStore
	session  *Session
	registry *Registry
	replies  ReplySource
	logger   *zap.Logger

	timeout      time.Duration
	defaultTitle string
	dedupWindow  time.Duration
	now          func() time.Time

	mu            sync.Mutex
	threadID      string
	thread        []Message
	bootstrapping bool
	bootstrapped  bool
	creating      bool
	renaming      bool
	editingID     string
	editingName   string
	replying      map[string]int
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine for the given session. A nil session leaves
// the engine read-only: Send reports ErrNotAuthenticated.
func NewEngine(service ConversationService, store EchoStore, session *Session, opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		emitter:      emitter{listeners: make(map[string][]EventHandler)},
		service:      service,
		store:        store,
		session:      session,
		registry:     NewRegistry(),
		logger:       zap.NewNop(),
		timeout:      DefaultRequestTimeout,
		defaultTitle: DefaultNewTitle,
		dedupWindow:  DefaultDedupWindow,
		now:          time.Now,
		replying:     make(map[string]int),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the conversation list the engine maintains.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// ============================================================================
// Bootstrap
// ============================================================================

// Bootstrap loads the conversation list once and selects the first entry when
// nothing is selected. A failed list load leaves an empty registry. It is the
// only bulk replacement of the registry; later calls are no-ops.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.mu.Lock()
	if e.bootstrapped || e.bootstrapping {
		e.mu.Unlock()
		return nil
	}
	e.bootstrapping = true
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	convs, err := e.service.ListConversations(callCtx)
	cancel()
	if err != nil {
		e.logger.Warn("failed to load conversations", zap.Error(err))
		convs = nil
	}

	e.mu.Lock()
	e.registry.ReplaceAll(convs)
	if e.threadID != "" && e.registry.Selected() != e.threadID {
		e.threadID, e.thread = "", nil
	}
	e.bootstrapping = false
	e.bootstrapped = true
	first := ""
	if list := e.registry.List(); e.registry.Selected() == "" && len(list) > 0 {
		first = list[0].ID
	}
	e.mu.Unlock()

	e.logger.Debug("conversations loaded", zap.Int("count", len(convs)))
	if first != "" {
		return e.Select(ctx, first)
	}
	return nil
}

// ============================================================================
// Select
// ============================================================================

// Select switches the active thread. The thread is hydrated from the echo
// store before Select touches the network, then merged with the remote
// history. A failed fetch keeps the hydrated thread.
func (e *Engine) Select(ctx context.Context, conversationID string) error {
	if err := e.hydrate(conversationID); err != nil {
		return err
	}
	e.fetch(ctx, conversationID)
	return nil
}

func (e *Engine) hydrate(conversationID string) error {
	e.mu.Lock()
	if !e.registry.Select(conversationID) {
		e.mu.Unlock()
		return ErrUnknownConversation
	}
	e.threadID = conversationID
	e.thread = e.store.Load(conversationID)
	n := len(e.thread)
	e.mu.Unlock()

	e.emit(EventThreadHydrated, ThreadEvent{ConversationID: conversationID, Messages: n})
	return nil
}

func (e *Engine) fetch(ctx context.Context, conversationID string) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	remote, err := e.service.ListMessages(callCtx, conversationID)
	cancel()
	if err != nil {
		e.logger.Warn("failed to fetch messages",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}

	e.mu.Lock()
	if e.threadID != conversationID || e.registry.Selected() != conversationID {
		e.mu.Unlock()
		e.logger.Debug("discarding stale fetch", zap.String("conversation_id", conversationID))
		e.emit(EventFetchStale, ThreadEvent{ConversationID: conversationID, Messages: len(remote)})
		return
	}
	fresh := e.mergeFetchedLocked(conversationID, remote, e.thread, true)
	e.mu.Unlock()

	for _, m := range fresh {
		e.emit(EventMessageRemote, MessageEvent{ConversationID: conversationID, Message: m})
	}
}

// Prefetch merges the remote history of a conversation into the echo store
// without selecting it, so a later Select hydrates it offline. The displayed
// thread is updated too when the conversation is the selected one. It returns
// the number of messages added.
func (e *Engine) Prefetch(ctx context.Context, conversationID string) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	remote, err := e.service.ListMessages(callCtx, conversationID)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}

	e.mu.Lock()
	shown := e.threadID == conversationID && e.registry.Selected() == conversationID
	known := e.thread
	if !shown {
		known = e.store.Load(conversationID)
	}
	fresh := e.mergeFetchedLocked(conversationID, remote, known, shown)
	e.mu.Unlock()

	for _, m := range fresh {
		e.emit(EventMessageRemote, MessageEvent{ConversationID: conversationID, Message: m})
	}
	return len(fresh), nil
}

// mergeFetchedLocked converts a fetched history, drops what known already
// holds and applies the rest. Messages without a timestamp take the fetch
// time.
func (e *Engine) mergeFetchedLocked(conversationID string, remote []RemoteMessage, known []Message, shown bool) []Message {
	incoming := make([]Message, 0, len(remote))
	for _, r := range remote {
		m := r.toMessage(e.userID(), time.Time{})
		m.ConversationID = conversationID
		incoming = append(incoming, m)
	}
	fetchedAt := e.now()
	fresh := mergeRemote(known, incoming, e.dedupWindow, true)
	for i := range fresh {
		if fresh[i].CreatedAt.IsZero() {
			fresh[i].CreatedAt = fetchedAt
		}
	}
	e.applyLocked(conversationID, fresh, shown)
	return fresh
}

// applyLocked appends new messages to the store, the displayed thread when
// shown, and the preview.
func (e *Engine) applyLocked(conversationID string, fresh []Message, shown bool) {
	if len(fresh) == 0 {
		return
	}
	for _, m := range fresh {
		if shown {
			e.thread = insertSorted(e.thread, m)
		}
		if err := e.store.Append(conversationID, m); err != nil {
			e.logger.Warn("failed to persist message",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	preview := fresh[len(fresh)-1].Content
	if shown {
		preview = e.thread[len(e.thread)-1].Content
	}
	e.registry.UpdatePreview(conversationID, preview)
}

// ============================================================================
// Send / Receive
// ============================================================================

// Send appends content to the selected thread and the echo store, then
// delivers it to the service. The message stays in the thread whether or not
// delivery succeeds; a delivery failure is reported through message.failed
// and the returned error is nil. Errors are returned only when nothing was
// appended.
func (e *Engine) Send(ctx context.Context, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	userID := e.userID()
	if userID == "" {
		return Message{}, ErrNotAuthenticated
	}

	e.mu.Lock()
	if !e.bootstrapped {
		e.mu.Unlock()
		return Message{}, ErrNotBootstrapped
	}
	convID := e.registry.Selected()
	if convID == "" || convID != e.threadID {
		e.mu.Unlock()
		return Message{}, ErrNoConversation
	}
	msg := Message{
		ID:                "local-" + newLocalID(),
		ConversationID:    convID,
		SenderID:          userID,
		Content:           content,
		SenderIsLocalUser: true,
		CreatedAt:         e.stampLocked(),
	}
	e.thread = append(e.thread, msg)
	if err := e.store.Append(convID, msg); err != nil {
		e.logger.Warn("failed to persist message",
			zap.String("conversation_id", convID), zap.Error(err))
	}
	e.registry.UpdatePreview(convID, msg.Content)
	history := append([]Message(nil), e.thread...)
	e.mu.Unlock()

	e.emit(EventMessageLocal, MessageEvent{ConversationID: convID, Message: msg})

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	created, err := e.service.CreateMessage(callCtx, convID, userID, content)
	cancel()
	if err == nil && created.ID != "" {
		msg.RemoteID = created.ID
		e.recordRemoteID(convID, msg.ID, created.ID)
		for i := range history {
			if history[i].ID == msg.ID {
				history[i].RemoteID = created.ID
			}
		}
	}
	if err != nil {
		e.logger.Warn("failed to deliver message",
			zap.String("conversation_id", convID), zap.String("message_id", msg.ID), zap.Error(err))
		e.emit(EventMessageFailed, MessageEvent{ConversationID: convID, Message: msg, Err: err})
	} else {
		e.emit(EventMessageSent, MessageEvent{ConversationID: convID, Message: msg})
	}

	if e.replies != nil {
		e.startReply(msg, history)
	}
	return msg, nil
}

// recordRemoteID stores the server id of a sent message so later fetches match
// it by id rather than by content and time.
func (e *Engine) recordRemoteID(conversationID, localID, remoteID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.threadID == conversationID {
		withRemoteID(e.thread, localID, remoteID)
	}
	if err := e.store.SetRemoteID(conversationID, localID, remoteID); err != nil {
		e.logger.Warn("failed to record remote id",
			zap.String("conversation_id", conversationID), zap.String("message_id", localID), zap.Error(err))
	}
}

// stampLocked returns the current time, clamped so the thread stays ordered.
func (e *Engine) stampLocked() time.Time {
	now := e.now()
	if n := len(e.thread); n > 0 && now.Before(e.thread[n-1].CreatedAt) {
		return e.thread[n-1].CreatedAt
	}
	return now
}

// Receive appends messages that arrived for a conversation outside of Select,
// such as counterpart replies. Messages whose id is already known for the
// conversation are dropped. A conversation that is not displayed only gets its echo store
// and preview updated. It returns the messages that were appended.
func (e *Engine) Receive(conversationID string, msgs ...Message) []Message {
	if conversationID == "" || len(msgs) == 0 {
		return nil
	}
	incoming := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = "remote-" + newLocalID()
		}
		m.ConversationID = conversationID
		incoming = append(incoming, m)
	}

	e.mu.Lock()
	shown := e.threadID == conversationID && e.registry.Selected() == conversationID
	var known []Message
	if shown {
		known = e.thread
	} else {
		known = e.store.Load(conversationID)
	}
	now := e.now()
	fresh := mergeRemote(known, incoming, e.dedupWindow, false)
	for i := range fresh {
		if fresh[i].CreatedAt.IsZero() {
			fresh[i].CreatedAt = now
		}
	}
	e.applyLocked(conversationID, fresh, shown)
	e.mu.Unlock()

	for _, m := range fresh {
		e.emit(EventMessageRemote, MessageEvent{ConversationID: conversationID, Message: m})
	}
	return fresh
}

func (e *Engine) startReply(sent Message, history []Message) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.replying[sent.ConversationID]++
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			if e.replying[sent.ConversationID]--; e.replying[sent.ConversationID] <= 0 {
				delete(e.replying, sent.ConversationID)
			}
			e.mu.Unlock()
		}()

		replies, err := e.replies.Replies(e.ctx, ReplyRequest{Sent: sent, History: history})
		if err != nil {
			if e.ctx.Err() == nil {
				e.logger.Warn("reply source failed",
					zap.String("conversation_id", sent.ConversationID), zap.Error(err))
			}
			return
		}
		if len(replies) > 0 {
			e.Receive(sent.ConversationID, replies...)
		}
	}()
}

// WaitReplies blocks until every pending reply has been delivered or ctx is
// done.
func (e *Engine) WaitReplies(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Create
// ============================================================================

// CreateConversation creates a conversation with the default title, puts it
// first in the list, selects it and opens rename editing on it. Only one
// creation runs at a time; a second request while one is in flight is
// dropped with ErrCreateInFlight.
func (e *Engine) CreateConversation(ctx context.Context) (Conversation, error) {
	e.mu.Lock()
	if !e.bootstrapped {
		e.mu.Unlock()
		return Conversation{}, ErrNotBootstrapped
	}
	if e.creating {
		e.mu.Unlock()
		return Conversation{}, ErrCreateInFlight
	}
	e.creating = true
	title := e.defaultTitle
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	conv, err := e.service.CreateConversation(callCtx, title)
	cancel()
	if err == nil && conv.ID == "" {
		err = &APIError{Code: "NO_ID", Message: "created conversation has no id"}
	}

	e.mu.Lock()
	e.creating = false
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("failed to create conversation", zap.Error(err))
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	if conv.Title == "" {
		conv.Title = title
	}
	e.registry.Upsert(conv)
	e.registry.Select(conv.ID)
	e.threadID = conv.ID
	e.thread = e.store.Load(conv.ID)
	e.editingID = conv.ID
	e.editingName = conv.Title
	conv, _ = e.registry.Get(conv.ID)
	e.mu.Unlock()

	e.emit(EventConversationCreated, ConversationEvent{Conversation: conv})
	return conv, nil
}

// ============================================================================
// Rename
// ============================================================================

// BeginRename opens rename editing on a conversation with its current title.
func (e *Engine) BeginRename(conversationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.renaming {
		return ErrRenameInFlight
	}
	conv, ok := e.registry.Get(conversationID)
	if !ok {
		return ErrUnknownConversation
	}
	e.editingID = conversationID
	e.editingName = conv.Title
	return nil
}

// SetEditingName updates the title being typed. It is ignored when no rename
// is open.
func (e *Engine) SetEditingName(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.editingID != "" {
		e.editingName = name
	}
}

// CancelRename closes rename editing without submitting.
func (e *Engine) CancelRename() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.renaming {
		e.editingID, e.editingName = "", ""
	}
}

// CommitRename submits the typed title. Enter and blur both submit; whichever
// comes second while the first is in flight is dropped. A blank title is
// rejected without a network call and editing stays open, as it does when the
// service fails.
func (e *Engine) CommitRename(ctx context.Context, trigger CommitTrigger) error {
	e.mu.Lock()
	if !e.bootstrapped {
		e.mu.Unlock()
		return ErrNotBootstrapped
	}
	if e.renaming {
		e.mu.Unlock()
		return ErrRenameInFlight
	}
	if e.editingID == "" {
		e.mu.Unlock()
		return ErrNotEditing
	}
	title := strings.TrimSpace(e.editingName)
	if title == "" {
		e.mu.Unlock()
		return ErrEmptyTitle
	}
	id := e.editingID
	e.renaming = true
	e.mu.Unlock()

	e.logger.Debug("renaming conversation",
		zap.String("conversation_id", id), zap.Stringer("trigger", trigger))

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	renamed, err := e.service.RenameConversation(callCtx, id, title)
	cancel()

	e.mu.Lock()
	e.renaming = false
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("failed to rename conversation",
			zap.String("conversation_id", id), zap.Error(err))
		return fmt.Errorf("rename conversation: %w", err)
	}
	if renamed.Title == "" {
		renamed.Title = title
	}
	e.registry.Upsert(Conversation{ID: id, Title: renamed.Title})
	if e.editingID == id {
		e.editingID, e.editingName = "", ""
	}
	conv, _ := e.registry.Get(id)
	e.mu.Unlock()

	e.emit(EventConversationRenamed, ConversationEvent{Conversation: conv})
	return nil
}

// Rename begins, fills and commits a rename in one call.
func (e *Engine) Rename(ctx context.Context, conversationID, title string) error {
	if err := e.BeginRename(conversationID); err != nil {
		return err
	}
	e.SetEditingName(title)
	return e.CommitRename(ctx, CommitEnter)
}

// ============================================================================
// Snapshot / Close
// ============================================================================

// Snapshot returns a copy of the state the presentation layer renders.
func (e *Engine) Snapshot() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	selected := e.registry.Selected()
	return View{
		Conversations: e.registry.List(),
		SelectedID:    selected,
		Thread:        append([]Message(nil), e.thread...),
		EditingID:     e.editingID,
		EditingName:   e.editingName,
		Creating:      e.creating,
		Renaming:      e.renaming,
		Replying:      e.replying[selected] > 0,
		Bootstrapped:  e.bootstrapped,
	}
}

// Close cancels pending replies, waits for them and drops all listeners. The
// echo store is owned by the caller and stays open.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.removeAll()
}

func (e *Engine) userID() string {
	if e.session == nil {
		return ""
	}
	return e.session.UserID
}

func newLocalID() string {
	return uuid.NewString()
}
