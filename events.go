package echochat

import "sync"

// Engine events.
const (
	EventMessageLocal        = "message.local"
	EventMessageSent         = "message.sent"
	EventMessageFailed       = "message.failed"
	EventMessageRemote       = "message.remote"
	EventThreadHydrated      = "thread.hydrated"
	EventFetchStale          = "fetch.stale"
	EventConversationCreated = "conversation.created"
	EventConversationRenamed = "conversation.renamed"
)

// MessageEvent is the payload of the message.* events.
type MessageEvent struct {
	ConversationID string
	Message        Message
	Err            error
}

// ThreadEvent is the payload of thread.hydrated and fetch.stale.
type ThreadEvent struct {
	ConversationID string
	Messages       int
}

// ConversationEvent is the payload of the conversation.* events.
type ConversationEvent struct {
	Conversation Conversation
}

// EventHandler handles engine events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers a handler. Handlers run on the goroutine that caused the
// event, after the engine lock is released.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
