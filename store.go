package echochat

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// EchoStore is the durable per-conversation message log. It is the only
// fallback when the remote service is unreachable, so Load never fails: a
// missing or unreadable entry is an empty thread.
type EchoStore interface {
	// Load returns the messages of a conversation ordered by CreatedAt.
	Load(conversationID string) []Message
	// Append adds one message to the conversation log.
	Append(conversationID string, msg Message) error
	// SetRemoteID records the server id of a stored message. A missing
	// message is not an error.
	SetRemoteID(conversationID, localID, remoteID string) error
	Close() error
}

// EchoKey derives the storage key of a conversation log.
func EchoKey(conversationID string) string {
	return "messages_" + conversationID
}

// decodeEcho parses a stored JSON array. Any decode error yields an empty
// thread.
func decodeEcho(data []byte) []Message {
	if len(data) == 0 {
		return nil
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil
	}
	sortMessages(msgs)
	return msgs
}

func encodeEcho(msgs []Message) ([]byte, error) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal echo log: %w", err)
	}
	return data, nil
}

// withRemoteID sets RemoteID on the message with localID and reports whether
// one was found.
func withRemoteID(msgs []Message, localID, remoteID string) bool {
	for i := range msgs {
		if msgs[i].ID == localID {
			msgs[i].RemoteID = remoteID
			return true
		}
	}
	return false
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory echo store. Entries are kept as
// serialized JSON, the same shape the durable backends write.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[string][]byte)}
}

func (s *MemoryStorage) Load(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return decodeEcho(s.entries[EchoKey(conversationID)])
}

func (s *MemoryStorage) Append(conversationID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := EchoKey(conversationID)
	msgs := append(decodeEcho(s.entries[key]), msg)
	data, err := encodeEcho(msgs)
	if err != nil {
		return err
	}
	s.entries[key] = data
	return nil
}

func (s *MemoryStorage) SetRemoteID(conversationID, localID, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := EchoKey(conversationID)
	msgs := decodeEcho(s.entries[key])
	if !withRemoteID(msgs, localID, remoteID) {
		return nil
	}
	data, err := encodeEcho(msgs)
	if err != nil {
		return err
	}
	s.entries[key] = data
	return nil
}

// PutRaw replaces the stored payload of a conversation as-is.
func (s *MemoryStorage) PutRaw(conversationID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[EchoKey(conversationID)] = append([]byte(nil), data...)
}

func (s *MemoryStorage) Close() error { return nil }
