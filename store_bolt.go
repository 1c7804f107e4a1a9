package echochat

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var echoBucket = []byte("echo")

// BoltStore is a durable echo store backed by a single bbolt file. Each
// conversation log is one JSON array under its EchoKey.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the store file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open echo store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(echoBucket)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create echo bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(conversationID string) []Message {
	var msgs []Message
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(echoBucket)
		if b == nil {
			return nil
		}
		// Get's slice is only valid inside the transaction.
		msgs = decodeEcho(b.Get([]byte(EchoKey(conversationID))))
		return nil
	})
	return msgs
}

func (s *BoltStore) Append(conversationID string, msg Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(echoBucket)
		if err != nil {
			return err
		}
		key := []byte(EchoKey(conversationID))
		msgs := append(decodeEcho(b.Get(key)), msg)
		data, err := encodeEcho(msgs)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) SetRemoteID(conversationID, localID, remoteID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(echoBucket)
		if b == nil {
			return nil
		}
		key := []byte(EchoKey(conversationID))
		msgs := decodeEcho(b.Get(key))
		if !withRemoteID(msgs, localID, remoteID) {
			return nil
		}
		data, err := encodeEcho(msgs)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
