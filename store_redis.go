package echochat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 3 * time.Second

// RedisStore keeps each conversation log as a Redis list of JSON messages.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configures a RedisStore. A zero TTL keeps logs forever.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// OpenRedisStore connects to Redis and verifies the connection.
func OpenRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, prefix: opts.Prefix, ttl: opts.TTL}, nil
}

func (r *RedisStore) key(conversationID string) string {
	return r.prefix + EchoKey(conversationID)
}

// Load reads the list; unreadable elements are skipped and a Redis failure
// yields an empty thread.
func (r *RedisStore) Load(conversationID string) []Message {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	result, err := r.client.LRange(ctx, r.key(conversationID), 0, -1).Result()
	if err != nil {
		return nil
	}

	var msgs []Message
	for _, item := range result {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	sortMessages(msgs)
	return msgs
}

func (r *RedisStore) Append(conversationID string, msg Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	key := r.key(conversationID)
	if err := r.client.RPush(ctx, key, data).Err(); err != nil {
		return err
	}
	if r.ttl > 0 {
		return r.client.Expire(ctx, key, r.ttl).Err()
	}
	return nil
}

// SetRemoteID rewrites the list element holding localID in place.
func (r *RedisStore) SetRemoteID(conversationID, localID, remoteID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	key := r.key(conversationID)
	result, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	for i, item := range result {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil || msg.ID != localID {
			continue
		}
		msg.RemoteID = remoteID
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return r.client.LSet(ctx, key, int64(i), data).Err()
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
