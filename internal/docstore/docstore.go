// Package docstore keeps per-session conversation history in Redis. Each
// context id maps to a capped list of chat messages with a rolling TTL, and
// appends fan out to subscribers over pub/sub.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/askmesh/askmesh/internal/format"
)

const (
	keyPrefix    = "askmesh:context:"
	notifyPrefix = "askmesh:context:notify:"
	maxHistory   = 200
	defaultTTL   = 24 * time.Hour
	subscribeBuf = 16
)

// RedisContext stores conversation history per context id.
type RedisContext struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisContext builds a store. A non-positive ttl falls back to 24 hours.
func NewRedisContext(rdb *redis.Client, ttl time.Duration) *RedisContext {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisContext{rdb: rdb, ttl: ttl}
}

func listKey(contextID string) string   { return keyPrefix + contextID }
func notifyKey(contextID string) string { return notifyPrefix + contextID }

// History returns the stored conversation, oldest first. A context that was
// never written to reads as empty.
func (c *RedisContext) History(ctx context.Context, contextID string) ([]format.ChatMessage, error) {
	raw, err := c.rdb.LRange(ctx, listKey(contextID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load context %s: %w", contextID, err)
	}
	msgs := make([]format.ChatMessage, 0, len(raw))
	for _, entry := range raw {
		var m format.ChatMessage
		if err := json.Unmarshal([]byte(entry), &m); err != nil {
			return nil, fmt.Errorf("decode context %s entry: %w", contextID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Append adds messages to the context, trims it to the history cap, renews
// the TTL and notifies subscribers.
func (c *RedisContext) Append(ctx context.Context, contextID string, msgs ...format.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	encoded := make([]any, 0, len(msgs))
	for _, m := range msgs {
		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode context message: %w", err)
		}
		encoded = append(encoded, string(raw))
	}

	key := listKey(contextID)
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, encoded...)
		pipe.LTrim(ctx, key, -maxHistory, -1)
		pipe.Expire(ctx, key, c.ttl)
		for _, raw := range encoded {
			pipe.Publish(ctx, notifyKey(contextID), raw)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append context %s: %w", contextID, err)
	}
	return nil
}

// Forget drops a context entirely.
func (c *RedisContext) Forget(ctx context.Context, contextID string) error {
	if err := c.rdb.Del(ctx, listKey(contextID)).Err(); err != nil {
		return fmt.Errorf("forget context %s: %w", contextID, err)
	}
	return nil
}

// Subscription delivers messages appended to a context after Subscribe
// returned. C closes when the subscription ends.
type Subscription struct {
	C  <-chan format.ChatMessage
	ps *redis.PubSub
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() error { return s.ps.Close() }

// Subscribe watches a context for new messages. Delivery is asynchronous;
// the handle is live once Subscribe returns.
func (c *RedisContext) Subscribe(ctx context.Context, contextID string) (*Subscription, error) {
	ps := c.rdb.Subscribe(ctx, notifyKey(contextID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe context %s: %w", contextID, err)
	}

	out := make(chan format.ChatMessage, subscribeBuf)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var m format.ChatMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				continue
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &Subscription{C: out, ps: ps}, nil
}
