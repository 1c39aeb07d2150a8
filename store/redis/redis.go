// Package redis provides a Redis-backed conversation store. Conversations
// are stored as JSON values with a 7-day TTL; the user → conversation index
// is a Redis set refreshed alongside every write.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/roundtable/convo"
	"goa.design/roundtable/store"
)

type (
	// Options configures the Redis store.
	Options struct {
		// Client is the shared Redis client.
		Client *goredis.Client
		// TTL bounds conversation retention. Defaults to 7 days.
		TTL time.Duration
		// KeyPrefix namespaces all keys. Defaults to "roundtable".
		KeyPrefix string
	}

	// Store implements store.Store on Redis.
	Store struct {
		rdb    *goredis.Client
		ttl    time.Duration
		prefix string
	}
)

const (
	defaultTTL       = 7 * 24 * time.Hour
	defaultKeyPrefix = "roundtable"
	clientName       = "conversation-redis"
)

// New builds a Redis-backed store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{rdb: opts.Client, ttl: ttl, prefix: prefix}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, id string) (*convo.Conversation, error) {
	if id == "" {
		return nil, errors.New("redis: conversation id is required")
	}
	raw, err := s.rdb.Get(ctx, s.convoKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get conversation %s: %w", id, err)
	}
	var c convo.Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("redis: decode conversation %s: %w", id, err)
	}
	return &c, nil
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, c *convo.Conversation) error {
	if c == nil || c.ID == "" {
		return errors.New("redis: conversation id is required")
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redis: encode conversation %s: %w", c.ID, err)
	}
	if err := s.rdb.Set(ctx, s.convoKey(c.ID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: put conversation %s: %w", c.ID, err)
	}
	return nil
}

// ListByUser implements store.Store. Conversations evicted by TTL are pruned
// from the index as a side effect.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*convo.Conversation, error) {
	if userID == "" {
		return nil, errors.New("redis: user id is required")
	}
	ids, err := s.rdb.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list conversations for %s: %w", userID, err)
	}
	out := make([]*convo.Conversation, 0, len(ids))
	var stale []any
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if len(stale) > 0 {
		_ = s.rdb.SRem(ctx, s.userKey(userID), stale...).Err()
	}
	sortByUpdatedAt(out)
	return out, nil
}

// AddUserToConversation implements store.Store.
func (s *Store) AddUserToConversation(ctx context.Context, userID, conversationID string) error {
	if userID == "" || conversationID == "" {
		return errors.New("redis: user id and conversation id are required")
	}
	key := s.userKey(userID)
	if err := s.rdb.SAdd(ctx, key, conversationID).Err(); err != nil {
		return fmt.Errorf("redis: index conversation %s for %s: %w", conversationID, userID, err)
	}
	// Keep the index alive as long as its newest conversation.
	if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: refresh index ttl for %s: %w", userID, err)
	}
	return nil
}

func (s *Store) convoKey(id string) string {
	return s.prefix + ":conversation:" + id
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":user:" + userID + ":conversations"
}

func sortByUpdatedAt(cs []*convo.Conversation) {
	sort.Slice(cs, func(i, j int) bool {
		return cs[i].UpdatedAt.After(cs[j].UpdatedAt)
	})
}
