package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/pkg/log"
)

var ErrCacheMiss = errors.New("cache miss")

// CachedStore caches full-room List results in Redis. Every room has a
// generation counter that Append and MarkRead bump, and list entries are
// keyed by generation, so a fill that races an invalidation lands under a
// key nobody reads again.
type CachedStore struct {
	Store
	client *redis.Client
	prefix string
	ttl    time.Duration
	sf     singleflight.Group
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore wraps next.
func NewCachedStore(next Store, client *redis.Client, prefix string, ttl time.Duration) *CachedStore {
	if prefix == "" {
		prefix = "talk:messages"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{Store: next, client: client, prefix: prefix, ttl: ttl}
}

func (c *CachedStore) buildGenKey(roomID string) string {
	return fmt.Sprintf("%s:gen:%s", c.prefix, roomID)
}

func (c *CachedStore) buildListKey(roomID string, gen int64) string {
	return fmt.Sprintf("%s:list:%s:%d", c.prefix, roomID, gen)
}

func (c *CachedStore) Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	stored, err := c.Store.Append(ctx, msg)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, stored.RoomID)
	return stored, nil
}

func (c *CachedStore) MarkRead(ctx context.Context, roomID, viewerID string) (int, error) {
	n, err := c.Store.MarkRead(ctx, roomID, viewerID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.invalidate(ctx, roomID)
	}
	return n, nil
}

func (c *CachedStore) List(ctx context.Context, roomID string) ([]*domain.ChatMessage, error) {
	l := log.Ctx(ctx)

	if err := domain.ValidateRoomID(roomID); err != nil {
		return nil, err
	}

	gen, err := c.client.Get(ctx, c.buildGenKey(roomID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("message cache unavailable")
		return c.Store.List(ctx, roomID)
	}
	key := c.buildListKey(roomID, gen)

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		return c.fetchWithCache(ctx, roomID, key)
	})
	if err != nil {
		return nil, err
	}

	msgs, ok := result.([]*domain.ChatMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}

	// Callers of a shared flight must not see each other's mutations.
	out := make([]*domain.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out, nil
}

func (c *CachedStore) fetchWithCache(ctx context.Context, roomID, key string) ([]*domain.ChatMessage, error) {
	l := log.Ctx(ctx)

	cached, err := c.get(ctx, key)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("message cache read failed")
	}

	msgs, err := c.Store.List(ctx, roomID)
	if err != nil {
		return nil, err
	}
	// Empty rooms are not cached so the first message never waits on a TTL.
	if len(msgs) > 0 {
		c.set(ctx, key, msgs)
	}
	return msgs, nil
}

func (c *CachedStore) get(ctx context.Context, key string) ([]*domain.ChatMessage, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var msgs []*domain.ChatMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return msgs, nil
}

func (c *CachedStore) set(ctx context.Context, key string, msgs []*domain.ChatMessage) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str("key", key).Msg("message cache write failed")
	}
}

func (c *CachedStore) invalidate(ctx context.Context, roomID string) {
	if err := c.client.Incr(ctx, c.buildGenKey(roomID)).Err(); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("message cache invalidation failed")
	}
}
