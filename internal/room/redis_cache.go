package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/pkg/log"
)

var ErrCacheMiss = errors.New("cache miss")

// CachedRosterRepository fronts a RosterRepository with a Redis read-through
// cache. Rosters never change after creation, so entries only expire.
type CachedRosterRepository struct {
	next   RosterRepository
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCachedRosterRepository wraps next.
func NewCachedRosterRepository(next RosterRepository, client *redis.Client, prefix string, ttl time.Duration) *CachedRosterRepository {
	if prefix == "" {
		prefix = "talk:roster"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedRosterRepository{next: next, client: client, prefix: prefix, ttl: ttl}
}

func (c *CachedRosterRepository) buildKeyByID(roomID string) string {
	return fmt.Sprintf("%s:id:%s", c.prefix, roomID)
}

func (c *CachedRosterRepository) Create(ctx context.Context, group *domain.GroupRoom) error {
	if err := c.next.Create(ctx, group); err != nil {
		return err
	}
	c.set(ctx, group)
	return nil
}

func (c *CachedRosterRepository) Get(ctx context.Context, roomID string) (*domain.GroupRoom, error) {
	l := log.Ctx(ctx)

	group, err := c.get(ctx, roomID)
	if err == nil {
		return group, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("roster cache read failed")
	}

	group, err = c.next.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	c.set(ctx, group)
	return group, nil
}

func (c *CachedRosterRepository) ListByMember(ctx context.Context, userID string) ([]*domain.GroupRoom, error) {
	return c.next.ListByMember(ctx, userID)
}

func (c *CachedRosterRepository) get(ctx context.Context, roomID string) (*domain.GroupRoom, error) {
	data, err := c.client.Get(ctx, c.buildKeyByID(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var group domain.GroupRoom
	if err := json.Unmarshal(data, &group); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return &group, nil
}

func (c *CachedRosterRepository) set(ctx context.Context, group *domain.GroupRoom) {
	data, err := json.Marshal(group)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.buildKeyByID(group.ID), data, c.ttl).Err(); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, group.ID).Msg("roster cache write failed")
	}
}
