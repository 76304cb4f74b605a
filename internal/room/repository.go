package room

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/weiawesome/wes-io-talk/internal/domain"
)

// ErrRoomNotFound is returned for unknown group rooms.
var ErrRoomNotFound = fmt.Errorf("group room %w", domain.ErrNotFound)

// RosterRepository persists group room rosters.
type RosterRepository interface {
	Create(ctx context.Context, group *domain.GroupRoom) error
	Get(ctx context.Context, roomID string) (*domain.GroupRoom, error)
	ListByMember(ctx context.Context, userID string) ([]*domain.GroupRoom, error)
}

// MemoryRosterRepository keeps rosters in process memory.
type MemoryRosterRepository struct {
	mu     sync.RWMutex
	groups map[string]*domain.GroupRoom
}

// NewMemoryRosterRepository creates an empty repository.
func NewMemoryRosterRepository() *MemoryRosterRepository {
	return &MemoryRosterRepository{groups: make(map[string]*domain.GroupRoom)}
}

func (r *MemoryRosterRepository) Create(ctx context.Context, group *domain.GroupRoom) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[group.ID]; ok {
		return fmt.Errorf("group room %s already exists", group.ID)
	}
	r.groups[group.ID] = copyGroup(group)
	return nil
}

func (r *MemoryRosterRepository) Get(ctx context.Context, roomID string) (*domain.GroupRoom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return copyGroup(g), nil
}

func (r *MemoryRosterRepository) ListByMember(ctx context.Context, userID string) ([]*domain.GroupRoom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.GroupRoom
	for _, g := range r.groups {
		if g.HasMember(userID) {
			out = append(out, copyGroup(g))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func copyGroup(g *domain.GroupRoom) *domain.GroupRoom {
	c := *g
	c.Members = append([]string(nil), g.Members...)
	return &c
}

func sortNewestFirst(groups []*domain.GroupRoom) {
	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].CreatedAt.Equal(groups[j].CreatedAt) {
			return groups[i].CreatedAt.After(groups[j].CreatedAt)
		}
		return groups[i].ID > groups[j].ID
	})
}
