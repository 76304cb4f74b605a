package message

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/internal/room"
)

// roomLog is one room's log plus the counters that make UnreadCount O(1):
// unread(v) = (len(msgs) - sentBy[v]) - readOthers[v].
type roomLog struct {
	mu         sync.RWMutex
	msgs       []*domain.ChatMessage
	watermarks map[string]int64
	sentBy     map[string]int
	readOthers map[string]int
	lastAt     time.Time
}

func newRoomLog() *roomLog {
	return &roomLog{
		watermarks: make(map[string]int64),
		sentBy:     make(map[string]int),
		readOthers: make(map[string]int),
	}
}

// MemoryStore keeps every room in process memory.
type MemoryStore struct {
	opts   Options
	mu     sync.RWMutex
	rooms  map[string]*roomLog
	direct map[string]map[string]struct{} // participant -> direct room ids
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:   opts.withDefaults(),
		rooms:  make(map[string]*roomLog),
		direct: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) room(roomID string) *roomLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomID]
}

func (s *MemoryStore) roomOrCreate(roomID string) *roomLog {
	if r := s.room(roomID); r != nil {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r
	}
	r := newRoomLog()
	s.rooms[roomID] = r
	if a, b, ok := room.ParseDirectRoom(roomID); ok {
		for _, p := range []string{a, b} {
			if s.direct[p] == nil {
				s.direct[p] = make(map[string]struct{})
			}
			s.direct[p][roomID] = struct{}{}
		}
	}
	return r
}

func (s *MemoryStore) Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	stored, err := s.opts.prepare(msg)
	if err != nil {
		return nil, err
	}

	r := s.roomOrCreate(stored.RoomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	stored.Seq = int64(len(r.msgs)) + 1
	stored.Timestamp = clampTimestamp(stored.Timestamp, r.lastAt)
	r.lastAt = stored.Timestamp
	r.msgs = append(r.msgs, stored)
	r.sentBy[stored.SenderID]++

	return withReadBy(stored.Clone(), r.watermarks), nil
}

func (s *MemoryStore) List(ctx context.Context, roomID string) ([]*domain.ChatMessage, error) {
	msgs, _, err := s.list(roomID, 0, -1)
	return msgs, err
}

func (s *MemoryStore) ListAfter(ctx context.Context, roomID string, afterSeq int64, limit int) ([]*domain.ChatMessage, bool, error) {
	return s.list(roomID, afterSeq, pageLimit(limit))
}

func (s *MemoryStore) list(roomID string, afterSeq int64, limit int) ([]*domain.ChatMessage, bool, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return nil, false, err
	}
	r := s.room(roomID)
	if r == nil {
		return []*domain.ChatMessage{}, false, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if afterSeq < 0 {
		afterSeq = 0
	}
	start := int(afterSeq)
	if start > len(r.msgs) {
		start = len(r.msgs)
	}
	end := len(r.msgs)
	hasMore := false
	if limit >= 0 && end-start > limit {
		end = start + limit
		hasMore = true
	}

	out := make([]*domain.ChatMessage, 0, end-start)
	for _, m := range r.msgs[start:end] {
		out = append(out, withReadBy(m.Clone(), r.watermarks))
	}
	return out, hasMore, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, roomID, viewerID string) (int, error) {
	if err := validateViewer(roomID, viewerID); err != nil {
		return 0, err
	}
	r := s.room(roomID)
	if r == nil {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	last := int64(len(r.msgs))
	from := r.watermarks[viewerID]
	if last <= from {
		return 0, nil
	}
	for _, m := range r.msgs[from:last] {
		if m.SenderID != viewerID {
			r.readOthers[viewerID]++
		}
	}
	r.watermarks[viewerID] = last
	return int(last - from), nil
}

func (s *MemoryStore) UnreadCount(ctx context.Context, roomID, viewerID string) (int, error) {
	if err := validateViewer(roomID, viewerID); err != nil {
		return 0, err
	}
	r := s.room(roomID)
	if r == nil {
		return 0, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.msgs) - r.sentBy[viewerID] - r.readOthers[viewerID], nil
}

func (s *MemoryStore) Last(ctx context.Context, roomID string) (*domain.ChatMessage, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	r := s.room(roomID)
	if r == nil {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.msgs) == 0 {
		return nil, nil
	}
	return withReadBy(r.msgs[len(r.msgs)-1].Clone(), r.watermarks), nil
}

func (s *MemoryStore) HasRoom(ctx context.Context, roomID string) (bool, error) {
	return s.room(roomID) != nil, nil
}

func (s *MemoryStore) DirectRoomsFor(ctx context.Context, participantID string) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.direct[participantID]))
	logs := make(map[string]*roomLog, len(s.direct[participantID]))
	for id := range s.direct[participantID] {
		ids = append(ids, id)
		logs[id] = s.rooms[id]
	}
	s.mu.RUnlock()

	last := make(map[string]time.Time, len(ids))
	for _, id := range ids {
		r := logs[id]
		r.mu.RLock()
		last[id] = r.lastAt
		r.mu.RUnlock()
	}
	sort.Slice(ids, func(i, j int) bool {
		if !last[ids[i]].Equal(last[ids[j]]) {
			return last[ids[i]].After(last[ids[j]])
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}
