package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-talk/internal/domain"
)

// JoinResult describes the roster after a join.
type JoinResult struct {
	Session *domain.CallSession
	// Rejoined is set when the user was already on the roster. PreviousConn
	// is the connection the entry was bound to before.
	Rejoined     bool
	PreviousConn string
}

// LeaveResult describes the roster after a leave.
type LeaveResult struct {
	// Removed is false when the user was not on the roster or the entry was
	// bound to another connection.
	Removed   bool
	Remaining int
}

// RosterStore holds call rosters. Each entry binds a participant to the
// connection that joined last.
type RosterStore interface {
	Join(ctx context.Context, ref domain.CallRef, p domain.CallParticipant, connID string) (*JoinResult, error)
	Leave(ctx context.Context, ref domain.CallRef, userID, connID string) (*LeaveResult, error)
	UpdateMedia(ctx context.Context, ref domain.CallRef, userID string, media domain.MediaState) (*domain.CallParticipant, error)
	Get(ctx context.Context, ref domain.CallRef) (*domain.CallSession, error)
	Delete(ctx context.Context, ref domain.CallRef) error
}

var ErrCallNotFound = fmt.Errorf("call %w", domain.ErrNotFound)

type memoryCall struct {
	createdAt    time.Time
	participants map[string]*domain.CallParticipant
	conns        map[string]string // userID -> connID
}

// MemoryRosterStore keeps rosters in process memory.
type MemoryRosterStore struct {
	mu    sync.Mutex
	calls map[domain.CallRef]*memoryCall
	now   func() time.Time
}

func NewMemoryRosterStore() *MemoryRosterStore {
	return &MemoryRosterStore{calls: make(map[domain.CallRef]*memoryCall), now: time.Now}
}

func (s *MemoryRosterStore) Join(ctx context.Context, ref domain.CallRef, p domain.CallParticipant, connID string) (*JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[ref]
	if !ok {
		call = &memoryCall{
			createdAt:    s.now().UTC(),
			participants: make(map[string]*domain.CallParticipant),
			conns:        make(map[string]string),
		}
	}

	res := &JoinResult{}
	if existing, ok := call.participants[p.UserID]; ok {
		res.Rejoined = true
		res.PreviousConn = call.conns[p.UserID]
		existing.Name = p.Name
	} else {
		if limit := ref.Topology.MaxParticipants(); limit > 0 && len(call.participants) >= limit {
			return nil, fmt.Errorf("%w: %s", domain.ErrCallFull, ref.CallID)
		}
		entry := p
		entry.JoinedAt = s.now().UTC()
		call.participants[p.UserID] = &entry
	}
	call.conns[p.UserID] = connID
	s.calls[ref] = call

	res.Session = call.snapshot(ref)
	return res, nil
}

func (s *MemoryRosterStore) Leave(ctx context.Context, ref domain.CallRef, userID, connID string) (*LeaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[ref]
	if !ok || call.conns[userID] != connID {
		return &LeaveResult{Remaining: call.size()}, nil
	}
	delete(call.participants, userID)
	delete(call.conns, userID)
	if len(call.participants) == 0 {
		delete(s.calls, ref)
	}
	return &LeaveResult{Removed: true, Remaining: len(call.participants)}, nil
}

func (s *MemoryRosterStore) UpdateMedia(ctx context.Context, ref domain.CallRef, userID string, media domain.MediaState) (*domain.CallParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[ref]
	if !ok {
		return nil, ErrCallNotFound
	}
	p, ok := call.participants[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in call", domain.ErrForbidden, userID)
	}
	p.MediaState = media
	out := *p
	return &out, nil
}

func (s *MemoryRosterStore) Get(ctx context.Context, ref domain.CallRef) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[ref]
	if !ok {
		return nil, ErrCallNotFound
	}
	return call.snapshot(ref), nil
}

func (s *MemoryRosterStore) Delete(ctx context.Context, ref domain.CallRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, ref)
	return nil
}

func (c *memoryCall) size() int {
	if c == nil {
		return 0
	}
	return len(c.participants)
}

func (c *memoryCall) snapshot(ref domain.CallRef) *domain.CallSession {
	participants := make(map[string]*domain.CallParticipant, len(c.participants))
	for id, p := range c.participants {
		cp := *p
		participants[id] = &cp
	}
	return &domain.CallSession{
		CallID:       ref.CallID,
		Topology:     ref.Topology,
		Participants: participants,
		State:        domain.StateFor(len(participants)),
		CreatedAt:    c.createdAt,
	}
}
