package domain

import (
	"sort"
	"sync"
	"time"
)

// CallRef identifies a call a connection has joined.
type CallRef struct {
	Topology Topology
	CallID   string
}

// Session is the per-connection state: who is on the other end and which
// rooms and calls the connection is subscribed to.
type Session struct {
	ID            string
	UserID        string
	Role          SenderRole
	Name          string
	Authenticated bool
	CreatedAt     time.Time
	LastActiveAt  time.Time

	rooms map[string]struct{}
	calls map[CallRef]struct{}
	mu    sync.RWMutex
}

func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		LastActiveAt: now,
		rooms:        make(map[string]struct{}),
		calls:        make(map[CallRef]struct{}),
	}
}

func (s *Session) Authenticate(userID string, role SenderRole, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UserID = userID
	s.Role = role
	s.Name = name
	s.Authenticated = true
	s.LastActiveAt = time.Now()
}

func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Authenticated
}

func (s *Session) GetUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.UserID
}

func (s *Session) GetRole() SenderRole {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Role
}

func (s *Session) GetName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Name
}

// JoinRoom records a room subscription and reports whether it is new.
func (s *Session) JoinRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
	if _, ok := s.rooms[roomID]; ok {
		return false
	}
	s.rooms[roomID] = struct{}{}
	return true
}

// LeaveRoom removes a room subscription and reports whether it existed.
func (s *Session) LeaveRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	delete(s.rooms, roomID)
	return true
}

func (s *Session) InRoom(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms returns the subscribed rooms in sorted order.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (s *Session) JoinCall(ref CallRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[ref]; ok {
		return false
	}
	s.calls[ref] = struct{}{}
	return true
}

func (s *Session) LeaveCall(ref CallRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[ref]; !ok {
		return false
	}
	delete(s.calls, ref)
	return true
}

func (s *Session) InCall(ref CallRef) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.calls[ref]
	return ok
}

// Calls returns the joined calls.
func (s *Session) Calls() []CallRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CallRef, 0, len(s.calls))
	for c := range s.calls {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topology != out[j].Topology {
			return out[i].Topology < out[j].Topology
		}
		return out[i].CallID < out[j].CallID
	})
	return out
}

func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}
