// Package presence tracks who is connected to a room and who is typing.
// State lives only in memory and is lost on restart.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-talk/internal/domain"
)

const DefaultTypingTimeout = 6 * time.Second

// ExpiryFunc is called when a typing flag times out.
type ExpiryFunc func(roomID, userID string)

type member struct {
	connectedAt time.Time
	conns       map[string]struct{}
	typing      bool
	typingGen   uint64
	typingTimer *time.Timer
}

// Tracker is safe for concurrent use. A user is present in a room while at
// least one of their connections has joined it.
type Tracker struct {
	mu            sync.Mutex
	rooms         map[string]map[string]*member // roomID -> userID -> member
	typingTimeout time.Duration
	onExpired     ExpiryFunc
	now           func() time.Time
}

// NewTracker creates a tracker. A non-positive typingTimeout uses
// DefaultTypingTimeout.
func NewTracker(typingTimeout time.Duration) *Tracker {
	if typingTimeout <= 0 {
		typingTimeout = DefaultTypingTimeout
	}
	return &Tracker{
		rooms:         make(map[string]map[string]*member),
		typingTimeout: typingTimeout,
		now:           time.Now,
	}
}

// OnTypingExpired registers the callback for typing timeouts. It runs on the
// timer goroutine, outside the tracker's lock.
func (t *Tracker) OnTypingExpired(fn ExpiryFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpired = fn
}

// Join records connID of userID in roomID and reports whether the user just
// became present.
func (t *Tracker) Join(roomID, userID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.rooms[roomID]
	if users == nil {
		users = make(map[string]*member)
		t.rooms[roomID] = users
	}
	m, ok := users[userID]
	if !ok {
		m = &member{connectedAt: t.now().UTC(), conns: make(map[string]struct{})}
		users[userID] = m
	}
	m.conns[connID] = struct{}{}
	return !ok
}

// Leave removes connID and reports whether the user is no longer present.
func (t *Tracker) Leave(roomID, userID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaveLocked(roomID, userID, connID)
}

func (t *Tracker) leaveLocked(roomID, userID, connID string) bool {
	users := t.rooms[roomID]
	m, ok := users[userID]
	if !ok {
		return false
	}
	if _, ok := m.conns[connID]; !ok {
		return false
	}
	delete(m.conns, connID)
	if len(m.conns) > 0 {
		return false
	}

	m.stopTyping()
	delete(users, userID)
	if len(users) == 0 {
		delete(t.rooms, roomID)
	}
	return true
}

// Disconnect removes connID of userID from every room and returns the rooms
// the user is no longer present in, sorted.
func (t *Tracker) Disconnect(userID, connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var left []string
	for roomID := range t.rooms {
		if t.leaveLocked(roomID, userID, connID) {
			left = append(left, roomID)
		}
	}
	sort.Strings(left)
	return left
}

// SetTyping sets the user's typing flag and reports whether it changed.
// Users not present in the room are ignored. A true flag expires after the
// typing timeout unless set again.
func (t *Tracker) SetTyping(roomID, userID string, typing bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.rooms[roomID][userID]
	if !ok {
		return false
	}
	if !typing {
		was := m.typing
		m.stopTyping()
		return was
	}

	changed := !m.typing
	m.stopTyping()
	m.typing = true
	gen := m.typingGen
	m.typingTimer = time.AfterFunc(t.typingTimeout, func() {
		t.expire(roomID, userID, gen)
	})
	return changed
}

func (t *Tracker) expire(roomID, userID string, gen uint64) {
	t.mu.Lock()
	m, ok := t.rooms[roomID][userID]
	if !ok || !m.typing || m.typingGen != gen {
		t.mu.Unlock()
		return
	}
	m.stopTyping()
	fn := t.onExpired
	t.mu.Unlock()

	if fn != nil {
		fn(roomID, userID)
	}
}

// stopTyping clears the flag and invalidates any pending expiry.
func (m *member) stopTyping() {
	m.typing = false
	m.typingGen++
	if m.typingTimer != nil {
		m.typingTimer.Stop()
		m.typingTimer = nil
	}
}

// IsPresent reports whether userID is connected to roomID.
func (t *Tracker) IsPresent(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rooms[roomID][userID]
	return ok
}

// Online returns a snapshot of the room's entries sorted by user id.
func (t *Tracker) Online(roomID string) []domain.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.rooms[roomID]
	out := make([]domain.PresenceEntry, 0, len(users))
	for userID, m := range users {
		out = append(out, domain.PresenceEntry{
			RoomID:      roomID,
			UserID:      userID,
			ConnectedAt: m.connectedAt,
			IsTyping:    m.typing,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Close stops every pending typing timer.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, users := range t.rooms {
		for _, m := range users {
			m.stopTyping()
		}
	}
}
