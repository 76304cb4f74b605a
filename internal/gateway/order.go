package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-talk/pkg/log"
)

// defaultReorderWindow is how long a message frame waits for the sequence
// numbers before it. A gap that outlives the window is skipped.
const defaultReorderWindow = 250 * time.Millisecond

// maxOrderedRooms bounds the rooms whose next sequence number is kept.
// Idle rooms beyond it are forgotten and restart from their next frame.
const maxOrderedRooms = 4096

type frame struct {
	seq     int64
	data    []byte
	exclude string
}

type roomOrder struct {
	next    int64
	pending map[int64]frame
	timer   *time.Timer
	gen     uint64
}

// sequencer releases message_created frames of a room in Seq order. With
// more than one instance, two instances append to the same room
// concurrently and their frames may reach a third in either order.
type sequencer struct {
	mu      sync.Mutex
	rooms   map[string]*roomOrder
	window  time.Duration
	deliver func(roomID string, f frame)
}

func newSequencer(window time.Duration, deliver func(roomID string, f frame)) *sequencer {
	if window <= 0 {
		window = defaultReorderWindow
	}
	return &sequencer{
		rooms:   make(map[string]*roomOrder),
		window:  window,
		deliver: deliver,
	}
}

// push delivers f now when it is the next frame of the room, and holds it
// otherwise. A frame older than one already delivered goes out immediately.
func (s *sequencer) push(roomID string, f frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		s.evictIdle()
		r = &roomOrder{pending: make(map[int64]frame)}
		s.rooms[roomID] = r
	}

	switch {
	case r.next == 0 || f.seq == r.next:
		s.deliver(roomID, f)
		r.next = f.seq + 1
		s.drain(roomID, r)
	case f.seq < r.next:
		l := log.L()
		l.Debug().Str(log.FieldRoomID, roomID).Int64("seq", f.seq).Int64("next", r.next).Msg("late message frame")
		s.deliver(roomID, f)
	default:
		r.pending[f.seq] = f
		if r.timer == nil {
			gen := r.gen
			r.timer = time.AfterFunc(s.window, func() { s.expire(roomID, gen) })
		}
	}
}

// drain releases consecutive held frames.
func (s *sequencer) drain(roomID string, r *roomOrder) {
	for {
		f, ok := r.pending[r.next]
		if !ok {
			break
		}
		delete(r.pending, r.next)
		s.deliver(roomID, f)
		r.next++
	}
	if len(r.pending) == 0 {
		r.stopTimer()
	}
}

// expire gives up on the missing sequence numbers and releases what is held.
func (s *sequencer) expire(roomID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok || r.gen != gen {
		return
	}
	r.timer = nil
	r.gen++

	seqs := make([]int64, 0, len(r.pending))
	for seq := range r.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) > 0 {
		l := log.L()
		l.Warn().Str(log.FieldRoomID, roomID).Int64("missing_from", r.next).Int64("resume_at", seqs[0]).Msg("message sequence gap skipped")
	}
	for _, seq := range seqs {
		s.deliver(roomID, r.pending[seq])
		delete(r.pending, seq)
		r.next = seq + 1
	}
}

func (r *roomOrder) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}

func (s *sequencer) evictIdle() {
	if len(s.rooms) < maxOrderedRooms {
		return
	}
	for roomID, r := range s.rooms {
		if len(r.pending) == 0 {
			delete(s.rooms, roomID)
		}
	}
}
