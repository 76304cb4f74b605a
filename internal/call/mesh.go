package call

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-talk/internal/domain"
)

// PeerFactory creates the peer for a new link.
type PeerFactory func() (Peer, error)

// Mesh keeps one Session per remote participant of a multi-party call.
// Members already in the call offer to a newcomer; the newcomer answers.
type Mesh struct {
	ref      domain.CallRef
	localID  string
	timeout  time.Duration
	factory  PeerFactory
	signaler Signaler

	mu     sync.Mutex
	links  map[string]*Session
	onLink func(remoteID string, s *Session)
}

func NewMesh(ref domain.CallRef, localID string, factory PeerFactory, signaler Signaler, timeout time.Duration) *Mesh {
	return &Mesh{
		ref:      ref,
		localID:  localID,
		timeout:  timeout,
		factory:  factory,
		signaler: signaler,
		links:    make(map[string]*Session),
	}
}

// OnLink registers fn for every link the mesh creates.
func (m *Mesh) OnLink(fn func(remoteID string, s *Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLink = fn
}

func (m *Mesh) link(remoteID string) (*Session, bool, error) {
	m.mu.Lock()
	if s, ok := m.links[remoteID]; ok && !s.State().Terminal() {
		m.mu.Unlock()
		return s, false, nil
	}
	peer, err := m.factory()
	if err != nil {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("create peer for %s: %w", remoteID, err)
	}
	s := NewSession(Config{
		Ref:            m.ref,
		LocalID:        m.localID,
		RemoteID:       remoteID,
		ConnectTimeout: m.timeout,
	}, peer, m.signaler)
	m.links[remoteID] = s
	fn := m.onLink
	m.mu.Unlock()

	if fn != nil {
		fn(remoteID, s)
	}
	return s, true, nil
}

// ParticipantJoined opens a link to remoteID by offering.
func (m *Mesh) ParticipantJoined(ctx context.Context, remoteID string) error {
	if remoteID == m.localID {
		return nil
	}
	s, created, err := m.link(remoteID)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return s.Start(ctx)
}

// HandleSignal routes an envelope to the link with its sender, creating
// the link when the sender offers first.
func (m *Mesh) HandleSignal(ctx context.Context, env *domain.SignalEnvelope) error {
	if env.From == "" || env.From == m.localID {
		return fmt.Errorf("%w: signal without remote sender", domain.ErrValidation)
	}
	m.mu.Lock()
	s, ok := m.links[env.From]
	m.mu.Unlock()

	if !ok || s.State().Terminal() {
		if env.Kind != domain.SignalOffer {
			return nil
		}
		var err error
		if s, _, err = m.link(env.From); err != nil {
			return err
		}
	}
	return s.HandleSignal(ctx, env)
}

// ParticipantLeft ends the link with remoteID.
func (m *Mesh) ParticipantLeft(remoteID string) {
	m.mu.Lock()
	s, ok := m.links[remoteID]
	delete(m.links, remoteID)
	m.mu.Unlock()
	if ok {
		s.PeerLeft()
	}
}

// Hangup ends every link, telling each remote side.
func (m *Mesh) Hangup(ctx context.Context) {
	for _, s := range m.drain() {
		_ = s.Hangup(ctx)
	}
}

// CallEnded ends every link after the server ended the call.
func (m *Mesh) CallEnded() {
	for _, s := range m.drain() {
		s.PeerLeft()
	}
}

func (m *Mesh) drain() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.links))
	for id, s := range m.links {
		out = append(out, s)
		delete(m.links, id)
	}
	return out
}

// Link returns the session with remoteID.
func (m *Mesh) Link(remoteID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.links[remoteID]
	return s, ok
}

// Remotes returns the remote participants with a link, sorted.
func (m *Mesh) Remotes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
