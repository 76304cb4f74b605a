package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/pkg/log"
)

// DefaultConnectTimeout bounds how long a link may negotiate before it
// fails.
const DefaultConnectTimeout = 30 * time.Second

var (
	ErrConnectTimeout = errors.New("connectivity not established in time")
	ErrTransport      = errors.New("transport failed")
)

// Failure reasons reported with a Failed transition.
const (
	ReasonMediaDenied    = "media_unavailable"
	ReasonConnectTimeout = "connect_timeout"
	ReasonTransport      = "transport_failed"
	ReasonNegotiation    = "negotiation_failed"
)

// Config identifies one link of a call.
type Config struct {
	Ref            domain.CallRef
	LocalID        string
	RemoteID       string
	ConnectTimeout time.Duration
}

// Session is the state machine of one pairwise link. It implements perfect
// negotiation: when both sides offer at once the polite side rolls back and
// answers while the impolite side ignores the colliding offer, so both end
// up on a single agreed session.
type Session struct {
	cfg      Config
	peer     Peer
	signaler Signaler
	polite   bool

	mu            sync.Mutex
	state         State
	role          Role
	makingOffer   bool
	ignoreOffer   bool
	remoteDescSet bool
	pending       []json.RawMessage
	screen        bool
	timer         *time.Timer
	listeners     []func(Transition)
	changes       []Transition
}

// NewSession wires a link between peer and the remote side reached through
// signaler.
func NewSession(cfg Config, peer Peer, signaler Signaler) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	s := &Session{
		cfg:      cfg,
		peer:     peer,
		signaler: signaler,
		polite:   Polite(cfg.LocalID, cfg.RemoteID),
		state:    StateIdle,
	}
	peer.OnConnectionState(s.handleConnState)
	peer.OnICECandidate(s.sendCandidate)
	return s
}

// OnStateChange registers fn for every transition. It runs outside the
// session lock, after any media has been released.
func (s *Session) OnStateChange(fn func(Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role is the side this link holds in the initial negotiation, RoleNone
// before it reached Offering or Answering. A glare rollback turns an
// offerer into the answerer.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) Polite() bool {
	return s.polite
}

func (s *Session) RemoteID() string {
	return s.cfg.RemoteID
}

// unlock releases the lock and then reports the transitions made while it
// was held.
func (s *Session) unlock() {
	changes := s.changes
	s.changes = nil
	listeners := append([]func(Transition){}, s.listeners...)
	s.mu.Unlock()

	for _, c := range changes {
		for _, fn := range listeners {
			fn(c)
		}
	}
}

// setState must be called with the lock held.
func (s *Session) setState(to State, reason string, cause error) error {
	if err := checkTransition(s.state, to); err != nil {
		return err
	}
	from := s.state
	s.state = to

	switch to {
	case StateOffering:
		if s.role == RoleNone {
			s.role = RoleOfferer
		}
	case StateAnswering:
		s.role = RoleAnswerer
	}
	if to == StateOffering || to == StateAnswering {
		s.armTimer()
	}
	if to == StateConnected || to.Terminal() {
		s.stopTimer()
	}

	s.changes = append(s.changes, Transition{From: from, To: to, Reason: reason, Err: cause})
	l := log.L()
	l.Debug().
		Str(log.FieldCallID, s.cfg.Ref.CallID).
		Str("remote_id", s.cfg.RemoteID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("call state changed")
	return nil
}

func (s *Session) armTimer() {
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.cfg.ConnectTimeout, s.connectTimedOut)
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Prepare acquires local media ahead of any negotiation.
func (s *Session) Prepare(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlock()
	return s.acquire(ctx)
}

func (s *Session) acquire(ctx context.Context) error {
	if s.state != StateIdle {
		return nil
	}
	if err := s.setState(StateAcquiringMedia, "", nil); err != nil {
		return err
	}
	if err := s.peer.AcquireMedia(ctx); err != nil {
		s.terminate(StateFailed, ReasonMediaDenied, err)
		return fmt.Errorf("acquire media: %w", err)
	}
	return nil
}

// Start initiates the link by sending an offer.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlock()

	if err := s.acquire(ctx); err != nil {
		return err
	}
	if err := checkTransition(s.state, StateOffering); err != nil {
		return err
	}

	s.makingOffer = true
	offer, err := s.peer.CreateOffer(ctx)
	if err != nil {
		s.makingOffer = false
		s.terminate(StateFailed, ReasonNegotiation, err)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.setState(StateOffering, "", nil); err != nil {
		return err
	}
	return s.send(ctx, domain.SignalOffer, offer)
}

// HandleSignal dispatches an envelope received from the remote side.
func (s *Session) HandleSignal(ctx context.Context, env *domain.SignalEnvelope) error {
	switch env.Kind {
	case domain.SignalOffer:
		return s.HandleOffer(ctx, env.Payload)
	case domain.SignalAnswer:
		return s.HandleAnswer(ctx, env.Payload)
	case domain.SignalCandidate:
		return s.HandleCandidate(ctx, env.Payload)
	case domain.SignalHangup:
		s.end(domain.EndReasonHangup)
		return nil
	}
	return fmt.Errorf("%w: unknown signal kind %q", domain.ErrValidation, env.Kind)
}

// HandleOffer answers a remote offer, resolving glare by politeness.
func (s *Session) HandleOffer(ctx context.Context, offer json.RawMessage) error {
	s.mu.Lock()
	defer s.unlock()

	if s.state.Terminal() {
		return fmt.Errorf("%w: offer in %s", domain.ErrIllegalTransition, s.state)
	}

	collision := s.makingOffer
	s.ignoreOffer = collision && !s.polite
	if s.ignoreOffer {
		l := log.L()
		l.Debug().Str(log.FieldCallID, s.cfg.Ref.CallID).Str("remote_id", s.cfg.RemoteID).Msg("ignoring colliding offer")
		return nil
	}
	if collision {
		if err := s.peer.Rollback(ctx); err != nil {
			s.terminate(StateFailed, ReasonNegotiation, err)
			return fmt.Errorf("rollback: %w", err)
		}
		s.makingOffer = false
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}

	remoteRenegotiation := false
	switch s.state {
	case StateAcquiringMedia, StateOffering:
		if err := s.setState(StateAnswering, "", nil); err != nil {
			return err
		}
	case StateConnected:
		if err := s.setState(StateRenegotiating, "remote", nil); err != nil {
			return err
		}
		remoteRenegotiation = true
	case StateRenegotiating:
		remoteRenegotiation = true
	}

	answer, err := s.peer.CreateAnswer(ctx, offer)
	if err != nil {
		s.terminate(StateFailed, ReasonNegotiation, err)
		return fmt.Errorf("create answer: %w", err)
	}
	s.remoteDescSet = true
	s.flushCandidates(ctx)

	if err := s.send(ctx, domain.SignalAnswer, answer); err != nil {
		return err
	}
	if !remoteRenegotiation {
		return nil
	}
	if err := s.setState(StateConnected, "renegotiated", nil); err != nil {
		return err
	}
	if collision {
		// Our own change was rolled back; offer it again on top of theirs.
		return s.reoffer(ctx)
	}
	return nil
}

func (s *Session) reoffer(ctx context.Context) error {
	if err := s.setState(StateRenegotiating, "local", nil); err != nil {
		return err
	}
	s.makingOffer = true
	offer, err := s.peer.CreateOffer(ctx)
	if err != nil {
		s.makingOffer = false
		s.terminate(StateFailed, ReasonNegotiation, err)
		return fmt.Errorf("create offer: %w", err)
	}
	return s.send(ctx, domain.SignalOffer, offer)
}

// HandleAnswer applies the answer to our outstanding offer. Answers that
// match no offer are dropped.
func (s *Session) HandleAnswer(ctx context.Context, answer json.RawMessage) error {
	s.mu.Lock()
	defer s.unlock()

	if !s.makingOffer || s.state.Terminal() {
		l := log.L()
		l.Debug().Str(log.FieldCallID, s.cfg.Ref.CallID).Str("state", string(s.state)).Msg("dropping unexpected answer")
		return nil
	}
	if err := s.peer.SetRemoteAnswer(ctx, answer); err != nil {
		s.terminate(StateFailed, ReasonNegotiation, err)
		return fmt.Errorf("apply answer: %w", err)
	}
	s.makingOffer = false
	s.ignoreOffer = false
	s.remoteDescSet = true
	s.flushCandidates(ctx)

	if s.state == StateRenegotiating {
		return s.setState(StateConnected, "renegotiated", nil)
	}
	return nil
}

// HandleCandidate adds a remote ICE candidate, queueing it until a remote
// description is in place.
func (s *Session) HandleCandidate(ctx context.Context, candidate json.RawMessage) error {
	s.mu.Lock()
	defer s.unlock()

	if s.state.Terminal() {
		return nil
	}
	if !s.remoteDescSet {
		s.pending = append(s.pending, candidate)
		return nil
	}
	if err := s.peer.AddICECandidate(ctx, candidate); err != nil && !s.ignoreOffer {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (s *Session) flushCandidates(ctx context.Context) {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.peer.AddICECandidate(ctx, c); err != nil {
			l := log.L()
			l.Debug().Err(err).Str(log.FieldCallID, s.cfg.Ref.CallID).Msg("queued candidate rejected")
		}
	}
}

// ToggleScreenShare swaps the outgoing video and renegotiates on the same
// call.
func (s *Session) ToggleScreenShare(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.unlock()

	if s.state != StateConnected {
		return fmt.Errorf("%w: screen share in %s", domain.ErrIllegalTransition, s.state)
	}
	if s.screen == on {
		return nil
	}
	if err := s.peer.SetScreenShare(ctx, on); err != nil {
		return fmt.Errorf("screen share: %w", err)
	}
	s.screen = on
	return s.reoffer(ctx)
}

// ScreenSharing reports whether the screen track is being sent.
func (s *Session) ScreenSharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen
}

// Hangup ends the link and tells the remote side.
func (s *Session) Hangup(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	err := s.send(ctx, domain.SignalHangup, nil)
	s.terminate(StateEnded, domain.EndReasonHangup, nil)
	s.unlock()
	return err
}

// PeerLeft ends the link because the remote participant left the call.
func (s *Session) PeerLeft() {
	s.end(domain.EndReasonPeerLeft)
}

func (s *Session) end(reason string) {
	s.mu.Lock()
	defer s.unlock()
	s.terminate(StateEnded, reason, nil)
}

// terminate moves to a terminal state and releases the peer. Listeners are
// told afterwards, when the lock is released.
func (s *Session) terminate(to State, reason string, cause error) {
	if s.state.Terminal() {
		return
	}
	if err := s.setState(to, reason, cause); err != nil {
		return
	}
	s.makingOffer = false
	s.pending = nil
	if err := s.peer.Close(); err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldCallID, s.cfg.Ref.CallID).Msg("failed to release peer")
	}
}

func (s *Session) handleConnState(cs ConnState) {
	s.mu.Lock()
	defer s.unlock()

	switch cs {
	case ConnConnected:
		if s.state == StateOffering || s.state == StateAnswering {
			if err := s.setState(StateConnected, "", nil); err != nil {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldCallID, s.cfg.Ref.CallID).Msg("connected in unexpected state")
			}
		}
	case ConnFailed:
		s.terminate(StateFailed, ReasonTransport, ErrTransport)
	}
}

func (s *Session) connectTimedOut() {
	s.mu.Lock()
	defer s.unlock()

	if s.state == StateOffering || s.state == StateAnswering {
		s.terminate(StateFailed, ReasonConnectTimeout, ErrConnectTimeout)
	}
}

func (s *Session) sendCandidate(candidate json.RawMessage) {
	if s.State().Terminal() {
		return
	}
	if err := s.send(context.Background(), domain.SignalCandidate, candidate); err != nil {
		l := log.L()
		l.Debug().Err(err).Str(log.FieldCallID, s.cfg.Ref.CallID).Msg("failed to send candidate")
	}
}

func (s *Session) send(ctx context.Context, kind domain.SignalKind, payload json.RawMessage) error {
	env := &domain.SignalEnvelope{
		Topology: s.cfg.Ref.Topology,
		Kind:     kind,
		CallID:   s.cfg.Ref.CallID,
		From:     s.cfg.LocalID,
		To:       s.cfg.RemoteID,
		Payload:  payload,
	}
	if err := s.signaler.Signal(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}
