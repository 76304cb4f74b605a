package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-talk/internal/domain"
)

type fakePeer struct {
	name string

	mu            sync.Mutex
	acquireErr    error
	acquired      bool
	offers        int
	hasLocalOffer bool
	local         string
	remote        string
	rollbacks     int
	candidates    []string
	screen        bool
	closed        int
	onState       func(ConnState)
	onCandidate   func(json.RawMessage)
}

func newFakePeer(name string) *fakePeer {
	return &fakePeer{name: name}
}

func sdp(kind, value string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"type": kind, "sdp": value})
	return data
}

func sdpValue(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var desc map[string]string
	require.NoError(t, json.Unmarshal(raw, &desc))
	return desc["sdp"]
}

func (p *fakePeer) AcquireMedia(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return p.acquireErr
	}
	p.acquired = true
	return nil
}

func (p *fakePeer) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	p.hasLocalOffer = true
	p.local = fmt.Sprintf("%s-offer-%d", p.name, p.offers)
	return sdp("offer", p.local), nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	var desc map[string]string
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasLocalOffer {
		return nil, errors.New("have-local-offer")
	}
	p.remote = desc["sdp"]
	p.local = p.name + "-answer-to-" + desc["sdp"]
	return sdp("answer", p.local), nil
}

func (p *fakePeer) SetRemoteAnswer(ctx context.Context, answer json.RawMessage) error {
	var desc map[string]string
	if err := json.Unmarshal(answer, &desc); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasLocalOffer {
		return errors.New("no local offer")
	}
	p.hasLocalOffer = false
	p.remote = desc["sdp"]
	return nil
}

func (p *fakePeer) Rollback(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hasLocalOffer = false
	p.rollbacks++
	return nil
}

func (p *fakePeer) AddICECandidate(ctx context.Context, candidate json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, string(candidate))
	return nil
}

func (p *fakePeer) SetScreenShare(ctx context.Context, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screen = on
	return nil
}

func (p *fakePeer) OnConnectionState(fn func(ConnState)) { p.onState = fn }

func (p *fakePeer) OnICECandidate(fn func(json.RawMessage)) { p.onCandidate = fn }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) closedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) report(cs ConnState) { p.onState(cs) }

// wire queues envelopes until flush delivers them, which makes message
// interleavings explicit in tests.
type wire struct {
	mu       sync.Mutex
	queue    []*domain.SignalEnvelope
	sessions map[string]*Session
}

func newWire() *wire {
	return &wire{sessions: make(map[string]*Session)}
}

func (w *wire) Signal(ctx context.Context, env *domain.SignalEnvelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, env)
	return nil
}

func (w *wire) pending() []*domain.SignalEnvelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*domain.SignalEnvelope(nil), w.queue...)
}

func (w *wire) flush(t *testing.T) {
	t.Helper()
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		env := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()
		require.NoError(t, w.sessions[env.To].HandleSignal(context.Background(), env))
	}
}

var testRef = domain.CallRef{Topology: domain.TopologyDirect, CallID: "u1_u2"}

func link(w *wire, local, remote string, peer *fakePeer, timeout time.Duration) *Session {
	s := NewSession(Config{Ref: testRef, LocalID: local, RemoteID: remote, ConnectTimeout: timeout}, peer, w)
	w.sessions[local] = s
	return s
}

func recordStates(s *Session) func() []Transition {
	var mu sync.Mutex
	var got []Transition
	s.OnStateChange(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, tr)
	})
	return func() []Transition {
		mu.Lock()
		defer mu.Unlock()
		return append([]Transition(nil), got...)
	}
}

func states(trs []Transition) []State {
	out := make([]State, 0, len(trs))
	for _, tr := range trs {
		out = append(out, tr.To)
	}
	return out
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StateIdle, StateAcquiringMedia))
	assert.True(t, CanTransition(StateOffering, StateConnected))
	assert.True(t, CanTransition(StateAnswering, StateConnected))
	assert.True(t, CanTransition(StateRenegotiating, StateConnected))
	assert.False(t, CanTransition(StateIdle, StateConnected))
	assert.False(t, CanTransition(StateAcquiringMedia, StateConnected))
	assert.False(t, CanTransition(StateAnswering, StateOffering))
	assert.False(t, CanTransition(StateEnded, StateIdle))
	assert.False(t, CanTransition(StateFailed, StateConnected))

	for _, from := range []State{StateIdle, StateAcquiringMedia, StateOffering, StateAnswering, StateConnected, StateRenegotiating} {
		assert.True(t, CanTransition(from, StateEnded), from)
		assert.True(t, CanTransition(from, StateFailed), from)
	}
	assert.ErrorIs(t, checkTransition(StateIdle, StateConnected), domain.ErrIllegalTransition)
}

func TestPolite(t *testing.T) {
	assert.True(t, Polite("u1", "u2"))
	assert.False(t, Polite("u2", "u1"))
}

func TestCallerAndCalleeConnect(t *testing.T) {
	w := newWire()
	p1, p2 := newFakePeer("u1"), newFakePeer("u2")
	caller := link(w, "u1", "u2", p1, time.Minute)
	callee := link(w, "u2", "u1", p2, time.Minute)
	callerStates := recordStates(caller)
	calleeStates := recordStates(callee)

	require.NoError(t, caller.Start(context.Background()))
	assert.Equal(t, StateOffering, caller.State())
	sent := w.pending()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.SignalOffer, sent[0].Kind)
	assert.Equal(t, "u2", sent[0].To)
	assert.Equal(t, "u1_u2", sent[0].CallID)

	w.flush(t)
	assert.Equal(t, StateAnswering, callee.State())

	p1.report(ConnConnected)
	p2.report(ConnConnected)

	assert.Equal(t, []State{StateAcquiringMedia, StateOffering, StateConnected}, states(callerStates()))
	assert.Equal(t, []State{StateAcquiringMedia, StateAnswering, StateConnected}, states(calleeStates()))
	assert.Equal(t, RoleOfferer, caller.Role())
	assert.Equal(t, RoleAnswerer, callee.Role())
	assert.Equal(t, p1.local, p2.remote)
	assert.Equal(t, p2.local, p1.remote)
}

func TestGlareResolvesToOneSession(t *testing.T) {
	w := newWire()
	p1, p2 := newFakePeer("u1"), newFakePeer("u2")
	s1 := link(w, "u1", "u2", p1, time.Minute)
	s2 := link(w, "u2", "u1", p2, time.Minute)
	require.True(t, s1.Polite())
	require.False(t, s2.Polite())

	// Both offer before either sees the other's offer.
	require.NoError(t, s1.Start(context.Background()))
	require.NoError(t, s2.Start(context.Background()))
	require.Len(t, w.pending(), 2)

	w.flush(t)
	p1.report(ConnConnected)
	p2.report(ConnConnected)

	assert.Equal(t, StateConnected, s1.State())
	assert.Equal(t, StateConnected, s2.State())
	assert.Equal(t, RoleAnswerer, s1.Role())
	assert.Equal(t, RoleOfferer, s2.Role())
	assert.Equal(t, 1, p1.rollbacks)
	assert.Equal(t, 0, p2.rollbacks)

	// One agreed session: u2's offer answered by u1.
	assert.Equal(t, "u2-offer-1", p1.remote)
	assert.Equal(t, "u1-answer-to-u2-offer-1", p2.remote)
	assert.Equal(t, p1.local, p2.remote)
	assert.Equal(t, p2.local, p1.remote)
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	w := newWire()
	p1, p2 := newFakePeer("u1"), newFakePeer("u2")
	caller := link(w, "u1", "u2", p1, time.Minute)
	callee := link(w, "u2", "u1", p2, time.Minute)
	ctx := context.Background()

	require.NoError(t, caller.Start(ctx))
	offer := w.pending()[0]
	w.queue = nil

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`)
	require.NoError(t, callee.HandleCandidate(ctx, candidate))
	assert.Empty(t, p2.candidates)

	require.NoError(t, callee.HandleOffer(ctx, offer.Payload))
	assert.Equal(t, []string{string(candidate)}, p2.candidates)

	// Trickled local candidates go to the remote side.
	p2.onCandidate(json.RawMessage(`{"candidate":"candidate:2"}`))
	sent := w.pending()
	require.Len(t, sent, 2)
	assert.Equal(t, domain.SignalCandidate, sent[1].Kind)
	assert.Equal(t, "u1", sent[1].To)
	assert.Equal(t, "u2", sent[1].From)
}

func connected(t *testing.T, w *wire, p1, p2 *fakePeer) (*Session, *Session) {
	t.Helper()
	caller := link(w, "u1", "u2", p1, time.Minute)
	callee := link(w, "u2", "u1", p2, time.Minute)
	require.NoError(t, caller.Start(context.Background()))
	w.flush(t)
	p1.report(ConnConnected)
	p2.report(ConnConnected)
	require.Equal(t, StateConnected, caller.State())
	require.Equal(t, StateConnected, callee.State())
	return caller, callee
}

func TestScreenShareRenegotiatesSameCall(t *testing.T) {
	w := newWire()
	p1, p2 := newFakePeer("u1"), newFakePeer("u2")
	caller, callee := connected(t, w, p1, p2)
	calleeStates := recordStates(callee)

	require.NoError(t, callee.ToggleScreenShare(context.Background(), true))
	assert.Equal(t, StateRenegotiating, callee.State())
	assert.True(t, p2.screen)
	assert.True(t, callee.ScreenSharing())

	sent := w.pending()
	require.Len(t, sent, 1)
	assert.Equal(t, "u1_u2", sent[0].CallID)
	assert.Equal(t, "u2-offer-1", sdpValue(t, sent[0].Payload))

	w.flush(t)
	assert.Equal(t, StateConnected, caller.State())
	assert.Equal(t, StateConnected, callee.State())
	assert.Equal(t, []State{StateRenegotiating, StateConnected}, states(calleeStates()))
	assert.Equal(t, RoleAnswerer, callee.Role())
	assert.Equal(t, "u1-answer-to-u2-offer-1", p2.remote)

	// No change, no renegotiation.
	require.NoError(t, callee.ToggleScreenShare(context.Background(), true))
	assert.Empty(t, w.pending())
}

func TestRenegotiationGlareReoffers(t *testing.T) {
	w := newWire()
	p1, p2 := newFakePeer("u1"), newFakePeer("u2")
	s1, s2 := connected(t, w, p1, p2)
	ctx := context.Background()

	require.NoError(t, s1.ToggleScreenShare(ctx, true))
	require.NoError(t, s2.ToggleScreenShare(ctx, true))
	w.flush(t)

	assert.Equal(t, StateConnected, s1.State())
	assert.Equal(t, StateConnected, s2.State())
	assert.Equal(t, 1, p1.rollbacks)
	// The polite side's change was offered again after the rollback.
	assert.Equal(t, "u1-offer-3", p2.remote)
	// Roles stay those of the initial negotiation.
	assert.Equal(t, RoleOfferer, s1.Role())
	assert.Equal(t, RoleAnswerer, s2.Role())
}

func TestScreenShareRequiresConnected(t *testing.T) {
	w := newWire()
	s := link(w, "u1", "u2", newFakePeer("u1"), time.Minute)
	assert.ErrorIs(t, s.ToggleScreenShare(context.Background(), true), domain.ErrIllegalTransition)
}

func TestConnectTimeoutFails(t *testing.T) {
	w := newWire()
	p1 := newFakePeer("u1")
	s := link(w, "u1", "u2", p1, 30*time.Millisecond)
	got := recordStates(s)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		trs := got()
		return len(trs) > 0 && trs[len(trs)-1].To == StateFailed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 1, p1.closedCount())

	trs := got()
	last := trs[len(trs)-1]
	assert.Equal(t, ReasonConnectTimeout, last.Reason)
	assert.ErrorIs(t, last.Err, ErrConnectTimeout)
}

func TestMediaFailureReleasesBeforeReporting(t *testing.T) {
	w := newWire()
	p1 := newFakePeer("u1")
	p1.acquireErr = errors.New("permission denied")
	s := link(w, "u1", "u2", p1, time.Minute)

	var closedAtNotify int
	s.OnStateChange(func(tr Transition) {
		if tr.To.Terminal() {
			closedAtNotify = p1.closedCount()
		}
	})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 1, closedAtNotify)
	assert.Empty(t, w.pending())
}

func TestTransportFailure(t *testing.T) {
	w := newWire()
	p1, p2 := newFakePeer("u1"), newFakePeer("u2")
	caller, _ := connected(t, w, p1, p2)

	p1.report(ConnFailed)
	assert.Equal(t, StateFailed, caller.State())
	assert.Equal(t, 1, p1.closedCount())

	// Late signals are ignored or refused.
	require.NoError(t, caller.HandleCandidate(context.Background(), json.RawMessage(`{}`)))
	assert.ErrorIs(t, caller.HandleOffer(context.Background(), sdp("offer", "x")), domain.ErrIllegalTransition)
}

func TestHangupEndsBothSides(t *testing.T) {
	w := newWire()
	p1, p2 := newFakePeer("u1"), newFakePeer("u2")
	caller, callee := connected(t, w, p1, p2)
	calleeStates := recordStates(callee)

	require.NoError(t, caller.Hangup(context.Background()))
	assert.Equal(t, StateEnded, caller.State())
	w.flush(t)
	assert.Equal(t, StateEnded, callee.State())
	assert.Equal(t, domain.EndReasonHangup, calleeStates()[0].Reason)
	assert.Equal(t, 1, p1.closedCount())
	assert.Equal(t, 1, p2.closedCount())

	require.NoError(t, caller.Hangup(context.Background()))
	assert.Empty(t, w.pending())
	assert.Equal(t, 1, p1.closedCount())
}

func TestPeerLeftEndsLink(t *testing.T) {
	w := newWire()
	p1 := newFakePeer("u1")
	s := link(w, "u1", "u2", p1, time.Minute)
	got := recordStates(s)
	require.NoError(t, s.Start(context.Background()))

	s.PeerLeft()
	assert.Equal(t, StateEnded, s.State())
	trs := got()
	assert.Equal(t, domain.EndReasonPeerLeft, trs[len(trs)-1].Reason)
	assert.Equal(t, 1, p1.closedCount())
}

func TestAnswerWithoutOfferIsDropped(t *testing.T) {
	w := newWire()
	p1 := newFakePeer("u1")
	s := link(w, "u1", "u2", p1, time.Minute)
	require.NoError(t, s.Prepare(context.Background()))
	assert.Equal(t, StateAcquiringMedia, s.State())

	require.NoError(t, s.HandleAnswer(context.Background(), sdp("answer", "stray")))
	assert.Equal(t, StateAcquiringMedia, s.State())
	assert.Empty(t, p1.remote)
}
