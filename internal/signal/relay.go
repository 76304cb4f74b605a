// Package signal relays call signaling between the participants of a call
// and keeps the call rosters.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/internal/hub"
	"github.com/weiawesome/wes-io-talk/pkg/log"
	"github.com/weiawesome/wes-io-talk/pkg/pubsub"
)

// frame is what crosses instances on the signals channel. Data is the
// client-facing message, already encoded.
type frame struct {
	Topology domain.Topology `json:"topology"`
	CallID   string          `json:"call_id"`
	To       string          `json:"to,omitempty"`
	ConnID   string          `json:"conn_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// Relay forwards signaling envelopes without looking inside their payload.
// It never resolves glare; that is left to the call state machine on each
// client, which decides politeness from the sorted user ids.
type Relay struct {
	hub        *hub.Hub
	store      RosterStore
	bus        pubsub.PubSub
	instanceID string

	// Join, leave and teardown of one call are serialized so a rejoin can
	// never interleave with the end of the previous call.
	callLocks [callLockStripes]sync.Mutex

	wg sync.WaitGroup
}

const callLockStripes = 64

// NewRelay creates a relay. bus may be nil for a single instance.
func NewRelay(h *hub.Hub, store RosterStore, bus pubsub.PubSub, instanceID string) *Relay {
	return &Relay{hub: h, store: store, bus: bus, instanceID: instanceID}
}

// busKey addresses a call on the bus. Topology names hold no dots, so the
// first dot separates the two parts.
func busKey(ref domain.CallRef) string {
	return string(ref.Topology) + "." + ref.CallID
}

// ParseRef validates a topology and call id pair.
func ParseRef(topology domain.Topology, callID string) (domain.CallRef, error) {
	t, err := domain.ParseTopology(string(topology))
	if err != nil {
		return domain.CallRef{}, err
	}
	if err := domain.ValidateRoomID(callID); err != nil {
		return domain.CallRef{}, fmt.Errorf("call id: %w", err)
	}
	return domain.CallRef{Topology: t, CallID: callID}, nil
}

// Start consumes signals forwarded by other instances until ctx is
// cancelled.
func (r *Relay) Start(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}
	events, err := r.bus.SubscribePattern(ctx, pubsub.PatternCallSignals)
	if err != nil {
		return fmt.Errorf("subscribe call signals: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range events {
			if !ev.Foreign(r.instanceID) {
				continue
			}
			var f frame
			if err := ev.Decode(&f); err != nil {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldEventType, ev.Type).Msg("dropping malformed call frame")
				continue
			}
			r.deliverLocal(ev.Type, &f)
		}
	}()
	return nil
}

// Wait blocks until the bus consumer has stopped.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) deliverLocal(eventType string, f *frame) {
	ref := domain.CallRef{Topology: f.Topology, CallID: f.CallID}
	topic := hub.CallTopic(ref.Topology, ref.CallID)

	switch {
	case f.ConnID != "":
		if c, ok := r.hub.Client(f.ConnID); ok {
			r.detach(c, ref)
			c.SendRaw(f.Data)
		}
	case eventType == domain.MsgTypeCallEnded:
		r.hub.BroadcastAndDetach(topic, f.Data, func(c *hub.Client) {
			c.Session.LeaveCall(ref)
		})
	case f.To != "":
		r.hub.BroadcastToUser(topic, f.To, f.Data, "")
	default:
		r.hub.BroadcastRaw(topic, f.Data, "")
	}
}

// JoinCall binds the connection's user to the call roster and announces
// them to the other participants. A user joining again from another
// connection takes the entry over; the old connection gets call_left.
func (r *Relay) JoinCall(ctx context.Context, c *hub.Client, ref domain.CallRef, name string) (*domain.CallSession, error) {
	userID := c.Session.GetUserID()
	if name == "" {
		name = c.Session.GetName()
	}

	mu := r.callLock(ref)
	mu.Lock()
	defer mu.Unlock()

	res, err := r.store.Join(ctx, ref, domain.CallParticipant{UserID: userID, Name: name}, c.ID)
	if err != nil {
		return nil, err
	}

	if res.Rejoined && res.PreviousConn != "" && res.PreviousConn != c.ID {
		r.replaceConn(ctx, ref, res.PreviousConn)
	}

	if _, ok := r.hub.Client(c.ID); !ok {
		// The connection is gone; undo the binding it just made.
		if _, err := r.store.Leave(ctx, ref, userID, c.ID); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldCallID, ref.CallID).Msg("failed to undo join of closed connection")
		}
		return nil, fmt.Errorf("%w: connection closed", domain.ErrUnavailable)
	}
	r.hub.Subscribe(c, hub.CallTopic(ref.Topology, ref.CallID))
	c.Session.JoinCall(ref)

	participant := res.Session.Participants[userID]
	r.publish(ctx, ref, domain.MsgTypeParticipantJoined, &domain.ParticipantJoinedMessage{
		Type:        domain.MsgTypeParticipantJoined,
		Topology:    ref.Topology,
		CallID:      ref.CallID,
		Participant: participant,
	}, c.ID, "")

	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldCallID, ref.CallID).
		Str(log.FieldTopology, string(ref.Topology)).
		Str(log.FieldUserID, userID).
		Int("participants", len(res.Session.Participants)).
		Msg("participant joined call")
	return res.Session, nil
}

func (r *Relay) replaceConn(ctx context.Context, ref domain.CallRef, connID string) {
	left := &domain.CallLeftMessage{Type: domain.MsgTypeCallLeft, Topology: ref.Topology, CallID: ref.CallID}
	if old, ok := r.hub.Client(connID); ok {
		r.detach(old, ref)
		old.SendMessage(left)
		return
	}
	data, err := json.Marshal(left)
	if err != nil {
		return
	}
	r.forward(ctx, ref, domain.MsgTypeCallLeft, &frame{ConnID: connID, Data: data})
}

func (r *Relay) detach(c *hub.Client, ref domain.CallRef) {
	r.hub.Unsubscribe(c, hub.CallTopic(ref.Topology, ref.CallID))
	c.Session.LeaveCall(ref)
}

// LeaveCall removes the connection's user from the roster and returns the
// resulting call state. When a direct call drops to one participant, or
// any call drops to none, the call ends and its roster is destroyed so a
// later join starts fresh.
func (r *Relay) LeaveCall(ctx context.Context, c *hub.Client, ref domain.CallRef) (domain.CallState, error) {
	mu := r.callLock(ref)
	mu.Lock()
	defer mu.Unlock()

	if !c.Session.InCall(ref) {
		return "", fmt.Errorf("%w: not in call %s", domain.ErrForbidden, ref.CallID)
	}
	r.detach(c, ref)

	userID := c.Session.GetUserID()
	res, err := r.store.Leave(ctx, ref, userID, c.ID)
	if err != nil {
		return "", err
	}
	if !res.Removed {
		return domain.StateFor(res.Remaining), nil
	}

	r.publish(ctx, ref, domain.MsgTypeParticipantLeft, &domain.ParticipantLeftMessage{
		Type:     domain.MsgTypeParticipantLeft,
		Topology: ref.Topology,
		CallID:   ref.CallID,
		UserID:   userID,
	}, c.ID, "")

	state := domain.StateFor(res.Remaining)
	if ref.Topology == domain.TopologyDirect && res.Remaining == 1 {
		r.endCall(ctx, ref, domain.EndReasonPeerLeft)
		state = domain.CallEnded
	}

	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldCallID, ref.CallID).
		Str(log.FieldTopology, string(ref.Topology)).
		Str(log.FieldUserID, userID).
		Str("state", string(state)).
		Msg("participant left call")
	return state, nil
}

func (r *Relay) endCall(ctx context.Context, ref domain.CallRef, reason string) {
	if err := r.store.Delete(ctx, ref); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldCallID, ref.CallID).Msg("failed to delete ended call")
	}

	data, err := json.Marshal(&domain.CallEndedMessage{
		Type:     domain.MsgTypeCallEnded,
		Topology: ref.Topology,
		CallID:   ref.CallID,
		Reason:   reason,
	})
	if err != nil {
		return
	}
	r.hub.BroadcastAndDetach(hub.CallTopic(ref.Topology, ref.CallID), data, func(c *hub.Client) {
		c.Session.LeaveCall(ref)
	})
	r.forward(ctx, ref, domain.MsgTypeCallEnded, &frame{Data: data})
}

func (r *Relay) callLock(ref domain.CallRef) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(busKey(ref)))
	return &r.callLocks[h.Sum32()%callLockStripes]
}

// Relay forwards env to the call's other participants, or only to env.To
// when set. From is always the sender's identity.
func (r *Relay) Relay(ctx context.Context, c *hub.Client, env *domain.SignalEnvelope) error {
	ref, err := ParseRef(env.Topology, env.CallID)
	if err != nil {
		return err
	}
	if _, err := domain.ParseSignalKind(string(env.Kind)); err != nil {
		return err
	}
	if !c.Session.InCall(ref) {
		return fmt.Errorf("%w: not in call %s", domain.ErrForbidden, ref.CallID)
	}

	out := &domain.CallSignalOut{Type: domain.MsgTypeCallSignal, SignalEnvelope: *env}
	out.Topology = ref.Topology
	out.From = c.Session.GetUserID()
	if out.To == out.From {
		return fmt.Errorf("%w: cannot signal yourself", domain.ErrValidation)
	}
	return r.publish(ctx, ref, domain.MsgTypeCallSignal, out, c.ID, out.To)
}

// UpdateMedia records the participant's track state and announces it.
func (r *Relay) UpdateMedia(ctx context.Context, c *hub.Client, ref domain.CallRef, media domain.MediaState) (*domain.CallParticipant, error) {
	if !c.Session.InCall(ref) {
		return nil, fmt.Errorf("%w: not in call %s", domain.ErrForbidden, ref.CallID)
	}
	p, err := r.store.UpdateMedia(ctx, ref, c.Session.GetUserID(), media)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, ref, domain.MsgTypeParticipantUpdated, &domain.ParticipantUpdatedMessage{
		Type:        domain.MsgTypeParticipantUpdated,
		Topology:    ref.Topology,
		CallID:      ref.CallID,
		Participant: p,
	}, c.ID, "")
	return p, nil
}

// HandleDisconnect leaves every call the connection joined. It runs
// synchronously in the connection's cleanup path so no roster entry
// outlives the connection.
func (r *Relay) HandleDisconnect(ctx context.Context, c *hub.Client) {
	for _, ref := range c.Session.Calls() {
		if _, err := r.LeaveCall(ctx, c, ref); err != nil && !errors.Is(err, domain.ErrForbidden) {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldCallID, ref.CallID).Str(log.FieldTopology, string(ref.Topology)).Msg("failed to leave call on disconnect")
		}
	}
}

// Roster returns the current session of a call.
func (r *Relay) Roster(ctx context.Context, ref domain.CallRef) (*domain.CallSession, error) {
	return r.store.Get(ctx, ref)
}

// publish delivers message to the local members of the call, except
// excludeConnID, and forwards it to the other instances. A non-empty to
// narrows delivery to that user's connection.
func (r *Relay) publish(ctx context.Context, ref domain.CallRef, eventType string, message interface{}, excludeConnID, to string) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}

	topic := hub.CallTopic(ref.Topology, ref.CallID)
	if to != "" {
		r.hub.BroadcastToUser(topic, to, data, excludeConnID)
	} else {
		r.hub.BroadcastRaw(topic, data, excludeConnID)
	}
	return r.forward(ctx, ref, eventType, &frame{To: to, Data: data})
}

func (r *Relay) forward(ctx context.Context, ref domain.CallRef, eventType string, f *frame) error {
	if r.bus == nil {
		return nil
	}
	f.Topology = ref.Topology
	f.CallID = ref.CallID
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}

	key := busKey(ref)
	event := pubsub.NewEvent(r.instanceID, eventType, key, payload)
	if err := r.bus.Publish(ctx, pubsub.CallSignalsChannel(key), event); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldCallID, ref.CallID).Str(log.FieldEventType, eventType).Msg("failed to forward call event")
		return fmt.Errorf("%w: forward %s: %v", domain.ErrUnavailable, eventType, err)
	}
	return nil
}
