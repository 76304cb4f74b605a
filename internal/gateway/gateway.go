// Package gateway fans room events out to every connection subscribed to a
// room, on this instance and, through the event bus, on the others.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/internal/hub"
	"github.com/weiawesome/wes-io-talk/internal/presence"
	"github.com/weiawesome/wes-io-talk/pkg/log"
	"github.com/weiawesome/wes-io-talk/pkg/pubsub"
)

// Gateway delivers at most once per connection and keeps no replay buffer:
// an event published while nobody is subscribed is gone.
type Gateway struct {
	hub        *hub.Hub
	presence   *presence.Tracker
	bus        pubsub.PubSub
	instanceID string
	order      *sequencer

	wg sync.WaitGroup
}

// New creates a gateway. bus may be nil for a single instance without
// cross-instance fan-out.
func New(h *hub.Hub, tracker *presence.Tracker, bus pubsub.PubSub, instanceID string) *Gateway {
	g := &Gateway{
		hub:        h,
		presence:   tracker,
		bus:        bus,
		instanceID: instanceID,
	}
	if bus != nil {
		g.order = newSequencer(defaultReorderWindow, func(roomID string, f frame) {
			g.hub.BroadcastRaw(hub.ChatTopic(roomID), f.data, f.exclude)
		})
	}
	tracker.OnTypingExpired(g.typingExpired)
	return g
}

// Start consumes room events published by other instances until ctx is
// cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.bus == nil {
		return nil
	}
	events, err := g.bus.SubscribePattern(ctx, pubsub.PatternChatEvents)
	if err != nil {
		return fmt.Errorf("subscribe chat events: %w", err)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for ev := range events {
			if !ev.Foreign(g.instanceID) {
				continue
			}
			if ev.Type == domain.MsgTypeMessageCreated && ev.Seq > 0 {
				g.order.push(ev.Key, frame{seq: ev.Seq, data: ev.Payload})
				continue
			}
			g.hub.BroadcastRaw(hub.ChatTopic(ev.Key), ev.Payload, "")
		}
	}()
	return nil
}

// Wait blocks until the bus consumer has stopped.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

// Subscribe adds the connection to the room's fan-out set. The user's
// presence is announced when this is their first connection in the room.
func (g *Gateway) Subscribe(ctx context.Context, c *hub.Client, roomID string) bool {
	if !g.hub.Subscribe(c, hub.ChatTopic(roomID)) {
		return false
	}
	c.Session.JoinRoom(roomID)

	userID := c.Session.GetUserID()
	if g.presence.Join(roomID, userID, c.ID) {
		g.publishPresence(ctx, roomID, userID, true, c.ID)
	}
	return true
}

// Unsubscribe is the inverse of Subscribe.
func (g *Gateway) Unsubscribe(ctx context.Context, c *hub.Client, roomID string) bool {
	removed := g.hub.Unsubscribe(c, hub.ChatTopic(roomID))
	c.Session.LeaveRoom(roomID)

	userID := c.Session.GetUserID()
	if g.presence.Leave(roomID, userID, c.ID) {
		g.publishPresence(ctx, roomID, userID, false, c.ID)
	}
	return removed
}

// Publish delivers message to the room's local subscribers except the
// connection excludeConnID, then forwards it to the other instances.
// Publishes for one room are delivered in call order. With a bus, new
// messages from every instance are delivered in Seq order.
func (g *Gateway) Publish(ctx context.Context, roomID, eventType string, message interface{}, excludeConnID string) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}

	seq := messageSeq(message)
	if g.order != nil && seq > 0 {
		g.order.push(roomID, frame{seq: seq, data: data, exclude: excludeConnID})
	} else {
		g.hub.BroadcastRaw(hub.ChatTopic(roomID), data, excludeConnID)
	}

	if g.bus == nil {
		return nil
	}
	event := pubsub.NewEvent(g.instanceID, eventType, roomID, data)
	event.Seq = seq
	if err := g.bus.Publish(ctx, pubsub.ChatEventsChannel(roomID), event); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Str(log.FieldEventType, eventType).Msg("failed to forward room event")
		return fmt.Errorf("%w: forward %s: %v", domain.ErrUnavailable, eventType, err)
	}
	return nil
}

// SetTyping updates the typing flag of the connection's user and broadcasts
// a change. The connection must be subscribed to the room.
func (g *Gateway) SetTyping(ctx context.Context, c *hub.Client, roomID string, typing bool) error {
	if !c.Session.InRoom(roomID) {
		return fmt.Errorf("%w: not joined to %s", domain.ErrForbidden, roomID)
	}

	userID := c.Session.GetUserID()
	if !g.presence.SetTyping(roomID, userID, typing) {
		return nil
	}
	return g.Publish(ctx, roomID, domain.MsgTypeTypingChanged, &domain.TypingChangedMessage{
		Type:   domain.MsgTypeTypingChanged,
		RoomID: roomID,
		UserID: userID,
		Typing: typing,
	}, c.ID)
}

// HandleDisconnect unsubscribes the connection from every room and
// announces the users that are no longer present. It runs synchronously in
// the connection's cleanup path.
func (g *Gateway) HandleDisconnect(ctx context.Context, c *hub.Client) {
	for _, roomID := range c.Session.Rooms() {
		g.hub.Unsubscribe(c, hub.ChatTopic(roomID))
		c.Session.LeaveRoom(roomID)
	}

	userID := c.Session.GetUserID()
	for _, roomID := range g.presence.Disconnect(userID, c.ID) {
		g.publishPresence(ctx, roomID, userID, false, c.ID)
	}
}

// Online returns who is connected to roomID on this instance.
func (g *Gateway) Online(roomID string) []domain.PresenceEntry {
	return g.presence.Online(roomID)
}

func messageSeq(message interface{}) int64 {
	if m, ok := message.(*domain.MessageCreatedMessage); ok && m.Message != nil {
		return m.Message.Seq
	}
	return 0
}

func (g *Gateway) publishPresence(ctx context.Context, roomID, userID string, online bool, exclude string) {
	err := g.Publish(ctx, roomID, domain.MsgTypePresenceChanged, &domain.PresenceChangedMessage{
		Type:   domain.MsgTypePresenceChanged,
		RoomID: roomID,
		UserID: userID,
		Online: online,
	}, exclude)
	if err != nil {
		l := log.Ctx(ctx)
		l.Debug().Err(err).Str(log.FieldRoomID, roomID).Msg("presence change not forwarded")
	}
}

func (g *Gateway) typingExpired(roomID, userID string) {
	ctx := context.Background()
	err := g.Publish(ctx, roomID, domain.MsgTypeTypingChanged, &domain.TypingChangedMessage{
		Type:   domain.MsgTypeTypingChanged,
		RoomID: roomID,
		UserID: userID,
		Typing: false,
	}, "")
	if err != nil {
		l := log.L()
		l.Debug().Err(err).Str(log.FieldRoomID, roomID).Msg("typing expiry not forwarded")
	}
}
