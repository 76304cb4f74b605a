package service

import (
	"context"
	"fmt"

	"github.com/weiawesome/wes-io-talk/internal/audit"
	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/internal/hub"
	"github.com/weiawesome/wes-io-talk/internal/room"
	"github.com/weiawesome/wes-io-talk/internal/signal"
	"github.com/weiawesome/wes-io-talk/pkg/log"
)

// A call's id is the id of the room it belongs to, so room membership
// decides who may join.
type callService struct {
	resolver *room.Resolver
	relay    *signal.Relay
}

func NewCallService(resolver *room.Resolver, relay *signal.Relay) CallService {
	return &callService{resolver: resolver, relay: relay}
}

func (s *callService) HandleJoinCall(ctx context.Context, c *hub.Client, msg *domain.CallJoinMessage) error {
	if err := requireAuth(c); err != nil {
		return sendError(c, err, "")
	}
	ref, err := signal.ParseRef(msg.Topology, msg.CallID)
	if err != nil {
		return sendError(c, err, "")
	}
	userID := c.Session.GetUserID()
	if err := s.resolver.Authorize(ctx, ref.CallID, userID); err != nil {
		audit.Denied(ctx, audit.ActionJoinCall, userID, ref.CallID, err)
		return sendError(c, err, "")
	}

	session, err := s.relay.JoinCall(ctx, c, ref, msg.Name)
	if err != nil {
		return sendError(c, err, "")
	}

	audit.LogRoom(ctx, audit.ActionJoinCall, userID, ref.CallID, "joined "+string(ref.Topology)+" call")
	return c.SendMessage(&domain.CallJoinedMessage{
		Type:    domain.MsgTypeCallJoined,
		Session: session,
	})
}

func (s *callService) HandleLeaveCall(ctx context.Context, c *hub.Client, msg *domain.CallLeaveMessage) error {
	if err := requireAuth(c); err != nil {
		return sendError(c, err, "")
	}
	ref, err := signal.ParseRef(msg.Topology, msg.CallID)
	if err != nil {
		return sendError(c, err, "")
	}

	state, err := s.relay.LeaveCall(ctx, c, ref)
	if err != nil {
		return sendError(c, err, "")
	}

	l := log.Ctx(ctx)
	l.Debug().Str(log.FieldCallID, ref.CallID).Str("state", string(state)).Msg("call left")
	audit.LogRoom(ctx, audit.ActionLeaveCall, c.Session.GetUserID(), ref.CallID, "left "+string(ref.Topology)+" call")
	return c.SendMessage(&domain.CallLeftMessage{
		Type:     domain.MsgTypeCallLeft,
		Topology: ref.Topology,
		CallID:   ref.CallID,
	})
}

func (s *callService) HandleSignal(ctx context.Context, c *hub.Client, msg *domain.CallSignalMessage) error {
	if err := requireAuth(c); err != nil {
		return sendError(c, err, "")
	}
	env := &domain.SignalEnvelope{
		Topology: msg.Topology,
		Kind:     msg.Kind,
		CallID:   msg.CallID,
		To:       msg.To,
		Payload:  msg.Payload,
	}
	if err := s.relay.Relay(ctx, c, env); err != nil {
		return sendError(c, err, "")
	}
	return nil
}

func (s *callService) HandleMediaState(ctx context.Context, c *hub.Client, msg *domain.CallMediaMessage) error {
	if err := requireAuth(c); err != nil {
		return sendError(c, err, "")
	}
	ref, err := signal.ParseRef(msg.Topology, msg.CallID)
	if err != nil {
		return sendError(c, err, "")
	}
	if _, err := s.relay.UpdateMedia(ctx, c, ref, msg.MediaState); err != nil {
		return sendError(c, err, "")
	}
	return nil
}

func (s *callService) HandleDisconnect(ctx context.Context, c *hub.Client) {
	s.relay.HandleDisconnect(ctx, c)
}

func (s *callService) Roster(ctx context.Context, userID string, topology domain.Topology, callID string) (*domain.CallSession, error) {
	ref, err := signal.ParseRef(topology, callID)
	if err != nil {
		return nil, err
	}
	if err := s.resolver.Authorize(ctx, ref.CallID, userID); err != nil {
		return nil, err
	}
	session, err := s.relay.Roster(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%s call %s: %w", ref.Topology, ref.CallID, err)
	}
	return session, nil
}
