// Package service orchestrates rooms, messages, presence and calls for the
// WebSocket and REST transports.
package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-talk/internal/audit"
	"github.com/weiawesome/wes-io-talk/internal/conversation"
	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/internal/gateway"
	"github.com/weiawesome/wes-io-talk/internal/hub"
	"github.com/weiawesome/wes-io-talk/internal/kafka"
	"github.com/weiawesome/wes-io-talk/internal/message"
	"github.com/weiawesome/wes-io-talk/internal/room"
	"github.com/weiawesome/wes-io-talk/internal/search"
	"github.com/weiawesome/wes-io-talk/pkg/log"
	"github.com/weiawesome/wes-io-talk/pkg/middleware"
)

const (
	roomLockStripes = 64
	sideEffectWait  = 3 * time.Second
)

// ChatDeps are the collaborators of the chat service. Producer and Indexer
// are optional.
type ChatDeps struct {
	Resolver   *room.Resolver
	Store      message.Store
	Aggregator *conversation.Aggregator
	Gateway    *gateway.Gateway
	Tokens     middleware.TokenValidator
	Producer   kafka.MessageProducer
	Indexer    search.Indexer

	// SenderIDPattern, when set, further restricts who may send.
	SenderIDPattern string
}

type chatService struct {
	resolver   *room.Resolver
	store      message.Store
	aggregator *conversation.Aggregator
	gateway    *gateway.Gateway
	tokens     middleware.TokenValidator
	producer   kafka.MessageProducer
	indexer    search.Indexer
	senderIDs  *regexp.Regexp

	// Append and publish for one room happen under one stripe so every
	// subscriber sees a room's messages in sequence order.
	roomLocks [roomLockStripes]sync.Mutex
}

func NewChatService(deps ChatDeps) (ChatService, error) {
	s := &chatService{
		resolver:   deps.Resolver,
		store:      deps.Store,
		aggregator: deps.Aggregator,
		gateway:    deps.Gateway,
		tokens:     deps.Tokens,
		producer:   deps.Producer,
		indexer:    deps.Indexer,
	}
	if deps.SenderIDPattern != "" {
		re, err := regexp.Compile(deps.SenderIDPattern)
		if err != nil {
			return nil, fmt.Errorf("sender id pattern: %w", err)
		}
		s.senderIDs = re
	}
	return s, nil
}

func (s *chatService) HandleAuth(ctx context.Context, c *hub.Client, token string) error {
	claims, err := s.tokens.ValidateToken(strings.TrimSpace(token))
	if err != nil {
		c.SendMessage(&domain.AuthResultMessage{
			Type:    domain.MsgTypeAuthResult,
			Success: false,
			Message: err.Error(),
		})
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	userID := claims.Participant()
	if err := domain.ValidateIdentity(userID); err != nil {
		c.SendMessage(&domain.AuthResultMessage{
			Type:    domain.MsgTypeAuthResult,
			Success: false,
			Message: "token subject is not a valid participant id",
		})
		return err
	}
	if c.Session.IsAuthenticated() && c.Session.GetUserID() != userID {
		return sendError(c, fmt.Errorf("%w: connection already bound to another participant", domain.ErrForbidden), "")
	}

	role := domain.SenderRole(claims.Role)
	if !role.Valid() || role == domain.RoleSystem {
		role = ""
	}
	c.Session.Authenticate(userID, role, claims.Name)

	audit.Log(ctx, audit.ActionAuth, userID, "connection authenticated")
	return c.SendMessage(&domain.AuthResultMessage{
		Type:    domain.MsgTypeAuthResult,
		Success: true,
		UserID:  userID,
		Role:    string(role),
	})
}

func (s *chatService) HandleJoinRoom(ctx context.Context, c *hub.Client, roomID string) error {
	if err := requireAuth(c); err != nil {
		return sendError(c, err, "")
	}
	userID := c.Session.GetUserID()

	if err := domain.ValidateRoomID(roomID); err != nil {
		return sendError(c, err, "")
	}
	if err := s.resolver.Authorize(ctx, roomID, userID); err != nil {
		audit.Denied(ctx, audit.ActionJoinRoom, userID, roomID, err)
		return sendError(c, err, "")
	}
	participants, err := s.resolver.Participants(ctx, roomID)
	if err != nil {
		return sendError(c, err, "")
	}

	s.gateway.Subscribe(ctx, c, roomID)

	unread, err := s.store.UnreadCount(ctx, roomID, userID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to count unread messages")
	}

	audit.LogRoom(ctx, audit.ActionJoinRoom, userID, roomID, "joined room")
	return c.SendMessage(&domain.RoomJoinedMessage{
		Type:         domain.MsgTypeRoomJoined,
		RoomID:       roomID,
		Participants: participants,
		Online:       s.gateway.Online(roomID),
		UnreadCount:  unread,
	})
}

func (s *chatService) HandleLeaveRoom(ctx context.Context, c *hub.Client, roomID string) error {
	if err := requireAuth(c); err != nil {
		return sendError(c, err, "")
	}
	if !c.Session.InRoom(roomID) {
		return sendError(c, fmt.Errorf("%w: not joined to %s", domain.ErrForbidden, roomID), "")
	}

	s.gateway.Unsubscribe(ctx, c, roomID)

	audit.LogRoom(ctx, audit.ActionLeaveRoom, c.Session.GetUserID(), roomID, "left room")
	return c.SendMessage(&domain.RoomLeftMessage{
		Type:   domain.MsgTypeRoomLeft,
		RoomID: roomID,
	})
}

func (s *chatService) HandleSendMessage(ctx context.Context, c *hub.Client, in *domain.SendMessageWS) error {
	if err := requireAuth(c); err != nil {
		return sendError(c, err, in.ClientMsgID)
	}

	// The role comes from the verified token; a client may only restate it.
	role := c.Session.GetRole()
	if in.SenderRole != "" && in.SenderRole != role {
		return sendError(c, fmt.Errorf("%w: sender role %q does not match session role %q", domain.ErrValidation, in.SenderRole, role), in.ClientMsgID)
	}
	msg := &domain.ChatMessage{
		RoomID:   in.RoomID,
		Message:  in.Message,
		Gif:      in.Gif,
		FileURL:  in.FileURL,
		FileType: in.FileType,
		FileName: in.FileName,
	}

	stored, err := s.send(ctx, c.Session.GetUserID(), role, msg, c.ID)
	if err != nil {
		return sendError(c, err, in.ClientMsgID)
	}

	return c.SendMessage(&domain.MessageSentMessage{
		Type:        domain.MsgTypeMessageSent,
		ClientMsgID: in.ClientMsgID,
		Message:     stored,
	})
}

func (s *chatService) HandleTyping(ctx context.Context, c *hub.Client, roomID string, typing bool) error {
	if err := requireAuth(c); err != nil {
		return sendError(c, err, "")
	}
	if err := s.gateway.SetTyping(ctx, c, roomID, typing); err != nil {
		return sendError(c, err, "")
	}
	return nil
}

func (s *chatService) HandleMarkRead(ctx context.Context, c *hub.Client, roomID string) error {
	if err := requireAuth(c); err != nil {
		return sendError(c, err, "")
	}
	if _, err := s.MarkRead(ctx, roomID, c.Session.GetUserID()); err != nil {
		return sendError(c, err, "")
	}
	return nil
}

func (s *chatService) HandleDisconnect(ctx context.Context, c *hub.Client) {
	s.gateway.HandleDisconnect(ctx, c)
}

func (s *chatService) SendMessage(ctx context.Context, userID string, role domain.SenderRole, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	return s.send(ctx, userID, role, msg, "")
}

// send persists msg and only then broadcasts it. A failed append is
// returned to the caller and nothing is published.
func (s *chatService) send(ctx context.Context, userID string, role domain.SenderRole, msg *domain.ChatMessage, excludeConnID string) (*domain.ChatMessage, error) {
	if role == domain.RoleSystem {
		return nil, fmt.Errorf("%w: system messages cannot be sent by participants", domain.ErrValidation)
	}
	if s.senderIDs != nil && !s.senderIDs.MatchString(userID) {
		return nil, fmt.Errorf("%w: sender id %q does not match the configured format", domain.ErrValidation, userID)
	}

	in := msg.Clone()
	in.SenderID = userID
	in.SenderRole = role
	in.Timestamp = time.Time{}
	if err := domain.ValidateMessage(in, 0); err != nil {
		return nil, err
	}
	if err := s.resolver.Authorize(ctx, in.RoomID, userID); err != nil {
		return nil, err
	}

	mu := s.roomLock(in.RoomID)
	mu.Lock()
	stored, err := s.store.Append(ctx, in)
	if err == nil {
		err = s.gateway.Publish(ctx, stored.RoomID, domain.MsgTypeMessageCreated, &domain.MessageCreatedMessage{
			Type:    domain.MsgTypeMessageCreated,
			Message: stored,
		}, excludeConnID)
		if err != nil {
			// Stored and delivered locally; remote instances catch up on refresh.
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldRoomID, stored.RoomID).Msg("message stored but not forwarded")
			err = nil
		}
	}
	mu.Unlock()
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldRoomID, in.RoomID).Str(log.FieldUserID, userID).Msg("failed to append message")
		return nil, err
	}

	s.sideEffects(ctx, stored)
	audit.LogRoom(ctx, audit.ActionSendMessage, userID, stored.RoomID, "message sent")
	return stored, nil
}

// sideEffects feeds the Kafka topic and the search index. Neither can fail
// the send.
func (s *chatService) sideEffects(ctx context.Context, msg *domain.ChatMessage) {
	l := log.Ctx(ctx)
	if s.producer != nil {
		if err := s.producer.ProduceMessage(ctx, msg); err != nil {
			l.Warn().Err(err).Str(log.FieldRoomID, msg.RoomID).Msg("failed to produce message event")
		}
	}
	if s.indexer != nil {
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectWait)
		defer cancel()
		if err := s.indexer.Index(ictx, msg); err != nil {
			l.Warn().Err(err).Str(log.FieldRoomID, msg.RoomID).Msg("failed to index message")
		}
	}
}

// ListMessages returns the room's messages and marks them read for the
// viewer first, so the returned ReadBy already includes the viewer. A zero
// afterSeq with a non-positive limit returns the whole room.
func (s *chatService) ListMessages(ctx context.Context, roomID, viewerID string, afterSeq int64, limit int) ([]*domain.ChatMessage, bool, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return nil, false, err
	}
	if err := s.resolver.Authorize(ctx, roomID, viewerID); err != nil {
		return nil, false, err
	}

	if _, err := s.markRead(ctx, roomID, viewerID); err != nil {
		return nil, false, err
	}

	if afterSeq <= 0 && limit <= 0 {
		msgs, err := s.store.List(ctx, roomID)
		return msgs, false, err
	}
	return s.store.ListAfter(ctx, roomID, afterSeq, limit)
}

func (s *chatService) MarkRead(ctx context.Context, roomID, viewerID string) (int, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return 0, err
	}
	if err := s.resolver.Authorize(ctx, roomID, viewerID); err != nil {
		return 0, err
	}
	return s.markRead(ctx, roomID, viewerID)
}

// markRead publishes a read receipt when anything changed.
func (s *chatService) markRead(ctx context.Context, roomID, viewerID string) (int, error) {
	n, err := s.store.MarkRead(ctx, roomID, viewerID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	err = s.gateway.Publish(ctx, roomID, domain.MsgTypeMessagesRead, &domain.MessagesReadMessage{
		Type:     domain.MsgTypeMessagesRead,
		RoomID:   roomID,
		ReaderID: viewerID,
		Count:    n,
	}, "")
	if err != nil {
		l := log.Ctx(ctx)
		l.Debug().Err(err).Str(log.FieldRoomID, roomID).Msg("read receipt not forwarded")
	}
	if s.producer != nil {
		if err := s.producer.ProduceRead(ctx, roomID, viewerID, n); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to produce read event")
		}
	}
	audit.LogRoom(ctx, audit.ActionMarkRead, viewerID, roomID, "messages marked read")
	return n, nil
}

func (s *chatService) UnreadCount(ctx context.Context, roomID, viewerID string) (int, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return 0, err
	}
	if err := s.resolver.Authorize(ctx, roomID, viewerID); err != nil {
		return 0, err
	}
	return s.store.UnreadCount(ctx, roomID, viewerID)
}

func (s *chatService) CreateGroup(ctx context.Context, name, creatorID string, memberIDs []string) (*domain.GroupRoom, error) {
	group, err := s.resolver.CreateGroupRoom(ctx, name, creatorID, memberIDs)
	if err != nil {
		return nil, err
	}
	audit.LogRoom(ctx, audit.ActionCreateGroup, creatorID, group.ID, "group created")
	return group, nil
}

func (s *chatService) GroupRoom(ctx context.Context, roomID, userID string) (*domain.GroupRoom, error) {
	group, err := s.resolver.GroupRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !group.HasMember(userID) {
		return nil, fmt.Errorf("%w: %s in %s", domain.ErrForbidden, userID, roomID)
	}
	return group, nil
}

func (s *chatService) Groups(ctx context.Context, userID string) ([]*domain.GroupRoom, error) {
	return s.resolver.GroupRoomsFor(ctx, userID)
}

func (s *chatService) Conversations(ctx context.Context, viewerID string, counterpartIDs []string) ([]domain.ConversationSummary, error) {
	return s.aggregator.Summaries(ctx, viewerID, counterpartIDs)
}

func (s *chatService) Inbox(ctx context.Context, viewerID string) ([]domain.ConversationSummary, error) {
	return s.aggregator.Inbox(ctx, viewerID)
}

func (s *chatService) Search(ctx context.Context, roomID, userID, query string, offset, limit int) ([]*search.Hit, int, error) {
	if s.indexer == nil {
		return nil, 0, fmt.Errorf("%w: search is disabled", domain.ErrUnavailable)
	}
	if err := domain.ValidateRoomID(roomID); err != nil {
		return nil, 0, err
	}
	if err := s.resolver.Authorize(ctx, roomID, userID); err != nil {
		return nil, 0, err
	}
	return s.indexer.Search(ctx, roomID, query, offset, limit)
}

func (s *chatService) roomLock(roomID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return &s.roomLocks[h.Sum32()%roomLockStripes]
}

func requireAuth(c *hub.Client) error {
	if !c.Session.IsAuthenticated() {
		return fmt.Errorf("%w: not authenticated", domain.ErrUnauthorized)
	}
	return nil
}

// sendError reports err to the client and returns it for logging.
// Internal errors are not echoed verbatim.
func sendError(c *hub.Client, err error, clientMsgID string) error {
	msg := domain.ErrorMessageFor(err, clientMsgID)
	if msg.Code == domain.ErrCodeInternalError {
		msg.Message = "internal error"
	}
	c.SendMessage(msg)
	return err
}
