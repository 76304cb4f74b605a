package service

import (
	"context"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/internal/hub"
	"github.com/weiawesome/wes-io-talk/internal/search"
)

// ChatService serves the chat half of the WebSocket protocol and the REST
// API. The Handle methods reply to the client themselves; their returned
// error is for logging only.
type ChatService interface {
	HandleAuth(ctx context.Context, client *hub.Client, token string) error
	HandleJoinRoom(ctx context.Context, client *hub.Client, roomID string) error
	HandleLeaveRoom(ctx context.Context, client *hub.Client, roomID string) error
	HandleSendMessage(ctx context.Context, client *hub.Client, msg *domain.SendMessageWS) error
	HandleTyping(ctx context.Context, client *hub.Client, roomID string, typing bool) error
	HandleMarkRead(ctx context.Context, client *hub.Client, roomID string) error
	HandleDisconnect(ctx context.Context, client *hub.Client)

	SendMessage(ctx context.Context, userID string, role domain.SenderRole, msg *domain.ChatMessage) (*domain.ChatMessage, error)
	ListMessages(ctx context.Context, roomID, viewerID string, afterSeq int64, limit int) ([]*domain.ChatMessage, bool, error)
	MarkRead(ctx context.Context, roomID, viewerID string) (int, error)
	UnreadCount(ctx context.Context, roomID, viewerID string) (int, error)
	CreateGroup(ctx context.Context, name, creatorID string, memberIDs []string) (*domain.GroupRoom, error)
	GroupRoom(ctx context.Context, roomID, userID string) (*domain.GroupRoom, error)
	Groups(ctx context.Context, userID string) ([]*domain.GroupRoom, error)
	Conversations(ctx context.Context, viewerID string, counterpartIDs []string) ([]domain.ConversationSummary, error)
	Inbox(ctx context.Context, viewerID string) ([]domain.ConversationSummary, error)
	Search(ctx context.Context, roomID, userID, query string, offset, limit int) ([]*search.Hit, int, error)
}

// CallService serves the call half of the WebSocket protocol.
type CallService interface {
	HandleJoinCall(ctx context.Context, client *hub.Client, msg *domain.CallJoinMessage) error
	HandleLeaveCall(ctx context.Context, client *hub.Client, msg *domain.CallLeaveMessage) error
	HandleSignal(ctx context.Context, client *hub.Client, msg *domain.CallSignalMessage) error
	HandleMediaState(ctx context.Context, client *hub.Client, msg *domain.CallMediaMessage) error
	HandleDisconnect(ctx context.Context, client *hub.Client)

	Roster(ctx context.Context, userID string, topology domain.Topology, callID string) (*domain.CallSession, error)
}
