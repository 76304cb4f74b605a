package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-talk/internal/config"
	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/internal/hub"
	"github.com/weiawesome/wes-io-talk/internal/service"
	"github.com/weiawesome/wes-io-talk/pkg/log"
	"github.com/weiawesome/wes-io-talk/pkg/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSHandler struct {
	hub   *hub.Hub
	chat  service.ChatService
	calls service.CallService
	wsCfg config.WebSocketConfig
}

func NewWSHandler(h *hub.Hub, chat service.ChatService, calls service.CallService, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:   h,
		chat:  chat,
		calls: calls,
		wsCfg: wsCfg,
	}
}

// HandleWebSocket upgrades the request and serves the connection. A token
// in the header, query or cookie authenticates the connection right away;
// otherwise the client sends an auth message first.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := log.Ctx(r.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), h.hub, conn, h.wsCfg)

	// The request context ends with this handler; the connection lives on.
	ctx := log.WithStr(log.WithLogger(context.Background(), log.Ctx(r.Context())), log.FieldClientID, client.ID)
	connectedAt := time.Now()

	client.OnDisconnect(func(c *hub.Client) {
		h.chat.HandleDisconnect(ctx, c)
		h.calls.HandleDisconnect(ctx, c)
		l := log.Ctx(ctx)
		l.Info().
			Str(log.FieldUserID, c.Session.GetUserID()).
			Dur("session", time.Since(connectedAt)).
			Msg("connection closed")
	})
	h.hub.Register(client)

	go client.WritePump()

	if token := middleware.TokenFromRequest(r); token != "" {
		if err := h.chat.HandleAuth(ctx, client, token); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Msg("upgrade token rejected")
		}
	}

	go client.ReadPump(func(c *hub.Client, message []byte) {
		h.handleMessage(ctx, c, message)
	})
}

func (h *WSHandler) handleMessage(ctx context.Context, client *hub.Client, message []byte) {
	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid message format"))
		return
	}

	var err error
	switch base.Type {
	case domain.MsgTypeAuth:
		var msg domain.AuthMessage
		if !decode(client, message, &msg) {
			return
		}
		err = h.chat.HandleAuth(ctx, client, msg.Token)

	case domain.MsgTypeJoinRoom:
		var msg domain.JoinRoomMessage
		if !decode(client, message, &msg) {
			return
		}
		err = h.chat.HandleJoinRoom(ctx, client, msg.RoomID)

	case domain.MsgTypeLeaveRoom:
		var msg domain.LeaveRoomMessage
		if !decode(client, message, &msg) {
			return
		}
		err = h.chat.HandleLeaveRoom(ctx, client, msg.RoomID)

	case domain.MsgTypeSendMessage:
		var msg domain.SendMessageWS
		if !decode(client, message, &msg) {
			return
		}
		err = h.chat.HandleSendMessage(ctx, client, &msg)

	case domain.MsgTypeTyping:
		var msg domain.TypingMessage
		if !decode(client, message, &msg) {
			return
		}
		err = h.chat.HandleTyping(ctx, client, msg.RoomID, msg.Typing)

	case domain.MsgTypeMarkRead:
		var msg domain.MarkReadMessage
		if !decode(client, message, &msg) {
			return
		}
		err = h.chat.HandleMarkRead(ctx, client, msg.RoomID)

	case domain.MsgTypeCallJoin:
		var msg domain.CallJoinMessage
		if !decode(client, message, &msg) {
			return
		}
		err = h.calls.HandleJoinCall(ctx, client, &msg)

	case domain.MsgTypeCallLeave:
		var msg domain.CallLeaveMessage
		if !decode(client, message, &msg) {
			return
		}
		err = h.calls.HandleLeaveCall(ctx, client, &msg)

	case domain.MsgTypeCallSignal:
		var msg domain.CallSignalMessage
		if !decode(client, message, &msg) {
			return
		}
		err = h.calls.HandleSignal(ctx, client, &msg)

	case domain.MsgTypeCallMedia:
		var msg domain.CallMediaMessage
		if !decode(client, message, &msg) {
			return
		}
		err = h.calls.HandleMediaState(ctx, client, &msg)

	case domain.MsgTypePing:
		client.SendMessage(map[string]string{"type": domain.MsgTypePong})

	default:
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Unknown message type"))
	}

	if err != nil {
		l := log.Ctx(ctx)
		l.Debug().Err(err).Str(log.FieldEventType, base.Type).Str(log.FieldUserID, client.Session.GetUserID()).Msg("request rejected")
	}
}

func decode(client *hub.Client, message []byte, v interface{}) bool {
	if err := json.Unmarshal(message, v); err != nil {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid message: "+err.Error()))
		return false
	}
	return true
}

func (h *WSHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", h.HandleWebSocket)
}
