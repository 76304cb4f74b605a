package handler

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-talk/internal/attachment"
	"github.com/weiawesome/wes-io-talk/internal/audit"
	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/internal/room"
	"github.com/weiawesome/wes-io-talk/internal/service"
	"github.com/weiawesome/wes-io-talk/pkg/log"
	"github.com/weiawesome/wes-io-talk/pkg/middleware"
	"github.com/weiawesome/wes-io-talk/pkg/response"
)

// Handler serves the REST API. uploader may be nil when attachments are
// disabled.
type Handler struct {
	chat           service.ChatService
	calls          service.CallService
	uploader       *attachment.Uploader
	authMiddleware *middleware.AuthMiddleware
}

func NewHandler(chat service.ChatService, calls service.CallService, uploader *attachment.Uploader, authMiddleware *middleware.AuthMiddleware) *Handler {
	return &Handler{
		chat:           chat,
		calls:          calls,
		uploader:       uploader,
		authMiddleware: authMiddleware,
	}
}

type sendMessageRequest struct {
	SenderRole domain.SenderRole `json:"senderRole"`
	Message    string            `json:"message"`
	Gif        string            `json:"gif"`
	FileURL    string            `json:"fileUrl"`
	FileType   string            `json:"fileType"`
	FileName   string            `json:"fileName"`
}

type createGroupRequest struct {
	Name    string   `json:"name" binding:"required"`
	Members []string `json:"members"`
}

// RegisterRoutes registers all routes. Every route requires a token.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.authMiddleware.RequireAuth())
	{
		rooms := api.Group("/rooms")
		{
			rooms.GET("/direct/:counterpartId", h.DirectRoom)
			rooms.GET("/:roomId/messages", h.ListMessages)
			rooms.POST("/:roomId/messages", h.SendMessage)
			rooms.POST("/:roomId/read", h.MarkRead)
			rooms.GET("/:roomId/unread", h.UnreadCount)
			rooms.GET("/:roomId/search", h.Search)
		}

		api.GET("/conversations", h.Conversations)
		api.GET("/inbox", h.Inbox)

		groups := api.Group("/groups")
		{
			groups.POST("", h.CreateGroup)
			groups.GET("", h.ListGroups)
			groups.GET("/:roomId", h.GetGroup)
		}

		api.GET("/calls/:topology/:callId", h.CallRoster)
		api.POST("/attachments", h.UploadAttachment)
	}
}

// DirectRoom resolves the caller's direct room with a counterpart.
func (h *Handler) DirectRoom(c *gin.Context) {
	roomID, err := room.ResolveDirectRoom(middleware.GetUserID(c), c.Param("counterpartId"))
	if err != nil {
		writeError(c, err, "failed to resolve room")
		return
	}
	response.OK(c, gin.H{"roomId": roomID})
}

// ListMessages returns the room's messages and marks them read for the
// caller. after and limit page through the log by sequence number.
func (h *Handler) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()

	after, err := queryInt(c, "after", 0)
	if err != nil {
		response.Fail(c, domain.ErrCodeBadRequest, "after must be an integer")
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		response.Fail(c, domain.ErrCodeBadRequest, "limit must be an integer")
		return
	}

	msgs, more, err := h.chat.ListMessages(ctx, c.Param("roomId"), middleware.GetUserID(c), int64(after), limit)
	if err != nil {
		writeError(c, err, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []*domain.ChatMessage{}
	}
	response.List(c, msgs, len(msgs), gin.H{"hasMore": more})
}

func (h *Handler) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind send message request")
		response.Fail(c, domain.ErrCodeBadRequest, err.Error())
		return
	}

	role := domain.SenderRole(middleware.GetRole(c))
	if req.SenderRole != "" && req.SenderRole != role {
		response.Fail(c, domain.ErrCodeBadRequest, "senderRole does not match the authenticated role")
		return
	}
	msg, err := h.chat.SendMessage(ctx, middleware.GetUserID(c), role, &domain.ChatMessage{
		RoomID:   c.Param("roomId"),
		Message:  req.Message,
		Gif:      req.Gif,
		FileURL:  req.FileURL,
		FileType: req.FileType,
		FileName: req.FileName,
	})
	if err != nil {
		writeError(c, err, "failed to send message")
		return
	}
	response.Created(c, msg)
}

func (h *Handler) MarkRead(c *gin.Context) {
	n, err := h.chat.MarkRead(c.Request.Context(), c.Param("roomId"), middleware.GetUserID(c))
	if err != nil {
		writeError(c, err, "failed to mark read")
		return
	}
	response.OK(c, gin.H{"marked": n})
}

func (h *Handler) UnreadCount(c *gin.Context) {
	n, err := h.chat.UnreadCount(c.Request.Context(), c.Param("roomId"), middleware.GetUserID(c))
	if err != nil {
		writeError(c, err, "failed to count unread messages")
		return
	}
	response.OK(c, gin.H{"unreadCount": n})
}

func (h *Handler) Search(c *gin.Context) {
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		response.Fail(c, domain.ErrCodeBadRequest, "offset must be an integer")
		return
	}
	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		response.Fail(c, domain.ErrCodeBadRequest, "limit must be an integer")
		return
	}

	hits, total, err := h.chat.Search(c.Request.Context(), c.Param("roomId"), middleware.GetUserID(c), c.Query("q"), offset, limit)
	if err != nil {
		writeError(c, err, "failed to search messages")
		return
	}
	response.List(c, hits, len(hits), gin.H{"total": total})
}

// Conversations summarizes the caller's direct rooms with the comma
// separated counterparts.
func (h *Handler) Conversations(c *gin.Context) {
	var counterparts []string
	for _, id := range strings.Split(c.Query("counterparts"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			counterparts = append(counterparts, id)
		}
	}

	summaries, err := h.chat.Conversations(c.Request.Context(), middleware.GetUserID(c), counterparts)
	if err != nil {
		writeError(c, err, "failed to summarize conversations")
		return
	}
	response.List(c, nonNil(summaries), len(summaries))
}

func (h *Handler) Inbox(c *gin.Context) {
	summaries, err := h.chat.Inbox(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		writeError(c, err, "failed to load inbox")
		return
	}
	response.List(c, nonNil(summaries), len(summaries))
}

func (h *Handler) CreateGroup(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind create group request")
		response.Fail(c, domain.ErrCodeBadRequest, err.Error())
		return
	}

	group, err := h.chat.CreateGroup(ctx, req.Name, middleware.GetUserID(c), req.Members)
	if err != nil {
		writeError(c, err, "failed to create group")
		return
	}
	response.Created(c, group)
}

func (h *Handler) ListGroups(c *gin.Context) {
	groups, err := h.chat.Groups(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		writeError(c, err, "failed to list groups")
		return
	}
	if groups == nil {
		groups = []*domain.GroupRoom{}
	}
	response.List(c, groups, len(groups))
}

func (h *Handler) GetGroup(c *gin.Context) {
	group, err := h.chat.GroupRoom(c.Request.Context(), c.Param("roomId"), middleware.GetUserID(c))
	if err != nil {
		writeError(c, err, "failed to get group")
		return
	}
	response.OK(c, group)
}

func (h *Handler) CallRoster(c *gin.Context) {
	session, err := h.calls.Roster(c.Request.Context(), middleware.GetUserID(c), domain.Topology(c.Param("topology")), c.Param("callId"))
	if err != nil {
		writeError(c, err, "failed to load call")
		return
	}
	response.OK(c, session)
}

// UploadAttachment stores the multipart "file" field and returns the
// triple to put on a message.
func (h *Handler) UploadAttachment(c *gin.Context) {
	ctx := c.Request.Context()

	if h.uploader == nil {
		response.Fail(c, domain.ErrCodeNotFound, "attachments are disabled")
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		response.Fail(c, domain.ErrCodeBadRequest, "file is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.Fail(c, domain.ErrCodeBadRequest, "unreadable file")
		return
	}
	defer f.Close()

	att, err := h.uploader.Upload(ctx, middleware.GetUserID(c), fh.Filename, fh.Header.Get("Content-Type"), f, fh.Size)
	if err != nil {
		if errors.Is(err, attachment.ErrTooLarge) {
			response.Fail(c, domain.ErrCodeTooLarge, err.Error())
			return
		}
		writeError(c, err, "failed to upload attachment")
		return
	}
	audit.Log(ctx, audit.ActionUpload, middleware.GetUserID(c), "attachment uploaded: "+att.Name)
	response.Created(c, att)
}

// writeError reports err under its client-facing code. Internal and
// transient failures expose only msg.
func writeError(c *gin.Context, err error, msg string) {
	switch code := domain.ErrorCode(err); code {
	case domain.ErrCodeInternalError:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg(msg)
		response.Fail(c, code, msg)
	case domain.ErrCodeUnavailable:
		response.Fail(c, code, msg)
	default:
		response.Fail(c, code, err.Error())
	}
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func nonNil(s []domain.ConversationSummary) []domain.ConversationSummary {
	if s == nil {
		return []domain.ConversationSummary{}
	}
	return s
}
