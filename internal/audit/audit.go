// Package audit records who did what to which room. Entries go through the
// request logger tagged log_type=audit so they can be routed separately.
package audit

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/pkg/log"
)

const (
	ActionAuth        = "session.auth"
	ActionJoinRoom    = "room.join"
	ActionLeaveRoom   = "room.leave"
	ActionSendMessage = "message.send"
	ActionMarkRead    = "message.read"
	ActionCreateGroup = "group.create"
	ActionJoinCall    = "call.join"
	ActionLeaveCall   = "call.leave"
	ActionUpload      = "attachment.upload"
)

const (
	FieldAction  = "action"
	FieldOutcome = "outcome"

	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
)

func entry(ev *zerolog.Event, action, userID, roomID, outcome string) *zerolog.Event {
	ev = ev.Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(FieldOutcome, outcome).
		Str(log.FieldUserID, userID)
	if roomID != "" {
		ev = ev.Str(log.FieldRoomID, roomID)
	}
	return ev
}

// Log records a successful action that is not tied to a room.
func Log(ctx context.Context, action, userID, msg string) {
	LogRoom(ctx, action, userID, "", msg)
}

// LogRoom records a successful action on a room or call.
func LogRoom(ctx context.Context, action, userID, roomID, msg string) {
	l := log.Ctx(ctx)
	entry(l.Info(), action, userID, roomID, OutcomeOK).Msg(msg)
}

// Denied records a refused action. Only authorization failures are audited;
// anything else is an ordinary error and is left to the caller's log.
func Denied(ctx context.Context, action, userID, roomID string, err error) {
	if !errors.Is(err, domain.ErrForbidden) && !errors.Is(err, domain.ErrUnauthorized) {
		return
	}
	l := log.Ctx(ctx)
	entry(l.Warn(), action, userID, roomID, OutcomeDenied).Err(err).Msg("access denied")
}
