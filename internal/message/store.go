package message

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/internal/idgen"
	"github.com/weiawesome/wes-io-talk/internal/room"
)

const (
	defaultMaxMessageLength = 4000
	defaultPageLimit        = 50
	maxPageLimit            = 200
)

// Store is the durable, per-room ordered message log with read tracking.
//
// Rooms exist implicitly: the first Append creates them and HasRoom reports
// true from then on. Each message gets a room-local sequence number; List
// order is sequence order, which is also timestamp order because a
// timestamp earlier than the room's latest is raised to it on append.
//
// Read state is kept as one watermark per (room, viewer): the highest
// sequence number the viewer marked read. ReadBy[v] is true exactly for the
// messages at or below v's watermark, so it can only ever grow.
//
// Callers authorize viewers and senders against the room roster; for
// direct rooms the store also rejects identities that are not part of the
// room id.
type Store interface {
	Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error)
	List(ctx context.Context, roomID string) ([]*domain.ChatMessage, error)
	// ListAfter returns up to limit messages with Seq > afterSeq and whether
	// more remain.
	ListAfter(ctx context.Context, roomID string, afterSeq int64, limit int) ([]*domain.ChatMessage, bool, error)
	// MarkRead marks every message currently in the room as read by viewerID
	// and returns how many became read. Repeated calls return 0.
	MarkRead(ctx context.Context, roomID, viewerID string) (int, error)
	UnreadCount(ctx context.Context, roomID, viewerID string) (int, error)
	// Last returns the newest message, or nil for an empty room.
	Last(ctx context.Context, roomID string) (*domain.ChatMessage, error)
	HasRoom(ctx context.Context, roomID string) (bool, error)
	// DirectRoomsFor lists the direct rooms with at least one message that
	// include participantID, most recently active first.
	DirectRoomsFor(ctx context.Context, participantID string) ([]string, error)
}

// Options configures the behavior shared by every Store implementation.
type Options struct {
	MaxMessageLength int
	IDs              idgen.Generator
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = defaultMaxMessageLength
	}
	if o.IDs == nil {
		o.IDs = idgen.NewUUIDGenerator()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// prepare validates msg and returns the copy that will be stored, with id,
// UTC timestamp and an empty ReadBy. Seq is assigned by the backend.
func (o Options) prepare(msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	if err := domain.ValidateMessage(msg, o.MaxMessageLength); err != nil {
		return nil, err
	}
	if err := checkDirectParticipant(msg.RoomID, msg.SenderID); err != nil {
		return nil, err
	}

	out := msg.Clone()
	out.Seq = 0
	out.Message = strings.TrimSpace(out.Message)
	out.ReadBy = map[string]bool{}

	id, err := o.IDs.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	out.ID = id

	if out.Timestamp.IsZero() {
		out.Timestamp = o.Now()
	}
	out.Timestamp = out.Timestamp.UTC()
	return out, nil
}

// clampTimestamp keeps timestamps non-decreasing within a room.
func clampTimestamp(ts, last time.Time) time.Time {
	if ts.Before(last) {
		return last
	}
	return ts
}

func checkDirectParticipant(roomID, userID string) error {
	if domain.IsGroupRoom(roomID) {
		return nil
	}
	a, b, ok := room.ParseDirectRoom(roomID)
	if !ok {
		return nil
	}
	if userID != a && userID != b {
		return fmt.Errorf("%w: %s in %s", domain.ErrForbidden, userID, roomID)
	}
	return nil
}

func validateViewer(roomID, viewerID string) error {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return err
	}
	if err := domain.ValidateIdentity(viewerID); err != nil {
		return fmt.Errorf("viewer: %w", err)
	}
	return checkDirectParticipant(roomID, viewerID)
}

func pageLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageLimit
	case limit > maxPageLimit:
		return maxPageLimit
	}
	return limit
}

// withReadBy fills ReadBy from the room's watermarks.
func withReadBy(msg *domain.ChatMessage, watermarks map[string]int64) *domain.ChatMessage {
	msg.ReadBy = make(map[string]bool)
	for viewer, seq := range watermarks {
		if msg.Seq <= seq {
			msg.ReadBy[viewer] = true
		}
	}
	return msg
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrUnavailable, op, err)
}
