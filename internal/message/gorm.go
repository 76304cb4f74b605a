package message

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/internal/room"
	"github.com/weiawesome/wes-io-talk/pkg/database"
	"github.com/weiawesome/wes-io-talk/pkg/log"
)

// ChatRoomModel holds a room's sequence counter. Direct rooms also record
// their two participants so rooms can be listed per participant.
type ChatRoomModel struct {
	RoomID        string    `gorm:"type:varchar(256);primaryKey"`
	LastSeq       int64     `gorm:"not null;default:0"`
	LastTimestamp time.Time `gorm:"index"`
	ParticipantA  string    `gorm:"type:varchar(128);index"`
	ParticipantB  string    `gorm:"type:varchar(128);index"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (ChatRoomModel) TableName() string {
	return "chat_rooms"
}

// ChatMessageModel is one stored message.
type ChatMessageModel struct {
	ID         string    `gorm:"type:varchar(64);primaryKey"`
	RoomID     string    `gorm:"type:varchar(256);not null;uniqueIndex:idx_room_seq,priority:1"`
	Seq        int64     `gorm:"not null;uniqueIndex:idx_room_seq,priority:2"`
	SenderID   string    `gorm:"type:varchar(128);not null"`
	SenderRole string    `gorm:"type:varchar(16);not null"`
	Message    string    `gorm:"type:text"`
	Gif        string    `gorm:"type:text"`
	FileURL    string    `gorm:"type:text"`
	FileType   string    `gorm:"type:varchar(128)"`
	FileName   string    `gorm:"type:varchar(256)"`
	Timestamp  time.Time `gorm:"not null"`
}

func (ChatMessageModel) TableName() string {
	return "chat_messages"
}

// ReadWatermarkModel is the highest sequence number a viewer has read.
type ReadWatermarkModel struct {
	RoomID   string `gorm:"type:varchar(256);primaryKey"`
	ViewerID string `gorm:"type:varchar(128);primaryKey"`
	ReadSeq  int64  `gorm:"not null;default:0"`
}

func (ReadWatermarkModel) TableName() string {
	return "chat_read_watermarks"
}

func (m *ChatMessageModel) toDomain() *domain.ChatMessage {
	return &domain.ChatMessage{
		ID:         m.ID,
		RoomID:     m.RoomID,
		Seq:        m.Seq,
		SenderID:   m.SenderID,
		SenderRole: domain.SenderRole(m.SenderRole),
		Message:    m.Message,
		Gif:        m.Gif,
		FileURL:    m.FileURL,
		FileType:   m.FileType,
		FileName:   m.FileName,
		Timestamp:  m.Timestamp.UTC(),
	}
}

func messageToModel(msg *domain.ChatMessage) *ChatMessageModel {
	return &ChatMessageModel{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		Seq:        msg.Seq,
		SenderID:   msg.SenderID,
		SenderRole: string(msg.SenderRole),
		Message:    msg.Message,
		Gif:        msg.Gif,
		FileURL:    msg.FileURL,
		FileType:   msg.FileType,
		FileName:   msg.FileName,
		Timestamp:  msg.Timestamp,
	}
}

// GormStore implements Store on any GORM dialect.
type GormStore struct {
	db   *gorm.DB
	opts Options
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a store over db.
func NewGormStore(db *gorm.DB, opts Options) *GormStore {
	return &GormStore{db: db, opts: opts.withDefaults()}
}

// Migrate creates the store's tables.
func (s *GormStore) Migrate() error {
	return database.AutoMigrate(s.db, &ChatRoomModel{}, &ChatMessageModel{}, &ReadWatermarkModel{})
}

func (s *GormStore) Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	l := log.Ctx(ctx)

	stored, err := s.opts.prepare(msg)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := &ChatRoomModel{RoomID: stored.RoomID, LastTimestamp: stored.Timestamp}
		if a, b, ok := room.ParseDirectRoom(stored.RoomID); ok {
			seed.ParticipantA, seed.ParticipantB = a, b
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
			return err
		}

		// The increment takes the row lock that serializes appends per room.
		if err := tx.Model(&ChatRoomModel{}).
			Where("room_id = ?", stored.RoomID).
			UpdateColumn("last_seq", gorm.Expr("last_seq + 1")).Error; err != nil {
			return err
		}

		var state ChatRoomModel
		if err := tx.First(&state, "room_id = ?", stored.RoomID).Error; err != nil {
			return err
		}
		stored.Seq = state.LastSeq
		if state.LastSeq > 1 {
			stored.Timestamp = clampTimestamp(stored.Timestamp, state.LastTimestamp.UTC())
		}

		if err := tx.Model(&ChatRoomModel{}).
			Where("room_id = ?", stored.RoomID).
			UpdateColumn("last_timestamp", stored.Timestamp).Error; err != nil {
			return err
		}
		return tx.Create(messageToModel(stored)).Error
	})
	if err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, stored.RoomID).Msg("failed to append message")
		return nil, unavailable("append", err)
	}

	watermarks, err := s.watermarks(ctx, stored.RoomID)
	if err != nil {
		return nil, err
	}
	return withReadBy(stored, watermarks), nil
}

func (s *GormStore) List(ctx context.Context, roomID string) ([]*domain.ChatMessage, error) {
	msgs, _, err := s.list(ctx, roomID, 0, -1)
	return msgs, err
}

func (s *GormStore) ListAfter(ctx context.Context, roomID string, afterSeq int64, limit int) ([]*domain.ChatMessage, bool, error) {
	return s.list(ctx, roomID, afterSeq, pageLimit(limit))
}

func (s *GormStore) list(ctx context.Context, roomID string, afterSeq int64, limit int) ([]*domain.ChatMessage, bool, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return nil, false, err
	}

	query := s.db.WithContext(ctx).
		Where("room_id = ? AND seq > ?", roomID, afterSeq).
		Order("seq ASC")
	if limit >= 0 {
		// Query limit + 1 to determine if there are more results
		query = query.Limit(limit + 1)
	}

	var models []ChatMessageModel
	if err := query.Find(&models).Error; err != nil {
		return nil, false, unavailable("list", err)
	}

	hasMore := limit >= 0 && len(models) > limit
	if hasMore {
		models = models[:limit]
	}

	watermarks, err := s.watermarks(ctx, roomID)
	if err != nil {
		return nil, false, err
	}

	out := make([]*domain.ChatMessage, 0, len(models))
	for i := range models {
		out = append(out, withReadBy(models[i].toDomain(), watermarks))
	}
	return out, hasMore, nil
}

// MarkRead moves the watermark with a compare-and-set so concurrent calls
// for the same viewer count each message once.
func (s *GormStore) MarkRead(ctx context.Context, roomID, viewerID string) (int, error) {
	if err := validateViewer(roomID, viewerID); err != nil {
		return 0, err
	}

	var marked int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state ChatRoomModel
		if err := tx.First(&state, "room_id = ?", roomID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		wm := ReadWatermarkModel{RoomID: roomID, ViewerID: viewerID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&wm).Error; err != nil {
			return err
		}
		if err := tx.First(&wm, "room_id = ? AND viewer_id = ?", roomID, viewerID).Error; err != nil {
			return err
		}
		if state.LastSeq <= wm.ReadSeq {
			return nil
		}

		res := tx.Model(&ReadWatermarkModel{}).
			Where("room_id = ? AND viewer_id = ? AND read_seq = ?", roomID, viewerID, wm.ReadSeq).
			UpdateColumn("read_seq", state.LastSeq)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			marked = state.LastSeq - wm.ReadSeq
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("mark read", err)
	}
	return int(marked), nil
}

// UnreadCount only scans messages above the viewer's watermark.
func (s *GormStore) UnreadCount(ctx context.Context, roomID, viewerID string) (int, error) {
	if err := validateViewer(roomID, viewerID); err != nil {
		return 0, err
	}

	var wm ReadWatermarkModel
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND viewer_id = ?", roomID, viewerID).
		Limit(1).Find(&wm).Error
	if err != nil {
		return 0, unavailable("unread count", err)
	}

	var count int64
	err = s.db.WithContext(ctx).Model(&ChatMessageModel{}).
		Where("room_id = ? AND seq > ? AND sender_id <> ?", roomID, wm.ReadSeq, viewerID).
		Count(&count).Error
	if err != nil {
		return 0, unavailable("unread count", err)
	}
	return int(count), nil
}

func (s *GormStore) Last(ctx context.Context, roomID string) (*domain.ChatMessage, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return nil, err
	}

	var models []ChatMessageModel
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("seq DESC").Limit(1).
		Find(&models).Error; err != nil {
		return nil, unavailable("last", err)
	}
	if len(models) == 0 {
		return nil, nil
	}

	watermarks, err := s.watermarks(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return withReadBy(models[0].toDomain(), watermarks), nil
}

func (s *GormStore) HasRoom(ctx context.Context, roomID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ChatRoomModel{}).
		Where("room_id = ?", roomID).Count(&count).Error; err != nil {
		return false, unavailable("has room", err)
	}
	return count > 0, nil
}

func (s *GormStore) DirectRoomsFor(ctx context.Context, participantID string) ([]string, error) {
	var rooms []ChatRoomModel
	if err := s.db.WithContext(ctx).
		Where("participant_a = ? OR participant_b = ?", participantID, participantID).
		Order("last_timestamp DESC").Order("room_id ASC").
		Find(&rooms).Error; err != nil {
		return nil, unavailable("direct rooms", err)
	}

	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.RoomID)
	}
	return ids, nil
}

func (s *GormStore) watermarks(ctx context.Context, roomID string) (map[string]int64, error) {
	var rows []ReadWatermarkModel
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Find(&rows).Error; err != nil {
		return nil, unavailable("read watermarks", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.ViewerID] = r.ReadSeq
	}
	return out, nil
}
