package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/pkg/database"
	"github.com/weiawesome/wes-io-talk/pkg/log"
)

// GroupRoomModel is the GORM model for the group_rooms table.
type GroupRoomModel struct {
	ID        string               `gorm:"type:varchar(64);primaryKey"`
	Name      string               `gorm:"type:varchar(200);not null"`
	CreatorID string               `gorm:"type:varchar(128);index;not null"`
	Members   database.StringList `gorm:"type:text"`
	CreatedAt time.Time            `gorm:"index"`
}

// TableName specifies the table name for GroupRoomModel.
func (GroupRoomModel) TableName() string {
	return "group_rooms"
}

// ToDomain converts GroupRoomModel to a domain GroupRoom.
func (m *GroupRoomModel) ToDomain() *domain.GroupRoom {
	return &domain.GroupRoom{
		ID:        m.ID,
		Name:      m.Name,
		CreatorID: m.CreatorID,
		Members:   []string(m.Members),
		CreatedAt: m.CreatedAt.UTC(),
	}
}

// GroupRoomToModel converts a domain GroupRoom to GroupRoomModel.
func GroupRoomToModel(g *domain.GroupRoom) *GroupRoomModel {
	return &GroupRoomModel{
		ID:        g.ID,
		Name:      g.Name,
		CreatorID: g.CreatorID,
		Members:   database.StringList(g.Members),
		CreatedAt: g.CreatedAt,
	}
}

// GormRosterRepository implements RosterRepository using GORM.
type GormRosterRepository struct {
	db *gorm.DB
}

// NewGormRosterRepository creates a new GORM-based roster repository.
func NewGormRosterRepository(db *gorm.DB) *GormRosterRepository {
	return &GormRosterRepository{db: db}
}

// Migrate creates the group_rooms table.
func (r *GormRosterRepository) Migrate() error {
	return database.AutoMigrate(r.db, &GroupRoomModel{})
}

func (r *GormRosterRepository) Create(ctx context.Context, group *domain.GroupRoom) error {
	l := log.Ctx(ctx)

	if err := r.db.WithContext(ctx).Create(GroupRoomToModel(group)).Error; err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, group.ID).Msg("failed to create group room in db")
		return fmt.Errorf("%w: create group room: %v", domain.ErrUnavailable, err)
	}
	l.Debug().Str(log.FieldRoomID, group.ID).Msg("group room created in db")
	return nil
}

func (r *GormRosterRepository) Get(ctx context.Context, roomID string) (*domain.GroupRoom, error) {
	var model GroupRoomModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", roomID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		l := log.Ctx(ctx)
		l.Error().Err(result.Error).Str(log.FieldRoomID, roomID).Msg("failed to get group room")
		return nil, fmt.Errorf("%w: get group room: %v", domain.ErrUnavailable, result.Error)
	}
	return model.ToDomain(), nil
}

// ListByMember matches the JSON encoding StringList writes, so the same
// query works on every supported driver.
func (r *GormRosterRepository) ListByMember(ctx context.Context, userID string) ([]*domain.GroupRoom, error) {
	var models []GroupRoomModel
	pattern := `%"` + userID + `"%`
	result := r.db.WithContext(ctx).
		Where("members LIKE ?", pattern).
		Order("created_at DESC").
		Find(&models)
	if result.Error != nil {
		l := log.Ctx(ctx)
		l.Error().Err(result.Error).Str(log.FieldUserID, userID).Msg("failed to list group rooms")
		return nil, fmt.Errorf("%w: list group rooms: %v", domain.ErrUnavailable, result.Error)
	}

	out := make([]*domain.GroupRoom, 0, len(models))
	for i := range models {
		g := models[i].ToDomain()
		if g.HasMember(userID) {
			out = append(out, g)
		}
	}
	return out, nil
}
