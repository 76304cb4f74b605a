package room

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/internal/idgen"
	"github.com/weiawesome/wes-io-talk/pkg/log"
)

const maxGroupNameLength = 100

// ResolveDirectRoom returns the room id shared by two participants. It is a
// pure function: argument order does not matter.
func ResolveDirectRoom(a, b string) (string, error) {
	if err := domain.ValidateIdentity(a); err != nil {
		return "", err
	}
	if err := domain.ValidateIdentity(b); err != nil {
		return "", err
	}
	if a == b {
		return "", fmt.Errorf("%w: direct room needs two distinct participants", domain.ErrValidation)
	}
	if b < a {
		a, b = b, a
	}
	return a + domain.DirectRoomSeparator + b, nil
}

// ParseDirectRoom is the inverse of ResolveDirectRoom.
func ParseDirectRoom(roomID string) (a, b string, ok bool) {
	if domain.IsGroupRoom(roomID) {
		return "", "", false
	}
	a, b, found := strings.Cut(roomID, domain.DirectRoomSeparator)
	if !found || a >= b {
		return "", "", false
	}
	if domain.ValidateIdentity(a) != nil || domain.ValidateIdentity(b) != nil {
		return "", "", false
	}
	return a, b, true
}

// Counterpart returns the other participant of a direct room.
func Counterpart(roomID, userID string) (string, bool) {
	a, b, ok := ParseDirectRoom(roomID)
	switch {
	case !ok:
		return "", false
	case a == userID:
		return b, true
	case b == userID:
		return a, true
	}
	return "", false
}

// Seeder appends the system message announcing a new group.
type Seeder interface {
	Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error)
}

// Resolver addresses rooms and answers who belongs to them.
type Resolver struct {
	rosters RosterRepository
	seeder  Seeder
	ids     idgen.Generator
	now     func() time.Time
}

// NewResolver creates a resolver. seeder may be nil.
func NewResolver(rosters RosterRepository, seeder Seeder) *Resolver {
	return &Resolver{
		rosters: rosters,
		seeder:  seeder,
		ids:     idgen.NewULIDGenerator(),
		now:     time.Now,
	}
}

// CreateGroupRoom mints a fresh room for creator plus members. Identical
// arguments always produce a new room.
func (r *Resolver) CreateGroupRoom(ctx context.Context, name, creatorID string, memberIDs []string) (*domain.GroupRoom, error) {
	l := log.Ctx(ctx)

	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > maxGroupNameLength {
		return nil, fmt.Errorf("%w: group name must be 1-%d characters", domain.ErrValidation, maxGroupNameLength)
	}
	if err := domain.ValidateIdentity(creatorID); err != nil {
		return nil, fmt.Errorf("creator: %w", err)
	}

	members := []string{creatorID}
	seen := map[string]bool{creatorID: true}
	for _, m := range memberIDs {
		if err := domain.ValidateIdentity(m); err != nil {
			return nil, fmt.Errorf("member: %w", err)
		}
		if !seen[m] {
			seen[m] = true
			members = append(members, m)
		}
	}

	token, err := r.ids.Generate()
	if err != nil {
		return nil, err
	}

	group := &domain.GroupRoom{
		ID:        domain.GroupRoomPrefix + token,
		Name:      name,
		CreatorID: creatorID,
		Members:   members,
		CreatedAt: r.now().UTC(),
	}
	if err := r.rosters.Create(ctx, group); err != nil {
		return nil, err
	}

	if r.seeder != nil {
		_, err := r.seeder.Append(ctx, &domain.ChatMessage{
			RoomID:     group.ID,
			SenderID:   creatorID,
			SenderRole: domain.RoleSystem,
			Message:    fmt.Sprintf("Group %q created", name),
			Timestamp:  group.CreatedAt,
		})
		if err != nil {
			l.Warn().Err(err).Str(log.FieldRoomID, group.ID).Msg("failed to seed group system message")
		}
	}

	l.Info().Str(log.FieldRoomID, group.ID).Int("members", len(members)).Msg("group room created")
	return group, nil
}

// Participants lists the participants of a room in sorted order.
func (r *Resolver) Participants(ctx context.Context, roomID string) ([]string, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	if a, b, ok := ParseDirectRoom(roomID); ok {
		return []string{a, b}, nil
	}
	if !domain.IsGroupRoom(roomID) {
		return nil, fmt.Errorf("%w: unknown room id format %q", domain.ErrValidation, roomID)
	}

	group, err := r.rosters.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := append([]string(nil), group.Members...)
	sort.Strings(out)
	return out, nil
}

// Authorize fails with domain.ErrForbidden unless userID belongs to roomID.
func (r *Resolver) Authorize(ctx context.Context, roomID, userID string) error {
	if a, b, ok := ParseDirectRoom(roomID); ok {
		if userID == a || userID == b {
			return nil
		}
		return fmt.Errorf("%w: %s in %s", domain.ErrForbidden, userID, roomID)
	}

	participants, err := r.Participants(ctx, roomID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if p == userID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in %s", domain.ErrForbidden, userID, roomID)
}

// GroupRoom returns a group room's descriptor.
func (r *Resolver) GroupRoom(ctx context.Context, roomID string) (*domain.GroupRoom, error) {
	if !domain.IsGroupRoom(roomID) {
		return nil, fmt.Errorf("%w: %q is not a group room", domain.ErrValidation, roomID)
	}
	return r.rosters.Get(ctx, roomID)
}

// GroupRoomsFor lists the groups userID belongs to, newest first.
func (r *Resolver) GroupRoomsFor(ctx context.Context, userID string) ([]*domain.GroupRoom, error) {
	if err := domain.ValidateIdentity(userID); err != nil {
		return nil, err
	}
	return r.rosters.ListByMember(ctx, userID)
}
