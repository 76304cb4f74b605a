package room

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-talk/internal/domain"
)

type MockSeeder struct {
	mock.Mock
}

func (m *MockSeeder) Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ChatMessage), args.Error(1)
}

func TestResolveDirectRoomIsSymmetric(t *testing.T) {
	pairs := [][2]string{{"u1", "u2"}, {"zed", "amy"}, {"64b7f0c2a1e4b5d6c7e8f901", "64b7f0c2a1e4b5d6c7e8f900"}}
	for _, p := range pairs {
		ab, err := ResolveDirectRoom(p[0], p[1])
		require.NoError(t, err)
		ba, err := ResolveDirectRoom(p[1], p[0])
		require.NoError(t, err)
		assert.Equal(t, ab, ba)
	}

	id, err := ResolveDirectRoom("u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "u1_u2", id)
}

func TestResolveDirectRoomRejects(t *testing.T) {
	for _, p := range [][2]string{{"", "u2"}, {"u1", "u1"}, {"u_1", "u2"}, {"group", "u2"}} {
		_, err := ResolveDirectRoom(p[0], p[1])
		assert.ErrorIs(t, err, domain.ErrValidation, p)
	}
}

func TestParseDirectRoomAndCounterpart(t *testing.T) {
	a, b, ok := ParseDirectRoom("u1_u2")
	require.True(t, ok)
	assert.Equal(t, "u1", a)
	assert.Equal(t, "u2", b)

	_, _, ok = ParseDirectRoom("u2_u1")
	assert.False(t, ok, "unsorted ids are never produced by the resolver")
	_, _, ok = ParseDirectRoom("group_01HZ")
	assert.False(t, ok)

	c, ok := Counterpart("u1_u2", "u2")
	assert.True(t, ok)
	assert.Equal(t, "u1", c)
	_, ok = Counterpart("u1_u2", "u3")
	assert.False(t, ok)
}

func TestCreateGroupRoomSeedsSystemMessage(t *testing.T) {
	ctx := context.Background()
	seeder := new(MockSeeder)
	seeder.On("Append", mock.Anything, mock.MatchedBy(func(m *domain.ChatMessage) bool {
		return m.SenderRole == domain.RoleSystem && m.SenderID == "creator1" && m.Message == `Group "Team A" created`
	})).Return(&domain.ChatMessage{}, nil).Twice()

	r := NewResolver(NewMemoryRosterRepository(), seeder)

	g1, err := r.CreateGroupRoom(ctx, "Team A", "creator1", []string{"m1", "m2", "m1", "creator1"})
	require.NoError(t, err)
	g2, err := r.CreateGroupRoom(ctx, "Team A", "creator1", []string{"m1", "m2"})
	require.NoError(t, err)

	assert.NotEqual(t, g1.ID, g2.ID)
	assert.True(t, domain.IsGroupRoom(g1.ID))
	assert.Equal(t, []string{"creator1", "m1", "m2"}, g1.Members)
	seeder.AssertExpectations(t)

	participants, err := r.Participants(ctx, g1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"creator1", "m1", "m2"}, participants)

	assert.NoError(t, r.Authorize(ctx, g1.ID, "m2"))
	assert.ErrorIs(t, r.Authorize(ctx, g1.ID, "stranger"), domain.ErrForbidden)

	groups, err := r.GroupRoomsFor(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, groups, 2)
}

func TestCreateGroupRoomSurvivesSeedFailure(t *testing.T) {
	seeder := new(MockSeeder)
	seeder.On("Append", mock.Anything, mock.Anything).Return(nil, errors.New("store down"))

	r := NewResolver(NewMemoryRosterRepository(), seeder)
	g, err := r.CreateGroupRoom(context.Background(), "Panel", "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, g.Members)
}

func TestCreateGroupRoomValidation(t *testing.T) {
	r := NewResolver(NewMemoryRosterRepository(), nil)
	ctx := context.Background()

	_, err := r.CreateGroupRoom(ctx, "  ", "c1", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = r.CreateGroupRoom(ctx, "ok", "", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = r.CreateGroupRoom(ctx, "ok", "c1", []string{"bad id"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAuthorizeDirectAndUnknown(t *testing.T) {
	r := NewResolver(NewMemoryRosterRepository(), nil)
	ctx := context.Background()

	assert.NoError(t, r.Authorize(ctx, "u1_u2", "u1"))
	assert.ErrorIs(t, r.Authorize(ctx, "u1_u2", "u3"), domain.ErrForbidden)
	assert.ErrorIs(t, r.Authorize(ctx, "group_NOPE", "u1"), domain.ErrNotFound)
	assert.ErrorIs(t, r.Authorize(ctx, "lobby", "u1"), domain.ErrValidation)
}
