package room

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/pkg/database"
)

func newGormRepo(t *testing.T) *GormRosterRepository {
	t.Helper()
	db, err := database.New(&database.Config{Driver: "sqlite", FilePath: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	repo := NewGormRosterRepository(db)
	require.NoError(t, repo.Migrate())
	return repo
}

func sampleGroup(id string, created time.Time, members ...string) *domain.GroupRoom {
	return &domain.GroupRoom{ID: id, Name: "Team", CreatorID: members[0], Members: members, CreatedAt: created}
}

func TestRosterRepositories(t *testing.T) {
	repos := map[string]RosterRepository{
		"memory": NewMemoryRosterRepository(),
		"gorm":   newGormRepo(t),
	}

	for name, repo := range repos {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			require.NoError(t, repo.Create(ctx, sampleGroup("group_A", now, "c1", "m1")))
			require.NoError(t, repo.Create(ctx, sampleGroup("group_B", now.Add(time.Minute), "c2", "m1", "m10")))

			g, err := repo.Get(ctx, "group_A")
			require.NoError(t, err)
			assert.Equal(t, []string{"c1", "m1"}, g.Members)

			_, err = repo.Get(ctx, "group_X")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			groups, err := repo.ListByMember(ctx, "m1")
			require.NoError(t, err)
			require.Len(t, groups, 2)
			assert.Equal(t, "group_B", groups[0].ID)

			// "m1" must not match "m10" by prefix.
			groups, err = repo.ListByMember(ctx, "m10")
			require.NoError(t, err)
			require.Len(t, groups, 1)
			assert.Equal(t, "group_B", groups[0].ID)
		})
	}
}

func TestCachedRosterRepository(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backing := NewMemoryRosterRepository()
	repo := NewCachedRosterRepository(backing, client, "test:roster", time.Minute)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, sampleGroup("group_C", time.Now().UTC(), "c1", "m1")))
	assert.True(t, mr.Exists("test:roster:id:group_C"))

	mr.Del("test:roster:id:group_C")
	g, err := repo.Get(ctx, "group_C")
	require.NoError(t, err)
	assert.Equal(t, "c1", g.CreatorID)
	assert.True(t, mr.Exists("test:roster:id:group_C"))

	// Cache outage falls back to the backing repository.
	mr.Close()
	g, err = repo.Get(ctx, "group_C")
	require.NoError(t, err)
	assert.Equal(t, "group_C", g.ID)
}
