package idgen

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategiesGenerateValidIDs(t *testing.T) {
	for _, s := range []string{StrategyUUID, StrategyULID, StrategyKSUID, StrategyNanoID, StrategyCUID2} {
		t.Run(s, func(t *testing.T) {
			g, err := New(s, Options{})
			require.NoError(t, err)

			seen := make(map[string]bool)
			for i := 0; i < 50; i++ {
				id, err := g.Generate()
				require.NoError(t, err)
				assert.NoError(t, g.Validate(id))
				assert.NotContains(t, id, "_")
				assert.False(t, seen[id], "duplicate id %s", id)
				seen[id] = true
			}
		})
	}
}

func TestUnknownStrategy(t *testing.T) {
	_, err := New("snowflake", Options{})
	assert.Error(t, err)
}

func TestULIDsSortWithinOneMillisecond(t *testing.T) {
	g := NewULIDGenerator()
	frozen := time.Now()
	g.now = func() time.Time { return frozen }

	ids := make([]string, 100)
	for i := range ids {
		id, err := g.Generate()
		require.NoError(t, err)
		ids[i] = id
	}
	assert.True(t, sort.StringsAreSorted(ids))

	ts, err := ULIDTime(ids[0])
	require.NoError(t, err)
	assert.Equal(t, frozen.UnixMilli(), ts.UnixMilli())

	assert.Error(t, g.Validate("not-a-ulid"))
}

func TestNanoIDOptions(t *testing.T) {
	_, err := New(StrategyNanoID, Options{NanoIDSize: 300})
	assert.Error(t, err)
	_, err = New(StrategyNanoID, Options{NanoIDAlphabet: "a"})
	assert.Error(t, err)

	g, err := New(StrategyNanoID, Options{NanoIDSize: 8, NanoIDAlphabet: "ab"})
	require.NoError(t, err)
	id, err := g.Generate()
	require.NoError(t, err)
	assert.Len(t, id, 8)
	assert.Empty(t, strings.Trim(id, "ab"))
	assert.Error(t, g.Validate("abc"))
}

func TestUUIDRejectsOtherVersions(t *testing.T) {
	g := NewUUIDGenerator()
	assert.Error(t, g.Validate("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
}
