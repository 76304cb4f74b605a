package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

type rosterRow struct {
	ID      string `gorm:"primaryKey"`
	Members StringList
}

func TestSQLiteStringListRoundTrip(t *testing.T) {
	db, err := New(&Config{Driver: "sqlite", FilePath: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db, &rosterRow{}))

	require.NoError(t, db.Create(&rosterRow{ID: "g1", Members: StringList{"a", "b"}}).Error)

	var got rosterRow
	require.NoError(t, db.First(&got, "id = ?", "g1").Error)
	assert.Equal(t, StringList{"a", "b"}, got.Members)
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(&Config{Driver: "oracle"})
	assert.Error(t, err)
}

func TestStringListScan(t *testing.T) {
	var l StringList
	require.NoError(t, l.Scan(`["u1","u,2"]`))
	assert.Equal(t, StringList{"u1", "u,2"}, l)

	require.NoError(t, l.Scan([]byte("")))
	assert.Empty(t, l)

	require.NoError(t, l.Scan(nil))
	assert.Nil(t, l)

	assert.Error(t, l.Scan(42))
	assert.Error(t, l.Scan("{u1,u2}"))
}

func TestStringListValueNeverNull(t *testing.T) {
	v, err := StringList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logger.Warn, parseLevel("warn"))
	assert.Equal(t, logger.Silent, parseLevel(""))
}
