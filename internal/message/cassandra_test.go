package message

import (
	"testing"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
)

func TestParseConsistency(t *testing.T) {
	cases := map[string]gocql.Consistency{
		"one":          gocql.One,
		"QUORUM":       gocql.Quorum,
		"local_one":    gocql.LocalOne,
		"LOCAL_QUORUM": gocql.LocalQuorum,
		"":             gocql.LocalQuorum,
		"bogus":        gocql.LocalQuorum,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseConsistency(in), in)
	}
}

func TestSerialReadUsesLocalSerial(t *testing.T) {
	assert.Equal(t, uint16(gocql.LocalSerial), uint16(serialRead))
	assert.Equal(t, "LOCAL_SERIAL", gocql.SerialConsistency(serialRead).String())
}

func TestMarkReadBoundIsStoredRows(t *testing.T) {
	assert.Contains(t, newestStoredSeq, "FROM messages_by_room")
	assert.NotContains(t, newestStoredSeq, "room_state")
	assert.Contains(t, newestStoredSeq, "ORDER BY seq DESC LIMIT 1")
}
