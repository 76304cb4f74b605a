package message

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/internal/room"
	"github.com/weiawesome/wes-io-talk/pkg/log"
)

// CassandraSchema creates the tables CassandraStore reads and writes. The
// keyspace must already exist.
const CassandraSchema = `
CREATE TABLE IF NOT EXISTS room_state (
	room_id  text PRIMARY KEY,
	last_seq bigint,
	last_ts  timestamp
);
CREATE TABLE IF NOT EXISTS messages_by_room (
	room_id     text,
	seq         bigint,
	message_id  text,
	sender_id   text,
	sender_role text,
	message     text,
	gif         text,
	file_url    text,
	file_type   text,
	file_name   text,
	created_at  timestamp,
	PRIMARY KEY ((room_id), seq)
) WITH CLUSTERING ORDER BY (seq ASC);
CREATE TABLE IF NOT EXISTS read_watermarks (
	room_id   text,
	viewer_id text,
	read_seq  bigint,
	PRIMARY KEY ((room_id), viewer_id)
);
CREATE TABLE IF NOT EXISTS rooms_by_participant (
	participant_id text,
	room_id        text,
	last_ts        timestamp,
	PRIMARY KEY ((participant_id), room_id)
);
`

// maxSeqAttempts bounds the compare-and-set loop on room_state.
const maxSeqAttempts = 16

// serialRead reads the committed state of rows written through lightweight
// transactions.
const serialRead = gocql.Consistency(gocql.LocalSerial)

// newestStoredSeq bounds MarkRead. room_state.last_seq may name a sequence
// whose row is not written yet.
const newestStoredSeq = `SELECT seq FROM messages_by_room WHERE room_id = ? ORDER BY seq DESC LIMIT 1`

var errSeqContention = errors.New("sequence contention")

// CassandraConfig holds Cassandra connection settings.
type CassandraConfig struct {
	Hosts           []string      `mapstructure:"hosts"`
	Keyspace        string        `mapstructure:"keyspace"`
	Consistency     string        `mapstructure:"consistency"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	Timeout         time.Duration `mapstructure:"timeout"`
	NumConns        int           `mapstructure:"num_conns"`
	MaxPreparedStmt int           `mapstructure:"max_prepared_stmt"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
}

// NewCassandraSession connects to the cluster described by cfg.
func NewCassandraSession(cfg CassandraConfig) (*gocql.Session, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.SerialConsistency = gocql.LocalSerial
	if cfg.ConnectTimeout > 0 {
		cluster.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	if cfg.NumConns > 0 {
		cluster.NumConns = cfg.NumConns
	}
	if cfg.MaxPreparedStmt > 0 {
		cluster.MaxPreparedStmts = cfg.MaxPreparedStmt
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}
	return session, nil
}

// ApplyCassandraSchema runs every statement of CassandraSchema.
func ApplyCassandraSchema(ctx context.Context, session *gocql.Session) error {
	for _, stmt := range strings.Split(CassandraSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(s) {
	case "ANY":
		return gocql.Any
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "THREE":
		return gocql.Three
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "EACH_QUORUM":
		return gocql.EachQuorum
	case "LOCAL_ONE":
		return gocql.LocalOne
	default:
		return gocql.LocalQuorum
	}
}

// CassandraStore implements Store on Cassandra. Sequence numbers and read
// watermarks advance through lightweight transactions.
type CassandraStore struct {
	session *gocql.Session
	opts    Options
}

var _ Store = (*CassandraStore)(nil)

func NewCassandraStore(session *gocql.Session, opts Options) *CassandraStore {
	return &CassandraStore{session: session, opts: opts.withDefaults()}
}

func (s *CassandraStore) Close() {
	if s.session != nil {
		s.session.Close()
	}
}

func (s *CassandraStore) Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	l := log.Ctx(ctx)

	stored, err := s.opts.prepare(msg)
	if err != nil {
		return nil, err
	}

	seq, ts, err := s.nextSeq(ctx, stored.RoomID, stored.Timestamp)
	if err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, stored.RoomID).Msg("failed to reserve sequence")
		return nil, unavailable("append", err)
	}
	stored.Seq = seq
	stored.Timestamp = ts

	err = s.session.Query(`
		INSERT INTO messages_by_room (
			room_id, seq, message_id, sender_id, sender_role, message, gif,
			file_url, file_type, file_name, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.RoomID, stored.Seq, stored.ID, stored.SenderID, string(stored.SenderRole),
		stored.Message, stored.Gif, stored.FileURL, stored.FileType, stored.FileName,
		stored.Timestamp,
	).WithContext(ctx).Exec()
	if err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, stored.RoomID).Int64("seq", seq).Msg("failed to save message")
		return nil, unavailable("append", err)
	}

	if a, b, ok := room.ParseDirectRoom(stored.RoomID); ok {
		batch := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
		for _, p := range []string{a, b} {
			batch.Query(`INSERT INTO rooms_by_participant (participant_id, room_id, last_ts) VALUES (?, ?, ?)`,
				p, stored.RoomID, stored.Timestamp)
		}
		if err := s.session.ExecuteBatch(batch); err != nil {
			// The message is stored; the index only affects inbox ordering.
			l.Warn().Err(err).Str(log.FieldRoomID, stored.RoomID).Msg("failed to index direct room")
		}
	}

	watermarks, err := s.watermarks(ctx, stored.RoomID)
	if err != nil {
		return nil, err
	}
	return withReadBy(stored, watermarks), nil
}

// nextSeq reserves the next sequence number for roomID and returns it with
// the clamped timestamp.
func (s *CassandraStore) nextSeq(ctx context.Context, roomID string, ts time.Time) (int64, time.Time, error) {
	for attempt := 0; attempt < maxSeqAttempts; attempt++ {
		var lastSeq int64
		var lastTS time.Time
		err := s.session.Query(`SELECT last_seq, last_ts FROM room_state WHERE room_id = ?`, roomID).
			WithContext(ctx).Consistency(serialRead).Scan(&lastSeq, &lastTS)

		switch {
		case errors.Is(err, gocql.ErrNotFound):
			applied, err := s.session.Query(
				`INSERT INTO room_state (room_id, last_seq, last_ts) VALUES (?, 1, ?) IF NOT EXISTS`,
				roomID, ts,
			).WithContext(ctx).MapScanCAS(map[string]interface{}{})
			if err != nil {
				return 0, time.Time{}, err
			}
			if applied {
				return 1, ts, nil
			}
		case err != nil:
			return 0, time.Time{}, err
		default:
			next := clampTimestamp(ts, lastTS.UTC())
			applied, err := s.session.Query(
				`UPDATE room_state SET last_seq = ?, last_ts = ? WHERE room_id = ? IF last_seq = ?`,
				lastSeq+1, next, roomID, lastSeq,
			).WithContext(ctx).MapScanCAS(map[string]interface{}{})
			if err != nil {
				return 0, time.Time{}, err
			}
			if applied {
				return lastSeq + 1, next, nil
			}
		}
	}
	return 0, time.Time{}, errSeqContention
}

func (s *CassandraStore) List(ctx context.Context, roomID string) ([]*domain.ChatMessage, error) {
	msgs, _, err := s.list(ctx, roomID, 0, -1)
	return msgs, err
}

func (s *CassandraStore) ListAfter(ctx context.Context, roomID string, afterSeq int64, limit int) ([]*domain.ChatMessage, bool, error) {
	return s.list(ctx, roomID, afterSeq, pageLimit(limit))
}

func (s *CassandraStore) list(ctx context.Context, roomID string, afterSeq int64, limit int) ([]*domain.ChatMessage, bool, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return nil, false, err
	}

	query := `SELECT room_id, seq, message_id, sender_id, sender_role, message, gif,
				file_url, file_type, file_name, created_at
			  FROM messages_by_room WHERE room_id = ? AND seq > ?`
	args := []interface{}{roomID, afterSeq}
	if limit >= 0 {
		query += ` LIMIT ?`
		args = append(args, limit+1)
	}

	msgs, err := s.scanMessages(s.session.Query(query, args...).WithContext(ctx).Iter())
	if err != nil {
		return nil, false, unavailable("list", err)
	}

	hasMore := limit >= 0 && len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	watermarks, err := s.watermarks(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	for _, m := range msgs {
		withReadBy(m, watermarks)
	}
	return msgs, hasMore, nil
}

func (s *CassandraStore) scanMessages(iter *gocql.Iter) ([]*domain.ChatMessage, error) {
	var out []*domain.ChatMessage
	var (
		m    domain.ChatMessage
		role string
	)
	for iter.Scan(&m.RoomID, &m.Seq, &m.ID, &m.SenderID, &role, &m.Message, &m.Gif,
		&m.FileURL, &m.FileType, &m.FileName, &m.Timestamp) {
		m.SenderRole = domain.SenderRole(role)
		m.Timestamp = m.Timestamp.UTC()
		msg := m
		out = append(out, &msg)
		m = domain.ChatMessage{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

func (s *CassandraStore) MarkRead(ctx context.Context, roomID, viewerID string) (int, error) {
	if err := validateViewer(roomID, viewerID); err != nil {
		return 0, err
	}

	var lastSeq int64
	err := s.session.Query(newestStoredSeq, roomID).WithContext(ctx).Scan(&lastSeq)
	if errors.Is(err, gocql.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("mark read", err)
	}

	for attempt := 0; attempt < maxSeqAttempts; attempt++ {
		var readSeq int64
		err := s.session.Query(`SELECT read_seq FROM read_watermarks WHERE room_id = ? AND viewer_id = ?`,
			roomID, viewerID).WithContext(ctx).Consistency(serialRead).Scan(&readSeq)

		var applied bool
		switch {
		case errors.Is(err, gocql.ErrNotFound):
			applied, err = s.session.Query(
				`INSERT INTO read_watermarks (room_id, viewer_id, read_seq) VALUES (?, ?, ?) IF NOT EXISTS`,
				roomID, viewerID, lastSeq,
			).WithContext(ctx).MapScanCAS(map[string]interface{}{})
		case err != nil:
		case readSeq >= lastSeq:
			return 0, nil
		default:
			applied, err = s.session.Query(
				`UPDATE read_watermarks SET read_seq = ? WHERE room_id = ? AND viewer_id = ? IF read_seq = ?`,
				lastSeq, roomID, viewerID, readSeq,
			).WithContext(ctx).MapScanCAS(map[string]interface{}{})
		}
		if err != nil {
			return 0, unavailable("mark read", err)
		}
		if applied {
			return int(lastSeq - readSeq), nil
		}
	}
	return 0, unavailable("mark read", errSeqContention)
}

func (s *CassandraStore) UnreadCount(ctx context.Context, roomID, viewerID string) (int, error) {
	if err := validateViewer(roomID, viewerID); err != nil {
		return 0, err
	}

	var readSeq int64
	err := s.session.Query(`SELECT read_seq FROM read_watermarks WHERE room_id = ? AND viewer_id = ?`,
		roomID, viewerID).WithContext(ctx).Scan(&readSeq)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return 0, unavailable("unread count", err)
	}

	iter := s.session.Query(`SELECT sender_id FROM messages_by_room WHERE room_id = ? AND seq > ?`,
		roomID, readSeq).WithContext(ctx).Iter()
	count := 0
	var sender string
	for iter.Scan(&sender) {
		if sender != viewerID {
			count++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, unavailable("unread count", err)
	}
	return count, nil
}

func (s *CassandraStore) Last(ctx context.Context, roomID string) (*domain.ChatMessage, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return nil, err
	}

	msgs, err := s.scanMessages(s.session.Query(`
		SELECT room_id, seq, message_id, sender_id, sender_role, message, gif,
			file_url, file_type, file_name, created_at
		FROM messages_by_room WHERE room_id = ? ORDER BY seq DESC LIMIT 1`, roomID,
	).WithContext(ctx).Iter())
	if err != nil {
		return nil, unavailable("last", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	watermarks, err := s.watermarks(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return withReadBy(msgs[0], watermarks), nil
}

func (s *CassandraStore) HasRoom(ctx context.Context, roomID string) (bool, error) {
	var lastSeq int64
	err := s.session.Query(`SELECT last_seq FROM room_state WHERE room_id = ?`, roomID).
		WithContext(ctx).Scan(&lastSeq)
	if errors.Is(err, gocql.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("has room", err)
	}
	return true, nil
}

func (s *CassandraStore) DirectRoomsFor(ctx context.Context, participantID string) ([]string, error) {
	type entry struct {
		roomID string
		lastTS time.Time
	}

	iter := s.session.Query(`SELECT room_id, last_ts FROM rooms_by_participant WHERE participant_id = ?`,
		participantID).WithContext(ctx).Iter()
	var entries []entry
	var e entry
	for iter.Scan(&e.roomID, &e.lastTS) {
		entries = append(entries, e)
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable("direct rooms", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].lastTS.Equal(entries[j].lastTS) {
			return entries[i].lastTS.After(entries[j].lastTS)
		}
		return entries[i].roomID < entries[j].roomID
	})

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.roomID)
	}
	return ids, nil
}

func (s *CassandraStore) watermarks(ctx context.Context, roomID string) (map[string]int64, error) {
	iter := s.session.Query(`SELECT viewer_id, read_seq FROM read_watermarks WHERE room_id = ?`, roomID).
		WithContext(ctx).Iter()
	out := make(map[string]int64)
	var (
		viewer string
		seq    int64
	)
	for iter.Scan(&viewer, &seq) {
		out[viewer] = seq
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable("read watermarks", err)
	}
	return out, nil
}
