package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-io-talk/internal/domain"
)

const (
	createdField  = "_created"
	maxTxAttempts = 8
)

type redisEntry struct {
	Participant domain.CallParticipant `json:"participant"`
	ConnID      string                 `json:"conn_id"`
}

// RedisRosterStore keeps one hash per call, field per participant, so every
// instance sees the same roster. Updates use optimistic transactions.
type RedisRosterStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisRosterStore(client *redis.Client, prefix string, ttl time.Duration) *RedisRosterStore {
	if prefix == "" {
		prefix = "talk:call"
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisRosterStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisRosterStore) buildKey(ref domain.CallRef) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, ref.Topology, ref.CallID)
}

func (s *RedisRosterStore) Join(ctx context.Context, ref domain.CallRef, p domain.CallParticipant, connID string) (*JoinResult, error) {
	key := s.buildKey(ref)
	var res *JoinResult

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		session, entries, err := decodeCall(ref, fields)
		if err != nil {
			return err
		}

		res = &JoinResult{}
		entry := redisEntry{Participant: p, ConnID: connID}
		if existing, ok := entries[p.UserID]; ok {
			res.Rejoined = true
			res.PreviousConn = existing.ConnID
			entry.Participant = existing.Participant
			entry.Participant.Name = p.Name
		} else {
			if limit := ref.Topology.MaxParticipants(); limit > 0 && len(entries) >= limit {
				return fmt.Errorf("%w: %s", domain.ErrCallFull, ref.CallID)
			}
			entry.Participant.JoinedAt = s.now().UTC()
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(fields) == 0 {
				pipe.HSet(ctx, key, createdField, s.now().UTC().Format(time.RFC3339Nano))
			}
			pipe.HSet(ctx, key, p.UserID, data)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}

		if session.CreatedAt.IsZero() {
			session.CreatedAt = s.now().UTC()
		}
		session.Participants[p.UserID] = &entry.Participant
		session.State = domain.StateFor(len(session.Participants))
		res.Session = session
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *RedisRosterStore) Leave(ctx context.Context, ref domain.CallRef, userID, connID string) (*LeaveResult, error) {
	key := s.buildKey(ref)
	var res *LeaveResult

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		_, entries, err := decodeCall(ref, fields)
		if err != nil {
			return err
		}

		entry, ok := entries[userID]
		if !ok || entry.ConnID != connID {
			res = &LeaveResult{Remaining: len(entries)}
			return nil
		}

		remaining := len(entries) - 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if remaining == 0 {
				pipe.Del(ctx, key)
			} else {
				pipe.HDel(ctx, key, userID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		res = &LeaveResult{Removed: true, Remaining: remaining}
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *RedisRosterStore) UpdateMedia(ctx context.Context, ref domain.CallRef, userID string, media domain.MediaState) (*domain.CallParticipant, error) {
	key := s.buildKey(ref)
	var out *domain.CallParticipant

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, userID).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s not in call", domain.ErrForbidden, userID)
		}
		if err != nil {
			return err
		}
		var entry redisEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("decode roster entry: %w", err)
		}
		entry.Participant.MediaState = media
		if data, err = json.Marshal(entry); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, userID, data)
			return nil
		})
		if err != nil {
			return err
		}
		p := entry.Participant
		out = &p
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisRosterStore) Get(ctx context.Context, ref domain.CallRef) (*domain.CallSession, error) {
	fields, err := s.client.HGetAll(ctx, s.buildKey(ref)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrCallNotFound
	}
	session, _, err := decodeCall(ref, fields)
	if err != nil {
		return nil, err
	}
	if len(session.Participants) == 0 {
		return nil, ErrCallNotFound
	}
	return session, nil
}

func (s *RedisRosterStore) Delete(ctx context.Context, ref domain.CallRef) error {
	if err := s.client.Del(ctx, s.buildKey(ref)).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// watch runs txf under WATCH, retrying when another writer got there first.
func (s *RedisRosterStore) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < maxTxAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, domain.ErrCallFull) || errors.Is(err, domain.ErrForbidden) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	return fmt.Errorf("%w: roster contention on %s", domain.ErrUnavailable, key)
}

func decodeCall(ref domain.CallRef, fields map[string]string) (*domain.CallSession, map[string]redisEntry, error) {
	session := &domain.CallSession{
		CallID:       ref.CallID,
		Topology:     ref.Topology,
		Participants: make(map[string]*domain.CallParticipant),
	}
	entries := make(map[string]redisEntry)

	for field, value := range fields {
		if field == createdField {
			if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
				session.CreatedAt = t
			}
			continue
		}
		var entry redisEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			return nil, nil, fmt.Errorf("decode roster entry %s: %w", field, err)
		}
		entries[field] = entry
		p := entry.Participant
		session.Participants[field] = &p
	}
	session.State = domain.StateFor(len(session.Participants))
	return session, entries, nil
}
