// Package conversation derives inbox views from the message log.
package conversation

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/internal/message"
	"github.com/weiawesome/wes-io-talk/internal/room"
	"github.com/weiawesome/wes-io-talk/pkg/log"
)

const defaultConcurrency = 8

// Aggregator computes one ConversationSummary per counterpart. Nothing is
// cached: every call reads the store.
type Aggregator struct {
	store       message.Store
	concurrency int
}

// NewAggregator creates an aggregator that queries at most concurrency
// rooms at a time.
func NewAggregator(store message.Store, concurrency int) *Aggregator {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Aggregator{store: store, concurrency: concurrency}
}

// Summaries returns one summary per distinct counterpart, in the order the
// counterparts were given. Counterparts without messages get an empty
// summary rather than an error.
func (a *Aggregator) Summaries(ctx context.Context, viewerID string, counterpartIDs []string) ([]domain.ConversationSummary, error) {
	if err := domain.ValidateIdentity(viewerID); err != nil {
		return nil, fmt.Errorf("viewer: %w", err)
	}

	seen := make(map[string]struct{}, len(counterpartIDs))
	var rooms []string
	var counterparts []string
	for _, id := range counterpartIDs {
		if _, ok := seen[id]; ok || id == viewerID {
			continue
		}
		seen[id] = struct{}{}

		roomID, err := room.ResolveDirectRoom(viewerID, id)
		if err != nil {
			return nil, fmt.Errorf("counterpart %q: %w", id, err)
		}
		rooms = append(rooms, roomID)
		counterparts = append(counterparts, id)
	}

	out := make([]domain.ConversationSummary, len(rooms))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i := range rooms {
		g.Go(func() error {
			s, err := a.summarize(gctx, viewerID, rooms[i], counterparts[i])
			if err != nil {
				return err
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldUserID, viewerID).Msg("failed to build conversation summaries")
		return nil, err
	}
	return out, nil
}

// Inbox lists the viewer's direct conversations that have at least one
// message, most recent first.
func (a *Aggregator) Inbox(ctx context.Context, viewerID string) ([]domain.ConversationSummary, error) {
	if err := domain.ValidateIdentity(viewerID); err != nil {
		return nil, fmt.Errorf("viewer: %w", err)
	}

	rooms, err := a.store.DirectRoomsFor(ctx, viewerID)
	if err != nil {
		return nil, err
	}

	counterparts := make([]string, 0, len(rooms))
	for _, roomID := range rooms {
		if id, ok := room.Counterpart(roomID, viewerID); ok {
			counterparts = append(counterparts, id)
		}
	}

	summaries, err := a.Summaries(ctx, viewerID, counterparts)
	if err != nil {
		return nil, err
	}
	SortByRecency(summaries)
	return summaries, nil
}

func (a *Aggregator) summarize(ctx context.Context, viewerID, roomID, counterpartID string) (domain.ConversationSummary, error) {
	s := domain.ConversationSummary{RoomID: roomID, CounterpartID: counterpartID}

	last, err := a.store.Last(ctx, roomID)
	if err != nil {
		return s, err
	}
	if last == nil {
		return s, nil
	}

	unread, err := a.store.UnreadCount(ctx, roomID, viewerID)
	if err != nil {
		return s, err
	}

	ts := last.Timestamp
	s.LastMessage = last.Preview()
	s.LastSenderID = last.SenderID
	s.LastTimestamp = &ts
	s.UnreadCount = unread
	return s, nil
}

// SortByRecency orders summaries most recent first. Empty conversations go
// last, and ties fall back to the counterpart id.
func SortByRecency(summaries []domain.ConversationSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		switch {
		case a.Empty() != b.Empty():
			return !a.Empty()
		case !a.Empty() && !a.LastTimestamp.Equal(*b.LastTimestamp):
			return a.LastTimestamp.After(*b.LastTimestamp)
		}
		return a.CounterpartID < b.CounterpartID
	})
}
