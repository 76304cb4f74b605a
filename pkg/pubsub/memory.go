package pubsub

import (
	"context"
	"path"
	"sync"

	"github.com/weiawesome/wes-io-talk/pkg/log"
)

type memorySubscription struct {
	key     string
	pattern bool
	ch      chan *Event
	cancel  context.CancelFunc
}

// MemoryPubSub is an in-process bus for single-instance deployments and
// tests. Patterns use Redis glob semantics for '*'.
type MemoryPubSub struct {
	mu     sync.RWMutex
	subs   map[string]*memorySubscription
	closed bool
}

// NewMemoryPubSub creates an empty in-process bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]*memorySubscription)}
}

// Publish delivers the event to every matching subscriber without blocking.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subs {
		if !sub.matches(channel) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			l := log.L()
			l.Warn().Str("channel", channel).Msg("bus subscriber full, event dropped")
		}
	}
	return nil
}

// Subscribe subscribes to a specific channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.subscribe(ctx, channel, false), nil
}

// SubscribePattern subscribes to channels matching a pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return m.subscribe(ctx, pattern, true), nil
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, pattern bool) <-chan *Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.subs[key]; ok {
		m.drop(existing)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		key:     key,
		pattern: pattern,
		ch:      make(chan *Event, 100),
		cancel:  cancel,
	}
	m.subs[key] = sub

	go func() {
		<-subCtx.Done()
		m.mu.Lock()
		if m.subs[key] == sub {
			m.drop(sub)
		}
		m.mu.Unlock()
	}()

	return sub.ch
}

// drop must be called with m.mu held and sub still registered, which
// guarantees the channel is closed exactly once.
func (m *MemoryPubSub) drop(sub *memorySubscription) {
	delete(m.subs, sub.key)
	sub.cancel()
	close(sub.ch)
}

// Unsubscribe unsubscribes from a channel or pattern.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[channel]; ok {
		m.drop(sub)
	}
	return nil
}

// Close closes every subscription.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, sub := range m.subs {
		m.drop(sub)
	}
	return nil
}

func (s *memorySubscription) matches(channel string) bool {
	if !s.pattern {
		return s.key == channel
	}
	ok, err := path.Match(s.key, channel)
	return err == nil && ok
}
