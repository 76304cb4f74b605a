package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-io-talk/pkg/log"
)

// RedisPubSub carries bus events over Redis PUBLISH/PSUBSCRIBE. Delivery is
// at most once: an instance that is down misses the events and its clients
// catch up from the message store.
type RedisPubSub struct {
	client *redis.Client
	owned  bool

	mu     sync.Mutex
	subs   map[string]*redisSubscription
	closed bool
}

type redisSubscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisPubSub connects a dedicated client.
func NewRedisPubSub(cfg RedisConfig) (*RedisPubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := NewRedisPubSubFromClient(client)
	r.owned = true
	return r, nil
}

// NewRedisPubSubFromClient shares an existing client. Close leaves the
// client open.
func NewRedisPubSubFromClient(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{
		client: client,
		subs:   make(map[string]*redisSubscription),
	}
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.client.Publish(ctx, channel, data).Err()
}

func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return r.subscribe(ctx, channel, r.client.Subscribe)
}

// SubscribePattern uses Redis glob patterns.
func (r *RedisPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return r.subscribe(ctx, pattern, r.client.PSubscribe)
}

func (r *RedisPubSub) subscribe(ctx context.Context, key string, open func(context.Context, ...string) *redis.PubSub) (<-chan *Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", key)
	}
	if existing, ok := r.subs[key]; ok {
		existing.stop()
		delete(r.subs, key)
	}

	ps := open(ctx, key)
	// Receive waits for the subscription confirmation, so no event
	// published after this call returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{ps: ps, cancel: cancel, done: make(chan struct{})}
	r.subs[key] = sub

	out := make(chan *Event, 256)
	go sub.forward(subCtx, out)
	return out, nil
}

func (s *redisSubscription) forward(ctx context.Context, out chan<- *Event) {
	defer close(s.done)
	defer close(out)
	defer s.ps.Close()

	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				l := log.L()
				l.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed bus event")
				continue
			}
			select {
			case out <- &event:
			default:
				l := log.L()
				l.Warn().Str("channel", msg.Channel).Str(log.FieldEventType, event.Type).Msg("bus subscriber full, event dropped")
			}
		}
	}
}

func (s *redisSubscription) stop() {
	s.cancel()
	<-s.done
}

func (r *RedisPubSub) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[channel]; ok {
		sub.stop()
		delete(r.subs, channel)
	}
	return nil
}

// Close ends every subscription, closing their channels, and closes the
// client when the bus created it.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	for key, sub := range r.subs {
		sub.stop()
		delete(r.subs, key)
	}
	if r.owned {
		return r.client.Close()
	}
	return nil
}
