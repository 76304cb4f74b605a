// Package pubsub carries room events and call signals between server
// instances. Every instance delivers events to its own connections first and
// publishes them here so the others can do the same.
package pubsub

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one bus record. Payload is the exact frame local clients
// received, so consumers forward it without re-encoding.
type Event struct {
	Type string `json:"type"`
	// Key is the room id for chat events and "<topology>.<callID>" for call
	// signals.
	Key    string `json:"key"`
	Origin string `json:"origin,omitempty"`
	// Seq is the room sequence number of a message_created event.
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// NewEvent stamps a pre-encoded frame with its origin instance.
func NewEvent(origin, eventType, key string, payload []byte) *Event {
	return &Event{Type: eventType, Key: key, Origin: origin, Payload: payload, At: time.Now().UTC()}
}

// Foreign reports whether the event was published by another instance.
// Instances skip their own events because they already delivered them.
func (e *Event) Foreign(instanceID string) bool {
	return e.Origin == "" || e.Origin != instanceID
}

func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event *Event) error
}

// Subscriber hands out channels that close when ctx ends, the channel is
// unsubscribed or the bus closes.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan *Event, error)
	SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error)
	Unsubscribe(ctx context.Context, channel string) error
}

type PubSub interface {
	Publisher
	Subscriber
	Close() error
}
