// Package kafka publishes chat activity to a Kafka topic for downstream
// consumers such as analytics and notification workers.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/weiawesome/wes-io-talk/internal/domain"
)

const (
	EventMessageCreated = "message_created"
	EventMessagesRead   = "messages_read"
)

// ChatEvent is the record value. Records are keyed by room id so one room's
// events stay ordered on one partition.
type ChatEvent struct {
	Type       string              `json:"type"`
	RoomID     string              `json:"room_id"`
	Message    *domain.ChatMessage `json:"message,omitempty"`
	ReaderID   string              `json:"reader_id,omitempty"`
	Count      int                 `json:"count,omitempty"`
	InstanceID string              `json:"instance_id,omitempty"`
	ProducedAt time.Time           `json:"produced_at"`
}

type MessageProducer interface {
	ProduceMessage(ctx context.Context, msg *domain.ChatMessage) error
	// ProduceRead records that readerID caught up on count messages.
	ProduceRead(ctx context.Context, roomID, readerID string, count int) error
	Close() error
}

func encodeEvent(ev *ChatEvent, instanceID string, now time.Time) (key, value []byte, err error) {
	ev.InstanceID = instanceID
	ev.ProducedAt = now.UTC()
	value, err = json.Marshal(ev)
	if err != nil {
		return nil, nil, err
	}
	return []byte(ev.RoomID), value, nil
}
