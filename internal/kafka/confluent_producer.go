package kafka

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/pkg/log"
)

const (
	headerEventType = "event_type"
	flushTimeout    = 5 * time.Second
)

// ConfluentProducer writes ChatEvents asynchronously. Idempotence keeps
// per-room order intact across broker retries.
type ConfluentProducer struct {
	p          *kafka.Producer
	topic      string
	instanceID string
	failed     atomic.Int64
	reported   chan struct{}
}

func NewConfluentProducer(brokers, topic string, partitions int, instanceID string) (*ConfluentProducer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"client.id":          "talk-" + instanceID,
		"enable.idempotence": true,
		"linger.ms":          5,
		"compression.type":   "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	if err := createTopic(p, topic, partitions); err != nil {
		l := log.L()
		l.Warn().Err(err).Str("topic", topic).Msg("could not ensure chat event topic")
	}

	cp := &ConfluentProducer{p: p, topic: topic, instanceID: instanceID, reported: make(chan struct{})}
	go cp.reports()
	return cp, nil
}

func createTopic(p *kafka.Producer, topic string, partitions int) error {
	admin, err := kafka.NewAdminClientFromProducer(p)
	if err != nil {
		return err
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             topic,
		NumPartitions:     max(partitions, 1),
		ReplicationFactor: 1,
	}})
	if err != nil {
		return err
	}
	for _, r := range res {
		if c := r.Error.Code(); c != kafka.ErrNoError && c != kafka.ErrTopicAlreadyExists {
			return r.Error
		}
	}
	return nil
}

// reports drains delivery reports until the producer closes.
func (cp *ConfluentProducer) reports() {
	defer close(cp.reported)
	for e := range cp.p.Events() {
		m, ok := e.(*kafka.Message)
		if !ok || m.TopicPartition.Error == nil {
			continue
		}
		cp.failed.Add(1)
		l := log.L()
		l.Warn().Err(m.TopicPartition.Error).Str(log.FieldRoomID, string(m.Key)).Msg("chat event not delivered")
	}
}

// Failed counts events the brokers rejected after all retries.
func (cp *ConfluentProducer) Failed() int64 { return cp.failed.Load() }

func (cp *ConfluentProducer) ProduceMessage(ctx context.Context, msg *domain.ChatMessage) error {
	return cp.produce(ctx, &ChatEvent{Type: EventMessageCreated, RoomID: msg.RoomID, Message: msg})
}

func (cp *ConfluentProducer) ProduceRead(ctx context.Context, roomID, readerID string, count int) error {
	return cp.produce(ctx, &ChatEvent{Type: EventMessagesRead, RoomID: roomID, ReaderID: readerID, Count: count})
}

func (cp *ConfluentProducer) produce(ctx context.Context, ev *ChatEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, value, err := encodeEvent(ev, cp.instanceID, time.Now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	err = cp.p.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &cp.topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          value,
		Headers:        []kafka.Header{{Key: headerEventType, Value: []byte(ev.Type)}},
	}, nil)
	if err != nil {
		return fmt.Errorf("produce %s: %w", ev.Type, err)
	}
	return nil
}

// Close waits up to five seconds for queued events, then shuts down.
func (cp *ConfluentProducer) Close() error {
	left := cp.p.Flush(int(flushTimeout / time.Millisecond))
	cp.p.Close()
	<-cp.reported
	if left > 0 {
		return fmt.Errorf("kafka: %d chat events dropped on close", left)
	}
	return nil
}
