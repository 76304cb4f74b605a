package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/weiawesome/wes-io-talk/pkg/log"
)

// topics maps {prefix}/{suffix} of a channel onto its Kafka topic.
var topics = map[string]string{
	"chat/events":  TopicChatEvents,
	"call/signals": TopicCallSignals,
}

// route maps a channel or pattern onto a Kafka topic and message key. The
// key is the room segment, which keeps one room's events on one partition
// and so in publish order. Patterns have key "*".
//
//	"chat:room:u1_u2:events"          -> chat-events, "u1_u2"
//	"call:room:direct.u1_u2:signals"  -> call-signals, "direct.u1_u2"
//	"chat:room:*:events"              -> chat-events, "*"
func route(channel string) (topic, key string, err error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[1] != "room" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid channel %q", channel)
	}
	topic, ok := topics[parts[0]+"/"+parts[3]]
	if !ok {
		return "", "", fmt.Errorf("no topic carries channel %q", channel)
	}
	return topic, parts[2], nil
}

// KafkaPubSub carries bus events over fixed Kafka topics. Each instance
// consumes from the latest offset in its own consumer group.
type KafkaPubSub struct {
	producer *kafka.Producer
	cfg      KafkaConfig
	groupID  string
	reports  chan struct{}

	mu     sync.Mutex
	subs   map[string]*kafkaSubscription
	closed bool
}

type kafkaSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewKafkaPubSub(cfg KafkaConfig, instanceID string) (*KafkaPubSub, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	group := cfg.GroupID
	if group == "" {
		group = "talk-pubsub"
	}
	if instanceID != "" {
		group += "-" + instanceID
	}

	k := &KafkaPubSub{
		producer: p,
		cfg:      cfg,
		groupID:  sanitizeGroupID(group),
		reports:  make(chan struct{}),
		subs:     make(map[string]*kafkaSubscription),
	}
	go k.reportDeliveries()

	if err := k.ensureTopics(); err != nil {
		l := log.L()
		l.Warn().Err(err).Msg("failed to ensure kafka topics (may already exist)")
	}
	return k, nil
}

func (k *KafkaPubSub) ensureTopics() error {
	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	partitions := k.cfg.Partitions
	if partitions <= 0 {
		partitions = 4
	}
	replication := k.cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}

	names := make([]string, 0, len(topics))
	for _, t := range topics {
		names = append(names, t)
	}
	sort.Strings(names)

	specs := make([]kafka.TopicSpecification, 0, len(names))
	for _, t := range names {
		specs = append(specs, kafka.TopicSpecification{Topic: t, NumPartitions: partitions, ReplicationFactor: replication})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := admin.CreateTopics(ctx, specs)
	if err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}
	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError && r.Error.Code() != kafka.ErrTopicAlreadyExists {
			l := log.L()
			l.Warn().Str("topic", r.Topic).Str("error", r.Error.String()).Msg("failed to create topic")
		}
	}
	return nil
}

func (k *KafkaPubSub) reportDeliveries() {
	defer close(k.reports)
	for e := range k.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			l := log.L()
			l.Error().Err(m.TopicPartition.Error).Str("key", string(m.Key)).Msg("kafka bus delivery failed")
		}
	}
}

// Publish is asynchronous; delivery failures are logged.
func (k *KafkaPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	topic, key, err := route(channel)
	if err != nil {
		return err
	}
	if key == "*" {
		return fmt.Errorf("cannot publish to pattern %q", channel)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          data,
		Headers:        []kafka.Header{{Key: "event-type", Value: []byte(event.Type)}},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// Subscribe consumes the channel's topic and keeps only its room's events.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return k.subscribe(ctx, channel)
}

// SubscribePattern consumes every room on the pattern's topic.
func (k *KafkaPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return k.subscribe(ctx, pattern)
}

func (k *KafkaPubSub) subscribe(ctx context.Context, subKey string) (<-chan *Event, error) {
	topic, key, err := route(subKey)
	if err != nil {
		return nil, err
	}
	filter := key
	if filter == "*" {
		filter = ""
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", subKey)
	}
	if existing, ok := k.subs[subKey]; ok {
		existing.stop()
		delete(k.subs, subKey)
	}

	// A single-room subscription gets its own group so it does not share
	// partitions with the instance's pattern consumer.
	group := k.groupID
	if filter != "" {
		group += "-" + sanitizeGroupID(filter)
	}
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":       k.cfg.Brokers,
		"group.id":                group,
		"auto.offset.reset":       "latest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{cancel: cancel, done: make(chan struct{})}
	k.subs[subKey] = sub

	out := make(chan *Event, 256)
	go consume(subCtx, c, filter, out, sub.done)
	return out, nil
}

// consume owns c and closes it on exit.
func consume(ctx context.Context, c *kafka.Consumer, filter string, out chan<- *Event, done chan<- struct{}) {
	defer close(done)
	defer close(out)
	defer c.Close()

	for ctx.Err() == nil {
		switch e := c.Poll(200).(type) {
		case *kafka.Message:
			if filter != "" && string(e.Key) != filter {
				continue
			}
			var event Event
			if err := json.Unmarshal(e.Value, &event); err != nil {
				l := log.L()
				l.Warn().Err(err).Str("key", string(e.Key)).Msg("dropping malformed bus event")
				continue
			}
			select {
			case out <- &event:
			default:
				l := log.L()
				l.Warn().Str("key", string(e.Key)).Str(log.FieldEventType, event.Type).Msg("bus subscriber full, event dropped")
			}
		case kafka.Error:
			l := log.L()
			l.Error().Err(e).Int("code", int(e.Code())).Bool("fatal", e.IsFatal()).Msg("kafka bus error")
			if e.IsFatal() {
				return
			}
		}
	}
}

func (s *kafkaSubscription) stop() {
	s.cancel()
	<-s.done
}

func (k *KafkaPubSub) Unsubscribe(ctx context.Context, channel string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if sub, ok := k.subs[channel]; ok {
		sub.stop()
		delete(k.subs, channel)
	}
	return nil
}

// Close stops every consumer, then flushes and closes the producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true
	for key, sub := range k.subs {
		sub.stop()
		delete(k.subs, key)
	}

	if remaining := k.producer.Flush(5000); remaining > 0 {
		l := log.L()
		l.Warn().Int("remaining", remaining).Msg("kafka bus closed with undelivered events")
	}
	k.producer.Close()
	<-k.reports
	return nil
}

var groupIDRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeGroupID(s string) string {
	return groupIDRegexp.ReplaceAllString(s, "-")
}
