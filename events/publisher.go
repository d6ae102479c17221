package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"trade-consensus/models"
	"trade-consensus/observability"
)

// EventTypeResolution tags resolution messages
const EventTypeResolution = "PICK_RESOLVED"

// Publisher sends resolution events downstream
type Publisher interface {
	PublishResolutions(ctx context.Context, events ...models.ResolutionEvent) error
	Close() error
}

// Envelope is the message body written to the topic
type Envelope struct {
	EventType string                 `json:"event_type"`
	Source    string                 `json:"source"`
	Timestamp string                 `json:"timestamp"`
	Data      models.ResolutionEvent `json:"data"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes resolution events keyed by symbol, so one symbol's
// events stay on one partition in order
type KafkaPublisher struct {
	writer messageWriter
	source string
}

// NewKafkaPublisher creates a publisher for topic on brokers
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	observability.Info("kafka publisher configured", "topic", topic, "brokers", brokers)
	return &KafkaPublisher{writer: writer, source: "trade-consensus"}
}

// PublishResolutions writes all events in one batch
func (p *KafkaPublisher) PublishResolutions(ctx context.Context, events ...models.ResolutionEvent) error {
	if len(events) == 0 {
		return nil
	}
	metrics := observability.GetMetrics()

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		body, err := json.Marshal(Envelope{
			EventType: EventTypeResolution,
			Source:    p.source,
			Timestamp: ev.ResolvedAt.UTC().Format(time.RFC3339),
			Data:      ev,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal resolution event for %s: %w", ev.PickID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Symbol),
			Value: body,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(EventTypeResolution)},
			},
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		metrics.RecordEventPublished("error")
		return fmt.Errorf("failed to publish %d resolution events: %w", len(msgs), err)
	}
	for range msgs {
		metrics.RecordEventPublished("ok")
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher drops every event; used when no brokers are configured
type NoopPublisher struct{}

func (NoopPublisher) PublishResolutions(context.Context, ...models.ResolutionEvent) error {
	return nil
}

func (NoopPublisher) Close() error { return nil }

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = NoopPublisher{}
)
