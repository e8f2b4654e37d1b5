package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event is a verified Stripe event ready to forward.
type Event struct {
	ID      string
	Type    string
	Payload []byte
}

// Publisher forwards verified billing events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

const eventTypeHeader = "stripe-event-type"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per event, keyed by event id so
// redeliveries of an event land on the same partition.
type KafkaPublisher struct {
	w messageWriter
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	topic := strings.TrimSpace(cfg.Topic)
	switch {
	case len(brokers) == 0:
		return nil, errors.New("billing: kafka brokers required")
	case topic == "":
		return nil, errors.New("billing: kafka topic required")
	}
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           50 * time.Millisecond,
	}}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	if p == nil || p.w == nil {
		return errors.New("billing: kafka publisher not initialized")
	}
	msg := kafka.Message{Key: []byte(evt.ID), Value: evt.Payload}
	if evt.Type != "" {
		msg.Headers = []kafka.Header{{Key: eventTypeHeader, Value: []byte(evt.Type)}}
	}
	return p.w.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.w == nil {
		return nil
	}
	return p.w.Close()
}
