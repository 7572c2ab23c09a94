package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"suasflow/internal/config"
	"suasflow/internal/domain"
)

// Writer abstracts kafka.Writer for testing.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events keyed by entity id, so every change of one
// referral or task lands in the same partition.
type KafkaSink struct {
	Writer Writer
	Topic  string
	filter eventFilter
}

func NewKafkaSink(cfg config.KafkaConfig) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
	return &KafkaSink{Writer: w, Topic: cfg.Topic, filter: newEventFilter(cfg.Events)}
}

func (k *KafkaSink) Name() string { return "kafka:" + k.Topic }

func (k *KafkaSink) Accepts(eventType string) bool { return k.filter.match(eventType) }

func (k *KafkaSink) Deliver(ctx context.Context, municipalityID string, evt domain.Event) error {
	value, err := json.Marshal(envelope(municipalityID, evt))
	if err != nil {
		return err
	}
	key := evt.EntityID
	if key == "" {
		key = strconv.FormatInt(evt.ID, 10)
	}
	return k.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(evt.Type)},
			{Key: "municipality-id", Value: []byte(municipalityID)},
		},
	})
}

func (k *KafkaSink) Close() error {
	if k.Writer == nil {
		return nil
	}
	return k.Writer.Close()
}
