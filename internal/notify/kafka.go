package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaEvent struct {
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Time     time.Time `json:"time"`
	TxHash   string    `json:"tx_hash,omitempty"`
	Currency string    `json:"currency,omitempty"`
	Status   string    `json:"status,omitempty"`
}

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON to a topic, keyed by deposit tx hash.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	}}
}

func NewKafkaSinkFromWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Notify(ctx context.Context, ev Event) error {
	payload := kafkaEvent{Event: ev.Kind, Detail: ev.Detail, Time: ev.Time}
	var key []byte
	if ev.Swap != nil {
		payload.TxHash = ev.Swap.TxHash
		payload.Currency = ev.Swap.Currency
		payload.Status = ev.Swap.Status.String()
		key = []byte(ev.Swap.TxHash)
	}
	value, err := json.Marshal(&payload)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
