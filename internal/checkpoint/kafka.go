package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pathhole/internal/model"

	"github.com/IBM/sarama"
)

// KafkaSink mirrors checkpoints onto a Kafka topic for offline analysis.
// Messages are keyed by route id so one run stays on one partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

type kafkaRecord struct {
	Kind   string `json:"kind"`
	Record any    `json:"record"`
}

// NewKafkaSink connects a synchronous producer to cfg.Brokers.
func NewKafkaSink(cfg model.KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("[kafka] no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("[kafka] topic required")
	}
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("[kafka] failed to create producer: %w", err)
	}
	return NewKafkaSinkWithProducer(producer, cfg.Topic), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(p sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

func (k *KafkaSink) SaveTelemetry(ctx context.Context, s model.TelemetrySample) error {
	return k.publish(ctx, kindTelemetry, s.RouteID, s)
}

func (k *KafkaSink) SavePothole(ctx context.Context, p model.PotholeEvent) error {
	return k.publish(ctx, kindPothole, p.RouteID, p)
}

func (k *KafkaSink) publish(ctx context.Context, kind, routeID string, rec any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(kafkaRecord{Kind: kind, Record: rec})
	if err != nil {
		return fmt.Errorf("[kafka] encode %s: %w", kind, err)
	}
	msg := &sarama.ProducerMessage{
		Topic:   k.topic,
		Value:   sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{{Key: []byte("kind"), Value: []byte(kind)}},
	}
	if routeID != "" {
		msg.Key = sarama.StringEncoder(routeID)
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("[kafka] publish %s: %w", kind, err)
	}
	return nil
}

// Close closes the producer.
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
