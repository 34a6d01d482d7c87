package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"authcore/internal/config"
	"authcore/internal/util"
)

// KafkaProducer publishes security escalations: refresh-token reuse, lockout
// storms, degraded-mode transitions. Downstream consumers own response
// workflows; this side only guarantees best-effort, ordered-per-key delivery.
type KafkaProducer struct {
	Writer *kafka.Writer
	config *config.KafkaConfig
}

func NewKafkaProducer(cfg *config.Config) (*KafkaProducer, error) {
	kafkaConfig := cfg.Kafka

	writer := &kafka.Writer{
		Addr:         kafka.TCP(kafkaConfig.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				util.Error("failed to write kafka messages",
					zap.Error(err),
					zap.Int("message_count", len(messages)))
			}
		},
	}

	util.Info("kafka producer initialized",
		zap.Strings("brokers", kafkaConfig.Brokers),
		zap.String("escalation_topic", kafkaConfig.EscalationTopic))

	return &KafkaProducer{
		Writer: writer,
		config: &kafkaConfig,
	}, nil
}

func (p *KafkaProducer) Close() error {
	if p.Writer != nil {
		if err := p.Writer.Close(); err != nil {
			util.Error("failed to close kafka producer", zap.Error(err))
			return err
		}
		util.Info("kafka producer closed")
	}
	return nil
}

// Escalate publishes one security escalation to the escalation topic, keyed
// by subject so events for the same subject stay ordered per partition.
func (p *KafkaProducer) Escalate(ctx context.Context, subject, kind string, payload interface{}) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode escalation payload: %w", err)
	}

	msg := kafka.Message{
		Topic: p.config.EscalationTopic,
		Key:   []byte(subject),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(kind)},
		},
	}

	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish escalation: %w", err)
	}

	util.Debug("escalation published",
		zap.String("kind", kind),
		zap.Int("payload_size", len(value)))
	return nil
}

func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	dialer := &kafka.Dialer{
		Timeout:   5 * time.Second,
		DualStack: true,
	}

	conn, err := dialer.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(); err != nil {
		return fmt.Errorf("failed to read kafka partitions: %w", err)
	}
	return nil
}
