package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Producer interface {
	Produce(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close() error
}

type kafkaProducer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaProducer writes synchronously so a failed send leaves the outbox row
// pending. The topic travels on each message.
func NewKafkaProducer(brokers []string, logger *zap.Logger) Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		Logger:       kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:  kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	}
	return &kafkaProducer{writer: writer, logger: logger}
}

func (p *kafkaProducer) Produce(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	produceCtx, cancel := context.WithTimeout(ctx, p.writer.WriteTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(produceCtx, msg); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	p.logger.Debug("event produced", zap.String("topic", topic), zap.String("key", key))
	return nil
}

func (p *kafkaProducer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

// LogProducer stands in for Kafka when no brokers are configured: events are
// logged and considered delivered.
type LogProducer struct {
	Logger *zap.Logger
}

func (p LogProducer) Produce(_ context.Context, topic, key string, value []byte, _ map[string]string) error {
	p.Logger.Info("event",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.ByteString("payload", value),
	)
	return nil
}

func (p LogProducer) Close() error { return nil }
