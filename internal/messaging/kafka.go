package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

// KafkaConfig holds Kafka connection settings
type KafkaConfig struct {
	Brokers      []string
	GroupID      string
	WriteTimeout time.Duration
}

// KafkaBus publishes through one shared writer and consumes each topic with
// a consumer-group reader. Offsets are committed after the handler runs.
type KafkaBus struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	logger *logger.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	wg      sync.WaitGroup
}

func NewKafkaBus(cfg KafkaConfig, log *logger.Logger) *KafkaBus {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &KafkaBus{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			WriteTimeout:           cfg.WriteTimeout,
		},
		logger: log.Named("kafka_bus"),
	}
}

// Publish keys messages so one driver's updates land on one partition.
func (k *KafkaBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.WriteTimeout)
	defer cancel()

	msg := kafka.Message{Topic: topic, Value: payload}
	if key != "" {
		msg.Key = []byte(key)
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrUnavailable, topic, err)
	}
	return nil
}

func (k *KafkaBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	if len(k.cfg.Brokers) == 0 {
		return fmt.Errorf("%w: no brokers configured", ErrUnavailable)
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.cfg.Brokers,
		Topic:    topic,
		GroupID:  k.cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	k.mu.Lock()
	k.readers = append(k.readers, r)
	k.mu.Unlock()

	k.wg.Add(1)
	go k.consume(ctx, r, topic, h)
	return nil
}

func (k *KafkaBus) consume(ctx context.Context, r *kafka.Reader, topic string, h Handler) {
	defer k.wg.Done()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			k.logger.Warn("Failed to fetch message",
				logger.String("topic", topic),
				logger.Err(err),
				logger.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		msg := Message{Topic: m.Topic, Key: string(m.Key), Payload: m.Value}
		if err := h(ctx, msg); err != nil {
			k.logger.Warn("Handler failed",
				logger.String("topic", topic),
				logger.Int64("offset", m.Offset),
				logger.Err(err),
			)
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			k.logger.Warn("Failed to commit offset",
				logger.String("topic", topic),
				logger.Int64("offset", m.Offset),
				logger.Err(err),
			)
		}
	}
}

func (k *KafkaBus) Close() error {
	k.mu.Lock()
	readers := k.readers
	k.readers = nil
	k.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	k.wg.Wait()

	if err := k.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
