package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

// RabbitConfig holds RabbitMQ connection settings
type RabbitConfig struct {
	Host        string
	Port        string
	User        string
	Password    string
	Exchange    string
	QueuePrefix string
}

// URL builds the AMQP connection string.
func (c RabbitConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", c.User, c.Password, c.Host, c.Port)
}

// RabbitBus maps topics onto routing keys of one durable topic exchange.
// Every subscribed topic gets its own durable queue so messages survive
// restarts.
type RabbitBus struct {
	cfg    RabbitConfig
	conn   *amqp.Connection
	logger *logger.Logger

	mu  sync.Mutex
	pub *amqp.Channel
	wg  sync.WaitGroup
}

func NewRabbitBus(cfg RabbitConfig, log *logger.Logger) (*RabbitBus, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "dispatch_topic"
	}
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = "dispatch"
	}

	conn, err := amqp.Dial(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("%w: connect to rabbitmq: %v", ErrUnavailable, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: open channel: %v", ErrUnavailable, err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: declare exchange %s: %v", ErrUnavailable, cfg.Exchange, err)
	}

	return &RabbitBus{cfg: cfg, conn: conn, pub: ch, logger: log.Named("rabbit_bus")}, nil
}

func (r *RabbitBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.pub.PublishWithContext(ctx,
		r.cfg.Exchange, // exchange
		topic,          // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    key,
			Body:         payload,
			Timestamp:    time.Now(),
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrUnavailable, topic, err)
	}
	return nil
}

func (r *RabbitBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open channel: %v", ErrUnavailable, err)
	}

	queue := r.cfg.QueuePrefix + "." + topic
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		_ = ch.Close()
		return fmt.Errorf("%w: declare queue %s: %v", ErrUnavailable, queue, err)
	}

	if err := ch.QueueBind(queue, topic, r.cfg.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("%w: bind queue %s: %v", ErrUnavailable, queue, err)
	}

	if err := ch.Qos(64, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("%w: set qos: %v", ErrUnavailable, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("%w: consume %s: %v", ErrUnavailable, queue, err)
	}

	r.wg.Add(1)
	go r.consume(ctx, ch, topic, deliveries, h)
	return nil
}

func (r *RabbitBus) consume(ctx context.Context, ch *amqp.Channel, topic string, deliveries <-chan amqp.Delivery, h Handler) {
	defer r.wg.Done()
	defer ch.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			msg := Message{Topic: topic, Key: d.MessageId, Payload: d.Body}
			if err := h(ctx, msg); err != nil {
				r.logger.Warn("Handler failed",
					logger.String("topic", topic),
					logger.Err(err),
				)
				// redelivering a message the handler rejected would loop forever
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Close closes the connection, which also ends every consumer.
func (r *RabbitBus) Close() error {
	err := r.conn.Close()
	r.wg.Wait()
	return err
}
