package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"tradeflow/logging"
)

// LogPublisher writes events to the process log. It is the default
// transport when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logging.OrNop(logger)}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.logger.Info("domain event",
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("negotiation_id", ev.NegotiationID),
		zap.String("triggered_by", ev.TriggeredBy),
		zap.String("status", ev.Status),
		zap.Any("payload", ev.Payload),
	)
	return nil
}

// KafkaConfig configures KafkaPublisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes events keyed by negotiation id so one
// negotiation's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.NegotiationID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "type", Value: []byte(ev.Type)},
		},
		Time: ev.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: kafka write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// AMQPConfig configures AMQPPublisher.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPPublisher publishes persistent messages to a durable topic exchange
// with the event type as routing key.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("events: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: amqp exchange declare: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: cfg.Exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Type:         string(ev.Type),
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, string(ev.Type), false, false, pub); err != nil {
		return fmt.Errorf("events: amqp publish: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	var firstErr error
	if err := p.ch.Close(); err != nil {
		firstErr = err
	}
	if err := p.conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// TransportConfig selects and configures a Publisher.
type TransportConfig struct {
	// Transport is "log", "kafka" or "amqp".
	Transport string
	Kafka     KafkaConfig
	AMQP      AMQPConfig
}

// Open builds the publisher named by cfg.Transport. The returned close
// function is never nil.
func Open(cfg TransportConfig, logger *zap.Logger) (Publisher, func() error, error) {
	switch cfg.Transport {
	case "kafka":
		p := NewKafkaPublisher(cfg.Kafka)
		return p, p.Close, nil
	case "amqp":
		p, err := NewAMQPPublisher(cfg.AMQP)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case "", "log":
		return NewLogPublisher(logger), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("events: unknown transport %q", cfg.Transport)
}
