package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/idempotency"
)

const (
	DefaultKafkaTopic = "communication-status-updates"
	DefaultKafkaGroup = "commlifecycle"

	headerMessageID = "message-id"
	headerEventType = "event-type"
)

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	WriteTimeout time.Duration
}

// KafkaPublisher keys each message by communication id so one
// communication's events stay on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultKafkaTopic
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			WriteTimeout:           cfg.WriteTimeout,
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev domain.StatusChangedEvent) error {
	body, err := Encode(ev)
	if err != nil {
		return publishErr("kafka", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.CommunicationID, 10)),
		Value: body,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: headerMessageID, Value: []byte(idempotency.MessageID(ev).String())},
			{Key: headerEventType, Value: []byte(ev.EventType)},
		},
	})
	if err != nil {
		return publishErr("kafka", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// KafkaConsumer reads with a consumer group and commits each message after
// it is handled. Failed messages are committed too; there is no retry topic.
type KafkaConsumer struct {
	reader *kafka.Reader
	log    *slog.Logger
}

func NewKafkaConsumer(cfg KafkaConfig, log *slog.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultKafkaTopic
	}
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultKafkaGroup
	}
	if log == nil {
		log = slog.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: reader, log: log.With("module", "messaging", "broker", "kafka")}, nil
}

func (c *KafkaConsumer) Consume(ctx context.Context, h Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		c.handle(ctx, msg, h)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message, h Handler) {
	id := headerValue(msg.Headers, headerMessageID)
	ev, err := Decode(msg.Value)
	if err != nil {
		c.log.WarnContext(ctx, "dropping undecodable message", "operation", "consume", "message_id", id, "offset", msg.Offset, "error", err)
		return
	}
	if err := h(ctx, Delivery{MessageID: id, Event: ev}); err != nil {
		c.log.ErrorContext(ctx, "handler failed, skipping message",
			"operation", "consume",
			"outcome", "rejected",
			"message_id", id,
			"communication_id", ev.CommunicationID,
			"offset", msg.Offset,
			"error", err,
		)
	}
}

func (c *KafkaConsumer) Close() error { return c.reader.Close() }

func headerValue(hs []kafka.Header, key string) string {
	for _, h := range hs {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
