package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/idempotency"
)

const (
	DefaultExchange   = "communication-events"
	DefaultQueue      = "communication-status-updates"
	DefaultRoutingKey = "status.changed"
)

type AMQPConfig struct {
	URL            string
	Exchange       string
	Queue          string
	RoutingKey     string
	MaxAttempts    int
	DialTimeout    time.Duration
	Prefetch       int
	ReconnectDelay time.Duration
}

const maxReconnectDelay = 30 * time.Second

func (c AMQPConfig) withDefaults() AMQPConfig {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.RoutingKey == "" {
		c.RoutingKey = DefaultRoutingKey
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	return c
}

// session owns one connection and channel. It opens them on first use and
// again whenever either has closed.
type session struct {
	cfg     AMQPConfig
	confirm bool

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (s *session) channel() (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && !s.conn.IsClosed() && s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	s.closeLocked()

	conn, err := amqp.DialConfig(s.cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(s.cfg.DialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch, s.cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if s.confirm {
		if err := ch.Confirm(false); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("enable confirms: %w", err)
		}
	}
	s.conn, s.ch = conn, ch
	return ch, nil
}

// reset drops the current connection if it is still the one that failed.
func (s *session) reset(failed *amqp.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == failed {
		s.closeLocked()
	}
}

func (s *session) closeLocked() {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

// declareTopology is idempotent: redeclaring with the same arguments is a
// no-op on the broker.
func declareTopology(ch *amqp.Channel, cfg AMQPConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// AMQPPublisher publishes persistent messages and waits for the broker's
// confirm before reporting success.
type AMQPPublisher struct {
	s   *session
	log *slog.Logger
}

// NewAMQPPublisher does not connect; the first Publish does.
func NewAMQPPublisher(cfg AMQPConfig, log *slog.Logger) *AMQPPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &AMQPPublisher{
		s:   &session{cfg: cfg.withDefaults(), confirm: true},
		log: log.With("module", "messaging", "broker", "amqp"),
	}
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev domain.StatusChangedEvent) error {
	body, err := Encode(ev)
	if err != nil {
		return publishErr("amqp", err)
	}
	msg := amqp.Publishing{
		ContentType:  ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    idempotency.MessageID(ev).String(),
		Timestamp:    time.Now().UTC(),
		Type:         ev.EventType,
		Body:         body,
	}

	var lastErr error
	for attempt := 1; attempt <= p.s.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		lastErr = p.publishOnce(ctx, msg)
		if lastErr == nil {
			return nil
		}
		p.log.WarnContext(ctx, "publish attempt failed",
			"operation", "publish",
			"attempt", attempt,
			"communication_id", ev.CommunicationID,
			"message_id", msg.MessageId,
			"error", lastErr,
		)
	}
	return publishErr("amqp", lastErr)
}

func (p *AMQPPublisher) publishOnce(ctx context.Context, msg amqp.Publishing) error {
	ch, err := p.s.channel()
	if err != nil {
		return err
	}
	cfg := p.s.cfg
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, cfg.Exchange, cfg.RoutingKey, false, false, msg)
	if err != nil {
		p.s.reset(ch)
		return fmt.Errorf("publish: %w", err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			p.s.reset(ch)
		}
		return fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return errors.New("broker nacked message")
	}
	return nil
}

func (p *AMQPPublisher) Close() error { return p.s.close() }

// AMQPConsumer reads the status queue with manual acknowledgement.
type AMQPConsumer struct {
	s   *session
	log *slog.Logger
}

func NewAMQPConsumer(cfg AMQPConfig, log *slog.Logger) *AMQPConsumer {
	if log == nil {
		log = slog.Default()
	}
	return &AMQPConsumer{
		s:   &session{cfg: cfg.withDefaults()},
		log: log.With("module", "messaging", "broker", "amqp"),
	}
}

// subscription is one live basic.consume on a channel.
type subscription struct {
	msgs <-chan amqp.Delivery
	stop func()
	drop func()
}

type subscribeFunc func(ctx context.Context) (subscription, error)

// Consume acks a delivery after h succeeds and rejects it without requeue
// otherwise. A failed first subscribe is returned; after that a lost
// connection is re-dialled with backoff until ctx is done. It returns nil
// when ctx is cancelled.
func (c *AMQPConsumer) Consume(ctx context.Context, h Handler) error {
	sub, err := c.subscribe(ctx)
	if err != nil {
		return err
	}
	return c.run(ctx, h, sub, c.subscribe)
}

func (c *AMQPConsumer) subscribe(ctx context.Context) (subscription, error) {
	ch, err := c.s.channel()
	if err != nil {
		return subscription{}, fmt.Errorf("amqp consume: %w", err)
	}
	if err := ch.Qos(c.s.cfg.Prefetch, 0, false); err != nil {
		c.s.reset(ch)
		return subscription{}, fmt.Errorf("amqp qos: %w", err)
	}
	tag := "commlifecycle-" + uuid.NewString()
	msgs, err := ch.Consume(c.s.cfg.Queue, tag, false, false, false, false, nil)
	if err != nil {
		c.s.reset(ch)
		return subscription{}, fmt.Errorf("amqp consume %s: %w", c.s.cfg.Queue, err)
	}
	c.log.InfoContext(ctx, "consumer started", "operation", "consume", "queue", c.s.cfg.Queue, "consumer_tag", tag)
	return subscription{
		msgs: msgs,
		stop: func() { _ = ch.Cancel(tag, false) },
		drop: func() { c.s.reset(ch) },
	}, nil
}

func (c *AMQPConsumer) run(ctx context.Context, h Handler, sub subscription, resubscribe subscribeFunc) error {
	for {
		select {
		case <-ctx.Done():
			sub.stop()
			return nil
		case d, ok := <-sub.msgs:
			if ok {
				c.handle(ctx, d, h)
				continue
			}
			c.log.WarnContext(ctx, "delivery channel closed, reconnecting", "operation", "consume", "queue", c.s.cfg.Queue)
			sub.drop()
			next, err := c.reconnect(ctx, resubscribe)
			if err != nil {
				return nil
			}
			sub = next
		}
	}
}

// reconnect retries resubscribe with doubling delays. It fails only when
// ctx is done.
func (c *AMQPConsumer) reconnect(ctx context.Context, resubscribe subscribeFunc) (subscription, error) {
	delay := c.s.cfg.ReconnectDelay
	for attempt := 1; ; attempt++ {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return subscription{}, ctx.Err()
		case <-t.C:
		}
		sub, err := resubscribe(ctx)
		if err == nil {
			c.log.InfoContext(ctx, "consumer reconnected", "operation", "consume", "attempt", attempt)
			return sub, nil
		}
		c.log.WarnContext(ctx, "consumer reconnect failed",
			"operation", "consume",
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	ev, err := Decode(d.Body)
	if err != nil {
		c.log.WarnContext(ctx, "dropping undecodable message", "operation", "consume", "message_id", d.MessageId, "error", err)
		_ = d.Nack(false, false)
		return
	}
	if err := h(ctx, Delivery{MessageID: d.MessageId, Redelivered: d.Redelivered, Event: ev}); err != nil {
		c.log.ErrorContext(ctx, "handler failed, rejecting message",
			"operation", "consume",
			"outcome", "rejected",
			"message_id", d.MessageId,
			"communication_id", ev.CommunicationID,
			"error", err,
		)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func (c *AMQPConsumer) Close() error { return c.s.close() }
