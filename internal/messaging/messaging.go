// Package messaging carries StatusChangedEvents to and from the broker.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/commlifecycle/internal/domain"
)

const ContentType = "application/json"

// Publisher announces events. Implementations return an error wrapping
// domain.ErrPublishFailed when the broker did not accept the event.
type Publisher interface {
	Publish(ctx context.Context, ev domain.StatusChangedEvent) error
	Close() error
}

// Delivery is one received message.
type Delivery struct {
	MessageID   string
	Redelivered bool
	Event       domain.StatusChangedEvent
}

// Handler processes a delivery. A nil return acknowledges it.
type Handler func(ctx context.Context, d Delivery) error

// Consumer feeds deliveries to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
	Close() error
}

func Encode(ev domain.StatusChangedEvent) ([]byte, error) {
	ev.TimestampUTC = ev.TimestampUTC.UTC()
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

// Decode parses a message body and rejects events missing their identity.
func Decode(body []byte) (domain.StatusChangedEvent, error) {
	var ev domain.StatusChangedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	if ev.CommunicationID <= 0 || ev.NewStatus == "" {
		return ev, fmt.Errorf("decode event: missing CommunicationId or NewStatus")
	}
	ev.TimestampUTC = ev.TimestampUTC.UTC()
	return ev, nil
}

func publishErr(broker string, err error) error {
	return fmt.Errorf("%s: %w: %w", broker, domain.ErrPublishFailed, err)
}
