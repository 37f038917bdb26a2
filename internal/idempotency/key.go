package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"example.com/commlifecycle/internal/domain"
)

type KeySource string

const (
	KeyFromMessageID KeySource = "message_id"
	KeyFromComposite KeySource = "composite"
)

// namespace scopes the name-based message ids of this service.
var namespace = uuid.MustParse("6f1c3a52-3c0e-4f7a-9d55-1b8e2a7c9e10")

func composite(ev domain.StatusChangedEvent) string {
	return fmt.Sprintf("%d|%s|%s|%d", ev.CommunicationID, ev.NewStatus, ev.EventType, ev.TimestampUTC.UnixNano())
}

// MessageID returns a name-based UUID for the event. The same event always
// gets the same id, so a copy published twice is recognisable downstream.
func MessageID(ev domain.StatusChangedEvent) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(composite(ev)))
}

// DeriveKey returns a stable deduplication key and the source used.
// - Prefer the broker message id when present.
// - Fallback to a SHA-256 of (communication, status, event type, timestamp).
func DeriveKey(messageID string, ev domain.StatusChangedEvent) (key string, src KeySource) {
	if messageID != "" {
		return messageID, KeyFromMessageID
	}
	sum := sha256.Sum256([]byte(composite(ev)))
	return hex.EncodeToString(sum[:]), KeyFromComposite
}
