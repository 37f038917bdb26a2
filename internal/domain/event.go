package domain

import "time"

// StatusChangedEvent is the notification emitted for every accepted
// transition. Wire field names are PascalCase for existing consumers.
type StatusChangedEvent struct {
	CommunicationID int64     `json:"CommunicationId"`
	NewStatus       Status    `json:"NewStatus"`
	TimestampUTC    time.Time `json:"TimestampUtc"`
	Notes           string    `json:"Notes,omitempty"`
	EventType       string    `json:"EventType"`
}

// Well-known event types.
const (
	EventTypeStatusChanged        = "StatusChanged"
	EventTypeCommunicationCreated = "CommunicationCreated"
)

// CommonEventTypes lists the event labels downstream systems already
// understand. Callers may still send any label.
var CommonEventTypes = []string{
	"IdCardPrinted",
	"IdCardShipped",
	"IdCardDelivered",
	"EOBGenerated",
	"EOBPrinted",
	"EOBMailed",
	"EOPProcessed",
	"DocumentFailed",
	"DocumentCancelled",
	"PackageReturned",
	"CustomEvent",
}

// EventTypeFor derives the conventional event label for a type entering a
// status, e.g. ID_CARD + Printed -> IdCardPrinted.
func EventTypeFor(typeCode string, status Status) string {
	switch {
	case typeCode == TypeIDCard && status == StatusPrinted:
		return "IdCardPrinted"
	case typeCode == TypeIDCard && status == StatusShipped:
		return "IdCardShipped"
	case typeCode == TypeIDCard && status == StatusDelivered:
		return "IdCardDelivered"
	case typeCode == TypeEOB && status == StatusPrinted:
		return "EOBPrinted"
	case typeCode == TypeEOB && status == StatusShipped:
		return "EOBMailed"
	case typeCode == TypeEOB && status == StatusDelivered:
		return "EOBDelivered"
	case typeCode == TypeEOP && status == StatusPrinted:
		return "EOPPrinted"
	case status == StatusFailed:
		return typeCode + "ProcessingFailed"
	case status == StatusCancelled:
		return typeCode + "Cancelled"
	case status == StatusReturned:
		return typeCode + "Returned"
	default:
		return typeCode + string(status)
	}
}
