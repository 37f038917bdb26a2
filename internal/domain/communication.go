package domain

import (
	"strings"
	"time"
)

// Status is an open status code. Membership is decided by the type
// catalog, not by this package.
type Status string

func (s Status) String() string { return string(s) }

// Normalize trims surrounding whitespace.
func (s Status) Normalize() Status { return Status(strings.TrimSpace(string(s))) }

// Status codes seeded by the default catalog.
const (
	StatusReadyForRelease   Status = "ReadyForRelease"
	StatusReleased          Status = "Released"
	StatusQueuedForPrinting Status = "QueuedForPrinting"
	StatusPrinted           Status = "Printed"
	StatusInserted          Status = "Inserted"
	StatusWarehouseReady    Status = "WarehouseReady"
	StatusShipped           Status = "Shipped"
	StatusInTransit         Status = "InTransit"
	StatusDelivered         Status = "Delivered"
	StatusReturned          Status = "Returned"
	StatusFailed            Status = "Failed"
	StatusCancelled         Status = "Cancelled"
	StatusExpired           Status = "Expired"
	StatusArchived          Status = "Archived"
)

// Type codes seeded by the default catalog.
const (
	TypeEOB               = "EOB"
	TypeEOP               = "EOP"
	TypeIDCard            = "ID_CARD"
	TypeWelcomePacket     = "WELCOME_PACKET"
	TypeClaimStatement    = "CLAIM_STATEMENT"
	TypeProviderStatement = "PROVIDER_STATEMENT"
)

// InitialStatusNote is recorded on the history entry written at creation.
const InitialStatusNote = "Initial status"

// Communication is a trackable outbound artifact. Timestamps are UTC.
type Communication struct {
	ID             int64                `json:"id"`
	Title          string               `json:"title"`
	TypeCode       string               `json:"typeCode"`
	CurrentStatus  Status               `json:"currentStatus"`
	CreatedUTC     time.Time            `json:"createdUtc"`
	LastUpdatedUTC time.Time            `json:"lastUpdatedUtc"`
	Description    string               `json:"description,omitempty"`
	SourceFileURL  string               `json:"sourceFileUrl,omitempty"`
	StatusHistory  []StatusHistoryEntry `json:"statusHistory,omitempty"`
}

// StatusHistoryEntry is one immutable row of a communication's audit trail.
type StatusHistoryEntry struct {
	ID              int64     `json:"id"`
	CommunicationID int64     `json:"communicationId"`
	StatusCode      Status    `json:"statusCode"`
	OccurredUTC     time.Time `json:"occurredUtc"`
	Notes           string    `json:"notes,omitempty"`
}

// CommunicationType maps a type code to its ordered valid statuses.
type CommunicationType struct {
	TypeCode    string       `json:"typeCode"`
	DisplayName string       `json:"displayName"`
	Description string       `json:"description,omitempty"`
	Active      bool         `json:"isActive"`
	Statuses    []TypeStatus `json:"typeStatuses,omitempty"`
}

// TypeStatus is one valid status of a type.
type TypeStatus struct {
	StatusCode   Status `json:"statusCode"`
	Description  string `json:"description,omitempty"`
	DisplayOrder int    `json:"displayOrder"`
}

// StatusCodes returns the type's statuses in display order.
func (t CommunicationType) StatusCodes() []Status {
	out := make([]Status, 0, len(t.Statuses))
	for _, s := range t.Statuses {
		out = append(out, s.StatusCode)
	}
	return out
}

// Allows reports whether s is one of the type's statuses.
func (t CommunicationType) Allows(s Status) bool {
	for _, ts := range t.Statuses {
		if ts.StatusCode == s {
			return true
		}
	}
	return false
}
