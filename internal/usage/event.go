// Package usage records the append-only audit trail of render and credit
// activity.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"go.jetify.com/typeid/v2"
)

// EventType classifies a usage event.
type EventType string

const (
	EventRenderRequested EventType = "render_requested"
	EventCreditReserved  EventType = "credit_reserved"
	EventCreditRefunded  EventType = "credit_refunded"
	EventCreditCaptured  EventType = "credit_captured"
	EventCreditReleased  EventType = "credit_released"
	EventCreditPurchased EventType = "credit_purchased"
	EventRenderCompleted EventType = "render_completed"
	EventRenderFailed    EventType = "render_failed"
	EventPromptFiltered  EventType = "prompt_filtered"
)

const eventIDPrefix = "uevt"

// Metadata keys added by the recorder on top of the caller's metadata.
const (
	MetadataKeyAmount    = "amount"
	MetadataKeyDelta     = "delta"
	MetadataKeyReason    = "reason"
	MetadataKeyCost      = "cost_in_credits"
	MetadataKeyErrorCode = "error_code"
)

// Event is a single audit record.
type Event struct {
	ID        string
	AccountID string
	RenderID  string
	Type      EventType
	Metadata  ledger.Metadata
	CreatedAt time.Time
}

// Filter narrows ListEvents.
type Filter struct {
	AccountID string
	RenderID  string
	Limit     int
}

// Store persists usage events.
type Store interface {
	InsertUsageEvents(ctx context.Context, events []Event) error
	ListUsageEvents(ctx context.Context, filter Filter) ([]Event, error)
}

// NewEventID returns a K-sortable event id such as "uevt_01h2x...".
func NewEventID() (string, error) {
	identifier, err := typeid.Generate(eventIDPrefix)
	if err != nil {
		return "", fmt.Errorf("usage event id: %w", err)
	}
	return identifier.String(), nil
}
