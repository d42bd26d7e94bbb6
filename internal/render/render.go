// Package render orchestrates image and video generation requests around
// the credit ledger.
package render

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"go.jetify.com/typeid/v2"
)

const renderIDPrefix = "rnd"

// Kind is the type of output a render produces.
type Kind string

const (
	KindImage        Kind = "IMAGE"
	KindVideoPreview Kind = "VIDEO_PREVIEW"
	KindVideoFinal   Kind = "VIDEO_FINAL"
)

// ParseKind validates a kind label.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(raw))) {
	case KindImage:
		return KindImage, nil
	case KindVideoPreview:
		return KindVideoPreview, nil
	case KindVideoFinal:
		return KindVideoFinal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
	}
}

// IsVideo reports whether the kind is submitted as an asynchronous job.
func (kind Kind) IsVideo() bool {
	return kind == KindVideoPreview || kind == KindVideoFinal
}

// reasonPrefix names the kind in ledger reasons, e.g. "video_preview_release".
func (kind Kind) reasonPrefix() string {
	switch kind {
	case KindImage:
		return "image_render"
	case KindVideoPreview:
		return "video_preview"
	default:
		return "video_final"
	}
}

// Status is the lifecycle state of a render.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// ParseStatus validates a status label.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusQueued:
		return StatusQueued, nil
	case StatusProcessing:
		return StatusProcessing, nil
	case StatusSucceeded:
		return StatusSucceeded, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (status Status) IsTerminal() bool {
	return status == StatusSucceeded || status == StatusFailed
}

func (status Status) rank() int {
	switch status {
	case StatusQueued:
		return 0
	case StatusProcessing:
		return 1
	default:
		return 2
	}
}

// CanTransition reports whether a render in from may be updated to to.
// Statuses only move forward and terminal statuses never change.
func CanTransition(from Status, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	return to.rank() >= from.rank()
}

// SourceStatuses lists the statuses from which a render may move to to.
func SourceStatuses(to Status) []Status {
	sources := make([]Status, 0, 2)
	for _, candidate := range []Status{StatusQueued, StatusProcessing} {
		if CanTransition(candidate, to) {
			sources = append(sources, candidate)
		}
	}
	return sources
}

// Render is a single generation request and its outcome.
type Render struct {
	ID               string
	AccountID        string
	ProjectID        string
	Kind             Kind
	Status           Status
	Prompt           string
	ReservedCredits  ledger.Credits
	CreditsFinalized bool
	EstimatedCredits *ledger.Credits
	FinalCostCredits *ledger.Credits
	ProviderJobID    string
	OutputAssetURL   string
	WatermarkURL     string
	Error            string
	UsageMetadata    json.RawMessage
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Update is a forward-only status change with optional output fields.
// Nil fields are left untouched.
type Update struct {
	Status           Status
	ProviderJobID    *string
	OutputAssetURL   *string
	WatermarkURL     *string
	Error            *string
	FinalCostCredits *ledger.Credits
	EstimatedCredits *ledger.Credits
	UsageMetadata    json.RawMessage
}

// ListFilter narrows ListRenders. Empty fields match everything.
type ListFilter struct {
	AccountID string
	ProjectID string
	Kind      Kind
	Status    Status
	Before    time.Time
	Limit     int
}

// NewRenderID returns a K-sortable render id such as "rnd_01h2x...".
func NewRenderID() (string, error) {
	identifier, err := typeid.Generate(renderIDPrefix)
	if err != nil {
		return "", fmt.Errorf("render id: %w", err)
	}
	return identifier.String(), nil
}
