// Package completion settles asynchronous video renders from provider
// notifications.
package completion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/renderledger/internal/render"
	"github.com/shopspring/decimal"
)

var (
	ErrAuthenticity          = errors.New("notification authenticity check failed")
	ErrMissingSignature      = fmt.Errorf("%w: missing signature headers", ErrAuthenticity)
	ErrInvalidSignature      = fmt.Errorf("%w: signature mismatch", ErrAuthenticity)
	ErrStaleNotification     = fmt.Errorf("%w: timestamp outside window", ErrAuthenticity)
	ErrInvalidNotification   = errors.New("invalid completion notification")
	ErrUnsupportedStatus     = errors.New("unsupported completion status")
	ErrInvalidHandlerConfig  = errors.New("invalid completion handler config")
	ErrInvalidVerifierConfig = errors.New("invalid completion verifier config")
)

// Notification is the provider callback payload.
type Notification struct {
	JobID         string           `json:"jobId,omitempty"`
	RenderID      string           `json:"renderId,omitempty"`
	Status        string           `json:"status"`
	AssetURL      string           `json:"assetUrl,omitempty"`
	WatermarkURL  string           `json:"watermarkUrl,omitempty"`
	CostInCredits *decimal.Decimal `json:"costInCredits,omitempty"`
	Error         string           `json:"error,omitempty"`
	UsageMetadata json.RawMessage  `json:"usageMetadata,omitempty"`
}

// ParseNotification decodes and validates a raw notification body.
func ParseNotification(body []byte) (Notification, error) {
	var notification Notification
	if err := json.Unmarshal(body, &notification); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	notification.JobID = strings.TrimSpace(notification.JobID)
	notification.RenderID = strings.TrimSpace(notification.RenderID)
	if notification.JobID == "" && notification.RenderID == "" {
		return Notification{}, fmt.Errorf("%w: jobId or renderId is required", ErrInvalidNotification)
	}
	if strings.TrimSpace(notification.Status) == "" {
		return Notification{}, fmt.Errorf("%w: status is required", ErrInvalidNotification)
	}
	if notification.CostInCredits != nil && notification.CostInCredits.IsNegative() {
		return Notification{}, fmt.Errorf("%w: costInCredits must not be negative", ErrInvalidNotification)
	}
	return notification, nil
}

// renderStatus maps a provider status onto the render lifecycle.
func renderStatus(raw string) (render.Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "processing":
		return render.StatusProcessing, nil
	case "succeeded":
		return render.StatusSucceeded, nil
	case "failed":
		return render.StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedStatus, raw)
	}
}
