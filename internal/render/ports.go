package render

import (
	"context"

	"github.com/MarkoPoloResearchLab/renderledger/internal/usage"
	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
)

// Store persists renders. UpdateRender applies update only when the stored
// status may transition to update.Status and reports whether it did.
type Store interface {
	CreateRender(ctx context.Context, render Render) error
	GetRender(ctx context.Context, renderID string) (Render, error)
	FindRenderByJobID(ctx context.Context, providerJobID string) (Render, error)
	ListRenders(ctx context.Context, filter ListFilter) ([]Render, error)
	UpdateRender(ctx context.Context, renderID string, update Update) (Render, bool, error)
}

// Ledger is the subset of the reservation engine used by renders.
type Ledger interface {
	Reserve(ctx context.Context, accountID ledger.AccountID, renderID ledger.RenderID, amount ledger.Credits, reason ledger.Reason, metadata ledger.Metadata) (ledger.Result, error)
	AdjustReservation(ctx context.Context, accountID ledger.AccountID, renderID ledger.RenderID, newAmount ledger.Credits, reason ledger.Reason, metadata ledger.Metadata) (ledger.Result, error)
	FinalizeCharge(ctx context.Context, accountID ledger.AccountID, renderID ledger.RenderID, finalAmount ledger.Credits, reason ledger.Reason, metadata ledger.Metadata) (ledger.Result, error)
	Release(ctx context.Context, accountID ledger.AccountID, renderID ledger.RenderID, reason ledger.Reason, metadata ledger.Metadata) (ledger.Result, error)
}

// Recorder receives usage events.
type Recorder interface {
	Record(ctx context.Context, event usage.Event)
}

// ImagePrompt is the input to an image generation call.
type ImagePrompt struct {
	Prompt         string            `json:"prompt"`
	NegativePrompt string            `json:"negativePrompt,omitempty"`
	AspectRatio    string            `json:"aspectRatio,omitempty"`
	BrandSettings  map[string]string `json:"brandSettings,omitempty"`
	AssetURLs      []string          `json:"assetUrls,omitempty"`
}

// ImageUsage reports token consumption for an image call.
type ImageUsage struct {
	PromptTokens    int `json:"promptTokenCount"`
	CandidateTokens int `json:"candidatesTokenCount"`
	TotalTokens     int `json:"totalTokenCount"`
}

// GeneratedImage is a successful image generation.
type GeneratedImage struct {
	Bytes      []byte
	MimeType   string
	ResponseID string
	Usage      ImageUsage
}

// ImageGenerator produces images synchronously.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt ImagePrompt) (GeneratedImage, error)
}

// VideoJob is a request to start an asynchronous video render.
type VideoJob struct {
	RenderID        string `json:"renderId"`
	Kind            Kind   `json:"type"`
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspectRatio,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	SourceRenderID  string `json:"sourceRenderId,omitempty"`
}

// VideoJobReceipt acknowledges a submitted video job.
type VideoJobReceipt struct {
	JobID            string
	EstimatedCredits *ledger.Credits
}

// VideoProvider submits video jobs whose results arrive by notification.
type VideoProvider interface {
	SubmitVideoJob(ctx context.Context, job VideoJob) (VideoJobReceipt, error)
}

// AssetStore persists generated bytes and returns their public URL.
type AssetStore interface {
	PutAsset(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) (string, error)
}

// TrackedJob is pushed to the job tracker after a video submission.
type TrackedJob struct {
	Kind          Kind   `json:"type"`
	RenderID      string `json:"renderId"`
	AccountID     string `json:"userId"`
	ProjectID     string `json:"projectId"`
	ProviderJobID string `json:"jobId"`
}

// JobTracker queues submitted video jobs for polling workers.
type JobTracker interface {
	Track(ctx context.Context, job TrackedJob) error
}
