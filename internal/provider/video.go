package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/renderledger/internal/render"
	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

// VideoEndpoints are the job submission URLs per video kind.
type VideoEndpoints struct {
	Preview string
	Final   string
}

type videoRequest struct {
	Prompt          string        `json:"prompt"`
	AspectRatio     string        `json:"aspect_ratio,omitempty"`
	DurationSeconds int           `json:"duration_seconds,omitempty"`
	Metadata        videoMetadata `json:"metadata"`
}

type videoMetadata struct {
	RenderID       string `json:"renderId"`
	SourceRenderID string `json:"sourceRenderId,omitempty"`
	Finalize       bool   `json:"finalize"`
}

type videoResponse struct {
	JobID            string           `json:"jobId"`
	EstimatedCredits *decimal.Decimal `json:"estimatedCredits"`
}

// VideoClient submits asynchronous video jobs.
type VideoClient struct {
	transport *transport
	endpoints VideoEndpoints
}

// NewVideoClient builds a VideoClient.
func NewVideoClient(endpoints VideoEndpoints, apiKey string, options ...Option) (*VideoClient, error) {
	if strings.TrimSpace(endpoints.Preview) == "" || strings.TrimSpace(endpoints.Final) == "" {
		return nil, fmt.Errorf("%w: preview and final endpoints are required", ErrInvalidClientConfig)
	}
	transport, err := newTransport(apiKey, options)
	if err != nil {
		return nil, err
	}
	return &VideoClient{transport: transport, endpoints: endpoints}, nil
}

// SubmitVideoJob starts a job and returns its id with the provider's
// optional cost estimate.
func (client *VideoClient) SubmitVideoJob(ctx context.Context, job render.VideoJob) (render.VideoJobReceipt, error) {
	endpoint := client.endpoints.Preview
	if job.Kind == render.KindVideoFinal {
		endpoint = client.endpoints.Final
	}
	request := videoRequest{
		Prompt:          job.Prompt,
		AspectRatio:     job.AspectRatio,
		DurationSeconds: job.DurationSeconds,
		Metadata: videoMetadata{
			RenderID:       job.RenderID,
			SourceRenderID: job.SourceRenderID,
			Finalize:       job.Kind == render.KindVideoFinal,
		},
	}
	var response videoResponse
	if err := client.transport.postJSON(ctx, endpoint, request, &response); err != nil {
		return render.VideoJobReceipt{}, err
	}
	if strings.TrimSpace(response.JobID) == "" {
		return render.VideoJobReceipt{}, &render.GenerationError{Kind: render.GenerationFatal, Message: "Video job response missing jobId"}
	}
	receipt := render.VideoJobReceipt{JobID: response.JobID}
	if response.EstimatedCredits != nil {
		estimate := ledger.ClampCredits(*response.EstimatedCredits)
		receipt.EstimatedCredits = &estimate
	}
	return receipt, nil
}
