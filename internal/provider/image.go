package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/renderledger/internal/render"
)

const defaultImageMimeType = "image/png"

type imageRequest struct {
	Prompt         string            `json:"prompt"`
	NegativePrompt string            `json:"negativePrompt,omitempty"`
	AspectRatio    string            `json:"aspectRatio,omitempty"`
	BrandSettings  map[string]string `json:"brandSettings,omitempty"`
	Assets         []imageAsset      `json:"assets,omitempty"`
}

type imageAsset struct {
	Type string `json:"type"`
	URI  string `json:"uri"`
}

type imageResponse struct {
	Images []struct {
		ImageBase64 string `json:"imageBase64"`
		MimeType    string `json:"mimeType"`
	} `json:"images"`
	ResponseID    string            `json:"responseId"`
	UsageMetadata render.ImageUsage `json:"usageMetadata"`
	SafetyIssues  []struct {
		Category    string `json:"category"`
		Probability string `json:"probability"`
	} `json:"safetyIssues"`
}

// ImageClient calls a synchronous image generation endpoint.
type ImageClient struct {
	transport *transport
	endpoint  string
}

// NewImageClient builds an ImageClient.
func NewImageClient(endpoint string, apiKey string, options ...Option) (*ImageClient, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("%w: image endpoint is required", ErrInvalidClientConfig)
	}
	transport, err := newTransport(apiKey, options)
	if err != nil {
		return nil, err
	}
	return &ImageClient{transport: transport, endpoint: endpoint}, nil
}

// GenerateImage returns the first generated image. Safety findings in an
// otherwise successful response are reported as a safety block.
func (client *ImageClient) GenerateImage(ctx context.Context, prompt render.ImagePrompt) (render.GeneratedImage, error) {
	request := imageRequest{
		Prompt:         prompt.Prompt,
		NegativePrompt: prompt.NegativePrompt,
		AspectRatio:    prompt.AspectRatio,
		BrandSettings:  prompt.BrandSettings,
	}
	for _, assetURL := range prompt.AssetURLs {
		request.Assets = append(request.Assets, imageAsset{Type: "image", URI: assetURL})
	}
	var response imageResponse
	if err := client.transport.postJSON(ctx, client.endpoint, request, &response); err != nil {
		return render.GeneratedImage{}, err
	}
	if len(response.SafetyIssues) > 0 {
		findings := make([]string, 0, len(response.SafetyIssues))
		for _, issue := range response.SafetyIssues {
			findings = append(findings, issue.Category+": "+issue.Probability)
		}
		return render.GeneratedImage{}, &render.GenerationError{
			Kind:    render.GenerationSafetyBlock,
			Message: "Generation blocked by safety settings: " + strings.Join(findings, ", "),
		}
	}
	if len(response.Images) == 0 || response.Images[0].ImageBase64 == "" {
		return render.GeneratedImage{}, &render.GenerationError{Kind: render.GenerationFatal, Message: "No image returned from provider"}
	}
	decoded, err := base64.StdEncoding.DecodeString(response.Images[0].ImageBase64)
	if err != nil {
		return render.GeneratedImage{}, &render.GenerationError{Kind: render.GenerationFatal, Message: "decode image", Err: err}
	}
	mimeType := response.Images[0].MimeType
	if mimeType == "" {
		mimeType = defaultImageMimeType
	}
	return render.GeneratedImage{
		Bytes:      decoded,
		MimeType:   mimeType,
		ResponseID: response.ResponseID,
		Usage:      response.UsageMetadata,
	}, nil
}
