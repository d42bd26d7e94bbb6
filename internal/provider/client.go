// Package provider holds HTTP adapters for the image and video generation
// services.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/renderledger/internal/render"
	"github.com/hashicorp/go-cleanhttp"
)

const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	contentTypeJSON     = "application/json"
	safetyBlockCode     = "SAFETY_BLOCK"
	maxErrorBodyBytes   = 4096
)

var ErrInvalidClientConfig = errors.New("invalid provider client config")

// Option configures a provider client.
type Option func(*transport)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(transport *transport) {
		if client != nil {
			transport.httpClient = client
		}
	}
}

type transport struct {
	httpClient *http.Client
	apiKey     string
}

func newTransport(apiKey string, options []Option) (*transport, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidClientConfig)
	}
	result := &transport{httpClient: cleanhttp.DefaultPooledClient(), apiKey: apiKey}
	for _, option := range options {
		if option != nil {
			option(result)
		}
	}
	return result, nil
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// postJSON sends payload and decodes a 2xx response into target. Failures
// come back as *render.GenerationError.
func (transport *transport) postJSON(ctx context.Context, endpoint string, payload any, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &render.GenerationError{Kind: render.GenerationFatal, Message: "encode request", Err: err}
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &render.GenerationError{Kind: render.GenerationFatal, Message: "build request", Err: err}
	}
	request.Header.Set(headerContentType, contentTypeJSON)
	request.Header.Set(headerAuthorization, "Bearer "+transport.apiKey)

	response, err := transport.httpClient.Do(request)
	if err != nil {
		return &render.GenerationError{Kind: render.GenerationTransient, Message: "provider unreachable", Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return classifyResponse(response)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return &render.GenerationError{Kind: render.GenerationFatal, Message: "decode response", Err: err}
	}
	return nil
}

func classifyResponse(response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	var payload errorPayload
	_ = json.Unmarshal(raw, &payload)
	message := firstNonEmpty(payload.Message, payload.Error, strings.TrimSpace(string(raw)), http.StatusText(response.StatusCode))
	statusErr := fmt.Errorf("provider returned %d", response.StatusCode)
	switch {
	case response.StatusCode == http.StatusBadRequest && strings.EqualFold(payload.Code, safetyBlockCode):
		return &render.GenerationError{Kind: render.GenerationSafetyBlock, Message: message, Err: statusErr}
	case response.StatusCode >= http.StatusInternalServerError, response.StatusCode == http.StatusTooManyRequests:
		return &render.GenerationError{Kind: render.GenerationTransient, Message: message, Err: statusErr}
	default:
		return &render.GenerationError{Kind: render.GenerationFatal, Message: message, Err: statusErr}
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
