package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/renderledger/internal/usage"
	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	insufficientCreditsMessage         = "Insufficient credits"
	insufficientEstimateCreditsMessage = "Insufficient credits for estimated cost"
	errorCodeInsufficientCredits       = "INSUFFICIENT_CREDITS"
	errorCodeGenerationFailed          = "GENERATION_FAILED"
	errorCodeSubmissionFailed          = "SUBMISSION_FAILED"
	errorCodeAssetStorageFailed        = "ASSET_STORAGE_FAILED"
	errorCodeSettlementFailed          = "SETTLEMENT_FAILED"

	reasonSuffixReservation = "_reservation"
	reasonSuffixAdjustment  = "_reservation_adjustment"

	defaultListLimit = 20
	maxListLimit     = 100

	defaultSettleTimeout       = 30 * time.Second
	finalizeAttempts           = 4
	finalizeRetryInitialPeriod = 50 * time.Millisecond
)

// Option configures a Service.
type Option func(*Service)

// WithImageGenerator wires the synchronous image provider.
func WithImageGenerator(generator ImageGenerator) Option {
	return func(service *Service) { service.images = generator }
}

// WithVideoProvider wires the asynchronous video provider.
func WithVideoProvider(provider VideoProvider) Option {
	return func(service *Service) { service.videos = provider }
}

// WithAssetStore wires output storage.
func WithAssetStore(assets AssetStore) Option {
	return func(service *Service) { service.assets = assets }
}

// WithJobTracker wires the video job queue.
func WithJobTracker(tracker JobTracker) Option {
	return func(service *Service) { service.jobs = tracker }
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithConfig overrides reserves and pricing.
func WithConfig(config Config) Option {
	return func(service *Service) { service.config = config }
}

// WithSettleTimeout bounds the ledger and store calls that settle a render
// once its provider call has returned.
func WithSettleTimeout(timeout time.Duration) Option {
	return func(service *Service) {
		if timeout > 0 {
			service.settleTimeout = timeout
		}
	}
}

// WithIDGenerator overrides render id generation.
func WithIDGenerator(generate func() (string, error)) Option {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

// Service runs render workflows: create the render, reserve credits, call
// the provider and settle the reservation.
type Service struct {
	store    Store
	ledger   Ledger
	recorder Recorder
	images   ImageGenerator
	videos   VideoProvider
	assets   AssetStore
	jobs     JobTracker
	logger   *zap.Logger
	config   Config
	newID    func() (string, error)

	settleTimeout time.Duration
}

// NewService wires a Service.
func NewService(store Store, ledgerService Ledger, recorder Recorder, options ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if recorder == nil {
		return nil, fmt.Errorf("%w: recorder dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:    store,
		ledger:   ledgerService,
		recorder: recorder,
		logger:   zap.NewNop(),
		config:   DefaultConfig(),
		newID:    NewRenderID,

		settleTimeout: defaultSettleTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Config returns the pricing in use.
func (service *Service) Config() Config {
	return service.config
}

// ImageRequest asks for a synchronous image render.
type ImageRequest struct {
	AccountID ledger.AccountID
	ProjectID string
	Prompt    ImagePrompt
}

// VideoRequest asks for an asynchronous video render.
type VideoRequest struct {
	AccountID       ledger.AccountID
	ProjectID       string
	Kind            Kind
	Prompt          string
	AspectRatio     string
	DurationSeconds int
	SourceRenderID  string
}

// GenerateImage reserves the image reserve, generates and stores the image,
// then finalizes the charge at its token cost. Failures release the
// reservation and leave the render FAILED.
func (service *Service) GenerateImage(ctx context.Context, request ImageRequest) (Render, error) {
	if service.images == nil || service.assets == nil {
		return Render{}, ErrProviderUnavailable
	}
	if strings.TrimSpace(request.Prompt.Prompt) == "" || strings.TrimSpace(request.ProjectID) == "" {
		return Render{}, fmt.Errorf("%w: prompt and project are required", ErrInvalidRequest)
	}
	render, ledgerRenderID, err := service.createRender(ctx, request.AccountID, request.ProjectID, KindImage, StatusProcessing, request.Prompt.Prompt)
	if err != nil {
		return Render{}, err
	}
	projectMetadata := ledger.Metadata{ledger.MetadataKeyProjectID: request.ProjectID}

	if _, err := service.ledger.Reserve(ctx, request.AccountID, ledgerRenderID, service.config.Reserves.Image, ReasonFor(KindImage, reasonSuffixReservation), projectMetadata); err != nil {
		return service.failBeforeReservation(ctx, render, err)
	}

	generated, err := service.images.GenerateImage(ctx, request.Prompt)
	if err != nil {
		return service.failAfterReservation(ctx, render, err, errorCodeGenerationFailed)
	}

	assetKey := AssetKey(request.ProjectID, render.ID, generated.MimeType)
	assetURL, err := service.assets.PutAsset(ctx, assetKey, generated.Bytes, generated.MimeType, map[string]string{
		ledger.MetadataKeyProjectID: request.ProjectID,
		"render_id":                 render.ID,
		"response_id":               generated.ResponseID,
	})
	if err != nil {
		return service.failAfterReservation(ctx, render, fmt.Errorf("store asset: %w", err), errorCodeAssetStorageFailed)
	}

	settleCtx, cancel := service.settlementContext(ctx)
	defer cancel()
	cost := service.config.ImageCost(generated.Usage)
	usageJSON, err := json.Marshal(generated.Usage)
	if err != nil {
		usageJSON = nil
	}
	updated, _, err := service.store.UpdateRender(settleCtx, render.ID, Update{
		Status:           StatusSucceeded,
		OutputAssetURL:   &assetURL,
		FinalCostCredits: &cost,
		UsageMetadata:    usageJSON,
	})
	if err != nil {
		return service.failAfterReservation(settleCtx, render, fmt.Errorf("mark render succeeded: %w", err), errorCodeSettlementFailed)
	}

	finalizeMetadata := projectMetadata.With(ledger.MetadataKeyTotalTokens, strconv.Itoa(generated.Usage.TotalTokens))
	if err := service.finalize(settleCtx, request.AccountID, ledgerRenderID, cost, ReasonFor(KindImage, ReasonSuffixFinalize), finalizeMetadata); err != nil {
		service.logger.Error("image charge left unsettled", zap.String("render_id", render.ID), zap.String("cost", cost.String()), zap.Error(err))
		return updated, fmt.Errorf("finalize charge: %w", err)
	}
	service.record(settleCtx, updated, usage.EventRenderCompleted, ledger.Metadata{
		ledger.MetadataKeyProjectID:  request.ProjectID,
		ledger.MetadataKeyRenderType: string(KindImage),
		usage.MetadataKeyCost:        cost.String(),
	})
	return updated, nil
}

// SubmitVideo reserves the kind's reserve and submits a provider job. The
// charge is settled later by the completion handler. A provider estimate
// replaces the default reservation.
func (service *Service) SubmitVideo(ctx context.Context, request VideoRequest) (Render, error) {
	if service.videos == nil {
		return Render{}, ErrProviderUnavailable
	}
	if !request.Kind.IsVideo() {
		return Render{}, fmt.Errorf("%w: %q is not a video kind", ErrInvalidKind, request.Kind)
	}
	if strings.TrimSpace(request.Prompt) == "" || strings.TrimSpace(request.ProjectID) == "" {
		return Render{}, fmt.Errorf("%w: prompt and project are required", ErrInvalidRequest)
	}
	render, ledgerRenderID, err := service.createRender(ctx, request.AccountID, request.ProjectID, request.Kind, StatusQueued, request.Prompt)
	if err != nil {
		return Render{}, err
	}
	projectMetadata := ledger.Metadata{ledger.MetadataKeyProjectID: request.ProjectID}

	if _, err := service.ledger.Reserve(ctx, request.AccountID, ledgerRenderID, service.config.Reserves.For(request.Kind), ReasonFor(request.Kind, reasonSuffixReservation), projectMetadata); err != nil {
		return service.failBeforeReservation(ctx, render, err)
	}

	receipt, err := service.videos.SubmitVideoJob(ctx, VideoJob{
		RenderID:        render.ID,
		Kind:            request.Kind,
		Prompt:          request.Prompt,
		AspectRatio:     request.AspectRatio,
		DurationSeconds: request.DurationSeconds,
		SourceRenderID:  request.SourceRenderID,
	})
	if err != nil {
		return service.failAfterReservation(ctx, render, err, errorCodeSubmissionFailed)
	}

	settleCtx, cancel := service.settlementContext(ctx)
	defer cancel()
	updated, applied, err := service.store.UpdateRender(settleCtx, render.ID, Update{
		Status:           StatusProcessing,
		ProviderJobID:    &receipt.JobID,
		EstimatedCredits: receipt.EstimatedCredits,
	})
	if err != nil {
		return render, fmt.Errorf("mark render processing: %w", err)
	}
	if !applied {
		service.logger.Info("render settled before submission was recorded", zap.String("render_id", render.ID), zap.String("status", string(updated.Status)))
		return updated, nil
	}

	if receipt.EstimatedCredits != nil {
		adjustMetadata := projectMetadata.With(ledger.MetadataKeyEstimatedCredits, receipt.EstimatedCredits.String())
		_, err := service.ledger.AdjustReservation(settleCtx, request.AccountID, ledgerRenderID, *receipt.EstimatedCredits, ReasonFor(request.Kind, reasonSuffixAdjustment), adjustMetadata)
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return service.failAfterReservation(settleCtx, updated, fmt.Errorf("%w: %s", ledger.ErrInsufficientCredits, insufficientEstimateCreditsMessage), errorCodeInsufficientCredits)
		}
		if err != nil {
			service.logger.Warn("reservation adjustment failed", zap.String("render_id", render.ID), zap.Error(err))
		}
	}

	if service.jobs != nil {
		trackErr := service.jobs.Track(settleCtx, TrackedJob{
			Kind:          request.Kind,
			RenderID:      render.ID,
			AccountID:     request.AccountID.String(),
			ProjectID:     request.ProjectID,
			ProviderJobID: receipt.JobID,
		})
		if trackErr != nil {
			service.logger.Warn("video job tracking failed", zap.String("render_id", render.ID), zap.String("job_id", receipt.JobID), zap.Error(trackErr))
		}
	}
	return updated, nil
}

// GetRender returns a render owned by accountID.
func (service *Service) GetRender(ctx context.Context, accountID ledger.AccountID, renderID string) (Render, error) {
	render, err := service.store.GetRender(ctx, renderID)
	if err != nil {
		return Render{}, err
	}
	if render.AccountID != accountID.String() {
		return Render{}, ledger.ErrRenderNotFound
	}
	return render, nil
}

// ListRenders lists renders owned by accountID, newest first.
func (service *Service) ListRenders(ctx context.Context, accountID ledger.AccountID, filter ListFilter) ([]Render, error) {
	filter.AccountID = accountID.String()
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return service.store.ListRenders(ctx, filter)
}

func (service *Service) createRender(ctx context.Context, accountID ledger.AccountID, projectID string, kind Kind, status Status, prompt string) (Render, ledger.RenderID, error) {
	renderID, err := service.newID()
	if err != nil {
		return Render{}, ledger.RenderID{}, err
	}
	ledgerRenderID, err := ledger.NewRenderID(renderID)
	if err != nil {
		return Render{}, ledger.RenderID{}, err
	}
	render := Render{
		ID:        renderID,
		AccountID: accountID.String(),
		ProjectID: projectID,
		Kind:      kind,
		Status:    status,
		Prompt:    prompt,
	}
	if err := service.store.CreateRender(ctx, render); err != nil {
		return Render{}, ledger.RenderID{}, fmt.Errorf("create render: %w", err)
	}
	service.record(ctx, render, usage.EventRenderRequested, ledger.Metadata{
		ledger.MetadataKeyProjectID:  projectID,
		ledger.MetadataKeyRenderType: string(kind),
	})
	return render, ledgerRenderID, nil
}

// failBeforeReservation marks the render FAILED when Reserve did not commit.
func (service *Service) failBeforeReservation(ctx context.Context, render Render, reserveErr error) (Render, error) {
	ctx, cancel := service.settlementContext(ctx)
	defer cancel()
	message := reserveErr.Error()
	code := errorCodeGenerationFailed
	if errors.Is(reserveErr, ledger.ErrInsufficientCredits) {
		message = insufficientCreditsMessage
		code = errorCodeInsufficientCredits
	}
	failed := service.markFailed(ctx, render, message)
	service.record(ctx, failed, usage.EventRenderFailed, ledger.Metadata{
		ledger.MetadataKeyProjectID:  render.ProjectID,
		ledger.MetadataKeyRenderType: string(render.Kind),
		usage.MetadataKeyErrorCode:   code,
		ledger.MetadataKeyError:      message,
	})
	return failed, reserveErr
}

// failAfterReservation marks the render FAILED and releases its reservation.
// Both writes run even when ctx is already cancelled.
func (service *Service) failAfterReservation(ctx context.Context, render Render, cause error, code string) (Render, error) {
	ctx, cancel := service.settlementContext(ctx)
	defer cancel()
	message := failureMessage(cause)
	failed := service.markFailed(ctx, render, message)
	accountID, renderID, err := LedgerIDs(render)
	if err == nil {
		_, err = service.ledger.Release(ctx, accountID, renderID, ReasonFor(render.Kind, ReasonSuffixRelease), ledger.Metadata{
			ledger.MetadataKeyProjectID: render.ProjectID,
			ledger.MetadataKeyError:     message,
		})
	}
	if err != nil {
		service.logger.Error("release after failure", zap.String("render_id", render.ID), zap.Error(err))
	}
	eventType := usage.EventRenderFailed
	if IsSafetyBlock(cause) {
		eventType = usage.EventPromptFiltered
	}
	service.record(ctx, failed, eventType, ledger.Metadata{
		ledger.MetadataKeyProjectID:  render.ProjectID,
		ledger.MetadataKeyRenderType: string(render.Kind),
		usage.MetadataKeyErrorCode:   code,
		ledger.MetadataKeyError:      message,
	})
	return failed, cause
}

// settlementContext keeps the values of ctx but not its cancellation or
// deadline, and applies the settle timeout instead.
func (service *Service) settlementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), service.settleTimeout)
}

// finalize retries FinalizeCharge on store failures. The ledger already
// retries version conflicts; its domain errors are final.
func (service *Service) finalize(ctx context.Context, accountID ledger.AccountID, renderID ledger.RenderID, cost ledger.Credits, reason ledger.Reason, metadata ledger.Metadata) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = finalizeRetryInitialPeriod
	_, err := backoff.Retry(ctx, func() (ledger.Result, error) {
		result, err := service.ledger.FinalizeCharge(ctx, accountID, renderID, cost, reason, metadata)
		if err == nil {
			return result, nil
		}
		if isLedgerRejection(err) {
			return ledger.Result{}, backoff.Permanent(err)
		}
		service.logger.Warn("finalize charge failed, retrying", zap.String("render_id", renderID.String()), zap.Error(err))
		return ledger.Result{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(finalizeAttempts))
	return err
}

func isLedgerRejection(err error) bool {
	for _, target := range []error{
		ledger.ErrAccountNotFound,
		ledger.ErrRenderNotFound,
		ledger.ErrRenderOwnership,
		ledger.ErrInvalidCredits,
		ledger.ErrInvalidReason,
		ledger.ErrInvalidMetadata,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (service *Service) markFailed(ctx context.Context, render Render, message string) Render {
	updated, _, err := service.store.UpdateRender(ctx, render.ID, Update{Status: StatusFailed, Error: &message})
	if err != nil {
		service.logger.Error("mark render failed", zap.String("render_id", render.ID), zap.Error(err))
		render.Status = StatusFailed
		render.Error = message
		return render
	}
	return updated
}

func (service *Service) record(ctx context.Context, render Render, eventType usage.EventType, metadata ledger.Metadata) {
	service.recorder.Record(ctx, usage.Event{
		AccountID: render.AccountID,
		RenderID:  render.ID,
		Type:      eventType,
		Metadata:  metadata,
	})
}

// LedgerIDs converts a render's identifiers into ledger ids.
func LedgerIDs(render Render) (ledger.AccountID, ledger.RenderID, error) {
	accountID, err := ledger.NewAccountID(render.AccountID)
	if err != nil {
		return ledger.AccountID{}, ledger.RenderID{}, err
	}
	renderID, err := ledger.NewRenderID(render.ID)
	if err != nil {
		return ledger.AccountID{}, ledger.RenderID{}, err
	}
	return accountID, renderID, nil
}

// Ledger reason suffixes used to settle a reservation.
const (
	ReasonSuffixRelease  = "_release"
	ReasonSuffixFinalize = "_finalization"
)

// ReasonFor returns the ledger reason for kind, e.g. "video_final_release".
func ReasonFor(kind Kind, suffix string) ledger.Reason {
	reason, err := ledger.NewReason(kind.reasonPrefix() + suffix)
	if err != nil {
		panic(fmt.Sprintf("render: invalid ledger reason for %s: %v", kind, err))
	}
	return reason
}
