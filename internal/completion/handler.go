package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/renderledger/internal/render"
	"github.com/MarkoPoloResearchLab/renderledger/internal/usage"
	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"go.uber.org/zap"
)

var (
	finalizationReason = mustReason("veo_render_finalization")
	failureReason      = mustReason("veo_render_failure")
)

func mustReason(raw string) ledger.Reason {
	reason, err := ledger.NewReason(raw)
	if err != nil {
		panic(err)
	}
	return reason
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(handler *Handler) {
		if logger != nil {
			handler.logger = logger
		}
	}
}

// WithReserves sets the per-kind fallback cost used when neither the
// notification nor the render carries one.
func WithReserves(reserves render.Reserves) Option {
	return func(handler *Handler) { handler.reserves = reserves }
}

// Handler applies provider notifications. Repeated or reordered deliveries
// are safe: statuses only move forward and settlement relies on the
// ledger's own idempotence.
type Handler struct {
	renders  render.Store
	ledger   render.Ledger
	recorder render.Recorder
	reserves render.Reserves
	logger   *zap.Logger
}

// NewHandler wires a Handler.
func NewHandler(renders render.Store, ledgerService render.Ledger, recorder render.Recorder, options ...Option) (*Handler, error) {
	if renders == nil || ledgerService == nil || recorder == nil {
		return nil, fmt.Errorf("%w: store, ledger and recorder are required", ErrInvalidHandlerConfig)
	}
	handler := &Handler{
		renders:  renders,
		ledger:   ledgerService,
		recorder: recorder,
		reserves: render.DefaultReserves(),
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(handler)
		}
	}
	return handler, nil
}

// Handle applies notification and returns the render's resulting state.
func (handler *Handler) Handle(ctx context.Context, notification Notification) (render.Render, error) {
	status, err := renderStatus(notification.Status)
	if err != nil {
		return render.Render{}, err
	}
	target, err := handler.lookup(ctx, notification)
	if err != nil {
		return render.Render{}, err
	}

	update := render.Update{Status: status}
	if notification.JobID != "" && target.ProviderJobID == "" {
		update.ProviderJobID = &notification.JobID
	}
	if notification.AssetURL != "" {
		update.OutputAssetURL = &notification.AssetURL
	}
	if notification.WatermarkURL != "" {
		update.WatermarkURL = &notification.WatermarkURL
	}
	if notification.CostInCredits != nil {
		cost := ledger.ClampCredits(*notification.CostInCredits)
		update.FinalCostCredits = &cost
	}
	if len(notification.UsageMetadata) > 0 {
		update.UsageMetadata = notification.UsageMetadata
	}
	if status == render.StatusFailed {
		message := notification.Error
		if message == "" {
			message = "Render failed"
		}
		update.Error = &message
	}

	updated, applied, err := handler.renders.UpdateRender(ctx, target.ID, update)
	if err != nil {
		return render.Render{}, fmt.Errorf("update render: %w", err)
	}
	if !applied && updated.Status != status {
		handler.logger.Info("ignored out of order notification",
			zap.String("render_id", updated.ID),
			zap.String("current_status", string(updated.Status)),
			zap.String("notified_status", string(status)),
		)
		return updated, nil
	}

	switch updated.Status {
	case render.StatusSucceeded:
		if err := handler.finalize(ctx, updated, notification, applied); err != nil {
			return updated, err
		}
	case render.StatusFailed:
		if err := handler.release(ctx, updated, applied); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

func (handler *Handler) lookup(ctx context.Context, notification Notification) (render.Render, error) {
	if notification.RenderID != "" {
		target, err := handler.renders.GetRender(ctx, notification.RenderID)
		if err == nil || !errors.Is(err, ledger.ErrRenderNotFound) || notification.JobID == "" {
			return target, err
		}
	}
	return handler.renders.FindRenderByJobID(ctx, notification.JobID)
}

func (handler *Handler) finalize(ctx context.Context, target render.Render, notification Notification, transitioned bool) error {
	accountID, renderID, err := render.LedgerIDs(target)
	if err != nil {
		return err
	}
	cost := handler.settledCost(target, notification)
	metadata := ledger.Metadata{
		ledger.MetadataKeyProjectID: target.ProjectID,
		ledger.MetadataKeyJobID:     target.ProviderJobID,
	}
	if target.OutputAssetURL != "" {
		metadata[ledger.MetadataKeyAssetURL] = target.OutputAssetURL
	}
	if _, err := handler.ledger.FinalizeCharge(ctx, accountID, renderID, cost, finalizationReason, metadata); err != nil {
		return fmt.Errorf("finalize charge: %w", err)
	}
	if transitioned {
		handler.recorder.Record(ctx, usage.Event{
			AccountID: target.AccountID,
			RenderID:  target.ID,
			Type:      usage.EventRenderCompleted,
			Metadata: ledger.Metadata{
				ledger.MetadataKeyProjectID:  target.ProjectID,
				ledger.MetadataKeyRenderType: string(target.Kind),
				usage.MetadataKeyCost:        cost.String(),
			},
		})
	}
	return nil
}

func (handler *Handler) release(ctx context.Context, target render.Render, transitioned bool) error {
	accountID, renderID, err := render.LedgerIDs(target)
	if err != nil {
		return err
	}
	metadata := ledger.Metadata{
		ledger.MetadataKeyProjectID: target.ProjectID,
		ledger.MetadataKeyJobID:     target.ProviderJobID,
		ledger.MetadataKeyError:     target.Error,
	}
	if _, err := handler.ledger.Release(ctx, accountID, renderID, failureReason, metadata); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	if transitioned {
		handler.recorder.Record(ctx, usage.Event{
			AccountID: target.AccountID,
			RenderID:  target.ID,
			Type:      usage.EventRenderFailed,
			Metadata: ledger.Metadata{
				ledger.MetadataKeyProjectID:  target.ProjectID,
				ledger.MetadataKeyRenderType: string(target.Kind),
				ledger.MetadataKeyError:      target.Error,
			},
		})
	}
	return nil
}

// settledCost picks the first known cost: notification, stored final cost,
// provider estimate, current reservation, then the kind's reserve.
func (handler *Handler) settledCost(target render.Render, notification Notification) ledger.Credits {
	switch {
	case notification.CostInCredits != nil:
		return ledger.ClampCredits(*notification.CostInCredits)
	case target.FinalCostCredits != nil:
		return *target.FinalCostCredits
	case target.EstimatedCredits != nil:
		return *target.EstimatedCredits
	case !target.ReservedCredits.IsZero():
		return target.ReservedCredits
	default:
		return handler.reserves.For(target.Kind)
	}
}
