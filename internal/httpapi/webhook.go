package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/MarkoPoloResearchLab/renderledger/internal/completion"
	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

// handleRenderWebhook authenticates a provider notification over the raw
// body before decoding it.
func (handler *httpHandler) handleRenderWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "body unreadable"))
		return
	}
	signature := ctx.GetHeader(completion.HeaderSignature)
	timestamp := ctx.GetHeader(completion.HeaderTimestamp)
	if err := handler.dependencies.Verifier.Verify(signature, timestamp, body); err != nil {
		handler.logger.Warn("webhook rejected", zap.Error(err))
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid signature"))
		return
	}
	notification, err := completion.ParseNotification(body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	updated, err := handler.dependencies.Completion.Handle(ctx.Request.Context(), notification)
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"render": newRenderPayload(updated)})
	case errors.Is(err, completion.ErrUnsupportedStatus):
		ctx.JSON(http.StatusBadRequest, errorResponse("unsupported_status", err.Error()))
	case errors.Is(err, ledger.ErrRenderNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("render_not_found", "Render not found"))
	default:
		handler.logger.Error("webhook handling failed",
			zap.String("job_id", notification.JobID),
			zap.String("render_id", notification.RenderID),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, errorResponse("webhook_failed", "notification not applied"))
	}
}
