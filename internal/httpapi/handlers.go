package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/renderledger/internal/render"
	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const signupGrantReason = "signup_credit_grant"

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":    claims.GetUserID(),
		"email":      claims.GetUserEmail(),
		"display":    claims.GetUserDisplayName(),
		"avatar_url": claims.GetUserAvatarURL(),
		"roles":      claims.GetUserRoles(),
		"expires":    claims.GetExpiresAt().Unix(),
	})
}

func (handler *httpHandler) handleBootstrap(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	if _, err := handler.dependencies.Ledger.OpenAccount(requestCtx, accountID); err != nil {
		handler.logger.Error("open account failed", zap.String("account_id", accountID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "account unavailable"))
		return
	}
	if handler.cfg.SignupGrantCredits.IsPositive() {
		if err := handler.grantSignupCredits(requestCtx, accountID); err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			handler.logger.Error("signup grant failed", zap.String("account_id", accountID.String()), zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "grant failed"))
			return
		}
	}
	handler.respondWithWallet(ctx, accountID)
}

func (handler *httpHandler) grantSignupCredits(ctx context.Context, accountID ledger.AccountID) error {
	amount, err := ledger.NewCredits(handler.cfg.SignupGrantCredits)
	if err != nil {
		return err
	}
	key, err := ledger.NewIdempotencyKey("signup:" + accountID.String())
	if err != nil {
		return err
	}
	reason, err := ledger.NewReason(signupGrantReason)
	if err != nil {
		return err
	}
	_, err = handler.dependencies.Ledger.Grant(ctx, accountID, amount, key, reason, ledger.Metadata{ledger.MetadataKeySource: "bootstrap"})
	return err
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	handler.respondWithWallet(ctx, accountID)
}

func (handler *httpHandler) respondWithWallet(ctx *gin.Context, accountID ledger.AccountID) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	account, err := handler.dependencies.Ledger.Balance(requestCtx, accountID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "call /api/bootstrap first"))
		return
	}
	if err != nil {
		handler.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	transactions, err := handler.dependencies.Ledger.ListTransactions(requestCtx, ledger.TransactionFilter{AccountID: accountID, Limit: walletHistoryLimit})
	if err != nil {
		handler.logger.Error("transactions fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(account, transactions)})
}

func (handler *httpHandler) handleImageRender(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	var request imageRenderRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	result, err := handler.dependencies.Renders.GenerateImage(requestCtx, render.ImageRequest{
		AccountID: accountID,
		ProjectID: strings.TrimSpace(request.ProjectID),
		Prompt: render.ImagePrompt{
			Prompt:         request.Prompt,
			NegativePrompt: request.NegativePrompt,
			AspectRatio:    request.AspectRatio,
			BrandSettings:  request.BrandSettings,
			AssetURLs:      request.AssetURLs,
		},
	})
	if err != nil {
		handler.respondRenderError(ctx, result, err, http.StatusInternalServerError)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"render": newRenderPayload(result)})
}

func (handler *httpHandler) handleVideoRender(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	var request videoRenderRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	kind, err := render.ParseKind(request.Type)
	if err != nil || !kind.IsVideo() {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_type", "type must be VIDEO_PREVIEW or VIDEO_FINAL"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	result, err := handler.dependencies.Renders.SubmitVideo(requestCtx, render.VideoRequest{
		AccountID:       accountID,
		ProjectID:       strings.TrimSpace(request.ProjectID),
		Kind:            kind,
		Prompt:          request.Prompt,
		AspectRatio:     request.AspectRatio,
		DurationSeconds: request.DurationSeconds,
		SourceRenderID:  request.SourceRenderID,
	})
	if err != nil {
		handler.respondRenderError(ctx, result, err, http.StatusBadGateway)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"render": newRenderPayload(result)})
}

// respondRenderError maps orchestrator failures to status codes. Provider
// failures other than safety refusals use providerStatus.
func (handler *httpHandler) respondRenderError(ctx *gin.Context, result render.Render, err error, providerStatus int) {
	var (
		statusCode int
		body       gin.H
	)
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		statusCode = http.StatusPaymentRequired
		body = errorResponse("insufficient_credits", "Insufficient credits")
	case errors.Is(err, ledger.ErrAccountNotFound):
		statusCode = http.StatusNotFound
		body = errorResponse("account_not_found", "call /api/bootstrap first")
	case errors.Is(err, render.ErrInvalidRequest), errors.Is(err, render.ErrInvalidKind):
		statusCode = http.StatusBadRequest
		body = errorResponse("invalid_request", err.Error())
	case errors.Is(err, render.ErrProviderUnavailable):
		statusCode = http.StatusServiceUnavailable
		body = errorResponse("provider_unavailable", "render provider not configured")
	case render.IsSafetyBlock(err):
		statusCode = http.StatusConflict
		body = errorResponse("prompt_filtered", result.Error)
	default:
		handler.logger.Error("render failed", zap.String("render_id", result.ID), zap.Error(err))
		statusCode = providerStatus
		message := result.Error
		if message == "" {
			message = "render failed"
		}
		body = errorResponse("render_failed", message)
	}
	if result.ID != "" {
		body["render"] = newRenderPayload(result)
	}
	ctx.JSON(statusCode, body)
}

func (handler *httpHandler) handleListRenders(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	filter := render.ListFilter{ProjectID: strings.TrimSpace(ctx.Query("projectId"))}
	if rawKind := ctx.Query("type"); rawKind != "" {
		kind, err := render.ParseKind(rawKind)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_type", err.Error()))
			return
		}
		filter.Kind = kind
	}
	if rawStatus := ctx.Query("status"); rawStatus != "" {
		status, err := render.ParseStatus(rawStatus)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_status", err.Error()))
			return
		}
		filter.Status = status
	}
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	if rawBefore := ctx.Query("before"); rawBefore != "" {
		before, err := strconv.ParseInt(rawBefore, 10, 64)
		if err != nil || before <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", "before must be unix seconds"))
			return
		}
		filter.Before = time.Unix(before, 0).UTC()
	}
	renders, err := handler.dependencies.Renders.ListRenders(ctx.Request.Context(), accountID, filter)
	if err != nil {
		handler.logger.Error("list renders failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "renders unavailable"))
		return
	}
	payloads := make([]renderPayload, 0, len(renders))
	for _, item := range renders {
		payloads = append(payloads, newRenderPayload(item))
	}
	ctx.JSON(http.StatusOK, gin.H{"renders": payloads})
}

func (handler *httpHandler) handleGetRender(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	item, err := handler.dependencies.Renders.GetRender(ctx.Request.Context(), accountID, ctx.Param("renderId"))
	if errors.Is(err, ledger.ErrRenderNotFound) {
		ctx.JSON(http.StatusNotFound, errorResponse("render_not_found", "render not found"))
		return
	}
	if err != nil {
		handler.logger.Error("get render failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "render unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"render": newRenderPayload(item)})
}
