// Package httpapi is the HTTP surface: session-authenticated wallet and
// render endpoints plus the signed provider webhook.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/renderledger/internal/completion"
	"github.com/MarkoPoloResearchLab/renderledger/internal/render"
	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	shutdownTimeout  = 5 * time.Second
)

var errMissingDependency = errors.New("httpapi dependency is nil")

// Dependencies are the services the handlers call.
type Dependencies struct {
	Ledger     *ledger.Service
	Renders    *render.Service
	Completion *completion.Handler
	Verifier   *completion.Verifier
}

func (dependencies Dependencies) validate() error {
	if dependencies.Ledger == nil || dependencies.Renders == nil || dependencies.Completion == nil || dependencies.Verifier == nil {
		return errMissingDependency
	}
	return nil
}

// NewRouter builds the gin engine with CORS, session auth on /api and the
// unauthenticated webhook route.
func NewRouter(cfg Config, dependencies Dependencies, logger *zap.Logger) (*gin.Engine, error) {
	if err := dependencies.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:       logger,
		cfg:          cfg,
		dependencies: dependencies,
	}
	return setupRouter(cfg, handler, validator), nil
}

// Run serves the router on cfg.ListenAddr until ctx is cancelled.
func Run(ctx context.Context, cfg Config, dependencies Dependencies, logger *zap.Logger) error {
	router, err := NewRouter(cfg, dependencies, logger)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhooks/renders", handler.handleRenderWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/session", handler.handleSession)
	api.POST("/bootstrap", handler.handleBootstrap)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/renders/image", handler.handleImageRender)
	api.POST("/renders/video", handler.handleVideoRender)
	api.GET("/renders", handler.handleListRenders)
	api.GET("/renders/:renderId", handler.handleGetRender)

	return router
}

type httpHandler struct {
	logger       *zap.Logger
	cfg          Config
	dependencies Dependencies
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// requireAccount resolves the session user into a ledger account id,
// writing a 401 when the session is missing or unusable.
func requireAccount(ctx *gin.Context) (ledger.AccountID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.AccountID{}, false
	}
	accountID, err := ledger.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user id"))
		return ledger.AccountID{}, false
	}
	return accountID, true
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
