package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/renderledger/internal/assets"
	"github.com/MarkoPoloResearchLab/renderledger/internal/completion"
	"github.com/MarkoPoloResearchLab/renderledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/renderledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/renderledger/internal/jobqueue"
	"github.com/MarkoPoloResearchLab/renderledger/internal/provider"
	"github.com/MarkoPoloResearchLab/renderledger/internal/render"
	"github.com/MarkoPoloResearchLab/renderledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/renderledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/renderledger/internal/usage"
	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	flagDatabaseURL          = "database-url"
	flagLedgerStore          = "ledger-store"
	flagAutoMigrate          = "auto-migrate"
	flagGRPCListenAddr       = "grpc-listen-addr"
	flagHTTPListenAddr       = "http-listen-addr"
	flagAllowedOrigins       = "allowed-origins"
	flagJWTSigningKey        = "jwt-signing-key"
	flagJWTIssuer            = "jwt-issuer"
	flagJWTCookieName        = "jwt-cookie-name"
	flagWebhookSecret        = "webhook-secret"
	flagWebhookWindow        = "webhook-window"
	flagRequestTimeout       = "request-timeout"
	flagSignupGrantCredits   = "signup-grant-credits"
	flagImageReserve         = "image-reserve"
	flagVideoPreviewReserve  = "video-preview-reserve"
	flagVideoFinalReserve    = "video-final-reserve"
	flagImageCostPer1K       = "image-cost-per-1k-tokens"
	flagProviderAPIKey       = "provider-api-key"
	flagImageEndpoint        = "image-endpoint"
	flagVideoPreviewEndpoint = "video-preview-endpoint"
	flagVideoFinalEndpoint   = "video-final-endpoint"
	flagS3Bucket             = "s3-bucket"
	flagS3Region             = "s3-region"
	flagS3Endpoint           = "s3-endpoint"
	flagS3Prefix             = "s3-prefix"
	flagAssetBaseURL         = "asset-base-url"
	flagRedisAddr            = "redis-addr"
	flagRedisPassword        = "redis-password"
	flagRedisDB              = "redis-db"
	flagUsageBufferSize      = "usage-buffer-size"
	flagUsageBatchSize       = "usage-batch-size"
	flagUsageFlushInterval   = "usage-flush-interval"

	ledgerStoreGORM = "gorm"
	ledgerStorePGX  = "pgx"

	defaultDatabaseURL    = "sqlite:///tmp/renderledger.db"
	defaultGRPCListenAddr = ":7000"
	defaultWebhookWindow  = 5 * time.Minute
)

type serveConfig struct {
	DatabaseURL     string
	LedgerStore     string
	AutoMigrate     bool
	GRPCListenAddr  string
	HTTP            httpapi.Config
	Render          render.Config
	ProviderAPIKey  string
	ImageEndpoint   string
	VideoEndpoints  provider.VideoEndpoints
	Assets          assets.Config
	Redis           jobqueue.Config
	UsageBufferSize int
	UsageBatchSize  int
	UsageFlush      time.Duration
}

func registerServeFlags(cmd *cobra.Command) {
	defaults := render.DefaultReserves()
	flags := cmd.Flags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "database URL (postgres:// or sqlite://)")
	flags.String(flagLedgerStore, ledgerStoreGORM, "ledger store implementation: gorm or pgx (postgres only)")
	flags.Bool(flagAutoMigrate, false, "auto-migrate postgres schemas (sqlite is always migrated)")
	flags.String(flagGRPCListenAddr, defaultGRPCListenAddr, "admin gRPC listen address")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.String(flagWebhookSecret, "", "shared secret for provider notifications (required)")
	flags.Duration(flagWebhookWindow, defaultWebhookWindow, "accepted notification timestamp skew")
	flags.Duration(flagRequestTimeout, 0, "per-request ledger and provider timeout")
	flags.String(flagSignupGrantCredits, "0", "credits granted once when an account is bootstrapped")
	flags.String(flagImageReserve, defaults.Image.String(), "credits reserved per image render")
	flags.String(flagVideoPreviewReserve, defaults.VideoPreview.String(), "credits reserved per video preview")
	flags.String(flagVideoFinalReserve, defaults.VideoFinal.String(), "credits reserved per final video")
	flags.String(flagImageCostPer1K, "0", "image price per 1000 tokens; 0 charges the image reserve")
	flags.String(flagProviderAPIKey, "", "bearer token for the render providers")
	flags.String(flagImageEndpoint, "", "image generation endpoint")
	flags.String(flagVideoPreviewEndpoint, "", "video preview job endpoint")
	flags.String(flagVideoFinalEndpoint, "", "final video job endpoint")
	flags.String(flagS3Bucket, "", "bucket for render outputs")
	flags.String(flagS3Region, "", "bucket region")
	flags.String(flagS3Endpoint, "", "S3-compatible endpoint override")
	flags.String(flagS3Prefix, "", "object key prefix")
	flags.String(flagAssetBaseURL, "", "public CDN base URL for render outputs")
	flags.String(flagRedisAddr, "", "Redis address for video job tracking")
	flags.String(flagRedisPassword, "", "Redis password")
	flags.Int(flagRedisDB, 0, "Redis database")
	flags.Int(flagUsageBufferSize, 1024, "usage event buffer size")
	flags.Int(flagUsageBatchSize, 100, "usage events written per batch")
	flags.Duration(flagUsageFlushInterval, time.Second, "usage batch flush interval")
}

func loadServeConfig(cmd *cobra.Command, cfg *serveConfig) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	if !v.IsSet(flagJWTSigningKey) || strings.TrimSpace(v.GetString(flagJWTSigningKey)) == "" {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}
	if !v.IsSet(flagWebhookSecret) || strings.TrimSpace(v.GetString(flagWebhookSecret)) == "" {
		return fmt.Errorf("%s is required", flagWebhookSecret)
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.LedgerStore = strings.ToLower(strings.TrimSpace(v.GetString(flagLedgerStore)))
	switch cfg.LedgerStore {
	case "", ledgerStoreGORM:
		cfg.LedgerStore = ledgerStoreGORM
	case ledgerStorePGX:
		if driver, _, err := resolveDriver(cfg.DatabaseURL); err != nil || driver != driverPostgres {
			return fmt.Errorf("%s=%s requires a postgres %s", flagLedgerStore, ledgerStorePGX, flagDatabaseURL)
		}
	default:
		return fmt.Errorf("unsupported %s %q", flagLedgerStore, cfg.LedgerStore)
	}
	cfg.AutoMigrate = v.GetBool(flagAutoMigrate)
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	if cfg.GRPCListenAddr == "" {
		cfg.GRPCListenAddr = defaultGRPCListenAddr
	}

	signupGrant, err := decimal.NewFromString(strings.TrimSpace(v.GetString(flagSignupGrantCredits)))
	if err != nil {
		return fmt.Errorf("%s: %w", flagSignupGrantCredits, err)
	}
	cfg.HTTP = httpapi.Config{
		ListenAddr:         strings.TrimSpace(v.GetString(flagHTTPListenAddr)),
		AllowedOrigins:     httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey:  v.GetString(flagJWTSigningKey),
		SessionIssuer:      strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName:  strings.TrimSpace(v.GetString(flagJWTCookieName)),
		WebhookSecret:      v.GetString(flagWebhookSecret),
		WebhookWindow:      v.GetDuration(flagWebhookWindow),
		RequestTimeout:     v.GetDuration(flagRequestTimeout),
		SignupGrantCredits: signupGrant,
	}
	if err := cfg.HTTP.Validate(); err != nil {
		return err
	}

	reserves := render.Reserves{}
	for flagName, target := range map[string]*ledger.Credits{
		flagImageReserve:        &reserves.Image,
		flagVideoPreviewReserve: &reserves.VideoPreview,
		flagVideoFinalReserve:   &reserves.VideoFinal,
	} {
		credits, err := ledger.ParseCredits(v.GetString(flagName))
		if err != nil {
			return fmt.Errorf("%s: %w", flagName, err)
		}
		if credits.IsZero() {
			return fmt.Errorf("%s must be positive", flagName)
		}
		*target = credits
	}
	imageRate, err := decimal.NewFromString(strings.TrimSpace(v.GetString(flagImageCostPer1K)))
	if err != nil || imageRate.IsNegative() {
		return fmt.Errorf("%s must be a non-negative number", flagImageCostPer1K)
	}
	cfg.Render = render.Config{Reserves: reserves, ImageCostPer1KTokens: imageRate}

	cfg.ProviderAPIKey = v.GetString(flagProviderAPIKey)
	cfg.ImageEndpoint = strings.TrimSpace(v.GetString(flagImageEndpoint))
	cfg.VideoEndpoints = provider.VideoEndpoints{
		Preview: strings.TrimSpace(v.GetString(flagVideoPreviewEndpoint)),
		Final:   strings.TrimSpace(v.GetString(flagVideoFinalEndpoint)),
	}
	cfg.Assets = assets.Config{
		Bucket:        strings.TrimSpace(v.GetString(flagS3Bucket)),
		Region:        strings.TrimSpace(v.GetString(flagS3Region)),
		Endpoint:      strings.TrimSpace(v.GetString(flagS3Endpoint)),
		Prefix:        strings.TrimSpace(v.GetString(flagS3Prefix)),
		PublicBaseURL: strings.TrimSpace(v.GetString(flagAssetBaseURL)),
	}
	cfg.Redis = jobqueue.Config{
		Addr:     strings.TrimSpace(v.GetString(flagRedisAddr)),
		Password: v.GetString(flagRedisPassword),
		DB:       v.GetInt(flagRedisDB),
	}
	cfg.UsageBufferSize = v.GetInt(flagUsageBufferSize)
	cfg.UsageBatchSize = v.GetInt(flagUsageBatchSize)
	cfg.UsageFlush = v.GetDuration(flagUsageFlushInterval)
	return nil
}

func runServe(ctx context.Context, cfg *serveConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := prepareSchema(gormDB, driver, cfg.AutoMigrate); err != nil {
		return err
	}
	store := gormstore.New(gormDB)

	recorder, err := usage.NewRecorder(store,
		usage.WithLogger(logger.Named("usage")),
		usage.WithBatching(cfg.UsageBufferSize, cfg.UsageBatchSize, cfg.UsageFlush),
	)
	if err != nil {
		return fmt.Errorf("usage recorder init: %w", err)
	}
	recorder.Start()
	defer recorder.Close()

	var ledgerStore ledger.Store = store
	if cfg.LedgerStore == ledgerStorePGX {
		pool, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
		defer pool.Close()
		ledgerStore = pgstore.New(pool)
	}
	ledgerService, err := ledger.NewService(ledgerStore, time.Now, ledger.WithOperationLogger(recorder))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	renderOptions, closeRenderDeps, err := buildRenderOptions(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRenderDeps()
	renderService, err := render.NewService(store, ledgerService, recorder, renderOptions...)
	if err != nil {
		return fmt.Errorf("render service init: %w", err)
	}
	completionHandler, err := completion.NewHandler(store, ledgerService, recorder,
		completion.WithLogger(logger.Named("completion")),
		completion.WithReserves(cfg.Render.Reserves),
	)
	if err != nil {
		return fmt.Errorf("completion handler init: %w", err)
	}
	verifierOptions := []completion.VerifierOption{}
	if cfg.HTTP.WebhookWindow > 0 {
		verifierOptions = append(verifierOptions, completion.WithWindow(cfg.HTTP.WebhookWindow))
	}
	verifier, err := completion.NewVerifier(cfg.HTTP.WebhookSecret, verifierOptions...)
	if err != nil {
		return fmt.Errorf("webhook verifier init: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	grpcserver.RegisterCreditAdminServer(grpcServer, grpcserver.NewCreditAdminServer(ledgerService))

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		grpcErrCh <- grpcServer.Serve(lis)
	}()

	httpCtx, cancelHTTP := context.WithCancel(ctx)
	defer cancelHTTP()
	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- httpapi.Run(httpCtx, cfg.HTTP, httpapi.Dependencies{
			Ledger:     ledgerService,
			Renders:    renderService,
			Completion: completionHandler,
			Verifier:   verifier,
		}, logger.Named("http"))
	}()

	var (
		runErr     error
		grpcExited bool
		httpExited bool
	)
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr := <-grpcErrCh:
		grpcExited = true
		if serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			runErr = fmt.Errorf("grpc serve: %w", serveErr)
		}
	case httpErr := <-httpErrCh:
		httpExited = true
		runErr = httpErr
	}

	cancelHTTP()
	if !grpcExited {
		grpcServer.GracefulStop()
		if serveErr := <-grpcErrCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) && runErr == nil {
			runErr = fmt.Errorf("grpc serve: %w", serveErr)
		}
	}
	if !httpExited {
		if httpErr := <-httpErrCh; httpErr != nil && runErr == nil {
			runErr = httpErr
		}
	}
	return runErr
}

// buildRenderOptions wires the optional provider, storage and queue
// adapters. Missing settings leave the adapter unset and the matching
// render endpoints report the provider as unavailable.
func buildRenderOptions(ctx context.Context, cfg *serveConfig, logger *zap.Logger) ([]render.Option, func(), error) {
	options := []render.Option{
		render.WithConfig(cfg.Render),
		render.WithLogger(logger.Named("render")),
	}
	closers := []func(){}
	closeAll := func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}

	if cfg.ImageEndpoint != "" {
		imageClient, err := provider.NewImageClient(cfg.ImageEndpoint, cfg.ProviderAPIKey)
		if err != nil {
			return nil, closeAll, fmt.Errorf("image provider init: %w", err)
		}
		options = append(options, render.WithImageGenerator(imageClient))
	} else {
		logger.Warn("image endpoint not configured; image renders disabled")
	}
	if cfg.VideoEndpoints.Preview != "" || cfg.VideoEndpoints.Final != "" {
		videoClient, err := provider.NewVideoClient(cfg.VideoEndpoints, cfg.ProviderAPIKey)
		if err != nil {
			return nil, closeAll, fmt.Errorf("video provider init: %w", err)
		}
		options = append(options, render.WithVideoProvider(videoClient))
	} else {
		logger.Warn("video endpoints not configured; video renders disabled")
	}
	if cfg.Assets.Bucket != "" {
		assetStore, err := assets.NewS3Store(ctx, cfg.Assets)
		if err != nil {
			return nil, closeAll, fmt.Errorf("asset store init: %w", err)
		}
		options = append(options, render.WithAssetStore(assetStore))
	}
	if cfg.Redis.Addr != "" {
		tracker, client, err := jobqueue.NewTracker(cfg.Redis)
		if err != nil {
			return nil, closeAll, fmt.Errorf("job tracker init: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		options = append(options, render.WithJobTracker(tracker))
	}
	return options, closeAll, nil
}
