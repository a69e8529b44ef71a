// Package app wires every component into the runtime modes the process
// supports: api (HTTP server), worker (queue consumers, outbox dispatcher,
// retention scheduler), and retention (the retention scheduler alone). A
// "migrate" mode only applies schema migrations and exits, for use in
// deploy init containers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/costwatchdog/engine/internal/audit"
	"github.com/costwatchdog/engine/internal/config"
	"github.com/costwatchdog/engine/internal/httpport"
	"github.com/costwatchdog/engine/internal/platform"
	"github.com/costwatchdog/engine/internal/telemetry"
	"github.com/costwatchdog/engine/pkg/aggregate"
	"github.com/costwatchdog/engine/pkg/alertdispatch"
	"github.com/costwatchdog/engine/pkg/anomaly"
	"github.com/costwatchdog/engine/pkg/auth"
	"github.com/costwatchdog/engine/pkg/document"
	"github.com/costwatchdog/engine/pkg/ingestion"
	"github.com/costwatchdog/engine/pkg/outbox"
	"github.com/costwatchdog/engine/pkg/queue"
	"github.com/costwatchdog/engine/pkg/ratelimit"
	"github.com/costwatchdog/engine/pkg/retention"
	"github.com/costwatchdog/engine/pkg/user"
	"github.com/costwatchdog/engine/pkg/worker"
)

// Run reads config, connects to infrastructure, and starts the mode
// cfg.Mode selects.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting cost-watchdog engine", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	if cfg.Mode == "migrate" {
		return nil
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(collectors.NewGoCollector())
	metricsReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsReg.MustRegister(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb, metricsReg)
	case "retention":
		return runRetention(ctx, cfg, logger, db, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// authStack bundles every component the auth handler and the HTTP
// middleware chain need, built once by runAPI.
type authStack struct {
	tokens     *auth.TokenManager
	families   *auth.FamilyStore
	sessions   *auth.SessionRegistry
	blacklist  *auth.Blacklist
	lockout    *auth.LockoutStore
	mfa        *auth.MFAStore
	apiKeys    *auth.APIKeyStore
	attempts   *auth.LoginAttemptStore
	resets     *auth.PasswordResetStore
	csrf       *auth.CSRFManager
	limiter    *ratelimit.Limiter
	service    *auth.Service
	middleware func(http.Handler) http.Handler
}

func buildAuthStack(cfg *config.Config, db *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger) (*authStack, error) {
	accessTTL, err := time.ParseDuration(cfg.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("parsing access token ttl %q: %w", cfg.AccessTokenTTL, err)
	}
	refreshTTL, err := time.ParseDuration(cfg.RefreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("parsing refresh token ttl %q: %w", cfg.RefreshTokenTTL, err)
	}

	tokens, err := auth.NewTokenManager(cfg.AuthSecret, accessTTL, refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("creating token manager: %w", err)
	}

	families := auth.NewFamilyStore(rdb, refreshTTL)
	sessions := auth.NewSessionRegistry(rdb, refreshTTL)
	blacklist := auth.NewBlacklist(rdb)
	lockout := auth.NewLockoutStore(rdb)
	mfa := auth.NewMFAStore(db, cfg.FieldEncryptionKey, cfg.MFAIssuer)
	apiKeys := auth.NewAPIKeyStore(db)
	attempts := auth.NewLoginAttemptStore(db)
	resets := auth.NewPasswordResetStore(db)
	csrf := auth.NewCSRFManager(cfg.CookieSecret)
	limiter := ratelimit.New(rdb, cfg.IsProduction())

	service := auth.NewService(db, tokens, families, sessions, blacklist, lockout, mfa, attempts, limiter, logger)
	middleware := auth.Middleware(tokens, sessions, blacklist, apiKeys, logger)

	return &authStack{
		tokens: tokens, families: families, sessions: sessions, blacklist: blacklist,
		lockout: lockout, mfa: mfa, apiKeys: apiKeys, attempts: attempts, resets: resets,
		csrf: csrf, limiter: limiter, service: service, middleware: middleware,
	}, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	authSt, err := buildAuthStack(cfg, db, rdb, logger)
	if err != nil {
		return err
	}

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	srv := httpport.NewServer(cfg, logger, db, rdb, metricsReg)

	rateLimitKey := identityRateLimitKey
	defaultLimit := httpport.RateLimit(authSt.limiter, "default", rateLimitKey)
	authLimit := httpport.RateLimit(authSt.limiter, "auth", rateLimitKey)

	authHandler := auth.NewHandler(authSt.service, authSt.mfa, authSt.apiKeys, authSt.csrf, cfg, logger)
	srv.Mount("/auth", chainMiddleware(authHandler.Routes(authSt.middleware), authLimit))

	resetEmail := alertdispatch.NewEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUser, cfg.SMTPPass)
	resetHandler := user.NewResetHandler(user.NewService(db, logger), authSt.resets, authSt.service, resetEmail, logger)
	srv.Mount("/password-reset", chainMiddleware(resetHandler.Routes(), authLimit))

	srv.Mount("/users", chainMiddleware(
		user.NewHandler(db, logger, auditWriter).Routes(),
		authSt.middleware, defaultLimit, auth.RequireRole(auth.RoleAdmin),
	))
	srv.Mount("/me", chainMiddleware(
		user.NewHandler(db, logger, auditWriter).SelfServiceRoutes(),
		authSt.middleware, defaultLimit,
	))
	srv.Mount("/audit-log", chainMiddleware(
		audit.NewHandler(db, logger).Routes(),
		authSt.middleware, defaultLimit, auth.RequireRole(auth.RoleAdmin, auth.RoleAuditor),
	))

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// identityRateLimitKey scopes the rate limiter to the authenticated API key
// or user when Middleware has already run upstream (e.g. /me, /users),
// falling back to the client IP for unauthenticated requests (e.g.
// /auth/login, where no Identity exists yet).
func identityRateLimitKey(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id != nil {
		if id.APIKeyID != nil {
			return "api:" + id.APIKeyID.String()
		}
		return "user:" + id.UserID.String()
	}
	return "ip:" + clientIP(r)
}

// clientIP strips the port from RemoteAddr, falling back to the raw value
// if it isn't in host:port form (e.g. behind certain test transports).
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// chainMiddleware wraps h with the given middlewares, outermost first —
// chainMiddleware(h, A, B) runs A(B(h)).
func chainMiddleware(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// configRouter resolves the channels an anomaly alert fans out to from
// static config: an in-app entry always, one email target per configured
// recipient, and a Slack/Teams target each only if its webhook is set.
// A future iteration could consult per-user notification preferences
// (pkg/user.NotificationSettings) instead of this blanket broadcast.
type configRouter struct {
	cfg *config.Config
}

func (r configRouter) RouteAnomalyAlert(_ context.Context, _ uuid.UUID, _ string) ([]outbox.ChannelTarget, error) {
	var targets []outbox.ChannelTarget
	targets = append(targets, outbox.ChannelTarget{Channel: alertdispatch.ChannelInApp, Recipient: ""})
	for _, recipient := range r.cfg.AlertEmailRecipients {
		if recipient == "" {
			continue
		}
		targets = append(targets, outbox.ChannelTarget{Channel: alertdispatch.ChannelEmail, Recipient: recipient})
	}
	if r.cfg.SlackWebhookURL != "" {
		targets = append(targets, outbox.ChannelTarget{Channel: alertdispatch.ChannelSlack, Recipient: r.cfg.SlackWebhookURL})
	}
	if r.cfg.TeamsWebhookURL != "" {
		targets = append(targets, outbox.ChannelTarget{Channel: alertdispatch.ChannelTeams, Recipient: r.cfg.TeamsWebhookURL})
	}
	return targets, nil
}

func buildAlertRegistry(cfg *config.Config) *alertdispatch.Registry {
	registry := alertdispatch.NewRegistry()
	registry.Register(alertdispatch.ChannelEmail, alertdispatch.NewEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUser, cfg.SMTPPass))
	registry.Register(alertdispatch.ChannelInApp, alertdispatch.NewInAppSender())
	if cfg.SlackWebhookURL != "" {
		registry.Register(alertdispatch.ChannelSlack, alertdispatch.NewSlackSender(cfg.SlackWebhookURL))
	}
	if cfg.TeamsWebhookURL != "" {
		registry.Register(alertdispatch.ChannelTeams, alertdispatch.NewTeamsSender(cfg.TeamsWebhookURL))
	}
	return registry
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	objects, err := document.NewFileStore(cfg.DocumentStoreDir)
	if err != nil {
		return fmt.Errorf("creating document object store: %w", err)
	}

	ingestionService := ingestion.NewService(db, objects, logger,
		telemetry.DocumentsIngestedTotal, telemetry.CostRecordsExtractedTotal, telemetry.IngestionDuration)
	anomalyEngine := anomaly.NewEngine(db, anomaly.DefaultSettings(), logger,
		telemetry.AnomaliesDetectedTotal, telemetry.AnomalyCheckDuration)
	aggregateWorker := aggregate.NewWorker(db, logger, telemetry.AggregationRebuildsTotal)

	alertRegistry := buildAlertRegistry(cfg)
	alertWorker := alertdispatch.NewWorker(db, alertRegistry, cfg.MaxAlertsPerDay, logger)

	extractionQ := queue.New("extraction", rdb, logger)
	anomalyQ := queue.New("anomaly", rdb, logger)
	aggregationQ := queue.New("aggregation", rdb, logger)
	alertsQ := queue.New("alerts", rdb, logger)

	pools := worker.NewPools(extractionQ, anomalyQ, aggregationQ, alertsQ,
		ingestionService, anomalyEngine, aggregateWorker, alertWorker, logger)

	pollInterval, err := time.ParseDuration(cfg.OutboxPollInterval)
	if err != nil {
		return fmt.Errorf("parsing outbox poll interval %q: %w", cfg.OutboxPollInterval, err)
	}
	dispatcher := outbox.NewDispatcher(db, alertsQ, anomalyQ, aggregationQ, configRouter{cfg: cfg}, logger,
		pollInterval, cfg.OutboxBatchSize, telemetry.OutboxEventsDispatchedTotal)

	scheduler, err := buildRetentionScheduler(cfg, db, rdb, logger)
	if err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting retention scheduler: %w", err)
	}
	defer scheduler.Stop()

	logger.Info("worker started")

	done := make(chan struct{})
	go func() {
		pools.Run(ctx)
		close(done)
	}()

	if err := dispatcher.Run(ctx); err != nil {
		return fmt.Errorf("outbox dispatcher: %w", err)
	}
	<-done
	return nil
}

func buildRetentionScheduler(cfg *config.Config, db *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger) (*retention.Scheduler, error) {
	windows := retention.Windows{
		OutboxDays:        cfg.RetentionOutboxDays,
		LoginAttemptDays:  cfg.RetentionLoginAttemptDays,
		PasswordResetDays: cfg.RetentionPasswordResetDays,
		AuditLogDays:      cfg.RetentionAuditLogDays,
		ArchiveAuditLogs:  cfg.RetentionArchiveAuditLogs,
		BatchSize:         cfg.RetentionBatchSize,
	}
	deps := retention.Deps{
		OutboxStore:   outbox.NewStore(db),
		LoginAttempts: auth.NewLoginAttemptStore(db),
		PasswordReset: auth.NewPasswordResetStore(db),
		Blacklist:     auth.NewBlacklist(rdb),
		AuditPurge: func(ctx context.Context, cutoff time.Time, batchSize int, archive bool) (int, error) {
			return audit.PurgeBefore(ctx, db, cutoff, batchSize, archive)
		},
	}
	onResult := func(r retention.TaskResult) {
		telemetry.RetentionRowsPurgedTotal.WithLabelValues(r.Task).Add(float64(r.DeletedCount))
	}
	return retention.NewScheduler(cfg.RetentionCronExpr, windows, deps, logger, onResult)
}

// runRetention runs the retention scheduler standalone, for deployments
// that split it into its own process/cron job instead of bundling it into
// the worker mode.
func runRetention(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	scheduler, err := buildRetentionScheduler(cfg, db, rdb, logger)
	if err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting retention scheduler: %w", err)
	}
	defer scheduler.Stop()

	logger.Info("retention scheduler running standalone")
	<-ctx.Done()
	return nil
}
