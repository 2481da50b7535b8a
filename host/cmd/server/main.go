package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/orbitmesh/orbitmesh/host/internal/api"
	"github.com/orbitmesh/orbitmesh/host/internal/auth"
	"github.com/orbitmesh/orbitmesh/host/internal/db"
	"github.com/orbitmesh/orbitmesh/host/internal/deployment"
	"github.com/orbitmesh/orbitmesh/host/internal/hostbridge"
	"github.com/orbitmesh/orbitmesh/host/internal/jobmanager"
	"github.com/orbitmesh/orbitmesh/host/internal/notify"
	"github.com/orbitmesh/orbitmesh/host/internal/progress"
	"github.com/orbitmesh/orbitmesh/host/internal/registry"
	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/host/internal/router"
	"github.com/orbitmesh/orbitmesh/host/internal/trigger"
	"github.com/orbitmesh/orbitmesh/host/internal/websocket"
	"github.com/orbitmesh/orbitmesh/host/internal/workflow"
	"github.com/orbitmesh/orbitmesh/shared/transport/frame"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr                 string
	transportAddr            string
	dbDriver                 string
	dbDSN                    string
	logLevel                 string
	dataDir                  string
	adminPassword            string
	heartbeatInterval        time.Duration
	missedHeartbeatThreshold int
	routerPolicy             string
	smtpHost                 string
	smtpPort                 int
	smtpUser                 string
	smtpPassword             string
	smtpFrom                 string
	webhookSecret            string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "orbitmesh-server",
		Short: "OrbitMesh host — distributed task-execution control plane",
		Long: `OrbitMesh host is the control plane of the OrbitMesh system.
It accepts node connections over a length-prefixed framed transport,
queues and dispatches jobs, drives workflow instances, watches deployment
profiles, and exposes an HTTP/JSON API plus a dashboard WebSocket feed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("ORBITMESH_HTTP_ADDR", ":8080"), "HTTP/JSON API and dashboard WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.transportAddr, "transport-addr", envOrDefault("ORBITMESH_TRANSPORT_ADDR", ":9090"), "Node transport listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("ORBITMESH_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("ORBITMESH_DB_DSN", "./orbitmesh.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ORBITMESH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("ORBITMESH_DATA_DIR", "./data"), "Directory for server data (signing keys, etc.)")
	root.PersistentFlags().StringVar(&cfg.adminPassword, "admin-password", envOrDefault("ORBITMESH_ADMIN_PASSWORD", ""), "Admin password guarding token/enrollment/deployment-profile management endpoints (required)")
	root.PersistentFlags().DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", envDurationOrDefault("ORBITMESH_HEARTBEAT_INTERVAL", 30*time.Second), "Recommended node heartbeat interval")
	root.PersistentFlags().IntVar(&cfg.missedHeartbeatThreshold, "missed-heartbeat-multiplier", envIntOrDefault("ORBITMESH_MISSED_HEARTBEAT_MULTIPLIER", 3), "Number of missed heartbeat intervals before a node is declared faulted")
	root.PersistentFlags().StringVar(&cfg.routerPolicy, "router-policy", envOrDefault("ORBITMESH_ROUTER_POLICY", "round_robin"), "Load-balancing policy: round_robin, least_connections, random, weighted")
	root.PersistentFlags().StringVar(&cfg.smtpHost, "smtp-host", envOrDefault("ORBITMESH_SMTP_HOST", ""), "SMTP host for the email notification channel (empty disables it)")
	root.PersistentFlags().IntVar(&cfg.smtpPort, "smtp-port", envIntOrDefault("ORBITMESH_SMTP_PORT", 587), "SMTP port")
	root.PersistentFlags().StringVar(&cfg.smtpUser, "smtp-user", envOrDefault("ORBITMESH_SMTP_USER", ""), "SMTP username")
	root.PersistentFlags().StringVar(&cfg.smtpPassword, "smtp-password", envOrDefault("ORBITMESH_SMTP_PASSWORD", ""), "SMTP password")
	root.PersistentFlags().StringVar(&cfg.smtpFrom, "smtp-from", envOrDefault("ORBITMESH_SMTP_FROM", ""), "SMTP from address")
	root.PersistentFlags().StringVar(&cfg.webhookSecret, "webhook-secret", envOrDefault("ORBITMESH_WEBHOOK_SECRET", ""), "Signing secret for outgoing webhook notifications")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orbitmesh-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.adminPassword == "" {
		return fmt.Errorf("admin password is required — set --admin-password or ORBITMESH_ADMIN_PASSWORD")
	}

	logger.Info("starting orbitmesh host",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("transport_addr", cfg.transportAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// --- Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- Repositories ---
	jobRepo := repositories.NewJobRepository(gormDB)
	deadLetterRepo := repositories.NewDeadLetterRepository(gormDB)
	apiTokenRepo := repositories.NewApiTokenRepository(gormDB)
	bootstrapTokenRepo := repositories.NewBootstrapTokenRepository(gormDB)
	enrollmentRepo := repositories.NewEnrollmentRepository(gormDB)
	workflowDefRepo := repositories.NewWorkflowDefinitionRepository(gormDB)
	workflowInstRepo := repositories.NewWorkflowInstanceRepository(gormDB)
	deploymentProfileRepo := repositories.NewDeploymentProfileRepository(gormDB)
	deploymentExecRepo := repositories.NewDeploymentExecutionRepository(gormDB)

	// --- Auth ---
	adminAuth := auth.NewAdminAuthenticator(cfg.adminPassword)
	tokenMgr, err := auth.NewTokenManager(apiTokenRepo, cfg.dataDir, "orbitmesh-host")
	if err != nil {
		return fmt.Errorf("failed to initialize token manager: %w", err)
	}

	// --- Node transport ---
	transportSrv, err := frame.NewServer(cfg.transportAddr, logger)
	if err != nil {
		return fmt.Errorf("failed to bind transport listener: %w", err)
	}

	// --- Registry, job manager, dispatcher, progress, router ---
	reg := registry.New(logger, transportSrv, cfg.heartbeatInterval, cfg.missedHeartbeatThreshold)
	progressSvc := progress.New()
	jobMgr := jobmanager.New(jobRepo, deadLetterRepo, progressSvc, reg, logger)
	if err := jobMgr.Load(ctx); err != nil {
		return fmt.Errorf("failed to load pending jobs: %w", err)
	}
	dispatcher := jobmanager.NewDispatcher(jobMgr, reg, logger)
	lbRouter := router.New(reg, jobMgr, router.Policy(cfg.routerPolicy))

	// --- Notifications ---
	var smtpCfg *notify.SMTPConfig
	if cfg.smtpHost != "" {
		smtpCfg = &notify.SMTPConfig{
			Host:     cfg.smtpHost,
			Port:     cfg.smtpPort,
			Username: cfg.smtpUser,
			Password: cfg.smtpPassword,
			From:     cfg.smtpFrom,
			TLS:      true,
		}
	}
	notifier := notify.NewService(smtpCfg, notify.WebhookConfig{Secret: cfg.webhookSecret}, logger)

	// --- Workflow engine and triggers ---
	engine := workflow.New(workflowDefRepo, workflowInstRepo, jobMgr, lbRouter, notifier, logger)
	triggers, err := trigger.New(workflowDefRepo, engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create trigger manager: %w", err)
	}
	if err := triggers.Start(ctx); err != nil {
		return fmt.Errorf("failed to start trigger manager: %w", err)
	}
	defer func() {
		if err := triggers.Stop(); err != nil {
			logger.Warn("trigger manager shutdown error", zap.Error(err))
		}
	}()

	// --- Dashboard hub ---
	hub := websocket.NewHub()
	go hub.Run(ctx)

	// --- Deployment engine ---
	deployEngine := deployment.New(deploymentProfileRepo, deploymentExecRepo, jobMgr, reg, hub, logger)
	if err := deployEngine.Start(ctx); err != nil {
		logger.Error("deployment engine start error", zap.Error(err))
	}
	defer deployEngine.Stop()

	// --- Bridge node transport onto registry/jobs/progress/hub/deployment ---
	bridge := hostbridge.New(reg, jobMgr, progressSvc, hub, deployEngine, bootstrapTokenRepo, enrollmentRepo, logger)

	go func() {
		if err := transportSrv.Serve(ctx, bridge, bridge); err != nil {
			logger.Error("transport server error", zap.Error(err))
			cancel()
		}
	}()
	defer transportSrv.Close()

	go dispatcher.Run(ctx)
	go runHeartbeatSweeper(ctx, reg, cfg.heartbeatInterval, logger)

	// --- HTTP server ---
	httpRouter := api.NewRouter(api.RouterConfig{
		Logger:             logger,
		Admin:              adminAuth,
		Tokens:             tokenMgr,
		DB:                 gormDB,
		Registry:           reg,
		Jobs:               jobMgr,
		Engine:             engine,
		Triggers:           triggers,
		Deploy:             deployEngine,
		Hub:                hub,
		WorkflowDefs:       workflowDefRepo,
		WorkflowInstances:  workflowInstRepo,
		ApiTokens:          apiTokenRepo,
		BootstrapTokens:    bootstrapTokenRepo,
		DeploymentProfiles: deploymentProfileRepo,
		DeploymentExecs:    deploymentExecRepo,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down orbitmesh host")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("orbitmesh host stopped")
	return nil
}

// runHeartbeatSweeper periodically declares nodes faulted when their
// heartbeat has gone stale. No other component owns this tick.
func runHeartbeatSweeper(ctx context.Context, reg *registry.Registry, heartbeatInterval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stale := reg.Sweep(time.Now()); len(stale) > 0 {
				logger.Warn("nodes declared faulted on missed heartbeat", zap.Strings("agent_ids", stale))
			}
		}
	}
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
