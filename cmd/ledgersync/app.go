package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"ledgersync/internal/audit"
	"ledgersync/internal/client/accounting"
	"ledgersync/internal/config"
	"ledgersync/internal/db"
	"ledgersync/internal/logger"
	"ledgersync/internal/observability"
	gormrepository "ledgersync/internal/repository/gorm"
	"ledgersync/internal/service"
)

// app holds everything a command needs once config, logging and storage are up.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	db     *db.DB
	store  *gormrepository.Store
	engine *service.SyncEngine
	hub    *service.EventHub
	audit  *audit.Client
}

func bootstrap(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.EnvOnly)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log, cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		log.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		_ = db.Close(dbConn)
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	store := gormrepository.New(dbConn.Gorm)

	httpClient := accounting.NewHTTPClient(ctx, accounting.AuthConfig{
		TokenURL:     cfg.Accounting.TokenURL,
		ClientID:     cfg.Accounting.ClientID,
		ClientSecret: cfg.Accounting.ClientSecret,
		AccessToken:  cfg.Accounting.AccessToken,
		Scopes:       cfg.Accounting.Scopes,
	}, cfg.Accounting.Timeout)
	api := accounting.NewClient(httpClient, cfg.Accounting.BaseURL, cfg.Accounting.TenantID, cfg.Accounting.PageSize)
	source := service.NewRateLimitedClient(api, service.RateLimitOptions{
		MinCallInterval:        cfg.Sync.MinCallInterval,
		MaxRetries:             cfg.Sync.MaxRetries,
		InitialBackoff:         cfg.Sync.InitialBackoff,
		MaxBackoff:             cfg.Sync.MaxBackoff,
		RateLimitBackoffFactor: cfg.Sync.RateLimitBackoffFactor,
	}, log)

	metrics, err := observability.NewSyncMetrics()
	if err != nil {
		log.Warn("sync metrics disabled", zap.Error(err))
		metrics = nil
	}

	hub := service.NewEventHub(log)
	sinks := service.MultiSink{service.LogSink{Logger: log}, hub}
	auditClient := initAuditClient(cfg.Audit, log)
	if auditClient != nil {
		sinks = append(sinks, &audit.Sink{
			Client:  auditClient,
			Agent:   cfg.Audit.Agent,
			Timeout: cfg.Audit.Timeout,
			Logger:  log,
		})
	}

	checkpoints := &service.CheckpointStore{
		Repo:       store,
		StaleAfter: cfg.Sync.StaleCheckpointAfter,
	}
	writer := &service.StagingWriter{
		Store:           store,
		Logger:          log,
		MaxErrorDetails: cfg.Sync.MaxErrorDetails,
	}
	worker := &service.EntityWorker{
		Checkpoints: checkpoints,
		Source:      source,
		Writer:      writer,
		Store:       store,
		Metrics:     metrics,
		Logger:      log,
		MaxPages:    cfg.Sync.MaxPages,
	}
	orchestrator := &service.SessionOrchestrator{
		Store:           store,
		Checkpoints:     checkpoints,
		Worker:          worker,
		Events:          sinks,
		Logger:          log,
		TenantID:        cfg.Accounting.TenantID,
		SessionTimeout:  cfg.Sync.SessionTimeout,
		FreshnessWindow: cfg.Sync.SessionFreshnessWindow,
	}
	engine := &service.SyncEngine{
		Orchestrator: orchestrator,
		Checkpoints:  checkpoints,
		Events:       sinks,
		Logger:       log,
	}

	return &app{
		cfg:    cfg,
		logger: log,
		db:     dbConn,
		store:  store,
		engine: engine,
		hub:    hub,
		audit:  auditClient,
	}, nil
}

func (a *app) Close() {
	if a == nil {
		return
	}
	if err := db.Close(a.db); err != nil {
		a.logger.Warn("db close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func initAuditClient(cfg config.AuditConfig, log *zap.Logger) *audit.Client {
	base := strings.TrimSpace(cfg.BaseURL)
	apiKey := strings.TrimSpace(cfg.APIKey)
	if !cfg.Enabled || base == "" || apiKey == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	c := &audit.Client{BaseURL: base, APIKey: apiKey, HTTP: &http.Client{Timeout: timeout}}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.Login(ctx); err != nil {
		log.Warn("audit login failed (audit disabled)", zap.Error(err))
		return nil
	}
	log.Info("audit login ok")
	return c
}
