package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"ledgersync/internal/audit"
	cronrunner "ledgersync/internal/cron"
	"ledgersync/internal/handler"
	"ledgersync/internal/service"

	_ "ledgersync/docs"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the daily scheduled sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger := a.logger

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(audit.RequireBearerMiddleware())
	engine.Use(audit.WriteAuditMiddleware(a.audit, cfg.Audit.Agent, logger))

	healthHandler := &handler.HealthHandler{DB: a.db.Gorm, ActiveSessions: a.engine.Orchestrator.ActiveSessions}
	healthHandler.Register(engine)
	audit.RegisterDocs(engine)
	syncHandler := &handler.SyncHandler{
		Engine:         a.engine,
		Store:          a.store,
		Hub:            a.hub,
		Logger:         logger,
		BaseCtx:        ctx,
		AllowAnyOrigin: strings.EqualFold(cfg.App.Env, "dev"),
	}
	syncHandler.Register(engine)

	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	if cfg.Schedule.Enabled {
		runner, err := scheduleDailySync(ctx, a)
		if err != nil {
			return err
		}
		runner.Start()
		defer runner.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	// background sessions must close their rows before the database goes away
	if err := a.engine.Drain(shutdownCtx); err != nil {
		logger.Warn("background sync sessions did not finish", zap.Error(err))
	}
	return serveErr
}

func scheduleDailySync(ctx context.Context, a *app) (*cronrunner.Runner, error) {
	logger := a.logger
	loc, err := time.LoadLocation(a.cfg.Schedule.Timezone)
	if err != nil {
		return nil, err
	}
	spec, err := cronrunner.DailySpec(a.cfg.Schedule.DailyAt)
	if err != nil {
		return nil, err
	}

	runner := cronrunner.New(logger, ctx, loc)
	_, err = runner.Add(spec, func(ctx context.Context) {
		result, err := a.engine.TriggerScheduledSync(ctx)
		if errors.Is(err, service.ErrSessionAlreadyRunning) {
			logger.Info("scheduled sync skipped, a session is already running")
			return
		}
		if err != nil {
			logger.Warn("scheduled sync failed to start", zap.Error(err))
			return
		}
		logger.Info("scheduled sync done",
			zap.String("session_id", result.SessionID),
			zap.String("status", string(result.Status)),
			zap.Int("records", result.TotalRecordsProcessed),
			zap.Float64("success_rate", result.SuccessRate),
		)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("scheduled sync registered",
		zap.String("spec", spec),
		zap.String("timezone", loc.String()),
	)
	return runner, nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Initiated-By")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
