package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/example/skin-check/internal/accounts"
	"github.com/example/skin-check/internal/auth"
	"github.com/example/skin-check/internal/classifier"
	"github.com/example/skin-check/internal/config"
	"github.com/example/skin-check/internal/handlers"
	"github.com/example/skin-check/internal/imageprocessor"
	"github.com/example/skin-check/internal/labels"
	"github.com/example/skin-check/internal/logging"
	"github.com/example/skin-check/internal/metrics"
	"github.com/example/skin-check/internal/repository"
	"github.com/example/skin-check/internal/telemetry"
	"github.com/example/skin-check/internal/usecase"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "skin-check",
		Short:        "Skin lesion classification API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config.yaml file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP API (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		migrateCommand(&configPath),
		createDoctorCommand(&configPath),
	)
	return root
}

func bootstrap(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runServe(ctx context.Context, configPath string) error {
	cfg, logger, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	reporter, err := telemetry.NewReporter(telemetry.Options{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     "skin-check",
	}, logger)
	if err != nil {
		return fmt.Errorf("init sentry: %w", err)
	}
	defer reporter.Flush(2 * time.Second)

	startupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, err := initDatabase(startupCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)
	if err := repository.AutoMigrate(startupCtx, db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	table, err := labels.Load(cfg.Model.LabelsPath)
	if err != nil {
		logger.Error("failed to load labels", zap.Error(err), zap.String("path", cfg.Model.LabelsPath))
	}
	model := classifier.Load(startupCtx, classifier.Config{
		Backend:     cfg.Model.Backend,
		Path:        cfg.Model.Path,
		InputName:   cfg.Model.InputName,
		OutputName:  cfg.Model.OutputName,
		Threads:     cfg.Model.Threads,
		RemoteAddr:  cfg.Model.RemoteAddr,
		LibraryPath: cfg.Model.ORTLibrary,
	}, table.Len(), logger)
	defer func() {
		if err := model.Close(); err != nil {
			logger.Warn("failed to release model", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	diagnosisMetrics, err := metrics.NewDiagnosisMetrics(registry)
	if err != nil {
		return err
	}

	location, err := time.LoadLocation(cfg.Server.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}

	uc := usecase.NewDiagnosticUseCase(usecase.Deps{
		Repo:         repository.NewDiagnosticRepository(db, logger),
		Cache:        initCache(startupCtx, cfg, logger),
		Model:        model,
		Preprocessor: imageprocessor.New(),
		Labels:       table,
		Metrics:      diagnosisMetrics,
		CacheTTL:     cfg.Cache.TTL,
		Location:     location,
	}, logger)

	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	accountService := accounts.NewService(repository.NewUserRepository(db), issuer, logger)

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinMiddleware(logger), reporter.Middleware())
	r.MaxMultipartMemory = cfg.Server.MaxUploadBytes

	var limiter *rate.Limiter
	if cfg.Predict.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Predict.RateLimit), cfg.Predict.Burst)
	}

	authMiddleware := auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	handlers.RegisterRoutes(r, uc, accountService, authMiddleware, handlers.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		PredictLimiter: limiter,
		Metrics:        diagnosisMetrics.Handler(),
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("skin-check API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("model_loaded", model.Available()))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := repository.Open(repository.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		SlowThreshold:   cfg.Database.SlowThreshold,
	}, zapLogger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	zapLogger.Info("database connected", zap.String("driver", cfg.Database.Driver))
	return db, nil
}

func closeDatabase(db *gorm.DB, zapLogger *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		zapLogger.Warn("failed to close database", zap.Error(err))
	}
}

// initCache prefers Redis and falls back to an in-process cache when Redis
// is not configured or not reachable.
func initCache(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) usecase.Cache {
	if cfg.Redis.Addr == "" {
		zapLogger.Info("using in-memory detail cache")
		return usecase.NewMemoryCache(cfg.Cache.TTL)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Warn("redis connection failed, using in-memory detail cache",
			zap.Error(err), zap.String("addr", cfg.Redis.Addr))
		_ = client.Close()
		return usecase.NewMemoryCache(cfg.Cache.TTL)
	}
	return usecase.NewRedisCache(client)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
