package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/virtual-queue/internal/config"
	"qms/virtual-queue/internal/feed"
	"qms/virtual-queue/internal/httpapi"
	"qms/virtual-queue/internal/logging"
	"qms/virtual-queue/internal/models"
	"qms/virtual-queue/internal/queue"
	"qms/virtual-queue/internal/store"
	"qms/virtual-queue/internal/store/memory"
	"qms/virtual-queue/internal/store/postgres"
	"qms/virtual-queue/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "queue-service"

func main() {
	config.LoadEnv()
	cfg := config.Load()

	logger, err := logging.New(cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTelemetry := telemetry.Setup(serviceName, logger,
		telemetry.StoreDriverKey.String(cfg.StoreDriver),
		telemetry.FeedPollKey.Int64(cfg.FeedPollInterval.Milliseconds()),
	)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	service := queue.NewService(st, queue.Options{
		DefaultServiceMinutes: cfg.DefaultServiceMinutes,
		Logger:                logger.Named("queue"),
	})
	hub := feed.NewHub(logger.Named("feed"))
	poller := feed.NewPoller(st, hub, feed.PollerOptions{
		Interval:  cfg.FeedPollInterval,
		BatchSize: cfg.FeedBatchSize,
		Logger:    logger.Named("poller"),
	})

	handler := httpapi.NewHandler(service, st, httpapi.Options{
		Changes:  st,
		Realtime: httpapi.NewRealtimeHandler(hub, st, logger.Named("realtime")),
		Logger:   logger,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:      cfg.RateLimitPerMinute,
		IPBurst:          cfg.RateLimitBurst,
		SessionPerMinute: cfg.UserRateLimitPerMinute,
		SessionBurst:     cfg.UserRateLimitBurst,
	})

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(logger.Named("http"), limiter.Middleware(handler.Routes())), serviceName)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Info("listening", zap.String("addr", server.Addr), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	go func() {
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("feed poller stopped", zap.Error(err))
		}
	}()

	go pruneChanges(ctx, st, cfg, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func openStore(cfg config.Config, logger *zap.Logger) (store.TicketStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		st := memory.NewStore(memory.Options{})
		if cfg.SeedDemo {
			seedDemo(st, logger)
		}
		return st, func() {}, nil
	case config.DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DB_DSN is required for the postgres store")
		}
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.SeedDemo {
			logger.Warn("SEED_DEMO only applies to the memory store")
		}
		return postgres.NewStore(pool, postgres.Options{}), pool.Close, nil
	default:
		return nil, nil, errors.New("unknown STORE_DRIVER " + cfg.StoreDriver)
	}
}

// pruneChanges trims the change log. Rows older than the retention window are past any
// realtime client's interest since the feed never replays.
func pruneChanges(ctx context.Context, changes store.ChangeLog, cfg config.Config, logger *zap.Logger) {
	if cfg.PruneInterval <= 0 || cfg.ChangeRetention <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pruneCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		removed, err := changes.PruneChanges(pruneCtx, time.Now().Add(-cfg.ChangeRetention))
		cancel()
		if err != nil {
			logger.Warn("prune changes", zap.Error(err))
			continue
		}
		if removed > 0 {
			logger.Info("pruned changes", zap.Int64("removed", removed))
		}
	}
}

const (
	demoPlaceID   = "00000000-0000-4000-8000-000000000001"
	demoCounterID = "00000000-0000-4000-8000-000000000002"
)

func seedDemo(st *memory.Store, logger *zap.Logger) {
	st.PutPlace(models.Place{PlaceID: demoPlaceID, OwnerID: "demo-owner", Name: "Demo clinic", IsApproved: true, AverageServiceTime: 10})
	st.PutCounter(models.Counter{CounterID: demoCounterID, PlaceID: demoPlaceID, Name: "Counter 1", AverageServiceTime: 5, OpeningTime: "09:00", ClosingTime: "17:00"})
	st.PutSession(store.Session{SessionID: "demo-user", UserID: "demo-user", Role: queue.RoleUser})
	st.PutSession(store.Session{SessionID: "demo-staff", UserID: "demo-owner", Role: queue.RoleStaff})
	logger.Info("seeded demo data",
		zap.String("place_id", demoPlaceID),
		zap.String("counter_id", demoCounterID),
		zap.Strings("sessions", []string{"demo-user", "demo-staff"}),
	)
}
