package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"analysisd/internal/content"
	"analysisd/internal/dnscache"
	"analysisd/internal/events"
	"analysisd/internal/httpapi"
	"analysisd/internal/permission"
	"analysisd/internal/store"
	"analysisd/internal/supervisor"
	"analysisd/pkg/config"
	"analysisd/pkg/logger"
	"analysisd/pkg/logship"
	"analysisd/pkg/metrics"
	"analysisd/pkg/passhash"
	"analysisd/pkg/ratelimit"
	"analysisd/pkg/safepath"
	"analysisd/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	if err := run(cfg); err != nil {
		logger.Fatal("Startup failed", "error", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storageRoot, err := filepath.Abs(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("invalid storage root: %w", err)
	}
	if !safepath.IsAbsolutePathSafe(storageRoot) {
		return fmt.Errorf("invalid storage root: %s", storageRoot)
	}
	if err := os.MkdirAll(filepath.Join(storageRoot, "analyses"), 0o755); err != nil {
		return fmt.Errorf("failed to create storage root: %w", err)
	}

	m := metrics.Init(cfg.Metrics.Namespace)
	m.ServiceInfo.WithLabelValues(cfg.App.Version, cfg.App.Environment).Set(1)

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     cfg.App.Version,
		Environment: cfg.App.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	shipper, err := logship.New(&logship.Config{
		Enabled:     cfg.LogShip.Enabled,
		Backend:     cfg.LogShip.Backend,
		Endpoint:    cfg.LogShip.Endpoint,
		BufferSize:  cfg.LogShip.BufferSize,
		BatchSize:   cfg.LogShip.BatchSize,
		FlushPeriod: cfg.LogShip.FlushPeriod,
	})
	if err != nil {
		return fmt.Errorf("failed to init log shipping: %w", err)
	}
	logship.SetGlobal(shipper)
	defer shipper.Close()

	st, err := store.Open(ctx, store.Config{
		Path:             filepath.Join(storageRoot, "auth.db"),
		BusyTimeout:      cfg.Database.BusyTimeout,
		JournalSizeLimit: cfg.Database.JournalSizeLimit,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Database.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			return err
		}
	}

	dns := dnscache.New(dnscache.Options{
		Enabled:      cfg.DNS.Enabled,
		TTL:          cfg.DNS.TTL,
		MaxEntries:   cfg.DNS.MaxEntries,
		AllowPrivate: cfg.DNS.AllowPrivate,
		ConfigPath:   filepath.Join(cfg.Storage.ConfigDir, "dns-cache-config.json"),
	})

	hub := events.NewHub()
	cm := content.NewManager(filepath.Join(storageRoot, "analyses"))
	resolver := permission.NewResolver(st)

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewMemoryLimiter(ratelimit.ClassesFromEnv())
		defer limiter.Close()
	}

	sup := supervisor.New(supervisor.Config{
		RunnerCommand:       cfg.Supervisor.RunnerCommand,
		ForceKillTimeout:    cfg.Supervisor.ForceKillTimeout,
		InitialRestartDelay: cfg.Supervisor.InitialRestartDelay,
		MaxRestartDelay:     cfg.Supervisor.MaxRestartDelay,
		MaxMemoryLogs:       cfg.Supervisor.MaxMemoryLogs,
		MaxLogFileSizeBytes: cfg.Supervisor.MaxLogFileSizeBytes,
		ShortRunThreshold:   cfg.Supervisor.ShortRunThreshold,
	}, st, hub, cm, dns)

	api := httpapi.New(httpapi.Options{
		Config:     cfg,
		Store:      st,
		Resolver:   resolver,
		Limiter:    limiter,
		Supervisor: sup,
		DNS:        dns,
		Hub:        hub,
		Content:    cm,
		JWT: passhash.NewJWTManager(&passhash.JWTConfig{
			SecretKey: cfg.Auth.SecretKey,
			TTL:       cfg.Auth.SessionTTL,
			Issuer:    cfg.App.Name,
		}),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go broadcastMetrics(ctx, cfg, hub, sup, dns)
	go purgeSessions(ctx, st)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", "error", err)
	}
	sup.StopAll(shutdownCtx)
	return nil
}

// broadcastMetrics pushes a periodic snapshot to admin sessions.
func broadcastMetrics(ctx context.Context, cfg *config.Config, hub *events.Hub, sup *supervisor.Manager, dns *dnscache.Service) {
	interval := cfg.Metrics.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hub.BroadcastToAdminUsers(events.TypeMetricsUpdate, metrics.Snapshot{
				AnalysesRunning: sup.RunningCount(),
				SSESessions:     hub.SessionCount(),
				DNSCacheEntries: dns.Size(),
				DNSHitRate:      dns.HitRate(),
				Timestamp:       time.Now().UnixMilli(),
			})
		}
	}
}

// purgeSessions drops expired session rows hourly.
func purgeSessions(ctx context.Context, st *store.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := st.Sessions.PurgeExpired(ctx); err != nil {
				logger.Warn("Session purge failed", "error", err)
			} else if n > 0 {
				logger.Debug("Expired sessions purged", "count", n)
			}
		}
	}
}
