// Command engine launches the Tradewire execution core.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradewire/tradewire/config"
	"github.com/tradewire/tradewire/internal/audit"
	"github.com/tradewire/tradewire/internal/engine"
	"github.com/tradewire/tradewire/internal/observability"
	"github.com/tradewire/tradewire/internal/persistence/migrations"
	"github.com/tradewire/tradewire/internal/subscription"
	"github.com/tradewire/tradewire/internal/telemetry"
)

const (
	defaultConfigPath        = "config/engine.yaml"
	enginePrefix             = "engine "
	telemetryShutdownTimeout = 5 * time.Second
	migrateTimeout           = 30 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, enginePrefix, log.LstdFlags|log.Lmicroseconds)

	settings, loadedFromFile, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, broker=%s", settings.Environment, settings.Broker.Kind)

	if err := initLogging(settings.Log); err != nil {
		logger.Fatalf("initialise logging: %v", err)
	}

	telemetryProvider, err := initTelemetry(ctx, logger, settings)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	opts := engine.Options{Settings: settings}

	var pool *pgxpool.Pool
	if dsn := strings.TrimSpace(settings.Database.DSN); dsn != "" {
		migrateCtx, migrateCancel := context.WithTimeout(ctx, migrateTimeout)
		if err := migrations.ApplyEmbedded(migrateCtx, dsn, logger); err != nil {
			migrateCancel()
			logger.Fatalf("apply migrations: %v", err)
		}
		migrateCancel()

		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			logger.Fatalf("connect database: %v", err)
		}
		opts.Audit = audit.NewPostgresStore(pool)
		opts.Subscriptions = buildSubscriptionCache(settings, subscription.NewPostgresSource(pool))
		logger.Printf("audit persistence enabled")
	}

	core, err := engine.New(opts)
	if err != nil {
		logger.Fatalf("initialise engine: %v", err)
	}
	core.Start(ctx)

	logger.Print("engine started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownStart := time.Now()
	core.Close()
	if pool != nil {
		pool.Close()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	shutdownCancel()
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", defaultConfigPath,
		fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initLogging(cfg config.LogConfig) error {
	zl, err := observability.NewZerolog(observability.ZerologConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
	})
	if err != nil {
		return err
	}
	observability.SetLogger(zl)
	return nil
}

func initTelemetry(ctx context.Context, logger *log.Logger, settings config.Settings) (*telemetry.Provider, error) {
	cfg := telemetry.DefaultConfig()
	if settings.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = settings.Telemetry.OTLPEndpoint
	}
	if settings.Telemetry.ServiceName != "" {
		cfg.ServiceName = settings.Telemetry.ServiceName
	}
	cfg.OTLPInsecure = settings.Telemetry.OTLPInsecure
	cfg.Environment = string(settings.Environment)

	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if cfg.Enabled {
		observability.SetMetrics(telemetry.NewOtelMetrics(provider.Meter("tradewire")))
		logger.Printf("telemetry initialised: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func buildSubscriptionCache(settings config.Settings, source subscription.Source) *subscription.Cache {
	var fast subscription.FastStore
	if addr := strings.TrimSpace(settings.Cache.RedisAddr); addr != "" {
		fast = subscription.NewRedisStore(subscription.RedisConfig{
			Addr:     addr,
			Password: settings.Cache.RedisPassword,
			DB:       settings.Cache.RedisDB,
		})
	}
	return subscription.NewCache(subscription.CacheConfig{
		Fast:            fast,
		Source:          source,
		TTL:             settings.Cache.TTL,
		RefreshInterval: settings.Cache.RefreshInterval,
	})
}
