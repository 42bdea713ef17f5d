// Command server runs the toolmux gateway: it connects to the configured
// tool servers, keeps their sessions healthy, and serves the merged tool
// catalog and invocations over HTTP.
//
// Configuration is read from a YAML file and TOOLMUX_* environment
// variables; see pkg/config. A .env file in the working directory is
// loaded first when present.
//
//	server -config /etc/toolmux/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"

	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/auth"
	"github.com/rhuss/toolmux/pkg/auth/apikey"
	"github.com/rhuss/toolmux/pkg/bridge"
	"github.com/rhuss/toolmux/pkg/config"
	"github.com/rhuss/toolmux/pkg/debug"
	"github.com/rhuss/toolmux/pkg/observability"
	"github.com/rhuss/toolmux/pkg/storage"
	"github.com/rhuss/toolmux/pkg/storage/memory"
	"github.com/rhuss/toolmux/pkg/storage/postgres"
	"github.com/rhuss/toolmux/pkg/storage/sqlite"
	"github.com/rhuss/toolmux/pkg/supervisor"
	"github.com/rhuss/toolmux/pkg/tools"
	"github.com/rhuss/toolmux/pkg/tools/dispatch"
	"github.com/rhuss/toolmux/pkg/tools/registry"
	"github.com/rhuss/toolmux/pkg/transport"
	transporthttp "github.com/rhuss/toolmux/pkg/transport/http"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("ignoring .env file", "error", err)
	}

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	debug.Init(debug.Options{
		Categories: cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
	})
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		Insecure:    cfg.Observability.Tracing.Insecure,
		SampleRatio: cfg.Observability.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}()

	journal, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}

	reg := registry.New(registry.WithLogger(logger))
	reg.Subscribe(func(ev registry.Event) {
		logger.Info("registry changed", "event", string(ev.Type), "server", ev.Session, "version", ev.Version)
	})

	dispOpts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithTracer(otel.Tracer("github.com/rhuss/toolmux/pkg/tools/dispatch")),
		dispatch.WithDefaultTimeout(cfg.Dispatch.DefaultTimeout),
	}
	if journal != nil {
		dispOpts = append(dispOpts, dispatch.WithJournal(journal))
	}
	disp := dispatch.New(reg, dispOpts...)

	br := bridge.New(reg, disp, bridge.WithAllowedTools(cfg.Bridge.AllowedTools))

	sup := supervisor.New(reg, supervisor.Config{
		Servers:         cfg.MCP.Servers,
		Session:         cfg.MCP.SessionOptions(),
		ProbeInterval:   cfg.Supervisor.ProbeInterval,
		RefreshInterval: cfg.Supervisor.RefreshInterval,
		Reconnect: supervisor.ReconnectPolicy{
			InitialInterval: cfg.Supervisor.Reconnect.InitialInterval,
			MaxInterval:     cfg.Supervisor.Reconnect.MaxInterval,
			MaxAttempts:     cfg.Supervisor.Reconnect.MaxAttempts,
		},
	}, supervisor.WithLogger(logger))
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(cfg.Server.Addr),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithValidation(api.ValidationConfig{
			MaxArgumentsSize: cfg.Dispatch.MaxArgumentsSize,
			MaxTimeout:       cfg.Dispatch.MaxTimeout,
		}),
		transporthttp.WithLogger(logger),
	}
	if len(cfg.Bridge.AllowedTools) > 0 {
		opts = append(opts, transporthttp.WithInvocationMiddleware(exposedOnly(tools.NewAllowList(cfg.Bridge.AllowedTools))))
	}

	var limiter *auth.TierLimiter
	if cfg.Auth.Type == "apikey" {
		limiter = newLimiter(cfg.Auth.RateLimit)
		opts = append(opts,
			transporthttp.WithHTTPMiddleware(auth.Middleware(newAuthChain(cfg.Auth),
				auth.WithRateLimiter(limiter),
				auth.WithLogger(logger),
			)),
			transporthttp.WithInvocationMiddleware(auth.ToolGuard()),
		)
		logger.Info("authentication enabled", "type", "apikey", "keys", len(cfg.Auth.APIKeys))
	}

	srv := transporthttp.NewServer(transport.DispatchHandler(disp), &catalog{bridge: br, sessions: sup}, journal, opts...)
	srv.Adapter().AddReadinessCheck("sessions", func(context.Context) error {
		if len(cfg.MCP.Servers) > 0 && !sup.Ready() {
			return errors.New("no tool server session is ready")
		}
		return nil
	})
	if journal != nil {
		srv.Adapter().AddReadinessCheck("journal", journal.HealthCheck)
	}

	maintenance, err := startMaintenance(cfg.Journal, journal, limiter, logger)
	if err != nil {
		return err
	}

	logger.Info("server starting",
		"addr", cfg.Server.Addr,
		"servers", len(cfg.MCP.Servers),
		"journal", cfg.Journal.Type,
		"auth", cfg.Auth.Type,
	)
	serveErr := srv.Run(ctx)

	<-maintenance.Stop().Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	stopErr := sup.Stop(stopCtx)
	disp.Wait()

	return errors.Join(serveErr, stopErr)
}

// openJournal opens the configured journal backend. It returns nil when
// journaling is disabled.
func openJournal(ctx context.Context, cfg config.JournalConfig) (storage.Journal, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("journal enabled", "type", "memory", "max_size", cfg.MaxSize)
		return memory.New(cfg.MaxSize), nil
	case "sqlite":
		j, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("journal enabled", "type", "sqlite", "path", cfg.SQLite.Path)
		return j, nil
	case "postgres":
		j, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres journal: %w", err)
		}
		slog.Info("journal enabled", "type", "postgres")
		return j, nil
	default:
		slog.Info("journal disabled")
		return nil, nil
	}
}

func newAuthChain(cfg config.AuthConfig) *auth.Chain {
	keys := make([]apikey.Key, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		id := auth.Identity{Subject: k.Subject, Tier: k.Tier, Tools: k.Tools}
		if k.TenantID != "" {
			id.Metadata = map[string]string{"tenant_id": k.TenantID}
		}
		keys = append(keys, apikey.Key{Key: k.Key, Identity: id})
	}
	return &auth.Chain{
		Authenticators: []auth.Authenticator{apikey.New(keys)},
		Default:        auth.No,
	}
}

func newLimiter(cfg config.RateLimitConfig) *auth.TierLimiter {
	tiers := make(map[string]auth.Tier, len(cfg.Tiers))
	for name, t := range cfg.Tiers {
		tiers[name] = auth.Tier{RequestsPerMinute: t.RequestsPerMinute, Burst: t.Burst}
	}
	return auth.NewTierLimiter(tiers, auth.Tier{RequestsPerMinute: cfg.RequestsPerMinute, Burst: cfg.Burst})
}

// limiterIdle is how long an unused rate limit bucket is kept.
const limiterIdle = 30 * time.Minute

// startMaintenance schedules journal retention and rate limiter cleanup.
func startMaintenance(cfg config.JournalConfig, journal storage.Journal, limiter *auth.TierLimiter, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New()

	if pruner, ok := journal.(storage.Pruner); ok && cfg.Retention > 0 {
		spec := "@every " + cfg.PruneInterval.String()
		if _, err := c.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := pruner.Prune(ctx, time.Now().Add(-cfg.Retention))
			if err != nil {
				logger.Warn("journal prune failed", "error", err)
				return
			}
			debug.Log("storage", "journal pruned", "removed", n)
		}); err != nil {
			return nil, fmt.Errorf("scheduling journal prune: %w", err)
		}
	}

	if limiter != nil {
		if _, err := c.AddFunc("@every 5m", func() {
			if n := limiter.Sweep(limiterIdle); n > 0 {
				debug.Log("auth", "rate limit buckets dropped", "count", n)
			}
		}); err != nil {
			return nil, fmt.Errorf("scheduling rate limiter sweep: %w", err)
		}
	}

	c.Start()
	return c, nil
}
