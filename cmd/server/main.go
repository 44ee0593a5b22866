package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"key.share/config"
	"key.share/internal/api"
	"key.share/internal/audit"
	"key.share/internal/crypto"
	"key.share/internal/guard"
	"key.share/internal/logger"
	"key.share/internal/ratelimit"
	"key.share/internal/reaper"
	"key.share/internal/service"
	"key.share/internal/store"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Value:   "",
		Usage:   "path to YAML config file",
		EnvVars: []string{"KEYSHARE_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "log-level",
		Value: "",
		Usage: "override the configured log level",
	},
}

func main() {
	app := &cli.App{
		Name:   "keyshare-server",
		Usage:  "Serve one-time secret shares over HTTP",
		Flags:  flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	cfg, err := config.Load(cCtx.String("config"))
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if lvl := cCtx.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	zapLogger, err := logger.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return err
	}
	defer func() { _ = zapLogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store.URL)
	if err != nil {
		zapLogger.Error("failed to open store", zap.Error(err))
		return err
	}
	defer st.Close()

	sink, closeSink, err := initAuditSink(ctx, cfg, st, zapLogger)
	if err != nil {
		zapLogger.Error("failed to init audit sink", zap.Error(err))
		return err
	}
	defer closeSink()
	auditLog := audit.NewLogger(sink, zapLogger, nil)

	keys, err := cfg.Keys()
	if err != nil {
		return err
	}
	engine, err := crypto.NewEngine(keys)
	if err != nil {
		zapLogger.Error("failed to init crypto engine", zap.Error(err))
		return err
	}

	attempts, requests := initLimiters(ctx, cfg, st)
	svc := service.New(st, engine, guard.New(st, attempts, nil), auditLog, zapLogger,
		service.Config{
			DefaultTTL:     cfg.Shares.DefaultTTL,
			MinTTL:         cfg.Shares.MinTTL,
			MaxTTL:         cfg.Shares.MaxTTL,
			MaxAttempts:    cfg.Shares.MaxAttempts,
			MaxSecretBytes: cfg.Shares.MaxSecretBytes,
			OpTimeout:      cfg.Store.OpTimeout,
		}, nil)

	r := reaper.New(st, auditLog, zapLogger.Named("reaper"), reaper.Config{
		Interval:  cfg.Reaper.Interval,
		Timeout:   cfg.Store.OpTimeout,
		Retention: cfg.Reaper.Retention,
	}, nil)
	go r.Run(ctx)

	handler := api.NewHandler(svc, cfg, zapLogger)
	router := api.SetupRouter(handler, cfg, zapLogger.Named("http"), requests)
	server := api.NewServer(cfg, handler, router, zapLogger)

	zapLogger.Info("keyshare server starting",
		zap.String("addr", cfg.Addr()),
		zap.String("audit_sink", cfg.Audit.Sink),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
		zap.Duration("default_ttl", cfg.Shares.DefaultTTL),
	)
	errc := server.RunInBackground()

	select {
	case <-ctx.Done():
		zapLogger.Info("shutdown signal received")
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	server.Shutdown()
	zapLogger.Info("server shutdown complete")
	return nil
}

// initAuditSink returns the configured sink and a function releasing it.
func initAuditSink(ctx context.Context, cfg *config.Config, st store.Store, log *zap.Logger) (audit.Sink, func(), error) {
	switch cfg.Audit.Sink {
	case "file":
		sink, err := audit.NewFileSink(cfg.Audit.Path)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { _ = sink.Close() }, nil
	case "postgres":
		pg, ok := st.(*store.PostgresStore)
		if !ok {
			return nil, nil, fmt.Errorf("audit sink 'postgres' requires the postgres store")
		}
		sink, err := audit.NewPostgresSink(ctx, pg.DB)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() {}, nil
	default:
		return audit.NewLogSink(log), func() {}, nil
	}
}

// initLimiters builds the per-source attempt window and the per-address
// request limiter. With the Redis store both windows live in Redis so every
// instance shares them; otherwise they are in-process.
func initLimiters(ctx context.Context, cfg *config.Config, st store.Store) (attempts, requests ratelimit.Limiter) {
	if !cfg.RateLimit.Enabled {
		return nil, nil
	}

	if rs, ok := st.(*store.RedisStore); ok {
		attempts = ratelimit.NewRedisWindow(rs.Client(), "ratelimit:attempts:",
			cfg.RateLimit.RetrieveAttempts, cfg.RateLimit.Window)
		if cfg.RateLimit.RequestsPerMin > 0 {
			requests = ratelimit.NewRedisWindow(rs.Client(), "ratelimit:requests:",
				cfg.RateLimit.RequestsPerMin, time.Minute)
		}
		return attempts, requests
	}

	w := ratelimit.NewWindow(cfg.RateLimit.RetrieveAttempts, cfg.RateLimit.Window)
	go w.Run(ctx, cfg.RateLimit.Window)
	attempts = w

	if cfg.RateLimit.RequestsPerMin > 0 {
		rw := ratelimit.NewWindow(cfg.RateLimit.RequestsPerMin, time.Minute)
		go rw.Run(ctx, time.Minute)
		requests = rw
	}
	return attempts, requests
}
