package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/voxflow/voxflow/internal/engine"
	"github.com/voxflow/voxflow/internal/logging"
	"github.com/voxflow/voxflow/internal/metrics"
	"github.com/voxflow/voxflow/internal/node"
	"github.com/voxflow/voxflow/internal/provider"
	"github.com/voxflow/voxflow/internal/scheduler"
	"github.com/voxflow/voxflow/internal/store"
	"github.com/voxflow/voxflow/pkg/mcp"

	"github.com/voxflow/voxflow/internal/expressions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine: MCP on stdio, metrics and health over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(voxflowDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Sessions and locking move to Redis when configured, so replicas can
	// share them; everything else stays in the SQL store.
	var sessions store.SessionStore = st
	var locker engine.Locker = engine.NewKeyedMutex()
	if cfg.RedisAddr != "" {
		client := backend.NewClient(&backend.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		sessions = store.NewRedisSessionStore(client)
		locker = store.NewRedisLocker(client, "voxflow:")
		logger.Info("redis session store enabled", "addr", cfg.RedisAddr)
	}

	registry, err := engine.NewFlowRegistry(st)
	if err != nil {
		return err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}

	collector := metrics.NewCollector("voxflow")

	var reasoner provider.ReasoningProvider
	if cfg.ReasonerURL != "" {
		reasoner = provider.NewBreakerReasoningProvider(
			provider.NewHTTPReasoningProvider(cfg.ReasonerURL, 0),
			provider.DefaultBreakerConfig("reasoner"), logger, collector)
	}
	var tools provider.ToolInvoker
	if cfg.ToolsURL != "" {
		tools = provider.NewBreakerToolInvoker(
			provider.NewHTTPToolInvoker(cfg.ToolsURL, 0),
			provider.DefaultBreakerConfig("tools"), logger, collector)
	}

	eng := engine.New(engine.Config{
		Registry: registry,
		Sessions: sessions,
		Semantic: st,
		Events:   st,
		Timers:   st,
		Nodes: node.DefaultRegistry(node.Deps{
			Reasoner: reasoner,
			Tools:    tools,
			CEL:      cel,
			Expr:     expressions.NewExprEngine(),
			JQ:       expressions.NewGoJQEngine(),
		}),
		Locker:  locker,
		Logger:  logger,
		Metrics: collector,
	})

	sched, err := scheduler.New(st, eng, logger, scheduler.Config{
		PollInterval:    parseDurationOr(cfg.PollInterval, 0),
		MaintenanceCron: cfg.MaintenanceCron,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	go serveHTTP(ctx, cfg.ListenAddr, collector, logger)

	srv := mcp.NewVoxflowServer(mcp.VoxflowServerDeps{
		Engine:   eng,
		Registry: registry,
		Store:    st,
		Logger:   logger,
	})
	logger.Info("voxflow serving", "listen_addr", cfg.ListenAddr, "db", filepath.Base(cfg.DBPath))
	return srv.Serve(ctx)
}

// serveHTTP exposes /metrics and /healthz until the context ends.
func serveHTTP(ctx context.Context, addr string, collector *metrics.Collector, logger *slog.Logger) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", collector.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http server failed", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
