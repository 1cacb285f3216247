package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jengzang/urbanos-routing/internal/analysis"
	"github.com/jengzang/urbanos-routing/internal/api"
	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/database"
	"github.com/jengzang/urbanos-routing/internal/logging"
	"github.com/jengzang/urbanos-routing/internal/metrics"
	"github.com/jengzang/urbanos-routing/internal/network"
	"github.com/jengzang/urbanos-routing/internal/profiling"
	"github.com/jengzang/urbanos-routing/internal/repository"
	"github.com/jengzang/urbanos-routing/internal/reroute"
	"github.com/jengzang/urbanos-routing/internal/routing"
	"github.com/jengzang/urbanos-routing/internal/tracing"

	// Import cycle packages to register them
	_ "github.com/jengzang/urbanos-routing/internal/analysis/hotspot"
	_ "github.com/jengzang/urbanos-routing/internal/analysis/pattern"
	_ "github.com/jengzang/urbanos-routing/internal/analysis/planning"
	_ "github.com/jengzang/urbanos-routing/internal/analysis/retention"
	_ "github.com/jengzang/urbanos-routing/internal/analysis/trajectory"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel)

	shutdownTracing, err := tracing.Init()
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing()

	shutdownMetrics, err := metrics.Init()
	if err != nil {
		slog.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}
	defer shutdownMetrics()

	stopProfiling, err := profiling.Init()
	if err != nil {
		slog.Error("failed to initialize profiling", "error", err)
		os.Exit(1)
	}
	defer stopProfiling()

	// 初始化数据库
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		slog.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}
	if err := database.Init(database.Config{Path: cfg.DBPath}); err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	db := database.GetDB()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 公交网络与路由
	manager := network.NewManager(cfg.Network, cfg.Routing, network.ZipSource{Path: cfg.Network.StaticPath})
	router := routing.NewRouter(manager, routing.OptionsFromConfig(cfg.Routing))
	planner := routing.NewPlanner(router, routing.PlannerOptionsFromConfig(cfg.Routing, cfg.Network))
	engine := reroute.NewEngine(repository.NewRouteRepository(db), repository.NewTelemetryRepository(db),
		router, planner, manager.Live(), reroute.OptionsFromConfig(cfg.Reroute))

	scheduler := analysis.NewScheduler(&analysis.Env{
		DB:      db,
		Config:  cfg,
		Network: manager,
		Router:  router,
		Planner: planner,
		Reroute: engine,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	// 初始化路由
	handler := api.SetupRouter(api.Deps{Config: cfg, DB: db, Network: manager})
	srv := &http.Server{
		Addr:              cfg.Port,
		Handler:           otelhttp.NewHandler(handler, "http.server"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 启动服务器
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Port, "cycles", scheduler.Cycles())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("server failed", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Cycles.Budget+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	wg.Wait()
	slog.Info("server stopped")
}
