package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/app"
	"github.com/betbot/perpexec/internal/controlplane/server"
	"github.com/betbot/perpexec/internal/metrics"
	"github.com/betbot/perpexec/pkg/config"
	"github.com/betbot/perpexec/pkg/logger"
	"github.com/betbot/perpexec/pkg/shutdown"
)

func main() {
	// Load .env (best-effort). If missing, fall back to real env vars.
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("PERPEXEC_CONFIG"), "config file (.yaml/.yml/.json)")
		listenAddr = flag.String("listen", "", "HTTP listen address (overrides server.listen)")
		dbPath     = flag.String("db", "", "SQLite journal path (overrides server.db_path)")
		reconcile  = flag.Duration("reconcile-interval", 15*time.Second, "background reconcile interval, 0 to disable")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		logrus.Fatalf("init logger: %v", err)
	}
	defer logger.Close()
	log := logger.WithField("component", "main")

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	var defaultWallet common.Address
	if cfg.Wallet.SafeAddress != "" {
		defaultWallet = common.HexToAddress(cfg.Wallet.SafeAddress)
	}
	// journal 先于控制器创建，作为 Observer 接收全部快照
	srv, err := server.New(server.Config{
		DBPath:            cfg.Server.DBPath,
		DefaultWallet:     defaultWallet,
		ReconcileInterval: *reconcile,
	})
	if err != nil {
		log.Fatalf("init journal: %v", err)
	}
	sm := shutdown.NewManager()
	sm.OnShutdown("journal", func(context.Context) error { return srv.Close() })

	engine, err := app.Build(rootCtx, cfg, srv)
	if err != nil {
		_ = srv.Close()
		log.Fatalf("build engine: %v", err)
	}
	sm.OnShutdown("engine", func(context.Context) error {
		engine.Close()
		return nil
	})

	srv.Attach(engine.Controller)

	if cfg.Server.MetricsListen != "" {
		if _, err := metrics.StartAsync(rootCtx, cfg.Server.MetricsListen, func(err error) {
			log.WithError(err).Error("metrics server stopped")
		}); err != nil {
			log.WithError(err).Warn("metrics server not started")
		}
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	sm.OnShutdown("http", httpSrv.Shutdown)
	go func() {
		log.Infof("listening on %s", cfg.Server.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sm.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
	log.Info("server stopped")
}
