package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pantry/internal/api"
	"pantry/internal/audit"
	"pantry/internal/config"
	"pantry/internal/ledger"
	"pantry/internal/logging"
	"pantry/internal/monitoring"
	"pantry/internal/store"
	"pantry/internal/store/boltstore"
	"pantry/internal/store/sqlstore"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	port       = flag.Int("port", 0, "API server port (overrides config)")
	auditNow   = flag.Bool("audit", false, "Run one reconciliation pass and exit")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger, err := logging.Init(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("pantry stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := monitoring.NewMonitor()

	// Initialize store
	backend, err := openBackend(cfg.Database)
	if err != nil {
		return err
	}
	st := store.New(backend, store.Options{
		MaxAttempts:  cfg.Store.MaxAttempts,
		RetryBackoff: cfg.Store.RetryBackoff,
		Logger:       logger.Named("store"),
		Monitor:      monitor,
	})
	defer st.Close()
	logger.Info("store ready", zap.String("driver", cfg.Database.Driver))

	l := ledger.New(st, logger, monitor)

	auditor, err := audit.New(l, cfg.Audit.Workers, logger, monitor)
	if err != nil {
		return err
	}
	defer auditor.Stop()

	if *auditNow {
		_, err := auditor.RunOnce(ctx)
		return err
	}
	if cfg.Audit.Enabled {
		if err := auditor.Start(ctx, cfg.Audit.Schedule); err != nil {
			return err
		}
	}

	gin.SetMode(cfg.Server.GinMode)
	inventory := api.NewInventoryAPI(l, st, logger, monitor)

	servers := []*http.Server{{
		Addr:    cfg.Addr(),
		Handler: inventory.Router,
	}}
	if cfg.Metrics.Enabled {
		metricsRouter := gin.New()
		metricsRouter.GET(cfg.Metrics.Path, gin.WrapH(monitor.Handler()))
		servers = append(servers, &http.Server{
			Addr:    cfg.MetricsAddr(),
			Handler: metricsRouter,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down servers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("server shutdown", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		return nil
	})

	return g.Wait()
}

func openBackend(cfg config.DatabaseConfig) (store.Backend, error) {
	if cfg.Driver == config.DriverBolt {
		return boltstore.Open(cfg.DSN)
	}
	return sqlstore.Open(cfg.Driver, cfg.DSN, cfg.LogMode)
}
