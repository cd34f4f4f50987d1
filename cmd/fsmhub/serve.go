package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fsmhub/internal/api"
	"fsmhub/internal/config"
	"fsmhub/internal/dispatch"
	"fsmhub/internal/guard"
	"fsmhub/internal/history"
	"fsmhub/internal/hub"
	"fsmhub/internal/logging"
	"fsmhub/internal/monitor"
	"fsmhub/internal/storage"
	"fsmhub/internal/telemetry"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fsmhub daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(serveConfigPath)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to YAML config file")
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := telemetry.Setup(ctx, "fsmhub")
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(stopCtx); err != nil {
				logger.Warn("tracing shutdown failed", zap.Error(err))
			}
		}()
	}

	var store storage.Store
	if cfg.History.Persist {
		store, err = storage.NewBadgerStore(cfg.History.Path)
		if err != nil {
			return err
		}
	}

	hist := history.New(store, logger)
	disp := dispatch.New(logger)
	validator := guard.NewRuleValidator() // open rule set; custom guards ride the context

	h := hub.New(hub.Options{
		MaxConcurrent:      cfg.Hub.MaxConcurrentTransitions,
		RequestTimeout:     cfg.Hub.RequestTimeout.Duration(),
		ConflictWait:       cfg.Hub.ConflictWaitTimeout.Duration(),
		HeartbeatInterval:  cfg.Hub.HeartbeatInterval.Duration(),
		LivenessTimeout:    cfg.Hub.LivenessTimeout.Duration(),
		ShutdownGrace:      cfg.Hub.ShutdownGrace.Duration(),
		ValidationEnabled:  cfg.Hub.ValidationEnabled,
		ConflictResolution: cfg.Hub.ConflictResolution,
	}, validator, hist, disp, logger)

	mon := monitor.New(monitor.Options{
		CollectInterval: cfg.Monitor.CollectInterval.Duration(),
		Retention:       cfg.Monitor.Retention.Duration(),
		IdleAfter:       cfg.Monitor.IdleAfter.Duration(),
		Thresholds: monitor.Thresholds{
			ErrorRate:   cfg.Monitor.Thresholds.ErrorRate,
			AvgDuration: cfg.Monitor.Thresholds.AvgDuration.Duration(),
			QueueLength: cfg.Monitor.Thresholds.QueueLength,
		},
	}, h, disp, logger)

	var bridge *dispatch.Bridge
	if cfg.NATS.Enabled {
		bridge, err = dispatch.NewBridge(disp, cfg.NATS.URL, cfg.NATS.SubjectPrefix, []string{
			dispatch.EventStateTransition,
			dispatch.EventStateChange,
			dispatch.EventFSMError,
			dispatch.EventFSMInactive,
			dispatch.EventAlert,
			dispatch.EventMetricsCollected,
			dispatch.EventHealthUpdated,
		}, logger)
		if err != nil {
			return err
		}
	}

	h.Start()
	mon.Start()

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: api.NewHandler(h, mon, logger),
	}
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Hub.ShutdownGrace.Duration())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	mon.Stop()
	h.Shutdown()
	if bridge != nil {
		bridge.Close()
	}

	logger.Info("shutdown complete")
	return nil
}
