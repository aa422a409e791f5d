// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package bench

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-mesh/internal/config"
	"github.com/nishisan-dev/n-mesh/internal/domainstorage"
	"github.com/nishisan-dev/n-mesh/internal/tele"
)

// RunDaemon roda o bench em modo daemon: runs agendados por cron, relatório
// periódico de telemetria, snapshot do storage e endpoint /metrics opcional.
// Bloqueia até SIGTERM ou SIGINT.
func RunDaemon(cfg *config.ClientConfig, store domainstorage.Store, trap *tele.SlogTrap, logger *slog.Logger) error {
	if cfg.Bench.RunSchedule == "" {
		return fmt.Errorf("bench.run_schedule is required in daemon mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Bench.MetricsListen != "" {
		go serveMetrics(cfg.Bench.MetricsListen, logger)
	}

	var runMu sync.Mutex
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(
		slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	if _, err := c.AddFunc(cfg.Bench.RunSchedule, func() {
		// Um run por vez; execuções agendadas durante um run são puladas.
		if !runMu.TryLock() {
			logger.Warn("bench run already in progress, skipping scheduled run")
			return
		}
		defer runMu.Unlock()

		if _, err := Run(ctx, cfg, store, logger); err != nil {
			logger.Error("scheduled bench run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("adding bench cron job: %w", err)
	}

	if cfg.Bench.ReportSchedule != "" && trap != nil {
		if _, err := c.AddFunc(cfg.Bench.ReportSchedule, trap.Report); err != nil {
			return fmt.Errorf("adding report cron job: %w", err)
		}
	}

	if cfg.Bench.SnapshotSchedule != "" && store != nil {
		if _, err := c.AddFunc(cfg.Bench.SnapshotSchedule, func() {
			if err := exportSnapshot(cfg, store, logger); err != nil {
				logger.Error("storage snapshot failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("adding snapshot cron job: %w", err)
		}
	}

	c.Start()
	logger.Info("bench daemon started",
		"run_schedule", cfg.Bench.RunSchedule,
		"report_schedule", cfg.Bench.ReportSchedule,
		"snapshot_schedule", cfg.Bench.SnapshotSchedule,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)

	cancel()
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
		logger.Info("daemon stopped gracefully")
	case <-time.After(30 * time.Second):
		logger.Warn("daemon stop timed out")
	}
	return nil
}

// exportSnapshot grava um snapshot do storage no diretório configurado.
func exportSnapshot(cfg *config.ClientConfig, store domainstorage.Store, logger *slog.Logger) error {
	dir := cfg.Storage.Path
	if dir == "" {
		dir = "."
	}
	name := filepath.Join(dir, domainstorage.SnapshotName(time.Now()))

	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	defer f.Close()

	if err := domainstorage.Export(store, f); err != nil {
		os.Remove(name)
		return fmt.Errorf("exporting snapshot: %w", err)
	}
	logger.Info("storage snapshot written", "path", name)
	return nil
}

func serveMetrics(listen string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	logger.Info("metrics endpoint listening", "addr", listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Error("metrics endpoint failed", "error", err)
	}
}
