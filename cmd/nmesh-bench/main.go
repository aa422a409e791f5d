// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nishisan-dev/n-mesh/internal/bench"
	"github.com/nishisan-dev/n-mesh/internal/config"
	"github.com/nishisan-dev/n-mesh/internal/domainstorage"
	"github.com/nishisan-dev/n-mesh/internal/logging"
	"github.com/nishisan-dev/n-mesh/internal/tele"
)

func main() {
	configPath := flag.String("config", "/etc/nmesh/client.yaml", "path to client config file")
	once := flag.Bool("once", false, "run a single bench run and exit (no daemon)")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	defer logCloser.Close()

	tele.LogEnv(logger, tele.CollectEnv())

	// O sink de telemetria é instalado uma única vez, antes do loop.
	trap := tele.NewSlogTrap(logger)
	promTrap, err := tele.NewPrometheusTrap(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Warn("prometheus trap unavailable", "error", err)
		tele.SetSink(trap)
	} else {
		tele.SetSink(tele.MultiTrap{trap, promTrap})
	}

	store, err := buildStore(cfg)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}

	if *once {
		result, err := bench.Run(context.Background(), cfg, store, logger)
		if err != nil {
			logger.Error("bench run failed", "error", err)
			os.Exit(1)
		}
		trap.Report()
		if !result.Completed {
			os.Exit(1)
		}
		return
	}

	if err := bench.RunDaemon(cfg, store, trap, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

// buildStore instancia o backend de domain storage configurado. Todos os
// backends são embrulhados em SyncStore: o daemon acessa o store de
// goroutines de cron além do loop.
func buildStore(cfg *config.ClientConfig) (domainstorage.Store, error) {
	var inner domainstorage.Store
	switch cfg.Storage.Backend {
	case "ram":
		inner = domainstorage.NewRAMStore()
	case "file":
		fs, err := domainstorage.NewFileStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		inner = fs
	case "s3":
		s3s, err := domainstorage.NewS3Store(context.Background(), domainstorage.S3Config{
			Bucket:    cfg.Storage.S3.Bucket,
			Prefix:    cfg.Storage.S3.Prefix,
			Region:    cfg.Storage.S3.Region,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		inner = s3s
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
	return domainstorage.NewSyncStore(inner), nil
}
