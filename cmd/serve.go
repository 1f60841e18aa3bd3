package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowforge/dagrunner/internal/adapter/httpadapter"
	"github.com/flowforge/dagrunner/internal/adapter/subprocess"
	"github.com/flowforge/dagrunner/internal/appconfig"
	"github.com/flowforge/dagrunner/internal/applog"
	"github.com/flowforge/dagrunner/internal/engine"
	"github.com/flowforge/dagrunner/internal/eventlog"
	"github.com/flowforge/dagrunner/internal/httpapi"
	"github.com/flowforge/dagrunner/internal/lease"
	"github.com/flowforge/dagrunner/internal/provider"
	"github.com/flowforge/dagrunner/internal/runqueue"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the control-plane HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	path := cfgFile
	if path == "" {
		path = appconfig.DefaultConfigPath()
	}
	cfg, err := appconfig.NewLoader(appconfig.WithConfigFile(path)).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Log.Quiet = cfg.Log.Quiet || quiet

	logger, closeLog, err := applog.New(applog.Options{Debug: cfg.Log.Debug, Quiet: cfg.Log.Quiet, FilePath: cfg.Log.File})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := eventlog.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer store.Close()

	resolver := buildResolver(cfg)

	var leaseBackend lease.Backend = lease.None{}
	if cfg.Redis.URL != "" {
		redisLease, err := lease.NewRedis(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connect redis lease backend: %w", err)
		}
		defer redisLease.Close()
		leaseBackend = redisLease
	}

	eng, err := engine.New(ctx, engine.Config{
		Store:       store,
		Safety:      cfg.Safety,
		Resolver:    resolver,
		Logger:      logger,
		ExamplesDir: cfg.ExamplesDir,
		Lease:       leaseBackend,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Close()

	queue := runqueue.New(store.DB(), store.Driver())
	router := httpapi.NewRouter(eng, queue, httpapi.Config{
		Auth:           httpapi.AuthConfig{APIKey: cfg.Auth.APIKey, JWTSecret: cfg.Auth.JWTSecret},
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("serve: shutting down", "signal", sig.String())
		eng.StopAll()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("serve: graceful shutdown failed", "error", err)
		}
	}()

	logger.Info("serve: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// buildResolver wires each configured agent entry to a concrete adapter
// (internal/adapter/subprocess or internal/adapter/httpadapter), falling
// back to nil (every selector errors) if none are configured.
func buildResolver(cfg appconfig.Config) provider.Resolver {
	byValue := make(map[string]provider.Adapter, len(cfg.Agents))
	for name, a := range cfg.Agents {
		switch a.Type {
		case "http":
			byValue[name] = httpadapter.New(a.URL)
		case "subprocess":
			byValue[name] = subprocess.New(a.Command)
		default:
			log.Printf("serve: agent %q has unknown type %q, skipping", name, a.Type)
		}
	}
	return provider.NewStaticResolver(byValue, nil)
}
