package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/llmgw/llmgw/internal/apperr"
	"github.com/llmgw/llmgw/internal/audit"
	"github.com/llmgw/llmgw/internal/auth"
	"github.com/llmgw/llmgw/internal/cache"
	"github.com/llmgw/llmgw/internal/capability"
	"github.com/llmgw/llmgw/internal/config"
	"github.com/llmgw/llmgw/internal/extract"
	"github.com/llmgw/llmgw/internal/gateway"
	"github.com/llmgw/llmgw/internal/logging"
	"github.com/llmgw/llmgw/internal/policy"
	"github.com/llmgw/llmgw/internal/registry"
	"github.com/llmgw/llmgw/internal/server"
	"github.com/llmgw/llmgw/internal/store"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(settings.LogLevel, settings.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(settings, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

func run(settings *config.Settings, logger *zap.Logger) error {
	modelsCfg, err := config.LoadModels(settings.ModelsPath)
	if err != nil {
		return err
	}

	if err := probeModelCache(settings.ModelCacheDir); err != nil {
		return err
	}

	st, err := store.NewSQLiteStore(settings.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	kv, err := cache.NewRedisClient(settings.RedisURL, settings.RedisEnabled)
	if err != nil {
		return err
	}
	completionCache := cache.New(kv, st, settings.CacheTTL, logger)

	schemas := extract.NewRegistry()
	if err := schemas.LoadDir(settings.SchemaDir); err != nil {
		return err
	}

	policies := policy.NewStore(settings.PolicyDecisionPath, logger)
	stopWatch, err := policies.Watch()
	if err != nil {
		logger.Warn("policy watcher unavailable", zap.Error(err))
		stopWatch = func() {}
	}
	defer stopWatch()

	// Build the registry per load mode. In off mode the holder starts
	// empty; the admin load endpoint populates it later.
	holder := registry.NewHolder(nil)
	if settings.LoadMode != config.LoadOff {
		mgr, err := registry.NewManager(modelsCfg, settings, logger)
		if err != nil {
			return err
		}
		holder = registry.NewHolder(mgr)

		if settings.LoadMode == config.LoadEager {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := mgr.EnsureLoaded(ctx); err != nil {
				return err
			}
			if settings.Warmup {
				if err := warmup(ctx, mgr, settings); err != nil {
					return err
				}
			}
		}
	}

	limiter := auth.NewRateLimiter()
	defer limiter.Stop()
	gate := auth.NewGate(st, settings, limiter)

	resolver := capability.NewResolver(settings, policies)
	sink := audit.NewSink(st, logger)

	gw := gateway.New(settings, modelsCfg, holder, resolver, completionCache,
		sink, schemas, gate, policies, logger)

	srv := server.New(settings, gw, st, gate, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}

// probeModelCache verifies the weights cache directory is writable before
// any local backend tries to populate it. An empty dir skips the probe.
func probeModelCache(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.HFCacheUnwritable(dir, err)
	}
	probe, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return apperr.HFCacheUnwritable(dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// warmup runs one throwaway completion so the first real request does not
// pay the cold-start cost. A warmup failure aborts startup in eager mode.
func warmup(ctx context.Context, mgr *registry.Manager, settings *config.Settings) error {
	backend, err := mgr.Get(mgr.DefaultID())
	if err != nil {
		return err
	}
	_, err = backend.Generate(ctx, settings.WarmupPrompt, registry.Params{
		MaxNewTokens: settings.WarmupMaxNewTokens,
	})
	return err
}
