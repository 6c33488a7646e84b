package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/objectfs/fscache/internal/cache"
	"github.com/objectfs/fscache/internal/config"
	"github.com/objectfs/fscache/internal/filesystem"
	"github.com/objectfs/fscache/internal/metrics"
	"github.com/objectfs/fscache/internal/storage/local"
	"github.com/objectfs/fscache/internal/storage/memory"
	"github.com/objectfs/fscache/internal/storage/s3"
	"github.com/objectfs/fscache/pkg/types"
	"github.com/objectfs/fscache/pkg/utils"
)

// env is everything a command needs, built from the configuration.
type env struct {
	cfg       *config.Configuration
	logger    *slog.Logger
	fs        *filesystem.FileSystem
	store     *cache.PersistentStore
	collector *metrics.Collector

	logCloser io.Closer
}

// loadConfig layers defaults, the config file, FSCACHE_* variables and
// command-line flags, in that order.
func loadConfig(cCtx *cli.Context) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path := cCtx.String(configFlag.Name); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if cCtx.IsSet(logLevelFlag.Name) {
		cfg.Global.LogLevel = cCtx.String(logLevelFlag.Name)
	}
	if cCtx.IsSet(logFormatFlag.Name) {
		cfg.Global.LogFormat = cCtx.String(logFormatFlag.Name)
	}
	if cCtx.IsSet(policyFlag.Name) {
		cfg.Cache.Policy = cCtx.String(policyFlag.Name)
	}
	if cCtx.IsSet(blockSizeFlag.Name) {
		cfg.Cache.BlockSize = cCtx.String(blockSizeFlag.Name)
	}
	if cCtx.IsSet(cacheDirFlag.Name) {
		cfg.PersistentCache.Enabled = true
		cfg.PersistentCache.Directory = cCtx.String(cacheDirFlag.Name)
	}
	if cCtx.IsSet(cacheAllFlag.Name) {
		cfg.PersistentCache.CacheAll = cCtx.Bool(cacheAllFlag.Name)
	}
	if cCtx.IsSet(metricsAddrFlag.Name) {
		cfg.Global.MetricsAddr = cCtx.String(metricsAddrFlag.Name)
	}
	if cCtx.IsSet(endpointFlag.Name) {
		cfg.S3.Endpoint = cCtx.String(endpointFlag.Name)
		cfg.S3.ForcePathStyle = true
	}
	if cCtx.IsSet(regionFlag.Name) {
		cfg.S3.Region = cCtx.String(regionFlag.Name)
	}
	return cfg, cfg.Validate()
}

func newEnv(cCtx *cli.Context) (*env, error) {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return nil, err
	}

	opts := cfg.LoggingOpts()
	opts.Output = cCtx.App.ErrWriter
	logger, closer, err := utils.SetupLogger(opts)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger, logCloser: closer}

	mc := metrics.DefaultConfig()
	if cfg.Global.MetricsAddr != "" {
		mc.Addr = cfg.Global.MetricsAddr
	}
	if e.collector, err = metrics.NewCollector(mc, logger); err != nil {
		e.close()
		return nil, err
	}

	registry, err := e.newRegistry()
	if err != nil {
		e.close()
		return nil, err
	}

	defaults, err := cfg.FileOptions()
	if err != nil {
		e.close()
		return nil, err
	}
	if cfg.PersistentCache.Enabled {
		sc, err := cfg.StoreConfig()
		if err != nil {
			e.close()
			return nil, err
		}
		sc.Logger = logger
		if e.store, err = cache.OpenStore(sc); err != nil {
			e.close()
			return nil, err
		}
		e.collector.WatchStore(e.store)
	}

	e.fs = filesystem.New(registry, filesystem.Config{
		Defaults: defaults,
		Store:    e.store,
		CacheAll: cfg.PersistentCache.CacheAll,
		Partial:  cfg.PersistentCache.PartialCaching,
		Logger:   logger,
	})
	e.collector.WatchHandles(e.fs)
	return e, nil
}

// newRegistry registers the file, memory and s3 schemes. Schemeless URLs
// are local paths.
func (e *env) newRegistry() (*filesystem.Registry, error) {
	registry := filesystem.NewRegistry(local.Scheme, e.logger)

	fileBackend, err := local.New("", e.logger)
	if err != nil {
		return nil, err
	}
	registry.RegisterBackend(fileBackend)
	registry.RegisterBackend(memory.New(memory.WithLogger(e.logger)))

	backendConfig := e.cfg.BackendConfig()
	registry.Register(filesystem.Scheme{
		Name:     s3.Scheme,
		Bucketed: true,
		New: func(ctx context.Context, bucket string) (types.Backend, error) {
			b, err := s3.NewBackend(ctx, bucket, backendConfig, e.logger)
			if err != nil {
				return nil, err
			}
			e.collector.WatchBackend(s3.Scheme+"://"+b.Bucket(), b)
			return b, nil
		},
	})
	return registry, nil
}

func (e *env) close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("failed to close persistent cache", "error", err)
		}
	}
	if e.logCloser != nil {
		_ = e.logCloser.Close()
	}
}
