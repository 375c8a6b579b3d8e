package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/tebeka/atexit"

	"resourcecache/internal/diagnostics"
	"resourcecache/internal/errkind"
	"resourcecache/internal/heartbeat"
	"resourcecache/internal/logging"
	"resourcecache/internal/memory"
	"resourcecache/internal/resource"
	"resourcecache/pkg/config"
)

const serviceName = "resourcecache"

// runtime is the set of components a command works with
type runtime struct {
	cfg       *config.Config
	logger    *logging.Logger
	manager   *resource.Manager
	scheduler *heartbeat.Scheduler
	checker   *diagnostics.MemoryChecker
}

// runContext tags every log entry of one command run with a fresh correlation ID
func runContext(parent context.Context) context.Context {
	return logging.WithCorrelationID(parent, logging.NewCorrelationID())
}

// newRuntime builds every component from the configuration file and registers
// their teardown to run on exit
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.InitializeFromConfig(serviceName, cfg.ToLogConfig())
	if err != nil {
		return nil, errors.Wrap(err, "initialize logging")
	}
	logger.Info(ctx, logging.ComponentConfig, logging.ActionStart, "Configuration loaded", logging.Fields{
		"config_file":    configPath,
		"backend":        cfg.Pool.Backend,
		"block_size":     cfg.Pool.BlockSize,
		"max_size":       cfg.Cache.MaxSize,
		"memory_checker": cfg.Heartbeat.MemoryChecker.Enabled,
	})

	backend, err := memory.NewBackend(cfg.Pool.Backend)
	if err != nil {
		logger.Close()
		return nil, errors.Wrap(err, "create memory backend")
	}
	pool, err := memory.NewPool(memory.PoolConfig{
		Name:         "resources",
		BlockSize:    int(config.MustParseSize(cfg.Pool.BlockSize)),
		InitialCount: cfg.Pool.InitialBlocks,
		Backend:      backend,
		Logger:       logger,
	})
	if err != nil {
		logger.Close()
		return nil, errors.Wrap(err, "create block pool")
	}
	alloc := memory.NewAllocator(memory.AllocatorConfig{
		Pool:    pool,
		Backend: backend,
		Logger:  logger,
	})

	manager, err := resource.NewManager(resource.Options{
		Allocator:     alloc,
		MaxCacheSize:  config.MustParseSize(cfg.Cache.MaxSize),
		Logger:        logger,
		CoalesceLoads: cfg.Cache.CoalesceLoads,
	})
	if err != nil {
		logger.Close()
		return nil, err
	}
	if err := manager.Cache().SetPressureThresholds(cfg.Cache.WarningPressure, cfg.Cache.CriticalPressure, cfg.Cache.PanicPressure); err != nil {
		logger.Close()
		return nil, err
	}

	mc := cfg.Heartbeat.MemoryChecker
	checker := diagnostics.NewMemoryChecker(diagnostics.MemoryCheckerConfig{
		Interval:      mc.Interval,
		Limit:         uint64(config.MustParseSize(mc.MaxMemory)),
		LimitFraction: mc.MemoryFraction,
		Cache:         manager.Cache(),
		Logger:        logger,
	})

	rt := &runtime{
		cfg:       cfg,
		logger:    logger,
		manager:   manager,
		scheduler: heartbeat.NewScheduler(heartbeat.Options{Logger: logger}),
		checker:   checker,
	}
	atexit.Register(rt.close)

	logger.Info(ctx, logging.ComponentMain, logging.ActionStart, "resourcecache starting", logging.Fields{
		"config_file":  configPath,
		"backend":      backend.Name(),
		"block_size":   pool.BlockSize(),
		"cache_budget": manager.Cache().MaxSize(),
		"coalesce":     cfg.Cache.CoalesceLoads,
	})
	return rt, nil
}

// startHeartbeats registers the configured heartbeat instruments
func (rt *runtime) startHeartbeats() error {
	mc := rt.cfg.Heartbeat.MemoryChecker
	if !mc.Enabled {
		return nil
	}
	inst, err := rt.checker.Instance()
	if err != nil {
		return err
	}
	inst.StopOnError = mc.StopOnError
	return rt.scheduler.Register(inst)
}

func (rt *runtime) close() {
	ctx := context.Background()
	rt.scheduler.Close()
	if err := rt.manager.Close(); err != nil {
		rt.logger.Error(ctx, logging.ComponentMain, logging.ActionStop, "Failed to release cached resources", err)
	}
	rt.manager.Allocator().LogStats(ctx)
	if leaked := len(rt.manager.Allocator().Live()); leaked > 0 {
		rt.logger.Warn(ctx, logging.ComponentMain, logging.ActionStop, "Blocks still live at shutdown", logging.Fields{"blocks": leaked})
	}
	rt.logger.Info(ctx, logging.ComponentMain, logging.ActionStop, "resourcecache stopped")
	rt.logger.Close()
}

// loadAll loads every path, printing one line per file. Uncached loads are
// released right after they are reported. An allocation failure stops the run.
func (rt *runtime) loadAll(ctx context.Context, paths []string, precache, verify bool) error {
	var failed int
	for _, path := range paths {
		done := rt.logger.StartTimer(ctx, logging.ComponentResource, logging.ActionLoad, "Resource request finished")
		block, err := rt.manager.LoadResource(ctx, path, precache)
		done()
		if err != nil {
			if errkind.IsFatal(err) {
				return errors.Wrapf(err, "stopped at %s", path)
			}
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			continue
		}
		buf, err := rt.manager.Bytes(block)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			continue
		}
		status := "loaded"
		if precache && verify {
			if err := rt.manager.Verify(path); err != nil {
				status = err.Error()
				failed++
			} else {
				status = "verified"
			}
		}
		fmt.Printf("%-10s %10s  %s\n", status, humanBytes(int64(len(buf))), path)
		// a cache hit stays with the cache even when precache is off
		if _, cached := rt.manager.Cache().Owns(block); !cached {
			if err := rt.manager.Release(block); err != nil {
				return err
			}
		}
	}
	if failed > 0 {
		return errors.Newf("%d of %d resources failed", failed, len(paths))
	}
	return nil
}
