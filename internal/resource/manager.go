package resource

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"resourcecache/internal/cache"
	"resourcecache/internal/errkind"
	"resourcecache/internal/logging"
	"resourcecache/internal/memory"
)

var (
	// ErrCachedBlock is returned when a caller tries to release a block the cache owns
	ErrCachedBlock = errkind.Misuse("block is owned by the cache")
	// ErrNotCached is returned by Verify for a path with no cache entry
	ErrNotCached = errors.New("resource is not cached")
	// ErrCorruptResource is returned by Verify when cached bytes no longer match their digest
	ErrCorruptResource = errors.New("cached resource does not match its digest")
)

// Options configures a Manager
type Options struct {
	// Allocator backs every loaded block. Defaults to a heap allocator with no pool.
	Allocator *memory.Allocator
	// MaxCacheSize is the cache byte budget. Zero selects cache.DefaultMaxSize.
	MaxCacheSize int64
	Logger       logging.Sink

	// CoalesceLoads makes concurrent precache loads of the same uncached path
	// share a single read. Off by default: every caller performs its own I/O
	// and the last admission wins.
	CoalesceLoads bool
}

// Stats is a snapshot of manager activity
type Stats struct {
	Requests      int64
	CacheHits     int64
	DiskReads     int64
	UncachedLoads int64
	Coalesced     int64
	Failures      int64

	Cache     cache.Stats
	Allocator memory.AllocatorStats
}

// Manager loads file-backed resources into blocks and caches them under a
// byte budget. Keys are absolute, cleaned paths.
//
// Blocks returned for precached loads stay owned by the cache and are valid
// until evicted. Blocks returned for uncached loads belong to the caller, who
// must hand them back with Release.
type Manager struct {
	alloc    *memory.Allocator
	cache    *cache.ByteBudgetCache
	loader   *Loader
	logger   logging.Sink
	coalesce bool
	flight   singleflight.Group

	// digests is keyed by block so a replaced entry never inherits a newer digest
	digestMu sync.Mutex
	digests  map[memory.Block]uint64

	statsMu sync.Mutex
	stats   Stats
}

// NewManager creates a manager and its cache
func NewManager(opts Options) (*Manager, error) {
	if opts.Allocator == nil {
		opts.Allocator = memory.NewAllocator(memory.AllocatorConfig{Logger: opts.Logger})
	}

	m := &Manager{
		alloc:    opts.Allocator,
		logger:   logging.OrNop(opts.Logger),
		coalesce: opts.CoalesceLoads,
		digests:  make(map[memory.Block]uint64),
	}
	m.loader = NewLoader(opts.Allocator, opts.Logger)

	c, err := cache.New(cache.Config{
		MaxSize: opts.MaxCacheSize,
		Freer:   opts.Allocator,
		Logger:  opts.Logger,
		OnEvict: m.forget,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create resource cache")
	}
	m.cache = c

	return m, nil
}

// Key returns the cache key for path
func Key(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errkind.Io(err, "resolve %s", path)
	}
	return filepath.Clean(abs), nil
}

// LoadResource returns the block holding path's contents. A cached path is
// served without I/O. Otherwise the file is read and, with precache, admitted
// to the cache; without precache the caller owns the returned block.
// On failure the zero Block is returned and the cache is left unchanged.
func (m *Manager) LoadResource(ctx context.Context, path string, precache bool) (memory.Block, error) {
	m.count(func(s *Stats) { s.Requests++ })

	key, err := Key(path)
	if err != nil {
		m.fail(ctx, path, err)
		return memory.Block{}, err
	}

	if block, ok := m.cache.Get(key); ok {
		m.count(func(s *Stats) { s.CacheHits++ })
		return block, nil
	}

	if !precache {
		loaded, err := m.read(ctx, key)
		if err != nil {
			m.fail(ctx, key, err)
			return memory.Block{}, err
		}
		m.count(func(s *Stats) { s.UncachedLoads++ })
		return loaded.Block, nil
	}

	if !m.coalesce {
		block, err := m.loadAndAdmit(ctx, key)
		if err != nil {
			m.fail(ctx, key, err)
			return memory.Block{}, err
		}
		return block, nil
	}

	// the shared load outlives any single caller; each caller's own ctx only
	// ends its wait below
	shared := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(key, func() (interface{}, error) {
		// a concurrent flight may have finished between Get and DoChan
		if block, ok := m.cache.Peek(key); ok {
			return block, nil
		}
		return m.loadAndAdmit(shared, key)
	})
	select {
	case <-ctx.Done():
		return memory.Block{}, errors.Wrapf(ctx.Err(), "load %s", key)
	case res := <-ch:
		if res.Shared {
			m.count(func(s *Stats) { s.Coalesced++ })
		}
		if res.Err != nil {
			m.fail(ctx, key, res.Err)
			return memory.Block{}, res.Err
		}
		return res.Val.(memory.Block), nil
	}
}

func (m *Manager) read(ctx context.Context, key string) (Loaded, error) {
	m.count(func(s *Stats) { s.DiskReads++ })
	return m.loader.Load(ctx, key)
}

func (m *Manager) loadAndAdmit(ctx context.Context, key string) (memory.Block, error) {
	loaded, err := m.read(ctx, key)
	if err != nil {
		return memory.Block{}, err
	}

	m.digestMu.Lock()
	m.digests[loaded.Block] = loaded.Digest
	m.digestMu.Unlock()

	if err := m.cache.Admit(key, loaded.Block, loaded.Size); err != nil {
		m.forget(&cache.Entry{Block: loaded.Block})
		return memory.Block{}, multierr.Append(errors.Wrapf(err, "cache %s", key), m.alloc.Free(loaded.Block))
	}

	m.logger.Info(ctx, logging.ComponentResource, logging.ActionAdmit, "Resource cached", logging.Fields{
		"path":         key,
		"size":         loaded.Size,
		"cache_size":   m.cache.Size(),
		"cache_budget": m.cache.MaxSize(),
	})
	return loaded.Block, nil
}

func (m *Manager) forget(entry *cache.Entry) {
	m.digestMu.Lock()
	delete(m.digests, entry.Block)
	m.digestMu.Unlock()
}

func (m *Manager) fail(ctx context.Context, path string, err error) {
	m.count(func(s *Stats) { s.Failures++ })
	m.logger.Error(ctx, logging.ComponentResource, logging.ActionLoad, "Failed to load resource", err, logging.Fields{
		"path": path,
	})
}

func (m *Manager) count(fn func(s *Stats)) {
	m.statsMu.Lock()
	fn(&m.stats)
	m.statsMu.Unlock()
}

// FreeResource evicts path from the cache and frees its block. Reports whether
// the path was cached.
func (m *Manager) FreeResource(path string) bool {
	key, err := Key(path)
	if err != nil {
		return false
	}
	freed := m.cache.Evict(key)
	if freed {
		m.logger.Debug(context.Background(), logging.ComponentResource, logging.ActionEvict, "Resource freed", logging.Fields{
			"path": key,
		})
	}
	return freed
}

// FreeAllResources frees every cached resource
func (m *Manager) FreeAllResources() error {
	return m.cache.EvictAll()
}

// Bytes resolves a block returned by LoadResource. The slice is only valid
// while the block is cached or, for uncached loads, until Release.
func (m *Manager) Bytes(block memory.Block) ([]byte, error) {
	return m.alloc.Bytes(block)
}

// Release frees a block returned by an uncached load
func (m *Manager) Release(block memory.Block) error {
	if key, ok := m.cache.Owns(block); ok {
		return errors.Wrapf(ErrCachedBlock, "release %s", key)
	}
	return m.alloc.Free(block)
}

// Verify re-hashes the cached bytes of path and compares them with the digest
// recorded when the file was read
func (m *Manager) Verify(path string) error {
	key, err := Key(path)
	if err != nil {
		return err
	}
	block, ok := m.cache.Peek(key)
	if !ok {
		return errors.Wrapf(ErrNotCached, "verify %s", key)
	}

	m.digestMu.Lock()
	want, ok := m.digests[block]
	m.digestMu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNotCached, "verify %s", key)
	}

	buf, err := m.alloc.Bytes(block)
	if err != nil {
		// evicted between Peek and Bytes
		return errors.Wrapf(ErrNotCached, "verify %s", key)
	}
	if got := xxhash.Sum64(buf); got != want {
		err := errors.Wrapf(ErrCorruptResource, "verify %s: digest %x, want %x", key, got, want)
		m.logger.Error(context.Background(), logging.ComponentResource, logging.ActionVerify, "Cached resource corrupted", err, logging.Fields{
			"path": key,
		})
		return err
	}
	return nil
}

// Cache returns the underlying cache
func (m *Manager) Cache() *cache.ByteBudgetCache {
	return m.cache
}

// Allocator returns the allocator backing loaded blocks
func (m *Manager) Allocator() *memory.Allocator {
	return m.alloc
}

// Stats returns a snapshot of manager, cache and allocator counters
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	s := m.stats
	m.statsMu.Unlock()
	s.Cache = m.cache.Stats()
	s.Allocator = m.alloc.Stats()
	return s
}

// Close frees every cached resource and releases the allocator's pooled blocks
func (m *Manager) Close() error {
	var errs error
	errs = multierr.Append(errs, m.FreeAllResources())
	errs = multierr.Append(errs, m.alloc.ClearPool())
	if errs != nil {
		return errors.Wrap(errs, "close resource manager")
	}
	m.logger.Info(context.Background(), logging.ComponentResource, logging.ActionStop, "Resource manager closed")
	return nil
}
