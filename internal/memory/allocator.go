package memory

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"resourcecache/internal/errkind"
	"resourcecache/internal/logging"
)

// BlockAllocator is the allocation surface consumed by the loader and cache
type BlockAllocator interface {
	Alloc(size int) (Block, error)
	Free(b Block) error
	Bytes(b Block) ([]byte, error)
}

// AllocatorConfig configures an Allocator
type AllocatorConfig struct {
	// Pool serves requests up to Pool.BlockSize(). Nil sends everything to Backend.
	Pool *Pool
	// Backend serves requests larger than a pool block. Defaults to a heap backend.
	Backend Backend
	Logger  logging.Sink
}

// AllocatorStats is a snapshot of allocator activity
type AllocatorStats struct {
	Allocations   int64
	Frees         int64
	PooledAllocs  int64
	RawAllocs     int64
	Reallocs      int64
	Failures      int64
	Misuses       int64
	LiveBlocks    int
	LiveBytes     int64
	PeakLiveBytes int64
}

type allocation struct {
	data   []byte // caller-visible view, len == requested size
	pooled Block  // set when data is a view of a pool block
	raw    []byte // full backend region when not pooled
}

// Allocator hands out variable-size regions and tracks every live one.
// Small requests are carved from pool blocks, large ones come straight from the
// backend.
type Allocator struct {
	pool    *Pool
	backend Backend
	logger  logging.Sink

	mu    sync.Mutex
	live  *table[allocation]
	bytes int64
	stats AllocatorStats
}

// NewAllocator creates an allocator
func NewAllocator(config AllocatorConfig) *Allocator {
	if config.Backend == nil {
		if config.Pool != nil {
			config.Backend = config.Pool.backend
		} else {
			config.Backend = NewHeapBackend()
		}
	}
	return &Allocator{
		pool:    config.Pool,
		backend: config.Backend,
		logger:  logging.OrNop(config.Logger),
		live:    newTable[allocation](),
	}
}

// Alloc returns a zeroed region of exactly size bytes
func (a *Allocator) Alloc(size int) (Block, error) {
	if size < 0 {
		a.countMisuse()
		return Block{}, errkind.Misuse("invalid allocation size: %d", size)
	}

	var entry allocation
	pooled := a.pool != nil && size <= a.pool.BlockSize()
	if pooled {
		pb, err := a.pool.Rent()
		if err != nil {
			a.countFailure(size, err)
			return Block{}, err
		}
		buf, err := a.pool.Bytes(pb)
		if err != nil {
			a.pool.Return(pb)
			a.countFailure(size, err)
			return Block{}, err
		}
		entry = allocation{data: buf[:size:size], pooled: pb}
		clear(entry.data)
	} else {
		raw, err := a.backend.Alloc(size)
		if err != nil {
			err = errkind.Allocation(err, "allocate %d bytes from %s", size, a.backend.Name())
			a.countFailure(size, err)
			return Block{}, err
		}
		entry = allocation{data: raw[:size:size], raw: raw}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.live.insert(entry)
	a.stats.Allocations++
	if pooled {
		a.stats.PooledAllocs++
	} else {
		a.stats.RawAllocs++
	}
	a.bytes += int64(size)
	if a.bytes > a.stats.PeakLiveBytes {
		a.stats.PeakLiveBytes = a.bytes
	}
	return b, nil
}

// Free releases a region. Freeing the null block is a no-op.
func (a *Allocator) Free(b Block) error {
	if b.IsZero() {
		return nil
	}

	a.mu.Lock()
	entry, err := a.live.remove(b)
	if err != nil {
		a.stats.Misuses++
		a.mu.Unlock()
		a.logger.Warn(context.Background(), logging.ComponentAllocator, logging.ActionFree, "Rejected free", logging.Fields{
			"block": b.String(),
			"error": err.Error(),
		})
		return err
	}
	a.stats.Frees++
	a.bytes -= int64(len(entry.data))
	a.mu.Unlock()

	if !entry.pooled.IsZero() {
		return a.pool.Return(entry.pooled)
	}
	if err := a.backend.Release(entry.raw); err != nil {
		return errkind.Allocation(err, "release %d bytes to %s", len(entry.data), a.backend.Name())
	}
	return nil
}

// Realloc moves the contents of b into a region of the new size. The old block
// is freed on success and left intact on failure. Realloc of the null block is Alloc.
func (a *Allocator) Realloc(b Block, size int) (Block, error) {
	if b.IsZero() {
		return a.Alloc(size)
	}
	old, err := a.Bytes(b)
	if err != nil {
		a.countMisuse()
		return Block{}, err
	}

	nb, err := a.Alloc(size)
	if err != nil {
		return Block{}, err
	}
	dst, err := a.Bytes(nb)
	if err != nil {
		return Block{}, multierr.Append(err, a.Free(nb))
	}
	copy(dst, old)

	a.mu.Lock()
	a.stats.Reallocs++
	a.mu.Unlock()

	if err := a.Free(b); err != nil {
		return nb, err
	}
	return nb, nil
}

// Bytes resolves b to its region
func (a *Allocator) Bytes(b Block) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, err := a.live.get(b)
	if err != nil {
		return nil, err
	}
	return entry.data, nil
}

// Size returns the requested size of b
func (a *Allocator) Size(b Block) (int, error) {
	data, err := a.Bytes(b)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Live lists every block that has not been freed
func (a *Allocator) Live() []Block {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Block, 0, a.live.live)
	a.live.each(func(b Block, _ allocation) {
		out = append(out, b)
	})
	return out
}

// LiveBytes returns the total requested size of live blocks
func (a *Allocator) LiveBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes
}

// ClearPool releases the pool's free blocks
func (a *Allocator) ClearPool() error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Clear()
}

// Pool returns the pool backing small allocations, possibly nil
func (a *Allocator) Pool() *Pool {
	return a.pool
}

// Stats returns a snapshot of allocator counters
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.LiveBlocks = a.live.live
	s.LiveBytes = a.bytes
	return s
}

// LogStats writes the current counters to the logger
func (a *Allocator) LogStats(ctx context.Context) {
	s := a.Stats()
	a.logger.Info(ctx, logging.ComponentAllocator, logging.ActionSample, "Allocator statistics", logging.Fields{
		"allocations":     s.Allocations,
		"frees":           s.Frees,
		"pooled_allocs":   s.PooledAllocs,
		"raw_allocs":      s.RawAllocs,
		"reallocs":        s.Reallocs,
		"failures":        s.Failures,
		"misuses":         s.Misuses,
		"live_blocks":     s.LiveBlocks,
		"live_bytes":      s.LiveBytes,
		"peak_live_bytes": s.PeakLiveBytes,
	})
}

func (a *Allocator) countFailure(size int, err error) {
	a.mu.Lock()
	a.stats.Failures++
	a.mu.Unlock()
	a.logger.Error(context.Background(), logging.ComponentAllocator, logging.ActionAlloc, "Allocation failed", err, logging.Fields{
		"size": size,
	})
}

func (a *Allocator) countMisuse() {
	a.mu.Lock()
	a.stats.Misuses++
	a.mu.Unlock()
}
