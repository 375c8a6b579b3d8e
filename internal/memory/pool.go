package memory

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"resourcecache/internal/errkind"
	"resourcecache/internal/logging"
)

// PoolConfig configures a Pool
type PoolConfig struct {
	Name         string
	BlockSize    int
	InitialCount int
	Backend      Backend
	Logger       logging.Sink
}

// PoolStats is a snapshot of pool activity
type PoolStats struct {
	Name         string
	BlockSize    int
	FreeBlocks   int
	RentedBlocks int
	Allocated    int64 // blocks obtained from the backend
	Released     int64 // blocks handed back to the backend
	Rents        int64
	Returns      int64
	Reused       int64 // rents served from the free set
	Misuses      int64
	Clears       int64
}

type rental struct {
	buf   []byte
	epoch uint64
}

// Pool recycles fixed-size blocks. Rent and Return are safe for concurrent use.
//
// Return must only receive blocks rented from the same pool, once per rent.
// Violations are detected through the handle generation and reported as
// ErrStaleBlock or ErrForeignBlock; the pool state is left untouched.
//
// A block rented before Clear and returned after it is released to the
// backend right away instead of rejoining the free set.
type Pool struct {
	name      string
	blockSize int
	backend   Backend
	logger    logging.Sink

	mu     sync.Mutex
	free   [][]byte
	rented *table[rental]
	epoch  uint64
	stats  PoolStats
}

// NewPool creates a pool and pre-allocates InitialCount blocks
func NewPool(config PoolConfig) (*Pool, error) {
	if config.BlockSize <= 0 {
		return nil, errkind.Misuse("block size must be greater than 0, got %d", config.BlockSize)
	}
	if config.InitialCount < 0 {
		return nil, errkind.Misuse("initial block count cannot be negative, got %d", config.InitialCount)
	}
	if config.Backend == nil {
		config.Backend = NewHeapBackend()
	}
	if config.Name == "" {
		config.Name = "default"
	}

	p := &Pool{
		name:      config.Name,
		blockSize: config.BlockSize,
		backend:   config.Backend,
		logger:    logging.OrNop(config.Logger),
		free:      make([][]byte, 0, config.InitialCount),
		rented:    newTable[rental](),
	}

	for i := 0; i < config.InitialCount; i++ {
		buf, err := p.backend.Alloc(p.blockSize)
		if err != nil {
			err = errkind.Allocation(err, "pre-allocate block %d of %d", i+1, config.InitialCount)
			// undo what was already mapped
			for _, b := range p.free {
				err = multierr.Append(err, p.backend.Release(b))
			}
			return nil, err
		}
		p.free = append(p.free, buf)
		p.stats.Allocated++
	}

	p.logger.Debug(context.Background(), logging.ComponentPool, logging.ActionStart, "Block pool created", logging.Fields{
		"pool":          p.name,
		"block_size":    p.blockSize,
		"initial_count": config.InitialCount,
		"backend":       p.backend.Name(),
	})

	return p, nil
}

// Rent hands out a free block, allocating a new one when the free set is empty
func (p *Pool) Rent() (Block, error) {
	p.mu.Lock()
	var buf []byte
	if n := len(p.free); n > 0 {
		buf = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.stats.Reused++
		b := p.rented.insert(rental{buf: buf, epoch: p.epoch})
		p.stats.Rents++
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()

	buf, err := p.backend.Alloc(p.blockSize)
	if err != nil {
		err = errkind.Allocation(err, "pool %s: allocate %d-byte block", p.name, p.blockSize)
		p.logger.Error(context.Background(), logging.ComponentPool, logging.ActionRent, "Failed to rent block", err, logging.Fields{
			"pool":       p.name,
			"block_size": p.blockSize,
		})
		return Block{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Allocated++
	p.stats.Rents++
	return p.rented.insert(rental{buf: buf, epoch: p.epoch}), nil
}

// Return gives a rented block back to the pool
func (p *Pool) Return(b Block) error {
	p.mu.Lock()
	r, err := p.rented.remove(b)
	if err != nil {
		p.stats.Misuses++
		p.mu.Unlock()
		p.logger.Warn(context.Background(), logging.ComponentPool, logging.ActionReturn, "Rejected block return", logging.Fields{
			"pool":  p.name,
			"block": b.String(),
			"error": err.Error(),
		})
		return err
	}
	p.stats.Returns++
	if r.epoch == p.epoch {
		p.free = append(p.free, r.buf)
		p.mu.Unlock()
		return nil
	}
	p.stats.Released++
	p.mu.Unlock()

	if err := p.backend.Release(r.buf); err != nil {
		return errkind.Allocation(err, "pool %s: release block rented before clear", p.name)
	}
	return nil
}

// Bytes resolves a rented block to its region. The slice must not be used
// after the block is returned.
func (p *Pool) Bytes(b Block) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.rented.get(b)
	if err != nil {
		return nil, err
	}
	return r.buf, nil
}

// Clear releases every free block to the backend. Rented blocks stay valid.
func (p *Pool) Clear() error {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.epoch++
	p.stats.Clears++
	p.stats.Released += int64(len(free))
	p.mu.Unlock()

	var errs error
	for _, buf := range free {
		errs = multierr.Append(errs, p.backend.Release(buf))
	}

	p.logger.Debug(context.Background(), logging.ComponentPool, logging.ActionCleanup, "Block pool cleared", logging.Fields{
		"pool":     p.name,
		"released": len(free),
	})

	if errs != nil {
		return errkind.Allocation(errs, "pool %s: clear", p.name)
	}
	return nil
}

// BlockSize returns the size of every block in the pool
func (p *Pool) BlockSize() int {
	return p.blockSize
}

// FreeCount returns the number of blocks waiting in the free set
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Name returns the pool name
func (p *Pool) Name() string {
	return p.name
}

// Stats returns a snapshot of pool counters
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Name = p.name
	s.BlockSize = p.blockSize
	s.FreeBlocks = len(p.free)
	s.RentedBlocks = p.rented.live
	return s
}
