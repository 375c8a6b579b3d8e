package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/multierr"

	"resourcecache/internal/errkind"
	"resourcecache/internal/logging"
	"resourcecache/internal/memory"
)

// DefaultMaxSize is the byte budget used when Config.MaxSize is zero
const DefaultMaxSize int64 = 100 * 1024 * 1024

// ErrBlockAlreadyCached is returned when a block is admitted under a second key
var ErrBlockAlreadyCached = errkind.Misuse("block is already cached under another key")

// Config configures a ByteBudgetCache
type Config struct {
	MaxSize int64
	Freer   Freer
	Policy  EvictionPolicy
	Logger  logging.Sink

	// OnEvict runs for every removed entry, before its block is freed, with
	// the cache lock held. It must not call back into the cache.
	OnEvict func(entry *Entry)
}

// ByteBudgetCache maps keys to owned blocks and keeps the sum of recorded
// sizes within MaxSize. The budget is soft for a single entry larger than
// MaxSize: it is admitted alone once everything else has been evicted.
//
// Every removal frees the entry's block through the Freer while the cache
// lock is held, so a removed entry's memory is back with its owner by the
// time the call returns.
type ByteBudgetCache struct {
	maxSize int64
	freer   Freer
	policy  EvictionPolicy
	logger  logging.Sink
	onEvict func(entry *Entry)

	mu      sync.Mutex
	entries map[string]*Entry
	owners  map[memory.Block]string
	current int64
	stats   Stats

	// Memory pressure thresholds
	pressureMu        sync.RWMutex
	warningThreshold  float64
	criticalThreshold float64
	panicThreshold    float64

	onWarningPressure  func(float64)
	onCriticalPressure func(float64)
	onPanicPressure    func(float64)
}

// New creates a cache. Freer is required; Policy defaults to insertion order.
func New(config Config) (*ByteBudgetCache, error) {
	if config.Freer == nil {
		return nil, errkind.Misuse("cache requires a freer")
	}
	if config.MaxSize < 0 {
		return nil, errkind.Misuse("invalid cache size: %d", config.MaxSize)
	}
	if config.MaxSize == 0 {
		config.MaxSize = DefaultMaxSize
	}
	if config.Policy == nil {
		config.Policy = NewInsertionOrderPolicy()
	}

	c := &ByteBudgetCache{
		maxSize:           config.MaxSize,
		freer:             config.Freer,
		policy:            config.Policy,
		logger:            logging.OrNop(config.Logger),
		onEvict:           config.OnEvict,
		entries:           make(map[string]*Entry),
		owners:            make(map[memory.Block]string),
		warningThreshold:  0.85,
		criticalThreshold: 0.90,
		panicThreshold:    0.95,
	}
	c.stats.CreatedAt = time.Now()

	c.onWarningPressure = c.defaultWarningHandler
	c.onCriticalPressure = c.defaultCriticalHandler
	c.onPanicPressure = c.defaultPanicHandler

	return c, nil
}

// Get returns the cached block for key - O(1)
func (c *ByteBudgetCache) Get(key string) (memory.Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.LastAccess = time.Now()
	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return memory.Block{}, false
	}
	c.stats.Hits++
	c.policy.OnAccess(entry)
	return entry.Block, true
}

// Admit stores block under key and takes ownership of it. An existing entry
// for key is evicted first, then policy candidates are evicted until size fits.
// Re-admitting the cached block under its own key only updates its recorded size.
func (c *ByteBudgetCache) Admit(key string, block memory.Block, size int64) error {
	if block.IsZero() {
		return errkind.Misuse("cannot admit the null block for %q", key)
	}
	if size < 0 {
		return errkind.Misuse("invalid entry size %d for %q", size, key)
	}

	c.mu.Lock()
	if owner, ok := c.owners[block]; ok {
		if owner != key {
			c.mu.Unlock()
			return errors.Wrapf(ErrBlockAlreadyCached, "admit %q: owned by %q", key, owner)
		}
		existing := c.entries[key]
		if existing.Size == size {
			c.mu.Unlock()
			return nil
		}
		// same block, new size: re-insert without freeing it
		c.detachLocked(existing)
	}

	var freeErrs error
	evicted := 0
	if existing, ok := c.entries[key]; ok {
		freeErrs = multierr.Append(freeErrs, c.removeLocked(existing))
		c.stats.Evictions++
		evicted++
	}

	for c.current+size > c.maxSize {
		candidate := c.policy.NextEvictionCandidate()
		if candidate == nil {
			break
		}
		freeErrs = multierr.Append(freeErrs, c.removeLocked(candidate))
		c.stats.Evictions++
		evicted++
	}

	entry := &Entry{Key: key, Block: block, Size: size, AdmittedAt: time.Now()}
	c.entries[key] = entry
	c.owners[block] = key
	c.current += size
	c.policy.OnInsert(entry)
	c.stats.Admissions++
	oversized := size > c.maxSize
	if oversized {
		c.stats.Oversized++
	}
	current := c.current
	c.mu.Unlock()

	fields := logging.Fields{
		"key":          key,
		"size":         size,
		"evicted":      evicted,
		"current_size": current,
		"max_size":     c.maxSize,
	}
	if oversized {
		c.logger.Warn(context.Background(), logging.ComponentCache, logging.ActionAdmit, "Admitted entry larger than the cache budget", fields)
	} else {
		c.logger.Debug(context.Background(), logging.ComponentCache, logging.ActionAdmit, "Admitted entry", fields)
	}
	if freeErrs != nil {
		c.logger.Error(context.Background(), logging.ComponentCache, logging.ActionEvict, "Failed to free evicted entries", freeErrs, fields)
	}

	c.checkMemoryPressure(float64(current) / float64(c.maxSize))
	return nil
}

// Evict removes key and frees its block. Reports whether an entry was present.
func (c *ByteBudgetCache) Evict(key string) bool {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	err := c.removeLocked(entry)
	c.stats.Evictions++
	c.mu.Unlock()

	if err != nil {
		c.logger.Error(context.Background(), logging.ComponentCache, logging.ActionEvict, "Failed to free evicted entry", err, logging.Fields{
			"key": key,
		})
	}
	return true
}

// EvictAll frees every entry and resets the current size to zero
func (c *ByteBudgetCache) EvictAll() error {
	c.mu.Lock()
	count := len(c.entries)
	var errs error
	for candidate := c.policy.NextEvictionCandidate(); candidate != nil; candidate = c.policy.NextEvictionCandidate() {
		errs = multierr.Append(errs, c.removeLocked(candidate))
		c.stats.Evictions++
	}
	// entries the policy lost track of
	for _, entry := range c.entries {
		errs = multierr.Append(errs, c.removeLocked(entry))
		c.stats.Evictions++
	}
	c.current = 0
	c.mu.Unlock()

	c.logger.Info(context.Background(), logging.ComponentCache, logging.ActionCleanup, "Evicted all entries", logging.Fields{
		"entries": count,
	})
	if errs != nil {
		return errors.Wrap(errs, "evict all")
	}
	return nil
}

// removeLocked drops entry from every index and frees its block. The entry is
// gone even when the free fails.
func (c *ByteBudgetCache) removeLocked(entry *Entry) error {
	c.detachLocked(entry)
	if c.onEvict != nil {
		c.onEvict(entry)
	}

	if err := c.freer.Free(entry.Block); err != nil {
		c.stats.FreeErrors++
		return errors.Wrapf(err, "free %q", entry.Key)
	}
	return nil
}

// detachLocked drops entry from every index without touching its block
func (c *ByteBudgetCache) detachLocked(entry *Entry) {
	delete(c.entries, entry.Key)
	delete(c.owners, entry.Block)
	c.policy.OnDelete(entry)
	c.current -= entry.Size
}

// Owns reports the key a block is cached under
func (c *ByteBudgetCache) Owns(block memory.Block) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.owners[block]
	return key, ok
}

// Contains reports whether key is cached without counting a lookup
func (c *ByteBudgetCache) Contains(key string) bool {
	_, ok := c.Peek(key)
	return ok
}

// Peek returns the cached block for key without touching stats or policy
func (c *ByteBudgetCache) Peek(key string) (memory.Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return memory.Block{}, false
	}
	return entry.Block, true
}

// Len returns the number of entries
func (c *ByteBudgetCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the sum of recorded entry sizes
func (c *ByteBudgetCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// MaxSize returns the byte budget
func (c *ByteBudgetCache) MaxSize() int64 {
	return c.maxSize
}

// Keys lists cached keys in eviction order
func (c *ByteBudgetCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.Keys()
}

// Pressure returns current size over max size
func (c *ByteBudgetCache) Pressure() float64 {
	return float64(c.Size()) / float64(c.maxSize)
}

// Stats returns a snapshot of cache counters
func (c *ByteBudgetCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Policy = c.policy.PolicyName()
	s.MaxSize = c.maxSize
	s.CurrentSize = c.current
	s.Entries = len(c.entries)
	s.MemoryPressure = float64(c.current) / float64(c.maxSize)
	return s
}

// checkMemoryPressure evaluates current pressure and triggers appropriate callbacks
func (c *ByteBudgetCache) checkMemoryPressure(pressure float64) {
	c.pressureMu.RLock()
	defer c.pressureMu.RUnlock()

	if pressure >= c.panicThreshold && c.onPanicPressure != nil {
		go c.onPanicPressure(pressure)
	} else if pressure >= c.criticalThreshold && c.onCriticalPressure != nil {
		go c.onCriticalPressure(pressure)
	} else if pressure >= c.warningThreshold && c.onWarningPressure != nil {
		go c.onWarningPressure(pressure)
	}
}

// SetPressureThresholds allows customization of pressure detection levels
func (c *ByteBudgetCache) SetPressureThresholds(warning, critical, panic float64) error {
	if warning < 0 || warning > 1 || critical < 0 || critical > 1 || panic < 0 || panic > 1 {
		return errkind.Misuse("thresholds must be between 0.0 and 1.0")
	}
	if warning >= critical || critical >= panic {
		return errkind.Misuse("thresholds must be ordered: warning < critical < panic")
	}

	c.pressureMu.Lock()
	defer c.pressureMu.Unlock()
	c.warningThreshold = warning
	c.criticalThreshold = critical
	c.panicThreshold = panic
	return nil
}

// SetPressureHandlers replaces the pressure callbacks. A nil handler disables that level.
func (c *ByteBudgetCache) SetPressureHandlers(onWarning, onCritical, onPanic func(float64)) {
	c.pressureMu.Lock()
	defer c.pressureMu.Unlock()
	c.onWarningPressure = onWarning
	c.onCriticalPressure = onCritical
	c.onPanicPressure = onPanic
}

func (c *ByteBudgetCache) defaultWarningHandler(pressure float64) {
	c.logger.Warn(context.Background(), logging.ComponentCache, logging.ActionPressure, "Cache at warning pressure", logging.Fields{
		"pressure": pressure,
		"level":    "warning",
	})
}

func (c *ByteBudgetCache) defaultCriticalHandler(pressure float64) {
	c.logger.Warn(context.Background(), logging.ComponentCache, logging.ActionPressure, "Cache at critical pressure", logging.Fields{
		"pressure": pressure,
		"level":    "critical",
	})
}

func (c *ByteBudgetCache) defaultPanicHandler(pressure float64) {
	c.logger.Warn(context.Background(), logging.ComponentCache, logging.ActionPressure, "Cache at panic pressure", logging.Fields{
		"pressure": pressure,
		"level":    "panic",
	})
}
