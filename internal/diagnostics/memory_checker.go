// Package diagnostics holds heartbeat instruments that watch the process.
package diagnostics

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	sysmem "github.com/pbnjay/memory"
	"github.com/shirou/gopsutil/process"

	"resourcecache/internal/cache"
	"resourcecache/internal/heartbeat"
	"resourcecache/internal/logging"
)

const (
	DefaultCheckerName    = "memory-checker"
	DefaultCheckInterval  = 3500 * time.Millisecond
	DefaultMemoryFraction = 0.5
	bytesPerMiB           = 1024 * 1024
)

// ErrMemoryLimitExceeded fails a check whose RSS sample is above the limit
var ErrMemoryLimitExceeded = errors.New("process memory limit exceeded")

// Sampler returns the resident set size of the process in bytes
type Sampler func() (uint64, error)

// ProcessRSS samples the current process through gopsutil
func ProcessRSS() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, errors.Wrap(err, "open current process")
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, errors.Wrap(err, "read process memory info")
	}
	return info.RSS, nil
}

// CacheStats is implemented by *cache.ByteBudgetCache
type CacheStats interface {
	Stats() cache.Stats
}

// MemoryCheckerConfig configures a MemoryChecker
type MemoryCheckerConfig struct {
	Name     string
	Interval time.Duration
	// Limit in bytes. Zero derives it from LimitFraction of total system memory.
	Limit         uint64
	LimitFraction float64
	Sampler       Sampler
	Cache         CacheStats
	Logger        logging.Sink
}

// Sample is the result of one check
type Sample struct {
	RSS       uint64
	Limit     uint64
	CacheSize int64
	Entries   int
	At        time.Time
}

// MemoryChecker compares process RSS with a limit on every heartbeat tick and
// fails the tick when the limit is exceeded
type MemoryChecker struct {
	name     string
	interval time.Duration
	limit    uint64
	sampler  Sampler
	cache    CacheStats
	logger   logging.Sink

	mu   sync.Mutex
	last Sample
}

// NewMemoryChecker creates a checker with defaults applied
func NewMemoryChecker(config MemoryCheckerConfig) *MemoryChecker {
	if config.Name == "" {
		config.Name = DefaultCheckerName
	}
	if config.Interval <= 0 {
		config.Interval = DefaultCheckInterval
	}
	if config.Sampler == nil {
		config.Sampler = ProcessRSS
	}
	if config.Limit == 0 {
		fraction := config.LimitFraction
		if fraction <= 0 || fraction > 1 {
			fraction = DefaultMemoryFraction
		}
		// zero when the platform cannot report total memory, which disables the check
		config.Limit = uint64(float64(sysmem.TotalMemory()) * fraction)
	}

	return &MemoryChecker{
		name:     config.Name,
		interval: config.Interval,
		limit:    config.Limit,
		sampler:  config.Sampler,
		cache:    config.Cache,
		logger:   logging.OrNop(config.Logger),
	}
}

// Instance wraps the checker as a heartbeat instance
func (m *MemoryChecker) Instance() (*heartbeat.Instance, error) {
	return heartbeat.NewInstance(m.name, m.interval, m.Check)
}

// Limit returns the RSS limit in bytes
func (m *MemoryChecker) Limit() uint64 {
	return m.limit
}

// Check takes one sample, logs it, and fails when RSS is above the limit
func (m *MemoryChecker) Check(ctx context.Context) error {
	rss, err := m.sampler()
	if err != nil {
		return errors.Wrap(err, "sample process memory")
	}

	sample := Sample{RSS: rss, Limit: m.limit, At: time.Now()}
	fields := logging.Fields{
		"rss_mb":   float64(rss) / bytesPerMiB,
		"limit_mb": float64(m.limit) / bytesPerMiB,
	}
	if m.cache != nil {
		stats := m.cache.Stats()
		sample.CacheSize = stats.CurrentSize
		sample.Entries = stats.Entries
		fields["cache_size"] = stats.CurrentSize
		fields["cache_entries"] = stats.Entries
		fields["cache_hit_rate"] = stats.HitRate()
	}

	m.mu.Lock()
	m.last = sample
	m.mu.Unlock()

	m.logger.Info(ctx, logging.ComponentDiagnostics, logging.ActionSample, "Current memory usage", fields)

	if m.limit > 0 && rss > m.limit {
		return errors.Wrapf(ErrMemoryLimitExceeded, "rss %d bytes over limit %d", rss, m.limit)
	}
	return nil
}

// LastSample returns the most recent sample
func (m *MemoryChecker) LastSample() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
