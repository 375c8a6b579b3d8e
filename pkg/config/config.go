package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"resourcecache/internal/logging"
)

// Config represents the main configuration structure
type Config struct {
	Pool      PoolConfig      `yaml:"pool"`
	Cache     CacheConfig     `yaml:"cache"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// PoolConfig contains block pool configuration
type PoolConfig struct {
	Backend       string `yaml:"backend"`        // "heap" or "mmap"
	BlockSize     string `yaml:"block_size"`     // e.g. "64KB"
	InitialBlocks int    `yaml:"initial_blocks"` // pre-allocated at startup
}

// CacheConfig contains resource cache configuration
type CacheConfig struct {
	MaxSize          string  `yaml:"max_size"`
	CoalesceLoads    bool    `yaml:"coalesce_loads"`
	WarningPressure  float64 `yaml:"warning_pressure"`
	CriticalPressure float64 `yaml:"critical_pressure"`
	PanicPressure    float64 `yaml:"panic_pressure"`
}

// HeartbeatConfig contains heartbeat instrument configuration
type HeartbeatConfig struct {
	MemoryChecker MemoryCheckerConfig `yaml:"memory_checker"`
}

// MemoryCheckerConfig configures the periodic process memory check
type MemoryCheckerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	MaxMemory      string        `yaml:"max_memory"`      // empty derives the limit from memory_fraction
	MemoryFraction float64       `yaml:"memory_fraction"` // share of total system memory
	StopOnError    bool          `yaml:"stop_on_error"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`          // debug, info, warn, error, fatal
	EnableConsole bool   `yaml:"enable_console"` // Enable console output
	EnableFile    bool   `yaml:"enable_file"`    // Enable file output
	LogFile       string `yaml:"log_file"`       // Log file path
	BufferSize    int    `yaml:"buffer_size"`    // Async log buffer size
	LogDir        string `yaml:"log_dir"`        // Log directory
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			Backend:       "heap",
			BlockSize:     "64KB",
			InitialBlocks: 16,
		},
		Cache: CacheConfig{
			MaxSize:          "100MB",
			CoalesceLoads:    false,
			WarningPressure:  0.85,
			CriticalPressure: 0.90,
			PanicPressure:    0.95,
		},
		Heartbeat: HeartbeatConfig{
			MemoryChecker: MemoryCheckerConfig{
				Enabled:        true,
				Interval:       3500 * time.Millisecond,
				MemoryFraction: 0.5,
			},
		},
		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			BufferSize:    1000,
			LogDir:        "logs",
		},
	}
}

// Load reads and parses the configuration file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, errors.Wrap(err, "failed to read config file")
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !isValidBackend(c.Pool.Backend) {
		return errors.Newf("pool.backend must be heap or mmap, got %q", c.Pool.Backend)
	}
	blockSize, err := ParseSize(c.Pool.BlockSize)
	if err != nil {
		return errors.Wrap(err, "pool.block_size")
	}
	if blockSize <= 0 {
		return errors.New("pool.block_size must be greater than 0")
	}
	if c.Pool.InitialBlocks < 0 {
		return errors.New("pool.initial_blocks cannot be negative")
	}

	maxSize, err := ParseSize(c.Cache.MaxSize)
	if err != nil {
		return errors.Wrap(err, "cache.max_size")
	}
	if maxSize < 0 {
		return errors.New("cache.max_size cannot be negative")
	}
	w, cr, p := c.Cache.WarningPressure, c.Cache.CriticalPressure, c.Cache.PanicPressure
	if w < 0 || w > 1 || cr < 0 || cr > 1 || p < 0 || p > 1 {
		return errors.New("cache pressure thresholds must be between 0.0 and 1.0")
	}
	if w >= cr || cr >= p {
		return errors.New("cache pressure thresholds must be ordered: warning < critical < panic")
	}

	mc := c.Heartbeat.MemoryChecker
	if mc.Enabled {
		if mc.Interval <= 0 {
			return errors.New("heartbeat.memory_checker.interval must be positive")
		}
		if _, err := ParseSize(mc.MaxMemory); err != nil {
			return errors.Wrap(err, "heartbeat.memory_checker.max_memory")
		}
		if mc.MemoryFraction < 0 || mc.MemoryFraction > 1 {
			return errors.New("heartbeat.memory_checker.memory_fraction must be between 0.0 and 1.0")
		}
	}

	if !isValidLogLevel(c.Logging.Level) {
		return errors.Newf("logging.level %q is not a known level", c.Logging.Level)
	}

	return nil
}

// ParseSize converts "64KB", "100MB", "1g" or a plain byte count to bytes.
// Units are binary. An empty string is zero.
func ParseSize(size string) (int64, error) {
	size = strings.TrimSpace(size)
	if size == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(size)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", size)
	}
	return n, nil
}

// MustParseSize is ParseSize for values that already passed Validate
func MustParseSize(size string) int64 {
	n, err := ParseSize(size)
	if err != nil {
		panic(err)
	}
	return n
}

// isValidBackend checks if the memory backend is supported
func isValidBackend(backend string) bool {
	validBackends := map[string]bool{
		"heap": true, // Go heap
		"mmap": true, // anonymous mappings outside the Go heap
	}
	return validBackends[backend]
}

// isValidLogLevel checks if the level is understood by the logger
func isValidLogLevel(level string) bool {
	validLevels := map[string]bool{
		"debug":   true,
		"info":    true,
		"warn":    true,
		"warning": true,
		"error":   true,
		"fatal":   true,
	}
	return validLevels[strings.ToLower(level)]
}

// ToLogConfig converts the logging section to the logger's configuration
func (c *Config) ToLogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:         c.Logging.Level,
		EnableConsole: c.Logging.EnableConsole,
		EnableFile:    c.Logging.EnableFile,
		LogFile:       c.Logging.LogFile,
		BufferSize:    c.Logging.BufferSize,
		LogDir:        c.Logging.LogDir,
	}
}
