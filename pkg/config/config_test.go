package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"resourcecache/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resourcecache.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestConfigLoading(t *testing.T) {
	t.Run("Default_Configuration", func(t *testing.T) {
		// Load config with non-existent file to get defaults
		cfg, err := config.Load("/non/existent/path")
		if err != nil {
			t.Fatalf("Failed to load default config: %v", err)
		}

		if cfg.Pool.Backend != "heap" {
			t.Errorf("Expected default backend 'heap', got %s", cfg.Pool.Backend)
		}
		if cfg.Pool.BlockSize != "64KB" {
			t.Errorf("Expected default block size '64KB', got %s", cfg.Pool.BlockSize)
		}
		if cfg.Cache.MaxSize != "100MB" {
			t.Errorf("Expected default max size '100MB', got %s", cfg.Cache.MaxSize)
		}
		if cfg.Cache.CoalesceLoads {
			t.Error("Expected load coalescing to be off by default")
		}
		if cfg.Heartbeat.MemoryChecker.Interval != 3500*time.Millisecond {
			t.Errorf("Expected default checker interval 3.5s, got %v", cfg.Heartbeat.MemoryChecker.Interval)
		}
		if cfg.Logging.Level != "info" {
			t.Errorf("Expected default log level 'info', got %s", cfg.Logging.Level)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Expected defaults to validate, got %v", err)
		}
	})

	t.Run("YAML_Configuration_Loading", func(t *testing.T) {
		path := writeConfig(t, `
pool:
  backend: "mmap"
  block_size: "4KB"
  initial_blocks: 8

cache:
  max_size: "256MB"
  coalesce_loads: true
  warning_pressure: 0.7
  critical_pressure: 0.8
  panic_pressure: 0.9

heartbeat:
  memory_checker:
    enabled: true
    interval: "2s"
    max_memory: "1GB"
    stop_on_error: true

logging:
  level: "debug"
  log_file: "/var/log/resourcecache.log"
`)

		cfg, err := config.Load(path)
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}

		if cfg.Pool.Backend != "mmap" {
			t.Errorf("Expected backend 'mmap', got %s", cfg.Pool.Backend)
		}
		if cfg.Pool.InitialBlocks != 8 {
			t.Errorf("Expected 8 initial blocks, got %d", cfg.Pool.InitialBlocks)
		}
		if config.MustParseSize(cfg.Cache.MaxSize) != 256<<20 {
			t.Errorf("Expected max size 256MiB, got %s", cfg.Cache.MaxSize)
		}
		if !cfg.Cache.CoalesceLoads {
			t.Error("Expected load coalescing to be enabled")
		}
		mc := cfg.Heartbeat.MemoryChecker
		if mc.Interval != 2*time.Second {
			t.Errorf("Expected interval 2s, got %v", mc.Interval)
		}
		if !mc.StopOnError {
			t.Error("Expected stop_on_error to be set")
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("Expected log level 'debug', got %s", cfg.Logging.Level)
		}
	})

	t.Run("Partial_File_Keeps_Defaults", func(t *testing.T) {
		path := writeConfig(t, "cache:\n  max_size: \"10MB\"\n")

		cfg, err := config.Load(path)
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}
		if cfg.Pool.BlockSize != "64KB" {
			t.Errorf("Expected default block size to survive, got %s", cfg.Pool.BlockSize)
		}
		if cfg.Cache.PanicPressure != 0.95 {
			t.Errorf("Expected default panic pressure 0.95, got %v", cfg.Cache.PanicPressure)
		}
	})

	t.Run("Malformed_YAML", func(t *testing.T) {
		path := writeConfig(t, "pool: [unterminated")
		if _, err := config.Load(path); err == nil {
			t.Error("Expected parse error for malformed YAML")
		}
	})
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"Valid defaults", func(c *config.Config) {}, ""},
		{"Unknown backend", func(c *config.Config) { c.Pool.Backend = "gpu" }, "pool.backend"},
		{"Zero block size", func(c *config.Config) { c.Pool.BlockSize = "0" }, "pool.block_size"},
		{"Bad block size", func(c *config.Config) { c.Pool.BlockSize = "lots" }, "pool.block_size"},
		{"Negative initial blocks", func(c *config.Config) { c.Pool.InitialBlocks = -1 }, "pool.initial_blocks"},
		{"Bad max size", func(c *config.Config) { c.Cache.MaxSize = "big" }, "cache.max_size"},
		{"Threshold out of range", func(c *config.Config) { c.Cache.PanicPressure = 1.5 }, "between 0.0 and 1.0"},
		{"Thresholds out of order", func(c *config.Config) { c.Cache.WarningPressure = 0.92 }, "ordered"},
		{"Zero checker interval", func(c *config.Config) { c.Heartbeat.MemoryChecker.Interval = 0 }, "interval"},
		{"Disabled checker skips checks", func(c *config.Config) {
			c.Heartbeat.MemoryChecker.Enabled = false
			c.Heartbeat.MemoryChecker.Interval = 0
		}, ""},
		{"Bad max memory", func(c *config.Config) { c.Heartbeat.MemoryChecker.MaxMemory = "much" }, "max_memory"},
		{"Bad memory fraction", func(c *config.Config) { c.Heartbeat.MemoryChecker.MemoryFraction = 2 }, "memory_fraction"},
		{"Warning level alias", func(c *config.Config) { c.Logging.Level = "WARNING" }, ""},
		{"Unknown log level", func(c *config.Config) { c.Logging.Level = "chatty" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"", 0, false},
		{"512", 512, false},
		{"64KB", 64 << 10, false},
		{"64kb", 64 << 10, false},
		{"100MB", 100 << 20, false},
		{"1g", 1 << 30, false},
		{" 2GB ", 2 << 30, false},
		{"abc", 0, true},
		{"-1", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := config.ParseSize(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q, got %d", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSize(%q) unexpected error = %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestToLogConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "debug"
	cfg.Logging.LogFile = "rc.log"

	lc := cfg.ToLogConfig()
	if lc.Level != "debug" || lc.LogFile != "rc.log" {
		t.Errorf("Expected logging section to carry over, got %+v", lc)
	}
	if lc.BufferSize != 1000 {
		t.Errorf("Expected buffer size 1000, got %d", lc.BufferSize)
	}
}
