package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// LogLevelFromString converts string to LogLevel
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// InitializeFromConfig builds a logger from configuration and installs it as
// the global logger.
func InitializeFromConfig(service string, logConfig LogConfig) (*Logger, error) {
	if logConfig.LogDir != "" && logConfig.EnableFile {
		if err := os.MkdirAll(logConfig.LogDir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create log directory")
		}
	}

	logFile := logConfig.LogFile
	if logFile == "" && logConfig.EnableFile {
		if logConfig.LogDir != "" {
			logFile = filepath.Join(logConfig.LogDir, fmt.Sprintf("%s.log", service))
		} else {
			logFile = fmt.Sprintf("%s.log", service)
		}
	}

	logger := NewLogger(Config{
		Level:         LogLevelFromString(logConfig.Level),
		Service:       service,
		LogFile:       logFile,
		EnableConsole: logConfig.EnableConsole,
		EnableFile:    logConfig.EnableFile,
		BufferSize:    logConfig.BufferSize,
	})
	SetGlobalLogger(logger)

	return logger, nil
}

// LogConfig mirrors the logging section of the YAML configuration
type LogConfig struct {
	Level         string `yaml:"level"`
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"`
	LogDir        string `yaml:"log_dir"`
}

// Component names
const (
	ComponentPool        = "pool"
	ComponentAllocator   = "allocator"
	ComponentCache       = "cache"
	ComponentLoader      = "loader"
	ComponentResource    = "resource"
	ComponentHeartbeat   = "heartbeat"
	ComponentDiagnostics = "diagnostics"
	ComponentConfig      = "config"
	ComponentMain        = "main"
)

// Action names
const (
	ActionStart    = "start"
	ActionStop     = "stop"
	ActionRegister = "register"
	ActionCancel   = "cancel"
	ActionDispose  = "dispose"
	ActionTick     = "tick"
	ActionRent     = "rent"
	ActionReturn   = "return"
	ActionAlloc    = "alloc"
	ActionFree     = "free"
	ActionLoad     = "load"
	ActionAdmit    = "admit"
	ActionEvict    = "evict"
	ActionVerify   = "verify"
	ActionPressure = "pressure"
	ActionCleanup  = "cleanup"
	ActionSample   = "sample"
)
