package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogLevel represents the severity of a log entry
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

type contextKey string

const CorrelationIDKey contextKey = "correlation_id"

// Fields carries structured key/value pairs attached to a log entry
type Fields map[string]interface{}

// LogEntry is the JSON shape of one log line
type LogEntry struct {
	Timestamp     time.Time `json:"@timestamp"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Service       string    `json:"service,omitempty"`
	Component     string    `json:"component,omitempty"`
	Action        string    `json:"action,omitempty"`
	Duration      *int64    `json:"duration_ms,omitempty"`
	Error         string    `json:"error,omitempty"`
	Fields        Fields    `json:"fields,omitempty"`
	File          string    `json:"file,omitempty"`
	Line          int       `json:"line,omitempty"`
	Function      string    `json:"function,omitempty"`
}

// Sink is the diagnostics collaborator handed to the pool, cache, resource
// manager and heartbeat scheduler. *Logger satisfies it.
type Sink interface {
	Debug(ctx context.Context, component, action, message string, fields ...Fields)
	Info(ctx context.Context, component, action, message string, fields ...Fields)
	Warn(ctx context.Context, component, action, message string, fields ...Fields)
	Error(ctx context.Context, component, action, message string, err error, fields ...Fields)
}

type nopSink struct{}

func (nopSink) Debug(context.Context, string, string, string, ...Fields)        {}
func (nopSink) Info(context.Context, string, string, string, ...Fields)         {}
func (nopSink) Warn(context.Context, string, string, string, ...Fields)         {}
func (nopSink) Error(context.Context, string, string, string, error, ...Fields) {}

// Nop returns a Sink that discards everything
func Nop() Sink { return nopSink{} }

// OrNop returns s, or a discarding Sink when s is nil
func OrNop(s Sink) Sink {
	if s == nil {
		return nopSink{}
	}
	return s
}

// Logger is the structured JSON logger
type Logger struct {
	level   LogLevel
	service string
	writers []io.Writer
	mu      sync.RWMutex
	logChan chan LogEntry
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	// sendMu orders enqueues against Close so no entry is left in logChan
	sendMu sync.RWMutex
	closed bool
}

// Config for logger initialization
type Config struct {
	Level         LogLevel
	Service       string
	LogFile       string
	EnableConsole bool
	EnableFile    bool
	BufferSize    int
	Writers       []io.Writer
}

// NewLogger creates a structured logger and starts its writer goroutine
func NewLogger(config Config) *Logger {
	if config.BufferSize < 0 {
		config.BufferSize = 0
	}
	logger := &Logger{
		level:   config.Level,
		service: config.Service,
		writers: append([]io.Writer(nil), config.Writers...),
		logChan: make(chan LogEntry, config.BufferSize),
		done:    make(chan struct{}),
	}

	if config.EnableConsole {
		logger.writers = append(logger.writers, os.Stdout)
	}

	if config.EnableFile && config.LogFile != "" {
		if file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			logger.writers = append(logger.writers, file)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v\n", config.LogFile, err)
		}
	}

	logger.wg.Add(1)
	go logger.processLogs()

	return logger
}

func (l *Logger) processLogs() {
	defer l.wg.Done()

	for {
		select {
		case entry := <-l.logChan:
			l.writeEntry(entry)
		case <-l.done:
			// drain
			for {
				select {
				case entry := <-l.logChan:
					l.writeEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) writeEntry(entry LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal log entry: %v\n", err)
		return
	}
	data = append(data, '\n')

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, writer := range l.writers {
		writer.Write(data)
	}
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

func (l *Logger) log(ctx context.Context, level LogLevel, component, action, message string, fields Fields, err error, duration *time.Duration) {
	if level < l.level {
		return
	}

	file, line, funcName := "unknown", 0, "unknown"
	if pc, f, ln, ok := runtime.Caller(2); ok {
		file, line = f, ln
		if fn := runtime.FuncForPC(pc); fn != nil {
			funcName = fn.Name()
		}
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   message,
		Service:   l.service,
		Component: component,
		Action:    action,
		Fields:    fields,
		File:      file,
		Line:      line,
		Function:  funcName,
	}

	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		entry.CorrelationID = correlationID
	}

	if err != nil {
		entry.Error = err.Error()
	}

	if duration != nil {
		durationMs := duration.Milliseconds()
		entry.Duration = &durationMs
	}

	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	if l.closed {
		l.writeEntry(entry)
		return
	}
	select {
	case l.logChan <- entry:
	default:
		// channel full, write inline
		l.writeEntry(entry)
	}
}

func firstFields(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, DEBUG, component, action, message, firstFields(fields), nil, nil)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, INFO, component, action, message, firstFields(fields), nil, nil)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, WARN, component, action, message, firstFields(fields), nil, nil)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.log(ctx, ERROR, component, action, message, firstFields(fields), err, nil)
}

// Fatal logs a fatal message. It does not exit the process.
func (l *Logger) Fatal(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.log(ctx, FATAL, component, action, message, firstFields(fields), err, nil)
}

// WithDuration logs with timing information
func (l *Logger) WithDuration(ctx context.Context, level LogLevel, component, action, message string, duration time.Duration, fields ...Fields) {
	l.log(ctx, level, component, action, message, firstFields(fields), nil, &duration)
}

// StartTimer returns a function that logs the elapsed time when called
func (l *Logger) StartTimer(ctx context.Context, component, action, message string) func() {
	start := time.Now()
	return func() {
		l.WithDuration(ctx, INFO, component, action, message, time.Since(start))
	}
}

// Close flushes pending entries and closes file writers. Safe to call twice.
func (l *Logger) Close() {
	l.once.Do(func() {
		l.sendMu.Lock()
		l.closed = true
		close(l.done)
		l.sendMu.Unlock()
		l.wg.Wait()

		l.mu.Lock()
		defer l.mu.Unlock()

		for _, writer := range l.writers {
			if closer, ok := writer.(io.Closer); ok && writer != os.Stdout && writer != os.Stderr {
				closer.Close()
			}
		}
	})
}

var globalLogger *Logger
var loggerMutex sync.RWMutex

// SetGlobalLogger sets the process-wide logger used by Fatal
func SetGlobalLogger(logger *Logger) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the process-wide logger, nil if none was set
func GetGlobalLogger() *Logger {
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	return globalLogger
}

// Fatal logs through the global logger, if one is set
func Fatal(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.Fatal(ctx, component, action, message, err, fields...)
	}
}
