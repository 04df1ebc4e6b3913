package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

var (
	// zerolog keeps these as package globals; set them once
	timeFormatOnce sync.Once
	callerSkipOnce sync.Once
)

// Logger wraps zerolog with the node's persistent fields.
type Logger struct {
	*zerolog.Logger
	config  *Config
	fields  Fields
	closers []io.Closer
	mu      sync.RWMutex
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `json:"level"`

	// Format is the output format (json, console)
	Format string `json:"format"`

	// TimestampFormat for logs
	TimestampFormat string `json:"timestamp_format"`

	// Console output settings
	Console ConsoleConfig `json:"console"`

	// File output settings
	File FileConfig `json:"file"`

	// Fields are default fields added to all logs
	Fields Fields `json:"fields"`

	// EnableCaller adds caller information to logs
	EnableCaller bool `json:"enable_caller"`

	// CallerSkipFrameCount for caller information
	CallerSkipFrameCount int `json:"caller_skip_frame_count"`

	// AsyncWrite puts a diode writer in front of the outputs
	AsyncWrite bool `json:"async_write"`

	// BufferSize for the async writer (in messages)
	BufferSize int `json:"buffer_size"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable     bool   `json:"enable"`
	NoColor    bool   `json:"no_color"`
	TimeFormat string `json:"time_format"`
	Output     string `json:"output"` // stdout, stderr
}

// FileConfig for rotating file output
type FileConfig struct {
	Enable     bool   `json:"enable"`
	Path       string `json:"path"`
	MaxSize    int    `json:"max_size"` // megabytes
	MaxAge     int    `json:"max_age"`  // days
	MaxBackups int    `json:"max_backups"`
	Compress   bool   `json:"compress"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          "json",
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			TimeFormat: "15:04:05.000",
			Output:     "stdout",
		},
		File: FileConfig{
			Path:       "corduroy.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		Fields:               make(Fields),
		EnableCaller:         false,
		CallerSkipFrameCount: 2,
		BufferSize:           10000,
	}
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	var (
		writers []io.Writer
		closers []io.Closer
	)

	if config.Console.Enable {
		var output io.Writer = os.Stdout
		if config.Console.Output == "stderr" {
			output = os.Stderr
		}

		if config.Format == "console" {
			output = zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			}
		}
		writers = append(writers, output)
	}

	if config.File.Enable {
		if config.File.Path == "" {
			return nil, fmt.Errorf("file output enabled without a path")
		}
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		rotating := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			LocalTime:  true,
			Compress:   config.File.Compress,
		}
		writers = append(writers, rotating)
		closers = append(closers, rotating)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		dw := diode.NewWriter(writer, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})
		writer = dw
		// flush the diode before the files underneath it
		closers = append([]io.Closer{dw}, closers...)
	}

	if config.EnableCaller {
		callerSkipOnce.Do(func() {
			zerolog.CallerSkipFrameCount = config.CallerSkipFrameCount
		})
	}
	if config.TimestampFormat != "" {
		timeFormatOnce.Do(func() {
			zerolog.TimeFieldFormat = config.TimestampFormat
		})
	}

	builder := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		builder = builder.Caller()
	}

	fields := make(Fields, len(config.Fields))
	for k, v := range config.Fields {
		builder = builder.Interface(k, v)
		fields[k] = v
	}

	zl := builder.Logger()
	return &Logger{
		Logger:  &zl,
		config:  config,
		fields:  fields,
		closers: closers,
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{
		Logger: &zl,
		config: DefaultConfig(),
		fields: make(Fields),
	}
}

// WithFields creates a child logger with additional fields.
// The child shares the parent's outputs; closing the child is a no-op.
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.RLock()
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	base := l.Logger
	l.mu.RUnlock()

	ctx := base.With()
	for k, v := range fields {
		merged[k] = v
		ctx = ctx.Interface(k, v)
	}

	zl := ctx.Logger()
	return &Logger{
		Logger: &zl,
		config: l.config,
		fields: merged,
	}
}

// Component is shorthand for WithFields(Fields{"component": name}).
func (l *Logger) Component(name string) *Logger {
	return l.WithFields(Fields{"component": name})
}

// WithError creates a child logger carrying the error and its type
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

// Fields returns a copy of the persistent fields.
func (l *Logger) Fields() Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// UpdateLevel updates the log level dynamically
func (l *Logger) UpdateLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	zl := l.Logger.Level(lvl)
	l.Logger = &zl
	return nil
}

// Close flushes the async writer and closes rotating files.
func (l *Logger) Close() error {
	l.mu.Lock()
	closers := l.closers
	l.closers = nil
	l.mu.Unlock()

	var firstErr error
	for _, c := range closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
