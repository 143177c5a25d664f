package logging

import (
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lightwire/lightwire-core/internal/infrastructure/config"
)

// Logger wraps slog.Logger with Lightwire-specific functionality.
//
// It provides structured logging with default fields and level-based filtering.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger

	sampleRate float64
	sampler    *sampler
}

// sampler is shared between a Logger and its With children so sampled
// decisions draw from a single locked source.
type sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *sampler) hit(rate float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < rate
}

// New creates a new Logger with the specified configuration.
//
// It configures:
//   - Output format (JSON for production, text for development)
//   - Log level filtering
//   - Default fields (service name, version)
//   - Output destination
//
// Parameters:
//   - cfg: Logging configuration from the config file
//   - version: Application version for default field
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	// Determine output writer
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	// Parse log level
	level := parseLevel(cfg.Level)

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	// Add default fields
	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "lightwire"),
		slog.String("version", version),
	})

	return &Logger{
		Logger:     slog.New(handler),
		sampleRate: cfg.NoisySampleRate,
		sampler:    &sampler{rng: rand.New(rand.NewSource(time.Now().UnixNano()))},
	}
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger with additional default attributes.
//
// Parameters:
//   - args: Key-value pairs to add as default attributes
//
// Returns:
//   - *Logger: New logger with added attributes
//
// Example:
//
//	mapperLogger := logger.With("component", "mapper")
//	mapperLogger.Info("started") // Includes component=mapper
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger:     l.Logger.With(args...),
		sampleRate: l.sampleRate,
		sampler:    l.sampler,
	}
}

// Sampled reports whether a high-frequency event should be logged this
// time. Use it to guard per-frame and per-send debug lines so steady DMX
// traffic (up to 44 frames/s per universe) does not flood the output:
//
//	if logger.Sampled() {
//	    logger.Debug("frame translated", "universe", u)
//	}
//
// The rate comes from logging.noisy_sample_rate; 0 suppresses all sampled
// lines and 1 keeps them all.
func (l *Logger) Sampled() bool {
	if l.sampleRate >= 1 {
		return true
	}
	if l.sampleRate <= 0 || l.sampler == nil {
		return false
	}
	return l.sampler.hit(l.sampleRate)
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stdout in JSON format at info level.
// It should only be used during early startup before config is available.
//
// Returns:
//   - *Logger: Default logger
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}
