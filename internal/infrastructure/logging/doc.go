// Package logging provides structured logging for Lightwire Core.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Sampling for high-frequency paths (per-frame, per-send)
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the [logging] section of the config file:
//
//	[logging]
//	level = "info"           # debug, info, warn, error
//	format = "json"          # json, text
//	output = "stdout"        # stdout, stderr
//	noisy_sample_rate = 0.01 # fraction of per-frame debug lines kept
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting listener", "port", 6454)
//	logger.Error("send failed", "error", err)
//
// # Security
//
// Never log secrets, tokens, passwords, or API keys.
package logging
