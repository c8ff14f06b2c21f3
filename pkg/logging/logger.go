// Package logging sets up the zerolog logger shared by the proxy packages.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	// Level is a zerolog level name; "warning" is accepted for warn and the
	// empty string means info.
	Level string

	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// FromStrings builds a Config from the log section of the config file.
func FromStrings(level string, pretty bool) Config {
	return Config{Level: level, Pretty: pretty, Output: os.Stderr}
}

// ParseLevel resolves a configured level name.
func ParseLevel(s string) (zerolog.Level, error) {
	switch name := strings.ToLower(strings.TrimSpace(s)); name {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	default:
		level, err := zerolog.ParseLevel(name)
		if err != nil || level == zerolog.NoLevel {
			return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", s)
		}
		return level, nil
	}
}

// Setup configures the global zerolog logger and returns it. An unknown
// level falls back to info and is reported on the new logger.
func Setup(cfg Config) zerolog.Logger {
	level, levelErr := ParseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	if levelErr != nil {
		logger.Warn().Err(levelErr).Msg("Falling back to info level")
	}
	return logger
}

// NewLogger returns the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return Component(log.Logger, component)
}

// Component tags parent with a component name, keeping its other fields.
func Component(parent zerolog.Logger, component string) zerolog.Logger {
	return parent.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Per-request detail
//   - Strategy decisions (cache hit, fallback served, passthrough)
//   - Tier lookups that failed on top of a miss
//   - Ignored sync tags, skipped background tasks
//
// Info: Lifecycle and state changes
//   - Lifecycle transitions (installing, installed, activated)
//   - Preload summary per tier
//   - Stale tiers deleted, clients claimed
//   - Connectivity restored
//   - Server startup/shutdown
//
// Warn: Degraded operation that is still served
//   - Manifest items that failed to preload
//   - Origins unreachable (serving from cache)
//   - Circuit breaker state changes
//   - Failed background stores and refreshes
//   - Application shell missing from every tier
//
// Error: Conditions requiring attention
//   - Install failures (a tier could not be opened)
//   - Storage backend unreachable at startup
//   - Configuration errors
//
// Context Fields:
//   - component: package emitting the event
//   - version: running version tag
//   - key: method and URL of a tier entry
//   - tier: full tier name
//   - class: request class (same_origin, realtime_backend, accelerator, other)
//   - host: origin host of a fetch
//   - state: lifecycle state
