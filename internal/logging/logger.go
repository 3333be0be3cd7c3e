package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level      string `json:"level"`
	Output     string `json:"output"` // "stdout", "stderr", or file path
	Component  string `json:"component"`
	JSONFormat bool   `json:"json_format"` // false renders a human console writer
}

// DefaultConfig returns the logger configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Output:     "stdout",
		Component:  "engine",
		JSONFormat: true,
	}
}

var (
	defaultLogger zerolog.Logger
	once          sync.Once
)

// ParseLevel converts a string to a zerolog level, defaulting to info
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// New creates a root logger from cfg
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	if cfg.Output == "stderr" {
		output = os.Stderr
	} else if cfg.Output != "" && cfg.Output != "stdout" {
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			output = file
		}
	}

	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("service", cfg.Component)
	}
	return ctx.Logger()
}

// Default returns the process-wide logger
func Default() zerolog.Logger {
	once.Do(func() {
		defaultLogger = New(DefaultConfig())
	})
	return defaultLogger
}

// SetDefault replaces the process-wide logger
func SetDefault(l zerolog.Logger) {
	once.Do(func() {})
	defaultLogger = l
}

// Nop returns a logger that discards everything, for tests
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Component returns a child logger tagged with a component name
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// ForTrader returns a child logger tagged with a trader id
func ForTrader(l zerolog.Logger, traderID string) zerolog.Logger {
	return l.With().Str("trader_id", traderID).Logger()
}
