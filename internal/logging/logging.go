// Package logging builds the zerolog loggers shared by the server and its
// sessions.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaysock/server/internal/config"
)

// EnvLogLevel overrides the configured level when set.
const EnvLogLevel = "RELAYSOCK_LOG_LEVEL"

// New builds the process logger and installs it as the zerolog global.
func New(app string, cfg config.LogConfig) zerolog.Logger {
	return NewWithWriter(app, cfg, os.Stdout)
}

func NewWithWriter(app string, cfg config.LogConfig, w io.Writer) zerolog.Logger {
	out := w
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level := ParseLevel(cfg.Level)
	if raw := os.Getenv(EnvLogLevel); raw != "" {
		level = ParseLevel(raw)
	}

	if level < zerolog.GlobalLevel() {
		zerolog.SetGlobalLevel(level)
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a config string to a zerolog level; unknown input is info.
func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "", "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
