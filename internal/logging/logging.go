// ============================================================================
// Beaver Scheduler - Logging
// ============================================================================
//
// Package: internal/logging
// File: logging.go
// Purpose: Builds the zerolog logger shared by every component.
//
// Formats:
//   console - human readable, millisecond timestamps
//   json    - one JSON object per line
//
// The level can be changed at runtime through Level.Set, which is how a
// reloaded config file takes effect without restarting.
//
// ============================================================================

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config selects the level, format and destination of the logger.
type Config struct {
	Level  string
	Format string
	Output io.Writer // defaults to os.Stderr
}

// Level is a runtime-adjustable minimum level.
type Level struct {
	v atomic.Int32
}

func (l *Level) Get() zerolog.Level { return zerolog.Level(l.v.Load()) }

// Set changes the level. Unknown names are rejected and leave it unchanged.
func (l *Level) Set(name string) error {
	lvl, err := ParseLevel(name)
	if err != nil {
		return err
	}
	l.v.Store(int32(lvl))
	return nil
}

// levelHook drops events below the adjustable level.
type levelHook struct{ level *Level }

func (h levelHook) Run(e *zerolog.Event, lvl zerolog.Level, _ string) {
	if lvl < h.level.Get() {
		e.Discard()
	}
}

// New returns a logger and the handle that controls its level. An empty
// or unknown level falls back to info.
func New(cfg Config) (zerolog.Logger, *Level) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !strings.EqualFold(strings.TrimSpace(cfg.Format), FormatJSON) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}

	level := &Level{}
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	level.v.Store(int32(lvl))

	log := zerolog.New(out).Hook(levelHook{level: level}).With().Timestamp().Logger()
	return log, level
}

// ParseLevel accepts the usual level names in any case. An empty name is
// info.
func ParseLevel(name string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off":
		return zerolog.Disabled, nil
	}
	return zerolog.NoLevel, fmt.Errorf("logging: unknown level %q", name)
}
