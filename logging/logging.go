// Package logging builds the structured loggers handed to every component.
//
// Components take a *Logger and never require one: a nil logger discards
// everything, since logiface builders are nil-safe.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

type Logger = logiface.Logger[logiface.Event]

// New returns a JSON line logger writing to w at the given level.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// ParseLevel accepts syslog style names as used in config files.
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info", "informational":
		return logiface.LevelInformational, nil
	case "trace":
		return logiface.LevelTrace, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "warn", "warning":
		return logiface.LevelWarning, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "disabled", "off", "none":
		return logiface.LevelDisabled, nil
	default:
		return logiface.LevelDisabled, fmt.Errorf("logging: unknown level %q", s)
	}
}

// With returns a sub-logger that adds key=val to every entry.
func With(l *Logger, key, val string) *Logger {
	return l.Clone().Str(key, val).Logger()
}
