package engine

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level is a syslog severity.
type Level int

const (
	LevelEmerg Level = iota
	LevelAlert
	LevelCrit
	LevelErr
	LevelWarning
	LevelNotice
	LevelInfo
	LevelDebug
)

var levelNames = [...]string{"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug"}

func (l Level) String() string {
	if l < LevelEmerg || l > LevelDebug {
		return "unknown"
	}
	return levelNames[l]
}

func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == s {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("bad log level %q: must be one of %s", s, strings.Join(levelNames[:], ", "))
}

// Slog maps the severity onto the nearest slog level.
func (l Level) Slog() slog.Level {
	switch {
	case l <= LevelErr:
		return slog.LevelError
	case l == LevelWarning:
		return slog.LevelWarn
	case l <= LevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
