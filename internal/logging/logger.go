package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Options configures the process logger.
type Options struct {
	Level  string // debug | info | warn | error
	Format string // pretty | json
	// LevelVar, when set, receives the parsed level and drives the handler,
	// so the level can be changed while the process runs.
	LevelVar *slog.LevelVar
}

// ParseLevel maps a level name to an slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds a logger writing to w. Pretty output is colorized by tint,
// json output uses slog's JSON handler. Both are wrapped in a CorrelationHandler.
func NewLogger(w io.Writer, opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var leveler slog.Leveler = level
	if opts.LevelVar != nil {
		opts.LevelVar.Set(level)
		leveler = opts.LevelVar
	}

	var inner slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "pretty", "text":
		inner = tint.NewHandler(w, &tint.Options{
			Level:      leveler,
			TimeFormat: time.RFC3339Nano,
		})
	case "json":
		inner = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: leveler})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return slog.New(NewCorrelationHandler(inner)), nil
}
