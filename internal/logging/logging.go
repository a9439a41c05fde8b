// Package logging builds the zerolog logger every binary and sender
// child shares. The minimum level lives in zerolog's global level, so
// Rotate (wired to SIGUSR2) changes verbosity everywhere at once
// without threading a level handle through each component.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the log destination, format and starting level.
//
// Dest follows the sender's -l flag contract: "" and "-" log to
// standard error, anything else is a file path opened in append mode.
type Config struct {
	Dest    string
	Format  string // "json" or "console"
	Level   string // "debug", "info", "warn", "error"
	Service string // tag added to every event, e.g. "mcastupd"
}

// New opens the destination and returns a configured logger. The file
// handle, if any, is owned by the returned closer; callers that log to
// stderr/stdout get a no-op closer back.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	out, closer, err := openDest(cfg.Dest)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		closer.Close()
		return zerolog.Nop(), nil, err
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).
		With().
		Timestamp().
		Str("service", cfg.Service).
		Logger()
	return logger, closer, nil
}

// ParseLevel maps the config-level names onto zerolog levels.
func ParseLevel(s string) (zerolog.Level, error) {
	switch s {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("logging: unknown level %q", s)
	}
}

// Rotate steps the global level one notch more verbose, wrapping from
// trace back to info: info -> debug -> trace -> info. Wired to SIGUSR2
// so an operator can turn verbosity up on a live sender and then cycle
// it back down without restarting it.
func Rotate() zerolog.Level {
	var next zerolog.Level
	switch zerolog.GlobalLevel() {
	case zerolog.InfoLevel:
		next = zerolog.DebugLevel
	case zerolog.DebugLevel:
		next = zerolog.TraceLevel
	default:
		next = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(next)
	return next
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openDest(dest string) (io.Writer, io.Closer, error) {
	switch dest {
	case "", "-":
		// Standard output is reserved for the sender child's port
		// handshake line, so both forms log to standard error.
		return os.Stderr, nopCloser{}, nil
	default:
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open %s: %w", dest, err)
		}
		return f, f, nil
	}
}
