package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/config"
)

// Logger is the daemon-wide structured logger. It embeds *slog.Logger,
// so call sites use the plain slog surface (Info, Warn, Error, Debug
// with alternating key-value args); the wrapper exists to stamp every
// record with the service and version fields and to let subsystems
// carry their own default attributes via With.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from the logging section of the config file.
//
// Format "text" renders human-readable lines for development; anything
// else emits JSON. Output "stderr" is honoured, anything else goes to
// stdout. Unknown levels fall back to info rather than erroring, so a
// typo in config.yaml cannot silence the daemon.
func New(cfg config.LoggingConfig, version string) *Logger {
	return newLogger(cfg, version, destination(cfg.Output))
}

func newLogger(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	handler := newHandler(cfg, w).WithAttrs([]slog.Attr{
		slog.String("service", "melbridge"),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(handler)}
}

// Default is the bootstrap logger used before config.yaml has been
// read: JSON to stdout at info level. Startup errors that occur while
// loading config are reported through it.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// With returns a child logger carrying extra default attributes.
// Subsystems get one tagged with their component name:
//
//	coord := log.With("component", "coordinator")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func newHandler(cfg config.LoggingConfig, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func destination(output string) io.Writer {
	if strings.EqualFold(output, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

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
