// Package logging provides structured logging for agentcore.
//
// Third-party / runtime library logs are suppressed below DEBUG, matching
// the noise-reduction behavior the rest of the retrieval pack's services
// apply to their own dependency trees.
package logging

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

var defaultLogger *slog.Logger

const agentcorePackagePrefix = "github.com/kadirpekel/agentcore"

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, nil
	}
}

// filteringHandler wraps a slog.Handler and hides third-party log lines
// unless the configured level is DEBUG.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel && h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug || h.isOwnPackage(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func (h *filteringHandler) isOwnPackage(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), agentcorePackagePrefix) || strings.Contains(file, "agentcore/")
}

// Init installs the process-wide slog default logger at the given level,
// writing JSON lines to output.
func Init(level slog.Level, output *os.File) *slog.Logger {
	base := slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	handler := &filteringHandler{handler: base, minLevel: level}
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
	return defaultLogger
}

// Get returns the process default logger, initializing a sane default
// (INFO, stderr) the first time it is called.
func Get() *slog.Logger {
	if defaultLogger == nil {
		return Init(slog.LevelInfo, os.Stderr)
	}
	return defaultLogger
}

// WithFingerprint returns a logger that tags every line with the caller's
// credential fingerprint, per the external-interfaces rule that every log
// line referencing a tenant must carry caller_fp and never the plaintext key.
func WithFingerprint(l *slog.Logger, callerFP string) *slog.Logger {
	return l.With("caller_fp", callerFP)
}

// WithError returns a logger tagged with an error_id and, when non-empty,
// a correlating session_id, for the error-path logging rule in the
// external interfaces and error handling sections.
func WithError(l *slog.Logger, errorID, sessionID string) *slog.Logger {
	if sessionID == "" {
		return l.With("error_id", errorID)
	}
	return l.With("error_id", errorID, "session_id", sessionID)
}
