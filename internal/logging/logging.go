// Package logging builds pslog loggers and tags them with subsystem names.
package logging

import (
	"context"
	"io"
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the component that wrote it.
const SubsystemKey = pslog.TrustedString("sys")

// New returns a structured logger writing to w at the named level. Unknown
// level names fall back to info.
func New(w io.Writer, level string) pslog.Logger {
	lvl, ok := pslog.ParseLevel(strings.TrimSpace(level))
	if !ok {
		lvl = pslog.InfoLevel
	}
	return pslog.NewWithOptions(w, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: lvl,
	}).With("app", "crmbridge")
}

// WithSubsystem attaches a subsystem tag. A nil logger becomes a no-op logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// Ensure returns l, or a no-op logger when l is nil.
func Ensure(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// FromContext prefers the request logger stored on ctx over fallback.
func FromContext(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if ctx != nil {
		if l := pslog.LoggerFromContext(ctx); l != nil {
			return l
		}
	}
	return Ensure(fallback)
}
