// Package svcfields holds the shared log field conventions.
package svcfields

import (
	"context"
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the component that emitted it.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins non-empty parts with dots, e.g. Subsystem("lease", "run")
// yields "lease.run".
func Subsystem(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem attaches the subsystem tag. A nil logger yields a no-op logger.
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

// FromContext prefers the request-scoped logger stored by the HTTP layer and
// falls back to the component logger.
func FromContext(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if ctx != nil {
		if logger := pslog.LoggerFromContext(ctx); logger != nil {
			return logger
		}
	}
	if fallback == nil {
		return pslog.NoopLogger()
	}
	return fallback
}
