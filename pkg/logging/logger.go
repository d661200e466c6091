// Package logging builds scoped slog loggers. Components log through a
// logger carrying their name; session-bound components carry the session id
// as well, so one session's lines can be pulled out of interleaved output.
package logging

import "log/slog"

// NewComponentLogger scopes a logger to one component.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("component", component))
}

// NewSessionLogger scopes a component logger to one streaming session.
func NewSessionLogger(base *slog.Logger, component, sessionID string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("component", component),
		slog.String("session_id", sessionID),
	)
}
