// Package diag carries the diagnostics contract between the host, the
// chat room plugin, and the transports. A diagnostic is a (sender, level,
// message) triple; per-session messages use the sender "Session #<id>",
// plugin-wide messages use the empty sender.
package diag

import "log/slog"

// Diagnostic levels. 0–1 are informational, 2 is a warning, 3 an error.
const (
	LevelInfo    = 0
	LevelVerbose = 1
	LevelWarning = 2
	LevelError   = 3
)

// Sink receives one diagnostic message.
type Sink func(sender string, level int, message string)

// Slog adapts a slog logger into a Sink. Levels 0–1 map to Debug/Info,
// 2 to Warn, anything higher to Error.
func Slog(l *slog.Logger) Sink {
	return func(sender string, level int, message string) {
		attrs := []any{"sender", sender}
		switch {
		case level == LevelInfo:
			l.Debug(message, attrs...)
		case level == LevelVerbose:
			l.Info(message, attrs...)
		case level == LevelWarning:
			l.Warn(message, attrs...)
		default:
			l.Error(message, attrs...)
		}
	}
}

// Discard drops every diagnostic.
func Discard() Sink {
	return func(string, int, string) {}
}
