// Package scrublog wraps log/slog with the rate-limited "uncorrectable
// error" log line spec §7 calls for: a burst of bad blocks must not
// flood the log, while Progress.UncorrectableErrors keeps the exact
// count regardless of what got logged.
package scrublog

import (
	"log/slog"
	"os"

	"golang.org/x/time/rate"

	"github.com/intellect4all/duetscrub/common"
)

// Logger is a small wrapper around *slog.Logger that throttles one
// noisy event kind — uncorrectable blocks — through the same
// golang.org/x/time/rate token bucket the rate controller already
// depends on (§2 domain stack), rather than pulling in a second
// logging library for this one concern.
type Logger struct {
	base    *slog.Logger
	limiter *rate.Limiter
}

// New creates a Logger writing structured JSON lines to base (stdout's
// default slog.JSONHandler if base is nil), allowing at most
// linesPerSecond uncorrectable-error lines through per second.
func New(base *slog.Logger, linesPerSecond float64) *Logger {
	if base == nil {
		base = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	if linesPerSecond <= 0 {
		linesPerSecond = 1
	}
	return &Logger{base: base, limiter: rate.NewLimiter(rate.Limit(linesPerSecond), 1)}
}

// Uncorrectable logs that count additional blocks on device have
// proven uncorrectable since the last report. A burst beyond the
// configured rate is silently dropped.
func (l *Logger) Uncorrectable(scrubID string, device common.DeviceID, count int64) {
	if count <= 0 || !l.limiter.Allow() {
		return
	}
	l.base.Warn("uncorrectable blocks", "scrub_id", scrubID, "device", uint64(device), "count", count)
}

// Info, Warn, and Error proxy straight through to the base logger —
// only the uncorrectable-error line needs rate limiting.
func (l *Logger) Info(msg string, args ...any)  { l.base.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.base.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.base.Error(msg, args...) }
