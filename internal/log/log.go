// Package log writes hivessh's structured logs through the clog logger the
// context carries. Hosts, channels and tunnel pairs attach their ids with
// With, so every record says which connection it is about.
package log

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/chainguard-dev/clog"
)

// Info logs connection lifecycle events, like a host disconnecting.
func Info(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelInfo, msg, args...)
}

// Debug logs per command and per tunnel pair detail.
func Debug(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelDebug, msg, args...)
}

// Warn logs recoverable trouble, such as a host connection fault.
func Warn(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelWarn, msg, args...)
}

func Error(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelError, msg, args...)
}

// Transcribe logs 'msg' at debug level with 'line' attached as the transcript
// attribute, see WithTranscript.
func Transcribe(ctx context.Context, line, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelDebug, msg, append(args, Transcript(line))...)
}

// With returns 'ctx' with a logger that adds 'args' to every record, e.g. the
// host identity or a channel id.
func With(ctx context.Context, args ...any) context.Context {
	logger := clog.FromContext(ctx).With(args...)
	return clog.WithLogger(ctx, logger)
}

func log(ctx context.Context, l *clog.Logger, level slog.Level, msg string, args ...any) {
	if !l.Enabled(ctx, level) {
		return
	}

	var pc uintptr
	var pcs [1]uintptr
	// skip [runtime.Callers, this function, this function's caller]
	runtime.Callers(3, pcs[:])
	pc = pcs[0]

	r := slog.NewRecord(time.Now(), level, msg, pc)
	r.Add(args...)
	_ = l.Handler().Handle(ctx, r)
}
