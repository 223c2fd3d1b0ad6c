package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// TranscriptAttributeKey marks records whose value belongs in a host
// transcript (command lines, their output and exit codes).
const TranscriptAttributeKey = "transcript"

// Transcript returns the attribute carrying 'line' into the transcript file.
func Transcript(line string) slog.Attr {
	return slog.String(TranscriptAttributeKey, line)
}

// WithTranscript tees the context logger into '<dir>/<slug(name)>.log', where
// only the transcript attribute of each record is written. The returned func
// closes the file. An empty 'dir' disables the transcript.
func WithTranscript(ctx context.Context, dir, name string) (context.Context, func()) {
	if dir == "" {
		return ctx, func() {}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		clog.WarnContext(ctx, "failed to create transcript directory", "path", dir, "error", err.Error())
		return ctx, func() {}
	}

	path := filepath.Join(dir, fmt.Sprintf("%s.log", slug.Make(name)))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		clog.WarnContext(ctx, "failed to create transcript file", "path", path, "error", err.Error())
		return ctx, func() {}
	}

	handler := slogmulti.Fanout(clog.FromContext(ctx).Handler(), &transcriptHandler{w: file})

	clog.InfoContext(ctx, "writing host transcript", "path", path)
	ctx = clog.WithLogger(ctx, clog.New(handler))

	return ctx, func() {
		if err := file.Close(); err != nil {
			clog.WarnContext(ctx, "failed to close transcript file", "path", path, "error", err.Error())
		}
	}
}

// transcriptHandler writes the transcript attribute of a record, one per line.
// Records without one are dropped.
type transcriptHandler struct {
	mu sync.Mutex
	w  io.Writer
}

func (h *transcriptHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *transcriptHandler) Handle(_ context.Context, record slog.Record) error {
	var line string
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == TranscriptAttributeKey {
			line = a.Value.String()
			return false
		}
		return true
	})
	if line == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *transcriptHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *transcriptHandler) WithGroup(_ string) slog.Handler {
	return h
}
