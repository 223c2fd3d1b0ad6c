package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTranscript(t *testing.T) {
	var base bytes.Buffer
	ctx := clog.WithLogger(t.Context(), clog.New(slog.NewTextHandler(&base, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dir := t.TempDir()
	const name = "root@Example Host:22"
	ctx, done := WithTranscript(ctx, dir, name)

	Info(ctx, "not part of the transcript")
	Transcribe(ctx, "$ echo hi", "executing command")
	Transcribe(ctx, "hi", "stdout")
	done()

	raw, err := os.ReadFile(filepath.Join(dir, slug.Make(name)+".log"))
	require.NoError(t, err)
	assert.Equal(t, "$ echo hi\nhi\n", string(raw))

	// The debug level transcript records stay out of the info level handler.
	assert.Contains(t, base.String(), "not part of the transcript")
	assert.NotContains(t, base.String(), "executing command")
}

func TestWithTranscriptDisabled(t *testing.T) {
	ctx := t.Context()
	got, done := WithTranscript(ctx, "", "anything")
	defer done()
	assert.Equal(t, ctx, got)
}
