package log

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/chainguard-dev/clog"
	"github.com/stretchr/testify/assert"
)

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	ctx := clog.WithLogger(t.Context(), clog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelInfo,
	})))

	ctx = With(ctx, "host", "tester@10.0.0.5:22")
	ctx = With(ctx, "channel_id", "c1")
	Debug(ctx, "dropped below the level")
	Warn(ctx, "host connection fault")

	out := buf.String()
	assert.NotContains(t, out, "dropped below the level")
	assert.Contains(t, out, `msg="host connection fault"`)
	assert.Contains(t, out, "host=tester@10.0.0.5:22")
	assert.Contains(t, out, "channel_id=c1")
	// The source is the caller, not this package's helpers.
	assert.Contains(t, out, "log_test.go")
	assert.NotContains(t, out, "log.go:")
}
