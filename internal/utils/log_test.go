package utils

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogInterceptor_PrefixesCompleteLines(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)

	n, err := li.Write([]byte("first\nsec"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	_, err = li.Write([]byte("ond\r\nthird"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "line=1 time="))
	assert.True(t, strings.HasSuffix(lines[0], " first"))
	assert.True(t, strings.HasSuffix(lines[1], " second"))

	require.NoError(t, li.Close())
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out.String()), " third"))
	assert.Contains(t, out.String(), "line=3 ")
}

func TestMultiLogHandler_RespectsLevels(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	h := NewMultiLogHandler(
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(h).With("run", "r1").WithGroup("upload")

	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
	logger.Debug("batch sent", "sequence", 1)
	logger.Warn("batch retried", "sequence", 2)

	assert.Contains(t, debugBuf.String(), "batch sent")
	assert.Contains(t, debugBuf.String(), "upload.sequence=1")
	assert.Contains(t, debugBuf.String(), "run=r1")
	assert.NotContains(t, warnBuf.String(), "batch sent")
	assert.Contains(t, warnBuf.String(), "batch retried")
}
