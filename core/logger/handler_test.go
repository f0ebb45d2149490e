package logger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, format logFormat, ctx context.Context, component, event string, attrs ...slog.Attr) string {
	t.Helper()
	buf := &bytes.Buffer{}
	aw := newLineWriter([]io.Writer{buf}, 1024)
	handler := newStructuredHandler(handlerConfig{
		level:    slog.LevelDebug,
		writer:   aw,
		format:   format,
		keyOrder: append([]string(nil), defaultKeyOrder...),
	})
	Info(WithLogger(ctx, slog.New(handler)), component, event, attrs...)
	require.NoError(t, aw.Flush())
	require.NoError(t, aw.Close())
	return strings.TrimSpace(buf.String())
}

func TestKVOrderCarriesRunAndJob(t *testing.T) {
	ctx := WithRunID(Background(), "run-1")
	ctx = WithJob(ctx, "recent_sweep")

	line := render(t, formatKV, ctx, CompSync, "sync.sweep_done",
		slog.Int("updated", 3),
		slog.String("status", "partial"),
		slog.Int("seen", 10),
	)
	tokens := strings.Split(line, " ")
	expected := []string{"ts=", "level=INFO", "component=sync", "event=sync.sweep_done", "status=partial", "run_id=run-1", "job=recent_sweep", "seen=10", "updated=3"}
	require.GreaterOrEqual(t, len(tokens), len(expected), line)
	for i, prefix := range expected {
		assert.True(t, strings.HasPrefix(tokens[i], prefix), "token %d = %s, want prefix %s", i, tokens[i], prefix)
	}
}

func TestJSONOrderForTelegramUpdate(t *testing.T) {
	ctx := WithRID(Background(), "rid-json")
	ctx = WithUpdateMeta(ctx, 11, 22, 33)

	line := render(t, formatJSON, ctx, CompFleet, "fleet.request",
		slog.String("status", "rate_limited"),
		slog.Int("http_code", 429),
		slog.String("err_code", "HTTP_429"),
	)
	require.True(t, strings.HasPrefix(line, "{"), line)
	prefixes := []string{`{"ts":`, `"level":"INFO"`, `"component":"fleet"`, `"event":"fleet.request"`, `"status":"rate_limited"`, `"rid":"rid-json"`, `"update_id":11`, `"user_id":22`, `"chat_id":33`, `"http_code":429`}
	pos := -1
	for _, pref := range prefixes {
		idx := strings.Index(line, pref)
		require.NotEqual(t, -1, idx, "%s missing in %s", pref, line)
		assert.Greater(t, idx, pos, "%s out of order in %s", pref, line)
		pos = idx
	}
}

func TestCompactRID(t *testing.T) {
	raw := "123:456:789"
	kv := render(t, formatKV, WithRID(Background(), raw), CompApp, "rid.test", slog.String("status", "ok"))
	assert.Contains(t, kv, "rid="+CompactRID(raw))
	assert.NotContains(t, kv, "rid_full=")

	js := render(t, formatJSON, WithRID(Background(), raw), CompApp, "rid.test", slog.String("status", "ok"))
	assert.Contains(t, js, `"rid":"`+CompactRID(raw)+`"`)
	assert.Contains(t, js, `"rid_full":"`+raw+`"`)
	assert.Contains(t, js, `"ts_unix_nano"`)
}

func TestDurationsRenderAsMilliseconds(t *testing.T) {
	line := render(t, formatKV, Background(), CompQueue, "queue.task",
		slog.Duration("duration", 1500*time.Millisecond),
		slog.Duration("delay", 250*time.Millisecond),
	)
	assert.Contains(t, line, "duration_ms=1500")
	assert.Contains(t, line, "delay_ms=250")
}

func TestUnknownOutcomeIsDropped(t *testing.T) {
	line := render(t, formatKV, Background(), CompTG, "handler.done",
		slog.String("status", "ok"),
		slog.String("outcome", "maybe"),
	)
	assert.NotContains(t, line, "outcome=")
}

func TestStatusFromError(t *testing.T) {
	assert.Equal(t, "ok", Status(nil))
	assert.Equal(t, "cancelled", Status(fmt.Errorf("sweep: %w", context.Canceled)))
	assert.Equal(t, "fail", Status(errors.New("boom")))
	assert.True(t, IsStatus(Status(context.Canceled)))
	assert.False(t, IsStatus("skipped"))
}

func TestErrAttrTruncates(t *testing.T) {
	attr := Err(errors.New(strings.Repeat("x", 2000)))
	assert.Equal(t, "err", attr.Key)
	assert.LessOrEqual(t, len(attr.Value.String()), 520)
	assert.Equal(t, "", Err(nil).Value.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestLineWriterKeepsHealthySinks(t *testing.T) {
	good := &bytes.Buffer{}
	lw := newLineWriter([]io.Writer{failingWriter{}, good}, 16)
	require.NoError(t, lw.Write([]byte("a\n")))
	require.NoError(t, lw.Write([]byte("b\n")))

	err := lw.Flush()
	require.ErrorContains(t, err, "disk full")
	require.ErrorContains(t, lw.Close(), "log sink 0")
	assert.Equal(t, "a\nb\n", good.String())
}

func TestGroupsBecomeDottedKeys(t *testing.T) {
	buf := &bytes.Buffer{}
	lw := newLineWriter([]io.Writer{buf}, 1024)
	h := newStructuredHandler(handlerConfig{writer: lw, format: formatKV})
	log := slog.New(h).With("component", CompFleet).WithGroup("page")
	log.Info("fleet.page", slog.Int("offset", 1000), slog.Group("range", slog.Int("from", 1)))
	require.NoError(t, lw.Close())

	line := buf.String()
	assert.Contains(t, line, "page.offset=1000")
	assert.Contains(t, line, "page.range.from=1")
	assert.Contains(t, line, "event=fleet.page")
	assert.Contains(t, line, "component=fleet")
}
