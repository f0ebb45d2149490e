package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/m3rciful/taxibot/core/buildinfo"
	coreconfig "github.com/m3rciful/taxibot/core/config"
)

// Component names used across the bot.
const (
	CompApp       = "app"
	CompDB        = "db"
	CompMigrate   = "db.migrate"
	CompTG        = "tg"
	CompTGWire    = "tg.wire"
	CompTGSender  = "tg.sender"
	CompFleet     = "fleet"
	CompSync      = "sync"
	CompQueue     = "queue"
	CompScheduler = "scheduler"
	CompMetrics   = "metrics"
)

const defaultDebugEvery = 50

// L is the process logger. It stays nil until Init succeeds, and every
// helper in this package is a no-op while it is nil.
var L *slog.Logger

var (
	mu       sync.Mutex
	inited   bool
	levelVar slog.LevelVar
	out      *lineWriter
	files    []io.Closer

	// updateSample thins out per-update debug lines; trace disables it.
	updateSample = &rate.Sometimes{Every: defaultDebugEvery}
	trace        bool
)

// Init installs the structured handler described by cfg as L and as the
// slog default. Later calls are ignored.
func Init(cfg *coreconfig.Config) error {
	mu.Lock()
	defer mu.Unlock()
	if inited {
		return nil
	}
	if cfg == nil {
		cfg = &coreconfig.Config{}
	}
	lc := cfg.Logging

	sinks, closers, err := openSinks(lc)
	if err != nil {
		return err
	}
	levelVar.Set(parseLevel(lc.Level))
	every := lc.DebugEvery
	if every <= 0 {
		every = defaultDebugEvery
	}
	updateSample = &rate.Sometimes{Every: every}
	trace = truthy(os.Getenv("TRACE")) || truthy(os.Getenv("LOG_TRACE"))

	out = newLineWriter(sinks, 64*1024)
	files = closers
	L = slog.New(newStructuredHandler(handlerConfig{
		level:    &levelVar,
		writer:   out,
		format:   pickFormat(lc),
		keyOrder: pickKeyOrder(lc),
	}))
	slog.SetDefault(L)
	inited = true

	Info(context.Background(), CompApp, "startup",
		slog.String("status", "ok"),
		slog.String("version", buildinfo.Version),
		slog.String("build_commit", buildinfo.Commit),
		slog.String("build_time", buildinfo.Date),
		slog.String("go_version", runtime.Version()),
		slog.String("cfg_profile", profile(lc)),
	)
	return nil
}

// Shutdown drains pending lines and closes log files. It is safe to call
// more than once.
func Shutdown() error {
	mu.Lock()
	defer mu.Unlock()
	if out == nil {
		return nil
	}
	errs := []error{out.Close()}
	for _, c := range files {
		errs = append(errs, c.Close())
	}
	out, files = nil, nil
	return errors.Join(errs...)
}

// openSinks returns stdout plus the optional log file. A file that cannot
// be opened is an error: silently logging to stdout only hides a bad deploy.
func openSinks(lc coreconfig.LoggingConfig) ([]io.Writer, []io.Closer, error) {
	sinks := []io.Writer{os.Stdout}
	dir, name := strings.TrimSpace(lc.Dir), strings.TrimSpace(lc.File)
	if dir == "" || name == "" {
		return sinks, nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("logger: create %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: open log file: %w", err)
	}
	return append(sinks, f), []io.Closer{f}, nil
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func profile(lc coreconfig.LoggingConfig) string {
	if p := strings.ToLower(strings.TrimSpace(lc.Profile)); p != "" {
		return p
	}
	return "prod"
}

// pickFormat honours an explicit format and otherwise prints kv lines for
// the dev and debug profiles.
func pickFormat(lc coreconfig.LoggingConfig) logFormat {
	switch strings.ToLower(strings.TrimSpace(lc.Format)) {
	case "json":
		return formatJSON
	case "kv", "text", "pretty":
		return formatKV
	}
	if p := profile(lc); p == "dev" || p == "debug" {
		return formatKV
	}
	return formatJSON
}

func pickKeyOrder(lc coreconfig.LoggingConfig) []string {
	order := make([]string, 0, len(lc.KeyOrder))
	for _, k := range lc.KeyOrder {
		if k = strings.TrimSpace(k); k != "" {
			order = append(order, k)
		}
	}
	if len(order) == 0 {
		return append([]string(nil), defaultKeyOrder...)
	}
	return order
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

// SampleUpdate reports whether the current per-update debug line should be
// written. With TRACE set every line passes.
func SampleUpdate() bool {
	if trace {
		return true
	}
	pass := false
	updateSample.Do(func() { pass = true })
	return pass
}
