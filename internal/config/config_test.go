package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"jsonic/netsync/internal/telemetry"
	"jsonic/netsync/logging"
)

type recordingLogger struct {
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func lookupFrom(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestFromLookupUsesDefaultsWhenUnset(t *testing.T) {
	cfg := FromLookup(&recordingLogger{}, lookupFrom(nil))
	if cfg != Default() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.TickInterval() != time.Second/30 {
		t.Fatalf("unexpected tick interval %s", cfg.TickInterval())
	}
}

func TestFromLookupParsesEveryVariable(t *testing.T) {
	logger := &recordingLogger{}
	cfg := FromLookup(logger, lookupFrom(map[string]string{
		"NETSYNC_LISTEN_ADDR":      "127.0.0.1:9000",
		"NETSYNC_HOST_ADDR":        "ws://game.example:9000",
		"NETSYNC_TICK_RATE":        "20",
		"NETSYNC_WRITE_WAIT":       "3s",
		"NETSYNC_PING_INTERVAL":    "4s",
		"NETSYNC_PONG_WAIT":        "9s",
		"NETSYNC_SHUTDOWN_TIMEOUT": "1500ms",
		"NETSYNC_JOIN_SECRET":      " s3cret ",
		"NETSYNC_JOIN_RATE":        "0.5",
		"NETSYNC_JOIN_BURST":       "2",
		"NETSYNC_PLAYER_NAME":      "Ada",
		"LOG_MIN_SEVERITY":         "WARN",
		"LOG_JSON_PATH":            "/tmp/netsync.jsonl",
		"ENABLE_PPROF_TRACE":       "true",
	}))

	if len(logger.lines) != 0 {
		t.Fatalf("expected no warnings, got %v", logger.lines)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" || cfg.HostAddr != "ws://game.example:9000" {
		t.Fatalf("unexpected addresses: %+v", cfg)
	}
	if cfg.TickRate != 20 || cfg.TickInterval() != 50*time.Millisecond {
		t.Fatalf("unexpected tick rate: %+v", cfg)
	}
	if cfg.WriteWait != 3*time.Second || cfg.PingInterval != 4*time.Second || cfg.PongWait != 9*time.Second || cfg.ShutdownTimeout != 1500*time.Millisecond {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.JoinSecret != "s3cret" || cfg.JoinRate != 0.5 || cfg.JoinBurst != 2 || cfg.PlayerName != "Ada" {
		t.Fatalf("unexpected join settings: %+v", cfg)
	}
	if cfg.LogMinSeverity != logging.SeverityWarn || cfg.LogJSONPath != "/tmp/netsync.jsonl" || !cfg.Observability.EnablePprofTrace {
		t.Fatalf("unexpected logging settings: %+v", cfg)
	}

	transportCfg := cfg.Transport()
	if string(transportCfg.JoinSecret) != "s3cret" || transportCfg.JoinRate != rate.Limit(0.5) || transportCfg.JoinBurst != 2 {
		t.Fatalf("unexpected transport config: %+v", transportCfg)
	}
	if !transportCfg.Observability.EnablePprofTrace || transportCfg.WriteWait != 3*time.Second {
		t.Fatalf("unexpected transport config: %+v", transportCfg)
	}

	logCfg := cfg.Logging()
	if !logCfg.HasSink("json") || !logCfg.HasSink("console") || logCfg.JSON.FilePath != "/tmp/netsync.jsonl" {
		t.Fatalf("unexpected logging config: %+v", logCfg)
	}
	if logCfg.MinimumSeverity != logging.SeverityWarn {
		t.Fatalf("expected warn severity, got %s", logCfg.MinimumSeverity)
	}
}

func TestFromLookupKeepsDefaultsForInvalidValues(t *testing.T) {
	logger := &recordingLogger{}
	cfg := FromLookup(logger, lookupFrom(map[string]string{
		"NETSYNC_TICK_RATE":  "0",
		"NETSYNC_WRITE_WAIT": "soon",
		"NETSYNC_JOIN_RATE":  "NaN",
		"NETSYNC_JOIN_BURST": "-1",
		"LOG_MIN_SEVERITY":   "loud",
		"ENABLE_PPROF_TRACE": "maybe",
		"NETSYNC_HOST_ADDR":  "   ",
	}))

	if cfg != Default() {
		t.Fatalf("expected defaults for invalid input, got %+v", cfg)
	}
	if len(logger.lines) != 6 {
		t.Fatalf("expected 6 warnings, got %d: %v", len(logger.lines), logger.lines)
	}
	for _, line := range logger.lines {
		if !strings.HasPrefix(line, "invalid ") {
			t.Fatalf("unexpected warning %q", line)
		}
	}
}

func TestTransportWithoutSecretIsOpen(t *testing.T) {
	if secret := Default().Transport().JoinSecret; secret != nil {
		t.Fatalf("expected no join secret, got %q", secret)
	}
	if Default().Logging().HasSink("json") {
		t.Fatalf("expected json sink to be disabled without a path")
	}
}

func TestLoadReadsEnvFileWithoutOverridingEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netsync.env")
	contents := "NETSYNC_PLAYER_NAME=FromFile\nNETSYNC_TICK_RATE=12\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}

	t.Setenv("NETSYNC_TICK_RATE", "15")
	t.Cleanup(func() { os.Unsetenv("NETSYNC_PLAYER_NAME") })
	os.Unsetenv("NETSYNC_PLAYER_NAME")

	cfg := Load(telemetry.LoggerFunc(func(string, ...any) {}), path)
	if cfg.PlayerName != "FromFile" {
		t.Fatalf("expected player name from file, got %q", cfg.PlayerName)
	}
	if cfg.TickRate != 15 {
		t.Fatalf("expected environment to win over the file, got %d", cfg.TickRate)
	}
}

func TestLoadIgnoresMissingEnvFile(t *testing.T) {
	logger := &recordingLogger{}
	Load(logger, filepath.Join(t.TempDir(), "missing.env"))
	for _, line := range logger.lines {
		if strings.Contains(line, "env file") {
			t.Fatalf("expected a missing file to be ignored, got %q", line)
		}
	}
}
