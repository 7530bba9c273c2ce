// Package config loads host and client settings from the environment.
package config

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"jsonic/netsync/internal/net/transport"
	"jsonic/netsync/internal/observability"
	"jsonic/netsync/internal/telemetry"
	"jsonic/netsync/logging"
)

type Config struct {
	ListenAddr      string
	HostAddr        string
	TickRate        int
	WriteWait       time.Duration
	PingInterval    time.Duration
	PongWait        time.Duration
	ShutdownTimeout time.Duration
	JoinSecret      string
	JoinRate        float64
	JoinBurst       int
	PlayerName      string
	LogMinSeverity  logging.Severity
	LogJSONPath     string
	Observability   observability.Config
}

func Default() Config {
	return Config{
		ListenAddr:      ":7777",
		HostAddr:        "localhost:7777",
		TickRate:        30,
		WriteWait:       10 * time.Second,
		PingInterval:    25 * time.Second,
		PongWait:        60 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		JoinRate:        5,
		JoinBurst:       10,
		LogMinSeverity:  logging.SeverityInfo,
	}
}

// Load reads the given dotenv files (".env" when none are named) into the
// process environment, then builds a Config from it. Variables already set in
// the environment win over the files; a missing file is not an error.
func Load(logger telemetry.Logger, files ...string) Config {
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Printf("failed to load env file: %v", err)
	}
	return FromLookup(logger, os.LookupEnv)
}

// FromLookup builds a Config from lookup, keeping the default for every
// missing or invalid value.
func FromLookup(logger telemetry.Logger, lookup func(string) (string, bool)) Config {
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	cfg := Default()
	env := reader{logger: logger, lookup: lookup}

	env.readString("NETSYNC_LISTEN_ADDR", &cfg.ListenAddr)
	env.readString("NETSYNC_HOST_ADDR", &cfg.HostAddr)
	env.readPositiveInt("NETSYNC_TICK_RATE", &cfg.TickRate)
	env.readDuration("NETSYNC_WRITE_WAIT", &cfg.WriteWait)
	env.readDuration("NETSYNC_PING_INTERVAL", &cfg.PingInterval)
	env.readDuration("NETSYNC_PONG_WAIT", &cfg.PongWait)
	env.readDuration("NETSYNC_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	env.readString("NETSYNC_JOIN_SECRET", &cfg.JoinSecret)
	env.readFloat("NETSYNC_JOIN_RATE", &cfg.JoinRate)
	env.readPositiveInt("NETSYNC_JOIN_BURST", &cfg.JoinBurst)
	env.readString("NETSYNC_PLAYER_NAME", &cfg.PlayerName)
	env.readString("LOG_JSON_PATH", &cfg.LogJSONPath)
	env.readBool("ENABLE_PPROF_TRACE", &cfg.Observability.EnablePprofTrace)

	if raw, ok := env.get("LOG_MIN_SEVERITY"); ok {
		if severity, valid := logging.ParseSeverity(strings.ToLower(raw)); valid {
			cfg.LogMinSeverity = severity
		} else {
			logger.Printf("invalid LOG_MIN_SEVERITY=%q", raw)
		}
	}
	return cfg
}

// Transport maps the settings onto a transport config.
func (c Config) Transport() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.WriteWait = c.WriteWait
	cfg.PingInterval = c.PingInterval
	cfg.PongWait = c.PongWait
	cfg.JoinRate = rate.Limit(c.JoinRate)
	cfg.JoinBurst = c.JoinBurst
	cfg.Observability = c.Observability
	if c.JoinSecret != "" {
		cfg.JoinSecret = []byte(c.JoinSecret)
	}
	return cfg
}

// Logging maps the settings onto a logging router config.
func (c Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = c.LogMinSeverity
	if c.LogJSONPath != "" {
		cfg.EnabledSinks = append(cfg.EnabledSinks, "json")
		cfg.JSON.FilePath = c.LogJSONPath
	}
	return cfg
}

// TickInterval is the period between host ticks.
func (c Config) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(c.TickRate)
}

type reader struct {
	logger telemetry.Logger
	lookup func(string) (string, bool)
}

func (r reader) get(key string) (string, bool) {
	raw, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func (r reader) readString(key string, dst *string) {
	if raw, ok := r.get(key); ok {
		*dst = raw
	}
}

func (r reader) readPositiveInt(key string, dst *int) {
	raw, ok := r.get(key)
	if !ok {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		r.logger.Printf("invalid %s=%q: expected a positive integer", key, raw)
		return
	}
	*dst = value
}

func (r reader) readFloat(key string, dst *float64) {
	raw, ok := r.get(key)
	if !ok {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || !(value >= 0) {
		r.logger.Printf("invalid %s=%q: expected a non-negative number", key, raw)
		return
	}
	*dst = value
}

func (r reader) readDuration(key string, dst *time.Duration) {
	raw, ok := r.get(key)
	if !ok {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		r.logger.Printf("invalid %s=%q: expected a positive duration", key, raw)
		return
	}
	*dst = value
}

func (r reader) readBool(key string, dst *bool) {
	raw, ok := r.get(key)
	if !ok {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		r.logger.Printf("invalid %s=%q: %v", key, raw, err)
		return
	}
	*dst = value
}
