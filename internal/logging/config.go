package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "STYLECTL_LOG_LEVEL"
	EnvLogTimestamp = "STYLECTL_LOG_TIMESTAMP"
	EnvLogNoColor   = "STYLECTL_LOG_NOCOLOR"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

var configureOnce sync.Once

// Init configures the global logger once and returns a logger tagged with
// the app name. Worker processes log to stderr so stdout stays a pure
// frame stream.
func Init(app string, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	configureOnce.Do(func() {
		cfg := defaultConfig(ProfileRuntime)
		applyEnvOverrides(&cfg)
		logger = build(app, out, cfg)
		log.Logger = logger
	})
	return log.Logger.With().Str("app", app).Logger()
}

// ConfigureTests sets a quiet default for package tests.
func ConfigureTests() {
	configureOnce.Do(func() {
		cfg := defaultConfig(ProfileTest)
		applyEnvOverrides(&cfg)
		log.Logger = build("test", os.Stderr, cfg)
	})
}

type config struct {
	level     zerolog.Level
	timestamp bool
	noColor   bool
}

func defaultConfig(profile Profile) config {
	switch profile {
	case ProfileTest:
		return config{level: zerolog.WarnLevel}
	default:
		return config{level: zerolog.InfoLevel, timestamp: true}
	}
}

func build(app string, out io.Writer, cfg config) zerolog.Logger {
	writer := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    cfg.noColor,
	}
	ctx := zerolog.New(writer).Level(cfg.level).With().Str("app", app)
	if cfg.timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

func applyEnvOverrides(cfg *config) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.noColor = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
