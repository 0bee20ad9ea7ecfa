// Package obs provides the ambient logging and configuration layer shared
// by every component: a zerolog logger constructed once at startup, and a
// koanf-backed loader for config.toml plus environment overrides.
package obs

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// NewLogger builds the process-wide base logger: pretty console output on
// a TTY, structured JSON otherwise. Components derive sub-loggers from it
// via logger.With().Str("component", name).Logger() — never a package
// global.
func NewLogger(serviceName string) *zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var logger zerolog.Logger
	if isTerminal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	}

	return &logger
}

// LoadConfig loads config.toml and overlays environment variables using
// koanf, the way the teacher's internal/util/init.go does it. Every env
// var is lowercased and each underscore becomes a dot, so LOGGING_LEVEL
// overrides logging.level; keys that contain an underscore (such as
// scheduler.interval_ms) cannot be overridden this way. No prefix filter
// is applied.
func LoadConfig(logger *zerolog.Logger, configPath string) *koanf.Koanf {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		logger.Fatal().Err(err).Str("path", configPath).Msg("failed to load config file")
	}

	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", -1)
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("failed to load environment variable overrides")
	}

	logger.Info().Str("config_file", configPath).Msg("configuration loaded")
	return ko
}

// UpdateLogLevel applies logging.level from the loaded config to the
// global zerolog level.
func UpdateLogLevel(ko *koanf.Koanf, logger *zerolog.Logger) {
	levelStr := ko.String("logging.level")
	if levelStr == "" {
		levelStr = "info"
	}

	var level zerolog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
		logger.Warn().Str("configured_level", levelStr).Msg("unknown log level, defaulting to info")
	}

	zerolog.SetGlobalLevel(level)
	logger.Info().Str("level", level.String()).Msg("log level set")
}

func isTerminal() bool {
	fileInfo, _ := os.Stdout.Stat()
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
