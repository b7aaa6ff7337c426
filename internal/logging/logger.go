package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnvVar names the environment variable holding the log level.
const LevelEnvVar = "MIRAGE_LOG_LEVEL"

// Init initializes the global logger with configuration from environment variables.
// MIRAGE_LOG_LEVEL controls the log level: debug, info, warn, error (default: info)
func Init() {
	InitTo(zerolog.ConsoleWriter{Out: os.Stderr})
}

// InitTo is Init with an explicit writer. The terminal chat uses it to send
// logs to a file so they do not tear the screen.
func InitTo(w io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(os.Getenv(LevelEnvVar)))
	log.Logger = log.Output(w)
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
