package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLogger builds the process logger and installs it as the global
// zerolog logger.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "", "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), err
		}
		writer = file
	}

	if cfg.Format != "json" {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.TimeOnly,
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339

	zlog := zerolog.New(writer).With().Timestamp().Logger().Level(ParseLevel(cfg.Level))

	log.Logger = zlog
	return zlog, nil
}

// NewComponentLogger derives a child of the global logger tagged with
// the component name.
func NewComponentLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// ParseLevel converts a string log level to zerolog.Level.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
