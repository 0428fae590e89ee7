package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
)

var log = newLogger(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

func newLogger(w io.Writer, level, format string) zerolog.Logger {
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel maps LOG_LEVEL values to a level; unknown values mean INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DebugLevel
	case "WARN":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// SetOutput redirects the logger, keeping its level.
func SetOutput(w io.Writer) {
	log = log.Output(w)
}

// SetLevel changes the minimum level written.
func SetLevel(level Level) {
	log = log.Level(level)
}

func Debug(format string, args ...interface{}) {
	log.Debug().Msgf(format, args...)
}

func Info(format string, args ...interface{}) {
	log.Info().Msgf(format, args...)
}

func Warn(format string, args ...interface{}) {
	log.Warn().Msgf(format, args...)
}

func Error(format string, args ...interface{}) {
	log.Error().Msgf(format, args...)
}
