package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

func init() {
	// info level JSON on stderr until Init runs
	setOutput(os.Stderr)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// ParseLevel maps a config log level to zerolog, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Init sets the global level and output. Pretty selects the console writer.
// Logs go to stderr so that commands can print results on stdout.
func Init(level string, pretty bool) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	var output io.Writer = os.Stderr
	if pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}
	setOutput(output)
}

// SetOutput redirects the global logger, e.g. to a buffer in tests
func SetOutput(w io.Writer) {
	setOutput(w)
}

func setOutput(w io.Writer) {
	Logger = zerolog.New(w).
		With().
		Timestamp().
		Caller().
		Logger()
	log.Logger = Logger
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	return &Logger
}

// WithComponent returns a logger with a component field set
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}
