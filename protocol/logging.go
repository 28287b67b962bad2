package protocol

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log output formats
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// LoggerConfig describes the process logger
type LoggerConfig struct {
	Level      string
	Format     string
	InstanceID string    // added to every line when set
	Out        io.Writer // defaults to stdout
}

// ParseLogLevel converts a log level string to zerolog.Level. Unknown
// levels fall back to info.
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ValidateLogFormat rejects formats NewLogger does not know
func ValidateLogFormat(format string) error {
	switch strings.ToLower(format) {
	case LogFormatJSON, LogFormatConsole:
		return nil
	}
	return fmt.Errorf("unknown log format %q: want %s or %s", format, LogFormatJSON, LogFormatConsole)
}

// InitLogger builds the process logger and sets the global level
func InitLogger(cfg LoggerConfig) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLogLevel(cfg.Level))
	return NewLogger(cfg)
}

// NewLogger builds a logger tagged with service=tether and, when set, the
// instance id. It leaves the global level alone.
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(cfg.Format, LogFormatConsole) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).
		Level(ParseLogLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "tether")
	if cfg.InstanceID != "" {
		ctx = ctx.Str("instanceID", cfg.InstanceID)
	}
	return ctx.Logger()
}

// ParseDuration accepts Go duration strings ("10s", "1m30s") and plain
// seconds, including fractions ("60", "0.5"). Empty, malformed and
// negative values return defaultVal.
func ParseDuration(val string, defaultVal time.Duration) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return defaultVal
	}
	if seconds, err := strconv.ParseFloat(val, 64); err == nil {
		if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
			return defaultVal
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if d, err := time.ParseDuration(val); err == nil && d >= 0 {
		return d
	}
	return defaultVal
}
