package utils

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Critical LogLevel = 50
	Fatal    LogLevel = Critical
	Error    LogLevel = 40
	Warning  LogLevel = 30
	Info     LogLevel = 20
	Debug    LogLevel = 10
	NotSet   LogLevel = 0
)

var (
	baseMu     sync.RWMutex
	baseLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	baseLevel  = Info
)

// ConfigureLogging sets the process-wide log output.
// level is one of debug, info, warn, error; format "console" switches to
// human readable output, anything else keeps JSON lines.
func ConfigureLogging(level, format string) {
	ConfigureLoggingOutput(os.Stdout, level, format)
}

// ConfigureLoggingOutput is ConfigureLogging with an explicit writer.
func ConfigureLoggingOutput(out io.Writer, level, format string) {
	var w io.Writer = out
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	baseMu.Lock()
	defer baseMu.Unlock()
	baseLogger = zerolog.New(w).With().Timestamp().Logger()
	baseLevel = ParseLogLevel(level)
}

// ParseLogLevel maps a textual level to a LogLevel, defaulting to Info.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warning
	case "error":
		return Error
	case "critical", "fatal":
		return Critical
	default:
		return Info
	}
}

// Logger provides structured logging with context
type Logger struct {
	prefix        string
	logger        zerolog.Logger
	logLevel      LogLevel
	logLevelMutex sync.RWMutex
}

// NewLogger creates a new logger with a given prefix. Without an explicit
// level the process-wide level set by ConfigureLogging applies.
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	baseMu.RLock()
	zl := baseLogger.With().Str("component", prefix).Logger()
	level := baseLevel
	baseMu.RUnlock()

	if len(logLevel) > 0 {
		level = logLevel[0]
	}
	return &Logger{
		prefix:   prefix,
		logger:   zl,
		logLevel: level,
	}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{logger: zerolog.Nop(), logLevel: Critical}
}

// SetLogLevel sets the logging level
func (l *Logger) SetLogLevel(logLevel LogLevel) {
	l.logLevelMutex.Lock()
	defer l.logLevelMutex.Unlock()
	l.logLevel = logLevel
}

func (l *Logger) enabled(level LogLevel) bool {
	l.logLevelMutex.RLock()
	defer l.logLevelMutex.RUnlock()
	return l.logLevel <= level
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	if !l.enabled(Info) {
		return
	}
	l.emit(l.logger.Info(), msg, keyvals)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	if !l.enabled(Error) {
		return
	}
	l.emit(l.logger.Error(), msg, keyvals)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	if !l.enabled(Warning) {
		return
	}
	l.emit(l.logger.Warn(), msg, keyvals)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	if !l.enabled(Debug) {
		return
	}
	l.emit(l.logger.Debug(), msg, keyvals)
}

// emit attaches key-value pairs to the event. A trailing key without a value
// is dropped.
func (l *Logger) emit(event *zerolog.Event, msg string, keyvals []interface{}) {
	if len(keyvals)%2 != 0 {
		keyvals = keyvals[:len(keyvals)-1]
	}
	if len(keyvals) > 0 {
		event = event.Fields(keyvals)
	}
	event.Msg(msg)
}
