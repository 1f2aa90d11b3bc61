// Package sslog is the leveled logging component shared by every SSF layer
// and service: E/W/I/D/T level methods over a stdlib log.Logger, with
// Fork() prefix-chaining so each layer and connection logs under its own
// namespace.
package sslog

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
)

// LogLevel specifies the level of spew that should go to the log.
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel. Its
	// behavior is undefined.
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic causes output of an error message followed by a panic.
	LogLevelPanic

	// LogLevelFatal causes output of an error message followed by os.Exit(1).
	LogLevelFatal

	// LogLevelError is for unexpected error messages.
	LogLevelError

	// LogLevelWarning is for warning messages.
	LogLevelWarning

	// LogLevelInfo is for informational messages.
	LogLevelInfo

	// LogLevelDebug is for debug messages.
	LogLevelDebug

	// LogLevelTrace is for trace messages.
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var nameToLogLevel = func() map[string]LogLevel {
	result := make(map[string]LogLevel)
	for i, name := range logLevelNames {
		result[name] = LogLevel(i)
	}
	return result
}()

// StringToLogLevel converts a string to a LogLevel.
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToLower(s)]
	if !ok {
		result = LogLevelUnknown
	}
	return result
}

func (x *LogLevel) String() string {
	y := *x
	if y < LogLevelUnknown || y > LogLevelTrace {
		y = LogLevelUnknown
	}
	return logLevelNames[y]
}

// FromString initializes a LogLevel from a string.
func (x *LogLevel) FromString(s string) error {
	result := StringToLogLevel(s)
	if result == LogLevelUnknown {
		return fmt.Errorf("unknown log level: %q", s)
	}
	*x = result
	return nil
}

// MinLogger is a minimal logging interface for a logging component.
type MinLogger interface {
	Print(args ...interface{})
	Prefix() string
}

// GetLogLeveler is an interface for a logger that supports GetLogLevel().
type GetLogLeveler interface {
	GetLogLevel() LogLevel
}

// Logger is a leveled, prefix-forking logging component. Every layer and
// service in the tunnel embeds or receives one via Fork().
type Logger interface {
	MinLogger
	GetLogLeveler

	Panic(args ...interface{})
	Panicf(f string, args ...interface{})
	PanicOnError(err error)

	Fatal(args ...interface{})
	Fatalf(f string, args ...interface{})

	Log(logLevel LogLevel, args ...interface{})
	Logf(logLevel LogLevel, f string, args ...interface{})

	ELog(args ...interface{})
	ELogf(f string, args ...interface{})
	WLog(args ...interface{})
	WLogf(f string, args ...interface{})
	ILog(args ...interface{})
	ILogf(f string, args ...interface{})
	DLog(args ...interface{})
	DLogf(f string, args ...interface{})
	TLog(args ...interface{})
	TLogf(f string, args ...interface{})

	Error(args ...interface{}) error
	Errorf(f string, args ...interface{}) error
	Sprintf(f string, args ...interface{}) string
	Sprint(args ...interface{}) string

	Fork(prefix string, args ...interface{}) Logger
	SetLogLevel(logLevel LogLevel)
}

// BasicLogger is a logical log output stream with a level filter and a
// prefix added to each output record.
type BasicLogger struct {
	prefix   string
	prefixC  string
	logger   MinLogger
	logLevel LogLevel
}

const defaultLogFlags = log.Ldate | log.Ltime

// New creates a new Logger with a given prefix and default flags, emitting
// output to os.Stderr.
func New(prefix string, logLevel LogLevel) Logger {
	return NewWithFlags(prefix, defaultLogFlags, logLevel)
}

// NewWithFlags creates a new Logger with a given prefix and flags, emitting
// output to os.Stderr.
func NewWithFlags(prefix string, flag int, logLevel LogLevel) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		logger:   log.New(os.Stderr, "", flag),
		logLevel: logLevel,
	}
}

// Print outputs to a Logger.
func (l *BasicLogger) Print(args ...interface{}) {
	l.logger.Print(l.Sprint(args...))
}

func (l *BasicLogger) logNoPrefix(logLevel LogLevel, msg string) {
	if logLevel <= l.logLevel || logLevel <= LogLevelFatal {
		if logLevel >= LogLevelPanic {
			l.logger.Print(msg)
		}
		switch logLevel {
		case LogLevelFatal:
			os.Exit(1)
		case LogLevelPanic:
			panic(msg)
		}
	}
}

// Log outputs to a Logger if the given logLevel is enabled, then exits or
// panics as appropriate for LogLevelFatal/LogLevelPanic.
func (l *BasicLogger) Log(logLevel LogLevel, args ...interface{}) {
	if logLevel <= l.logLevel || logLevel <= LogLevelFatal {
		l.logNoPrefix(logLevel, l.Sprint(args...))
	}
}

// Logf is the formatted form of Log.
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if logLevel <= l.logLevel || logLevel <= LogLevelFatal {
		l.logNoPrefix(logLevel, l.Sprintf(f, args...))
	}
}

// Panic outputs a log message if logLevel permits, and then panics.
func (l *BasicLogger) Panic(args ...interface{}) { l.Log(LogLevelPanic, args...) }

// PanicOnError does nothing if err is nil; otherwise logs and panics.
func (l *BasicLogger) PanicOnError(err error) {
	if err != nil {
		l.Panic(err)
	}
}

// Panicf is the formatted form of Panic.
func (l *BasicLogger) Panicf(f string, args ...interface{}) { l.Logf(LogLevelPanic, f, args...) }

// Fatal outputs a log message if logLevel permits, then exits with status 1.
func (l *BasicLogger) Fatal(args ...interface{}) { l.Log(LogLevelFatal, args...) }

// Fatalf is the formatted form of Fatal.
func (l *BasicLogger) Fatalf(f string, args ...interface{}) { l.Logf(LogLevelFatal, f, args...) }

// ELog logs at LogLevelError.
func (l *BasicLogger) ELog(args ...interface{}) { l.Log(LogLevelError, args...) }

// ELogf is the formatted form of ELog.
func (l *BasicLogger) ELogf(f string, args ...interface{}) { l.Logf(LogLevelError, f, args...) }

// WLog logs at LogLevelWarning.
func (l *BasicLogger) WLog(args ...interface{}) { l.Log(LogLevelWarning, args...) }

// WLogf is the formatted form of WLog.
func (l *BasicLogger) WLogf(f string, args ...interface{}) { l.Logf(LogLevelWarning, f, args...) }

// ILog logs at LogLevelInfo.
func (l *BasicLogger) ILog(args ...interface{}) { l.Log(LogLevelInfo, args...) }

// ILogf is the formatted form of ILog.
func (l *BasicLogger) ILogf(f string, args ...interface{}) { l.Logf(LogLevelInfo, f, args...) }

// DLog logs at LogLevelDebug.
func (l *BasicLogger) DLog(args ...interface{}) { l.Log(LogLevelDebug, args...) }

// DLogf is the formatted form of DLog.
func (l *BasicLogger) DLogf(f string, args ...interface{}) { l.Logf(LogLevelDebug, f, args...) }

// TLog logs at LogLevelTrace.
func (l *BasicLogger) TLog(args ...interface{}) { l.Log(LogLevelTrace, args...) }

// TLogf is the formatted form of TLog.
func (l *BasicLogger) TLogf(f string, args ...interface{}) { l.Logf(LogLevelTrace, f, args...) }

// Error generates an error object with this logger's prefix.
func (l *BasicLogger) Error(args ...interface{}) error {
	return errors.New(l.Sprint(args...))
}

// Errorf is the formatted form of Error.
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

// Sprintf returns a string that has the Logger's prefix.
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// Sprint returns a string that has the Logger's prefix.
func (l *BasicLogger) Sprint(args ...interface{}) string {
	return l.prefixC + fmt.Sprint(args...)
}

// FlagsLogger is an interface for a logger that supports Flags().
type FlagsLogger interface {
	Flags() int
}

// Flags returns the underlying stdlib logger's flag bits.
func (l *BasicLogger) Flags() int {
	if fl, ok := l.logger.(FlagsLogger); ok {
		return fl.Flags()
	}
	return defaultLogFlags
}

// Fork creates a new Logger that appends a formatted string onto an
// existing logger's prefix (with ": " added between).
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	args = append([]interface{}{l.prefix}, args...)
	newPrefix := fmt.Sprintf("%s: "+prefix, args...)
	return NewWithFlags(newPrefix, l.Flags(), l.GetLogLevel())
}

// Prefix returns the Logger's prefix string (without the ": " trailer).
func (l *BasicLogger) Prefix() string { return l.prefix }

// GetLogLevel returns the log level.
func (l *BasicLogger) GetLogLevel() LogLevel { return l.logLevel }

// SetLogLevel sets the log level.
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) { l.logLevel = logLevel }
