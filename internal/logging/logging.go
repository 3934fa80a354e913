package logging

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/loggo/v2"
)

type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarning
	LogLevelBasic
	LogLevelDebug
)

// RootModule is the loggo module every package logs under.
const RootModule = "update-launcher"

var (
	level  = LogLevelBasic
	logger = loggo.GetLogger(RootModule)
)

func init() {
	_, _ = loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(os.Stderr, formatEntry))
	SetLevel(level)
}

func SetLevel(l LogLevel) {
	level = l
	logger.SetLogLevel(l.loggoLevel())
}

func GetLevel() LogLevel {
	return level
}

func FromString(s string) LogLevel {
	if numericLogLevel, err := strconv.Atoi(s); err == nil {
		return boundedLogLevel(numericLogLevel)
	}
	switch strings.ToLower(s) {
	case "error":
		return LogLevelError
	case "warning":
		return LogLevelWarning
	case "basic", "info":
		return LogLevelBasic
	case "debug":
		return LogLevelDebug
	}

	return LogLevelBasic
}

// Child returns a logger for a sub-component, e.g. "launcher".
// It inherits the level set with SetLevel.
func Child(name string) loggo.Logger {
	return logger.Child(name)
}

func Debugf(format string, args ...any) {
	logger.Debugf(format, args...)
}

func Warningf(format string, args ...any) {
	logger.Warningf(format, args...)
}

func Basicf(format string, args ...any) {
	logger.Infof(format, args...)
}

func Errorf(format string, args ...any) {
	logger.Errorf(format, args...)
}

func Fatalf(format string, args ...any) {
	logger.Criticalf(format, args...)
	os.Exit(1)
}

func (l LogLevel) loggoLevel() loggo.Level {
	switch l {
	case LogLevelError:
		return loggo.ERROR
	case LogLevelWarning:
		return loggo.WARNING
	case LogLevelDebug:
		return loggo.DEBUG
	}
	return loggo.INFO
}

func boundedLogLevel(numericLevel int) LogLevel {
	if numericLevel < 0 {
		return LogLevelError
	}
	if numericLevel > 3 {
		return LogLevelDebug
	}
	return LogLevel(numericLevel)
}

func formatEntry(entry loggo.Entry) string {
	ts := entry.Timestamp.In(time.UTC).Format("15:04:05.000")
	if entry.Level >= loggo.WARNING {
		return fmt.Sprintf("%s %s %s: %s", ts, entry.Level.Short(), entry.Module, strings.TrimSuffix(entry.Message, "\n"))
	}
	return fmt.Sprintf("%s %s: %s", ts, entry.Module, strings.TrimSuffix(entry.Message, "\n"))
}
