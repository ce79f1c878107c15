// SPDX-License-Identifier: GPL-3.0-or-later
package log

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggers  map[string]*logrus.Logger
	level    = logrus.InfoLevel
	loggerMu sync.Mutex
)

func NewPrefixLogger(prefix string) *PrefixLogger {
	stringPrefix := fmt.Sprintf("%s:\t", prefix)

	formatter := &logrus.TextFormatter{}
	formatter.FullTimestamp = true
	formatter.TimestampFormat = "15:04:05"
	formatter.DisableColors = strings.Contains(runtime.GOOS, "windows")
	return &PrefixLogger{
		formatter,
		[]byte(stringPrefix),
	}
}

type PrefixLogger struct {
	formatter logrus.Formatter
	prefix    []byte
}

func (f *PrefixLogger) Format(entry *logrus.Entry) ([]byte, error) {
	text, err := f.formatter.Format(entry)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, f.prefix...), text...), nil
}

const (
	LOG_MAIN        = "MA"
	LOG_NOTIFIER    = "NO"
	LOG_IMAP        = "IM"
	LOG_POP3        = "P3"
	LOG_PERSISTENCE = "PI"
	LOG_REDIS       = "RD"
	LOG_TELEGRAM    = "TG"
	LOG_CLASSIFIER  = "SA"
)

var prefixes = []string{
	LOG_MAIN,
	LOG_NOTIFIER,
	LOG_IMAP,
	LOG_POP3,
	LOG_PERSISTENCE,
	LOG_REDIS,
	LOG_TELEGRAM,
	LOG_CLASSIFIER,
}

func getLevel(loglevel string) logrus.Level {
	switch strings.ToLower(loglevel) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "panic":
		return logrus.PanicLevel
	case "fatal":
		return logrus.FatalLevel
	}

	// Info is default
	return logrus.InfoLevel
}

func newLogger(prefix string) *logrus.Logger {
	l := logrus.New()
	l.Level = level
	l.Formatter = NewPrefixLogger(prefix)
	return l
}

func InitLogging(loglevel string) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	level = getLevel(loglevel)
	loggers = make(map[string]*logrus.Logger)
	for _, prefix := range prefixes {
		loggers[prefix] = newLogger(prefix)
	}
}

func SetLogLevel(loglevel string) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	level = getLevel(loglevel)
	for _, v := range loggers {
		v.SetLevel(level)
	}
}

// Logger returns the logger registered for prefix. Packages used as a library
// without InitLogging get an info level logger instead of a panic, unknown
// prefixes still panic.
func Logger(prefix string) *logrus.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if loggers == nil {
		loggers = make(map[string]*logrus.Logger)
	}

	l, ok := loggers[prefix]
	if ok {
		return l
	}

	for _, known := range prefixes {
		if known == prefix {
			loggers[prefix] = newLogger(prefix)
			return loggers[prefix]
		}
	}

	panic("Logger " + prefix + " unknown")
}
