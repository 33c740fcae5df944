package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields is an alias-like map for structured fields.
type Fields map[string]interface{}

// Log wraps logrus.Logger.
type Log struct {
	*logrus.Logger
}

// Entry wraps logrus.Entry.
type Entry struct {
	*logrus.Entry
}

// New returns a JSON logger at the level named by LOG_LEVEL (default info).
func New() *Log {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	l.SetFormatter(jsonFormatter())
	return &Log{Logger: l}
}

// Discard returns a logger that writes nowhere; used by tests and as a nil fallback.
func Discard() *Log {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Log{Logger: l}
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *Log) *Log {
	if l == nil {
		return Discard()
	}
	return l
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func jsonFormatter() *logrus.JSONFormatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: callerPrettyfier,
	}
}

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

// Configure sets level, format (json|text) and output (stdout|stderr|file path).
// A file output with maxAge > 0 is rotated by lumberjack.
func (l *Log) Configure(level, format, output string, maxAge int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level '%s'", level)
	}
	l.SetLevel(lvl)

	switch format {
	case "json", "":
		l.SetReportCaller(true)
		l.SetFormatter(jsonFormatter())
	case "text":
		l.SetReportCaller(true)
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		})
	default:
		return fmt.Errorf("invalid log format '%s'", format)
	}

	switch output {
	case "stdout", "":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		if maxAge > 0 {
			l.SetOutput(&lumberjack.Logger{
				Filename: output,
				MaxAge:   maxAge,
				MaxSize:  100,
				Compress: true,
			})
			return nil
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return fmt.Errorf("failed to open log file '%s': %w", output, err)
		}
		l.SetOutput(file)
	}
	return nil
}

// LogPerformance records how long an operation took.
func LogPerformance(entry *Entry, operation string, duration time.Duration, fields Fields) {
	if fields == nil {
		fields = make(Fields)
	}
	fields["duration_ms"] = float64(duration.Nanoseconds()) / 1e6
	fields["operation"] = operation
	entry.WithFields(fields).Debug("performance metric")
}
