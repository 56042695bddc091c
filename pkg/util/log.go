package util

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the global logger instance
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLogLevel sets the logging level
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetLogOutput sets the log output destination
func SetLogOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat enables JSON log format
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// ConfigureLogging applies a level and a format ("text" or "json") in one call.
func ConfigureLogging(level, format string) error {
	if err := SetLogLevel(level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch format {
	case "", "text":
	case "json":
		SetJSONFormat()
	default:
		return fmt.Errorf("log format %q: must be text or json", format)
	}
	return nil
}

// WithField returns a logger with a field
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields returns a logger with multiple fields
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithNode returns a logger with topology node context
func WithNode(node string) *logrus.Entry {
	return Logger.WithField("node", node)
}

// WithNamespace returns a logger with network namespace context
func WithNamespace(ns string) *logrus.Entry {
	return Logger.WithField("netns", ns)
}

// WithOperation returns a logger with operation context
func WithOperation(operation string) *logrus.Entry {
	return Logger.WithField("operation", operation)
}

// WithScenario returns a logger with scenario context
func WithScenario(name string) *logrus.Entry {
	return Logger.WithField("scenario", name)
}
