// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mpataki/jury/internal/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu   sync.Mutex
	root = logrus.New()
)

// Init applies level, format, and outputs. Console output goes to stderr so
// command output on stdout stays machine-readable.
func Init(cfg config.LogConfig) error {
	mu.Lock()
	defer mu.Unlock()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	root.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		root.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	} else {
		root.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	var writers []io.Writer
	output := strings.ToLower(cfg.Output)
	if output == "file" || output == "both" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, "jury.log"),
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}
	if output == "stdout" || output == "stderr" || output == "both" || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	root.SetOutput(io.MultiWriter(writers...))

	return nil
}

func Logger() *logrus.Logger {
	return root
}

// For returns an entry tagged with the component name.
func For(component string) *logrus.Entry {
	return root.WithField("component", component)
}

// Discard is a logger entry for tests and callers that pass no logger.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
