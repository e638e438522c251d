// Package logging provides the process-wide logger used across msgbridge.
// It fronts logrus so call sites stay terse (log.Infof, log.WithError).
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var std = logrus.New()

// SetupBaseLogger configures the default text formatter and stderr output.
func SetupBaseLogger() {
	std.SetOutput(os.Stderr)
	std.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	std.SetLevel(logrus.InfoLevel)
}

// SetDebug toggles debug-level logging.
func SetDebug(enabled bool) {
	if enabled {
		std.SetLevel(logrus.DebugLevel)
	} else {
		std.SetLevel(logrus.InfoLevel)
	}
}

// ConfigureLogOutput switches logging to a rotated file when toFile is set.
// The file lives next to the working directory under logs/msgbridge.log.
func ConfigureLogOutput(toFile bool) error {
	if !toFile {
		std.SetOutput(os.Stderr)
		return nil
	}
	dir := "logs"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "msgbridge.log"),
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	std.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return nil
}

// Logger exposes the underlying logrus logger for packages that need
// a structured entry (e.g. gin middleware).
func Logger() *logrus.Logger { return std }

func Debugf(format string, args ...any) { std.Debugf(format, args...) }
func Infof(format string, args ...any)  { std.Infof(format, args...) }
func Warnf(format string, args ...any)  { std.Warnf(format, args...) }
func Errorf(format string, args ...any) { std.Errorf(format, args...) }
func Fatalf(format string, args ...any) { std.Fatalf(format, args...) }

func Debug(args ...any) { std.Debug(args...) }
func Info(args ...any)  { std.Info(args...) }
func Warn(args ...any)  { std.Warn(args...) }
func Error(args ...any) { std.Error(args...) }

// WithError returns an entry carrying the error field.
func WithError(err error) *logrus.Entry { return std.WithError(err) }

// WithField returns an entry carrying a single field.
func WithField(key string, value any) *logrus.Entry { return std.WithField(key, value) }
