// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package log provides the logging conventions shared across the engine.
// The library packages log through here instead of importing logrus
// directly, so that the host process can redirect or silence engine logs in
// one place; the qutrackctl command uses logrus directly.
package log // import "github.com/qutrack/qutrack/internal/log"

import (
	"os"

	"github.com/sirupsen/logrus"
)

var std = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the verbosity of the package-global logger.
func SetLevel(level logrus.Level) {
	std.SetLevel(level)
}

// SetOutput redirects engine logs, e.g. to a ring buffer owned by the host.
func SetOutput(w interface{ Write([]byte) (int, error) }) {
	std.SetOutput(w)
}

func Debugf(format string, args ...any) { std.Debugf(format, args...) }
func Infof(format string, args ...any)  { std.Infof(format, args...) }
func Warnf(format string, args ...any)  { std.Warnf(format, args...) }
func Errorf(format string, args ...any) { std.Errorf(format, args...) }

// WithField returns an entry for callers that want structured context
// attached to a short burst of related log lines.
func WithField(key string, value any) *logrus.Entry {
	return std.WithField(key, value)
}
