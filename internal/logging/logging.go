// Package logging wires the engine's configured log level onto a shared
// logrus logger, the same library pavelkim-tzsp_server uses for its
// capture daemon, replacing the teacher's bare log.Printf calls.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger from the engine.logLevel / logging.enableDebug
// configuration keys (spec.md §6). An unrecognised level falls back to Warn.
func New(level string, debug bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if debug {
		l.SetLevel(logrus.DebugLevel)
		return l
	}

	switch level {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "info":
		l.SetLevel(logrus.InfoLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.WarnLevel)
	}
	return l
}

// Nop returns a logger that discards everything, for tests and callers
// that don't want to configure one explicitly.
func Nop() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.PanicLevel)
	return l
}
