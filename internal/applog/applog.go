// Package applog provides the controller's structured logger. Every
// other package logs through a *logrus.Entry obtained here rather than
// creating its own logger, so request/task/probe fields stay
// consistent across every subsystem.
package applog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once sync.Once
	base *logrus.Logger
)

// Base returns the process-wide logger, initializing it on first use.
func Base() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stdout)
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
		base.SetLevel(logrus.InfoLevel)
	})
	return base
}

// For returns a component-scoped logger entry, e.g. For("probesession").
func For(component string) *logrus.Entry {
	return Base().WithField("component", component)
}
