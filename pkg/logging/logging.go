// Package logging defines the small logger interface every akwbs
// component takes instead of reaching for a package-level global,
// backed by logrus.
package logging

import "github.com/sirupsen/logrus"

// Logger is the logging surface every component depends on. It is
// satisfied directly by *logrus.Logger and *logrus.Entry.
type Logger interface {
	logrus.FieldLogger
}

// New returns a logrus-backed Logger writing text-formatted entries at
// the given level.
func New(level logrus.Level) Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}
