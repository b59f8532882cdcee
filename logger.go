package msgbus

import (
	log "github.com/sirupsen/logrus"
)

// Logger receives the leveled messages connectors emit. It is satisfied
// by *logrus.Logger and *logrus.Entry.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// NewLogger returns a logrus-backed Logger at the given level. An
// unparseable level falls back to info.
func NewLogger(level string) Logger {
	l := log.New()
	lv, err := log.ParseLevel(level)
	if err != nil {
		lv = log.InfoLevel
	}
	l.SetLevel(lv)
	l.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	return l
}
