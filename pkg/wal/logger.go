package wal

import (
	"github.com/sirupsen/logrus"
)

// WALLogger receives structured diagnostics emitted by the log store
// (bad-tail truncation, corruption reports).
//
// Implementations should treat fields as a stable machine-readable contract.
type WALLogger interface {
	Log(level string, msg string, fields map[string]any)
}

type logrusLogger struct {
	log logrus.FieldLogger
}

// NewLogrusLogger adapts a logrus logger to WALLogger. A nil logger uses the
// logrus standard logger.
func NewLogrusLogger(l logrus.FieldLogger) WALLogger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{log: l.WithField("component", "wal")}
}

func (l *logrusLogger) Log(level string, msg string, fields map[string]any) {
	entry := l.log.WithFields(logrus.Fields(fields))
	switch level {
	case "debug":
		entry.Debug(msg)
	case "warn":
		entry.Warn(msg)
	case "error":
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
}
