package logger

import (
	"github.com/sirupsen/logrus"

	"bplusdb"
)

// Logrus wraps a *logrus.Logger to implement bplusdb.Logger.
type Logrus struct {
	logger *logrus.Logger
}

// NewLogrus creates a bplusdb.Logger from a *logrus.Logger.
func NewLogrus(l *logrus.Logger) bplusdb.Logger {
	return &Logrus{logger: l}
}

func (l *Logrus) Error(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Error(msg)
}

func (l *Logrus) Warn(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Warn(msg)
}

func (l *Logrus) Info(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Info(msg)
}

func argsToFields(args []any) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			fields[key] = args[i+1]
		}
	}
	return fields
}
