package logger

import (
	"go.uber.org/zap"

	"bplusdb"
)

// Zap wraps a *zap.Logger to implement bplusdb.Logger.
type Zap struct {
	logger *zap.Logger
}

// NewZap creates a bplusdb.Logger from a *zap.Logger.
func NewZap(l *zap.Logger) bplusdb.Logger {
	return &Zap{logger: l}
}

func (z *Zap) Error(msg string, args ...any) { z.logger.Sugar().Errorw(msg, args...) }
func (z *Zap) Warn(msg string, args ...any)  { z.logger.Sugar().Warnw(msg, args...) }
func (z *Zap) Info(msg string, args ...any)  { z.logger.Sugar().Infow(msg, args...) }
