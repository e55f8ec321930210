package transport

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// SlogLogger routes whatsmeow's printf-style logs into slog.
type SlogLogger struct {
	logger *slog.Logger
	module string
}

// NewSlogLogger returns a waLog.Logger backed by l (slog.Default if nil).
func NewSlogLogger(l *slog.Logger, module string) waLog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l, module: module}
}

func (s *SlogLogger) Warnf(msg string, args ...interface{}) {
	s.logger.Warn(fmt.Sprintf(msg, args...), "module", s.module)
}

func (s *SlogLogger) Errorf(msg string, args ...interface{}) {
	s.logger.Error(fmt.Sprintf(msg, args...), "module", s.module)
}

func (s *SlogLogger) Infof(msg string, args ...interface{}) {
	s.logger.Info(fmt.Sprintf(msg, args...), "module", s.module)
}

func (s *SlogLogger) Debugf(msg string, args ...interface{}) {
	s.logger.Debug(fmt.Sprintf(msg, args...), "module", s.module)
}

func (s *SlogLogger) Sub(module string) waLog.Logger {
	return &SlogLogger{logger: s.logger, module: s.module + "/" + module}
}
