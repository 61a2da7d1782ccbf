package logger

import (
	"go.uber.org/zap"
)

// TaskLogger routes sandbox command activity for one task to zap. It
// satisfies the Info/Error/Command logger the sandbox executor expects.
type TaskLogger struct {
	log *zap.Logger
}

// NewTaskLogger returns a TaskLogger tagged with the given task id.
// An empty id leaves the logger untagged.
func NewTaskLogger(log *zap.Logger, taskID string) *TaskLogger {
	if taskID != "" {
		log = log.With(zap.String("task_id", taskID))
	}
	return &TaskLogger{log: log}
}

// Info logs a progress or output line.
func (l *TaskLogger) Info(msg string) {
	l.log.Info(msg)
}

// Error logs a failure line.
func (l *TaskLogger) Error(msg string) {
	l.log.Error(msg)
}

// Command logs a command line about to be executed. Callers pass it
// already redacted.
func (l *TaskLogger) Command(msg string) {
	l.log.Info("command", zap.String("command", msg))
}
