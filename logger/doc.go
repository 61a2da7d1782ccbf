// Package logger builds the zap loggers used across the service.
//
// New picks a colour console encoder for development or a JSON encoder
// with ISO8601 timestamps for production. WithRedaction wraps the core so
// secrets never reach a sink, and TaskLogger adapts a zap logger to the
// Info/Error/Command logger of the sandbox executor.
//
//	log, err := logger.New(logger.ModeProduction, "info", logger.WithRedaction(sandbox.Redact))
//	if err != nil {
//	    return err
//	}
//	exec := sandbox.NewExecutor(transport, logger.NewTaskLogger(log, taskID))
package logger
