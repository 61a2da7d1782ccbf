package logger

import (
	"go.uber.org/zap/zapcore"
)

type redactingCore struct {
	zapcore.Core
	redact func(string) string
}

// NewRedactingCore wraps core so entry messages, string fields and error
// fields pass through redact on their way to the sink.
func NewRedactingCore(core zapcore.Core, redact func(string) string) zapcore.Core {
	return &redactingCore{Core: core, redact: redact}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(c.fields(fields)), redact: c.redact}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.redact(ent.Message)
	return c.Core.Write(ent, c.fields(fields))
}

func (c *redactingCore) fields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch f.Type {
		case zapcore.StringType:
			f.String = c.redact(f.String)
		case zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok && err != nil {
				f = zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: c.redact(err.Error())}
			}
		}
		out[i] = f
	}
	return out
}
