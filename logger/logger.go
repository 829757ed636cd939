package logger

// Logger is the structured logging contract used across pbac. Implementations
// accept alternating key/value pairs.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// With returns a Logger that prepends keyvals to every call.
func With(l Logger, keyvals ...any) Logger {
	if l == nil {
		return NewNullLogger()
	}
	if len(keyvals) == 0 {
		return l
	}
	return &boundLogger{base: l, fields: keyvals}
}

type boundLogger struct {
	base   Logger
	fields []any
}

func (b *boundLogger) merge(keyvals []any) []any {
	out := make([]any, 0, len(b.fields)+len(keyvals))
	out = append(out, b.fields...)
	return append(out, keyvals...)
}

func (b *boundLogger) Debug(msg string, keyvals ...any) { b.base.Debug(msg, b.merge(keyvals)...) }
func (b *boundLogger) Info(msg string, keyvals ...any)  { b.base.Info(msg, b.merge(keyvals)...) }
func (b *boundLogger) Warn(msg string, keyvals ...any)  { b.base.Warn(msg, b.merge(keyvals)...) }
func (b *boundLogger) Error(msg string, keyvals ...any) { b.base.Error(msg, b.merge(keyvals)...) }
