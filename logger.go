package pbac

import "github.com/oarkflow/pbac/logger"

// Logger is re-exported so callers can implement it without importing logger.
type Logger = logger.Logger

// WithLogger installs a Logger on the Engine via EngineOption
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return NewValidationError("logger", "logger must not be nil")
		}
		e.logger = l
		return nil
	}
}
