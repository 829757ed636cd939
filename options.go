package pbac

import (
	"time"
)

// WithConditions replaces the condition registry.
func WithConditions(r *ConditionRegistry) EngineOption {
	return func(e *Engine) error {
		if r == nil {
			return NewValidationError("conditions", "registry must not be nil")
		}
		e.conditions = r
		return nil
	}
}

// WithConditionsConfig configures the built-in conditions from cfg.
func WithConditionsConfig(cfg ConditionsConfig) EngineOption {
	return func(e *Engine) error {
		if err := e.conditions.Configure(cfg); err != nil {
			return err
		}
		e.conditionsCfg = cfg
		return nil
	}
}

// WithUserDirectory resolves principals to roles for role-scoped policies.
// A directory that is also a UserStore enables the user administration API.
func WithUserDirectory(d UserDirectory) EngineOption {
	return func(e *Engine) error {
		e.users = d
		if s, ok := d.(UserStore); ok {
			e.userStore = s
		}
		return nil
	}
}

// WithUserStore enables user administration. The store also serves as the
// directory unless WithUserDirectory installed a different one.
func WithUserStore(s UserStore) EngineOption {
	return func(e *Engine) error {
		e.userStore = s
		if e.users == nil {
			e.users = s
		}
		return nil
	}
}

// WithClock overrides the evaluation clock.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) error {
		if clock == nil {
			return NewValidationError("clock", "clock must not be nil")
		}
		e.clock = clock
		return nil
	}
}

// WithMetrics records decision metrics.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithDecisionCache caches context-free decisions. size 0 disables the cache.
func WithDecisionCache(size int64, ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if size < 0 {
			return NewValidationError("cache_size", "must not be negative")
		}
		e.cacheSize = size
		e.cacheTTL = ttl
		return nil
	}
}

// WithBatchWorkers bounds the concurrency of BatchAuthorize.
func WithBatchWorkers(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return NewValidationError("batch_workers", "must be positive")
		}
		e.batchWorkers = n
		return nil
	}
}

// WithEngineConfig applies the cache and batch settings of cfg.
func WithEngineConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) error {
		if cfg.CacheSize < 0 {
			return NewValidationError("engine.cache_size", "must not be negative")
		}
		e.cacheSize = cfg.CacheSize
		e.cacheTTL = time.Duration(cfg.CacheTTLMillis) * time.Millisecond
		if cfg.BatchWorkers > 0 {
			e.batchWorkers = cfg.BatchWorkers
		}
		return nil
	}
}
