package store

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
)

// Failure is published as bus.CacheDegraded when a cache operation fails.
type Failure struct {
	Op  string
	Err string
}

// Health tracks whether the local cache is usable. Cache failures are never
// fatal to the session; they are reported here and the caller carries on
// against the remote store. A nil Health ignores reports.
type Health struct {
	bus      *bus.Bus
	logger   *zap.Logger
	metrics  *metrics.Metrics
	degraded atomic.Bool
}

func NewHealth(b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Health {
	return &Health{
		bus:     b,
		logger:  logging.OrNop(logger).With(zap.String("component", "cache")),
		metrics: m,
	}
}

// Fail records a failed cache operation.
func (h *Health) Fail(op string, err error) {
	if h == nil {
		return
	}
	if !h.degraded.Swap(true) {
		h.logger.Warn("local cache unavailable, continuing against remote store", zap.String("op", op), zap.Error(err))
	} else {
		h.logger.Debug("cache operation failed", zap.String("op", op), zap.Error(err))
	}
	h.metrics.CacheError()
	if h.bus != nil {
		h.bus.Emit(bus.CacheDegraded, Failure{Op: op, Err: err.Error()})
	}
}

// OK records a successful cache write, leaving degraded mode if needed.
func (h *Health) OK() {
	if h == nil || !h.degraded.CompareAndSwap(true, false) {
		return
	}
	h.logger.Info("local cache recovered")
	if h.bus != nil {
		h.bus.Emit(bus.CacheRecovered, nil)
	}
}

// Degraded reports whether the last cache operation failed.
func (h *Health) Degraded() bool {
	return h != nil && h.degraded.Load()
}
