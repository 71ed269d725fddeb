package geofilter

import (
	"sync"
	"time"

	"github.com/geofilter/geofilter/geofilter/dialect"
)

// BackendMetrics is a read-only counter snapshot for one backend.
type BackendMetrics struct {
	Executions    uint64
	Errors        uint64
	TotalDuration time.Duration
	AvgDuration   time.Duration
}

// Metrics aggregates per-backend execution counters. All methods are
// safe for concurrent use.
type Metrics struct {
	mu  sync.Mutex
	per map[dialect.Kind]*BackendMetrics
}

func NewMetrics() *Metrics {
	return &Metrics{per: make(map[dialect.Kind]*BackendMetrics)}
}

func (m *Metrics) Record(kind dialect.Kind, d time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bm, ok := m.per[kind]
	if !ok {
		bm = &BackendMetrics{}
		m.per[kind] = bm
	}
	bm.Executions++
	if failed {
		bm.Errors++
	}
	bm.TotalDuration += d
	bm.AvgDuration = bm.TotalDuration / time.Duration(bm.Executions)
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[dialect.Kind]BackendMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[dialect.Kind]BackendMetrics, len(m.per))
	for k, v := range m.per {
		out[k] = *v
	}
	return out
}
