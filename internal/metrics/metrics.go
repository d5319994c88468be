// Package metrics exposes allocator and trap events as prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components don't need to check whether metrics were
// configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bytecodealliance/wasmtime-sub051/api"
)

const namespace = "sandbox"

// Metrics holds the collectors of one engine.
type Metrics struct {
	slotsInUse prometheus.Gauge
	exhausted  prometheus.Counter
	instances  prometheus.Counter
	traps      *prometheus.CounterVec
}

// New returns collectors registered on reg, or unregistered ones when reg is nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		slotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "slots_in_use",
			Help:      "Count of instance slots of the pooling allocator currently allocated.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Count of allocations which failed because every instance slot was in use.",
		}),
		instances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_total",
			Help:      "Count of instances allocated.",
		}),
		traps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traps_total",
			Help:      "Count of guest traps, by kind.",
		}, []string{"kind"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.slotsInUse, m.exhausted, m.instances, m.traps} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SlotAllocated records an instance slot leaving the free list.
func (m *Metrics) SlotAllocated() {
	if m == nil {
		return
	}
	m.slotsInUse.Inc()
	m.instances.Inc()
}

// SlotFreed records an instance slot returning to the free list.
func (m *Metrics) SlotFreed() {
	if m == nil {
		return
	}
	m.slotsInUse.Dec()
}

// InstanceAllocated records an instance allocated outside the pool.
func (m *Metrics) InstanceAllocated() {
	if m == nil {
		return
	}
	m.instances.Inc()
}

// PoolExhausted records an allocation failing for lack of slots.
func (m *Metrics) PoolExhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

// Trap records a guest trap.
func (m *Metrics) Trap(kind api.TrapKind) {
	if m == nil {
		return
	}
	m.traps.WithLabelValues(kind.String()).Inc()
}
