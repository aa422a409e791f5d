// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package tele

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SlogTrap acumula contadores em memória e os despeja no log sob demanda.
type SlogTrap struct {
	logger *slog.Logger

	mu     sync.Mutex
	counts map[Counter]int64
}

// NewSlogTrap cria um SlogTrap.
func NewSlogTrap(logger *slog.Logger) *SlogTrap {
	return &SlogTrap{
		logger: logger,
		counts: make(map[Counter]int64),
	}
}

// Count implementa Trap.
func (t *SlogTrap) Count(c Counter, delta int) {
	t.mu.Lock()
	t.counts[c] += int64(delta)
	t.mu.Unlock()
}

// Snapshot retorna uma cópia dos contadores correntes.
func (t *SlogTrap) Snapshot() map[Counter]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make(map[Counter]int64, len(t.counts))
	for c, v := range t.counts {
		snap[c] = v
	}
	return snap
}

// Report loga o snapshot corrente como um único registro estruturado.
func (t *SlogTrap) Report() {
	snap := t.Snapshot()

	keys := make([]string, 0, len(snap))
	for c := range snap {
		keys = append(keys, string(c))
	}
	sort.Strings(keys)

	attrs := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		attrs = append(attrs, k, snap[Counter(k)])
	}
	t.logger.Info("telemetry counters", attrs...)
}

// PrometheusTrap exporta os contadores do core como métricas prometheus.
type PrometheusTrap struct {
	counters *prometheus.CounterVec
}

// NewPrometheusTrap cria o trap e registra a métrica no registry fornecido.
func NewPrometheusTrap(reg prometheus.Registerer) (*PrometheusTrap, error) {
	counters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nmesh",
		Name:      "core_events_total",
		Help:      "Core protocol events by counter name.",
	}, []string{"counter"})
	if err := reg.Register(counters); err != nil {
		return nil, err
	}
	return &PrometheusTrap{counters: counters}, nil
}

// Count implementa Trap.
func (t *PrometheusTrap) Count(c Counter, delta int) {
	t.counters.WithLabelValues(string(c)).Add(float64(delta))
}

// MultiTrap despacha cada evento para vários traps.
type MultiTrap []Trap

// Count implementa Trap.
func (m MultiTrap) Count(c Counter, delta int) {
	for _, t := range m {
		t.Count(c, delta)
	}
}
