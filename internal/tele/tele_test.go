// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package tele

import (
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCount_NilSinkIsNoOp(t *testing.T) {
	SetSink(nil)
	// Não pode entrar em pânico sem sink instalado
	Count(ChunksSent, 1)
}

func TestSlogTrap_Accumulates(t *testing.T) {
	trap := NewSlogTrap(slog.Default())
	SetSink(trap)
	defer SetSink(nil)

	Count(ChunksSent, 3)
	Count(ChunksSent, 2)
	Count(AcksSent, 1)

	snap := trap.Snapshot()
	if snap[ChunksSent] != 5 {
		t.Fatalf("expected 5 chunks sent, got %d", snap[ChunksSent])
	}
	if snap[AcksSent] != 1 {
		t.Fatalf("expected 1 ack, got %d", snap[AcksSent])
	}

	// Report não pode alterar os contadores
	trap.Report()
	if trap.Snapshot()[ChunksSent] != 5 {
		t.Fatal("report must not reset counters")
	}
}

func TestMultiTrap_FansOut(t *testing.T) {
	a := NewSlogTrap(slog.Default())
	b := NewSlogTrap(slog.Default())

	multi := MultiTrap{a, b}
	multi.Count(QuarantineEvents, 2)

	if a.Snapshot()[QuarantineEvents] != 2 || b.Snapshot()[QuarantineEvents] != 2 {
		t.Fatal("expected both traps updated")
	}
}

func TestPrometheusTrap_Exports(t *testing.T) {
	reg := prometheus.NewRegistry()
	trap, err := NewPrometheusTrap(reg)
	if err != nil {
		t.Fatalf("creating trap: %v", err)
	}

	trap.Count(ChunksRetransmitted, 4)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var found *dto.Metric
	for _, fam := range families {
		if fam.GetName() != "nmesh_core_events_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetValue() == string(ChunksRetransmitted) {
					found = m
				}
			}
		}
	}
	if found == nil {
		t.Fatal("expected exported counter")
	}
	if found.GetCounter().GetValue() != 4 {
		t.Fatalf("expected counter 4, got %f", found.GetCounter().GetValue())
	}
}

func TestCollectEnv_Smoke(t *testing.T) {
	info := CollectEnv()
	if info.OS == "" || info.Arch == "" {
		t.Fatalf("expected populated os/arch, got %+v", info)
	}
}
