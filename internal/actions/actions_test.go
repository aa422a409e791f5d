// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package actions

import (
	"log/slog"
	"testing"
	"time"
)

// fakeAction devolve uma sequência pré-programada de status.
type fakeAction struct {
	statuses []UpdateStatus
	calls    int
}

func (f *fakeAction) Update(time.Time) UpdateStatus {
	st := f.statuses[f.calls]
	if f.calls < len(f.statuses)-1 {
		f.calls++
	}
	return st
}

func TestMerge(t *testing.T) {
	t0 := time.Unix(100, 0)
	t1 := time.Unix(200, 0)

	tests := []struct {
		name string
		a, b UpdateStatus
		want UpdateStatus
	}{
		{"continue+continue", Continue(), Continue(), Continue()},
		{"delay wins over continue", Delay(t0), Continue(), Delay(t0)},
		{"earliest delay wins", Delay(t1), Delay(t0), Delay(t0)},
		{"terminal wins over delay", Result(), Delay(t0), Result()},
		{"error wins", Continue(), Error(), Error()},
	}
	for _, tt := range tests {
		if got := Merge(tt.a, tt.b); got != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestLoop_TickRemovesFinishedActions(t *testing.T) {
	loop := NewLoop(slog.Default())

	done := &fakeAction{statuses: []UpdateStatus{Result()}}
	failed := &fakeAction{statuses: []UpdateStatus{Error()}}
	alive := &fakeAction{statuses: []UpdateStatus{Continue()}}

	loop.Register(done)
	loop.Register(failed)
	loop.Register(alive)

	loop.Tick(time.Unix(0, 0))
	if loop.Pending() != 1 {
		t.Fatalf("expected 1 action alive, got %d", loop.Pending())
	}
}

func TestLoop_TickReturnsEarliestDeadline(t *testing.T) {
	loop := NewLoop(slog.Default())
	t0 := time.Unix(0, 0)

	loop.Register(&fakeAction{statuses: []UpdateStatus{Delay(t0.Add(3 * time.Second))}})
	loop.Register(&fakeAction{statuses: []UpdateStatus{Delay(t0.Add(time.Second))}})
	loop.Register(&fakeAction{statuses: []UpdateStatus{Continue()}})

	next := loop.Tick(t0)
	if !next.Equal(t0.Add(time.Second)) {
		t.Fatalf("expected earliest deadline, got %v", next)
	}
}

func TestTaskQueue_StealsInOrder(t *testing.T) {
	q := NewTaskQueue()

	var order []int
	q.Enqueue(func() { order = append(order, 1) })
	q.Enqueue(func() { order = append(order, 2) })
	q.Enqueue(func() { order = append(order, 3) })

	q.Drain()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected enqueue order preserved, got %v", order)
	}
	if q.Len() != 0 {
		t.Fatalf("expected drained queue, got %d", q.Len())
	}
}

func TestTaskQueue_TasksEnqueuedDuringDrainWaitNextRound(t *testing.T) {
	q := NewTaskQueue()

	var ran []string
	q.Enqueue(func() {
		ran = append(ran, "first")
		q.Enqueue(func() { ran = append(ran, "nested") })
	})

	q.Drain()
	if len(ran) != 1 {
		t.Fatalf("nested task must wait the next drain, got %v", ran)
	}
	q.Drain()
	if len(ran) != 2 || ran[1] != "nested" {
		t.Fatalf("expected nested task on second drain, got %v", ran)
	}
}
