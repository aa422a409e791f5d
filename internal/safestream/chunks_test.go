// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package safestream

import (
	"bytes"
	"testing"
	"time"
)

func TestSendingChunks_RegisterDedup(t *testing.T) {
	var chunks sendingChunks
	t0 := time.Unix(0, 0)

	first := chunks.Register(100, 149, t0)
	first.RepeatCount++

	// O mesmo range registra no mesmo chunk (retransmissão)
	second := chunks.Register(100, 149, t0.Add(time.Second))
	if first != second {
		t.Fatal("expected same chunk for the same range")
	}
	if second.RepeatCount != 1 {
		t.Fatalf("expected repeat count preserved, got %d", second.RepeatCount)
	}
	if !second.SendTime.Equal(t0.Add(time.Second)) {
		t.Fatal("expected send time refreshed on re-register")
	}

	chunks.Register(150, 199, t0)
	if len(chunks.chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks.chunks))
	}
}

func TestSendingChunks_RemoveThrough(t *testing.T) {
	var chunks sendingChunks
	t0 := time.Unix(0, 0)

	chunks.Register(0, 49, t0)
	chunks.Register(50, 99, t0)
	chunks.Register(100, 149, t0)

	// Ack em 100 remove os dois primeiros ([0,49] e [50,99])
	chunks.RemoveThrough(100)
	if len(chunks.chunks) != 1 {
		t.Fatalf("expected 1 chunk left, got %d", len(chunks.chunks))
	}
	if chunks.Front().Range.Left != RingIndex(100) {
		t.Fatalf("expected front at 100, got %d", chunks.Front().Range.Left)
	}
}

func TestRecvChunkList_InOrderAndSorted(t *testing.T) {
	var list recvChunkList
	start := RingIndex(1000)

	// Inserção fora de ordem
	list.Add(start.Add(10), 0, []byte("BBBBB"), start)
	list.Add(start, 0, []byte("AAAAA"), start)
	list.Add(start.Add(5), 0, []byte("MMMMM"), start)

	// Sortedness: offsets estritamente crescentes, nenhum chunk vazio
	prev := start - 1
	for _, ch := range list.chunks {
		if ch.Size() == 0 {
			t.Fatal("empty chunk survived normalize")
		}
		if !prev.IsBefore(ch.Offset) {
			t.Fatalf("chunks not sorted: %d after %d", ch.Offset, prev)
		}
		prev = ch.Offset
	}

	data := list.PopRun(start)
	if !bytes.Equal(data, []byte("AAAAAMMMMMBBBBB")) {
		t.Fatalf("expected joined run, got %q", data)
	}
	if !list.Empty() {
		t.Fatal("expected empty list after pop")
	}
}

func TestRecvChunkList_DuplicateUpdatesRepeat(t *testing.T) {
	var list recvChunkList
	start := RingIndex(0)

	if res := list.Add(10, 0, []byte("XXXX"), start); res != AddInserted {
		t.Fatalf("expected inserted, got %v", res)
	}
	if res := list.Add(10, 3, []byte("XXXX"), start); res != AddDuplicate {
		t.Fatalf("expected duplicate, got %v", res)
	}
	if list.chunks[0].RepeatCount != 3 {
		t.Fatalf("expected repeat count raised to 3, got %d", list.chunks[0].RepeatCount)
	}
	// Um repeat menor não rebaixa o contador
	list.Add(10, 1, []byte("XXXX"), start)
	if list.chunks[0].RepeatCount != 3 {
		t.Fatalf("expected repeat count kept at 3, got %d", list.chunks[0].RepeatCount)
	}
}

func TestRecvChunkList_AlreadyConfirmedDropped(t *testing.T) {
	var list recvChunkList
	start := RingIndex(100)

	// Chunk inteiramente antes de last_emitted
	if res := list.Add(90, 0, []byte("OLDDATA"), start); res != AddConfirmed {
		t.Fatalf("expected confirmed, got %v", res)
	}
	if !list.Empty() {
		t.Fatal("confirmed chunk must not be stored")
	}
}

func TestRecvChunkList_OverlapTrimmed(t *testing.T) {
	var list recvChunkList
	start := RingIndex(0)

	list.Add(0, 0, []byte("AAAA"), start)
	// Sobrepõe os dois últimos bytes do vizinho à esquerda
	list.Add(2, 0, []byte("BBCC"), start)

	data := list.PopRun(start)
	// O conteúdo entre dois pontos do anel é armazenado exatamente uma vez
	if !bytes.Equal(data, []byte("AAAACC")) {
		t.Fatalf("expected AAAACC, got %q", data)
	}
}

func TestRecvChunkList_FullyDominatedDropped(t *testing.T) {
	var list recvChunkList
	start := RingIndex(0)

	list.Add(0, 0, []byte("AAAAAAAA"), start)
	// Inteiramente dentro do chunk existente, com conteúdo diferente
	list.Add(2, 0, []byte("XX"), start)

	data := list.PopRun(start)
	if !bytes.Equal(data, []byte("AAAAAAAA")) {
		t.Fatalf("expected dominated chunk dropped, got %q", data)
	}
}

func TestRecvChunkList_FindMissing(t *testing.T) {
	var list recvChunkList
	start := RingIndex(0)

	list.Add(0, 0, []byte("AAAA"), start)  // [0,3]
	list.Add(8, 0, []byte("CCCC"), start)  // [8,11] — gap em 4
	list.Add(16, 0, []byte("EEEE"), start) // [16,19] — gap em 12

	missed := list.FindMissing(start)
	if len(missed) != 2 {
		t.Fatalf("expected 2 gaps, got %d", len(missed))
	}
	if missed[0].Expected != RingIndex(4) || missed[1].Expected != RingIndex(12) {
		t.Fatalf("unexpected gap offsets: %v", missed)
	}

	// Sem o primeiro chunk o gap é o próprio start
	list.PopRun(start)
	missed = list.FindMissing(RingIndex(4))
	if len(missed) == 0 || missed[0].Expected != RingIndex(4) {
		t.Fatalf("expected gap at 4, got %v", missed)
	}
}

func TestRecvChunkList_PopRunStopsAtGap(t *testing.T) {
	var list recvChunkList
	start := RingIndex(0)

	list.Add(0, 0, []byte("AA"), start)
	list.Add(2, 0, []byte("BB"), start)
	list.Add(6, 0, []byte("DD"), start) // gap em 4

	data := list.PopRun(start)
	if !bytes.Equal(data, []byte("AABB")) {
		t.Fatalf("expected AABB, got %q", data)
	}
	if list.Empty() {
		t.Fatal("chunk after the gap must remain")
	}
	if data := list.PopRun(RingIndex(4)); data != nil {
		t.Fatalf("expected nil at gap, got %q", data)
	}
}
