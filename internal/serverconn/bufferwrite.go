// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package serverconn

import (
	"log/slog"

	"github.com/nishisan-dev/n-mesh/internal/actions"
	"github.com/nishisan-dev/n-mesh/internal/tele"
)

// DefaultBufferCapacity é o limite padrão de escritas bufferizadas em voo.
const DefaultBufferCapacity = 100

// bufferEntry é uma escrita retida aguardando o link.
type bufferEntry struct {
	handle *actions.WriteHandle
	data   []byte
}

// BufferWrite retém escritas enquanto o canal não está linkado e as drena em
// ordem FIFO quando o link sobe. Cada entrada drenada herda o estado da
// escrita real no stream downstream.
type BufferWrite struct {
	direct    func(data []byte) *actions.WriteHandle
	logger    *slog.Logger
	capacity  int
	buffering bool
	entries   []*bufferEntry
}

// NewBufferWrite cria um BufferWrite ligado (buffering ativo).
func NewBufferWrite(capacity int, direct func([]byte) *actions.WriteHandle, logger *slog.Logger) *BufferWrite {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &BufferWrite{
		direct:    direct,
		logger:    logger,
		capacity:  capacity,
		buffering: true,
	}
}

// Buffering retorna true quando as escritas estão sendo retidas.
func (b *BufferWrite) Buffering() bool { return b.buffering }

// Pending retorna o número de escritas retidas.
func (b *BufferWrite) Pending() int { return len(b.entries) }

// BufferOn reativa a retenção (link caiu).
func (b *BufferWrite) BufferOn() { b.buffering = true }

// BufferOff desativa a retenção e drena o que estiver pendente.
func (b *BufferWrite) BufferOff() {
	b.buffering = false
	b.drain()
}

// Write entrega a escrita direto ao stream quando o link está ativo; caso
// contrário retém. Acima da capacidade, falha sincronamente.
func (b *BufferWrite) Write(data []byte) *actions.WriteHandle {
	if !b.buffering && len(b.entries) == 0 {
		return b.direct(data)
	}

	if len(b.entries) >= b.capacity {
		b.logger.Warn("write buffer full", "capacity", b.capacity)
		return actions.FailedWriteHandle()
	}

	entry := &bufferEntry{
		handle: actions.NewWriteHandle(),
		data:   data,
	}
	entry.handle.SetStopFunc(func() { b.remove(entry) })
	b.entries = append(b.entries, entry)
	tele.Count(tele.WritesBuffered, 1)
	return entry.handle
}

// Drop falha todas as escritas retidas (erro terminal do servidor).
func (b *BufferWrite) Drop() {
	for _, entry := range b.entries {
		entry.handle.SetState(actions.WriteFailed)
	}
	b.entries = nil
}

// drain entrega as entradas retidas em ordem FIFO.
func (b *BufferWrite) drain() {
	i := 0
	for ; i < len(b.entries); i++ {
		if b.buffering {
			// O estado pode mudar durante uma escrita direta.
			break
		}
		wa := b.direct(b.entries[i].data)
		if wa == nil {
			break
		}
		b.entries[i].handle.Adopt(wa)
	}
	b.entries = append(b.entries[:0], b.entries[i:]...)
}

// remove tira uma entrada retida do buffer e a marca como Stopped.
func (b *BufferWrite) remove(target *bufferEntry) {
	for i, entry := range b.entries {
		if entry == target {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			entry.handle.SetState(actions.WriteStopped)
			return
		}
	}
}
