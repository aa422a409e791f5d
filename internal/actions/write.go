// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package actions

// WriteState é o estado de um handle de escrita assíncrona.
// A ordem numérica é usada pelo roll-up de réplicas (MAX elemento a elemento):
// Queued < Sending < Done < Stopped < Timeout < Failed.
type WriteState int

const (
	WriteQueued WriteState = iota
	WriteSending
	WriteDone
	WriteStopped
	WriteTimeout
	WriteFailed
)

// String implementa fmt.Stringer.
func (s WriteState) String() string {
	switch s {
	case WriteQueued:
		return "queued"
	case WriteSending:
		return "sending"
	case WriteDone:
		return "done"
	case WriteStopped:
		return "stopped"
	case WriteTimeout:
		return "timeout"
	case WriteFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal retorna true para estados finais.
func (s WriteState) Terminal() bool {
	switch s {
	case WriteDone, WriteStopped, WriteTimeout, WriteFailed:
		return true
	default:
		return false
	}
}

// WriteHandle representa o resultado pendente de uma escrita. Nenhuma operação
// falível propaga erro por panic ou canal: o chamador observa o estado terminal
// (Done | Stopped | Timeout | Failed) via OnState ou State.
//
// Todos os métodos devem ser chamados do goroutine do loop de atualização.
type WriteHandle struct {
	state     WriteState
	listeners []func(WriteState)
	stopFn    func()
}

// NewWriteHandle cria um handle no estado Queued.
func NewWriteHandle() *WriteHandle {
	return &WriteHandle{state: WriteQueued}
}

// FailedWriteHandle cria um handle já resolvido como Failed (escrita rejeitada
// sincronamente, ex: buffer cheio ou nenhum servidor selecionado).
func FailedWriteHandle() *WriteHandle {
	return &WriteHandle{state: WriteFailed}
}

// State retorna o estado corrente.
func (h *WriteHandle) State() WriteState { return h.state }

// OnState registra um listener de transição de estado. Se o handle já está em
// estado terminal, o listener é invocado imediatamente.
func (h *WriteHandle) OnState(fn func(WriteState)) {
	if h.state.Terminal() {
		fn(h.state)
		return
	}
	h.listeners = append(h.listeners, fn)
}

// SetState efetua uma transição de estado e notifica os listeners.
// Transições a partir de um estado terminal são ignoradas.
func (h *WriteHandle) SetState(s WriteState) {
	if h.state.Terminal() || s == h.state {
		return
	}
	h.state = s
	listeners := h.listeners
	if s.Terminal() {
		h.listeners = nil
	}
	for _, fn := range listeners {
		fn(s)
	}
}

// SetStopFunc define o comportamento de Stop (ex: fan-out para réplicas ou
// remoção de uma entrada bufferizada).
func (h *WriteHandle) SetStopFunc(fn func()) { h.stopFn = fn }

// Stop solicita o cancelamento da escrita. Melhor esforço: um handle sem
// stopFn em estado não terminal vai direto para Stopped.
func (h *WriteHandle) Stop() {
	if h.state.Terminal() {
		return
	}
	if h.stopFn != nil {
		h.stopFn()
		return
	}
	h.SetState(WriteStopped)
}

// Adopt encadeia este handle ao estado de um handle downstream: o estado
// corrente é copiado e transições futuras são propagadas. Usado quando uma
// escrita bufferizada é finalmente entregue ao stream real.
func (h *WriteHandle) Adopt(downstream *WriteHandle) {
	h.stopFn = downstream.Stop
	h.SetState(downstream.State())
	downstream.OnState(func(s WriteState) { h.SetState(s) })
}

// MaxWriteState retorna o maior estado segundo a ordem de roll-up.
func MaxWriteState(a, b WriteState) WriteState {
	if a > b {
		return a
	}
	return b
}
