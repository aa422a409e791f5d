// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package safestream

import (
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-mesh/internal/actions"
)

// recvHalf é a metade de recepção do safe stream: lista de chunks, detecção
// de gaps, entrega ordenada e pacing de acks e repeat requests.
type recvHalf struct {
	sendAck       func(RingIndex)
	sendRepeatReq func(RingIndex)
	deliver       func([]byte)
	logger        *slog.Logger

	started      bool
	sessionStart RingIndex
	begin        RingIndex
	lastEmitted  RingIndex

	chunks recvChunkList

	ackPending     bool
	ackDeadline    time.Time
	repeatDeadline time.Time

	sendAckDelay      time.Duration
	sendRepeatTimeout time.Duration
}

func newRecvHalf(cfg Config, deliver func([]byte), sendAck, sendRepeatReq func(RingIndex), logger *slog.Logger) *recvHalf {
	return &recvHalf{
		sendAck:           sendAck,
		sendRepeatReq:     sendRepeatReq,
		deliver:           deliver,
		logger:            logger,
		sendAckDelay:      cfg.SendAckDelay,
		sendRepeatTimeout: cfg.SendRepeatTimeout,
	}
}

// setConfig aplica os parâmetros negociados no handshake.
func (r *recvHalf) setConfig(sendAckDelay, sendRepeatTimeout time.Duration) {
	r.sendAckDelay = sendAckDelay
	r.sendRepeatTimeout = sendRepeatTimeout
}

// pushData processa um frame Data: sincronização de sessão e inserção do
// chunk na lista.
func (r *recvHalf) pushData(begin RingIndex, delta uint16, repeat uint8, reset bool, payload []byte) {
	if !r.started {
		// Primeiro datagrama: sincroniza com o emissor.
		r.started = true
		r.sessionStart = begin
		r.begin = begin
		r.lastEmitted = begin
	} else if reset && begin != r.sessionStart {
		// Novo session_begin com flag de reset: o emissor reiniciou a
		// sessão. Descarta tudo e ressincroniza, sem erro visível.
		r.logger.Debug("session reset",
			"old_begin", uint16(r.sessionStart),
			"new_begin", uint16(begin),
		)
		r.sessionStart = begin
		r.begin = begin
		r.lastEmitted = begin
		r.chunks.Clear()
		r.ackPending = false
		r.ackDeadline = time.Time{}
		r.repeatDeadline = time.Time{}
	}

	offset := begin.Add(delta)
	switch r.chunks.Add(offset, repeat, payload, r.lastEmitted) {
	case AddDuplicate:
		r.logger.Debug("duplicate chunk", "offset", uint16(offset), "repeat", repeat)
	case AddConfirmed:
		// Chunk inteiro já entregue: reforça o ack cumulativo.
		r.ackPending = true
	default:
		r.ackPending = true
	}
}

// update entrega cadeias completas e verifica os deadlines de ack e de
// repeat request.
func (r *recvHalf) update(now time.Time) actions.UpdateStatus {
	r.emitCompleted()
	return actions.Merge(r.checkAck(now), r.checkMissing(now))
}

// emitCompleted drena a cadeia contígua no início da lista e a entrega como
// um único evento, na ordem original do emissor.
func (r *recvHalf) emitCompleted() {
	if !r.started {
		return
	}
	data := r.chunks.PopRun(r.lastEmitted)
	if data == nil {
		return
	}
	r.lastEmitted = r.lastEmitted.Add(uint16(len(data)))
	r.ackPending = true
	r.deliver(data)
}

func (r *recvHalf) checkAck(now time.Time) actions.UpdateStatus {
	if !r.ackPending {
		r.ackDeadline = time.Time{}
		return actions.Continue()
	}
	if r.ackDeadline.IsZero() {
		r.ackDeadline = now.Add(r.sendAckDelay)
	}
	if r.ackDeadline.After(now) {
		return actions.Delay(r.ackDeadline)
	}
	r.ackDeadline = time.Time{}
	r.ackPending = false
	r.sendAck(r.lastEmitted)
	return actions.Continue()
}

func (r *recvHalf) checkMissing(now time.Time) actions.UpdateStatus {
	if r.chunks.Empty() {
		r.repeatDeadline = time.Time{}
		return actions.Continue()
	}
	if r.repeatDeadline.IsZero() {
		r.repeatDeadline = now.Add(r.sendRepeatTimeout)
	}
	if r.repeatDeadline.After(now) {
		return actions.Delay(r.repeatDeadline)
	}
	r.repeatDeadline = time.Time{}

	missed := r.chunks.FindMissing(r.lastEmitted)
	if len(missed) == 0 {
		return actions.Continue()
	}
	min := missed[0].Expected
	for _, m := range missed[1:] {
		if m.Expected.IsBefore(min) {
			min = m.Expected
		}
	}
	r.logger.Debug("requesting repeat",
		"offset", uint16(min),
		"last_emitted", uint16(r.lastEmitted),
	)
	r.sendRepeatReq(min)
	return actions.Continue()
}
