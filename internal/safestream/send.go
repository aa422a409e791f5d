// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package safestream

import (
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-mesh/internal/actions"
)

// pushFunc entrega um chunk pronto ao encoder do stream. repeat é a contagem
// de retransmissões do chunk (0 no primeiro envio); o flag de reset é decidido
// pelo stream a partir de initState. Retorna o handle da escrita no transporte.
type pushFunc func(chunk DataChunk, delta uint16, repeat uint8) *actions.WriteHandle

// sendHalf é a metade de envio do safe stream: fatiamento, janela deslizante,
// registro de chunks em voo e timer de retransmissão.
type sendHalf struct {
	push   pushFunc
	logger *slog.Logger

	begin     RingIndex // session_begin: primeiro byte não confirmado
	lastSent  RingIndex // próximo byte a transmitir
	lastAdded RingIndex // próximo offset livre para Send

	// initState fica true até o primeiro ack da sessão; os datagramas
	// enviados nesse período carregam o flag de reset.
	initState bool

	maxRepeat      uint8
	maxPayload     int
	window         uint16
	bufferCapacity int
	waitAck        time.Duration
	growFactor     float64

	buf    SendBuffer
	chunks sendingChunks
}

func newSendHalf(cfg Config, begin RingIndex, push pushFunc, logger *slog.Logger) *sendHalf {
	return &sendHalf{
		push:           push,
		logger:         logger,
		begin:          begin,
		lastSent:       begin,
		lastAdded:      begin,
		initState:      true,
		maxRepeat:      cfg.MaxRepeatCount,
		window:         cfg.WindowSize,
		bufferCapacity: cfg.BufferCapacity,
		waitAck:        cfg.WaitAckTimeout,
		growFactor:     cfg.RTOGrowFactor,
	}
}

// setConfig aplica os parâmetros negociados no handshake.
func (s *sendHalf) setConfig(window uint16, waitAck time.Duration) {
	s.window = window
	s.waitAck = waitAck
}

// setOffset realinha o começo da sessão (apenas durante o handshake,
// antes de qualquer dado em voo).
func (s *sendHalf) setOffset(begin RingIndex) {
	s.begin = begin
	s.lastSent = begin
	s.lastAdded = begin
}

// setMaxPayload define o payload máximo por datagrama já descontado o
// overhead do protocolo.
func (s *sendHalf) setMaxPayload(n int) {
	if n < 0 {
		n = 0
	}
	s.maxPayload = n
}

// bufferedSize retorna os bytes não confirmados no buffer de envio.
func (s *sendHalf) bufferedSize() int { return s.buf.Size() }

// sendData enfileira bytes do usuário. Falha sincronamente quando o buffer
// excederia a capacidade configurada.
func (s *sendHalf) sendData(data []byte) (*SendingAction, error) {
	if s.buf.Size()+len(data) > s.bufferCapacity {
		return nil, ErrBufferFull
	}
	action := s.buf.Add(s.lastAdded, data)
	s.lastAdded = s.lastAdded.Add(uint16(len(data)))

	action.stopFn = func() {
		removed := s.buf.StopAt(action.offset)
		s.lastAdded -= RingIndex(removed)
	}
	return action, nil
}

// acknowledge aplica um ack cumulativo. Retorna false para acks obsoletos.
func (s *sendHalf) acknowledge(offset RingIndex) bool {
	if s.begin.IsAfter(offset) {
		return false
	}
	s.initState = false
	s.chunks.RemoveThrough(offset)
	s.buf.Ack(offset)
	s.begin = offset
	return true
}

// requestRepeat rebobina last_sent para offset se ele cai dentro do range
// já transmitido [begin, lastSent].
func (s *sendHalf) requestRepeat(offset RingIndex) {
	if s.lastSent.IsBefore(offset) {
		s.logger.Debug("repeat request for unsent offset ignored", "offset", uint16(offset))
		return
	}
	if offset.IsBefore(s.begin) {
		return
	}
	s.lastSent = offset
}

// update transmite o que couber na janela e agenda o timer de retransmissão.
func (s *sendHalf) update(now time.Time) actions.UpdateStatus {
	if s.maxPayload == 0 {
		return actions.Continue()
	}

	for {
		s.pump(now)

		front := s.chunks.Front()
		if front == nil {
			return actions.Continue()
		}
		deadline := front.SendTime.Add(s.effectiveTimeout(front.RepeatCount))
		if deadline.After(now) {
			return actions.Delay(deadline)
		}
		// RTO expirou: rebobina para o chunk mais antigo e retransmite.
		s.logger.Debug("retransmit timeout",
			"offset", uint16(front.Range.Left),
			"repeat", front.RepeatCount,
		)
		s.lastSent = front.Range.Left
	}
}

// pump fatia e transmite chunks a partir de last_sent até esvaziar o buffer
// ou estancar na janela.
func (s *sendHalf) pump(now time.Time) {
	for {
		chunk := s.buf.Slice(s.lastSent, s.maxPayload)
		if len(chunk.Data) == 0 {
			return
		}

		delta := s.begin.Distance(chunk.Offset)
		deltaEnd := delta + len(chunk.Data)
		if deltaEnd > int(s.window) {
			// Janela cheia: aguarda confirmação.
			return
		}
		s.lastSent = s.begin.Add(uint16(deltaEnd))

		end := chunk.Offset.Add(uint16(len(chunk.Data)))
		sch := s.chunks.Register(chunk.Offset, end-1, now)
		repeat := sch.RepeatCount
		sch.RepeatCount++
		if sch.RepeatCount > s.maxRepeat {
			s.logger.Warn("repeat budget exceeded, rejecting pending bytes",
				"offset", uint16(chunk.Offset),
				"repeat", repeat,
			)
			s.reject(end)
			continue
		}

		handle := s.push(chunk, uint16(delta), repeat)
		if handle == nil {
			continue
		}
		handle.OnState(func(st actions.WriteState) {
			switch st {
			case actions.WriteFailed, actions.WriteTimeout:
				s.chunks.RemoveThrough(end)
				s.buf.Reject(end)
			case actions.WriteStopped:
				s.chunks.RemoveThrough(end)
				s.buf.StopThrough(end)
			}
		})
	}
}

// reject descarta tudo que termina em ou antes de end e avança a sessão,
// deixando o stream operante para os bytes seguintes.
func (s *sendHalf) reject(end RingIndex) {
	s.chunks.RemoveThrough(end)
	s.buf.Reject(end)
	s.begin = end
	if end.IsAfter(s.lastSent) {
		s.lastSent = end
	}
}

func (s *sendHalf) effectiveTimeout(repeat uint8) time.Duration {
	factor := s.growFactor * float64(int(repeat)-1)
	if factor < 1 {
		factor = 1
	}
	return time.Duration(float64(s.waitAck) * factor)
}
