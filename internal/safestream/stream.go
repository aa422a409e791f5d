// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package safestream

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nishisan-dev/n-mesh/internal/actions"
	"github.com/nishisan-dev/n-mesh/internal/protocol"
	"github.com/nishisan-dev/n-mesh/internal/tele"
)

// State é o estado do handshake de sessão.
type State int

const (
	// StateInit: nenhum datagrama enviado ainda.
	StateInit State = iota
	// StateWaitInitAck: Init enviado, aguardando InitAck.
	StateWaitInitAck
	// StateInitAck: Init do par recebido, InitAck pendente.
	StateInitAck
	// StateInitAckReconfigure: como StateInitAck, mas o par propôs janela ou
	// payload maiores que o configurado localmente.
	StateInitAckReconfigure
	// StateInitiated: sessão estabelecida.
	StateInitiated
	// StateReInit: reenvio de Init após timeout do handshake.
	StateReInit
)

// String implementa fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWaitInitAck:
		return "wait_init_ack"
	case StateInitAck:
		return "init_ack"
	case StateInitAckReconfigure:
		return "init_ack_reconfigure"
	case StateInitiated:
		return "initiated"
	case StateReInit:
		return "reinit"
	default:
		return "unknown"
	}
}

// unknownPeerCap é o cap de payload do par antes da negociação.
const unknownPeerCap = ^uint16(0)

// Stream é um safe stream completo: metade de envio, metade de recepção e a
// máquina de estados do handshake, falando o codec do pacote protocol por
// cima de um escritor de datagramas downstream.
//
// Stream implementa actions.Action; todo acesso deve vir do loop de atualização.
type Stream struct {
	cfg    Config
	logger *slog.Logger
	out    func([]byte) *actions.WriteHandle

	send *sendHalf
	recv *recvHalf

	state State
	now   time.Time

	// Estado do handshake iniciador.
	sendReqID      uint32
	sentInitAt     time.Time
	sentInitRepeat uint8

	// Estado do handshake receptor.
	hasPeerReq  bool
	peerReqID   uint32
	peerRepeat  uint8
	peerBegin   RingIndex

	// Negociação de janela e payload.
	window   uint16
	localCap uint16
	peerCap  uint16
}

// New cria um Stream. out escreve um datagrama no stream downstream e deliver
// recebe os bytes ordenados entregues ao usuário.
func New(cfg Config, logger *slog.Logger, out func([]byte) *actions.WriteHandle, deliver func([]byte)) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stream{
		cfg:       cfg,
		logger:    logger,
		out:       out,
		state:     StateInit,
		sendReqID: rand.Uint32() / 2,
		window:    cfg.WindowSize,
		peerCap:   unknownPeerCap,
	}
	begin := RingIndex(rand.Uint32() % (1 << 16))
	s.send = newSendHalf(cfg, begin, s.pushChunk, logger)
	s.recv = newRecvHalf(cfg, deliver, s.sendAck, s.sendRepeatRequest, logger)
	return s, nil
}

// State retorna o estado corrente do handshake.
func (s *Stream) State() State { return s.state }

// BufferedSize retorna os bytes de usuário ainda não confirmados.
func (s *Stream) BufferedSize() int { return s.send.bufferedSize() }

// SetMaxPacketSize informa o tamanho máximo de datagrama do transporte ativo.
// O payload efetivo desconta o overhead do protocolo; transporte menor que o
// overhead zera o payload e suspende o envio.
func (s *Stream) SetMaxPacketSize(n int) {
	if n <= protocol.Overhead {
		s.localCap = 0
	} else if n-protocol.Overhead > int(unknownPeerCap) {
		s.localCap = unknownPeerCap
	} else {
		s.localCap = uint16(n - protocol.Overhead)
	}
	s.applyPayloadCap()
}

// Send enfileira bytes do usuário para envio confiável. Falha sincronamente
// com ErrBufferFull quando o buffer de envio está cheio.
func (s *Stream) Send(data []byte) (*SendingAction, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("safestream: empty send")
	}
	return s.send.sendData(data)
}

// Update implementa actions.Action: avança o handshake, transmite e entrega.
func (s *Stream) Update(now time.Time) actions.UpdateStatus {
	s.now = now

	var st actions.UpdateStatus
	switch s.state {
	case StateInitAck, StateInitAckReconfigure:
		s.flushInitAck()
	case StateWaitInitAck:
		deadline := s.sentInitAt.Add(s.cfg.WaitAckTimeout)
		if deadline.After(now) {
			st = actions.Delay(deadline)
		} else if s.sentInitRepeat <= s.cfg.MaxRepeatCount {
			s.logger.Debug("init ack timeout, re-initiating", "repeat", s.sentInitRepeat)
			s.sendInit(now)
		} else {
			s.logger.Warn("init repeat budget exceeded, handshake stalled")
		}
	case StateReInit:
		s.sendInit(now)
	}

	st = actions.Merge(st, s.send.update(now))
	return actions.Merge(st, s.recv.update(now))
}

// HandleDatagram processa um datagrama vindo do stream downstream. Um
// datagrama pode carregar vários frames (Init cumulativo + Data).
func (s *Stream) HandleDatagram(data []byte, now time.Time) error {
	s.now = now
	msgs, err := protocol.DecodeAll(data)
	if err != nil {
		return fmt.Errorf("decoding datagram: %w", err)
	}
	for _, m := range msgs {
		switch v := m.(type) {
		case protocol.Init:
			s.onInit(v)
		case protocol.InitAck:
			s.onInitAck(v)
		case protocol.Ack:
			s.onAck(v)
		case protocol.RepeatRequest:
			s.onRepeatRequest(v)
		case protocol.Data:
			s.onData(v)
		}
	}
	return nil
}

func (s *Stream) onInit(m protocol.Init) {
	s.logger.Debug("init received",
		"req_id", m.ReqID,
		"offset", m.Params.Offset,
		"window", m.Params.WindowSize,
		"max_payload", m.Params.MaxPayload,
	)

	if s.hasPeerReq && s.peerReqID == m.ReqID {
		// Init duplicado: um repeat maior pede o reenvio do InitAck.
		if s.peerRepeat < m.Repeat {
			s.peerRepeat = m.Repeat
			if s.state == StateInitiated {
				s.state = StateInitAck
			}
		}
		return
	}

	if s.cfg.WindowSize < m.Params.WindowSize || s.localCap < m.Params.MaxPayload {
		// O par propôs valores maiores que os locais: responde com os
		// mínimos e espera que ele reconfigure.
		s.state = StateInitAckReconfigure
	} else {
		s.state = StateInitAck
	}

	s.hasPeerReq = true
	s.peerReqID = m.ReqID
	s.peerRepeat = m.Repeat
	s.peerBegin = RingIndex(m.Params.Offset)

	s.adoptParams(m.Params.WindowSize, m.Params.MaxPayload)

	// Com a fila de envio intocada, alinha o espaço de offsets ao iniciador.
	if s.send.bufferedSize() == 0 && s.send.lastAdded == s.send.begin {
		s.send.setOffset(s.peerBegin)
	}
}

func (s *Stream) onInitAck(m protocol.InitAck) {
	if s.state != StateWaitInitAck {
		s.logger.Debug("stale init ack ignored", "req_id", m.ReqID)
		return
	}
	if m.ReqID != s.sendReqID {
		s.logger.Debug("init ack for unknown req id ignored", "req_id", m.ReqID)
		return
	}
	s.adoptParams(m.Params.WindowSize, m.Params.MaxPayload)
	s.state = StateInitiated
}

func (s *Stream) onAck(m protocol.Ack) {
	if !s.send.acknowledge(RingIndex(m.Offset)) {
		return
	}
	if s.state == StateWaitInitAck {
		// Um ack de dados também confirma a sessão (init cumulativo).
		s.state = StateInitiated
	}
}

func (s *Stream) onRepeatRequest(m protocol.RepeatRequest) {
	tele.Count(tele.RepeatRequestsReceived, 1)
	s.send.requestRepeat(RingIndex(m.Offset))
}

func (s *Stream) onData(m protocol.Data) {
	switch s.state {
	case StateInit:
		// Dados sem sessão local: dispara o nosso handshake e deixa o
		// retransmit do par entregar os dados de novo.
		s.logger.Warn("data received before session, re-initiating")
		s.state = StateReInit
		return
	case StateWaitInitAck, StateInitAckReconfigure:
		s.logger.Warn("data received during handshake, dropped", "state", s.state.String())
		return
	}
	tele.Count(tele.ChunksReceived, 1)
	s.recv.pushData(RingIndex(m.Begin), m.Delta, m.Repeat, m.Reset, m.Payload)
}

// pushChunk é o pushFunc da metade de envio: monta o datagrama, prefixando o
// Init cumulativo quando a sessão ainda não começou.
func (s *Stream) pushChunk(chunk DataChunk, delta uint16, repeat uint8) *actions.WriteHandle {
	var datagram []byte

	if s.state == StateInit {
		s.sendReqID++
		s.sentInitAt = s.now
		s.sentInitRepeat++
		datagram = protocol.AppendInit(datagram, protocol.Init{
			ReqID:  s.sendReqID,
			Repeat: s.sentInitRepeat - 1,
			Params: s.localParams(),
		})
		s.state = StateWaitInitAck
	}
	// O flag de reset acompanha todos os datagramas até o primeiro ack.
	reset := s.send.initState

	datagram = protocol.AppendData(datagram, protocol.Data{
		Repeat:  repeat,
		Reset:   reset,
		Begin:   uint16(s.send.begin),
		Delta:   delta,
		Payload: chunk.Data,
	})
	if repeat > 0 {
		tele.Count(tele.ChunksRetransmitted, 1)
	} else {
		tele.Count(tele.ChunksSent, 1)
	}
	return s.out(datagram)
}

func (s *Stream) sendInit(now time.Time) {
	s.sendReqID++
	s.sentInitAt = now
	s.sentInitRepeat++
	s.state = StateWaitInitAck
	s.out(protocol.AppendInit(nil, protocol.Init{
		ReqID:  s.sendReqID,
		Repeat: s.sentInitRepeat - 1,
		Params: s.localParams(),
	}))
}

func (s *Stream) flushInitAck() {
	if s.effectivePayload() == 0 {
		// Sem transporte dimensionado ainda; o InitAck espera.
		return
	}
	s.logger.Debug("sending init ack",
		"req_id", s.peerReqID,
		"window", s.window,
		"max_payload", s.effectivePayload(),
	)
	s.out(protocol.AppendInitAck(nil, protocol.InitAck{
		ReqID: s.peerReqID,
		Params: protocol.StreamParams{
			Offset:     uint16(s.peerBegin),
			WindowSize: s.window,
			MaxPayload: s.effectivePayload(),
		},
	}))
	s.state = StateInitiated
}

func (s *Stream) sendAck(offset RingIndex) {
	tele.Count(tele.AcksSent, 1)
	s.out(protocol.AppendAck(nil, protocol.Ack{Offset: uint16(offset)}))
}

func (s *Stream) sendRepeatRequest(offset RingIndex) {
	tele.Count(tele.RepeatRequestsSent, 1)
	s.out(protocol.AppendRepeatRequest(nil, protocol.RepeatRequest{Offset: uint16(offset)}))
}

// localParams são os parâmetros propostos por este lado no handshake.
func (s *Stream) localParams() protocol.StreamParams {
	return protocol.StreamParams{
		Offset:     uint16(s.send.begin),
		WindowSize: s.window,
		MaxPayload: s.localCap,
	}
}

// adoptParams aceita o mínimo elemento a elemento entre a proposta do par e a
// configuração local.
func (s *Stream) adoptParams(window, maxPayload uint16) {
	if window < s.window {
		s.window = window
	}
	if maxPayload < s.peerCap {
		s.peerCap = maxPayload
	}
	s.send.setConfig(s.window, s.cfg.WaitAckTimeout)
	s.applyPayloadCap()
}

func (s *Stream) effectivePayload() uint16 {
	if s.peerCap < s.localCap {
		return s.peerCap
	}
	return s.localCap
}

func (s *Stream) applyPayloadCap() {
	s.send.setMaxPayload(int(s.effectivePayload()))
}
