// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/n-mesh/internal/actions"
)

// PipeConfig parametriza o comportamento do link simulado.
type PipeConfig struct {
	// MaxPacketSize é o MTU do link. Datagramas maiores falham no envio.
	MaxPacketSize int

	// Latency é o atraso de entrega de cada datagrama.
	Latency time.Duration

	// LossRate é a probabilidade de descarte de um datagrama (0.0–1.0).
	LossRate float64

	// DupRate é a probabilidade de entrega duplicada (0.0–1.0).
	DupRate float64

	// BytesPerSec limita a banda via token bucket. 0 desabilita o shaping.
	BytesPerSec int64

	// BuildDelay simula o tempo de estabelecimento da conexão.
	BuildDelay time.Duration

	// FailConnect faz Connect resolver com erro.
	FailConnect bool

	// Seed alimenta o gerador determinístico de perda e duplicação.
	Seed uint64
}

// pipePacket é um datagrama em trânsito no link.
type pipePacket struct {
	data      []byte
	deliverAt time.Time
}

// Pipe é um transporte de loopback em memória: dois endpoints ligados por um
// link full-duplex com perda, duplicação, latência e banda configuráveis.
// Cada Endpoint implementa Transport e actions.Action; ambos devem ser
// registrados no mesmo loop de atualização.
type Pipe struct {
	A *Endpoint
	B *Endpoint
}

// NewPipe cria o par de endpoints ligados.
func NewPipe(cfg PipeConfig) *Pipe {
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = 1200
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	a := newEndpoint(cfg, rng)
	b := newEndpoint(cfg, rng)
	a.peer = b
	b.peer = a
	return &Pipe{A: a, B: b}
}

// Endpoint é uma ponta do pipe.
type Endpoint struct {
	cfg  PipeConfig
	rng  *rand.Rand
	peer *Endpoint

	state          ConnectionState
	connectPending bool
	connectAt      time.Time

	limiter *rate.Limiter

	queue []pipePacket

	recvFn    func(data []byte, now time.Time)
	connFn    func(ok bool)
	linkErrFn func()
}

func newEndpoint(cfg PipeConfig, rng *rand.Rand) *Endpoint {
	e := &Endpoint{
		cfg:   cfg,
		rng:   rng,
		state: StateDisconnected,
	}
	if cfg.BytesPerSec > 0 {
		burst := int(cfg.BytesPerSec)
		if burst > cfg.MaxPacketSize*4 {
			burst = cfg.MaxPacketSize * 4
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.BytesPerSec), burst)
	}
	return e
}

// ConnectionInfo implementa Transport.
func (e *Endpoint) ConnectionInfo() ConnectionInfo {
	return ConnectionInfo{
		MaxPacketSize: e.cfg.MaxPacketSize,
		State:         e.state,
	}
}

// Connect implementa Transport. O resultado resolve no próximo Update após
// BuildDelay.
func (e *Endpoint) Connect() {
	if e.state == StateConnected || e.state == StateConnecting {
		return
	}
	e.state = StateConnecting
	e.connectPending = true
	e.connectAt = time.Time{}
}

// OnConnectionResult implementa Transport.
func (e *Endpoint) OnConnectionResult(fn func(ok bool)) { e.connFn = fn }

// OnReceive implementa Transport.
func (e *Endpoint) OnReceive(fn func(data []byte, now time.Time)) { e.recvFn = fn }

// OnLinkError implementa Transport.
func (e *Endpoint) OnLinkError(fn func()) { e.linkErrFn = fn }

// Send implementa Transport: decide perda e duplicação, aplica shaping de
// banda e enfileira no peer.
func (e *Endpoint) Send(data []byte, now time.Time) *actions.WriteHandle {
	handle := actions.NewWriteHandle()
	if e.state != StateConnected {
		handle.SetState(actions.WriteFailed)
		return handle
	}
	if len(data) > e.cfg.MaxPacketSize {
		handle.SetState(actions.WriteFailed)
		return handle
	}

	handle.SetState(actions.WriteSending)

	delay := e.cfg.Latency
	if e.limiter != nil {
		res := e.limiter.ReserveN(now, len(data))
		if !res.OK() {
			handle.SetState(actions.WriteFailed)
			return handle
		}
		delay += res.DelayFrom(now)
	}

	if e.rng.Float64() >= e.cfg.LossRate {
		e.enqueueToPeer(data, now.Add(delay))
		if e.cfg.DupRate > 0 && e.rng.Float64() < e.cfg.DupRate {
			e.enqueueToPeer(data, now.Add(delay+e.cfg.Latency))
		}
	}

	handle.SetState(actions.WriteDone)
	return handle
}

func (e *Endpoint) enqueueToPeer(data []byte, at time.Time) {
	packet := pipePacket{data: append([]byte(nil), data...), deliverAt: at}
	e.peer.queue = append(e.peer.queue, packet)
}

// FailLink derruba o link deste endpoint: a fila é descartada e o callback de
// erro de link dispara.
func (e *Endpoint) FailLink() {
	e.state = StateError
	e.queue = nil
	if e.linkErrFn != nil {
		e.linkErrFn()
	}
}

// Update implementa actions.Action: resolve conexões pendentes e entrega os
// datagramas vencidos.
func (e *Endpoint) Update(now time.Time) actions.UpdateStatus {
	var next time.Time

	if e.connectPending {
		if e.connectAt.IsZero() {
			e.connectAt = now.Add(e.cfg.BuildDelay)
		}
		if e.connectAt.After(now) {
			next = e.connectAt
		} else {
			e.connectPending = false
			if e.cfg.FailConnect {
				e.state = StateError
				if e.connFn != nil {
					e.connFn(false)
				}
			} else {
				e.state = StateConnected
				if e.connFn != nil {
					e.connFn(true)
				}
			}
		}
	}

	kept := e.queue[:0]
	for _, p := range e.queue {
		if p.deliverAt.After(now) {
			if next.IsZero() || p.deliverAt.Before(next) {
				next = p.deliverAt
			}
			kept = append(kept, p)
			continue
		}
		if e.state == StateConnected && e.recvFn != nil {
			e.recvFn(p.data, now)
		}
	}
	e.queue = kept

	if next.IsZero() {
		return actions.Continue()
	}
	return actions.Delay(next)
}
