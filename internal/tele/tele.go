// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package tele é o sink de telemetria do processo: um slot único, configurado
// no início do programa e nunca depois. Os pontos de coleta guardam apenas
// referências não-proprietárias; sem sink instalado, toda coleta é um no-op —
// o comportamento do core independe da presença de telemetria.
package tele

// Counter identifica um contador de telemetria.
type Counter string

// Contadores do core.
const (
	ChunksSent             Counter = "chunks_sent"
	ChunksRetransmitted    Counter = "chunks_retransmitted"
	ChunksReceived         Counter = "chunks_received"
	AcksSent               Counter = "acks_sent"
	RepeatRequestsSent     Counter = "repeat_requests_sent"
	RepeatRequestsReceived Counter = "repeat_requests_received"
	ChannelFailovers       Counter = "channel_failovers"
	ServerErrors           Counter = "server_errors"
	QuarantineEvents       Counter = "quarantine_events"
	WritesBuffered         Counter = "writes_buffered"
)

// Trap recebe os eventos de telemetria coletados pelo core.
type Trap interface {
	Count(c Counter, delta int)
}

// sink é o slot global. Escrito uma única vez por SetSink antes de qualquer
// coleta; lido sem sincronização pelo loop de atualização.
var sink Trap

// SetSink instala o trap do processo. Deve ser chamado no início do programa,
// antes do loop de atualização; chamadas posteriores substituem o slot sem
// sincronização e não são suportadas.
func SetSink(t Trap) { sink = t }

// Count incrementa um contador no sink instalado, se houver.
func Count(c Counter, delta int) {
	if sink == nil {
		return
	}
	sink.Count(c, delta)
}
