// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package safestream

import (
	"sort"
	"time"
)

// SendingChunk registra um datagrama em voo: range de offsets, instante do
// último envio e contagem de repetições nesta sessão.
type SendingChunk struct {
	Range       OffsetRange
	SendTime    time.Time
	RepeatCount uint8
}

// sendingChunks é a lista ordenada de chunks em voo. Ranges contíguos e sem
// sobreposição; append à direita, truncamento pela esquerda no ack.
type sendingChunks struct {
	chunks []*SendingChunk
}

// Register localiza o chunk existente com o mesmo range (retransmissão) ou
// registra um novo. Em ambos os casos o send time é atualizado.
func (c *sendingChunks) Register(left, right RingIndex, now time.Time) *SendingChunk {
	for _, ch := range c.chunks {
		if ch.Range.Left == left && ch.Range.Right == right {
			ch.SendTime = now
			return ch
		}
	}
	ch := &SendingChunk{
		Range:    OffsetRange{Left: left, Right: right},
		SendTime: now,
	}
	c.chunks = append(c.chunks, ch)
	return ch
}

// RemoveThrough descarta os chunks cujo range termina antes de offset.
func (c *sendingChunks) RemoveThrough(offset RingIndex) {
	kept := c.chunks[:0]
	for _, ch := range c.chunks {
		if ch.Range.Before(offset) {
			continue
		}
		kept = append(kept, ch)
	}
	c.chunks = kept
}

// Front retorna o chunk mais antigo em voo, ou nil.
func (c *sendingChunks) Front() *SendingChunk {
	if len(c.chunks) == 0 {
		return nil
	}
	return c.chunks[0]
}

// Empty retorna true quando não há chunks em voo.
func (c *sendingChunks) Empty() bool { return len(c.chunks) == 0 }

// Clear descarta todos os chunks.
func (c *sendingChunks) Clear() { c.chunks = nil }

// AddResult classifica a inserção de um chunk recebido.
type AddResult int

const (
	// AddInserted indica que o chunk trouxe bytes novos.
	AddInserted AddResult = iota
	// AddDuplicate indica um duplicado exato de um chunk já armazenado.
	AddDuplicate
	// AddConfirmed indica um chunk inteiramente anterior a last_emitted.
	AddConfirmed
)

// ReceivingChunk é um chunk recebido fora de ordem, aguardando emissão.
type ReceivingChunk struct {
	Offset      RingIndex
	Data        []byte
	begin, end  int
	RepeatCount uint8
}

// Size retorna os bytes úteis do chunk.
func (r *ReceivingChunk) Size() int { return r.end - r.begin }

// Bytes retorna a janela útil do payload.
func (r *ReceivingChunk) Bytes() []byte { return r.Data[r.begin:r.end] }

// Range retorna o range de offsets coberto pelo chunk.
func (r *ReceivingChunk) Range() OffsetRange {
	return NewOffsetRange(r.Offset, uint16(r.Size()))
}

// MissedChunk descreve um gap: o offset esperado que ainda não chegou.
type MissedChunk struct {
	Expected RingIndex
}

// recvChunkList armazena chunks recebidos em qualquer ordem. Após normalize,
// a lista fica ordenada por offset, sem chunks dominados e com sobreposições
// aparadas: o conteúdo entre dois pontos do anel é armazenado exatamente uma vez.
type recvChunkList struct {
	chunks []*ReceivingChunk
}

// Add insere um chunk recebido. start é o last_emitted corrente: chunks
// inteiramente anteriores já foram entregues e são descartados.
func (l *recvChunkList) Add(offset RingIndex, repeat uint8, data []byte, start RingIndex) AddResult {
	if len(data) == 0 {
		return AddConfirmed
	}
	incoming := NewOffsetRange(offset, uint16(len(data)))
	if incoming.Before(start) {
		return AddConfirmed
	}

	for _, ch := range l.chunks {
		if ch.Offset == offset && ch.Size() == len(data) {
			if repeat > ch.RepeatCount {
				ch.RepeatCount = repeat
			}
			return AddDuplicate
		}
	}

	l.chunks = append(l.chunks, &ReceivingChunk{
		Offset:      offset,
		Data:        data,
		end:         len(data),
		RepeatCount: repeat,
	})
	l.normalize(start)
	return AddInserted
}

// normalize ordena por offset e apara sobreposições: um chunk que invade o
// território do vizinho à esquerda perde o prefixo; chunks dominados ou
// esvaziados somem.
func (l *recvChunkList) normalize(start RingIndex) {
	sort.SliceStable(l.chunks, func(i, j int) bool {
		return start.Distance(l.chunks[i].Offset) < start.Distance(l.chunks[j].Offset)
	})

	next := start - 1
	kept := l.chunks[:0]
	for _, ch := range l.chunks {
		rng := ch.Range()
		if !next.IsBefore(rng.Right) {
			// Dominado: inteiramente coberto pelo vizinho à esquerda ou já emitido.
			continue
		}
		if rng.Contains(next) {
			distance := ch.Offset.Distance(next + 1)
			ch.Offset = ch.Offset.Add(uint16(distance))
			if ch.Size() > distance {
				ch.begin += distance
			} else {
				ch.begin = ch.end
			}
		}
		next = rng.Right
		if ch.Size() == 0 {
			continue
		}
		kept = append(kept, ch)
	}
	l.chunks = kept
}

// PopRun remove e junta a cadeia contígua que começa exatamente em start.
// Chunks dominados (inteiramente antes do ponto corrente da cadeia) são
// descartados no caminho. Retorna nil se o primeiro chunk ainda não chegou.
func (l *recvChunkList) PopRun(start RingIndex) []byte {
	next := start
	count := 0
	var data []byte
	for _, ch := range l.chunks {
		if ch.Range().Before(next) {
			// Conteúdo já coberto pela cadeia ou por emissão anterior.
			count++
			continue
		}
		if ch.Offset != next {
			break
		}
		data = append(data, ch.Bytes()...)
		next = next.Add(uint16(ch.Size()))
		count++
	}
	if count > 0 {
		l.chunks = append([]*ReceivingChunk{}, l.chunks[count:]...)
	}
	return data
}

// FindMissing enumera os gaps a partir de start: para cada descontinuidade,
// o offset esperado que está faltando.
func (l *recvChunkList) FindMissing(start RingIndex) []MissedChunk {
	var missed []MissedChunk
	next := start
	for _, ch := range l.chunks {
		if ch.Range().Before(next) {
			continue
		}
		if ch.Offset != next {
			missed = append(missed, MissedChunk{Expected: next})
		}
		next = ch.Offset.Add(uint16(ch.Size()))
	}
	return missed
}

// Empty retorna true quando não há chunks pendentes.
func (l *recvChunkList) Empty() bool { return len(l.chunks) == 0 }

// Clear descarta todos os chunks (reset de sessão).
func (l *recvChunkList) Clear() { l.chunks = nil }
