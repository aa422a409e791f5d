// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package safestream transforma um pipe de datagramas não confiável e com MTU
// variável em um byte stream ordenado com entrega at-most-once, controle de
// fluxo por janela deslizante e ressincronização de sessão.
package safestream

// RingIndex é um offset de 16 bits com aritmética modular. A distância com
// sinal entre dois índices é recuperável enquanto todos os offsets vivos
// estiverem numa janela estritamente menor que 2¹⁵ — pré-condição garantida
// pela validação de window_size na configuração.
type RingIndex uint16

// halfRing é o limite da janela de interpretação com sinal.
const halfRing = 1 << 15

// Add soma um delta não-negativo com wrap módulo 2¹⁶.
func (a RingIndex) Add(k uint16) RingIndex {
	return a + RingIndex(k)
}

// Sub retorna a distância não-negativa (a − b) mod 2¹⁶.
func (a RingIndex) Sub(b RingIndex) uint16 {
	return uint16(a - b)
}

// Distance retorna a distância com sinal de a até b: positiva quando b está
// à frente de a na janela (−2¹⁵, +2¹⁵].
func (a RingIndex) Distance(b RingIndex) int {
	d := int(int16(b - a))
	if d == -halfRing {
		return halfRing
	}
	return d
}

// IsBefore retorna true sse a precede b estritamente na ordem do anel.
func (a RingIndex) IsBefore(b RingIndex) bool {
	return a.Distance(b) > 0
}

// IsAfter retorna true sse a sucede b estritamente na ordem do anel.
func (a RingIndex) IsAfter(b RingIndex) bool {
	return a.Distance(b) < 0
}

// IsBeforeOrEqual retorna true sse a precede ou é igual a b.
func (a RingIndex) IsBeforeOrEqual(b RingIndex) bool {
	return a.Distance(b) >= 0
}

// OffsetRange é um intervalo fechado [Left, Right] no anel.
type OffsetRange struct {
	Left  RingIndex
	Right RingIndex
}

// NewOffsetRange cria o intervalo [left, left+size−1]. size deve ser > 0.
func NewOffsetRange(left RingIndex, size uint16) OffsetRange {
	return OffsetRange{Left: left, Right: left.Add(size - 1)}
}

// Contains retorna true sse x está dentro do intervalo.
func (r OffsetRange) Contains(x RingIndex) bool {
	return r.Left.IsBeforeOrEqual(x) && x.IsBeforeOrEqual(r.Right)
}

// Before retorna true sse o intervalo inteiro precede x.
func (r OffsetRange) Before(x RingIndex) bool {
	return r.Right.IsBefore(x)
}

// After retorna true sse o intervalo inteiro sucede x.
func (r OffsetRange) After(x RingIndex) bool {
	return r.Left.IsAfter(x)
}

// Distance retorna o comprimento do intervalo em bytes.
func (r OffsetRange) Distance() uint16 {
	return r.Right.Sub(r.Left) + 1
}
