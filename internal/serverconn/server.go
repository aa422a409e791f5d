// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package serverconn mantém a conexão com um servidor da nuvem: abre um canal
// por vez na ordem de preferência, faz failover transparente em erros de
// conexão e bufferiza escritas até o primeiro canal linkar.
package serverconn

import (
	"sort"

	"github.com/nishisan-dev/n-mesh/internal/transport"
)

// Channel é uma parametrização concreta de transporte para alcançar um
// servidor (protocolo, endpoint, timeouts).
type Channel struct {
	// Name identifica o canal nos logs.
	Name string

	// Props são as propriedades de transporte usadas na ordenação.
	Props transport.Properties

	// Dial constrói um transporte novo para uma tentativa de conexão.
	Dial func() transport.Transport
}

// Server descreve um servidor conhecido: identidade e lista ordenada de
// canais para alcançá-lo.
type Server struct {
	// ID é a identidade do servidor; deve ser diferente de zero.
	ID uint32

	// Channels são os canais disponíveis, na ordem declarada.
	Channels []*Channel
}

// orderChannels retorna os canais na ordem de preferência estrita:
// classe de link mais rápida primeiro, depois menor build timeout,
// depois menor ping.
func orderChannels(channels []*Channel) []*Channel {
	ordered := append([]*Channel(nil), channels...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return channelLess(ordered[i], ordered[j])
	})
	return ordered
}

func channelLess(a, b *Channel) bool {
	if a.Props.Class != b.Props.Class {
		return a.Props.Class > b.Props.Class
	}
	if a.Props.BuildTimeout != b.Props.BuildTimeout {
		return a.Props.BuildTimeout < b.Props.BuildTimeout
	}
	return a.Props.ResponseTimeout < b.Props.ResponseTimeout
}
