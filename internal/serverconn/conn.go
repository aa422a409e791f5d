// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package serverconn

import (
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-mesh/internal/actions"
	"github.com/nishisan-dev/n-mesh/internal/tele"
	"github.com/nishisan-dev/n-mesh/internal/transport"
)

// LinkState é o estado do link exposto ao upstream.
type LinkState int

const (
	LinkUnlinked LinkState = iota
	LinkLinked
	LinkError
)

// String implementa fmt.Stringer.
func (s LinkState) String() string {
	switch s {
	case LinkUnlinked:
		return "unlinked"
	case LinkLinked:
		return "linked"
	case LinkError:
		return "link_error"
	default:
		return "unknown"
	}
}

// StreamInfo é o snapshot do stream exposto ao upstream.
type StreamInfo struct {
	LinkState      LinkState
	Reliable       bool
	Writable       bool
	MaxElementSize int
	RecElementSize int
}

// channelEntry anota um canal com o flag de falha da sessão corrente.
type channelEntry struct {
	channel *Channel
	failed  bool
}

// Conn é a conexão com um servidor: abre um canal por vez, na ordem de
// preferência, e faz failover para o próximo em erros de conexão. Um erro de
// link depois que qualquer byte trafegou é tratado como falha do servidor,
// não do canal, e encerra a conexão com ServerError.
type Conn struct {
	server *Server
	logger *slog.Logger
	now    func() time.Time

	entries []*channelEntry
	current *channelEntry
	tr      transport.Transport

	// fullConnected marca que algum payload já foi recebido pelo canal
	// corrente: a partir daí um erro de link é erro de servidor.
	fullConnected bool

	buffer *BufferWrite
	info   StreamInfo

	updateFns []func()
	dataFns   []func(data []byte, now time.Time)
	errorFns  []func()
}

// New cria a conexão e inicia a tentativa no melhor canal.
func New(server *Server, now func() time.Time, logger *slog.Logger) *Conn {
	c := &Conn{
		server: server,
		logger: logger.With("server_id", server.ID),
		now:    now,
	}
	for _, ch := range orderChannels(server.Channels) {
		c.entries = append(c.entries, &channelEntry{channel: ch})
	}
	c.buffer = NewBufferWrite(DefaultBufferCapacity, c.directWrite, c.logger)
	c.selectChannel()
	return c
}

// Server retorna o servidor desta conexão.
func (c *Conn) Server() *Server { return c.server }

// StreamInfo retorna o snapshot corrente do stream.
func (c *Conn) StreamInfo() StreamInfo { return c.info }

// OnStreamUpdate registra um listener de mudança de StreamInfo.
func (c *Conn) OnStreamUpdate(fn func()) { c.updateFns = append(c.updateFns, fn) }

// OnData registra um listener de datagramas recebidos.
func (c *Conn) OnData(fn func(data []byte, now time.Time)) { c.dataFns = append(c.dataFns, fn) }

// OnServerError registra um listener do erro terminal do servidor.
func (c *Conn) OnServerError(fn func()) { c.errorFns = append(c.errorFns, fn) }

// Write envia um datagrama pelo canal ativo, bufferizando enquanto o link
// não sobe. Sempre retorna um handle; ele resolve para Done, Stopped,
// Timeout ou Failed.
func (c *Conn) Write(data []byte) *actions.WriteHandle {
	return c.buffer.Write(data)
}

// Restream sinaliza que o canal corrente deve ser considerado ruim.
func (c *Conn) Restream() {
	c.channelError()
}

// CurrentChannel retorna o canal ativo, ou nil.
func (c *Conn) CurrentChannel() *Channel {
	if c.current == nil {
		return nil
	}
	return c.current.channel
}

func (c *Conn) directWrite(data []byte) *actions.WriteHandle {
	if c.tr == nil {
		return nil
	}
	return c.tr.Send(data, c.now())
}

// selectChannel escolhe a primeira entrada não falhada e dispara a conexão.
// Sem entradas restantes, a conexão degrada para ServerError.
func (c *Conn) selectChannel() {
	c.current = nil
	for _, entry := range c.entries {
		if !entry.failed {
			c.current = entry
			break
		}
	}
	if c.current == nil {
		c.serverError()
		return
	}

	ch := c.current.channel
	c.logger.Debug("channel selected", "channel", ch.Name, "class", ch.Props.Class.String())

	c.fullConnected = false
	tr := ch.Dial()
	c.tr = tr

	// O resultado da conexão e os erros de link chegam pelo loop; um canal
	// trocado entretanto ignora callbacks do transporte antigo.
	tr.OnConnectionResult(func(ok bool) {
		if c.tr != tr {
			return
		}
		if ok {
			c.linked()
		} else {
			c.channelError()
		}
	})
	tr.OnReceive(func(data []byte, now time.Time) {
		if c.tr != tr {
			return
		}
		c.onRead(data, now)
	})
	tr.OnLinkError(func() {
		if c.tr != tr {
			return
		}
		c.channelError()
	})
	tr.Connect()

	c.setInfo(StreamInfo{
		LinkState:      LinkUnlinked,
		Reliable:       ch.Props.Reliable,
		Writable:       true,
		MaxElementSize: ch.Props.MaxPacketSize,
		RecElementSize: ch.Props.RecPacketSize,
	})
}

// linked ativa o canal: o buffer drena em ordem FIFO e o upstream é avisado.
func (c *Conn) linked() {
	c.logger.Debug("channel linked", "channel", c.current.channel.Name)
	info := c.info
	info.LinkState = LinkLinked
	c.buffer.BufferOff()
	c.setInfo(info)
}

// channelError descarta o canal corrente. Antes de qualquer byte recebido é
// um problema do canal: failover transparente para o próximo. Depois, é um
// problema do servidor.
func (c *Conn) channelError() {
	if c.current == nil {
		return
	}
	c.logger.Debug("channel error", "channel", c.current.channel.Name)
	tele.Count(tele.ChannelFailovers, 1)

	c.buffer.BufferOn()
	c.current.failed = true
	c.tr = nil

	if c.fullConnected {
		c.serverError()
		return
	}
	c.selectChannel()
}

// serverError é terminal para esta conexão de servidor.
func (c *Conn) serverError() {
	c.logger.Warn("server error, connection degraded")
	tele.Count(tele.ServerErrors, 1)

	c.buffer.BufferOn()
	c.buffer.Drop()
	c.tr = nil
	c.current = nil

	info := c.info
	info.LinkState = LinkError
	info.Writable = false
	c.setInfo(info)

	for _, fn := range c.errorFns {
		fn()
	}
}

func (c *Conn) onRead(data []byte, now time.Time) {
	c.fullConnected = true
	for _, fn := range c.dataFns {
		fn(data, now)
	}
}

// setInfo publica um novo StreamInfo, notificando apenas em mudança real.
func (c *Conn) setInfo(info StreamInfo) {
	if info == c.info {
		return
	}
	c.info = info
	for _, fn := range c.updateFns {
		fn()
	}
}
