// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cloudconn

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nishisan-dev/n-mesh/internal/actions"
	"github.com/nishisan-dev/n-mesh/internal/serverconn"
	"github.com/nishisan-dev/n-mesh/internal/tele"
)

// DefaultQuarantineDuration é a quarentena padrão de um servidor com falha.
const DefaultQuarantineDuration = 5 * time.Second

// policyKind diferencia as políticas de despacho.
type policyKind int

const (
	policyMain policyKind = iota
	policyPriority
	policyReplica
)

// Policy seleciona para quais conexões do conjunto uma requisição vai.
type Policy struct {
	kind policyKind
	n    int
}

// MainServer despacha uma vez, para selected[0].
func MainServer() Policy { return Policy{kind: policyMain} }

// Priority despacha uma vez, para selected[min(i, len−1)].
func Priority(i int) Policy { return Policy{kind: policyPriority, n: i} }

// Replica despacha em paralelo para selected[0 .. min(n, len)].
func Replica(n int) Policy { return Policy{kind: policyReplica, n: n} }

// String implementa fmt.Stringer.
func (p Policy) String() string {
	switch p.kind {
	case policyMain:
		return "main_server"
	case policyPriority:
		return fmt.Sprintf("priority(%d)", p.n)
	case policyReplica:
		return fmt.Sprintf("replica(%d)", p.n)
	default:
		return "unknown"
	}
}

// Cloud supervisiona até maxConnections conexões de servidor tiradas do
// registry, ordenadas por prioridade, com quarentena por falha e reseleção
// quando servidores são liberados ou adicionados.
//
// Cloud implementa actions.Action: a reseleção adiada e a liberação da
// quarentena acontecem no Update.
type Cloud struct {
	registry       Registry
	maxConnections int
	quarantineFor  time.Duration
	now            func() time.Time
	logger         *slog.Logger

	// quarantine guarda o instante de liberação de cada servidor em
	// quarentena (chave: server id), carimbado com o relógio injetado —
	// a mesma fonte de tempo que dirige o resto do loop de atualização.
	quarantine map[uint32]time.Time

	selected        []*Entry
	reselectPending bool

	updateFns []func()
}

// New cria o Cloud e faz a seleção inicial.
func New(registry Registry, maxConnections int, quarantineFor time.Duration, now func() time.Time, logger *slog.Logger) *Cloud {
	if quarantineFor <= 0 {
		quarantineFor = DefaultQuarantineDuration
	}
	c := &Cloud{
		registry:       registry,
		maxConnections: maxConnections,
		quarantineFor:  quarantineFor,
		now:            now,
		logger:         logger,
		quarantine:     make(map[uint32]time.Time),
	}
	c.selectServers()
	return c
}

// Selected retorna o conjunto de trabalho corrente.
func (c *Cloud) Selected() []*Entry { return c.selected }

// MaxConnections retorna o limite de conexões simultâneas.
func (c *Cloud) MaxConnections() int { return c.maxConnections }

// OnServersUpdate registra um listener do evento de mudança de seleção.
func (c *Cloud) OnServersUpdate(fn func()) { c.updateFns = append(c.updateFns, fn) }

// Reselect agenda uma reseleção para o próximo Update (ex: servidor novo no
// registry).
func (c *Cloud) Reselect() { c.reselectPending = true }

// Restream repassa o sinal de restream para todas as conexões selecionadas.
func (c *Cloud) Restream() {
	for _, entry := range c.selected {
		if conn := entry.Conn(); conn != nil {
			conn.Restream()
		}
	}
}

// Visit aplica fn às entradas selecionadas pela política.
func (c *Cloud) Visit(policy Policy, fn func(*Entry)) {
	if len(c.selected) == 0 {
		return
	}
	switch policy.kind {
	case policyMain:
		fn(c.selected[0])
	case policyPriority:
		idx := policy.n
		if idx > len(c.selected)-1 {
			idx = len(c.selected) - 1
		}
		fn(c.selected[idx])
	case policyReplica:
		count := policy.n
		if count > len(c.selected) {
			count = len(c.selected)
		}
		for _, entry := range c.selected[:count] {
			fn(entry)
		}
	}
}

// Write despacha um datagrama segundo a política. Sem candidatos, falha
// sincronamente. Para Replica, o handle devolvido termina quando todas as
// réplicas terminam, com o MAX elemento a elemento dos estados.
func (c *Cloud) Write(data []byte, policy Policy) *actions.WriteHandle {
	if len(c.selected) == 0 {
		c.logger.Warn("write with no servers selected", "policy", policy.String())
		return actions.FailedWriteHandle()
	}

	var handles []*actions.WriteHandle
	c.Visit(policy, func(entry *Entry) {
		if conn := entry.Conn(); conn != nil {
			handles = append(handles, conn.Write(data))
		}
	})

	switch len(handles) {
	case 0:
		return actions.FailedWriteHandle()
	case 1:
		return handles[0]
	default:
		return newReplicaHandle(handles)
	}
}

// Update implementa actions.Action: executa reseleções adiadas e libera
// quarentenas expiradas.
func (c *Cloud) Update(now time.Time) actions.UpdateStatus {
	if c.reselectPending {
		c.reselectPending = false
		c.selectServers()
	}

	var next time.Time
	released := false
	for _, entry := range c.registry.ServerConnections() {
		if !entry.Quarantined() {
			continue
		}
		id := entry.Server().ID
		if expiry, ok := c.quarantine[id]; ok {
			if expiry.After(now) {
				if next.IsZero() || expiry.Before(next) {
					next = expiry
				}
				continue
			}
			delete(c.quarantine, id)
		}
		c.logger.Debug("server released from quarantine", "server_id", id)
		entry.quarantined = false
		released = true
	}

	if released && len(c.selected) < c.maxConnections {
		c.selectServers()
	}

	if next.IsZero() {
		return actions.Continue()
	}
	return actions.Delay(next)
}

// selectServers refaz o conjunto de trabalho: candidatos não quarentenados
// ordenados por (prioridade, server id), truncados em maxConnections.
func (c *Cloud) selectServers() {
	candidates := c.candidates()

	selectCount := len(candidates)
	if selectCount > c.maxConnections {
		selectCount = c.maxConnections
	}
	newSelected := candidates[:selectCount]

	inNew := make(map[*Entry]bool, len(newSelected))
	for _, entry := range newSelected {
		inNew[entry] = true
	}
	for _, entry := range c.selected {
		if !inNew[entry] {
			entry.EndConnection(entry.Priority())
		}
	}

	for i, entry := range newSelected {
		if entry.BeginConnection(i) {
			c.subscribeServerState(entry)
		} else {
			entry.priority = i
		}
	}
	for _, entry := range candidates[selectCount:] {
		entry.EndConnection(entry.Priority())
	}

	c.selected = newSelected
	c.logger.Debug("servers selected", "count", len(c.selected))
	for _, fn := range c.updateFns {
		fn()
	}
}

// candidates filtra e ordena os servidores utilizáveis do registry.
func (c *Cloud) candidates() []*Entry {
	all := c.registry.ServerConnections()
	candidates := make([]*Entry, 0, len(all))
	for _, entry := range all {
		if entry.Quarantined() {
			continue
		}
		candidates = append(candidates, entry)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority() != candidates[j].Priority() {
			return candidates[i].Priority() < candidates[j].Priority()
		}
		return candidates[i].Server().ID < candidates[j].Server().ID
	})
	return candidates
}

// subscribeServerState observa a conexão recém-criada: um erro de servidor a
// manda para a quarentena e dispara a reseleção.
func (c *Cloud) subscribeServerState(entry *Entry) {
	conn := entry.Conn()
	if conn == nil {
		c.badServer(entry)
		return
	}
	conn.OnServerError(func() {
		// A conexão pode já ter sido trocada por uma reseleção anterior.
		if entry.Conn() != conn {
			return
		}
		c.badServer(entry)
	})
	if conn.StreamInfo().LinkState == serverconn.LinkError {
		c.badServer(entry)
	}
}

// badServer quarentena um servidor com falha: a prioridade é empurrada para
// depois de qualquer servidor utilizável e o slot é reposto na reseleção.
func (c *Cloud) badServer(entry *Entry) {
	c.logger.Info("server quarantined",
		"server_id", entry.Server().ID,
		"duration", c.quarantineFor,
	)
	tele.Count(tele.QuarantineEvents, 1)

	newPriority := entry.Priority() + len(c.registry.ServerConnections())
	entry.EndConnection(newPriority)
	entry.quarantined = true
	c.quarantine[entry.Server().ID] = c.now().Add(c.quarantineFor)

	c.unselect(entry)
	c.reselectPending = true
}

// unselect remove uma entrada do conjunto e recompacta as prioridades das
// restantes.
func (c *Cloud) unselect(target *Entry) {
	idx := -1
	for i, entry := range c.selected {
		if entry == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	c.selected = append(c.selected[:idx], c.selected[idx+1:]...)
	for i := idx; i < len(c.selected); i++ {
		c.selected[i].BeginConnection(i)
	}
}

// newReplicaHandle junta os handles das réplicas num único handle cujo estado
// final é o MAX dos estados das réplicas, resolvido quando todas terminam.
func newReplicaHandle(replicas []*actions.WriteHandle) *actions.WriteHandle {
	front := actions.NewWriteHandle()
	front.SetStopFunc(func() {
		for _, r := range replicas {
			r.Stop()
		}
	})

	remaining := len(replicas)
	finish := func() {
		max := actions.WriteQueued
		for _, r := range replicas {
			max = actions.MaxWriteState(max, r.State())
		}
		front.SetState(max)
	}

	for _, r := range replicas {
		r.OnState(func(s actions.WriteState) {
			if !s.Terminal() {
				if s == actions.WriteSending && front.State() == actions.WriteQueued {
					front.SetState(actions.WriteSending)
				}
				return
			}
			remaining--
			if remaining == 0 {
				finish()
			}
		})
	}
	return front
}
