// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package cloudconn multiplexa as conexões de servidor selecionadas de um
// registry, com políticas de admissão, quarentena e fan-out de requisições.
package cloudconn

import (
	"github.com/nishisan-dev/n-mesh/internal/serverconn"
)

// Entry é a anotação de um servidor dentro do cloud connection: a conexão em
// si (criada sob demanda), a prioridade corrente e o flag de quarentena.
type Entry struct {
	server      *serverconn.Server
	dial        func(*serverconn.Server) *serverconn.Conn
	conn        *serverconn.Conn
	priority    int
	quarantined bool
}

// NewEntry cria uma entrada desconectada.
func NewEntry(server *serverconn.Server, dial func(*serverconn.Server) *serverconn.Conn) *Entry {
	return &Entry{server: server, dial: dial}
}

// Server retorna o servidor desta entrada.
func (e *Entry) Server() *serverconn.Server { return e.server }

// Conn retorna a conexão ativa, ou nil.
func (e *Entry) Conn() *serverconn.Conn { return e.conn }

// Priority retorna a prioridade corrente (0 = melhor).
func (e *Entry) Priority() int { return e.priority }

// Quarantined retorna o estado de quarentena.
func (e *Entry) Quarantined() bool { return e.quarantined }

// BeginConnection fixa a prioridade e abre a conexão se necessário.
// Retorna true quando uma conexão nova foi criada.
func (e *Entry) BeginConnection(priority int) bool {
	e.priority = priority
	if e.conn != nil {
		return false
	}
	e.conn = e.dial(e.server)
	return true
}

// EndConnection fixa a prioridade e descarta a conexão corrente.
func (e *Entry) EndConnection(priority int) {
	e.priority = priority
	e.conn = nil
}

// Registry fornece as entradas de servidores conhecidos. A ordem de iteração
// deve ser estável dentro de um tick.
type Registry interface {
	ServerConnections() []*Entry
}

// StaticRegistry é um Registry em memória com ordem de inserção estável.
type StaticRegistry struct {
	entries []*Entry
}

// NewStaticRegistry cria um registry vazio.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{}
}

// Add registra um servidor com sua fábrica de conexões.
func (r *StaticRegistry) Add(server *serverconn.Server, dial func(*serverconn.Server) *serverconn.Conn) *Entry {
	entry := NewEntry(server, dial)
	r.entries = append(r.entries, entry)
	return entry
}

// ServerConnections implementa Registry.
func (r *StaticRegistry) ServerConnections() []*Entry {
	return r.entries
}
