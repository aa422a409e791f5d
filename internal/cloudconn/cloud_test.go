// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cloudconn

import (
	"log/slog"
	"testing"
	"time"

	"github.com/nishisan-dev/n-mesh/internal/actions"
	"github.com/nishisan-dev/n-mesh/internal/serverconn"
	"github.com/nishisan-dev/n-mesh/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func testNow() time.Time {
	return time.Unix(0, 0)
}

// fakeTransport controla o link de um servidor de teste.
type fakeTransport struct {
	props transport.Properties

	connFn    func(ok bool)
	recvFn    func(data []byte, now time.Time)
	linkErrFn func()

	sent      [][]byte
	sendState actions.WriteState
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		props: transport.Properties{
			MaxPacketSize:   1200,
			RecPacketSize:   1200,
			BuildTimeout:    time.Second,
			ResponseTimeout: time.Second,
			Class:           transport.LinkFast,
		},
		sendState: actions.WriteDone,
	}
}

func (f *fakeTransport) ConnectionInfo() transport.ConnectionInfo {
	return transport.ConnectionInfo{MaxPacketSize: f.props.MaxPacketSize}
}
func (f *fakeTransport) Connect()                             {}
func (f *fakeTransport) OnConnectionResult(fn func(bool))     { f.connFn = fn }
func (f *fakeTransport) OnReceive(fn func([]byte, time.Time)) { f.recvFn = fn }
func (f *fakeTransport) OnLinkError(fn func())                { f.linkErrFn = fn }

func (f *fakeTransport) Send(data []byte, _ time.Time) *actions.WriteHandle {
	f.sent = append(f.sent, data)
	h := actions.NewWriteHandle()
	h.SetState(actions.WriteSending)
	h.SetState(f.sendState)
	return h
}

// testCloud monta um registry com n servidores de um canal cada, dirigido
// por um relógio simulado.
type testCloud struct {
	cloud      *Cloud
	registry   *StaticRegistry
	transports map[uint32]*fakeTransport
	now        time.Time
}

func newTestCloud(t *testing.T, serverCount, maxConnections int, quarantine time.Duration) *testCloud {
	t.Helper()
	tc := &testCloud{
		registry:   NewStaticRegistry(),
		transports: make(map[uint32]*fakeTransport),
		now:        time.Unix(0, 0),
	}

	for i := 1; i <= serverCount; i++ {
		id := uint32(i)
		tr := newFakeTransport()
		tc.transports[id] = tr
		server := &serverconn.Server{
			ID: id,
			Channels: []*serverconn.Channel{{
				Name:  "primary",
				Props: tr.props,
				Dial:  func() transport.Transport { return tr },
			}},
		}
		tc.registry.Add(server, func(srv *serverconn.Server) *serverconn.Conn {
			return serverconn.New(srv, testNow, testLogger())
		})
	}

	tc.cloud = New(tc.registry, maxConnections, quarantine, func() time.Time { return tc.now }, testLogger())
	return tc
}

// linkAll resolve a conexão de todos os servidores selecionados.
func (tc *testCloud) linkAll() {
	for _, entry := range tc.cloud.Selected() {
		tc.transports[entry.Server().ID].connFn(true)
	}
}

func selectedIDs(c *Cloud) []uint32 {
	var ids []uint32
	for _, entry := range c.Selected() {
		ids = append(ids, entry.Server().ID)
	}
	return ids
}

func TestCloud_SelectsUpToMaxConnections(t *testing.T) {
	tc := newTestCloud(t, 5, 3, time.Second)

	ids := selectedIDs(tc.cloud)
	if len(ids) != 3 {
		t.Fatalf("expected 3 selected servers, got %d", len(ids))
	}
	// Prioridades iguais: desempate por server id
	for i, want := range []uint32{1, 2, 3} {
		if ids[i] != want {
			t.Fatalf("position %d: expected server %d, got %d", i, want, ids[i])
		}
	}
	// Prioridade atribuída pela posição no conjunto
	for i, entry := range tc.cloud.Selected() {
		if entry.Priority() != i {
			t.Fatalf("expected priority %d, got %d", i, entry.Priority())
		}
	}
}

func TestCloud_FewerCandidatesThanMax(t *testing.T) {
	tc := newTestCloud(t, 2, 4, time.Second)
	if len(tc.cloud.Selected()) != 2 {
		t.Fatalf("expected 2 selected, got %d", len(tc.cloud.Selected()))
	}
}

func TestCloud_PolicyFanOut(t *testing.T) {
	tc := newTestCloud(t, 3, 3, time.Second)
	tc.linkAll()

	count := func(p Policy) int {
		n := 0
		tc.cloud.Visit(p, func(*Entry) { n++ })
		return n
	}

	if got := count(MainServer()); got != 1 {
		t.Fatalf("main server: expected 1, got %d", got)
	}
	if got := count(Priority(1)); got != 1 {
		t.Fatalf("priority: expected 1, got %d", got)
	}
	// Replica(n): downstream writes = min(n, |selected|)
	if got := count(Replica(2)); got != 2 {
		t.Fatalf("replica(2): expected 2, got %d", got)
	}
	if got := count(Replica(10)); got != 3 {
		t.Fatalf("replica(10): expected 3, got %d", got)
	}
}

func TestCloud_PriorityClampsToSelected(t *testing.T) {
	tc := newTestCloud(t, 2, 2, time.Second)
	tc.linkAll()

	var visited uint32
	tc.cloud.Visit(Priority(10), func(e *Entry) { visited = e.Server().ID })
	if visited != 2 {
		t.Fatalf("expected clamp to last selected server, got %d", visited)
	}
}

func TestCloud_WriteMainServer(t *testing.T) {
	tc := newTestCloud(t, 2, 2, time.Second)
	tc.linkAll()

	h := tc.cloud.Write([]byte("DATA"), MainServer())
	if h.State() != actions.WriteDone {
		t.Fatalf("expected done, got %s", h.State())
	}
	if len(tc.transports[1].sent) != 1 {
		t.Fatal("expected write on the main server")
	}
	if len(tc.transports[2].sent) != 0 {
		t.Fatal("main server policy must not fan out")
	}
}

func TestCloud_ReplicaRollUpIsMaxState(t *testing.T) {
	tc := newTestCloud(t, 3, 3, time.Second)
	tc.linkAll()

	// réplica 0 → Done, réplica 1 → Timeout, réplica 2 → Done
	tc.transports[2].sendState = actions.WriteTimeout

	h := tc.cloud.Write([]byte("REPLICATED"), Replica(3))
	if h.State() != actions.WriteTimeout {
		t.Fatalf("expected timeout roll-up, got %s", h.State())
	}
	for id := uint32(1); id <= 3; id++ {
		if len(tc.transports[id].sent) != 1 {
			t.Fatalf("expected exactly one write on server %d", id)
		}
	}
}

func TestCloud_ServerErrorQuarantinesAndReselects(t *testing.T) {
	tc := newTestCloud(t, 3, 2, 50*time.Millisecond)
	tc.linkAll()

	// O servidor 1 recebeu dados e então o link caiu: erro de servidor
	tr := tc.transports[1]
	tr.recvFn([]byte("SOME DATA"), testNow())
	tr.linkErrFn()

	entry := tc.registry.ServerConnections()[0]
	if !entry.Quarantined() {
		t.Fatal("expected server 1 quarantined")
	}

	// A reseleção adiada roda no Update e repõe o slot com o servidor 3
	st := tc.cloud.Update(tc.now)
	ids := selectedIDs(tc.cloud)
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("expected servers [2 3] after quarantine, got %v", ids)
	}
	// O Update agenda o wake-up na expiração da quarentena
	if st.Kind != actions.KindDelay || !st.Until.Equal(tc.now.Add(50*time.Millisecond)) {
		t.Fatalf("expected delay until quarantine expiry, got %+v", st)
	}

	// Antes de expirar, nada muda
	tc.now = tc.now.Add(40 * time.Millisecond)
	tc.cloud.Update(tc.now)
	if !entry.Quarantined() {
		t.Fatal("quarantine must hold until the timer expires")
	}

	// Depois da quarentena o servidor volta ao conjunto de candidatos
	tc.now = tc.now.Add(20 * time.Millisecond)
	tc.cloud.Update(tc.now)
	if entry.Quarantined() {
		t.Fatal("expected quarantine released after the timer")
	}
}

func TestCloud_NoCandidatesFailsWritesSynchronously(t *testing.T) {
	tc := newTestCloud(t, 1, 1, time.Minute)
	tc.linkAll()

	// Derruba o único servidor
	tr := tc.transports[1]
	tr.recvFn([]byte("X"), testNow())
	tr.linkErrFn()
	tc.cloud.Update(tc.now)

	if len(tc.cloud.Selected()) != 0 {
		t.Fatalf("expected empty selection, got %d", len(tc.cloud.Selected()))
	}

	h := tc.cloud.Write([]byte("DATA"), MainServer())
	if h.State() != actions.WriteFailed {
		t.Fatalf("expected synchronous failure, got %s", h.State())
	}
	h = tc.cloud.Write([]byte("DATA"), Replica(2))
	if h.State() != actions.WriteFailed {
		t.Fatalf("expected replica failure with no candidates, got %s", h.State())
	}
}

func TestCloud_ReplicaStopFansOut(t *testing.T) {
	tc := newTestCloud(t, 2, 2, time.Second)
	// Sem link: as escritas ficam bufferizadas (Queued) e podem ser paradas
	h := tc.cloud.Write([]byte("HOLD"), Replica(2))
	if h.State() != actions.WriteQueued {
		t.Fatalf("expected queued replica write, got %s", h.State())
	}

	h.Stop()
	if h.State() != actions.WriteStopped {
		t.Fatalf("expected stopped roll-up, got %s", h.State())
	}
}
