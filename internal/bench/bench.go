// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package bench dirige o core do n-mesh em loopback: dois safe streams
// ligados por um pipe com perda e atraso simulados, atravessando o cloud
// connection e o server connection reais, medindo entrega e retransmissão.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/nishisan-dev/n-mesh/internal/actions"
	"github.com/nishisan-dev/n-mesh/internal/cloudconn"
	"github.com/nishisan-dev/n-mesh/internal/config"
	"github.com/nishisan-dev/n-mesh/internal/domainstorage"
	"github.com/nishisan-dev/n-mesh/internal/safestream"
	"github.com/nishisan-dev/n-mesh/internal/serverconn"
	"github.com/nishisan-dev/n-mesh/internal/transport"
)

// resultClassID identifica o objeto de resultado de run no domain storage.
const resultClassID = 0x0001

// Result é o resumo de um run de bench.
type Result struct {
	RunID          string        `json:"run_id"`
	Messages       int           `json:"messages"`
	BytesSent      int64         `json:"bytes_sent"`
	BytesDelivered int64         `json:"bytes_delivered"`
	Duration       time.Duration `json:"duration_ns"`
	ThroughputBps  float64       `json:"throughput_bps"`
	Completed      bool          `json:"completed"`
}

// Run executa um run de bench completo e retorna o resultado.
// O store é opcional; quando presente, o resultado é persistido.
func Run(ctx context.Context, cfg *config.ClientConfig, store domainstorage.Store, logger *slog.Logger) (*Result, error) {
	runID := xid.New().String()
	logger = logger.With("run_id", runID)

	loop := actions.NewLoop(logger)

	// Link simulado entre o cliente e o "servidor" de loopback.
	pipe := transport.NewPipe(transport.PipeConfig{
		MaxPacketSize: cfg.Bench.Pipe.MTU,
		Latency:       cfg.Bench.Pipe.Latency,
		LossRate:      cfg.Bench.Pipe.LossRate,
		DupRate:       cfg.Bench.Pipe.DupRate,
		BytesPerSec:   cfg.Bench.Pipe.BandwidthRaw,
		Seed:          cfg.Bench.Pipe.Seed,
	})
	loop.Register(pipe.A)
	loop.Register(pipe.B)

	streamCfg := safestream.Config{
		WindowSize:        uint16(cfg.SafeStream.WindowSizeRaw),
		MaxRepeatCount:    uint8(cfg.SafeStream.MaxRepeatCount),
		BufferCapacity:    int(cfg.SafeStream.BufferSizeRaw),
		WaitAckTimeout:    cfg.SafeStream.WaitAckTimeout,
		SendAckDelay:      cfg.SafeStream.SendAckDelay,
		SendRepeatTimeout: cfg.SafeStream.SendRepeatTimeout,
		RTOGrowFactor:     cfg.SafeStream.RTOGrowFactor,
	}

	// Lado receptor: safe stream direto sobre a ponta B do pipe.
	var delivered atomic.Int64
	deliveredCh := make(chan int, 64)
	recvStream, err := safestream.New(streamCfg, logger.With("side", "receiver"),
		func(datagram []byte) *actions.WriteHandle {
			return pipe.B.Send(datagram, loop.Now())
		},
		func(data []byte) {
			delivered.Add(int64(len(data)))
			select {
			case deliveredCh <- len(data):
			default:
			}
		},
	)
	if err != nil {
		return nil, fmt.Errorf("creating receiver stream: %w", err)
	}
	recvStream.SetMaxPacketSize(cfg.Bench.Pipe.MTU)
	pipe.B.OnReceive(func(data []byte, now time.Time) {
		if err := recvStream.HandleDatagram(data, now); err != nil {
			logger.Warn("receiver datagram error", "error", err)
		}
	})
	pipe.B.Connect()
	loop.Register(recvStream)

	// Lado emissor: safe stream → cloud connection → server connection →
	// ponta A do pipe.
	server := &serverconn.Server{
		ID: 1,
		Channels: []*serverconn.Channel{{
			Name: "loopback",
			Props: transport.Properties{
				Reliable:        false,
				MaxPacketSize:   cfg.Bench.Pipe.MTU,
				RecPacketSize:   cfg.Bench.Pipe.MTU,
				BuildTimeout:    time.Second,
				ResponseTimeout: cfg.Bench.Pipe.Latency,
				Class:           transport.LinkFast,
			},
			Dial: func() transport.Transport { return pipe.A },
		}},
	}

	registry := cloudconn.NewStaticRegistry()
	registry.Add(server, func(srv *serverconn.Server) *serverconn.Conn {
		return serverconn.New(srv, loop.Now, logger.With("side", "sender"))
	})
	cloud := cloudconn.New(registry, cfg.Cloud.MaxConnections, cfg.Cloud.Quarantine, loop.Now, logger)
	loop.Register(cloud)

	sendStream, err := safestream.New(streamCfg, logger.With("side", "sender"),
		func(datagram []byte) *actions.WriteHandle {
			return cloud.Write(datagram, cloudconn.MainServer())
		},
		func([]byte) {},
	)
	if err != nil {
		return nil, fmt.Errorf("creating sender stream: %w", err)
	}
	loop.Register(sendStream)

	wireCloud(cloud, sendStream, loop, logger)

	// Enfileira as mensagens e roda o loop até entregar tudo ou estourar o
	// deadline.
	messageSize := int(cfg.Bench.MessageSizeRaw)
	totalBytes := int64(messageSize) * int64(cfg.Bench.MessageCount)

	runCtx, cancel := context.WithTimeout(ctx, cfg.Bench.Deadline)
	defer cancel()

	start := time.Now()
	go loop.Run(runCtx)

	loop.Post(func() {
		payload := make([]byte, messageSize)
		for i := range payload {
			payload[i] = byte(i)
		}
		for i := 0; i < cfg.Bench.MessageCount; i++ {
			if _, err := sendStream.Send(append([]byte(nil), payload...)); err != nil {
				logger.Warn("send failed", "message", i, "error", err)
			}
		}
	})

	completed := waitDelivery(runCtx, deliveredCh, &delivered, totalBytes)
	cancel()
	duration := time.Since(start)
	deliveredBytes := delivered.Load()

	result := &Result{
		RunID:          runID,
		Messages:       cfg.Bench.MessageCount,
		BytesSent:      totalBytes,
		BytesDelivered: deliveredBytes,
		Duration:       duration,
		Completed:      completed,
	}
	if duration > 0 {
		result.ThroughputBps = float64(deliveredBytes) / duration.Seconds()
	}

	logger.Info("bench run finished",
		"messages", result.Messages,
		"bytes_sent", result.BytesSent,
		"bytes_delivered", result.BytesDelivered,
		"duration", duration,
		"throughput_bps", int64(result.ThroughputBps),
		"completed", completed,
	)

	if store != nil {
		if err := saveResult(store, result); err != nil {
			logger.Warn("could not persist run result", "error", err)
		}
	}
	return result, nil
}

// wireCloud liga o safe stream do emissor à conexão selecionada: datagramas
// recebidos sobem para o stream e mudanças de MTU reconfiguram o payload.
func wireCloud(cloud *cloudconn.Cloud, stream *safestream.Stream, loop *actions.Loop, logger *slog.Logger) {
	wired := make(map[*serverconn.Conn]bool)
	attach := func() {
		cloud.Visit(cloudconn.MainServer(), func(entry *cloudconn.Entry) {
			conn := entry.Conn()
			if conn == nil || wired[conn] {
				return
			}
			wired[conn] = true
			conn.OnData(func(data []byte, now time.Time) {
				if err := stream.HandleDatagram(data, now); err != nil {
					logger.Warn("sender datagram error", "error", err)
				}
			})
			conn.OnStreamUpdate(func() {
				info := conn.StreamInfo()
				if info.LinkState == serverconn.LinkLinked {
					stream.SetMaxPacketSize(info.MaxElementSize)
				}
			})
			info := conn.StreamInfo()
			if info.MaxElementSize > 0 {
				stream.SetMaxPacketSize(info.MaxElementSize)
			}
		})
	}
	cloud.OnServersUpdate(func() { attach() })
	loop.Post(attach)
}

// waitDelivery bloqueia até a entrega completa ou o cancelamento do contexto.
func waitDelivery(ctx context.Context, deliveredCh <-chan int, delivered *atomic.Int64, total int64) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deliveredCh:
		case <-ticker.C:
		}
		if delivered.Load() >= total {
			return true
		}
	}
}

// saveResult persiste o resultado como objeto de domínio, chaveado pelo
// contador do xid do run.
func saveResult(store domainstorage.Store, result *Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	runXID, err := xid.FromString(result.RunID)
	if err != nil {
		return fmt.Errorf("parsing run id: %w", err)
	}
	id := domainstorage.ObjID(runXID.Counter())
	return store.Save(domainstorage.Query{
		ID:      id,
		ClassID: resultClassID,
		Version: 1,
	}, data)
}
