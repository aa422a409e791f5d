// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do cliente n-mesh.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig é a configuração completa do cliente.
type ClientConfig struct {
	Client     ClientInfo       `yaml:"client"`
	SafeStream SafeStreamConfig `yaml:"safestream"`
	Cloud      CloudConfig      `yaml:"cloud"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
	Bench      BenchConfig      `yaml:"bench"`
}

// ClientInfo identifica o cliente.
type ClientInfo struct {
	Name string `yaml:"name"`
}

// SafeStreamConfig parametriza o protocolo confiável.
type SafeStreamConfig struct {
	WindowSize        string        `yaml:"window_size"` // ex: "16kb"
	WindowSizeRaw     int64         `yaml:"-"`
	BufferSize        string        `yaml:"buffer_size"` // ex: "64kb"
	BufferSizeRaw     int64         `yaml:"-"`
	MaxRepeatCount    int           `yaml:"max_repeat_count"`
	WaitAckTimeout    time.Duration `yaml:"wait_ack_timeout"`
	SendAckDelay      time.Duration `yaml:"send_ack_delay"`
	SendRepeatTimeout time.Duration `yaml:"send_repeat_timeout"`
	RTOGrowFactor     float64       `yaml:"rto_grow_factor"`
}

// CloudConfig parametriza o cloud connection.
type CloudConfig struct {
	MaxConnections int           `yaml:"max_connections"`
	Quarantine     time.Duration `yaml:"quarantine"`
}

// StorageConfig seleciona o backend de objetos de domínio.
type StorageConfig struct {
	Backend string   `yaml:"backend"` // "ram" (default), "file", "s3"
	Path    string   `yaml:"path"`    // diretório base do backend file
	S3      S3Config `yaml:"s3"`
}

// S3Config configura o backend remoto.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// LoggingConfig configura o logger do processo.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// BenchConfig parametriza o driver de loopback.
type BenchConfig struct {
	MessageSize      string        `yaml:"message_size"` // ex: "1kb"
	MessageSizeRaw   int64         `yaml:"-"`
	MessageCount     int           `yaml:"message_count"`
	RunSchedule      string        `yaml:"run_schedule"`      // cron do daemon
	ReportSchedule   string        `yaml:"report_schedule"`   // cron, opcional
	SnapshotSchedule string        `yaml:"snapshot_schedule"` // cron, opcional
	MetricsListen    string        `yaml:"metrics_listen"`    // ex: ":9090", opcional
	Pipe             PipeConfig    `yaml:"pipe"`
	Deadline         time.Duration `yaml:"deadline"`
}

// PipeConfig parametriza o link simulado do bench.
type PipeConfig struct {
	MTU          int           `yaml:"mtu"`
	Latency      time.Duration `yaml:"latency"`
	LossRate     float64       `yaml:"loss_rate"`
	DupRate      float64       `yaml:"dup_rate"`
	Bandwidth    string        `yaml:"bandwidth"` // ex: "1mb" por segundo
	BandwidthRaw int64         `yaml:"-"`
	Seed         uint64        `yaml:"seed"`
}

// maxWindowSize é o teto imposto pela aritmética do anel de offsets.
const maxWindowSize = 1<<15 - 1

// LoadClientConfig lê, valida e normaliza o arquivo YAML do cliente.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}
	return &cfg, nil
}

func (c *ClientConfig) applyDefaults() {
	if c.SafeStream.WindowSize == "" {
		c.SafeStream.WindowSize = "16kb"
	}
	if c.SafeStream.BufferSize == "" {
		c.SafeStream.BufferSize = "64kb"
	}
	if c.SafeStream.MaxRepeatCount == 0 {
		c.SafeStream.MaxRepeatCount = 8
	}
	if c.SafeStream.WaitAckTimeout == 0 {
		c.SafeStream.WaitAckTimeout = 250 * time.Millisecond
	}
	if c.SafeStream.SendAckDelay == 0 {
		c.SafeStream.SendAckDelay = 50 * time.Millisecond
	}
	if c.SafeStream.SendRepeatTimeout == 0 {
		c.SafeStream.SendRepeatTimeout = 100 * time.Millisecond
	}
	if c.SafeStream.RTOGrowFactor == 0 {
		c.SafeStream.RTOGrowFactor = 1.5
	}
	if c.Cloud.MaxConnections == 0 {
		c.Cloud.MaxConnections = 3
	}
	if c.Cloud.Quarantine == 0 {
		c.Cloud.Quarantine = 5 * time.Second
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "ram"
	}
	if c.Bench.MessageSize == "" {
		c.Bench.MessageSize = "1kb"
	}
	if c.Bench.MessageCount == 0 {
		c.Bench.MessageCount = 100
	}
	if c.Bench.Pipe.MTU == 0 {
		c.Bench.Pipe.MTU = 1200
	}
	if c.Bench.Deadline == 0 {
		c.Bench.Deadline = 60 * time.Second
	}
}

func (c *ClientConfig) normalize() error {
	var err error
	if c.SafeStream.WindowSizeRaw, err = ParseSize(c.SafeStream.WindowSize); err != nil {
		return fmt.Errorf("safestream.window_size: %w", err)
	}
	if c.SafeStream.BufferSizeRaw, err = ParseSize(c.SafeStream.BufferSize); err != nil {
		return fmt.Errorf("safestream.buffer_size: %w", err)
	}
	if c.Bench.MessageSizeRaw, err = ParseSize(c.Bench.MessageSize); err != nil {
		return fmt.Errorf("bench.message_size: %w", err)
	}
	if c.Bench.Pipe.Bandwidth != "" {
		if c.Bench.Pipe.BandwidthRaw, err = ParseSize(c.Bench.Pipe.Bandwidth); err != nil {
			return fmt.Errorf("bench.pipe.bandwidth: %w", err)
		}
	}

	if c.SafeStream.WindowSizeRaw > maxWindowSize {
		return fmt.Errorf("safestream.window_size %d exceeds ring limit %d",
			c.SafeStream.WindowSizeRaw, maxWindowSize)
	}
	if c.SafeStream.WindowSizeRaw < 4*int64(c.Bench.Pipe.MTU) {
		return fmt.Errorf("safestream.window_size %d must be at least 4x pipe mtu %d",
			c.SafeStream.WindowSizeRaw, c.Bench.Pipe.MTU)
	}
	if c.SafeStream.MaxRepeatCount < 1 || c.SafeStream.MaxRepeatCount > 255 {
		return fmt.Errorf("safestream.max_repeat_count must be in 1..255")
	}
	if c.SafeStream.RTOGrowFactor < 1.0 {
		return fmt.Errorf("safestream.rto_grow_factor must be >= 1.0")
	}
	if c.Cloud.MaxConnections < 1 {
		return fmt.Errorf("cloud.max_connections must be >= 1")
	}
	if c.Bench.Pipe.LossRate < 0 || c.Bench.Pipe.LossRate >= 1 {
		return fmt.Errorf("bench.pipe.loss_rate must be in [0, 1)")
	}

	switch c.Storage.Backend {
	case "ram", "file", "s3":
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Storage.Backend == "file" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for the file backend")
	}
	if c.Storage.Backend == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
	}
	return nil
}

// ParseSize converte strings como "512", "64kb", "1mb", "2gb" em bytes.
func ParseSize(s string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(v, "gb"):
		multiplier = 1024 * 1024 * 1024
		v = strings.TrimSuffix(v, "gb")
	case strings.HasSuffix(v, "mb"):
		multiplier = 1024 * 1024
		v = strings.TrimSuffix(v, "mb")
	case strings.HasSuffix(v, "kb"):
		multiplier = 1024
		v = strings.TrimSuffix(v, "kb")
	case strings.HasSuffix(v, "b"):
		v = strings.TrimSuffix(v, "b")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return n * multiplier, nil
}
