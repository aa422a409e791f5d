// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package tele

import (
	"log/slog"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// EnvInfo é o snapshot do ambiente coletado uma vez no início do processo.
type EnvInfo struct {
	OS            string
	Platform      string
	KernelVersion string
	Arch          string
	CPUCount      int
	TotalRAMBytes uint64
}

// CollectEnv coleta o snapshot do ambiente. Falhas parciais não são fatais:
// os campos indisponíveis ficam com zero values.
func CollectEnv() EnvInfo {
	info := EnvInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	if hi, err := host.Info(); err == nil {
		info.Platform = hi.Platform
		info.KernelVersion = hi.KernelVersion
	}
	if count, err := cpu.Counts(true); err == nil {
		info.CPUCount = count
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalRAMBytes = vm.Total
	}

	return info
}

// LogEnv registra o snapshot do ambiente no logger.
func LogEnv(logger *slog.Logger, info EnvInfo) {
	logger.Info("environment",
		"os", info.OS,
		"arch", info.Arch,
		"platform", info.Platform,
		"kernel", info.KernelVersion,
		"cpus", info.CPUCount,
		"ram_bytes", info.TotalRAMBytes,
	)
}
