package config

import (
	"runtime"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
)

// Hardware describes the CPU and memory available to a run
type Hardware struct {
	PhysicalCores int
	LogicalCores  int
	TotalMemory   uint64
}

// DetectHardware queries cpuid for core counts. cpuid reports zero on
// platforms it cannot inspect, so both counts fall back to runtime.NumCPU.
func DetectHardware() Hardware {
	hw := Hardware{
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		TotalMemory:   memory.TotalMemory(),
	}
	if hw.LogicalCores <= 0 {
		hw.LogicalCores = runtime.NumCPU()
	}
	if hw.PhysicalCores <= 0 {
		hw.PhysicalCores = hw.LogicalCores
	}
	if hw.PhysicalCores > hw.LogicalCores {
		hw.PhysicalCores = hw.LogicalCores
	}
	return hw
}

// bytesPerPixelInFlight approximates the working set of one job: the
// decoded frame, the denoised copy and the float64 scratch of the filter.
const bytesPerPixelInFlight = 3 * 8

// TargetConcurrency returns the number of concurrent jobs for frames of the
// given pixel count. It is the configured logical core count, capped so that
// the in-flight working set fits the memory budget. Never less than 1.
func (c *Config) TargetConcurrency(pixels int) int {
	target := c.Hardware.LogicalCores
	if target < 1 {
		target = 1
	}
	if pixels <= 0 {
		return target
	}

	budget := uint64(c.Hardware.MemoryMiB) << 20
	if budget == 0 {
		budget = memory.TotalMemory() / 2
	}
	if budget == 0 {
		return target
	}

	perJob := uint64(pixels) * bytesPerPixelInFlight
	fit := int(budget / perJob)
	if fit < 1 {
		fit = 1
	}
	if fit < target {
		target = fit
	}
	return target
}
