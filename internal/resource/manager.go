// Package resource enforces memory ceilings and provides resource-gated
// execution for the processing pipeline.
package resource

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"log/slog"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// Limits configures the memory and device budget of a manager.
type Limits struct {
	MaxMemoryMB    float64
	MaxGPUMemoryMB float64
	TargetDevice   string
	FallbackDevice string
}

// DeviceProber reports whether a device can actually be used, typically
// by attempting a small allocation on it. Nil means only the fallback
// device is considered available.
type DeviceProber func(device string) bool

// Manager tracks memory use against configured ceilings and runs
// functions behind a fail-fast admission check.
type Manager struct {
	limits Limits
	device string

	mu      sync.RWMutex
	rssMB   func() (float64, bool)
	gpuUsed func() (float64, bool)
}

// NewManager selects a device per the limits and returns a ready
// manager. If the target device is not the fallback and the probe
// rejects it, the fallback is used and the decision is logged.
func NewManager(limits Limits, probe DeviceProber) *Manager {
	device := limits.TargetDevice
	if device == "" {
		device = limits.FallbackDevice
	}
	if device != limits.FallbackDevice {
		available := probe != nil && probe(device)
		if !available {
			slog.Warn("target device unavailable, using fallback",
				slog.String("target", device),
				slog.String("fallback", limits.FallbackDevice))
			device = limits.FallbackDevice
		}
	}
	return &Manager{
		limits:  limits,
		device:  device,
		rssMB:   currentRSSMB,
		gpuUsed: func() (float64, bool) { return 0, false },
	}
}

// Device returns the selected execution device.
func (m *Manager) Device() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.device
}

// Limits returns the configured limits.
func (m *Manager) Limits() Limits { return m.limits }

// CheckMemory reports whether requiredMB additional megabytes fit under
// the configured ceilings. GPU budget is only consulted on GPU-capable
// devices.
func (m *Manager) CheckMemory(requiredMB float64) bool {
	current, ok := m.rssMB()
	if !ok {
		// Counters unavailable: admit and rely on the ceiling of the
		// surrounding runtime.
		return true
	}
	if current+requiredMB > m.limits.MaxMemoryMB {
		return false
	}
	if m.Device() != "cpu" && m.limits.MaxGPUMemoryMB > 0 {
		if used, ok := m.gpuUsed(); ok && used+requiredMB > m.limits.MaxGPUMemoryMB {
			return false
		}
	}
	return true
}

// Execute runs fn if requiredMB fits under the ceilings, failing fast
// with ErrResourceExhausted otherwise. Any failure raised by fn is
// wrapped as a ResourceError preserving the cause.
func (m *Manager) Execute(ctx context.Context, op string, requiredMB float64, fn func(context.Context) error) (err error) {
	if !m.CheckMemory(requiredMB) {
		return fmt.Errorf("op=%s requiredMB=%.1f: %w", op, requiredMB, domain.ErrResourceExhausted)
	}
	defer func() {
		if r := recover(); r != nil {
			err = &domain.ResourceError{Op: op, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := fn(ctx); err != nil {
		return &domain.ResourceError{Op: op, Cause: err}
	}
	return nil
}

// OptimizeBatchSize caps a requested batch size to what the remaining
// memory budget can hold, given the per-item footprint.
func (m *Manager) OptimizeBatchSize(requested int, itemMB float64) int {
	if requested <= 0 || itemMB <= 0 {
		return requested
	}
	current, ok := m.rssMB()
	if !ok {
		return requested
	}
	available := m.limits.MaxMemoryMB - current
	if available <= 0 {
		return 0
	}
	fit := int(math.Floor(available / itemMB))
	if fit < requested {
		return fit
	}
	return requested
}

func currentRSSMB() (float64, bool) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, false
	}
	mi, err := p.MemoryInfo()
	if err != nil || mi == nil {
		return 0, false
	}
	return float64(mi.RSS) / (1 << 20), true
}
