package metrics

import (
	"os"
	"sync"
	"time"

	"log/slog"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

var (
	procOnce sync.Once
	proc     *process.Process
)

func currentProcess() *process.Process {
	procOnce.Do(func() {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			slog.Warn("process introspection unavailable", slog.Any("error", err))
			return
		}
		proc = p
	})
	return proc
}

// processRSSMB returns the resident set size of the current process in
// megabytes. ok is false when the counter is unavailable.
func processRSSMB() (float64, bool) {
	p := currentProcess()
	if p == nil {
		return 0, false
	}
	mi, err := p.MemoryInfo()
	if err != nil || mi == nil {
		return 0, false
	}
	return float64(mi.RSS) / (1 << 20), true
}

// ProfileSample holds resource counters collected around a profiled
// scope. Pointer fields are nil when the counter is unavailable on the
// platform.
type ProfileSample struct {
	CPUPercent       *float64
	RSSMemoryMB      *float64
	ThreadCount      *int32
	IOReadBytes      *uint64
	IOWriteBytes     *uint64
	CtxSwitchesVol   *int64
	CtxSwitchesInvol *int64
	GPUMemoryMB      *float64
}

// GPUProbe reports GPU memory use in MB. Optional; nil means no GPU.
type GPUProbe func() (float64, error)

// Profiler collects resource-level samples around operations in
// addition to duration. Profiler failures never abort the profiled
// operation.
type Profiler struct {
	collector *Collector
	gpu       GPUProbe
}

// NewProfiler creates a profiler recording into c. gpu may be nil.
func NewProfiler(c *Collector, gpu GPUProbe) *Profiler {
	return &Profiler{collector: c, gpu: gpu}
}

// ProfileScope is an open profiling scope.
type ProfileScope struct {
	profiler *Profiler
	name     string
	start    time.Time
	ioStart  *process.IOCountersStat
	ctxStart *process.NumCtxSwitchesStat
	ended    bool
}

// Profile opens a profiling scope for name, snapshotting the counters
// that are delta-based (IO, context switches).
func (p *Profiler) Profile(name string) *ProfileScope {
	ps := &ProfileScope{profiler: p, name: name, start: time.Now()}
	if pr := currentProcess(); pr != nil {
		if io, err := pr.IOCounters(); err == nil {
			ps.ioStart = io
		}
		if cs, err := pr.NumCtxSwitches(); err == nil {
			ps.ctxStart = cs
		}
	}
	return ps
}

// End closes the scope and emits a single combined sample. The error,
// if any, is recorded but otherwise propagates untouched to the caller.
func (ps *ProfileScope) End(err error) ProfileSample {
	if ps.ended {
		return ProfileSample{}
	}
	ps.ended = true

	sample := ps.collect()

	meta := map[string]any{}
	if sample.CPUPercent != nil {
		meta["cpu_percent"] = *sample.CPUPercent
	}
	if sample.ThreadCount != nil {
		meta["thread_count"] = *sample.ThreadCount
	}
	if sample.IOReadBytes != nil {
		meta["io_read_bytes"] = *sample.IOReadBytes
	}
	if sample.IOWriteBytes != nil {
		meta["io_write_bytes"] = *sample.IOWriteBytes
	}
	if sample.CtxSwitchesVol != nil {
		meta["ctx_switches_voluntary"] = *sample.CtxSwitchesVol
	}
	if sample.CtxSwitchesInvol != nil {
		meta["ctx_switches_involuntary"] = *sample.CtxSwitchesInvol
	}
	if sample.GPUMemoryMB != nil {
		meta["gpu_memory_mb"] = *sample.GPUMemoryMB
	}
	if err != nil {
		meta["error_kind"] = domain.ErrorKind(err)
	}

	var memMB float64
	if sample.RSSMemoryMB != nil {
		memMB = *sample.RSSMemoryMB
	}

	ps.profiler.collector.Record(domain.OperationMetric{
		Name:     ps.name,
		Duration: time.Since(ps.start),
		MemoryMB: memMB,
		Success:  err == nil,
		Metadata: meta,
	})
	return sample
}

func (ps *ProfileScope) collect() ProfileSample {
	var sample ProfileSample

	pr := currentProcess()
	if pr == nil {
		return sample
	}
	if cpu, err := pr.CPUPercent(); err == nil {
		sample.CPUPercent = &cpu
	}
	if mb, ok := processRSSMB(); ok {
		sample.RSSMemoryMB = &mb
	}
	if threads, err := pr.NumThreads(); err == nil {
		sample.ThreadCount = &threads
	}
	if io, err := pr.IOCounters(); err == nil && ps.ioStart != nil {
		read := io.ReadBytes - ps.ioStart.ReadBytes
		written := io.WriteBytes - ps.ioStart.WriteBytes
		sample.IOReadBytes = &read
		sample.IOWriteBytes = &written
	}
	if cs, err := pr.NumCtxSwitches(); err == nil && ps.ctxStart != nil {
		vol := cs.Voluntary - ps.ctxStart.Voluntary
		invol := cs.Involuntary - ps.ctxStart.Involuntary
		sample.CtxSwitchesVol = &vol
		sample.CtxSwitchesInvol = &invol
	}
	if ps.profiler.gpu != nil {
		if mb, err := ps.profiler.gpu(); err == nil {
			sample.GPUMemoryMB = &mb
		} else {
			slog.Debug("gpu probe failed", slog.String("operation", ps.name), slog.Any("error", err))
		}
	}
	return sample
}
