package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one resource reading of the simulator.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSS        uint64    `json:"rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sampler periodically reads CPU and memory of one child PID.
type Sampler struct {
	interval time.Duration

	mu   sync.Mutex
	last Sample
	peak uint64
}

// NewSampler returns a sampler; a non-positive interval defaults to one second.
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{interval: interval}
}

// Run samples pid until ctx is cancelled or the process disappears.
func (s *Sampler) Run(ctx context.Context, pid int) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		slog.Debug("Child sampler could not attach", "pid", pid, "error", err)
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.collect(ctx, proc); err != nil {
			slog.Debug("Child sampler stopped", "pid", pid, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sampler) collect(ctx context.Context, proc *process.Process) error {
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return err
	}
	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreadsWithContext(ctx)
	if err != nil {
		threads = 0
	}
	smp := Sample{PID: proc.Pid, CPUPercent: cpu, RSS: mem.RSS, NumThreads: threads, Timestamp: time.Now()}
	s.mu.Lock()
	s.last = smp
	if mem.RSS > s.peak {
		s.peak = mem.RSS
	}
	s.mu.Unlock()
	setChild(cpu, mem.RSS)
	return nil
}

// Last returns the most recent sample and the peak RSS seen.
func (s *Sampler) Last() (Sample, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.peak
}
