package server

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/trainpulse/trainpulse/internal/clock"
	"github.com/trainpulse/trainpulse/internal/protocol"
)

// SampleFunc reads one system_metrics snapshot.
type SampleFunc func(ctx context.Context) (protocol.SystemMetrics, error)

// HostSample reads CPU, memory and root filesystem usage of this host.
// GPU utilisation is not available through gopsutil and is left unset.
func HostSample(ctx context.Context) (protocol.SystemMetrics, error) {
	var out protocol.SystemMetrics

	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return out, err
	}
	if len(pct) > 0 {
		out.CPU = round1(pct[0])
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return out, err
	}
	out.Memory = round1(vm.UsedPercent)

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		d := round1(du.UsedPercent)
		out.Disk = &d
	}
	return out, nil
}

// Sampler publishes a system_metrics event every interval.
type Sampler struct {
	sample   SampleFunc
	interval time.Duration
	publish  func(protocol.Event)
	sched    *clock.Scheduler
	log      *zap.Logger

	handle *clock.Handle
}

// NewSampler returns a stopped sampler.
func NewSampler(sample SampleFunc, interval time.Duration, publish func(protocol.Event), sched *clock.Scheduler, log *zap.Logger) *Sampler {
	if sample == nil {
		sample = HostSample
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sampler{
		sample:   sample,
		interval: interval,
		publish:  publish,
		sched:    sched,
		log:      log,
	}
}

// Start begins sampling; ctx bounds each individual read.
func (s *Sampler) Start(ctx context.Context) {
	s.handle = s.sched.Every(s.interval, func() { s.tick(ctx) })
}

// Stop cancels future samples.
func (s *Sampler) Stop() {
	s.handle.Cancel()
}

func (s *Sampler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	m, err := s.sample(ctx)
	if err != nil {
		s.log.Debug("system sample failed", zap.Error(err))
		return
	}
	s.publish(protocol.NewEventAt(m, s.sched.Now()))
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
