// Package resourcesample periodically samples host and process resource
// usage via gopsutil, the same library the sidecar's reference producer
// binary uses to fill out kind=resource records.
package resourcesample

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// Options configures a Sampler.
type Options struct {
	Interval time.Duration // default 5s
	PID      int           // 0 = host metrics only, no process breakdown
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	return o
}

// Sampler emits one wire.ResourcePayload per tick on C until Stop is
// called or ctx is canceled.
type Sampler struct {
	opts Options
	c    chan wire.ResourcePayload
	stop context.CancelFunc
}

// Start begins sampling in a background goroutine and returns a Sampler
// whose channel receives one payload per interval.
func Start(ctx context.Context, opts Options) *Sampler {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	s := &Sampler{opts: opts, c: make(chan wire.ResourcePayload, 1), stop: cancel}

	go s.run(ctx)
	return s
}

// C returns the channel of sampled payloads.
func (s *Sampler) C() <-chan wire.ResourcePayload { return s.c }

// Stop halts sampling. Safe to call more than once.
func (s *Sampler) Stop() { s.stop() }

func (s *Sampler) run(ctx context.Context) {
	defer close(s.c)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload := Collect(s.opts.PID)
			select {
			case s.c <- payload:
			case <-ctx.Done():
				return
			default: // previous sample still unread: drop this one rather than block the ticker
			}
		}
	}
}

// Collect takes one resource sample. When pid is 0 only host-wide CPU and
// memory usage are filled in; disk_io and net_io are left at zero, the
// same host-only degradation the reference producer falls back to when no
// process can be resolved.
func Collect(pid int) wire.ResourcePayload {
	payload := wire.ResourcePayload{PID: pid}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		payload.CPU = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemory(); err == nil && memInfo != nil {
		payload.Memory = memInfo.UsedPercent
	}

	if pid <= 0 {
		return payload
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return payload
	}

	if cpuPct, err := proc.CPUPercent(); err == nil {
		payload.CPU = cpuPct
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		payload.Memory = float64(memInfo.RSS)
	}
	if ioCounters, err := proc.IOCounters(); err == nil && ioCounters != nil {
		payload.DiskIO = float64(ioCounters.ReadBytes + ioCounters.WriteBytes)
	}
	if conns, err := proc.Connections(); err == nil {
		payload.NetIO = float64(len(conns))
	}

	return payload
}

// FindProcessByPort resolves the PID of the process listening on port,
// used by the reference producer to resolve --watch-port into a PID
// before starting the sampler.
func FindProcessByPort(port int) int {
	conns, err := psnet.Connections("tcp")
	if err == nil {
		for _, conn := range conns {
			if conn.Status == "LISTEN" && conn.Laddr.Port == uint32(port) && conn.Pid > 0 {
				return int(conn.Pid)
			}
		}
	}
	return 0
}
