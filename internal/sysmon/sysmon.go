// Package sysmon samples host CPU and memory on an interval, logging
// each sample and feeding the host gauges in internal/metrics. Purely
// observational: nothing here throttles the dispatch loop or admission.
package sysmon

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dissemhub/mcastup/internal/metrics"
)

// Monitor periodically samples the host. Zero value is not usable;
// construct with New.
type Monitor struct {
	interval time.Duration
	log      zerolog.Logger
	reg      *metrics.Registry
}

func New(interval time.Duration, log zerolog.Logger, reg *metrics.Registry) *Monitor {
	return &Monitor{interval: interval, log: log, reg: reg}
}

// Run samples until ctx is cancelled. Sampling errors are logged and
// the loop continues; a host that can't report CPU for one tick will
// usually manage on the next.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one CPU/memory reading. The 100ms CPU window keeps the
// call cheap relative to the sampling interval while still giving a
// meaningful utilization figure (an instantaneous cpu.Percent(0) has
// no baseline on its first call).
func (m *Monitor) Sample() {
	cpuPercents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPercents) == 0 {
		m.log.Debug().Err(err).Msg("sysmon: cpu sample failed")
	} else {
		m.reg.HostCPUPercent.Set(cpuPercents[0])
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		m.log.Debug().Err(err).Msg("sysmon: memory sample failed")
		return
	}
	m.reg.HostMemoryBytes.Set(float64(vm.Used))

	m.log.Debug().
		Float64("mem_used_percent", vm.UsedPercent).
		Uint64("mem_used_bytes", vm.Used).
		Msg("sysmon: host sample")
}
