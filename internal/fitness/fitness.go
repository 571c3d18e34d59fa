// Package fitness implements the startup fitness-check registry (C10):
// a list of preconditions run, in registration order, before the
// JobScaler starts its main loop (spec.md §4.7 step 1). Any failure
// exits the process non-zero so the supervisor can restart it.
//
// Adapted from the teacher's internal/monitor package: the same
// gopsutil-backed CPU/RAM sampling, repurposed from "can this host
// transcode video" telemetry into a go/no-go startup gate.
package fitness

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Check is a single startup precondition. Checks may do blocking I/O;
// the caller awaits each in registration order and stops at the first
// failure.
type Check func(ctx context.Context) error

// Registry is an ordered list of Checks, run via Run.
type Registry struct {
	checks []namedCheck
}

type namedCheck struct {
	name  string
	check Check
}

// Register appends a named Check to the registry.
func (r *Registry) Register(name string, check Check) {
	r.checks = append(r.checks, namedCheck{name: name, check: check})
}

// Run executes every registered Check in order, stopping and returning
// the first failure (spec.md §4.7: "any failure exits the process with a
// non-zero code").
func (r *Registry) Run(ctx context.Context) error {
	for _, nc := range r.checks {
		if err := nc.check(ctx); err != nil {
			return fmt.Errorf("fitness check %q failed: %w", nc.name, err)
		}
	}
	return nil
}

// HostHeadroom fails if the host is already saturated enough that
// accepting work would be pointless — mirrors the teacher's
// SystemMonitor.GetStats "busy" heuristic (CPU > 95% or RAM > 95% used),
// widened slightly from the teacher's 80/90 thresholds since this gates
// worker startup rather than per-heartbeat scheduling hints.
func HostHeadroom(maxCPUPercent, maxRAMPercent float64) Check {
	return func(ctx context.Context) error {
		v, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return fmt.Errorf("reading memory stats: %w", err)
		}
		if v.UsedPercent > maxRAMPercent {
			return fmt.Errorf("ram usage %.1f%% exceeds startup threshold %.1f%%", v.UsedPercent, maxRAMPercent)
		}

		cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return fmt.Errorf("reading cpu stats: %w", err)
		}
		if len(cpuPct) > 0 && cpuPct[0] > maxCPUPercent {
			return fmt.Errorf("cpu usage %.1f%% exceeds startup threshold %.1f%%", cpuPct[0], maxCPUPercent)
		}
		return nil
	}
}

// RequiredURLs fails if any of the given (name, value) pairs is empty —
// used to require the acquisition/result/ping URLs unless the worker is
// running in local-test mode.
func RequiredURLs(pairs map[string]string) Check {
	return func(ctx context.Context) error {
		for name, value := range pairs {
			if value == "" {
				return fmt.Errorf("required configuration %q is empty", name)
			}
		}
		return nil
	}
}

// HandlerClassifiable fails if classify returns an error, i.e. the
// configured handler doesn't match one of C3's four recognized shapes.
func HandlerClassifiable(classify func() error) Check {
	return func(ctx context.Context) error {
		return classify()
	}
}
