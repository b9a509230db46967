// Package autoscale maps queue depth to a worker-count target through fixed
// threshold bands. It is a discretized control loop, not a PID controller:
// depth crosses a breakpoint, the target steps, and the new target is applied
// only when it differs from the last one applied.
package autoscale

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"readings-pipeline/internal/telemetry"
)

// DepthSource reports how many tasks are waiting to be claimed.
type DepthSource interface {
	PendingDepth(ctx context.Context) (int64, error)
}

// Scaler applies a worker-count target to whatever runs the fleet.
type Scaler interface {
	Apply(ctx context.Context, workers int) error
}

// Band maps a minimum queue depth to a worker target. Bands must be
// monotonic: deeper queues never get fewer workers.
type Band struct {
	MinDepth int64
	Workers  int
}

// ParseBands reads the "depth:workers,depth:workers" config form.
func ParseBands(s string) ([]Band, error) {
	var bands []Band
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		depthStr, workersStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("band %q: want depth:workers", part)
		}
		depth, err := strconv.ParseInt(strings.TrimSpace(depthStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("band %q depth: %w", part, err)
		}
		workers, err := strconv.Atoi(strings.TrimSpace(workersStr))
		if err != nil {
			return nil, fmt.Errorf("band %q workers: %w", part, err)
		}
		bands = append(bands, Band{MinDepth: depth, Workers: workers})
	}
	if len(bands) == 0 {
		return nil, fmt.Errorf("no bands configured")
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i].MinDepth < bands[j].MinDepth })
	for i := 1; i < len(bands); i++ {
		if bands[i].Workers < bands[i-1].Workers {
			return nil, fmt.Errorf("bands not monotonic at depth %d", bands[i].MinDepth)
		}
	}
	return bands, nil
}

// Autoscaler polls queue depth and applies band targets through a Scaler.
type Autoscaler struct {
	depth    DepthSource
	scaler   Scaler
	bands    []Band
	ceiling  int
	interval time.Duration
	logger   *slog.Logger

	lastApplied int
}

func New(depth DepthSource, scaler Scaler, bands []Band, ceiling int, interval time.Duration, logger *slog.Logger) *Autoscaler {
	return &Autoscaler{
		depth:       depth,
		scaler:      scaler,
		bands:       bands,
		ceiling:     ceiling,
		interval:    interval,
		logger:      logger,
		lastApplied: -1,
	}
}

// Target returns the worker count for a queue depth, capped at the ceiling.
func (a *Autoscaler) Target(depth int64) int {
	target := a.bands[0].Workers
	for _, b := range a.bands {
		if depth >= b.MinDepth {
			target = b.Workers
		}
	}
	if a.ceiling > 0 && target > a.ceiling {
		target = a.ceiling
	}
	return target
}

// Run drives the control loop until the context is cancelled.
func (a *Autoscaler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick runs one observe-decide-apply cycle. Redundant targets are skipped so
// the fleet API is not hammered with no-op calls.
func (a *Autoscaler) Tick(ctx context.Context) {
	depth, err := a.depth.PendingDepth(ctx)
	if err != nil {
		a.logger.Error("autoscale depth poll failed", "error", err)
		return
	}
	telemetry.QueueDepthGauge.Set(float64(depth))

	target := a.Target(depth)
	if target == a.lastApplied {
		return
	}
	if err := a.scaler.Apply(ctx, target); err != nil {
		a.logger.Error("autoscale apply failed", "target", target, "error", err)
		return
	}
	a.logger.Info("autoscale target applied", "depth", depth, "workers", target)
	telemetry.WorkerTarget.Set(float64(target))
	a.lastApplied = target
}

// LogScaler records targets without driving any real fleet. Default Scaler
// for deployments where capacity is managed out of band.
type LogScaler struct {
	Logger *slog.Logger
}

func (l *LogScaler) Apply(_ context.Context, workers int) error {
	l.Logger.Info("worker target", "workers", workers)
	return nil
}
