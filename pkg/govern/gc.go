package govern

import (
	"context"
	"time"

	er "memgov/errors"
	log "memgov/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GCScheduler serializes collection requests per module. With incremental
// collection disabled a second request for an in-flight module is rejected
// with an explicit conflict result; incremental mode permits overlap.
type GCScheduler struct {
	mgr         *Manager
	incremental bool
	pause       time.Duration
	tracer      trace.Tracer
}

const (
	reclaimFractionNormal     = 0.10
	reclaimFractionAggressive = 0.30
)

func newGCScheduler(mgr *Manager, incremental bool, pause time.Duration) *GCScheduler {
	return &GCScheduler{
		mgr:         mgr,
		incremental: incremental,
		pause:       pause,
		tracer:      otel.Tracer("memgov/govern"),
	}
}

// TriggerGC runs one simulated collection cycle for the module. Failures are
// reported in the result, never as an error return, so sweeps and callers can
// treat every outcome uniformly.
func (g *GCScheduler) TriggerGC(ctx context.Context, moduleID string, aggressive bool) GCResult {
	gcType := GCMinor
	if aggressive {
		gcType = GCMajor
	}
	if g.incremental {
		gcType = GCIncremental
	}
	result := GCResult{ModuleID: moduleID, Type: gcType}

	mod, ok := g.mgr.module(moduleID)
	if !ok {
		result.Error = er.ModuleNotFound.Error()
		return result
	}

	ctx, span := g.tracer.Start(ctx, "gc.cycle")
	span.SetAttributes(
		attribute.String("module.id", moduleID),
		attribute.Bool("gc.aggressive", aggressive),
	)
	defer span.End()

	mod.mu.Lock()
	if mod.gcInFlight && !g.incremental {
		mod.mu.Unlock()
		result.Error = er.GCInProgress.Error()
		log.Debugf("gc conflict: module=%s", moduleID)
		return result
	}
	mod.gcInFlight = true
	mod.mu.Unlock()

	start := time.Now()

	// Models the awaited collection operation; cancellable by the caller.
	if g.pause > 0 {
		select {
		case <-ctx.Done():
			mod.mu.Lock()
			mod.gcInFlight = false
			mod.mu.Unlock()
			result.Error = ctx.Err().Error()
			return result
		case <-time.After(g.pause):
		}
	}

	fraction := reclaimFractionNormal
	if aggressive {
		fraction = reclaimFractionAggressive
	}

	mod.mu.Lock()
	reclaimed := uint64(float64(mod.usage.Used) * fraction)
	mod.usage.Used -= reclaimed
	mod.usage.Deallocated += reclaimed
	mod.usage.Available = availableOf(mod.usage)
	duration := time.Since(start)
	mod.gcStats.record(reclaimed, duration)
	mod.gcInFlight = false
	mod.mu.Unlock()

	g.mgr.globalMu.Lock()
	g.mgr.globalGC.record(reclaimed, duration)
	g.mgr.globalMu.Unlock()

	result.Success = true
	result.MemoryReclaimed = reclaimed
	result.Duration = duration
	span.SetAttributes(attribute.Int64("gc.reclaimed_bytes", int64(reclaimed)))

	log.Debugf("gc done: module=%s type=%s reclaimed=%d duration=%s",
		moduleID, gcType, reclaimed, duration)
	return result
}
