package govern

import (
	"context"
	"sort"
	"time"

	er "memgov/errors"
	log "memgov/logger"
)

// PressureHandler reacts to a module's pressure classification. Handlers are
// registered with the minimum level they care about; a handler for moderate
// also fires at high and critical.
type PressureHandler func(ctx PressureContext)

type pressureHandler struct {
	level    PressureLevel
	priority int
	fn       PressureHandler
}

// OnPressure registers a handler. Higher priority runs first.
func (m *Manager) OnPressure(level PressureLevel, priority int, fn PressureHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handlers = append(m.handlers, pressureHandler{level: level, priority: priority, fn: fn})
	sort.SliceStable(m.handlers, func(i, j int) bool {
		return m.handlers[i].priority > m.handlers[j].priority
	})
}

// classify maps a usage figure onto the four-tier pressure scale.
func classify(used uint64, limits LimitConfig) PressureLevel {
	if used >= limits.HardLimit || (limits.CriticalLimit > 0 && used >= limits.CriticalLimit) {
		return PressureCritical
	}
	if limits.SoftLimit == 0 {
		return PressureNormal
	}
	ratio := float64(used) / float64(limits.SoftLimit)
	switch {
	case ratio >= 0.9:
		return PressureHigh
	case ratio >= 0.75:
		return PressureModerate
	default:
		return PressureNormal
	}
}

// Pressure classifies a module's current usage.
func (m *Manager) Pressure(id string) (PressureLevel, error) {
	mod, ok := m.module(id)
	if !ok {
		return PressureNormal, er.ModuleNotFound
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()
	return classify(mod.usage.Used, mod.limits), nil
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep classifies every module and dispatches pressure handlers. Exposed so
// tests and the report path can force a pass without waiting on the ticker.
func (m *Manager) Sweep() {
	for _, id := range m.Modules() {
		mod, ok := m.module(id)
		if !ok {
			continue
		}

		mod.mu.Lock()
		pctx := PressureContext{
			ModuleID:      mod.id,
			CurrentUsage:  mod.usage.Used,
			SoftLimit:     mod.limits.SoftLimit,
			HardLimit:     mod.limits.HardLimit,
			Level:         classify(mod.usage.Used, mod.limits),
			Fragmentation: mod.usage.FragmentationRatio,
		}
		mod.mu.Unlock()

		pctx.AvailableActions = actionsFor(pctx.Level)
		m.dispatchPressure(pctx)
		m.maybeCollect(pctx)
	}
}

func actionsFor(level PressureLevel) []string {
	switch level {
	case PressureCritical:
		return []string{"aggressive_gc", "reject_allocations", "notify"}
	case PressureHigh:
		return []string{"gc", "notify"}
	case PressureModerate:
		return []string{"gc"}
	default:
		return nil
	}
}

// dispatchPressure fires every handler whose level is <= the current level,
// in descending priority. A panicking handler is isolated and logged.
func (m *Manager) dispatchPressure(pctx PressureContext) {
	m.handlerMu.RLock()
	handlers := make([]pressureHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlerMu.RUnlock()

	for _, h := range handlers {
		if h.level > pctx.Level {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("pressure handler panicked for module %s at %s: %v",
						pctx.ModuleID, pctx.Level, r)
				}
			}()
			h.fn(pctx)
		}()
	}
}

// maybeCollect turns pressure into GC work according to the strategy.
func (m *Manager) maybeCollect(pctx PressureContext) {
	switch pctx.Level {
	case PressureCritical:
		go m.gc.TriggerGC(context.Background(), pctx.ModuleID, true)
	case PressureHigh:
		if m.cfg.Strategy != StrategyConservative {
			go m.gc.TriggerGC(context.Background(), pctx.ModuleID, false)
		}
	case PressureModerate:
		if m.cfg.Strategy == StrategyAggressive {
			go m.gc.TriggerGC(context.Background(), pctx.ModuleID, false)
		}
	}
}
