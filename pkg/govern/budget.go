package govern

import (
	"time"

	log "memgov/logger"
)

// BudgetTracker maintains per-module time-windowed allocation quotas. A quota
// is created lazily on first use; its window resets through a rearming timer
// and, as a safety net, lazily whenever the quota is consulted past its end.
type BudgetTracker struct {
	mgr   *Manager
	clock Clock
}

func newBudgetTracker(mgr *Manager, clock Clock) *BudgetTracker {
	return &BudgetTracker{mgr: mgr, clock: clock}
}

// ensureLocked creates the quota window on first touch. mod.mu must be held.
func (b *BudgetTracker) ensureLocked(mod *ManagedModule) {
	if mod.quota != nil {
		b.maybeResetLocked(mod)
		return
	}

	now := b.clock.Now()
	window := mod.limits.QuotaResetInterval
	mod.quota = &MemoryQuota{
		Allocated:   mod.limits.QuotaBytes,
		Remaining:   mod.limits.QuotaBytes,
		WindowStart: now,
		WindowEnd:   now.Add(window),
	}
	b.armTimerLocked(mod, window)
}

// maybeResetLocked rolls the window forward when its end has passed. The
// window advances by whole window lengths so a long stall cannot grant a
// partial window.
func (b *BudgetTracker) maybeResetLocked(mod *ManagedModule) {
	q := mod.quota
	now := b.clock.Now()
	if q == nil || now.Before(q.WindowEnd) {
		return
	}

	window := mod.limits.QuotaResetInterval
	for !now.Before(q.WindowEnd) {
		q.WindowStart = q.WindowEnd
		q.WindowEnd = q.WindowEnd.Add(window)
	}
	q.Used = 0
	q.Remaining = q.Allocated
	q.ResetTime = now
	log.Debugf("quota window reset: module=%s budget=%d", mod.id, q.Allocated)
}

func (b *BudgetTracker) armTimerLocked(mod *ManagedModule, window time.Duration) {
	id := mod.id
	mod.quotaTimer = time.AfterFunc(window, func() {
		b.resetModule(id)
	})
}

// resetModule is the timer callback; it rolls the window and rearms.
func (b *BudgetTracker) resetModule(id string) {
	mod, ok := b.mgr.module(id)
	if !ok {
		return
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()
	if mod.quota == nil || mod.quotaTimer == nil {
		return
	}
	b.maybeResetLocked(mod)
	b.armTimerLocked(mod, mod.limits.QuotaResetInterval)
}

// canConsumeLocked reports whether size fits the remaining budget.
func (b *BudgetTracker) canConsumeLocked(mod *ManagedModule, size uint64) bool {
	b.ensureLocked(mod)
	return mod.quota.Remaining >= size
}

// consumeLocked debits the budget. Callers must have checked canConsumeLocked
// inside the same critical section; over-consumption is clamped, not split.
func (b *BudgetTracker) consumeLocked(mod *ManagedModule, size uint64) {
	b.ensureLocked(mod)
	q := mod.quota
	if size > q.Remaining {
		size = q.Remaining
	}
	q.Used += size
	q.Remaining = q.Allocated - q.Used
}

// CanConsume is the unlocked entry point for callers outside the manager.
func (b *BudgetTracker) CanConsume(id string, size uint64) bool {
	mod, ok := b.mgr.module(id)
	if !ok {
		return false
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()
	return b.canConsumeLocked(mod, size)
}

// Consume debits the module's budget if it fits; reports whether it did.
func (b *BudgetTracker) Consume(id string, size uint64) bool {
	mod, ok := b.mgr.module(id)
	if !ok {
		return false
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()
	if !b.canConsumeLocked(mod, size) {
		return false
	}
	b.consumeLocked(mod, size)
	return true
}
