package govern

import (
	"sort"
	"sync"
	"time"

	defs "memgov/definitions"
	er "memgov/errors"
	log "memgov/logger"
	"memgov/pkg/utils"
)

// Config tunes the manager. Zero values fall back to the package defaults.
type Config struct {
	DefaultLimits LimitConfig
	SweepInterval time.Duration
	Strategy      Strategy
	IncrementalGC bool
	// GCPause simulates the stop-the-world cost of a collection cycle.
	GCPause time.Duration
	Clock   Clock
}

func DefaultConfig() Config {
	return Config{
		DefaultLimits: DefaultLimits(),
		SweepInterval: defs.DefaultSweepInterval,
		Strategy:      StrategyBalanced,
		GCPause:       5 * time.Millisecond,
	}
}

// ManagedModule is the registry record for one governed module. All fields
// behind mu; allocation accounting, sweeps and GC for the same module
// serialize on it.
type ManagedModule struct {
	mu sync.Mutex

	id           string
	limits       LimitConfig
	usage        MemoryUsage
	allocCount   uint64
	deallocCount uint64

	quota      *MemoryQuota
	quotaTimer *time.Timer

	gcInFlight bool
	gcStats    GCStats

	registeredAt time.Time
}

// Manager is the sole authority that can reject an allocation or force
// reclamation.
type Manager struct {
	mu      sync.RWMutex
	modules map[string]*ManagedModule
	closed  bool

	cfg   Config
	clock Clock

	handlerMu sync.RWMutex
	handlers  []pressureHandler

	globalMu sync.Mutex
	globalGC GCStats

	gc      *GCScheduler
	budget  *BudgetTracker
	metrics *managerMetrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.DefaultLimits.HardLimit == 0 {
		cfg.DefaultLimits = DefaultLimits()
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defs.DefaultSweepInterval
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyBalanced
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}

	m := &Manager{
		modules: make(map[string]*ManagedModule),
		cfg:     cfg,
		clock:   cfg.Clock,
		stopCh:  make(chan struct{}),
	}
	m.gc = newGCScheduler(m, cfg.IncrementalGC, cfg.GCPause)
	m.budget = newBudgetTracker(m, cfg.Clock)
	return m
}

// Start launches the periodic pressure sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Close stops the sweep and all per-module budget timers.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return er.GovernorClosed
	}
	m.closed = true
	close(m.stopCh)
	for _, mod := range m.modules {
		mod.mu.Lock()
		if mod.quotaTimer != nil {
			mod.quotaTimer.Stop()
			mod.quotaTimer = nil
		}
		mod.mu.Unlock()
	}
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// GC exposes the collection scheduler.
func (m *Manager) GC() *GCScheduler { return m.gc }

// Budget exposes the quota tracker.
func (m *Manager) Budget() *BudgetTracker { return m.budget }

// RegisterModule creates the registry record for a module, merging custom
// limits over the defaults.
func (m *Manager) RegisterModule(id string, custom *LimitConfig) error {
	if err := utils.ValidModuleID(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return er.GovernorClosed
	}
	if _, exists := m.modules[id]; exists {
		return er.AlreadyRegistered
	}

	limits := m.cfg.DefaultLimits.merge(custom)
	mod := &ManagedModule{
		id:           id,
		limits:       limits,
		registeredAt: m.clock.Now(),
	}
	mod.usage.Allocated = 0
	m.modules[id] = mod

	log.Debugf("registered module %s: hard=%d soft=%d critical=%d quotas=%v",
		id, limits.HardLimit, limits.SoftLimit, limits.CriticalLimit, limits.EnableQuotas)
	return nil
}

// UnregisterModule disposes the record and cancels its budget timer.
func (m *Manager) UnregisterModule(id string) error {
	m.mu.Lock()
	mod, ok := m.modules[id]
	if ok {
		delete(m.modules, id)
	}
	m.mu.Unlock()
	if !ok {
		return er.ModuleNotFound
	}

	mod.mu.Lock()
	if mod.quotaTimer != nil {
		mod.quotaTimer.Stop()
		mod.quotaTimer = nil
	}
	mod.mu.Unlock()

	log.Debugf("unregistered module %s", id)
	return nil
}

func (m *Manager) module(id string) (*ManagedModule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mod, ok := m.modules[id]
	return mod, ok
}

// CanAllocate is a pure predicate: no state changes, including quota windows.
func (m *Manager) CanAllocate(id string, size uint64) bool {
	mod, ok := m.module(id)
	if !ok {
		return false
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()
	return m.canAllocateLocked(mod, size)
}

// canAllocateLocked assumes mod.mu is held.
func (m *Manager) canAllocateLocked(mod *ManagedModule, size uint64) bool {
	if mod.limits.ValidateSize(size) != nil {
		return false
	}
	if mod.usage.Used+size > mod.limits.HardLimit {
		return false
	}
	if mod.limits.EnableQuotas {
		return m.budget.canConsumeLocked(mod, size)
	}
	return true
}

// RecordAllocation checks and commits in one critical section. A rejection
// leaves no state change and never panics.
func (m *Manager) RecordAllocation(id string, size uint64) bool {
	mod, ok := m.module(id)
	if !ok {
		return false
	}

	mod.mu.Lock()
	defer mod.mu.Unlock()

	if !m.canAllocateLocked(mod, size) {
		return false
	}

	mod.usage.Used += size
	mod.usage.Allocated += size
	if mod.usage.Used > mod.usage.PeakUsage {
		mod.usage.PeakUsage = mod.usage.Used
	}
	mod.usage.Available = availableOf(mod.usage)
	mod.allocCount++

	if mod.limits.EnableQuotas {
		m.budget.consumeLocked(mod, size)
	}
	return true
}

// RecordDeallocation floors used at zero. Quota is untouched: the budget
// tracks allocation pressure, not net usage.
func (m *Manager) RecordDeallocation(id string, size uint64) {
	mod, ok := m.module(id)
	if !ok {
		return
	}

	mod.mu.Lock()
	defer mod.mu.Unlock()

	if size > mod.usage.Used {
		size = mod.usage.Used
	}
	mod.usage.Used -= size
	mod.usage.Deallocated += size
	mod.usage.Available = availableOf(mod.usage)
	mod.deallocCount++
}

func availableOf(u MemoryUsage) uint64 {
	if u.Allocated < u.Used {
		return 0
	}
	return u.Allocated - u.Used
}

// GetMemoryUsage returns a copy of the module's ledger.
func (m *Manager) GetMemoryUsage(id string) (MemoryUsage, error) {
	mod, ok := m.module(id)
	if !ok {
		return MemoryUsage{}, er.ModuleNotFound
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()
	return mod.usage, nil
}

// GetMemoryStats folds the ledger and GC tally into a stats snapshot.
func (m *Manager) GetMemoryStats(id string) (MemoryStats, error) {
	mod, ok := m.module(id)
	if !ok {
		return MemoryStats{}, er.ModuleNotFound
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()
	return MemoryStats{
		Allocated:          mod.usage.Allocated,
		Used:               mod.usage.Used,
		Available:          mod.usage.Available,
		PeakUsage:          mod.usage.PeakUsage,
		AllocationCount:    mod.allocCount,
		DeallocationCount:  mod.deallocCount,
		FragmentationRatio: mod.usage.FragmentationRatio,
		GCCount:            mod.gcStats.TotalGCs,
		GCTime:             mod.gcStats.TotalGCTime,
	}, nil
}

// GetGCStats returns the module's collection tally.
func (m *Manager) GetGCStats(id string) (GCStats, error) {
	mod, ok := m.module(id)
	if !ok {
		return GCStats{}, er.ModuleNotFound
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()
	return mod.gcStats, nil
}

// GlobalGCStats returns the cross-module tally.
func (m *Manager) GlobalGCStats() GCStats {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	return m.globalGC
}

// GetQuota returns a copy of the module's current budget window, if quotas
// are enabled and the quota has been touched.
func (m *Manager) GetQuota(id string) (MemoryQuota, error) {
	mod, ok := m.module(id)
	if !ok {
		return MemoryQuota{}, er.ModuleNotFound
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()
	if mod.quota == nil {
		return MemoryQuota{}, er.QuotaExhausted
	}
	return *mod.quota, nil
}

// Limits returns the module's merged limit configuration.
func (m *Manager) Limits(id string) (LimitConfig, error) {
	mod, ok := m.module(id)
	if !ok {
		return LimitConfig{}, er.ModuleNotFound
	}
	return mod.limits, nil
}

// Modules returns the registered module ids, sorted for stable reporting.
func (m *Manager) Modules() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.modules))
	for id := range m.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetAggregateStats scans every registered module. No caching; callers on a
// hot path should rate-limit themselves.
func (m *Manager) GetAggregateStats() AggregateStats {
	m.mu.RLock()
	mods := make([]*ManagedModule, 0, len(m.modules))
	for _, mod := range m.modules {
		mods = append(mods, mod)
	}
	m.mu.RUnlock()

	agg := AggregateStats{
		Modules:        len(mods),
		PressureCounts: make(map[PressureLevel]int),
	}

	var fragSum float64
	var quotaUsed, quotaBudget uint64
	for _, mod := range mods {
		mod.mu.Lock()
		agg.TotalUsed += mod.usage.Used
		agg.TotalAllocated += mod.usage.Allocated
		if mod.usage.PeakUsage > agg.PeakUsage {
			agg.PeakUsage = mod.usage.PeakUsage
		}
		fragSum += mod.usage.FragmentationRatio
		agg.PressureCounts[classify(mod.usage.Used, mod.limits)]++
		if mod.quota != nil {
			quotaUsed += mod.quota.Used
			quotaBudget += mod.quota.Allocated
		}
		mod.mu.Unlock()
	}

	if len(mods) > 0 {
		agg.AverageUsed = agg.TotalUsed / uint64(len(mods))
		agg.AvgFragmentation = fragSum / float64(len(mods))
	}
	if quotaBudget > 0 {
		agg.QuotaUtilization = float64(quotaUsed) / float64(quotaBudget)
	}
	agg.GC = m.GlobalGCStats()

	if m.metrics != nil {
		m.metrics.observe(agg)
	}
	return agg
}
