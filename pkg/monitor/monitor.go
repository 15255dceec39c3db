// Package monitor provides continuous per-module sampling with leveled
// threshold warnings and optional bounded-duration profiling. It observes
// only; enforcement stays with the govern package.
package monitor

import (
	"context"
	"sync"
	"time"

	defs "memgov/definitions"
	er "memgov/errors"
	log "memgov/logger"
	"memgov/pkg/govern"
	"memgov/pkg/probe"
	"memgov/pkg/utils"
)

// Thresholds are fractions of the module's memory limit at which each warning
// level fires.
type Thresholds struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Low:      defs.DefaultLowThreshold,
		Medium:   defs.DefaultMediumThreshold,
		High:     defs.DefaultHighThreshold,
		Critical: defs.DefaultCriticalThreshold,
	}
}

// Config tunes the sampling loop. Every numeric threshold is configuration,
// not a constant; zero values take the package defaults.
type Config struct {
	Interval       time.Duration
	MaxHistorySize int
	Thresholds     Thresholds

	// Warning dedup: a warning of the same level is suppressed while an
	// earlier one is younger than DedupWindow and within DedupUsageBand of
	// the same usage.
	DedupWindow    time.Duration
	DedupUsageBand float64

	// AutoGC forces a collection when usage crosses GCThreshold of the
	// limit, at most once per cooldown.
	AutoGC         bool
	GCThreshold    float64
	AutoGCCooldown time.Duration

	MaxProfilingDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:             defs.DefaultMonitorInterval,
		MaxHistorySize:       defs.DefaultMaxHistorySize,
		Thresholds:           DefaultThresholds(),
		DedupWindow:          60 * time.Second,
		DedupUsageBand:       0.05,
		GCThreshold:          0.85,
		AutoGCCooldown:       5 * time.Second,
		MaxProfilingDuration: defs.DefaultProfilingDuration,
	}
}

// WarningLevel orders threshold crossings.
type WarningLevel int

const (
	WarnLow WarningLevel = iota
	WarnMedium
	WarnHigh
	WarnCritical
)

func (l WarningLevel) String() string {
	switch l {
	case WarnLow:
		return "low"
	case WarnMedium:
		return "medium"
	case WarnHigh:
		return "high"
	case WarnCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Warning is an emitted threshold-crossing event.
type Warning struct {
	ModuleID    string       `json:"module_id"`
	Level       WarningLevel `json:"level"`
	Message     string       `json:"message"`
	MemoryUsage uint64       `json:"memory_usage"`
	Limit       uint64       `json:"limit"`
	Timestamp   time.Time    `json:"timestamp"`
	Suggestions []string     `json:"suggestions"`
}

// Ledger supplies allocation counters for the leak-probability heuristics.
// *govern.Manager satisfies it; nil disables the counter-based heuristics.
type Ledger interface {
	GetMemoryStats(id string) (govern.MemoryStats, error)
}

// Collector triggers reclamation for auto-GC. *govern.GCScheduler satisfies it.
type Collector interface {
	TriggerGC(ctx context.Context, moduleID string, aggressive bool) govern.GCResult
}

// Monitor owns one sampling loop per watched module.
type Monitor struct {
	cfg       Config
	probe     probe.Probe
	ledger    Ledger
	collector Collector

	mu        sync.Mutex
	instances map[string]*instance

	obsMu      sync.RWMutex
	warningObs []func(Warning)
	profileObs []func(Profile)
}

func New(cfg Config, p probe.Probe, ledger Ledger, collector Collector) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = defs.DefaultMonitorInterval
	}
	if cfg.MaxHistorySize == 0 {
		cfg.MaxHistorySize = defs.DefaultMaxHistorySize
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 60 * time.Second
	}
	if cfg.DedupUsageBand == 0 {
		cfg.DedupUsageBand = 0.05
	}
	if cfg.GCThreshold == 0 {
		cfg.GCThreshold = 0.85
	}
	if cfg.AutoGCCooldown == 0 {
		cfg.AutoGCCooldown = 5 * time.Second
	}
	if cfg.MaxProfilingDuration == 0 {
		cfg.MaxProfilingDuration = defs.DefaultProfilingDuration
	}
	return &Monitor{
		cfg:       cfg,
		probe:     p,
		ledger:    ledger,
		collector: collector,
		instances: make(map[string]*instance),
	}
}

// OnWarning registers a warning observer. A panicking observer is isolated.
func (m *Monitor) OnWarning(fn func(Warning)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.warningObs = append(m.warningObs, fn)
}

// OnProfile registers a profile observer.
func (m *Monitor) OnProfile(fn func(Profile)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.profileObs = append(m.profileObs, fn)
}

type sampleEntry struct {
	At    time.Time
	Stats govern.MemoryStats
}

type warnRecord struct {
	usage uint64
	at    time.Time
}

type instance struct {
	moduleID string
	limit    uint64

	mu         sync.Mutex
	history    []sampleEntry
	peak       uint64
	lastWarn   map[WarningLevel]warnRecord
	lastAutoGC time.Time
	session    *profilingSession

	stop chan struct{}
	done chan struct{}
}

// StartMonitoring begins sampling a module, replacing any prior instance for
// the same id.
func (m *Monitor) StartMonitoring(moduleID string, memoryLimit uint64) error {
	if err := utils.ValidModuleID(moduleID); err != nil {
		return err
	}
	if memoryLimit == 0 {
		return er.InvalidLimit
	}

	inst := &instance{
		moduleID: moduleID,
		limit:    memoryLimit,
		lastWarn: make(map[WarningLevel]warnRecord),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	// The old instance leaves the map and the new one lands in a single
	// critical section, so exactly one caller owns any instance's teardown.
	m.mu.Lock()
	old := m.instances[moduleID]
	m.instances[moduleID] = inst
	m.mu.Unlock()

	if old != nil {
		m.stopInstance(old)
	}
	go m.run(inst)
	return nil
}

// StopMonitoring tears the module's loop down deterministically. If a
// profiling session is active its final profile is emitted first.
func (m *Monitor) StopMonitoring(moduleID string) {
	m.mu.Lock()
	inst, ok := m.instances[moduleID]
	if ok {
		delete(m.instances, moduleID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.stopInstance(inst)
}

func (m *Monitor) stopInstance(inst *instance) {
	close(inst.stop)
	<-inst.done

	inst.mu.Lock()
	session := inst.session
	inst.session = nil
	inst.mu.Unlock()
	if session != nil {
		m.emitProfile(session.finish(m.latestStats(inst)))
	}
}

// Close stops every instance.
func (m *Monitor) Close() {
	m.mu.Lock()
	instances := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.instances = make(map[string]*instance)
	m.mu.Unlock()

	for _, inst := range instances {
		m.stopInstance(inst)
	}
}

// History returns a copy of the module's sample ring.
func (m *Monitor) History(moduleID string) []govern.MemoryStats {
	m.mu.Lock()
	inst, ok := m.instances[moduleID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	out := make([]govern.MemoryStats, len(inst.history))
	for i, s := range inst.history {
		out[i] = s.Stats
	}
	return out
}

// LatestStats returns the most recent sample for the module.
func (m *Monitor) LatestStats(moduleID string) (govern.MemoryStats, error) {
	m.mu.Lock()
	inst, ok := m.instances[moduleID]
	m.mu.Unlock()
	if !ok {
		return govern.MemoryStats{}, er.MonitorNotFound
	}
	stats := m.latestStats(inst)
	if stats == nil {
		return govern.MemoryStats{}, er.ProbeUnavailable
	}
	return *stats, nil
}

func (m *Monitor) latestStats(inst *instance) *govern.MemoryStats {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if len(inst.history) == 0 {
		return nil
	}
	s := inst.history[len(inst.history)-1].Stats
	return &s
}

func (m *Monitor) run(inst *instance) {
	defer close(inst.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-inst.stop:
			return
		case <-ticker.C:
			m.tick(inst)
		}
	}
}

// tick performs one sampling pass: capture, trend, heuristics, warnings,
// auto-GC. Sampling errors are recovered locally; the loop continues.
func (m *Monitor) tick(inst *instance) {
	raw, err := m.probe.Sample(inst.moduleID)
	if err != nil {
		log.Debugf("sample failed for module %s: %v", inst.moduleID, err)
		return
	}

	stats := govern.MemoryStats{
		Used:               raw.UsedBytes,
		Allocated:          raw.AllocatedBytes,
		FragmentationRatio: raw.FragmentationRatio,
	}
	if stats.Allocated >= stats.Used {
		stats.Available = stats.Allocated - stats.Used
	}
	if m.ledger != nil {
		if ls, err := m.ledger.GetMemoryStats(inst.moduleID); err == nil {
			stats.AllocationCount = ls.AllocationCount
			stats.DeallocationCount = ls.DeallocationCount
			stats.GCCount = ls.GCCount
			stats.GCTime = ls.GCTime
		}
	}

	now := time.Now()

	inst.mu.Lock()
	if stats.Used > inst.peak {
		inst.peak = stats.Used
	}
	stats.PeakUsage = inst.peak

	inst.history = append(inst.history, sampleEntry{At: now, Stats: stats})
	if len(inst.history) > m.cfg.MaxHistorySize {
		inst.history = inst.history[1:]
	}

	stats.GrowthRate = m.growthRate(inst.history)
	stats.LeakProbability = m.leakProbability(inst.history, stats)
	inst.history[len(inst.history)-1].Stats = stats

	if inst.session != nil {
		inst.session.observe(now, stats)
		if now.Sub(inst.session.startedAt) >= m.cfg.MaxProfilingDuration {
			session := inst.session
			inst.session = nil
			inst.mu.Unlock()
			m.emitProfile(session.finish(&stats))
			inst.mu.Lock()
		}
	}
	inst.mu.Unlock()

	m.checkThresholds(inst, stats, now)
	m.maybeAutoGC(inst, stats, now)
}

// growthRate fits bytes/second over the trailing regression span.
func (m *Monitor) growthRate(history []sampleEntry) float64 {
	span := defs.DefaultRegressionSpan
	if len(history) < 2 {
		return 0
	}
	if len(history) > span {
		history = history[len(history)-span:]
	}

	base := history[0].At
	points := make([]utils.Point, len(history))
	for i, s := range history {
		points[i] = utils.Point{
			X: s.At.Sub(base).Seconds(),
			Y: float64(s.Stats.Used),
		}
	}
	return utils.Slope(points)
}

// leakProbability combines four weighted heuristics, capped at 1.
func (m *Monitor) leakProbability(history []sampleEntry, stats govern.MemoryStats) float64 {
	var p float64

	// Growth trend: more than 100 bytes per tick sustained.
	slopePerTick := stats.GrowthRate * m.cfg.Interval.Seconds()
	if slopePerTick > 100 {
		p += 0.3
	}
	if stats.FragmentationRatio > 0.7 {
		p += 0.2
	}
	if stats.AllocationCount > 0 {
		if utils.Ratio(stats.DeallocationCount, stats.AllocationCount, 1) < 0.8 {
			p += 0.3
		}
	}
	if stats.Used > 0 && stats.PeakUsage > stats.Used+stats.Used/2 {
		p += 0.1
	}
	return utils.Clamp01(p)
}

func (m *Monitor) checkThresholds(inst *instance, stats govern.MemoryStats, now time.Time) {
	if inst.limit == 0 {
		return
	}
	ratio := float64(stats.Used) / float64(inst.limit)

	levels := []struct {
		level     WarningLevel
		threshold float64
	}{
		{WarnCritical, m.cfg.Thresholds.Critical},
		{WarnHigh, m.cfg.Thresholds.High},
		{WarnMedium, m.cfg.Thresholds.Medium},
		{WarnLow, m.cfg.Thresholds.Low},
	}

	// At most one warning per level per tick; highest crossed level wins.
	for _, lt := range levels {
		if ratio < lt.threshold {
			continue
		}
		if m.suppressed(inst, lt.level, stats.Used, now) {
			return
		}
		inst.mu.Lock()
		inst.lastWarn[lt.level] = warnRecord{usage: stats.Used, at: now}
		inst.mu.Unlock()

		m.emitWarning(Warning{
			ModuleID:    inst.moduleID,
			Level:       lt.level,
			Message:     warningMessage(lt.level, inst.moduleID, ratio),
			MemoryUsage: stats.Used,
			Limit:       inst.limit,
			Timestamp:   now,
			Suggestions: suggestionsFor(lt.level),
		})
		return
	}
}

// suppressed applies the dedup window: same level, within the usage band,
// within the window.
func (m *Monitor) suppressed(inst *instance, level WarningLevel, usage uint64, now time.Time) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	prev, ok := inst.lastWarn[level]
	if !ok {
		return false
	}
	if now.Sub(prev.at) > m.cfg.DedupWindow {
		return false
	}
	if prev.usage == 0 {
		return usage == 0
	}
	delta := float64(usage) - float64(prev.usage)
	if delta < 0 {
		delta = -delta
	}
	return delta/float64(prev.usage) <= m.cfg.DedupUsageBand
}

func (m *Monitor) maybeAutoGC(inst *instance, stats govern.MemoryStats, now time.Time) {
	if !m.cfg.AutoGC || m.collector == nil || inst.limit == 0 {
		return
	}
	if float64(stats.Used)/float64(inst.limit) < m.cfg.GCThreshold {
		return
	}

	inst.mu.Lock()
	if now.Sub(inst.lastAutoGC) < m.cfg.AutoGCCooldown {
		inst.mu.Unlock()
		return
	}
	inst.lastAutoGC = now
	inst.mu.Unlock()

	result := m.collector.TriggerGC(context.Background(), inst.moduleID, false)
	if !result.Success {
		log.Debugf("auto gc skipped for module %s: %s", inst.moduleID, result.Error)
	}
}

func (m *Monitor) emitWarning(w Warning) {
	m.obsMu.RLock()
	observers := make([]func(Warning), len(m.warningObs))
	copy(observers, m.warningObs)
	m.obsMu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("warning observer panicked: %v", r)
				}
			}()
			fn(w)
		}()
	}
}

func (m *Monitor) emitProfile(p Profile) {
	m.obsMu.RLock()
	observers := make([]func(Profile), len(m.profileObs))
	copy(observers, m.profileObs)
	m.obsMu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("profile observer panicked: %v", r)
				}
			}()
			fn(p)
		}()
	}
}

func warningMessage(level WarningLevel, moduleID string, ratio float64) string {
	switch level {
	case WarnCritical:
		return "module " + moduleID + " memory usage is critical"
	case WarnHigh:
		return "module " + moduleID + " memory usage is high"
	case WarnMedium:
		return "module " + moduleID + " memory usage is elevated"
	default:
		return "module " + moduleID + " memory usage crossed the low watermark"
	}
}

func suggestionsFor(level WarningLevel) []string {
	switch level {
	case WarnCritical:
		return []string{
			"trigger an aggressive garbage collection",
			"reject further large allocations until usage drops",
			"consider raising the module's hard limit",
		}
	case WarnHigh:
		return []string{
			"trigger a garbage collection",
			"review recent allocation spikes",
		}
	case WarnMedium:
		return []string{
			"review the module's allocation pattern",
		}
	default:
		return []string{
			"no action needed; usage is trending toward the soft limit",
		}
	}
}
