package monitor

import (
	"sort"
	"sync"
	"time"

	defs "memgov/definitions"
	er "memgov/errors"
	"memgov/pkg/govern"
	"memgov/pkg/utils"
)

// Hotspot aggregates the allocation events of one operation type.
type Hotspot struct {
	Operation string    `json:"operation"`
	Count     uint64    `json:"count"`
	TotalSize uint64    `json:"total_size"`
	MaxSize   uint64    `json:"max_size"`
	LastSeen  time.Time `json:"last_seen"`
}

// AllocationEvent is one recorded allocation or deallocation.
type AllocationEvent struct {
	Operation string    `json:"operation"`
	Size      uint64    `json:"size"`
	Alloc     bool      `json:"alloc"`
	Timestamp time.Time `json:"timestamp"`
}

// TimelineEntry is one profiled sample.
type TimelineEntry struct {
	At    time.Time          `json:"at"`
	Stats govern.MemoryStats `json:"stats"`
}

// Profile is the result of a bounded profiling session.
type Profile struct {
	ModuleID           string             `json:"module_id"`
	StartedAt          time.Time          `json:"started_at"`
	Duration           time.Duration      `json:"duration"`
	Baseline           govern.MemoryStats `json:"baseline"`
	Current            govern.MemoryStats `json:"current"`
	Timeline           []TimelineEntry    `json:"timeline"`
	Hotspots           []Hotspot          `json:"hotspots"`
	LargestAllocations []AllocationEvent  `json:"largest_allocations"`
	EfficiencyScore    float64            `json:"efficiency_score"`
}

// Events smaller than this are noise, not hotspots.
const minProfiledEventSize = 1 << 10

type profilingSession struct {
	mu        sync.Mutex
	moduleID  string
	startedAt time.Time
	baseline  govern.MemoryStats
	timeline  []TimelineEntry
	hotspots  map[string]*Hotspot
	largest   []AllocationEvent
}

func newProfilingSession(moduleID string, baseline govern.MemoryStats) *profilingSession {
	return &profilingSession{
		moduleID:  moduleID,
		startedAt: time.Now(),
		baseline:  baseline,
		hotspots:  make(map[string]*Hotspot),
	}
}

func (s *profilingSession) observe(at time.Time, stats govern.MemoryStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeline = append(s.timeline, TimelineEntry{At: at, Stats: stats})
}

func (s *profilingSession) record(ev AllocationEvent) {
	if ev.Size <= minProfiledEventSize {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hotspots[ev.Operation]
	if !ok {
		h = &Hotspot{Operation: ev.Operation}
		s.hotspots[ev.Operation] = h
	}
	h.Count++
	h.TotalSize += ev.Size
	if ev.Size > h.MaxSize {
		h.MaxSize = ev.Size
	}
	h.LastSeen = ev.Timestamp

	if !ev.Alloc {
		return
	}
	s.largest = append(s.largest, ev)
	sort.Slice(s.largest, func(i, j int) bool {
		return s.largest[i].Size > s.largest[j].Size
	})
	if len(s.largest) > defs.DefaultMaxHotspots {
		s.largest = s.largest[:defs.DefaultMaxHotspots]
	}
}

// finish seals the session into a Profile. current may be nil when no sample
// was ever taken.
func (s *profilingSession) finish(current *govern.MemoryStats) Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Profile{
		ModuleID:           s.moduleID,
		StartedAt:          s.startedAt,
		Duration:           time.Since(s.startedAt),
		Baseline:           s.baseline,
		Timeline:           s.timeline,
		LargestAllocations: s.largest,
	}
	if current != nil {
		p.Current = *current
	}

	for _, h := range s.hotspots {
		p.Hotspots = append(p.Hotspots, *h)
	}
	sort.Slice(p.Hotspots, func(i, j int) bool {
		return p.Hotspots[i].TotalSize > p.Hotspots[j].TotalSize
	})
	if len(p.Hotspots) > 10 {
		p.Hotspots = p.Hotspots[:10]
	}

	p.EfficiencyScore = efficiencyScore(p.Current)
	return p
}

// efficiencyScore derives the 0-100 metric: fragmentation and leak
// probability cost up to 30 and 40 points, busy collectors cost 20, prompt
// deallocation earns 10 back.
func efficiencyScore(stats govern.MemoryStats) float64 {
	score := 100.0
	score -= stats.FragmentationRatio * 30
	score -= stats.LeakProbability * 40
	if stats.GCCount > 10 {
		score -= 20
	}
	if stats.AllocationCount > 0 &&
		utils.Ratio(stats.DeallocationCount, stats.AllocationCount, 0) > 0.95 {
		score += 10
	}
	return utils.ClampScore(score)
}

// StartProfiling opens a bounded profiling session for a monitored module.
// The session ends at MaxProfilingDuration, at StopProfiling, or when
// monitoring stops, whichever comes first.
func (m *Monitor) StartProfiling(moduleID string) error {
	m.mu.Lock()
	inst, ok := m.instances[moduleID]
	m.mu.Unlock()
	if !ok {
		return er.MonitorNotFound
	}

	var baseline govern.MemoryStats
	if s := m.latestStats(inst); s != nil {
		baseline = *s
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.session != nil {
		// Restarting replaces the running session silently.
		inst.session = nil
	}
	inst.session = newProfilingSession(moduleID, baseline)
	return nil
}

// StopProfiling seals the session and returns (and emits) its profile.
func (m *Monitor) StopProfiling(moduleID string) (Profile, error) {
	m.mu.Lock()
	inst, ok := m.instances[moduleID]
	m.mu.Unlock()
	if !ok {
		return Profile{}, er.MonitorNotFound
	}

	inst.mu.Lock()
	session := inst.session
	inst.session = nil
	inst.mu.Unlock()
	if session == nil {
		return Profile{}, er.ProfilerNotRunning
	}

	profile := session.finish(m.latestStats(inst))
	m.emitProfile(profile)
	return profile, nil
}

// RecordEvent feeds an allocation or deallocation event into the module's
// active profiling session. A no-op when profiling is off.
func (m *Monitor) RecordEvent(moduleID, operation string, size uint64, alloc bool) {
	m.mu.Lock()
	inst, ok := m.instances[moduleID]
	m.mu.Unlock()
	if !ok {
		return
	}

	inst.mu.Lock()
	session := inst.session
	inst.mu.Unlock()
	if session == nil {
		return
	}

	session.record(AllocationEvent{
		Operation: operation,
		Size:      size,
		Alloc:     alloc,
		Timestamp: time.Now(),
	})
}
