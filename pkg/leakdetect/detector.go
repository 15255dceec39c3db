// Package leakdetect classifies suspicious memory trends. It samples modules
// into rolling snapshot buffers on its own timer, independent of the monitor,
// and runs five pattern detectors per detection cycle, combining them into a
// leak verdict with severity, suspected causes and prevention actions.
package leakdetect

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

// PatternType names one heuristic signal.
type PatternType string

const (
	PatternGrowth        PatternType = "growth"
	PatternFragmentation PatternType = "fragmentation"
	PatternCircular      PatternType = "circular"
	PatternResource      PatternType = "resource"
	PatternAllocation    PatternType = "allocation"
)

// Detector importance weights. The resource census is the strongest signal:
// a handle leak is rarely a false positive.
var patternWeights = map[PatternType]float64{
	PatternGrowth:        0.8,
	PatternCircular:      0.7,
	PatternFragmentation: 0.6,
	PatternAllocation:    0.5,
	PatternResource:      0.9,
}

// Pattern is one detector's finding. Purely descriptive; it does not itself
// gate action.
type Pattern struct {
	Type        PatternType `json:"type"`
	Confidence  float64     `json:"confidence"`
	Description string      `json:"description"`
	Evidence    []string    `json:"evidence"`
}

// Result is the aggregated leak verdict for a module.
type Result struct {
	ModuleID             string    `json:"module_id"`
	HasLeak              bool      `json:"has_leak"`
	Severity             float64   `json:"severity"`
	EstimatedLeakedBytes uint64    `json:"estimated_leaked_bytes"`
	Patterns             []Pattern `json:"patterns"`
	SuspectedCauses      []string  `json:"suspected_causes"`
	Recommendations      []string  `json:"recommendations"`
	DetectedAt           time.Time `json:"detected_at"`
}

// Action is a prevention measure the detector may apply on its own.
type Action string

const (
	ActionGarbageCollection Action = "garbage_collection"
	ActionMemoryCompaction  Action = "memory_compaction"
	ActionCacheClearing     Action = "cache_clearing"
	ActionResourceCleanup   Action = "resource_cleanup"
)

// Config tunes the detector. All thresholds are configuration to be validated
// against a real probe, not proven-correct constants.
type Config struct {
	SamplingInterval time.Duration
	DetectionWindow  time.Duration
	MinSamples       int
	MaxHistory       int

	// GrowthThreshold is in bytes per second.
	GrowthThreshold            float64
	FragmentationThreshold     float64
	AllocDeallocRatioThreshold float64

	// Resource census ceilings.
	MaxOpenFiles      int
	MaxOpenConns      int
	MaxActiveTimers   int
	MaxEventListeners int

	// SeverityFloor gates the leak verdict; PreventionFloor gates
	// auto-prevention.
	SeverityFloor   float64
	PreventionFloor float64

	AutoPrevention    bool
	PreventionActions []Action
}

func DefaultConfig() Config {
	return Config{
		SamplingInterval:           defs.DefaultSnapshotInterval,
		DetectionWindow:            defs.DefaultDetectionWindow,
		MinSamples:                 defs.DefaultMinLeakSamples,
		MaxHistory:                 defs.DefaultMaxLeakHistory,
		GrowthThreshold:            1 << 20,
		FragmentationThreshold:     0.6,
		AllocDeallocRatioThreshold: 0.7,
		MaxOpenFiles:               50,
		MaxOpenConns:               20,
		MaxActiveTimers:            100,
		MaxEventListeners:          200,
		SeverityFloor:              0.3,
		PreventionFloor:            0.5,
		PreventionActions:          []Action{ActionGarbageCollection},
	}
}

// Snapshot bundles one probe reading with the ledger's counters.
type Snapshot struct {
	At           time.Time      `json:"at"`
	Usage        probe.RawUsage `json:"usage"`
	AllocCount   uint64         `json:"alloc_count"`
	DeallocCount uint64         `json:"dealloc_count"`
}

// Ledger supplies allocation counters; *govern.Manager satisfies it.
type Ledger interface {
	GetMemoryStats(id string) (govern.MemoryStats, error)
}

// Collector is what the garbage_collection prevention action calls.
type Collector interface {
	TriggerGC(ctx context.Context, moduleID string, aggressive bool) govern.GCResult
}

type moduleLoop struct {
	mu        sync.Mutex
	snapshots []Snapshot
	stop      chan struct{}
	done      chan struct{}
}

// Detector owns one snapshot loop per watched module.
type Detector struct {
	cfg       Config
	probe     probe.Probe
	ledger    Ledger
	collector Collector

	mu      sync.Mutex
	loops   map[string]*moduleLoop
	history map[string][]Result
	applied map[string]map[Action]bool
}

func New(cfg Config, p probe.Probe, ledger Ledger, collector Collector) *Detector {
	def := DefaultConfig()
	if cfg.SamplingInterval == 0 {
		cfg.SamplingInterval = def.SamplingInterval
	}
	if cfg.DetectionWindow == 0 {
		cfg.DetectionWindow = def.DetectionWindow
	}
	if cfg.MinSamples == 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	if cfg.GrowthThreshold == 0 {
		cfg.GrowthThreshold = def.GrowthThreshold
	}
	if cfg.FragmentationThreshold == 0 {
		cfg.FragmentationThreshold = def.FragmentationThreshold
	}
	if cfg.AllocDeallocRatioThreshold == 0 {
		cfg.AllocDeallocRatioThreshold = def.AllocDeallocRatioThreshold
	}
	if cfg.MaxOpenFiles == 0 {
		cfg.MaxOpenFiles = def.MaxOpenFiles
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = def.MaxOpenConns
	}
	if cfg.MaxActiveTimers == 0 {
		cfg.MaxActiveTimers = def.MaxActiveTimers
	}
	if cfg.MaxEventListeners == 0 {
		cfg.MaxEventListeners = def.MaxEventListeners
	}
	if cfg.SeverityFloor == 0 {
		cfg.SeverityFloor = def.SeverityFloor
	}
	if cfg.PreventionFloor == 0 {
		cfg.PreventionFloor = def.PreventionFloor
	}
	if cfg.PreventionActions == nil {
		cfg.PreventionActions = def.PreventionActions
	}

	return &Detector{
		cfg:       cfg,
		probe:     p,
		ledger:    ledger,
		collector: collector,
		loops:     make(map[string]*moduleLoop),
		history:   make(map[string][]Result),
		applied:   make(map[string]map[Action]bool),
	}
}

// StartMonitoring begins the module's snapshot capture loop.
func (d *Detector) StartMonitoring(moduleID string) error {
	if err := utils.ValidModuleID(moduleID); err != nil {
		return err
	}

	d.mu.Lock()
	if _, ok := d.loops[moduleID]; ok {
		d.mu.Unlock()
		return nil
	}
	loop := &moduleLoop{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	d.loops[moduleID] = loop
	d.mu.Unlock()

	go d.run(moduleID, loop)
	return nil
}

// StopMonitoring joins the module's capture loop. Snapshots and history are
// retained until ClearModule.
func (d *Detector) StopMonitoring(moduleID string) {
	d.mu.Lock()
	loop, ok := d.loops[moduleID]
	if ok {
		delete(d.loops, moduleID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	close(loop.stop)
	<-loop.done
}

// ClearModule drops the module's snapshots, verdict history and applied
// prevention actions, re-arming auto-prevention.
func (d *Detector) ClearModule(moduleID string) {
	d.StopMonitoring(moduleID)
	d.mu.Lock()
	delete(d.history, moduleID)
	delete(d.applied, moduleID)
	d.mu.Unlock()
}

// Close joins every capture loop.
func (d *Detector) Close() {
	d.mu.Lock()
	loops := d.loops
	d.loops = make(map[string]*moduleLoop)
	d.mu.Unlock()

	for _, loop := range loops {
		close(loop.stop)
		<-loop.done
	}
}

func (d *Detector) run(moduleID string, loop *moduleLoop) {
	defer close(loop.done)

	ticker := time.NewTicker(d.cfg.SamplingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-loop.stop:
			return
		case <-ticker.C:
			d.capture(moduleID, loop)
		}
	}
}

func (d *Detector) capture(moduleID string, loop *moduleLoop) {
	raw, err := d.probe.Sample(moduleID)
	if err != nil {
		log.Debugf("leak snapshot failed for module %s: %v", moduleID, err)
		return
	}

	snap := Snapshot{At: time.Now(), Usage: raw}
	if d.ledger != nil {
		if ls, err := d.ledger.GetMemoryStats(moduleID); err == nil {
			snap.AllocCount = ls.AllocationCount
			snap.DeallocCount = ls.DeallocationCount
		}
	}

	loop.mu.Lock()
	loop.snapshots = append(loop.snapshots, snap)
	// Two windows of headroom keeps regression context across a cycle.
	max := int(2*d.cfg.DetectionWindow/d.cfg.SamplingInterval) + 1
	if len(loop.snapshots) > max {
		loop.snapshots = loop.snapshots[len(loop.snapshots)-max:]
	}
	loop.mu.Unlock()
}

// InjectSnapshot feeds a snapshot directly, bypassing the capture loop. Used
// by the report path and tests to analyze externally gathered readings.
func (d *Detector) InjectSnapshot(moduleID string, snap Snapshot) error {
	d.mu.Lock()
	loop, ok := d.loops[moduleID]
	d.mu.Unlock()
	if !ok {
		return er.MonitorNotFound
	}
	loop.mu.Lock()
	loop.snapshots = append(loop.snapshots, snap)
	loop.mu.Unlock()
	return nil
}

// History returns the module's capped verdict history, newest last.
func (d *Detector) History(moduleID string) []Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.history[moduleID]
	out := make([]Result, len(h))
	copy(out, h)
	return out
}

func (d *Detector) snapshotsInWindow(moduleID string) []Snapshot {
	d.mu.Lock()
	loop, ok := d.loops[moduleID]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	loop.mu.Lock()
	defer loop.mu.Unlock()

	cutoff := time.Now().Add(-d.cfg.DetectionWindow)
	var out []Snapshot
	for _, s := range loop.snapshots {
		if s.At.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func (d *Detector) appendHistory(moduleID string, r Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := append(d.history[moduleID], r)
	if len(h) > d.cfg.MaxHistory {
		h = h[len(h)-d.cfg.MaxHistory:]
	}
	d.history[moduleID] = h
}
