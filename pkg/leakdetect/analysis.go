package leakdetect

import (
	"context"
	"fmt"
	"time"

	log "memgov/logger"
	"memgov/pkg/utils"
)

// DetectLeaks runs one detection cycle over the module's snapshots inside the
// detection window. Fewer than MinSamples snapshots always yields a negative,
// zero-severity verdict.
func (d *Detector) DetectLeaks(moduleID string) Result {
	result := Result{ModuleID: moduleID, DetectedAt: time.Now()}

	snaps := d.snapshotsInWindow(moduleID)
	if len(snaps) < d.cfg.MinSamples {
		d.appendHistory(moduleID, result)
		return result
	}

	detectors := []func([]Snapshot) (Pattern, uint64, bool){
		d.detectGrowth,
		d.detectFragmentation,
		d.detectCircular,
		d.detectResource,
		d.detectAllocImbalance,
	}
	for _, detect := range detectors {
		pattern, leaked, ok := detect(snaps)
		if !ok {
			continue
		}
		result.Patterns = append(result.Patterns, pattern)
		if leaked > result.EstimatedLeakedBytes {
			result.EstimatedLeakedBytes = leaked
		}

		weighted := pattern.Confidence * patternWeights[pattern.Type]
		if weighted > result.Severity {
			result.Severity = weighted
		}
	}

	result.HasLeak = len(result.Patterns) > 0 && result.Severity > d.cfg.SeverityFloor
	result.SuspectedCauses = causesFor(result.Patterns)
	result.Recommendations = recommendationsFor(result.Patterns)

	d.appendHistory(moduleID, result)

	if result.HasLeak && d.cfg.AutoPrevention && result.Severity > d.cfg.PreventionFloor {
		d.applyPrevention(moduleID, result)
	}
	return result
}

// detectGrowth fits used-memory over time; sustained growth past the
// threshold reads as a leak, with confidence scaling with slope magnitude.
func (d *Detector) detectGrowth(snaps []Snapshot) (Pattern, uint64, bool) {
	base := snaps[0].At
	points := make([]utils.Point, len(snaps))
	for i, s := range snaps {
		points[i] = utils.Point{
			X: s.At.Sub(base).Seconds(),
			Y: float64(s.Usage.UsedBytes),
		}
	}
	slope := utils.Slope(points)
	if slope <= d.cfg.GrowthThreshold {
		return Pattern{}, 0, false
	}

	elapsed := snaps[len(snaps)-1].At.Sub(base).Seconds()
	leaked := uint64(slope * elapsed)
	return Pattern{
		Type:        PatternGrowth,
		Confidence:  utils.Clamp01(slope / (d.cfg.GrowthThreshold * 4)),
		Description: "used memory grows steadily across the detection window",
		Evidence: []string{
			fmt.Sprintf("growth rate %.0f bytes/s over %d samples", slope, len(snaps)),
			fmt.Sprintf("threshold %.0f bytes/s", d.cfg.GrowthThreshold),
		},
	}, leaked, true
}

func (d *Detector) detectFragmentation(snaps []Snapshot) (Pattern, uint64, bool) {
	latest := snaps[len(snaps)-1]
	frag := latest.Usage.FragmentationRatio
	if frag <= d.cfg.FragmentationThreshold {
		return Pattern{}, 0, false
	}
	return Pattern{
		Type:        PatternFragmentation,
		Confidence:  utils.Clamp01(frag),
		Description: "heap fragmentation exceeds the configured ceiling",
		Evidence: []string{
			fmt.Sprintf("fragmentation ratio %.2f, threshold %.2f", frag, d.cfg.FragmentationThreshold),
		},
	}, 0, true
}

// detectCircular flags large retained reference paths: over a megabyte held
// across more than a hundred objects suggests an uncollectable cycle.
func (d *Detector) detectCircular(snaps []Snapshot) (Pattern, uint64, bool) {
	latest := snaps[len(snaps)-1]
	bytes := latest.Usage.RetainedPathBytes
	objects := latest.Usage.RetainedPathObjects
	if bytes <= 1<<20 || objects <= 100 {
		return Pattern{}, 0, false
	}
	return Pattern{
		Type:        PatternCircular,
		Confidence:  utils.Clamp01(0.5 + float64(bytes)/float64(100<<20)),
		Description: "a large retained reference path suggests circular references",
		Evidence: []string{
			fmt.Sprintf("retained path holds %d bytes across %d objects", bytes, objects),
		},
	}, bytes, true
}

func (d *Detector) detectResource(snaps []Snapshot) (Pattern, uint64, bool) {
	latest := snaps[len(snaps)-1].Usage

	var evidence []string
	worst := 0.0
	check := func(name string, count, limit int) {
		if limit <= 0 || count <= limit {
			return
		}
		ratio := float64(count) / float64(limit)
		if ratio > worst {
			worst = ratio
		}
		evidence = append(evidence, fmt.Sprintf("%s: %d open, ceiling %d", name, count, limit))
	}
	check("files", latest.OpenFiles, d.cfg.MaxOpenFiles)
	check("connections", latest.OpenConns, d.cfg.MaxOpenConns)
	check("timers", latest.ActiveTimers, d.cfg.MaxActiveTimers)
	check("listeners", latest.EventListeners, d.cfg.MaxEventListeners)

	if len(evidence) == 0 {
		return Pattern{}, 0, false
	}
	return Pattern{
		Type:        PatternResource,
		Confidence:  utils.Clamp01(worst / 2),
		Description: "resource handles accumulate beyond their ceilings",
		Evidence:    evidence,
	}, 0, true
}

func (d *Detector) detectAllocImbalance(snaps []Snapshot) (Pattern, uint64, bool) {
	latest := snaps[len(snaps)-1]
	if latest.AllocCount == 0 {
		return Pattern{}, 0, false
	}
	ratio := float64(latest.DeallocCount) / float64(latest.AllocCount)
	if ratio >= d.cfg.AllocDeallocRatioThreshold {
		return Pattern{}, 0, false
	}
	return Pattern{
		Type:        PatternAllocation,
		Confidence:  utils.Clamp01(1 - ratio),
		Description: "deallocations lag allocations",
		Evidence: []string{
			fmt.Sprintf("dealloc/alloc ratio %.2f, threshold %.2f", ratio, d.cfg.AllocDeallocRatioThreshold),
		},
	}, 0, true
}

func causesFor(patterns []Pattern) []string {
	var causes []string
	add := func(items ...string) {
		for _, it := range items {
			if !utils.InList(causes, it) {
				causes = append(causes, it)
			}
		}
	}
	for _, p := range patterns {
		switch p.Type {
		case PatternGrowth:
			add("unbounded cache or buffer growth", "objects retained past their useful life")
		case PatternFragmentation:
			add("many short-lived allocations of varying size")
		case PatternCircular:
			add("reference cycles the collector cannot break")
		case PatternResource:
			add("handles opened without matching close calls")
		case PatternAllocation:
			add("missing deallocation on some code path")
		}
	}
	return causes
}

func recommendationsFor(patterns []Pattern) []string {
	recs := []string{
		"monitor the module's usage trend over a longer window",
		"establish a memory baseline for the module under normal load",
	}
	add := func(items ...string) {
		for _, it := range items {
			if !utils.InList(recs, it) {
				recs = append(recs, it)
			}
		}
	}
	for _, p := range patterns {
		switch p.Type {
		case PatternGrowth:
			add("bound caches and queues; evict before they grow unchecked")
		case PatternFragmentation:
			add("pool same-sized allocations or schedule compaction")
		case PatternCircular:
			add("break ownership cycles or use weak references")
		case PatternResource:
			add("audit open/close pairing for files, connections and timers")
		case PatternAllocation:
			add("pair every allocation with a release on all exit paths")
		}
	}
	return recs
}

// applyPrevention applies each configured action at most once per module.
// The applied set survives subsequent detections until ClearModule.
func (d *Detector) applyPrevention(moduleID string, result Result) {
	d.mu.Lock()
	applied, ok := d.applied[moduleID]
	if !ok {
		applied = make(map[Action]bool)
		d.applied[moduleID] = applied
	}
	var todo []Action
	for _, action := range d.cfg.PreventionActions {
		if !applied[action] {
			applied[action] = true
			todo = append(todo, action)
		}
	}
	d.mu.Unlock()

	for _, action := range todo {
		log.Infof("leak prevention for module %s (severity %.2f): %s", moduleID, result.Severity, action)
		switch action {
		case ActionGarbageCollection:
			if d.collector != nil {
				d.collector.TriggerGC(context.Background(), moduleID, true)
			}
		case ActionMemoryCompaction, ActionCacheClearing, ActionResourceCleanup:
			// Advisory: the hosting application owns these surfaces; the
			// detector records that it asked.
		}
	}
}
