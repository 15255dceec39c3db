package governor

import (
	"time"

	"memgov/pkg/govern"
	"memgov/pkg/leakdetect"
	"memgov/pkg/utils"
)

// MemoryReport merges the three component views of one module: the manager's
// ledger, the monitor's latest sample and the detector's current verdict.
type MemoryReport struct {
	ModuleID    string    `json:"module_id"`
	GeneratedAt time.Time `json:"generated_at"`

	Usage    govern.MemoryUsage   `json:"usage"`
	Stats    govern.MemoryStats   `json:"stats"`
	Quota    govern.MemoryQuota   `json:"quota"`
	Limits   govern.LimitConfig   `json:"limits"`
	GC       govern.GCStats       `json:"gc"`
	Pressure govern.PressureLevel `json:"pressure"`

	Leak leakdetect.Result `json:"leak"`

	Recommendations []string `json:"recommendations"`
}

// GetMemoryReport assembles the full report. The leak verdict runs a fresh
// detection cycle, so the report reflects the detector's current window.
func (g *Governor) GetMemoryReport(moduleID string) (MemoryReport, error) {
	usage, err := g.mgr.GetMemoryUsage(moduleID)
	if err != nil {
		return MemoryReport{}, err
	}

	report := MemoryReport{
		ModuleID:    moduleID,
		GeneratedAt: time.Now(),
		Usage:       usage,
	}

	if stats, err := g.mon.LatestStats(moduleID); err == nil {
		report.Stats = stats
	} else if stats, err := g.mgr.GetMemoryStats(moduleID); err == nil {
		report.Stats = stats
	}
	if quota, err := g.mgr.GetQuota(moduleID); err == nil {
		report.Quota = quota
	}
	if limits, err := g.mgr.Limits(moduleID); err == nil {
		report.Limits = limits
	}
	if gc, err := g.mgr.GetGCStats(moduleID); err == nil {
		report.GC = gc
	}
	if level, err := g.mgr.Pressure(moduleID); err == nil {
		report.Pressure = level
	}

	report.Leak = g.det.DetectLeaks(moduleID)
	report.Recommendations = reportRecommendations(report)
	return report, nil
}

func reportRecommendations(r MemoryReport) []string {
	recs := append([]string(nil), r.Leak.Recommendations...)
	add := func(s string) {
		if !utils.InList(recs, s) {
			recs = append(recs, s)
		}
	}

	switch r.Pressure {
	case govern.PressureCritical:
		add("usage is at the critical limit; shed load or raise the module's hard limit")
	case govern.PressureHigh:
		add("usage is close to the soft limit; trigger a collection or reduce working set")
	}
	if r.Usage.FragmentationRatio > 0.5 {
		add("fragmentation is high; consider compaction or pooling same-sized allocations")
	}
	if r.Limits.QuotaBytes > 0 && r.Quota.Allocated > 0 {
		used := float64(r.Quota.Used) / float64(r.Quota.Allocated)
		if used > 0.9 {
			add("allocation budget is nearly exhausted for this window; slow the allocation rate")
		}
	}
	return recs
}
