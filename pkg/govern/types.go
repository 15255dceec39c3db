// Package govern implements the enforcement side of the memory governor: the
// module registry, allocation accounting, pressure classification, collection
// scheduling and time-windowed allocation budgets.
package govern

import (
	"time"

	defs "memgov/definitions"
	er "memgov/errors"
)

// MemoryUsage is the manager's live ledger for a module. It changes only via
// allocate/deallocate accounting and GC reclaim.
type MemoryUsage struct {
	Allocated          uint64  `json:"allocated"`
	Used               uint64  `json:"used"`
	Available          uint64  `json:"available"`
	PeakUsage          uint64  `json:"peak_usage"`
	Deallocated        uint64  `json:"deallocated"`
	FragmentationRatio float64 `json:"fragmentation_ratio"`
}

// MemoryStats is a point-in-time reading for a module, the common currency
// between the manager, monitor and leak detector.
type MemoryStats struct {
	Allocated          uint64        `json:"allocated"`
	Used               uint64        `json:"used"`
	Available          uint64        `json:"available"`
	PeakUsage          uint64        `json:"peak_usage"`
	AllocationCount    uint64        `json:"allocation_count"`
	DeallocationCount  uint64        `json:"deallocation_count"`
	FragmentationRatio float64       `json:"fragmentation_ratio"`
	GCCount            uint64        `json:"gc_count"`
	GCTime             time.Duration `json:"gc_time"`
	GrowthRate         float64       `json:"growth_rate"`
	LeakProbability    float64       `json:"leak_probability"`
}

// MemoryQuota is a time-windowed allocation budget. Remaining is derived,
// never stored out of sync with Used.
type MemoryQuota struct {
	Allocated   uint64    `json:"allocated"`
	Used        uint64    `json:"used"`
	Remaining   uint64    `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	ResetTime   time.Time `json:"reset_time"`
}

// LimitConfig is the static per-module configuration. By convention
// SoftLimit <= CriticalLimit <= HardLimit; the manager assumes but does not
// enforce the ordering.
type LimitConfig struct {
	HardLimit          uint64        `json:"hard_limit"`
	SoftLimit          uint64        `json:"soft_limit"`
	CriticalLimit      uint64        `json:"critical_limit"`
	GrowthRateLimit    float64       `json:"growth_rate_limit"`
	MaxAllocationSize  uint64        `json:"max_allocation_size"`
	QuotaBytes         uint64        `json:"quota_bytes"`
	QuotaResetInterval time.Duration `json:"quota_reset_interval"`
	EnableQuotas       bool          `json:"enable_quotas"`
}

// DefaultLimits returns the stock per-module limits.
func DefaultLimits() LimitConfig {
	return LimitConfig{
		HardLimit:          defs.DefaultHardLimitBytes,
		SoftLimit:          defs.DefaultSoftLimitBytes,
		CriticalLimit:      defs.DefaultCriticalLimitBytes,
		MaxAllocationSize:  defs.DefaultMaxAllocationBytes,
		QuotaBytes:         defs.DefaultBudgetBytes,
		QuotaResetInterval: defs.DefaultBudgetWindow,
	}
}

// ValidateSize checks a proposed allocation size against the static limits,
// for callers that want the rejection reason rather than a boolean.
func (l LimitConfig) ValidateSize(size uint64) error {
	if size == 0 {
		return er.InvalidSize
	}
	if l.MaxAllocationSize > 0 && size > l.MaxAllocationSize {
		return er.InvalidSize
	}
	return nil
}

// merge overlays non-zero override fields, last write wins per field.
func (l LimitConfig) merge(override *LimitConfig) LimitConfig {
	if override == nil {
		return l
	}
	out := l
	if override.HardLimit > 0 {
		out.HardLimit = override.HardLimit
	}
	if override.SoftLimit > 0 {
		out.SoftLimit = override.SoftLimit
	}
	if override.CriticalLimit > 0 {
		out.CriticalLimit = override.CriticalLimit
	}
	if override.GrowthRateLimit > 0 {
		out.GrowthRateLimit = override.GrowthRateLimit
	}
	if override.MaxAllocationSize > 0 {
		out.MaxAllocationSize = override.MaxAllocationSize
	}
	if override.QuotaBytes > 0 {
		out.QuotaBytes = override.QuotaBytes
	}
	if override.QuotaResetInterval > 0 {
		out.QuotaResetInterval = override.QuotaResetInterval
	}
	if override.EnableQuotas {
		out.EnableQuotas = true
	}
	return out
}

// GCType classifies a collection cycle.
type GCType string

const (
	GCMinor       GCType = "minor"
	GCMajor       GCType = "major"
	GCIncremental GCType = "incremental"
	GCCompaction  GCType = "compaction"
)

// GCResult is the outcome of a single collection request.
type GCResult struct {
	Success         bool          `json:"success"`
	ModuleID        string        `json:"module_id"`
	Type            GCType        `json:"type"`
	MemoryReclaimed uint64        `json:"memory_reclaimed"`
	Duration        time.Duration `json:"duration"`
	Error           string        `json:"error,omitempty"`
}

// GCStats is a cumulative, monotonic tally of collection work.
type GCStats struct {
	TotalGCs        uint64        `json:"total_gcs"`
	TotalGCTime     time.Duration `json:"total_gc_time"`
	AverageGCTime   time.Duration `json:"average_gc_time"`
	MemoryReclaimed uint64        `json:"memory_reclaimed"`
	GCEfficiency    float64       `json:"gc_efficiency"`
}

func (s *GCStats) record(reclaimed uint64, d time.Duration) {
	s.TotalGCs++
	s.TotalGCTime += d
	s.MemoryReclaimed += reclaimed
	s.AverageGCTime = s.TotalGCTime / time.Duration(s.TotalGCs)
	if d > 0 {
		s.GCEfficiency = float64(reclaimed) / d.Seconds()
	}
}

// PressureLevel is a total order: normal < moderate < high < critical.
type PressureLevel int

const (
	PressureNormal PressureLevel = iota
	PressureModerate
	PressureHigh
	PressureCritical
)

func (p PressureLevel) String() string {
	switch p {
	case PressureNormal:
		return "normal"
	case PressureModerate:
		return "moderate"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// PressureContext is a module's current pressure classification, handed to
// registered pressure handlers.
type PressureContext struct {
	ModuleID         string        `json:"module_id"`
	CurrentUsage     uint64        `json:"current_usage"`
	SoftLimit        uint64        `json:"soft_limit"`
	HardLimit        uint64        `json:"hard_limit"`
	Level            PressureLevel `json:"level"`
	GrowthRate       float64       `json:"growth_rate"`
	Fragmentation    float64       `json:"fragmentation"`
	AvailableActions []string      `json:"available_actions"`
}

// Strategy selects how eagerly the sweep schedules collections.
type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyBalanced     Strategy = "balanced"
	StrategyAggressive   Strategy = "aggressive"
)

// AggregateStats is the O(modules) roll-up over the whole registry.
type AggregateStats struct {
	Modules          int                   `json:"modules"`
	TotalUsed        uint64                `json:"total_used"`
	TotalAllocated   uint64                `json:"total_allocated"`
	AverageUsed      uint64                `json:"average_used"`
	PeakUsage        uint64                `json:"peak_usage"`
	AvgFragmentation float64               `json:"avg_fragmentation"`
	GC               GCStats               `json:"gc"`
	QuotaUtilization float64               `json:"quota_utilization"`
	PressureCounts   map[PressureLevel]int `json:"pressure_counts"`
}

// Clock abstracts time for the budget tracker so window expiry is testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
