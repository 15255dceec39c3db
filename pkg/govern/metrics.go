package govern

import (
	"github.com/prometheus/client_golang/prometheus"
)

// managerMetrics mirrors the aggregate view into prometheus gauges so the
// hosting product's dashboard can scrape the governor without a bespoke API.
type managerMetrics struct {
	modules        prometheus.Gauge
	totalUsed      prometheus.Gauge
	totalAllocated prometheus.Gauge
	peakUsage      prometheus.Gauge
	fragmentation  prometheus.Gauge
	quotaUtil      prometheus.Gauge
	pressure       *prometheus.GaugeVec
	gcTotal        prometheus.Gauge
	gcReclaimed    prometheus.Gauge
}

// EnableMetrics registers the governor collectors on reg. Call at most once.
func (m *Manager) EnableMetrics(reg prometheus.Registerer) error {
	mm := &managerMetrics{
		modules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memgov", Name: "modules", Help: "Registered modules.",
		}),
		totalUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memgov", Name: "used_bytes", Help: "Total used bytes across modules.",
		}),
		totalAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memgov", Name: "allocated_bytes", Help: "Total allocated bytes across modules.",
		}),
		peakUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memgov", Name: "peak_bytes", Help: "Highest per-module peak usage.",
		}),
		fragmentation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memgov", Name: "fragmentation_ratio", Help: "Average fragmentation ratio.",
		}),
		quotaUtil: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memgov", Name: "quota_utilization", Help: "Budget consumption across modules.",
		}),
		pressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memgov", Name: "pressure_modules", Help: "Modules per pressure level.",
		}, []string{"level"}),
		gcTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memgov", Name: "gc_cycles_total", Help: "Completed collection cycles.",
		}),
		gcReclaimed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memgov", Name: "gc_reclaimed_bytes_total", Help: "Bytes reclaimed by collections.",
		}),
	}

	collectors := []prometheus.Collector{
		mm.modules, mm.totalUsed, mm.totalAllocated, mm.peakUsage,
		mm.fragmentation, mm.quotaUtil, mm.pressure, mm.gcTotal, mm.gcReclaimed,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	m.metrics = mm
	return nil
}

func (mm *managerMetrics) observe(agg AggregateStats) {
	mm.modules.Set(float64(agg.Modules))
	mm.totalUsed.Set(float64(agg.TotalUsed))
	mm.totalAllocated.Set(float64(agg.TotalAllocated))
	mm.peakUsage.Set(float64(agg.PeakUsage))
	mm.fragmentation.Set(agg.AvgFragmentation)
	mm.quotaUtil.Set(agg.QuotaUtilization)
	mm.gcTotal.Set(float64(agg.GC.TotalGCs))
	mm.gcReclaimed.Set(float64(agg.GC.MemoryReclaimed))

	for _, level := range []PressureLevel{PressureNormal, PressureModerate, PressureHigh, PressureCritical} {
		mm.pressure.WithLabelValues(level.String()).Set(float64(agg.PressureCounts[level]))
	}
}
