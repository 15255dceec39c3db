package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"memgov/pkg/govern"
	"memgov/pkg/probe"
)

type fakeLedger struct {
	stats govern.MemoryStats
}

func (l *fakeLedger) GetMemoryStats(id string) (govern.MemoryStats, error) {
	return l.stats, nil
}

type fakeCollector struct {
	calls []string
}

func (c *fakeCollector) TriggerGC(ctx context.Context, moduleID string, aggressive bool) govern.GCResult {
	c.calls = append(c.calls, moduleID)
	return govern.GCResult{Success: true, ModuleID: moduleID}
}

// testInstance wires an instance straight into the monitor's registry so
// tests can drive ticks without the ticker goroutine.
func testInstance(m *Monitor, moduleID string, limit uint64) *instance {
	inst := &instance{
		moduleID: moduleID,
		limit:    limit,
		lastWarn: make(map[WarningLevel]warnRecord),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	m.instances[moduleID] = inst
	m.mu.Unlock()
	return inst
}

func TestTickBuildsHistory(t *testing.T) {
	p := probe.NewScripted()
	p.Script("mod-a",
		probe.RawUsage{UsedBytes: 10 << 20, AllocatedBytes: 20 << 20},
		probe.RawUsage{UsedBytes: 12 << 20, AllocatedBytes: 20 << 20},
		probe.RawUsage{UsedBytes: 11 << 20, AllocatedBytes: 20 << 20},
	)
	m := New(DefaultConfig(), p, nil, nil)
	inst := testInstance(m, "mod-a", 100<<20)

	for i := 0; i < 3; i++ {
		m.tick(inst)
	}

	history := m.History("mod-a")
	if len(history) != 3 {
		t.Fatalf("history length: got %d, want 3", len(history))
	}
	last := history[2]
	if last.Used != 11<<20 {
		t.Errorf("latest used: got %d, want %d", last.Used, 11<<20)
	}
	if last.PeakUsage != 12<<20 {
		t.Errorf("peak: got %d, want %d", last.PeakUsage, 12<<20)
	}
	if last.Available != 9<<20 {
		t.Errorf("available: got %d, want %d", last.Available, 9<<20)
	}
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	p := probe.NewScripted()
	var readings []probe.RawUsage
	for i := 0; i < 8; i++ {
		readings = append(readings, probe.RawUsage{UsedBytes: uint64(i+1) << 20})
	}
	p.Script("mod-a", readings...)

	cfg := DefaultConfig()
	cfg.MaxHistorySize = 5
	m := New(cfg, p, nil, nil)
	inst := testInstance(m, "mod-a", 100<<20)

	for i := 0; i < 8; i++ {
		m.tick(inst)
	}

	history := m.History("mod-a")
	if len(history) != 5 {
		t.Fatalf("history length: got %d, want 5", len(history))
	}
	if history[0].Used != 4<<20 {
		t.Errorf("oldest surviving sample: got %d, want %d", history[0].Used, 4<<20)
	}
}

func TestWarningEscalation(t *testing.T) {
	p := probe.NewScripted()
	p.Script("mod-a",
		probe.RawUsage{UsedBytes: 65},
		probe.RawUsage{UsedBytes: 80},
		probe.RawUsage{UsedBytes: 90},
		probe.RawUsage{UsedBytes: 97},
	)
	m := New(DefaultConfig(), p, nil, nil)
	inst := testInstance(m, "mod-a", 100)

	var warnings []Warning
	m.OnWarning(func(w Warning) { warnings = append(warnings, w) })

	for i := 0; i < 4; i++ {
		m.tick(inst)
	}

	want := []WarningLevel{WarnLow, WarnMedium, WarnHigh, WarnCritical}
	if len(warnings) != len(want) {
		t.Fatalf("warnings: got %d, want %d", len(warnings), len(want))
	}
	for i, w := range warnings {
		if w.Level != want[i] {
			t.Errorf("warning %d: got %s, want %s", i, w.Level, want[i])
		}
		if len(w.Suggestions) == 0 {
			t.Errorf("warning %d: no suggestions", i)
		}
	}
}

func TestWarningDedup(t *testing.T) {
	p := probe.NewScripted()
	p.Script("mod-a",
		probe.RawUsage{UsedBytes: 65},
		probe.RawUsage{UsedBytes: 66}, // within the 5% band, suppressed
		probe.RawUsage{UsedBytes: 72}, // outside the band, fires again
	)
	m := New(DefaultConfig(), p, nil, nil)
	inst := testInstance(m, "mod-a", 100)

	var warnings []Warning
	m.OnWarning(func(w Warning) { warnings = append(warnings, w) })

	for i := 0; i < 3; i++ {
		m.tick(inst)
	}

	if len(warnings) != 2 {
		t.Fatalf("warnings: got %d, want 2", len(warnings))
	}
	if warnings[0].MemoryUsage != 65 || warnings[1].MemoryUsage != 72 {
		t.Errorf("warning usages: got %d and %d", warnings[0].MemoryUsage, warnings[1].MemoryUsage)
	}
}

func TestLeakProbabilityHeuristics(t *testing.T) {
	m := New(DefaultConfig(), probe.NewScripted(), nil, nil)

	cases := []struct {
		name  string
		stats govern.MemoryStats
		want  float64
	}{
		{
			name:  "quiet module",
			stats: govern.MemoryStats{Used: 1 << 20, PeakUsage: 1 << 20},
			want:  0,
		},
		{
			name: "sustained growth",
			stats: govern.MemoryStats{
				Used: 1 << 20, PeakUsage: 1 << 20,
				GrowthRate: 200,
			},
			want: 0.3,
		},
		{
			name: "all signals",
			stats: govern.MemoryStats{
				Used:               1 << 20,
				PeakUsage:          2 << 20,
				GrowthRate:         200,
				FragmentationRatio: 0.8,
				AllocationCount:    100,
				DeallocationCount:  50,
			},
			want: 0.9,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := m.leakProbability(nil, tc.stats)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("leakProbability = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGrowthRateRegression(t *testing.T) {
	m := New(DefaultConfig(), probe.NewScripted(), nil, nil)

	base := time.Now()
	var history []sampleEntry
	for i := 0; i < 6; i++ {
		history = append(history, sampleEntry{
			At:    base.Add(time.Duration(i) * time.Second),
			Stats: govern.MemoryStats{Used: uint64(1000 + 500*i)},
		})
	}

	got := m.growthRate(history)
	if diff := got - 500; diff > 1 || diff < -1 {
		t.Errorf("growth rate: got %v, want ~500 bytes/sec", got)
	}

	if rate := m.growthRate(history[:1]); rate != 0 {
		t.Errorf("single sample growth rate: got %v, want 0", rate)
	}
}

func TestAutoGCRespectsCooldown(t *testing.T) {
	p := probe.NewScripted()
	p.Script("mod-a", probe.RawUsage{UsedBytes: 90})

	collector := &fakeCollector{}
	cfg := DefaultConfig()
	cfg.AutoGC = true
	cfg.AutoGCCooldown = time.Hour
	m := New(cfg, p, nil, collector)
	inst := testInstance(m, "mod-a", 100)

	m.tick(inst)
	m.tick(inst) // sticky last reading keeps usage at 90

	if len(collector.calls) != 1 {
		t.Errorf("gc calls: got %d, want 1", len(collector.calls))
	}
}

func TestProfilingSession(t *testing.T) {
	p := probe.NewScripted()
	p.Script("mod-a",
		probe.RawUsage{UsedBytes: 10 << 20, AllocatedBytes: 20 << 20},
	)
	m := New(DefaultConfig(), p, nil, nil)
	inst := testInstance(m, "mod-a", 100<<20)
	m.tick(inst)

	if _, err := m.StopProfiling("mod-a"); err == nil {
		t.Fatal("stop without start should fail")
	}
	if err := m.StartProfiling("mod-a"); err != nil {
		t.Fatalf("start profiling: %v", err)
	}

	m.RecordEvent("mod-a", "decode-frame", 4<<10, true)
	m.RecordEvent("mod-a", "decode-frame", 8<<10, true)
	m.RecordEvent("mod-a", "tiny-op", 64, true) // below the noise floor
	m.tick(inst)

	profile, err := m.StopProfiling("mod-a")
	if err != nil {
		t.Fatalf("stop profiling: %v", err)
	}
	if len(profile.Hotspots) != 1 {
		t.Fatalf("hotspots: got %d, want 1", len(profile.Hotspots))
	}
	h := profile.Hotspots[0]
	if h.Operation != "decode-frame" || h.Count != 2 || h.TotalSize != 12<<10 || h.MaxSize != 8<<10 {
		t.Errorf("hotspot: %+v", h)
	}
	if len(profile.Timeline) != 1 {
		t.Errorf("timeline: got %d entries, want 1", len(profile.Timeline))
	}
	if len(profile.LargestAllocations) != 2 || profile.LargestAllocations[0].Size != 8<<10 {
		t.Errorf("largest allocations: %+v", profile.LargestAllocations)
	}
}

func TestEfficiencyScore(t *testing.T) {
	cases := []struct {
		name  string
		stats govern.MemoryStats
		want  float64
	}{
		{"perfect", govern.MemoryStats{}, 100},
		{"fragmented", govern.MemoryStats{FragmentationRatio: 0.5}, 85},
		{"leaky", govern.MemoryStats{LeakProbability: 1}, 60},
		{"busy collector", govern.MemoryStats{GCCount: 11}, 80},
		{
			"prompt deallocation bonus clamps at 100",
			govern.MemoryStats{AllocationCount: 100, DeallocationCount: 100},
			100,
		},
		{
			"everything wrong",
			govern.MemoryStats{FragmentationRatio: 1, LeakProbability: 1, GCCount: 20},
			10,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := efficiencyScore(tc.stats); got != tc.want {
				t.Errorf("efficiencyScore = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStartMonitoringValidation(t *testing.T) {
	m := New(DefaultConfig(), probe.NewScripted(), nil, nil)
	if err := m.StartMonitoring("", 100); err == nil {
		t.Error("empty module id accepted")
	}
	if err := m.StartMonitoring("mod-a", 0); err == nil {
		t.Error("zero limit accepted")
	}
}

func TestConcurrentRestartAndStop(t *testing.T) {
	m := New(Config{Interval: time.Millisecond}, probe.NewScripted(), nil, nil)
	defer m.Close()

	// Racing restarts and stops on the same id must tear each instance down
	// exactly once.
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := m.StartMonitoring("mod-a", 100<<20); err != nil {
					t.Errorf("start: %v", err)
					return
				}
				m.StopMonitoring("mod-a")
			}
		}()
	}
	wg.Wait()
}
