package govern

import (
	"sync"
	"testing"
	"time"

	er "memgov/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testManager(t *testing.T, limits LimitConfig) *Manager {
	t.Helper()
	m := NewManager(Config{
		DefaultLimits: limits,
		SweepInterval: time.Hour,
		Clock:         newFakeClock(),
	})
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRegisterModule(t *testing.T) {
	m := testManager(t, DefaultLimits())

	if err := m.RegisterModule("mod-a", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.RegisterModule("mod-a", nil); err != er.AlreadyRegistered {
		t.Fatalf("duplicate register: got %v, want %v", err, er.AlreadyRegistered)
	}
	if err := m.RegisterModule("", nil); err != er.EmptyModuleID {
		t.Fatalf("empty id: got %v, want %v", err, er.EmptyModuleID)
	}
	if err := m.UnregisterModule("mod-a"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := m.UnregisterModule("mod-a"); err != er.ModuleNotFound {
		t.Fatalf("unregister missing: got %v, want %v", err, er.ModuleNotFound)
	}
}

func TestRegisterModuleMergesCustomLimits(t *testing.T) {
	m := testManager(t, DefaultLimits())
	custom := &LimitConfig{HardLimit: 10 << 20}
	if err := m.RegisterModule("mod-a", custom); err != nil {
		t.Fatalf("register: %v", err)
	}

	limits, err := m.Limits("mod-a")
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	if limits.HardLimit != 10<<20 {
		t.Errorf("hard limit: got %d, want %d", limits.HardLimit, 10<<20)
	}
	if limits.MaxAllocationSize != DefaultLimits().MaxAllocationSize {
		t.Errorf("max allocation not inherited from defaults: got %d", limits.MaxAllocationSize)
	}
}

func TestAllocationCeiling(t *testing.T) {
	m := testManager(t, LimitConfig{
		HardLimit:         10 << 20,
		SoftLimit:         8 << 20,
		CriticalLimit:     10 << 20,
		MaxAllocationSize: 2 << 20,
	})
	if err := m.RegisterModule("mod-a", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 10; i++ {
		if !m.RecordAllocation("mod-a", 1<<20) {
			t.Fatalf("allocation %d rejected below the hard limit", i+1)
		}
	}
	if m.CanAllocate("mod-a", 1<<20) {
		t.Error("allocation allowed past the hard limit")
	}
	if m.RecordAllocation("mod-a", 1<<20) {
		t.Error("allocation recorded past the hard limit")
	}

	usage, err := m.GetMemoryUsage("mod-a")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.Used != 10<<20 {
		t.Errorf("used after rejection: got %d, want %d", usage.Used, 10<<20)
	}
}

func TestAllocationSizeChecks(t *testing.T) {
	m := testManager(t, LimitConfig{
		HardLimit:         10 << 20,
		MaxAllocationSize: 2 << 20,
	})
	if err := m.RegisterModule("mod-a", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	cases := []struct {
		name string
		size uint64
		want bool
	}{
		{"zero", 0, false},
		{"within max", 2 << 20, true},
		{"over max", 2<<20 + 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := m.CanAllocate("mod-a", tc.size); got != tc.want {
				t.Errorf("CanAllocate(%d) = %v, want %v", tc.size, got, tc.want)
			}
		})
	}

	if m.CanAllocate("missing", 1) {
		t.Error("CanAllocate for unregistered module")
	}
}

func TestValidateSizeReportsReason(t *testing.T) {
	limits := LimitConfig{HardLimit: 10 << 20, MaxAllocationSize: 2 << 20}

	if err := limits.ValidateSize(0); err != er.InvalidSize {
		t.Errorf("zero size: got %v, want %v", err, er.InvalidSize)
	}
	if err := limits.ValidateSize(2<<20 + 1); err != er.InvalidSize {
		t.Errorf("oversized: got %v, want %v", err, er.InvalidSize)
	}
	if err := limits.ValidateSize(2 << 20); err != nil {
		t.Errorf("valid size: got %v, want nil", err)
	}

	// Without a configured ceiling only zero is rejected.
	if err := (LimitConfig{HardLimit: 10 << 20}).ValidateSize(1 << 30); err != nil {
		t.Errorf("no ceiling: got %v, want nil", err)
	}
}

func TestDeallocationFloorsAtZero(t *testing.T) {
	m := testManager(t, DefaultLimits())
	if err := m.RegisterModule("mod-a", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.RecordAllocation("mod-a", 1<<20)
	m.RecordDeallocation("mod-a", 5<<20)

	usage, _ := m.GetMemoryUsage("mod-a")
	if usage.Used != 0 {
		t.Errorf("used after over-deallocation: got %d, want 0", usage.Used)
	}
	if usage.Deallocated != 1<<20 {
		t.Errorf("deallocated: got %d, want %d", usage.Deallocated, 1<<20)
	}
}

func TestPeakUsageMonotonic(t *testing.T) {
	m := testManager(t, DefaultLimits())
	if err := m.RegisterModule("mod-a", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	var peak uint64
	steps := []struct {
		alloc   uint64
		dealloc uint64
	}{
		{4 << 20, 0},
		{0, 2 << 20},
		{1 << 20, 0},
		{0, 3 << 20},
		{8 << 20, 0},
	}
	for i, step := range steps {
		if step.alloc > 0 {
			m.RecordAllocation("mod-a", step.alloc)
		}
		if step.dealloc > 0 {
			m.RecordDeallocation("mod-a", step.dealloc)
		}
		usage, _ := m.GetMemoryUsage("mod-a")
		if usage.PeakUsage < peak {
			t.Fatalf("step %d: peak went backwards: %d -> %d", i, peak, usage.PeakUsage)
		}
		if usage.PeakUsage < usage.Used {
			t.Fatalf("step %d: peak %d below used %d", i, usage.PeakUsage, usage.Used)
		}
		peak = usage.PeakUsage
	}
}

func TestGetMemoryStatsCounts(t *testing.T) {
	m := testManager(t, DefaultLimits())
	if err := m.RegisterModule("mod-a", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.RecordAllocation("mod-a", 1<<20)
	m.RecordAllocation("mod-a", 2<<20)
	m.RecordDeallocation("mod-a", 1<<20)

	stats, err := m.GetMemoryStats("mod-a")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.AllocationCount != 2 || stats.DeallocationCount != 1 {
		t.Errorf("counts: got alloc=%d dealloc=%d, want 2/1",
			stats.AllocationCount, stats.DeallocationCount)
	}
	if stats.Used != 2<<20 {
		t.Errorf("used: got %d, want %d", stats.Used, 2<<20)
	}
}

func TestAggregateStats(t *testing.T) {
	m := testManager(t, LimitConfig{HardLimit: 100 << 20, SoftLimit: 80 << 20, MaxAllocationSize: 50 << 20})
	for _, id := range []string{"mod-a", "mod-b", "mod-c"} {
		if err := m.RegisterModule(id, nil); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	m.RecordAllocation("mod-a", 10<<20)
	m.RecordAllocation("mod-b", 30<<20)

	agg := m.GetAggregateStats()
	if agg.Modules != 3 {
		t.Errorf("modules: got %d, want 3", agg.Modules)
	}
	if agg.TotalUsed != 40<<20 {
		t.Errorf("total used: got %d, want %d", agg.TotalUsed, 40<<20)
	}
	if agg.PressureCounts[PressureNormal] != 3 {
		t.Errorf("pressure counts: got %v", agg.PressureCounts)
	}
}

func TestCloseRejectsFurtherWork(t *testing.T) {
	m := NewManager(Config{DefaultLimits: DefaultLimits(), SweepInterval: time.Hour})
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != er.GovernorClosed {
		t.Errorf("second close: got %v, want %v", err, er.GovernorClosed)
	}
	if err := m.RegisterModule("mod-a", nil); err != er.GovernorClosed {
		t.Errorf("register after close: got %v, want %v", err, er.GovernorClosed)
	}
}
