package govern

import (
	"context"
	"strings"
	"testing"
	"time"

	er "memgov/errors"
)

func TestTriggerGCReclaims(t *testing.T) {
	cases := []struct {
		name       string
		aggressive bool
		wantType   GCType
		wantFreed  uint64
	}{
		{"normal reclaims 10 percent", false, GCMinor, 1 << 20},
		{"aggressive reclaims 30 percent", true, GCMajor, 3 << 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := testManager(t, DefaultLimits())
			if err := m.RegisterModule("mod-a", nil); err != nil {
				t.Fatalf("register: %v", err)
			}
			m.RecordAllocation("mod-a", 10<<20)

			result := m.GC().TriggerGC(context.Background(), "mod-a", tc.aggressive)
			if !result.Success {
				t.Fatalf("gc failed: %s", result.Error)
			}
			if result.Type != tc.wantType {
				t.Errorf("type: got %s, want %s", result.Type, tc.wantType)
			}
			if result.MemoryReclaimed != tc.wantFreed {
				t.Errorf("reclaimed: got %d, want %d", result.MemoryReclaimed, tc.wantFreed)
			}

			usage, _ := m.GetMemoryUsage("mod-a")
			if usage.Used != 10<<20-tc.wantFreed {
				t.Errorf("used after gc: got %d, want %d", usage.Used, 10<<20-tc.wantFreed)
			}
		})
	}
}

func TestTriggerGCMissingModule(t *testing.T) {
	m := testManager(t, DefaultLimits())
	result := m.GC().TriggerGC(context.Background(), "missing", false)
	if result.Success {
		t.Fatal("gc succeeded for missing module")
	}
	if result.Error != er.ModuleNotFound.Error() {
		t.Errorf("error: got %q, want %q", result.Error, er.ModuleNotFound.Error())
	}
}

func TestTriggerGCConflict(t *testing.T) {
	m := NewManager(Config{
		DefaultLimits: DefaultLimits(),
		SweepInterval: time.Hour,
		GCPause:       100 * time.Millisecond,
	})
	t.Cleanup(func() { m.Close() })
	if err := m.RegisterModule("mod-a", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.RecordAllocation("mod-a", 10<<20)

	firstDone := make(chan GCResult, 1)
	go func() {
		firstDone <- m.GC().TriggerGC(context.Background(), "mod-a", false)
	}()
	time.Sleep(20 * time.Millisecond) // let the first cycle enter its pause

	second := m.GC().TriggerGC(context.Background(), "mod-a", false)
	if second.Success {
		t.Error("overlapping gc succeeded")
	}
	if second.Error != er.GCInProgress.Error() {
		t.Errorf("conflict error: got %q, want %q", second.Error, er.GCInProgress.Error())
	}

	first := <-firstDone
	if !first.Success {
		t.Errorf("first gc failed: %s", first.Error)
	}

	// The conflict cleared with the first cycle; a retry succeeds.
	retry := m.GC().TriggerGC(context.Background(), "mod-a", false)
	if !retry.Success {
		t.Errorf("retry after conflict failed: %s", retry.Error)
	}
}

func TestIncrementalGCAllowsOverlap(t *testing.T) {
	m := NewManager(Config{
		DefaultLimits: DefaultLimits(),
		SweepInterval: time.Hour,
		IncrementalGC: true,
		GCPause:       50 * time.Millisecond,
	})
	t.Cleanup(func() { m.Close() })
	if err := m.RegisterModule("mod-a", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.RecordAllocation("mod-a", 10<<20)

	firstDone := make(chan GCResult, 1)
	go func() {
		firstDone <- m.GC().TriggerGC(context.Background(), "mod-a", false)
	}()
	time.Sleep(10 * time.Millisecond)

	second := m.GC().TriggerGC(context.Background(), "mod-a", false)
	if !second.Success {
		t.Errorf("incremental overlap rejected: %s", second.Error)
	}
	if second.Type != GCIncremental {
		t.Errorf("type: got %s, want %s", second.Type, GCIncremental)
	}
	first := <-firstDone
	if !first.Success {
		t.Errorf("first incremental cycle failed: %s", first.Error)
	}
}

func TestTriggerGCCancellation(t *testing.T) {
	m := NewManager(Config{
		DefaultLimits: DefaultLimits(),
		SweepInterval: time.Hour,
		GCPause:       time.Second,
	})
	t.Cleanup(func() { m.Close() })
	if err := m.RegisterModule("mod-a", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.RecordAllocation("mod-a", 10<<20)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result := m.GC().TriggerGC(ctx, "mod-a", false)
	if result.Success {
		t.Fatal("cancelled gc reported success")
	}
	if !strings.Contains(result.Error, "deadline") {
		t.Errorf("error: got %q, want a deadline error", result.Error)
	}

	usage, _ := m.GetMemoryUsage("mod-a")
	if usage.Used != 10<<20 {
		t.Errorf("cancelled gc changed usage: got %d", usage.Used)
	}

	// In-flight flag must have been cleared.
	mod, _ := m.module("mod-a")
	mod.mu.Lock()
	inFlight := mod.gcInFlight
	mod.mu.Unlock()
	if inFlight {
		t.Error("gc still marked in flight after cancellation")
	}
}

func TestGCStatsRecorded(t *testing.T) {
	m := testManager(t, DefaultLimits())
	if err := m.RegisterModule("mod-a", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.RecordAllocation("mod-a", 10<<20)

	m.GC().TriggerGC(context.Background(), "mod-a", false)
	m.GC().TriggerGC(context.Background(), "mod-a", true)

	stats, err := m.GetGCStats("mod-a")
	if err != nil {
		t.Fatalf("gc stats: %v", err)
	}
	if stats.TotalGCs != 2 {
		t.Errorf("collections: got %d, want 2", stats.TotalGCs)
	}
	if stats.MemoryReclaimed == 0 {
		t.Error("nothing recorded as reclaimed")
	}
	if stats.AverageGCTime > stats.TotalGCTime {
		t.Errorf("average %s exceeds total %s", stats.AverageGCTime, stats.TotalGCTime)
	}

	global := m.GlobalGCStats()
	if global.TotalGCs != 2 {
		t.Errorf("global collections: got %d, want 2", global.TotalGCs)
	}
}
