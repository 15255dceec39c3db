package governor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	er "memgov/errors"
	"memgov/pkg/govern"
	"memgov/pkg/probe"
)

func testGovernor(t *testing.T) (*Governor, *probe.Scripted) {
	t.Helper()
	p := probe.NewScripted()
	g, err := New(Options{Probe: p})
	if err != nil {
		t.Fatalf("new governor: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g, p
}

func TestNewRequiresProbe(t *testing.T) {
	if _, err := New(Options{}); err != er.ProbeUnavailable {
		t.Fatalf("error: got %v, want %v", err, er.ProbeUnavailable)
	}
}

func TestAdmitAndEvict(t *testing.T) {
	g, _ := testGovernor(t)

	if err := g.Admit("mod-a", nil); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := g.Admit("mod-a", nil); err != er.AlreadyRegistered {
		t.Errorf("double admit: got %v, want %v", err, er.AlreadyRegistered)
	}

	if !g.Manager().RecordAllocation("mod-a", 1<<20) {
		t.Error("allocation rejected for admitted module")
	}

	if err := g.Evict("mod-a"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if err := g.Evict("mod-a"); err != er.ModuleNotFound {
		t.Errorf("double evict: got %v, want %v", err, er.ModuleNotFound)
	}
	if g.Manager().RecordAllocation("mod-a", 1<<20) {
		t.Error("allocation accepted after eviction")
	}
}

func TestAdmitAppliesCustomLimits(t *testing.T) {
	g, _ := testGovernor(t)

	custom := &govern.LimitConfig{HardLimit: 2 << 20, MaxAllocationSize: 2 << 20}
	if err := g.Admit("mod-a", custom); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if g.Manager().RecordAllocation("mod-a", 3<<20) {
		t.Error("allocation past the custom hard limit")
	}
	if !g.Manager().RecordAllocation("mod-a", 2<<20) {
		t.Error("allocation within the custom hard limit rejected")
	}
}

func TestAdmitUsesModuleOverrideLayer(t *testing.T) {
	dir := t.TempDir()
	conf := "[limits]\nhard_limit_bytes = 2097152\nmax_allocation_bytes = 2097152\n"
	if err := os.WriteFile(filepath.Join(dir, "mod-a.conf"), []byte(conf), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	g, err := New(Options{Probe: probe.NewScripted(), ModuleConfDir: dir})
	if err != nil {
		t.Fatalf("new governor: %v", err)
	}
	t.Cleanup(func() { g.Close() })

	if err := g.Admit("mod-a", nil); err != nil {
		t.Fatalf("admit: %v", err)
	}
	limits, err := g.Manager().Limits("mod-a")
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	if limits.HardLimit != 2<<20 {
		t.Errorf("override hard limit: got %d, want %d", limits.HardLimit, 2<<20)
	}

	// A module with no override file keeps the configured defaults.
	if err := g.Admit("mod-b", nil); err != nil {
		t.Fatalf("admit: %v", err)
	}
	defaults, _ := g.Manager().Limits("mod-b")
	if defaults.HardLimit == 2<<20 {
		t.Error("override leaked into an unrelated module")
	}
}

func TestTriggerGCThroughGovernor(t *testing.T) {
	g, _ := testGovernor(t)
	if err := g.Admit("mod-a", nil); err != nil {
		t.Fatalf("admit: %v", err)
	}
	g.Manager().RecordAllocation("mod-a", 10<<20)

	result := g.TriggerGC(context.Background(), "mod-a", true)
	if !result.Success {
		t.Fatalf("gc: %s", result.Error)
	}
	if result.MemoryReclaimed != 3<<20 {
		t.Errorf("reclaimed: got %d, want %d", result.MemoryReclaimed, 3<<20)
	}
}

func TestGetMemoryReport(t *testing.T) {
	g, _ := testGovernor(t)
	if err := g.Admit("mod-a", nil); err != nil {
		t.Fatalf("admit: %v", err)
	}
	g.Manager().RecordAllocation("mod-a", 8<<20)
	g.Manager().RecordDeallocation("mod-a", 2<<20)

	report, err := g.GetMemoryReport("mod-a")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.ModuleID != "mod-a" {
		t.Errorf("module id: got %q", report.ModuleID)
	}
	if report.Usage.Used != 6<<20 {
		t.Errorf("used: got %d, want %d", report.Usage.Used, 6<<20)
	}
	if report.Usage.PeakUsage != 8<<20 {
		t.Errorf("peak: got %d, want %d", report.Usage.PeakUsage, 8<<20)
	}
	if report.Pressure != govern.PressureNormal {
		t.Errorf("pressure: got %s", report.Pressure)
	}
	if report.Leak.HasLeak {
		t.Error("leak verdict without samples")
	}
	if report.Limits.HardLimit == 0 {
		t.Error("limits missing from report")
	}

	if _, err := g.GetMemoryReport("missing"); err != er.ModuleNotFound {
		t.Errorf("missing module: got %v, want %v", err, er.ModuleNotFound)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p := probe.NewScripted()
	g, err := New(Options{Probe: p})
	if err != nil {
		t.Fatalf("new governor: %v", err)
	}
	if err := g.Admit("mod-a", nil); err != nil {
		t.Fatalf("admit: %v", err)
	}

	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if err := g.Admit("mod-b", nil); err != er.GovernorClosed {
		t.Errorf("admit after close: got %v, want %v", err, er.GovernorClosed)
	}
}
