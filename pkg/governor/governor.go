// Package governor assembles the manager, monitor and leak detector behind
// one handle and maps the file configuration onto each component.
package governor

import (
	"context"
	"time"

	defs "memgov/definitions"
	er "memgov/errors"
	log "memgov/logger"
	"memgov/pkg/configstack"
	"memgov/pkg/govern"
	"memgov/pkg/leakdetect"
	"memgov/pkg/monitor"
	"memgov/pkg/probe"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a Governor. Probe is required; everything else has
// defaults.
type Options struct {
	Config *configstack.GovernorConfig
	Probe  probe.Probe

	// Registry receives the manager gauges when metrics are enabled in the
	// config. Nil means prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// ModuleConfDir holds per-module limit override files, <id>.conf.
	// Empty means the stock modules.d directory.
	ModuleConfDir string
}

// Governor is the top-level handle. One per process is typical but nothing
// enforces it; all state hangs off the handle.
type Governor struct {
	cfg        *configstack.GovernorConfig
	modConfDir string

	mgr *govern.Manager
	mon *monitor.Monitor
	det *leakdetect.Detector

	closed bool
}

func New(opts Options) (*Governor, error) {
	if opts.Probe == nil {
		return nil, er.ProbeUnavailable
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &configstack.GovernorConfig{}
		cfg.Normalize()
	}

	mgr := govern.NewManager(govern.Config{
		DefaultLimits: govern.LimitConfig{
			HardLimit:          cfg.Limits.HardLimitBytes,
			SoftLimit:          cfg.Limits.SoftLimitBytes,
			CriticalLimit:      cfg.Limits.CriticalBytes,
			MaxAllocationSize:  cfg.Limits.MaxAllocationBytes,
			QuotaBytes:         cfg.Limits.BudgetBytes,
			QuotaResetInterval: time.Duration(cfg.Limits.BudgetWindowSec) * time.Second,
		},
		SweepInterval: time.Duration(cfg.Govern.SweepIntervalMS) * time.Millisecond,
		Strategy:      strategyOf(cfg.Govern.Strategy),
		IncrementalGC: cfg.Govern.IncrementalGC,
		GCPause:       time.Duration(cfg.Govern.GCPauseMS) * time.Millisecond,
	})

	if cfg.Govern.MetricsEnabled {
		reg := opts.Registry
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := mgr.EnableMetrics(reg); err != nil {
			return nil, err
		}
	}

	mon := monitor.New(monitor.Config{
		Interval:       time.Duration(cfg.Watch.IntervalMS) * time.Millisecond,
		MaxHistorySize: cfg.Watch.MaxHistorySize,
		AutoGC:         cfg.Watch.AutoGC,
	}, opts.Probe, mgr, mgr.GC())

	leakCfg := leakdetect.DefaultConfig()
	leakCfg.SamplingInterval = time.Duration(cfg.Leak.SnapshotIntervalMS) * time.Millisecond
	leakCfg.DetectionWindow = time.Duration(cfg.Leak.DetectionWindowSec) * time.Second
	leakCfg.AutoPrevention = cfg.Leak.AutoPrevention
	det := leakdetect.New(leakCfg, opts.Probe, mgr, mgr.GC())

	modConfDir := opts.ModuleConfDir
	if modConfDir == "" {
		modConfDir = defs.GovernorModuleConf
	}

	g := &Governor{cfg: cfg, modConfDir: modConfDir, mgr: mgr, mon: mon, det: det}
	mgr.Start()
	return g, nil
}

func strategyOf(s string) govern.Strategy {
	switch s {
	case "conservative":
		return govern.StrategyConservative
	case "aggressive":
		return govern.StrategyAggressive
	default:
		return govern.StrategyBalanced
	}
}

// Manager exposes the allocation ledger.
func (g *Governor) Manager() *govern.Manager { return g.mgr }

// Monitor exposes the sampling monitor.
func (g *Governor) Monitor() *monitor.Monitor { return g.mon }

// Detector exposes the leak detector.
func (g *Governor) Detector() *leakdetect.Detector { return g.det }

// Admit registers a module with every component: the manager's ledger, the
// monitor's sampling loop and the detector's snapshot loop.
func (g *Governor) Admit(moduleID string, limits *govern.LimitConfig) error {
	if g.closed {
		return er.GovernorClosed
	}
	if limits == nil {
		if layer := configstack.ModuleOverrideLayer(g.modConfDir, moduleID); !layer.Empty() {
			limits = &govern.LimitConfig{
				HardLimit:         layer.HardLimitBytes,
				SoftLimit:         layer.SoftLimitBytes,
				CriticalLimit:     layer.CriticalBytes,
				MaxAllocationSize: layer.MaxAllocationBytes,
				QuotaBytes:        layer.BudgetBytes,
				EnableQuotas:      layer.EnableQuotas,
			}
		}
	}
	if err := g.mgr.RegisterModule(moduleID, limits); err != nil {
		return err
	}
	applied, err := g.mgr.Limits(moduleID)
	if err != nil {
		return err
	}
	if err := g.mon.StartMonitoring(moduleID, applied.HardLimit); err != nil {
		_ = g.mgr.UnregisterModule(moduleID)
		return err
	}
	if err := g.det.StartMonitoring(moduleID); err != nil {
		g.mon.StopMonitoring(moduleID)
		_ = g.mgr.UnregisterModule(moduleID)
		return err
	}
	log.Infof("module admitted: id=%s hard_limit=%d", moduleID, applied.HardLimit)
	return nil
}

// Evict tears a module out of all components. Loops are stopped before the
// ledger entry goes away so no sampler races a missing module.
func (g *Governor) Evict(moduleID string) error {
	g.det.StopMonitoring(moduleID)
	g.mon.StopMonitoring(moduleID)
	return g.mgr.UnregisterModule(moduleID)
}

// TriggerGC forces a collection cycle on the module.
func (g *Governor) TriggerGC(ctx context.Context, moduleID string, aggressive bool) govern.GCResult {
	return g.mgr.GC().TriggerGC(ctx, moduleID, aggressive)
}

// Close shuts every component down, collecting rather than short-circuiting
// on errors. Idempotent.
func (g *Governor) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true

	var result *multierror.Error
	g.det.Close()
	g.mon.Close()
	if err := g.mgr.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
