// Package configstack discovers and loads governor configuration files.
// Discovery order: explicit env file, env-pointed directory, drop-in
// directory, then the stock file under the default conf dir. Later files
// override earlier ones key by key.
package configstack

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	defs "memgov/definitions"
	er "memgov/errors"
	log "memgov/logger"
	"memgov/pkg/utils"

	"github.com/gookit/ini/v2"
	"github.com/pkg/errors"
)

// GovernorConfig mirrors the INI file layout. Zero values mean "use the
// compiled-in default"; Normalize fills them.
type GovernorConfig struct {
	Logger LoggerSection `ini:"logger"`
	Limits LimitsSection `ini:"limits"`
	Govern GovernSection `ini:"govern"`
	Watch  WatchSection  `ini:"monitor"`
	Leak   LeakSection   `ini:"leakdetect"`
	Trace  TraceSection  `ini:"tracing"`
}

type LoggerSection struct {
	Level  string `ini:"level"`
	Format string `ini:"format"`
	Output string `ini:"output"`
}

type LimitsSection struct {
	HardLimitBytes     uint64 `ini:"hard_limit_bytes"`
	SoftLimitBytes     uint64 `ini:"soft_limit_bytes"`
	CriticalBytes      uint64 `ini:"critical_bytes"`
	MaxAllocationBytes uint64 `ini:"max_allocation_bytes"`
	BudgetBytes        uint64 `ini:"budget_bytes"`
	BudgetWindowSec    int    `ini:"budget_window_sec"`
}

type GovernSection struct {
	Strategy        string `ini:"strategy"`
	SweepIntervalMS int    `ini:"sweep_interval_ms"`
	IncrementalGC   bool   `ini:"incremental_gc"`
	GCPauseMS       int    `ini:"gc_pause_ms"`
	MetricsEnabled  bool   `ini:"metrics_enabled"`
}

type WatchSection struct {
	IntervalMS     int  `ini:"interval_ms"`
	MaxHistorySize int  `ini:"max_history_size"`
	AutoGC         bool `ini:"auto_gc"`
}

type LeakSection struct {
	DetectionWindowSec int  `ini:"detection_window_sec"`
	SnapshotIntervalMS int  `ini:"snapshot_interval_ms"`
	AutoPrevention     bool `ini:"auto_prevention"`
}

type TraceSection struct {
	Enabled  bool   `ini:"enabled"`
	Endpoint string `ini:"endpoint"`
}

// DiscoverConfFiles returns the config files to load, in override order.
// Missing locations are skipped silently; an empty result is valid and
// means compiled-in defaults.
func DiscoverConfFiles() []string {
	var files []string

	if dir, ok := os.LookupEnv(defs.GovernorConfDirEnv); ok && dir != "" {
		files = append(files, confFilesIn(dir)...)
	} else {
		stock := filepath.Join(defs.GovernorConfDir, defs.DefaultGovernorConf)
		if utils.FileExist(stock) {
			files = append(files, stock)
		}
		files = append(files, confFilesIn(defs.GovernorConfDropin)...)
	}

	if file, ok := os.LookupEnv(defs.GovernorConfEnv); ok && file != "" {
		if utils.FileExist(file) {
			files = append(files, file)
		} else {
			log.Warnf("config file from %s not found: %s", defs.GovernorConfEnv, file)
		}
	}
	return files
}

func confFilesIn(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) != ".conf" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files
}

// Load reads the given files into a GovernorConfig. Files later in the list
// win. With no files it returns the normalized defaults.
func Load(files []string) (*GovernorConfig, error) {
	loader := ini.New()
	loader.WithOptions(ini.ParseEnv)
	for _, file := range files {
		if err := loader.LoadExists(file); err != nil {
			return nil, errors.Wrapf(er.ConfigParseFailed, "load %s: %v", file, err)
		}
	}

	cfg := &GovernorConfig{}
	if err := loader.Decode(cfg); err != nil {
		return nil, errors.Wrap(er.ConfigParseFailed, err.Error())
	}
	cfg.Normalize()
	return cfg, nil
}

// LoadDiscovered is the common path: discover then load.
func LoadDiscovered() (*GovernorConfig, error) {
	files := DiscoverConfFiles()
	if len(files) > 0 {
		log.Debugf("loading config files: %v", files)
	}
	return Load(files)
}

// Normalize fills zero values with compiled-in defaults and clamps
// inconsistent limit ordering.
func (c *GovernorConfig) Normalize() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}

	if c.Limits.HardLimitBytes == 0 {
		c.Limits.HardLimitBytes = defs.DefaultHardLimitBytes
	}
	if c.Limits.SoftLimitBytes == 0 {
		c.Limits.SoftLimitBytes = defs.DefaultSoftLimitBytes
	}
	if c.Limits.CriticalBytes == 0 {
		c.Limits.CriticalBytes = defs.DefaultCriticalLimitBytes
	}
	if c.Limits.MaxAllocationBytes == 0 {
		c.Limits.MaxAllocationBytes = defs.DefaultMaxAllocationBytes
	}
	if c.Limits.BudgetBytes == 0 {
		c.Limits.BudgetBytes = defs.DefaultBudgetBytes
	}
	if c.Limits.BudgetWindowSec == 0 {
		c.Limits.BudgetWindowSec = int(defs.DefaultBudgetWindow / time.Second)
	}
	if c.Limits.SoftLimitBytes > c.Limits.HardLimitBytes {
		c.Limits.SoftLimitBytes = c.Limits.HardLimitBytes
	}
	if c.Limits.CriticalBytes > c.Limits.HardLimitBytes {
		c.Limits.CriticalBytes = c.Limits.HardLimitBytes
	}

	if c.Govern.Strategy == "" {
		c.Govern.Strategy = "balanced"
	}
	if c.Govern.SweepIntervalMS == 0 {
		c.Govern.SweepIntervalMS = int(defs.DefaultSweepInterval / time.Millisecond)
	}
	if c.Govern.GCPauseMS == 0 {
		c.Govern.GCPauseMS = 5
	}

	if c.Watch.IntervalMS == 0 {
		c.Watch.IntervalMS = int(defs.DefaultMonitorInterval / time.Millisecond)
	}
	if c.Watch.MaxHistorySize == 0 {
		c.Watch.MaxHistorySize = defs.DefaultMaxHistorySize
	}

	if c.Leak.DetectionWindowSec == 0 {
		c.Leak.DetectionWindowSec = int(defs.DefaultDetectionWindow / time.Second)
	}
	if c.Leak.SnapshotIntervalMS == 0 {
		c.Leak.SnapshotIntervalMS = int(defs.DefaultSnapshotInterval / time.Millisecond)
	}
}
