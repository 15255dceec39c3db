package defs

import (
	"os"
	"time"
)

const (
	// Governor configuration (INI today, easy to switch to TOML later).
	GovernorConfDir     = "/etc/memgov"
	GovernorConfDropin  = GovernorConfDir + "/conf.d"
	GovernorModuleConf  = GovernorConfDir + "/modules.d"
	GovernorConfEnv     = "MEMGOV_CONF_FILE"
	GovernorConfDirEnv  = "MEMGOV_CONF_DIR"
	DefaultGovernorConf = "memgov.conf"

	DirMode  = os.FileMode(0700) | os.ModeDir
	FileMode = os.FileMode(0644)
)

// Default per-module limits. Overridable per module at registration and
// globally through the config stack.
const (
	DefaultHardLimitBytes     uint64 = 256 << 20
	DefaultSoftLimitBytes     uint64 = 192 << 20
	DefaultCriticalLimitBytes uint64 = 240 << 20
	DefaultMaxAllocationBytes uint64 = 16 << 20

	DefaultBudgetBytes  uint64 = 128 << 20
	DefaultBudgetWindow        = 60 * time.Second
)

// Default timer periods for the sampling and sweep loops.
const (
	DefaultMonitorInterval   = time.Second
	DefaultSweepInterval     = 5 * time.Second
	DefaultSnapshotInterval  = 2 * time.Second
	DefaultDetectionWindow   = 60 * time.Second
	DefaultProfilingDuration = 5 * time.Minute
)

// Warning thresholds as a fraction of the configured memory limit.
const (
	DefaultLowThreshold      = 0.60
	DefaultMediumThreshold   = 0.75
	DefaultHighThreshold     = 0.85
	DefaultCriticalThreshold = 0.95
)

// Bounded history caps. Oldest entries are evicted once a cap is reached.
const (
	DefaultMaxHistorySize = 100
	DefaultMaxLeakHistory = 20
	DefaultMaxHotspots    = 50
	DefaultRegressionSpan = 10
	DefaultMinLeakSamples = 5
)
