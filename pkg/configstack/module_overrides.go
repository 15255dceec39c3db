package configstack

import (
	"path/filepath"

	log "memgov/logger"
	"memgov/pkg/utils"

	"github.com/gookit/ini/v2"
)

// ModuleLayer captures per-module limit overrides sourced from
// modules.d/<id>.conf. It is the last layer consulted at admission; a module
// registered with explicit limits never reaches it.
type ModuleLayer struct {
	HardLimitBytes     uint64 `ini:"hard_limit_bytes"`
	SoftLimitBytes     uint64 `ini:"soft_limit_bytes"`
	CriticalBytes      uint64 `ini:"critical_bytes"`
	MaxAllocationBytes uint64 `ini:"max_allocation_bytes"`
	BudgetBytes        uint64 `ini:"budget_bytes"`
	EnableQuotas       bool   `ini:"enable_quotas"`
}

// Empty reports whether the layer carries no overrides at all.
func (l ModuleLayer) Empty() bool {
	return l == ModuleLayer{}
}

// ModuleOverrideLayer parses confDir/<moduleID>.conf and returns its [limits]
// section. A missing file or a parse failure yields an empty layer, never an
// admission failure.
func ModuleOverrideLayer(confDir, moduleID string) ModuleLayer {
	var layer ModuleLayer
	if confDir == "" || utils.ValidModuleID(moduleID) != nil {
		return layer
	}

	path := filepath.Join(confDir, moduleID+".conf")
	if !utils.IsRegular(path) {
		return layer
	}

	loader := ini.New()
	if err := loader.LoadExists(path); err != nil {
		log.Warnf("failed to parse %s: %v; continuing without overrides", path, err)
		return layer
	}

	var sect struct {
		Limits ModuleLayer `ini:"limits"`
	}
	if err := loader.Decode(&sect); err != nil {
		log.Warnf("failed to decode %s: %v; continuing without overrides", path, err)
		return layer
	}
	return sect.Limits
}
