package probe

import (
	"sync"

	er "memgov/errors"
	log "memgov/logger"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Host measures modules that run as host processes. Module ids are mapped to
// pids at registration time; used memory is the process RSS and allocated is
// its virtual size, capped by host availability.
type Host struct {
	mu   sync.RWMutex
	pids map[string]int32
}

func NewHost() *Host {
	return &Host{pids: make(map[string]int32)}
}

// Bind associates a module id with a host pid.
func (h *Host) Bind(moduleID string, pid int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pids[moduleID] = pid
}

func (h *Host) Unbind(moduleID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pids, moduleID)
}

func (h *Host) Sample(moduleID string) (RawUsage, error) {
	h.mu.RLock()
	pid, ok := h.pids[moduleID]
	h.mu.RUnlock()
	if !ok {
		return RawUsage{}, er.ProbeUnavailable
	}

	proc, err := process.NewProcess(pid)
	if err != nil {
		return RawUsage{}, errors.Wrapf(err, "probe pid %d for module %s", pid, moduleID)
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return RawUsage{}, errors.Wrapf(err, "read memory info of pid %d", pid)
	}

	usage := RawUsage{
		UsedBytes:      info.RSS,
		AllocatedBytes: info.VMS,
	}

	// Host headroom bounds what the module could ever be granted.
	if vm, err := mem.VirtualMemory(); err == nil {
		if usage.AllocatedBytes > vm.Total {
			usage.AllocatedBytes = vm.Total
		}
	} else {
		log.Debugf("host memory stat unavailable: %v", err)
	}

	if fds, err := proc.NumFDs(); err == nil {
		usage.OpenFiles = int(fds)
	}
	if conns, err := proc.Connections(); err == nil {
		usage.OpenConns = len(conns)
	}

	return usage, nil
}
