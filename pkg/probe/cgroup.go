package probe

import (
	"sync"

	er "memgov/errors"

	"github.com/containerd/cgroups"
	"github.com/pkg/errors"
)

// Cgroup measures modules confined to cgroup v1 hierarchies, the usual case
// when the execution engine wraps each module in its own slice.
type Cgroup struct {
	mu    sync.RWMutex
	paths map[string]string
}

func NewCgroup() *Cgroup {
	return &Cgroup{paths: make(map[string]string)}
}

// Bind associates a module id with a cgroup path, e.g. "/memgov/mod-a".
func (c *Cgroup) Bind(moduleID, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths[moduleID] = path
}

func (c *Cgroup) Unbind(moduleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paths, moduleID)
}

func (c *Cgroup) Sample(moduleID string) (RawUsage, error) {
	c.mu.RLock()
	path, ok := c.paths[moduleID]
	c.mu.RUnlock()
	if !ok {
		return RawUsage{}, er.ProbeUnavailable
	}

	control, err := cgroups.Load(cgroups.V1, cgroups.StaticPath(path))
	if err != nil {
		return RawUsage{}, errors.Wrapf(err, "load cgroup %s for module %s", path, moduleID)
	}
	metrics, err := control.Stat(cgroups.IgnoreNotExist)
	if err != nil {
		return RawUsage{}, errors.Wrapf(err, "stat cgroup %s", path)
	}
	if metrics == nil || metrics.Memory == nil || metrics.Memory.Usage == nil {
		return RawUsage{}, er.ProbeUnavailable
	}

	m := metrics.Memory
	usage := RawUsage{
		UsedBytes:      m.Usage.Usage,
		AllocatedBytes: m.Usage.Limit,
	}
	// RSS+cache vs usage gives a crude slack estimate; the kernel does not
	// report fragmentation for a memcg.
	if m.Usage.Usage > 0 && m.TotalCache < m.Usage.Usage {
		usage.FragmentationRatio = float64(m.Usage.Usage-m.TotalRSS-m.TotalCache) / float64(m.Usage.Usage)
		if usage.FragmentationRatio < 0 {
			usage.FragmentationRatio = 0
		}
	}
	return usage, nil
}
