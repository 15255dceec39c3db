// Package probe supplies memory measurements for governed modules. The
// governor core never measures anything itself; every reading flows through a
// Probe injected at construction so that thresholds and heuristics can be
// validated against deterministic fixtures.
package probe

import (
	"sync"

	er "memgov/errors"
)

// RawUsage is one point-in-time reading for a module.
type RawUsage struct {
	// UsedBytes is the module's reported live memory.
	UsedBytes uint64
	// AllocatedBytes is the total address space handed to the module.
	AllocatedBytes uint64
	// FragmentationRatio estimates unusable slack, in [0, 1].
	FragmentationRatio float64

	// Resource-handle census, consumed by the leak detector.
	OpenFiles      int
	OpenConns      int
	ActiveTimers   int
	EventListeners int

	// Largest retained reference path found by the heap analysis.
	RetainedPathBytes   uint64
	RetainedPathObjects int
}

// Probe samples the memory state of a module by id.
type Probe interface {
	Sample(moduleID string) (RawUsage, error)
}

// Scripted replays pre-recorded usage sequences. The last reading of a
// sequence is sticky, so loops can keep sampling after a script runs out.
type Scripted struct {
	mu      sync.Mutex
	scripts map[string][]RawUsage
	cursor  map[string]int
}

func NewScripted() *Scripted {
	return &Scripted{
		scripts: make(map[string][]RawUsage),
		cursor:  make(map[string]int),
	}
}

// Script replaces the sequence for a module and rewinds its cursor.
func (s *Scripted) Script(moduleID string, readings ...RawUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[moduleID] = readings
	s.cursor[moduleID] = 0
}

// Append extends a module's sequence without rewinding.
func (s *Scripted) Append(moduleID string, readings ...RawUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[moduleID] = append(s.scripts[moduleID], readings...)
}

func (s *Scripted) Sample(moduleID string) (RawUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.scripts[moduleID]
	if !ok || len(seq) == 0 {
		return RawUsage{}, er.ProbeUnavailable
	}

	i := s.cursor[moduleID]
	if i >= len(seq) {
		i = len(seq) - 1
	} else {
		s.cursor[moduleID] = i + 1
	}
	return seq[i], nil
}
