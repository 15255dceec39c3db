package probe

import (
	"math/rand"
	"sync"
)

// Synthetic simulates module memory behavior with a seeded random walk.
// It stands in for a real inspector when the governor runs its self-check;
// tests should prefer Scripted.
type Synthetic struct {
	mu    sync.Mutex
	rng   *rand.Rand
	state map[string]*syntheticState

	// BaseBytes is the starting usage for a freshly seen module.
	BaseBytes uint64
	// StepBytes bounds the per-sample walk distance.
	StepBytes uint64
	// LeakBias skews the walk upward to mimic a slow leak, in [0, 1].
	LeakBias float64
}

type syntheticState struct {
	used      uint64
	allocated uint64
}

func NewSynthetic(seed int64) *Synthetic {
	return &Synthetic{
		rng:       rand.New(rand.NewSource(seed)),
		state:     make(map[string]*syntheticState),
		BaseBytes: 32 << 20,
		StepBytes: 1 << 20,
	}
}

func (s *Synthetic) Sample(moduleID string) (RawUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[moduleID]
	if !ok {
		st = &syntheticState{used: s.BaseBytes, allocated: s.BaseBytes * 2}
		s.state[moduleID] = st
	}

	step := uint64(s.rng.Int63n(int64(s.StepBytes) + 1))
	up := s.rng.Float64() < 0.5+s.LeakBias/2
	if up {
		st.used += step
	} else if st.used > step {
		st.used -= step
	}
	if st.used > st.allocated {
		st.allocated = st.used + st.used/4
	}

	return RawUsage{
		UsedBytes:          st.used,
		AllocatedBytes:     st.allocated,
		FragmentationRatio: s.rng.Float64() * 0.3,
		OpenFiles:          s.rng.Intn(10),
		OpenConns:          s.rng.Intn(5),
		ActiveTimers:       s.rng.Intn(20),
		EventListeners:     s.rng.Intn(30),
	}, nil
}
