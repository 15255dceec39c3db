package perftest

import (
	"math/rand"
	"sync"
	"time"
)

// BuiltinSuite returns the three stock workloads: a steady-state allocator, a
// concurrent burst stressor with deliberate leaks, and a realistic pattern
// with timed object lifetimes.
func BuiltinSuite() []Test {
	return []Test{
		steadyStateTest(),
		burstStressTest(),
		lifetimeTest(),
	}
}

// steadyStateTest allocates at a regular cadence and releases 80% of
// allocations in-flight; whatever survives the loop is released before the
// test returns, so a healthy run leaks nothing.
func steadyStateTest() Test {
	return Test{
		Name: "steady-state-allocation",
		Config: TestConfig{
			Iterations:         200,
			WarmupIterations:   10,
			Pattern:            PatternConstant,
			MinAllocSize:       4 << 10,
			MaxAllocSize:       64 << 10,
			MinInterval:        0,
			MaxInterval:        time.Millisecond,
			DeallocProbability: 0.8,
			Timeout:            10 * time.Second,
			Seed:               1,
		},
		Execute: func(ctx *Context) error {
			var retained []uint64
			for i := 0; i < ctx.Config.Iterations && !ctx.ShouldStop(); i++ {
				size := ctx.AllocSize()
				if !ctx.Allocate(size) {
					ctx.Pause()
					continue
				}
				if ctx.Rand.Float64() < ctx.Config.DeallocProbability {
					ctx.Deallocate(size)
				} else {
					retained = append(retained, size)
				}
				ctx.Pause()
			}
			for _, size := range retained {
				ctx.Deallocate(size)
			}
			return nil
		},
		Validate: func(m Metrics) bool {
			return m.Allocations > 0 && m.BytesDeallocated == m.BytesAllocated
		},
	}
}

// burstStressTest hammers the manager from concurrent workers in bursts of
// 10-30 allocations, releasing only 30% in-flight and injecting leaks, to
// exercise the ledger under contention and rejection pressure.
func burstStressTest() Test {
	return Test{
		Name: "burst-stress",
		Config: TestConfig{
			Iterations:         20, // bursts per worker
			WarmupIterations:   10,
			Pattern:            PatternBurst,
			MinAllocSize:       16 << 10,
			MaxAllocSize:       256 << 10,
			DeallocProbability: 0.3,
			Concurrency:        4,
			LeakProbability:    0.05,
			Timeout:            15 * time.Second,
			Seed:               2,
		},
		Execute: func(ctx *Context) error {
			var wg sync.WaitGroup
			for w := 0; w < ctx.Config.Concurrency; w++ {
				wg.Add(1)
				go func(worker int) {
					defer wg.Done()
					// ctx.Rand is single-threaded; each worker draws from
					// its own source.
					rng := rand.New(rand.NewSource(ctx.Config.Seed + int64(worker)))
					var retained []uint64
					for b := 0; b < ctx.Config.Iterations && !ctx.ShouldStop(); b++ {
						burst := 10 + worker%3*5 + b%11
						for i := 0; i < burst && !ctx.ShouldStop(); i++ {
							size := SizeFrom(rng, ctx.Config)
							if !ctx.Allocate(size) {
								continue
							}
							switch {
							case rng.Float64() < ctx.Config.LeakProbability:
								ctx.MarkLeaked(size)
							case rng.Float64() < ctx.Config.DeallocProbability:
								ctx.Deallocate(size)
							default:
								retained = append(retained, size)
							}
						}
						time.Sleep(time.Millisecond)
					}
					for _, size := range retained {
						ctx.Deallocate(size)
					}
				}(w)
			}
			wg.Wait()
			return nil
		},
		Validate: func(m Metrics) bool {
			// Rejections under pressure are expected; the run fails only
			// when nothing got through.
			return m.Allocations > 0
		},
	}
}

// lifetimeTest models realistic object churn: every allocation lives a
// random 1-5 lifetime units before release, with a small leak rate.
func lifetimeTest() Test {
	return Test{
		Name: "lifetime-churn",
		Config: TestConfig{
			Iterations:         150,
			WarmupIterations:   10,
			Pattern:            PatternRealistic,
			MinAllocSize:       8 << 10,
			MaxAllocSize:       128 << 10,
			MinInterval:        0,
			MaxInterval:        2 * time.Millisecond,
			LeakProbability:    0.05,
			LifetimeUnit:       5 * time.Millisecond,
			Timeout:            15 * time.Second,
			Seed:               3,
		},
		Execute: func(ctx *Context) error {
			type liveObject struct {
				size  uint64
				dueAt time.Time
			}
			unit := ctx.Config.LifetimeUnit
			if unit <= 0 {
				unit = time.Second
			}
			var live []liveObject
			release := func(now time.Time, all bool) {
				kept := live[:0]
				for _, obj := range live {
					if all || !now.Before(obj.dueAt) {
						ctx.Deallocate(obj.size)
					} else {
						kept = append(kept, obj)
					}
				}
				live = kept
			}
			for i := 0; i < ctx.Config.Iterations && !ctx.ShouldStop(); i++ {
				now := time.Now()
				release(now, false)

				size := ctx.AllocSize()
				if ctx.Allocate(size) {
					if ctx.Rand.Float64() < ctx.Config.LeakProbability {
						ctx.MarkLeaked(size)
					} else {
						lifetime := time.Duration(1+ctx.Rand.Int63n(5)) * unit
						live = append(live, liveObject{size: size, dueAt: now.Add(lifetime)})
					}
				}
				ctx.Pause()
			}
			release(time.Now(), true)
			return nil
		},
		Validate: func(m Metrics) bool {
			return m.Allocations > 0 && m.Rejections == 0
		},
	}
}
