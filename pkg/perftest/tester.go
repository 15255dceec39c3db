// Package perftest validates the governor as a black box under synthetic
// allocation load. It is a client of the govern package, never a dependency
// of it.
package perftest

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	er "memgov/errors"
	log "memgov/logger"
	"memgov/pkg/govern"
	"memgov/pkg/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LoadPattern names a canonical allocation shape.
type LoadPattern string

const (
	PatternConstant  LoadPattern = "constant"
	PatternBurst     LoadPattern = "burst"
	PatternRealistic LoadPattern = "realistic"
	PatternLeak      LoadPattern = "leak"
)

// TestConfig bundles the knobs of one synthetic workload.
type TestConfig struct {
	Duration         time.Duration
	Iterations       int
	WarmupIterations int
	Pattern          LoadPattern

	MinAllocSize uint64
	MaxAllocSize uint64
	MinInterval  time.Duration
	MaxInterval  time.Duration

	DeallocProbability float64
	Concurrency        int
	LeakProbability    float64

	// LifetimeUnit scales the 1-5x simulated object lifetimes of the
	// realistic pattern.
	LifetimeUnit time.Duration

	Timeout time.Duration
	Seed    int64
}

// Metrics are the measurements collected during one test run. Warmup work is
// excluded.
type Metrics struct {
	Operations       uint64        `json:"operations"`
	Allocations      uint64        `json:"allocations"`
	Deallocations    uint64        `json:"deallocations"`
	BytesAllocated   uint64        `json:"bytes_allocated"`
	BytesDeallocated uint64        `json:"bytes_deallocated"`
	Rejections       uint64        `json:"rejections"`
	MemoryLeaked     uint64        `json:"memory_leaked"`
	PeakUsage        uint64        `json:"peak_usage"`
	Duration         time.Duration `json:"duration"`
	Throughput       float64       `json:"throughput"`
	Efficiency       float64       `json:"efficiency"`
}

// Context is handed to a test's Execute callback. Workers must poll
// ShouldStop between operations; cancellation is cooperative, never
// preemptive.
type Context struct {
	ModuleID string
	Manager  *govern.Manager
	Config   TestConfig
	Rand     *rand.Rand

	stop atomic.Bool

	operations       atomic.Uint64
	allocations      atomic.Uint64
	deallocations    atomic.Uint64
	bytesAllocated   atomic.Uint64
	bytesDeallocated atomic.Uint64
	rejections       atomic.Uint64
	leaked           atomic.Uint64
}

// ShouldStop reports whether the harness asked the workload to wind down.
func (c *Context) ShouldStop() bool { return c.stop.Load() }

// Allocate routes one allocation through the manager and records the outcome.
func (c *Context) Allocate(size uint64) bool {
	c.operations.Add(1)
	if !c.Manager.RecordAllocation(c.ModuleID, size) {
		c.rejections.Add(1)
		return false
	}
	c.allocations.Add(1)
	c.bytesAllocated.Add(size)
	return true
}

// Deallocate releases size bytes through the manager.
func (c *Context) Deallocate(size uint64) {
	c.operations.Add(1)
	c.Manager.RecordDeallocation(c.ModuleID, size)
	c.deallocations.Add(1)
	c.bytesDeallocated.Add(size)
}

// MarkLeaked records size bytes as deliberately never released.
func (c *Context) MarkLeaked(size uint64) {
	c.leaked.Add(size)
}

// AllocSize draws a size from the configured range. Not safe for concurrent
// workers; they should draw from their own source via SizeFrom.
func (c *Context) AllocSize() uint64 {
	return SizeFrom(c.Rand, c.Config)
}

// SizeFrom draws an allocation size from cfg's range using the given source.
func SizeFrom(rng *rand.Rand, cfg TestConfig) uint64 {
	if cfg.MaxAllocSize <= cfg.MinAllocSize {
		return cfg.MinAllocSize
	}
	return cfg.MinAllocSize + uint64(rng.Int63n(int64(cfg.MaxAllocSize-cfg.MinAllocSize)))
}

// Pause sleeps a random interval from the configured range, returning early
// when the harness asks for a stop.
func (c *Context) Pause() {
	d := c.Config.MinInterval
	if c.Config.MaxInterval > c.Config.MinInterval {
		d += time.Duration(c.Rand.Int63n(int64(c.Config.MaxInterval - c.Config.MinInterval)))
	}
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

func (c *Context) snapshot(elapsed time.Duration) Metrics {
	m := Metrics{
		Operations:       c.operations.Load(),
		Allocations:      c.allocations.Load(),
		Deallocations:    c.deallocations.Load(),
		BytesAllocated:   c.bytesAllocated.Load(),
		BytesDeallocated: c.bytesDeallocated.Load(),
		Rejections:       c.rejections.Load(),
		MemoryLeaked:     c.leaked.Load(),
		Duration:         elapsed,
	}
	if elapsed > 0 {
		m.Throughput = float64(m.Operations) / elapsed.Seconds()
	}
	m.Efficiency = efficiencyOf(m)
	if usage, err := c.Manager.GetMemoryUsage(c.ModuleID); err == nil {
		m.PeakUsage = usage.PeakUsage
	}
	return m
}

// efficiencyOf scores how cleanly the workload handled memory: full release
// of everything allocated with no rejections is 100.
func efficiencyOf(m Metrics) float64 {
	if m.BytesAllocated == 0 {
		return 100
	}
	eff := 100 * utils.Ratio(m.BytesDeallocated, m.BytesAllocated, 1)
	if m.Operations > 0 {
		eff -= 20 * float64(m.Rejections) / float64(m.Operations)
	}
	return utils.ClampScore(eff)
}

// Test bundles a workload with its acceptance check.
type Test struct {
	Name     string
	Config   TestConfig
	Execute  func(ctx *Context) error
	Validate func(m Metrics) bool
	Cleanup  func()
}

// TestResult is one test's outcome. Failures are data, never panics, so a
// suite always runs to completion.
type TestResult struct {
	Name    string  `json:"name"`
	Success bool    `json:"success"`
	Score   float64 `json:"score"`
	Metrics Metrics `json:"metrics"`
	Error   string  `json:"error,omitempty"`
}

// SuiteResult aggregates a full run.
type SuiteResult struct {
	Results         []TestResult `json:"results"`
	Passed          int          `json:"passed"`
	Failed          int          `json:"failed"`
	AverageScore    float64      `json:"average_score"`
	BestTest        string       `json:"best_test"`
	WorstTest       string       `json:"worst_test"`
	Recommendations []string     `json:"recommendations"`
}

// Tester drives synthetic workloads against one manager.
type Tester struct {
	mgr    *govern.Manager
	tracer trace.Tracer
}

func New(mgr *govern.Manager) *Tester {
	return &Tester{
		mgr:    mgr,
		tracer: otel.Tracer("memgov/perftest"),
	}
}

const warmupAllocSize = 1 << 10

// RunTest executes one test against the module, racing the workload against
// the configured timeout. Cleanup always runs, including on the timeout path.
func (t *Tester) RunTest(moduleID string, test Test) TestResult {
	result := TestResult{Name: test.Name}

	_, span := t.tracer.Start(context.Background(), "perftest.run")
	span.SetAttributes(
		attribute.String("test.name", test.Name),
		attribute.String("module.id", moduleID),
	)
	defer span.End()

	if test.Cleanup != nil {
		defer test.Cleanup()
	}

	seed := test.Config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	tctx := &Context{
		ModuleID: moduleID,
		Manager:  t.mgr,
		Config:   test.Config,
		Rand:     rand.New(rand.NewSource(seed)),
	}

	// Warmup cycles prime the ledger; they are excluded from metrics.
	for i := 0; i < test.Config.WarmupIterations; i++ {
		if t.mgr.RecordAllocation(moduleID, warmupAllocSize) {
			t.mgr.RecordDeallocation(moduleID, warmupAllocSize)
		}
	}

	timeout := test.Config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- test.Execute(tctx)
	}()

	select {
	case err := <-done:
		result.Metrics = tctx.snapshot(time.Since(start))
		if err != nil {
			result.Error = err.Error()
			result.Score = scoreOf(result)
			return result
		}
	case <-ctx.Done():
		tctx.stop.Store(true)
		// Give cooperative workers a moment to observe the flag; the
		// result is a timeout either way.
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
		result.Metrics = tctx.snapshot(time.Since(start))
		result.Error = er.TestTimedOut.Error()
		result.Score = scoreOf(result)
		log.Warnf("test %q timed out after %s", test.Name, timeout)
		return result
	}

	if test.Validate != nil {
		result.Success = test.Validate(result.Metrics)
	} else {
		result.Success = true
	}
	result.Score = scoreOf(result)
	span.SetAttributes(attribute.Float64("test.score", result.Score))
	return result
}

// scoreOf computes the 0-100 test score: 40 for success, up to 30 for
// efficiency, up to 20 by throughput tier, up to 10 by leak tier.
func scoreOf(r TestResult) float64 {
	var score float64
	if r.Success {
		score += 40
	}

	eff := r.Metrics.Efficiency / 100
	if eff > 1 {
		eff = 1
	}
	score += 30 * eff

	switch {
	case r.Metrics.Throughput > 1000:
		score += 20
	case r.Metrics.Throughput > 500:
		score += 15
	case r.Metrics.Throughput > 100:
		score += 10
	case r.Metrics.Throughput > 10:
		score += 5
	}

	switch {
	case r.Metrics.MemoryLeaked == 0:
		score += 10
	case r.Metrics.MemoryLeaked < 1<<10:
		score += 5
	}
	return utils.ClampScore(score)
}

// RunSuite runs each test sequentially and derives cross-test
// recommendations. A test's own Execute may still run concurrent workers.
func (t *Tester) RunSuite(moduleID string, tests []Test) SuiteResult {
	suite := SuiteResult{}

	var totalScore float64
	var bestScore, worstScore float64
	for i, test := range tests {
		result := t.RunTest(moduleID, test)
		suite.Results = append(suite.Results, result)
		totalScore += result.Score

		if result.Success {
			suite.Passed++
		} else {
			suite.Failed++
		}
		if i == 0 || result.Score > bestScore {
			bestScore = result.Score
			suite.BestTest = result.Name
		}
		if i == 0 || result.Score < worstScore {
			worstScore = result.Score
			suite.WorstTest = result.Name
		}
	}
	if len(tests) > 0 {
		suite.AverageScore = totalScore / float64(len(tests))
	}
	suite.Recommendations = suiteRecommendations(suite.Results)
	return suite
}

func suiteRecommendations(results []TestResult) []string {
	var recs []string
	add := func(s string) {
		if !utils.InList(recs, s) {
			recs = append(recs, s)
		}
	}
	for _, r := range results {
		if r.Metrics.MemoryLeaked > 0 {
			add("some workloads leak memory; pair every allocation with cleanup on all exit paths")
		}
		if r.Metrics.Throughput > 0 && r.Metrics.Throughput < 100 {
			add("allocation throughput is low; batch small allocations or reduce per-operation overhead")
		}
		if r.Metrics.Efficiency < 70 {
			add("memory efficiency is poor; review data structures for retained or oversized buffers")
		}
		if !r.Success {
			add("fix failing workloads before tuning performance")
		}
	}
	return recs
}
