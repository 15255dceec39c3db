package main

import (
	"context"
	"fmt"
	"os"

	log "memgov/logger"
	"memgov/pkg/configstack"
	"memgov/pkg/governor"
	"memgov/pkg/perftest"
	"memgov/pkg/probe"
	"memgov/pkg/tracer"
)

var (
	version   = "0.1.0"
	gitCommit = ""
)

const usage = `memgov: memory governor for sandboxed modules

Usage:
  memgov selfcheck    run the built-in performance suite against a synthetic probe
  memgov -v           print version
  memgov -h           print this help
`

func main() {
	cmd := "selfcheck"
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "-v", "--version":
			fmt.Printf("memgov version %s %s\n", version, gitCommit)
			return
		case "-h", "--help":
			fmt.Print(usage)
			return
		default:
			cmd = os.Args[1]
		}
	}

	switch cmd {
	case "selfcheck":
		os.Exit(selfcheck())
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", cmd, usage)
		os.Exit(2)
	}
}

func selfcheck() int {
	cfg, err := configstack.LoadDiscovered()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if err := log.Init(&log.Config{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
		Output: cfg.Logger.Output,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	if cfg.Logger.Level == "debug" {
		if err := log.CleanDebugFile(); err != nil {
			log.Warnf("failed to clean debug file: %v", err)
		}
	}

	if cfg.Trace.Enabled && cfg.Trace.Endpoint != "" {
		shutdown, err := tracer.Init(context.Background(), cfg.Trace.Endpoint)
		if err != nil {
			log.Warnf("tracing disabled: %v", err)
		} else {
			defer shutdown()
		}
	}

	gov, err := governor.New(governor.Options{
		Config: cfg,
		Probe:  probe.NewSynthetic(1),
	})
	if err != nil {
		log.Errorf("governor init: %v", err)
		return 1
	}
	defer func() {
		if err := gov.Close(); err != nil {
			log.Warnf("governor shutdown: %v", err)
		}
	}()

	const moduleID = "selfcheck"
	if err := gov.Admit(moduleID, nil); err != nil {
		log.Errorf("admit %s: %v", moduleID, err)
		return 1
	}

	tester := perftest.New(gov.Manager())
	suite := tester.RunSuite(moduleID, perftest.BuiltinSuite())

	for _, r := range suite.Results {
		status := "PASS"
		if !r.Success {
			status = "FAIL"
		}
		fmt.Printf("%-28s %s  score=%5.1f  ops=%d  throughput=%.0f/s  leaked=%dB",
			r.Name, status, r.Score, r.Metrics.Operations, r.Metrics.Throughput, r.Metrics.MemoryLeaked)
		if r.Error != "" {
			fmt.Printf("  error=%s", r.Error)
		}
		fmt.Println()
	}
	fmt.Printf("\n%d passed, %d failed, average score %.1f\n",
		suite.Passed, suite.Failed, suite.AverageScore)
	for _, rec := range suite.Recommendations {
		fmt.Printf("  - %s\n", rec)
	}

	if report, err := gov.GetMemoryReport(moduleID); err == nil {
		fmt.Printf("\nmodule %s: used=%dB peak=%dB pressure=%s leak=%v\n",
			moduleID, report.Usage.Used, report.Usage.PeakUsage, report.Pressure, report.Leak.HasLeak)
	}

	if suite.Failed > 0 {
		return 1
	}
	return 0
}
