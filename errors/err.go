package errors

import (
	"fmt"
)

type ErrCode int

type GovernErr struct {
	Code ErrCode
	Msg  string
}

func (e *GovernErr) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Msg)
}

func new(code ErrCode, msg string) *GovernErr {
	return &GovernErr{
		Code: code,
		Msg:  msg,
	}
}

const (
	invalid ErrCode = iota
	notFound
	alreadyExists
	gcConflict
	quotaFailed
	probeFailed
	stopped
	parseFailed
)

// Pre-defined errors.
var (
	EmptyModuleID     = new(invalid, "empty module id")
	InvalidLimit      = new(invalid, "invalid memory limit")
	InvalidSize       = new(invalid, "allocation size must be positive")
	ModuleNotFound    = new(notFound, "module is not registered")
	MonitorNotFound   = new(notFound, "no monitor for module")
	AlreadyRegistered = new(alreadyExists, "module is already registered")
	GCInProgress      = new(gcConflict, "garbage collection already in progress")
	QuotaExhausted    = new(quotaFailed, "allocation budget exhausted for window")
	ProbeUnavailable  = new(probeFailed, "measurement probe returned no sample")
	GovernorClosed    = new(stopped, "governor has been shut down")
	ConfigParseFailed = new(parseFailed, "failed to parse governor config")
)

// Harness errors.
var (
	TestTimedOut       = new(stopped, "test execution timeout")
	ProfilerNotRunning = new(stopped, "no active profiling session")
)
