package worker

import "errors"

// Worker failure kinds. Callers classify with errors.Is; the executor
// surfaces them verbatim without retry or local recovery.
var (
	ErrDeviceBind      = errors.New("device bind failed")
	ErrModelLoad       = errors.New("model load failed")
	ErrProfiling       = errors.New("memory profiling failed")
	ErrCacheAlloc      = errors.New("cache allocation failed")
	ErrExecution       = errors.New("model execution failed")
	ErrWorkerUnhealthy = errors.New("worker unhealthy")
)
