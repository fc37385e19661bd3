//go:build !cuda

package worker

import (
	"github.com/kunal/gpu-uniproc-engine/pkg/config"
)

// NewBackend returns the worker variant for this build. The default build
// targets the simulated device; build with `go build -tags cuda` for the
// NVML-backed CUDA worker.
func NewBackend(cfg *config.Config) (Worker, error) {
	return NewSim(cfg), nil
}

// PrepareProcess applies process-wide environment required before device
// binding. The simulated device needs none.
func PrepareProcess() {}
