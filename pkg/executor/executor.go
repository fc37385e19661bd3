// Package executor drives exactly one accelerator-bound worker through its
// lifecycle: construction, model loading, capacity probing, cache
// initialization, warm-up, step execution, and shutdown. It is the single
// point of control for the worker and enforces the ordering invariants the
// worker itself does not.
package executor

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/kunal/gpu-uniproc-engine/pkg/config"
	"github.com/kunal/gpu-uniproc-engine/pkg/logx"
	"github.com/kunal/gpu-uniproc-engine/pkg/metrics"
	"github.com/kunal/gpu-uniproc-engine/pkg/worker"
)

// ErrOrderingViolation reports a lifecycle call made out of sequence. These
// are programmer errors, not recoverable runtime conditions.
var ErrOrderingViolation = errors.New("lifecycle ordering violation")

// State is the executor's lifecycle position. Transitions are strictly
// forward, except that execution repeats.
type State string

const (
	StateCreated       State = "created"
	StateLoaded        State = "loaded"
	StateCapacityKnown State = "capacity_known"
	StateCacheReady    State = "cache_ready"
	StateExecuting     State = "executing"
	StateShutDown      State = "shut_down"
)

// newBackend is swapped out by tests to inject a scripted worker.
var newBackend = worker.NewBackend

// UniProc owns exactly one in-process worker bound to one accelerator
// device. Every method blocks until the worker completes the corresponding
// device operation; a mutex serializes callers, so concurrent use degrades
// to queuing rather than undefined behavior. There is no cancellation and
// no timeout: a hung device call hangs the executor.
type UniProc struct {
	mu sync.Mutex

	cfg     *config.Config
	w       worker.Worker
	backend string
	addr    InitAddress
	state   State

	numGPUBlocks int
}

// New constructs the executor and its worker. Process-wide environment
// required by the accelerator backend is applied exactly once before device
// binding. The worker is initialized and the model loaded synchronously;
// if either fails, the error is returned and no executor exists.
func New(cfg *config.Config) (*UniProc, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	worker.PrepareProcess()

	var addr InitAddress
	var err error
	if cfg.Parallel.InitAddress != "" {
		addr, err = ParseInitAddress(cfg.Parallel.InitAddress)
	} else {
		addr, err = FreeAddress()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrDeviceBind, err)
	}

	w, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	e := &UniProc{
		cfg:     cfg,
		w:       w,
		backend: w.Name(),
		addr:    addr,
		state:   StateCreated,
	}

	if err := w.Initialize(0, 0, addr.String()); err != nil {
		e.release()
		return nil, err
	}
	if err := w.LoadModel(); err != nil {
		e.release()
		return nil, err
	}
	e.state = StateLoaded

	logx.Log.Info().
		Str("backend", e.backend).
		Str("model", cfg.Model.Name).
		Str("init_address", addr.String()).
		Msg("executor constructed, model loaded")
	return e, nil
}

// Backend names the worker variant selected at construction.
func (e *UniProc) Backend() string { return e.backend }

// State returns the current lifecycle state.
func (e *UniProc) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// NumGPUBlocks returns the cache capacity chosen at Initialize, or 0 before.
func (e *UniProc) NumGPUBlocks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.numGPUBlocks
}

// InitAddress returns the process-group endpoint the worker was bound with.
func (e *UniProc) InitAddress() InitAddress { return e.addr }

// DetermineAvailableBlocks forwards the worker's capacity probe. It may be
// called more than once before Initialize; each result is authoritative only
// for the immediately following Initialize call. Probing again after the
// cache exists yields a stale measurement — the worker is the source of
// truth for whether that is safe, so it is documented here rather than
// guarded.
func (e *UniProc) DetermineAvailableBlocks() (worker.CacheBlockCount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateShutDown {
		return worker.CacheBlockCount{}, fmt.Errorf("%w: executor is shut down", ErrOrderingViolation)
	}
	blocks, err := e.w.DetermineAvailableBlocks()
	if err != nil {
		return worker.CacheBlockCount{}, err
	}
	if e.state == StateLoaded {
		e.state = StateCapacityKnown
	}
	logx.Log.Debug().
		Int("gpu_blocks", blocks.NumGPUBlocks).
		Int("cpu_blocks", blocks.NumCPUBlocks).
		Msg("capacity probe complete")
	return blocks, nil
}

// Initialize sizes the worker's cache and warms the model up. It must be
// called exactly once, after a successful DetermineAvailableBlocks and
// before any ExecuteModel call.
func (e *UniProc) Initialize(numGPUBlocks int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateCapacityKnown {
		return fmt.Errorf("%w: Initialize called in state %q, want %q",
			ErrOrderingViolation, e.state, StateCapacityKnown)
	}
	if numGPUBlocks <= 0 {
		return fmt.Errorf("%w: non-positive gpu block count %d", ErrOrderingViolation, numGPUBlocks)
	}

	// Logged here rather than in the engine: multi-worker executor variants
	// would report per-worker counts from the same place.
	logx.Log.Info().Int("gpu_blocks", numGPUBlocks).Msg("initializing cache")
	metrics.SetGPUBlocks(numGPUBlocks)

	if err := e.w.InitializeCache(numGPUBlocks); err != nil {
		return err
	}
	if err := e.w.CompileOrWarmUp(); err != nil {
		return err
	}
	e.numGPUBlocks = numGPUBlocks
	e.state = StateCacheReady
	return nil
}

// ExecuteModel performs one inference step. Pure pass-through: no buffering,
// batching, or transformation happens here, so multi-worker variants can
// share the same call signature.
func (e *UniProc) ExecuteModel(in *worker.StepInput) (*worker.StepOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateCacheReady && e.state != StateExecuting {
		return nil, fmt.Errorf("%w: ExecuteModel called in state %q before cache initialization",
			ErrOrderingViolation, e.state)
	}
	e.state = StateExecuting
	return e.w.ExecuteModel(in)
}

// Profile starts or stops a profiling trace on the worker. Safe at any
// lifecycle stage; a no-op after shutdown.
func (e *UniProc) Profile(isStart bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateShutDown {
		return
	}
	e.w.Profile(isStart)
}

// Shutdown releases the worker. Idempotent, never fails, and safe even if
// construction only partially completed.
func (e *UniProc) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateShutDown {
		return
	}
	e.release()
	e.state = StateShutDown
	logx.Log.Info().Str("backend", e.backend).Msg("executor shut down")
}

// CheckHealth reports liveness. With a single in-process worker the
// executor is healthy as long as the process is; the worker's own cheap
// liveness bit is still consulted so callers written against the general
// executor contract keep working.
func (e *UniProc) CheckHealth() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateShutDown || e.w == nil || !e.w.IsHealthy() {
		return fmt.Errorf("%w: backend %s", worker.ErrWorkerUnhealthy, e.backend)
	}
	return nil
}

// release drops the worker handle, closing it when the backend holds device
// resources. Cleanup failures are deliberately swallowed.
func (e *UniProc) release() {
	if e.w == nil {
		return
	}
	if c, ok := e.w.(io.Closer); ok {
		_ = c.Close()
	}
	e.w = nil
}
