// Package engine turns individual inference requests into model steps and
// drives the uniproc executor through its lifecycle: construct, probe cache
// capacity, initialize, step repeatedly, shut down.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kunal/gpu-uniproc-engine/pkg/config"
	"github.com/kunal/gpu-uniproc-engine/pkg/executor"
	"github.com/kunal/gpu-uniproc-engine/pkg/logx"
	"github.com/kunal/gpu-uniproc-engine/pkg/metrics"
	"github.com/kunal/gpu-uniproc-engine/pkg/worker"
)

// Engine owns the executor and a request queue, and runs the stepping loop
// that feeds the executor one batch at a time.
type Engine struct {
	cfg   *config.Config
	exec  *executor.UniProc
	queue *RequestQueue

	notify   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	blocksPerSeq int
	maxBatch     int
	stepID       atomic.Uint64

	// Step statistics, read by the status broadcaster.
	TotalSteps    atomic.Int64
	TotalRequests atomic.Int64
	LastBatchSize atomic.Int32
	AvgLatencyMs  atomic.Int64
}

// New constructs the executor and completes the capacity negotiation:
// probe → (optional override cap) → initialize. On any failure the executor
// is shut down and no engine exists.
func New(cfg *config.Config) (*Engine, error) {
	exec, err := executor.New(cfg)
	if err != nil {
		return nil, err
	}

	blocks, err := exec.DetermineAvailableBlocks()
	if err != nil {
		exec.Shutdown()
		return nil, err
	}

	numBlocks := blocks.NumGPUBlocks
	if limit := cfg.Cache.GPUBlockOverride; limit > 0 && limit < numBlocks {
		numBlocks = limit
	}
	if err := exec.Initialize(numBlocks); err != nil {
		exec.Shutdown()
		return nil, err
	}

	seqTokens := cfg.Model.MaxSeqLen
	if cfg.Speculative.Enabled {
		seqTokens += cfg.Speculative.DraftTokens
	}
	blocksPerSeq := (seqTokens + cfg.Cache.BlockSizeTokens - 1) / cfg.Cache.BlockSizeTokens

	maxBatch := cfg.Scheduler.MaxBatchSize
	if byBlocks := numBlocks / blocksPerSeq; byBlocks < maxBatch {
		maxBatch = byBlocks
	}
	if maxBatch < 1 {
		exec.Shutdown()
		return nil, fmt.Errorf("cache too small: %d blocks cannot hold one sequence of %d blocks",
			numBlocks, blocksPerSeq)
	}

	logx.Log.Info().
		Int("gpu_blocks", numBlocks).
		Int("cpu_blocks", blocks.NumCPUBlocks).
		Int("blocks_per_seq", blocksPerSeq).
		Int("max_batch", maxBatch).
		Msg("engine ready")

	return &Engine{
		cfg:          cfg,
		exec:         exec,
		queue:        NewRequestQueue(),
		notify:       make(chan struct{}, 256),
		stopCh:       make(chan struct{}),
		blocksPerSeq: blocksPerSeq,
		maxBatch:     maxBatch,
	}, nil
}

// Executor exposes the underlying executor for health checks and profiling.
func (e *Engine) Executor() *executor.UniProc { return e.exec }

// QueueDepth returns the number of requests waiting to be stepped.
func (e *Engine) QueueDepth() int { return e.queue.Depth() }

// MaxBatch returns the batch bound derived from the negotiated capacity.
func (e *Engine) MaxBatch() int { return e.maxBatch }

// Start begins the stepping loop in a background goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.loop()
	logx.Log.Info().
		Int("max_batch", e.maxBatch).
		Dur("max_wait", e.cfg.Scheduler.MaxWaitTime).
		Msg("stepper started")
}

// Stop drains the stepper and shuts the executor down. Safe to call more
// than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		e.exec.Shutdown()
	})
}

// Submit enqueues one request and blocks until its step completes, the
// context is done, or the engine fails the request.
func (e *Engine) Submit(ctx context.Context, id string, payload []byte, pri Priority) ([]byte, error) {
	pending := &PendingRequest{
		ID:        id,
		Payload:   payload,
		Priority:  pri,
		DoneCh:    make(chan []byte, 1),
		ErrCh:     make(chan error, 1),
		EnqueueAt: time.Now(),
	}

	e.queue.Enqueue(pending)
	e.signal()

	select {
	case result := <-pending.DoneCh:
		metrics.RecordRequest(true)
		return result, nil
	case err := <-pending.ErrCh:
		metrics.RecordRequest(false)
		return nil, err
	case <-ctx.Done():
		metrics.RecordRequest(false)
		return nil, ctx.Err()
	}
}

// signal notifies the stepper that new work arrived.
func (e *Engine) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
		// Stepper will see the queue on its next iteration.
	}
}

func (e *Engine) loop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			e.drainRemaining()
			return
		case <-e.notify:
		}

		batch := e.collectBatch()
		if len(batch) == 0 {
			continue
		}
		e.executeStep(batch)
	}
}

// collectBatch waits up to the scheduler's max wait for a full batch, then
// flushes whatever is queued.
func (e *Engine) collectBatch() []*PendingRequest {
	timer := time.NewTimer(e.cfg.Scheduler.MaxWaitTime)
	defer timer.Stop()

	for {
		if e.queue.Depth() >= e.maxBatch {
			return e.queue.DequeueN(e.maxBatch)
		}

		select {
		case <-e.stopCh:
			return e.queue.DequeueN(e.maxBatch)
		case <-timer.C:
			return e.queue.DequeueN(e.maxBatch)
		case <-e.notify:
			if e.queue.Depth() >= e.maxBatch {
				return e.queue.DequeueN(e.maxBatch)
			}
		}
	}
}

func (e *Engine) executeStep(batch []*PendingRequest) {
	payloads := make([][]byte, len(batch))
	for i, r := range batch {
		payloads[i] = r.Payload
	}
	in := &worker.StepInput{
		StepID:    e.stepID.Add(1),
		BatchSize: len(batch),
		Payloads:  payloads,
	}

	start := time.Now()
	out, err := e.exec.ExecuteModel(in)
	elapsed := time.Since(start)

	e.TotalSteps.Add(1)
	e.TotalRequests.Add(int64(len(batch)))
	e.LastBatchSize.Store(int32(len(batch)))
	e.updateAvgLatency(elapsed)

	metrics.RecordStep(err == nil, elapsed)
	metrics.SetLastBatchSize(len(batch))
	metrics.SetGPUBlocksUsed(len(batch) * e.blocksPerSeq)

	if err != nil {
		logx.Log.Error().Err(err).Uint64("step", in.StepID).Int("batch", len(batch)).Msg("step failed")
		for _, r := range batch {
			r.ErrCh <- err
		}
		return
	}

	logx.Log.Debug().
		Uint64("step", in.StepID).
		Int("batch", len(batch)).
		Dur("latency", elapsed).
		Msg("step executed")

	for i, r := range batch {
		r.DoneCh <- out.Results[i]
	}
}

// updateAvgLatency keeps an exponential moving average (alpha=0.3) of step
// latency in milliseconds.
func (e *Engine) updateAvgLatency(elapsed time.Duration) {
	latencyMs := elapsed.Milliseconds()
	oldAvg := e.AvgLatencyMs.Load()
	if oldAvg == 0 {
		e.AvgLatencyMs.Store(latencyMs)
		return
	}
	e.AvgLatencyMs.Store(int64(float64(oldAvg)*0.7 + float64(latencyMs)*0.3))
}

func (e *Engine) drainRemaining() {
	for {
		batch := e.queue.DequeueN(e.maxBatch)
		if len(batch) == 0 {
			return
		}
		e.executeStep(batch)
	}
}
