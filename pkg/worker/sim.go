package worker

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/kunal/gpu-uniproc-engine/pkg/config"
	"github.com/kunal/gpu-uniproc-engine/pkg/logx"
)

// activationBytesPerToken approximates transient per-token activation memory
// during the profiling forward pass.
const activationBytesPerToken = 16 << 10

// SimWorker mimics an accelerator-bound worker with CPU work + sleep.
// Capacity is derived deterministically from the configured device size, so
// the probe → initialize negotiation behaves like the real thing.
type SimWorker struct {
	cfg *config.Config

	localRank int
	rank      int
	addr      string

	bound    bool
	loaded   bool
	warmedUp bool
	healthy  bool

	numGPUBlocks     int
	profiledMaxBatch int

	profiling    bool
	profileStart time.Time
	profileSteps int64
}

// NewSim creates a simulated worker. The worker is not usable until
// Initialize and LoadModel have been called.
func NewSim(cfg *config.Config) *SimWorker {
	return &SimWorker{cfg: cfg, healthy: true}
}

func (w *SimWorker) Name() string { return "sim" }

func (w *SimWorker) Initialize(localRank, rank int, initAddress string) error {
	if w.cfg.Device.Index < 0 || w.cfg.Device.TotalMemoryGB <= 0 {
		return fmt.Errorf("%w: device %d unavailable", ErrDeviceBind, w.cfg.Device.Index)
	}
	if _, _, err := net.SplitHostPort(initAddress); err != nil {
		return fmt.Errorf("%w: bad init address %q: %v", ErrDeviceBind, initAddress, err)
	}
	w.localRank = localRank
	w.rank = rank
	w.addr = initAddress
	w.bound = true
	logx.Log.Debug().Int("rank", rank).Str("init_address", initAddress).Msg("sim device bound")
	return nil
}

func (w *SimWorker) LoadModel() error {
	weights := gbToBytes(w.cfg.Model.WeightsGB)
	if weights > w.memoryBudget() {
		return fmt.Errorf("%w: model %s needs %d bytes, device budget is %d",
			ErrModelLoad, w.cfg.Model.Name, weights, w.memoryBudget())
	}
	time.Sleep(time.Duration(w.cfg.Load.SimulateLoadMs) * time.Millisecond)
	w.loaded = true
	logx.Log.Debug().Str("model", w.cfg.Model.Name).Str("format", w.cfg.Load.Format).Msg("sim model loaded")
	return nil
}

func (w *SimWorker) DetermineAvailableBlocks() (CacheBlockCount, error) {
	// Representative forward pass at maximum expected shape, to exercise
	// peak transient allocations the way a real profiling run would.
	matrixWork(64)

	budget := w.memoryBudget()
	weights := gbToBytes(w.cfg.Model.WeightsGB)
	peak := int64(w.cfg.Scheduler.MaxBatchSize) * int64(w.cfg.Model.MaxSeqLen) * activationBytesPerToken
	free := budget - weights - peak
	if free < w.cfg.Cache.BlockBytes {
		return CacheBlockCount{}, fmt.Errorf(
			"%w: profiling pass left %d bytes for cache (budget=%d weights=%d peak=%d)",
			ErrProfiling, free, budget, weights, peak)
	}

	w.profiledMaxBatch = w.cfg.Scheduler.MaxBatchSize
	return CacheBlockCount{
		NumGPUBlocks: int(free / w.cfg.Cache.BlockBytes),
		NumCPUBlocks: int(gbToBytes(w.cfg.Cache.SwapSpaceGB) / w.cfg.Cache.BlockBytes),
	}, nil
}

func (w *SimWorker) InitializeCache(numGPUBlocks int) error {
	if numGPUBlocks <= 0 {
		return fmt.Errorf("%w: non-positive block count %d", ErrCacheAlloc, numGPUBlocks)
	}
	need := int64(numGPUBlocks) * w.cfg.Cache.BlockBytes
	limit := w.memoryBudget() - gbToBytes(w.cfg.Model.WeightsGB)
	if need > limit {
		// Another consumer of device memory won the race since the probe.
		return fmt.Errorf("%w: %d blocks need %d bytes, only %d free", ErrCacheAlloc, numGPUBlocks, need, limit)
	}
	w.numGPUBlocks = numGPUBlocks
	return nil
}

func (w *SimWorker) CompileOrWarmUp() error {
	if w.warmedUp {
		return nil
	}
	// One throwaway pass at maximum shape to absorb first-call cost.
	matrixWork(64)
	time.Sleep(time.Duration(w.cfg.Device.SimStepLatencyMs) * time.Millisecond)
	w.warmedUp = true
	return nil
}

func (w *SimWorker) ExecuteModel(in *StepInput) (*StepOutput, error) {
	if !w.healthy {
		return nil, fmt.Errorf("%w: device lost", ErrExecution)
	}
	if in == nil || in.BatchSize <= 0 || len(in.Payloads) != in.BatchSize {
		return nil, fmt.Errorf("%w: malformed step input", ErrExecution)
	}
	if w.profiledMaxBatch > 0 && in.BatchSize > w.profiledMaxBatch {
		return nil, fmt.Errorf("%w: batch %d exceeds profiled maximum %d",
			ErrExecution, in.BatchSize, w.profiledMaxBatch)
	}

	out := w.forwardPass(in)
	if w.profiling {
		w.profileSteps++
	}
	return out, nil
}

// forwardPass does real CPU work plus a sleep whose duration grows
// sublinearly with batch size, like a real device under batching.
func (w *SimWorker) forwardPass(in *StepInput) *StepOutput {
	matrixWork(64)

	latency := time.Duration(w.cfg.Device.SimStepLatencyMs) * time.Millisecond
	latency += time.Duration(float64(in.BatchSize)*1.5) * time.Millisecond
	time.Sleep(latency)

	results := make([][]byte, in.BatchSize)
	for i := range results {
		result := map[string]interface{}{
			"batch_pos":        i,
			"model":            w.cfg.Model.Name,
			"generated_tokens": 1 + rand.Intn(w.cfg.Cache.BlockSizeTokens),
			"finish_reason":    "length",
		}
		data, _ := json.Marshal(result)
		results[i] = data
	}
	return &StepOutput{StepID: in.StepID, BatchSize: in.BatchSize, Results: results}
}

func (w *SimWorker) Profile(isStart bool) {
	if isStart {
		w.profiling = true
		w.profileStart = time.Now()
		w.profileSteps = 0
		logx.Log.Info().Msg("profiling trace started")
		return
	}
	if !w.profiling {
		return
	}
	w.profiling = false
	logx.Log.Info().
		Dur("elapsed", time.Since(w.profileStart)).
		Int64("steps", w.profileSteps).
		Msg("profiling trace stopped")
}

func (w *SimWorker) IsHealthy() bool { return w.healthy }

// Close releases the simulated device. Idempotent.
func (w *SimWorker) Close() error {
	w.healthy = false
	return nil
}

// memoryBudget is the portion of device memory the worker may use.
func (w *SimWorker) memoryBudget() int64 {
	total := gbToBytes(w.cfg.Device.TotalMemoryGB)
	return int64(math.Round(float64(total) * w.cfg.Device.MemoryUtilization))
}

func gbToBytes(gb float64) int64 {
	return int64(math.Round(gb * float64(1<<30)))
}

// matrixWork performs an NxN matrix multiplication to create real CPU load.
func matrixWork(n int) {
	a := make([][]float64, n)
	b := make([][]float64, n)
	c := make([][]float64, n)
	for i := 0; i < n; i++ {
		a[i] = make([]float64, n)
		b[i] = make([]float64, n)
		c[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			a[i][j] = rand.Float64()
			b[i][j] = rand.Float64()
		}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for k := 0; k < n; k++ {
				sum += a[i][k] * b[k][j]
			}
			c[i][j] = sum
		}
	}
	// Prevent the computation from being optimized away
	_ = math.Sqrt(c[0][0])
}
