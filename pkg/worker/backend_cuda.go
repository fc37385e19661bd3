//go:build cuda

package worker

import (
	"fmt"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kunal/gpu-uniproc-engine/pkg/config"
	"github.com/kunal/gpu-uniproc-engine/pkg/logx"
	"github.com/kunal/gpu-uniproc-engine/pkg/worker/nvml"
)

// NewBackend returns the worker variant for this build: the NVML-backed
// CUDA worker. The device is not touched until Initialize.
func NewBackend(cfg *config.Config) (Worker, error) {
	return NewCUDA(cfg), nil
}

var prepOnce sync.Once

// PrepareProcess applies process-wide environment required before CUDA
// device binding: NCCL's cuMem allocator is unsafe in single-process mode
// (NVIDIA/nccl#1234). Must run before any device binding; the setting lasts
// for the process lifetime.
func PrepareProcess() {
	prepOnce.Do(func() {
		os.Setenv("NCCL_CUMEM_ENABLE", "0")
	})
}

// CUDAWorker binds a real NVIDIA device and sizes the cache against live
// VRAM readings from NVML. The model-execution kernels themselves are
// external collaborators; the step compute path is shared with the
// simulated worker.
type CUDAWorker struct {
	*SimWorker
	nv *nvml.NVML
}

func NewCUDA(cfg *config.Config) *CUDAWorker {
	return &CUDAWorker{SimWorker: NewSim(cfg)}
}

func (w *CUDAWorker) Name() string { return "cuda" }

func (w *CUDAWorker) Initialize(localRank, rank int, initAddress string) error {
	if _, _, err := net.SplitHostPort(initAddress); err != nil {
		return fmt.Errorf("%w: bad init address %q: %v", ErrDeviceBind, initAddress, err)
	}
	nv, err := nvml.New()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceBind, err)
	}
	if w.cfg.Device.Index >= nv.DeviceCount() {
		nv.Shutdown()
		return fmt.Errorf("%w: device index %d out of range (have %d)",
			ErrDeviceBind, w.cfg.Device.Index, nv.DeviceCount())
	}
	w.nv = nv
	w.localRank = localRank
	w.rank = rank
	w.addr = initAddress
	w.bound = true

	if name, err := nv.DeviceName(w.cfg.Device.Index); err == nil {
		logx.Log.Info().Str("device", name).Int("index", w.cfg.Device.Index).Msg("CUDA device bound")
	}
	return nil
}

func (w *CUDAWorker) LoadModel() error {
	mem, err := w.nv.MemoryInfo(w.cfg.Device.Index)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	weights := gbToBytes(w.cfg.Model.WeightsGB)
	if weights > int64(mem.FreeBytes) {
		return fmt.Errorf("%w: model %s needs %d bytes, device has %d free",
			ErrModelLoad, w.cfg.Model.Name, weights, mem.FreeBytes)
	}
	time.Sleep(time.Duration(w.cfg.Load.SimulateLoadMs) * time.Millisecond)
	w.loaded = true
	return nil
}

func (w *CUDAWorker) DetermineAvailableBlocks() (CacheBlockCount, error) {
	// Profiling pass at maximum expected shape.
	matrixWork(64)

	mem, err := w.nv.MemoryInfo(w.cfg.Device.Index)
	if err != nil {
		return CacheBlockCount{}, fmt.Errorf("%w: %v", ErrProfiling, err)
	}
	budget := int64(math.Round(float64(mem.TotalBytes) * w.cfg.Device.MemoryUtilization))
	if free := int64(mem.FreeBytes); free < budget {
		budget = free
	}
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

func (w *CUDAWorker) InitializeCache(numGPUBlocks int) error {
	if numGPUBlocks <= 0 {
		return fmt.Errorf("%w: non-positive block count %d", ErrCacheAlloc, numGPUBlocks)
	}
	// Re-read free memory: other consumers may have allocated since the probe.
	mem, err := w.nv.MemoryInfo(w.cfg.Device.Index)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheAlloc, err)
	}
	need := int64(numGPUBlocks) * w.cfg.Cache.BlockBytes
	if need > int64(mem.FreeBytes) {
		return fmt.Errorf("%w: %d blocks need %d bytes, device has %d free",
			ErrCacheAlloc, numGPUBlocks, need, mem.FreeBytes)
	}
	w.numGPUBlocks = numGPUBlocks
	return nil
}

func (w *CUDAWorker) Profile(isStart bool) {
	if !isStart {
		if util, err := w.nv.UtilizationRates(w.cfg.Device.Index); err == nil {
			logx.Log.Info().Uint("gpu_util", util.GPU).Uint("mem_util", util.Memory).Msg("device utilization at trace stop")
		}
	}
	w.SimWorker.Profile(isStart)
}

func (w *CUDAWorker) Close() error {
	w.healthy = false
	if w.nv != nil {
		w.nv.Shutdown()
		w.nv = nil
	}
	return nil
}
