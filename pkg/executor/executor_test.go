package executor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal/gpu-uniproc-engine/pkg/config"
	"github.com/kunal/gpu-uniproc-engine/pkg/worker"
)

// fakeWorker is a scripted worker that records the call sequence and fails
// on demand.
type fakeWorker struct {
	calls   []string
	healthy bool
	closed  int

	initErr  error
	loadErr  error
	probeErr error
	cacheErr error
	warmErr  error
	execErr  error

	blocks      worker.CacheBlockCount
	initAddress string
	cachedAt    int
	profiled    []bool
	lastStep    *worker.StepInput
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		healthy: true,
		blocks:  worker.CacheBlockCount{NumGPUBlocks: 120, NumCPUBlocks: 40},
	}
}

func (f *fakeWorker) Name() string { return "fake" }

func (f *fakeWorker) Initialize(localRank, rank int, initAddress string) error {
	f.calls = append(f.calls, "initialize")
	f.initAddress = initAddress
	return f.initErr
}

func (f *fakeWorker) LoadModel() error {
	f.calls = append(f.calls, "load_model")
	return f.loadErr
}

func (f *fakeWorker) DetermineAvailableBlocks() (worker.CacheBlockCount, error) {
	f.calls = append(f.calls, "determine_available_blocks")
	if f.probeErr != nil {
		return worker.CacheBlockCount{}, f.probeErr
	}
	return f.blocks, nil
}

func (f *fakeWorker) InitializeCache(numGPUBlocks int) error {
	f.calls = append(f.calls, "initialize_cache")
	f.cachedAt = numGPUBlocks
	return f.cacheErr
}

func (f *fakeWorker) CompileOrWarmUp() error {
	f.calls = append(f.calls, "compile_or_warm_up")
	return f.warmErr
}

func (f *fakeWorker) ExecuteModel(in *worker.StepInput) (*worker.StepOutput, error) {
	f.calls = append(f.calls, "execute_model")
	if f.execErr != nil {
		return nil, f.execErr
	}
	f.lastStep = in
	results := make([][]byte, in.BatchSize)
	for i := range results {
		results[i] = []byte(fmt.Sprintf(`{"batch_pos":%d}`, i))
	}
	return &worker.StepOutput{StepID: in.StepID, BatchSize: in.BatchSize, Results: results}, nil
}

func (f *fakeWorker) Profile(isStart bool) {
	f.profiled = append(f.profiled, isStart)
}

func (f *fakeWorker) IsHealthy() bool { return f.healthy }

func (f *fakeWorker) Close() error {
	f.closed++
	f.healthy = false
	return nil
}

func withFakeWorker(t *testing.T, f *fakeWorker) {
	t.Helper()
	orig := newBackend
	newBackend = func(cfg *config.Config) (worker.Worker, error) { return f, nil }
	t.Cleanup(func() { newBackend = orig })
}

func TestNewInitializesAndLoadsModel(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	e, err := New(config.Default())
	require.NoError(t, err)
	require.NotNil(t, e)

	assert.Equal(t, []string{"initialize", "load_model"}, f.calls)
	assert.Equal(t, StateLoaded, e.State())
	assert.Equal(t, "fake", e.Backend())
	assert.NotEmpty(t, f.initAddress)
}

func TestNewPropagatesModelLoadFailure(t *testing.T) {
	f := newFakeWorker()
	f.loadErr = fmt.Errorf("%w: weights corrupt", worker.ErrModelLoad)
	withFakeWorker(t, f)

	e, err := New(config.Default())
	require.Error(t, err)
	assert.True(t, errors.Is(err, worker.ErrModelLoad))
	assert.Nil(t, e)
	// The worker handle must be released on construction failure.
	assert.Equal(t, 1, f.closed)
}

func TestNewPropagatesDeviceBindFailure(t *testing.T) {
	f := newFakeWorker()
	f.initErr = fmt.Errorf("%w: no device", worker.ErrDeviceBind)
	withFakeWorker(t, f)

	e, err := New(config.Default())
	require.Error(t, err)
	assert.True(t, errors.Is(err, worker.ErrDeviceBind))
	assert.Nil(t, e)
	// load_model must not run after a failed bind
	assert.Equal(t, []string{"initialize"}, f.calls)
}

func TestNewRejectsBadWorldSize(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	cfg := config.Default()
	cfg.Parallel.WorldSize = 4
	_, err := New(cfg)
	require.Error(t, err)
	assert.Empty(t, f.calls)
}

func TestNewUsesConfiguredInitAddress(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	cfg := config.Default()
	cfg.Parallel.InitAddress = "127.0.0.1:29500"
	e, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:29500", f.initAddress)
	assert.Equal(t, "127.0.0.1:29500", e.InitAddress().String())
}

func TestNewRejectsMalformedInitAddress(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	cfg := config.Default()
	cfg.Parallel.InitAddress = "not-an-address"
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, worker.ErrDeviceBind))
	assert.Empty(t, f.calls)
}

func TestExecuteModelBeforeInitializeFails(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	e, err := New(config.Default())
	require.NoError(t, err)

	_, err = e.ExecuteModel(&worker.StepInput{StepID: 1, BatchSize: 1, Payloads: [][]byte{[]byte("x")}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderingViolation))
	assert.NotContains(t, f.calls, "execute_model")
}

func TestInitializeRequiresCapacityProbe(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	e, err := New(config.Default())
	require.NoError(t, err)

	err = e.Initialize(120)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderingViolation))
}

func TestLifecycleHappyPath(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	e, err := New(config.Default())
	require.NoError(t, err)

	blocks, err := e.DetermineAvailableBlocks()
	require.NoError(t, err)
	assert.Equal(t, 120, blocks.NumGPUBlocks)
	assert.Equal(t, 40, blocks.NumCPUBlocks)
	assert.Equal(t, StateCapacityKnown, e.State())

	require.NoError(t, e.Initialize(blocks.NumGPUBlocks))
	assert.Equal(t, StateCacheReady, e.State())
	assert.Equal(t, 120, e.NumGPUBlocks())
	assert.Equal(t, 120, f.cachedAt)

	// cache allocation must precede warm-up
	assert.Equal(t, []string{"initialize", "load_model", "determine_available_blocks",
		"initialize_cache", "compile_or_warm_up"}, f.calls)

	in := &worker.StepInput{StepID: 7, BatchSize: 2, Payloads: [][]byte{[]byte("a"), []byte("b")}}
	out, err := e.ExecuteModel(in)
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, e.State())
	assert.Equal(t, uint64(7), out.StepID)
	assert.Equal(t, 2, out.BatchSize)
	assert.Len(t, out.Results, 2)
	// pass-through: the worker sees the exact step input
	assert.Same(t, in, f.lastStep)
}

func TestInitializeTwiceFails(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	e, err := New(config.Default())
	require.NoError(t, err)
	_, err = e.DetermineAvailableBlocks()
	require.NoError(t, err)
	require.NoError(t, e.Initialize(120))

	err = e.Initialize(120)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderingViolation))
}

func TestInitializeRejectsNonPositiveBlocks(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	e, err := New(config.Default())
	require.NoError(t, err)
	_, err = e.DetermineAvailableBlocks()
	require.NoError(t, err)

	err = e.Initialize(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderingViolation))
}

func TestShutdownIsIdempotent(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	e, err := New(config.Default())
	require.NoError(t, err)

	e.Shutdown()
	assert.Equal(t, StateShutDown, e.State())
	e.Shutdown()
	assert.Equal(t, StateShutDown, e.State())
	assert.Equal(t, 1, f.closed)
}

func TestCallsAfterShutdownFailCleanly(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	e, err := New(config.Default())
	require.NoError(t, err)
	e.Shutdown()

	_, err = e.DetermineAvailableBlocks()
	assert.True(t, errors.Is(err, ErrOrderingViolation))

	_, err = e.ExecuteModel(&worker.StepInput{StepID: 1, BatchSize: 1, Payloads: [][]byte{[]byte("x")}})
	assert.True(t, errors.Is(err, ErrOrderingViolation))

	// Profile after shutdown is a documented no-op.
	e.Profile(true)
	assert.Empty(t, f.profiled)
}

func TestCheckHealth(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	e, err := New(config.Default())
	require.NoError(t, err)
	assert.NoError(t, e.CheckHealth())

	e.Shutdown()
	err = e.CheckHealth()
	require.Error(t, err)
	assert.True(t, errors.Is(err, worker.ErrWorkerUnhealthy))
}

func TestCheckHealthReportsUnhealthyWorker(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	e, err := New(config.Default())
	require.NoError(t, err)

	f.healthy = false
	err = e.CheckHealth()
	require.Error(t, err)
	assert.True(t, errors.Is(err, worker.ErrWorkerUnhealthy))
}

func TestProfileForwards(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	e, err := New(config.Default())
	require.NoError(t, err)

	e.Profile(true)
	e.Profile(false)
	assert.Equal(t, []bool{true, false}, f.profiled)
}

func TestRepeatedProbeIsLegalBeforeInitialize(t *testing.T) {
	f := newFakeWorker()
	withFakeWorker(t, f)

	e, err := New(config.Default())
	require.NoError(t, err)

	first, err := e.DetermineAvailableBlocks()
	require.NoError(t, err)
	second, err := e.DetermineAvailableBlocks()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.NoError(t, e.Initialize(second.NumGPUBlocks))
}
