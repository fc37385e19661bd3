package worker

// CacheBlockCount is the result of a capacity probe: how many fixed-size
// cache blocks fit on the device and in host swap space. The value is a
// one-time measurement; it is stale as soon as the cache is allocated.
type CacheBlockCount struct {
	NumGPUBlocks int
	NumCPUBlocks int
}

// StepInput describes one scheduled model step. The executor treats it as
// opaque; only workers look inside.
type StepInput struct {
	StepID    uint64
	BatchSize int
	// Payloads carries one opaque request payload per sequence in the batch.
	Payloads [][]byte
}

// StepOutput is the result of one model step. Results are ordered the same
// as the input payloads.
type StepOutput struct {
	StepID    uint64
	BatchSize int
	Results   [][]byte
}

// Worker is the capability contract for one accelerator-bound worker.
// Implementations do not enforce call ordering; the executor owning the
// worker is responsible for driving the lifecycle in sequence:
// Initialize → LoadModel → DetermineAvailableBlocks → InitializeCache →
// CompileOrWarmUp → ExecuteModel.
type Worker interface {
	// Name returns the backend type for logging.
	Name() string

	// Initialize binds the device and the (single-member) process-group
	// context at the given rank and init address.
	Initialize(localRank, rank int, initAddress string) error

	// LoadModel loads model weights into device memory.
	LoadModel() error

	// DetermineAvailableBlocks runs a bounded memory-profiling pass and
	// reports how many cache blocks fit in the remaining device and swap
	// budgets. The result is advisory and valid only until cache allocation.
	DetermineAvailableBlocks() (CacheBlockCount, error)

	// InitializeCache allocates the block cache at the given size.
	InitializeCache(numGPUBlocks int) error

	// CompileOrWarmUp runs an optional warm-up pass to stabilize first-step
	// latency. Idempotent; skipping it costs latency, not correctness.
	CompileOrWarmUp() error

	// ExecuteModel performs one inference step.
	ExecuteModel(in *StepInput) (*StepOutput, error)

	// Profile starts (isStart=true) or stops a profiling trace.
	Profile(isStart bool)

	// IsHealthy is a cheap liveness check. It never blocks.
	IsHealthy() bool
}
