package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelConfig describes the model the worker loads.
type ModelConfig struct {
	Name      string  `yaml:"name"`
	WeightsGB float64 `yaml:"weights_gb"`
	MaxSeqLen int     `yaml:"max_seq_len"`
}

// CacheConfig sizes the block-structured sequence cache.
type CacheConfig struct {
	BlockSizeTokens int     `yaml:"block_size_tokens"`
	BlockBytes      int64   `yaml:"block_bytes"`
	SwapSpaceGB     float64 `yaml:"swap_space_gb"`
	// GPUBlockOverride caps the probed block count when > 0.
	GPUBlockOverride int `yaml:"gpu_block_override"`
}

// DeviceConfig selects and sizes the accelerator device.
type DeviceConfig struct {
	Index             int     `yaml:"index"`
	TotalMemoryGB     float64 `yaml:"total_memory_gb"`
	MemoryUtilization float64 `yaml:"memory_utilization"`
	SimStepLatencyMs  int     `yaml:"sim_step_latency_ms"`
}

// ParallelConfig carries the process-group shape. The uniproc executor
// requires a world size of exactly 1.
type ParallelConfig struct {
	WorldSize int `yaml:"world_size"`
	// InitAddress is the host:port used to bind the process-group context.
	// Empty means probe a free local port.
	InitAddress string `yaml:"init_address"`
}

// SchedulerConfig bounds step formation.
type SchedulerConfig struct {
	MaxBatchSize int           `yaml:"max_batch_size"`
	MaxWaitTime  time.Duration `yaml:"-"`
	MaxWaitMs    int           `yaml:"max_wait_ms"`
}

// SpeculativeConfig enables speculative decoding draft tokens.
type SpeculativeConfig struct {
	Enabled     bool `yaml:"enabled"`
	DraftTokens int  `yaml:"draft_tokens"`
}

// LoadConfig controls weight loading.
type LoadConfig struct {
	Format         string `yaml:"format"`
	SimulateLoadMs int    `yaml:"simulate_load_ms"`
}

// ObservabilityConfig controls the status broadcast and profiling output.
type ObservabilityConfig struct {
	StatusIntervalMs int    `yaml:"status_interval_ms"`
	ProfileDir       string `yaml:"profile_dir"`
}

// Config is the immutable configuration bundle shared between the executor
// and its worker. It must not be mutated after the engine is constructed.
type Config struct {
	ListenPort int `yaml:"listen_port"`

	Model         ModelConfig         `yaml:"model"`
	Cache         CacheConfig         `yaml:"cache"`
	Device        DeviceConfig        `yaml:"device"`
	Parallel      ParallelConfig      `yaml:"parallel"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Speculative   SpeculativeConfig   `yaml:"speculative"`
	Load          LoadConfig          `yaml:"load"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{
		ListenPort: 8080,
		Model: ModelConfig{
			Name:      "tinyllama-1.1b",
			WeightsGB: 2.2,
			MaxSeqLen: 2048,
		},
		Cache: CacheConfig{
			BlockSizeTokens: 16,
			BlockBytes:      16 << 20,
			SwapSpaceGB:     4.0,
		},
		Device: DeviceConfig{
			Index:             0,
			TotalMemoryGB:     16.0,
			MemoryUtilization: 0.9,
			SimStepLatencyMs:  5,
		},
		Parallel: ParallelConfig{
			WorldSize: 1,
		},
		Scheduler: SchedulerConfig{
			MaxBatchSize: 32,
			MaxWaitMs:    50,
		},
		Load: LoadConfig{
			Format:         "safetensors",
			SimulateLoadMs: 10,
		},
		Observability: ObservabilityConfig{
			StatusIntervalMs: 500,
		},
	}
	c.normalize()
	return c
}

// Load builds the configuration from defaults plus environment overrides.
func Load() *Config {
	c := Default()

	c.ListenPort = envInt("LISTEN_PORT", c.ListenPort)
	c.Model.Name = envStr("MODEL_NAME", c.Model.Name)
	c.Model.WeightsGB = envFloat("MODEL_WEIGHTS_GB", c.Model.WeightsGB)
	c.Model.MaxSeqLen = envInt("MODEL_MAX_SEQ_LEN", c.Model.MaxSeqLen)
	c.Cache.BlockSizeTokens = envInt("CACHE_BLOCK_SIZE_TOKENS", c.Cache.BlockSizeTokens)
	c.Cache.BlockBytes = int64(envInt("CACHE_BLOCK_BYTES", int(c.Cache.BlockBytes)))
	c.Cache.SwapSpaceGB = envFloat("CACHE_SWAP_SPACE_GB", c.Cache.SwapSpaceGB)
	c.Cache.GPUBlockOverride = envInt("CACHE_GPU_BLOCK_OVERRIDE", c.Cache.GPUBlockOverride)
	c.Device.Index = envInt("DEVICE_INDEX", c.Device.Index)
	c.Device.TotalMemoryGB = envFloat("DEVICE_TOTAL_MEMORY_GB", c.Device.TotalMemoryGB)
	c.Device.MemoryUtilization = envFloat("DEVICE_MEMORY_UTILIZATION", c.Device.MemoryUtilization)
	c.Parallel.InitAddress = envStr("INIT_ADDRESS", c.Parallel.InitAddress)
	c.Scheduler.MaxBatchSize = envInt("MAX_BATCH_SIZE", c.Scheduler.MaxBatchSize)
	c.Scheduler.MaxWaitMs = envInt("MAX_WAIT_MS", c.Scheduler.MaxWaitMs)

	c.normalize()
	return c
}

// LoadFile overlays values from a YAML file on top of c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.normalize()
	return nil
}

// Validate rejects configurations the uniproc engine cannot run.
func (c *Config) Validate() error {
	if c.Parallel.WorldSize != 1 {
		return fmt.Errorf("uniproc engine requires world_size=1, got %d", c.Parallel.WorldSize)
	}
	if c.Cache.BlockBytes <= 0 || c.Cache.BlockSizeTokens <= 0 {
		return fmt.Errorf("cache block size must be positive")
	}
	if c.Scheduler.MaxBatchSize <= 0 {
		return fmt.Errorf("scheduler max_batch_size must be positive")
	}
	if c.Model.MaxSeqLen <= 0 {
		return fmt.Errorf("model max_seq_len must be positive")
	}
	return nil
}

func (c *Config) normalize() {
	c.Scheduler.MaxWaitTime = time.Duration(c.Scheduler.MaxWaitMs) * time.Millisecond
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
