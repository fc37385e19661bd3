//go:build cuda

package nvml

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

typedef int nvmlReturn_t;
typedef void* nvmlDevice_t;

typedef struct {
    unsigned long long total;
    unsigned long long free;
    unsigned long long used;
} nvmlMemory_t;

typedef struct {
    unsigned int gpu;
    unsigned int memory;
} nvmlUtilization_t;

static void* nvml_lib = NULL;

typedef nvmlReturn_t (*nvmlInit_t)(void);
typedef nvmlReturn_t (*nvmlShutdown_t)(void);
typedef nvmlReturn_t (*nvmlDeviceGetCount_t)(unsigned int*);
typedef nvmlReturn_t (*nvmlDeviceGetHandleByIndex_t)(unsigned int, nvmlDevice_t*);
typedef nvmlReturn_t (*nvmlDeviceGetMemoryInfo_t)(nvmlDevice_t, nvmlMemory_t*);
typedef nvmlReturn_t (*nvmlDeviceGetUtilizationRates_t)(nvmlDevice_t, nvmlUtilization_t*);
typedef nvmlReturn_t (*nvmlDeviceGetName_t)(nvmlDevice_t, char*, unsigned int);

static nvmlInit_t f_nvmlInit = NULL;
static nvmlShutdown_t f_nvmlShutdown = NULL;
static nvmlDeviceGetCount_t f_nvmlDeviceGetCount = NULL;
static nvmlDeviceGetHandleByIndex_t f_nvmlDeviceGetHandleByIndex = NULL;
static nvmlDeviceGetMemoryInfo_t f_nvmlDeviceGetMemoryInfo = NULL;
static nvmlDeviceGetUtilizationRates_t f_nvmlDeviceGetUtilizationRates = NULL;
static nvmlDeviceGetName_t f_nvmlDeviceGetName = NULL;

static int nvml_load() {
    nvml_lib = dlopen("libnvidia-ml.so.1", RTLD_LAZY);
    if (!nvml_lib) {
        nvml_lib = dlopen("libnvidia-ml.so", RTLD_LAZY);
    }
    if (!nvml_lib) return -1;

    f_nvmlInit = (nvmlInit_t)dlsym(nvml_lib, "nvmlInit_v2");
    if (!f_nvmlInit) f_nvmlInit = (nvmlInit_t)dlsym(nvml_lib, "nvmlInit");
    f_nvmlShutdown = (nvmlShutdown_t)dlsym(nvml_lib, "nvmlShutdown");
    f_nvmlDeviceGetCount = (nvmlDeviceGetCount_t)dlsym(nvml_lib, "nvmlDeviceGetCount_v2");
    if (!f_nvmlDeviceGetCount) f_nvmlDeviceGetCount = (nvmlDeviceGetCount_t)dlsym(nvml_lib, "nvmlDeviceGetCount");
    f_nvmlDeviceGetHandleByIndex = (nvmlDeviceGetHandleByIndex_t)dlsym(nvml_lib, "nvmlDeviceGetHandleByIndex_v2");
    if (!f_nvmlDeviceGetHandleByIndex) f_nvmlDeviceGetHandleByIndex = (nvmlDeviceGetHandleByIndex_t)dlsym(nvml_lib, "nvmlDeviceGetHandleByIndex");
    f_nvmlDeviceGetMemoryInfo = (nvmlDeviceGetMemoryInfo_t)dlsym(nvml_lib, "nvmlDeviceGetMemoryInfo");
    f_nvmlDeviceGetUtilizationRates = (nvmlDeviceGetUtilizationRates_t)dlsym(nvml_lib, "nvmlDeviceGetUtilizationRates");
    f_nvmlDeviceGetName = (nvmlDeviceGetName_t)dlsym(nvml_lib, "nvmlDeviceGetName");

    if (!f_nvmlInit || !f_nvmlDeviceGetCount || !f_nvmlDeviceGetHandleByIndex || !f_nvmlDeviceGetMemoryInfo) return -2;

    return f_nvmlInit();
}

static int nvml_device_count() {
    unsigned int count = 0;
    if (f_nvmlDeviceGetCount) f_nvmlDeviceGetCount(&count);
    return (int)count;
}

static int nvml_get_memory(int idx, unsigned long long* total, unsigned long long* free, unsigned long long* used) {
    nvmlDevice_t dev;
    if (f_nvmlDeviceGetHandleByIndex(idx, &dev) != 0) return -1;
    nvmlMemory_t mem;
    if (f_nvmlDeviceGetMemoryInfo(dev, &mem) != 0) return -2;
    *total = mem.total;
    *free = mem.free;
    *used = mem.used;
    return 0;
}

static int nvml_get_utilization(int idx, unsigned int* gpu, unsigned int* mem) {
    nvmlDevice_t dev;
    if (f_nvmlDeviceGetHandleByIndex(idx, &dev) != 0) return -1;
    nvmlUtilization_t util;
    if (!f_nvmlDeviceGetUtilizationRates) return -2;
    if (f_nvmlDeviceGetUtilizationRates(dev, &util) != 0) return -3;
    *gpu = util.gpu;
    *mem = util.memory;
    return 0;
}

static int nvml_get_name(int idx, char* name, int len) {
    nvmlDevice_t dev;
    if (f_nvmlDeviceGetHandleByIndex(idx, &dev) != 0) return -1;
    if (!f_nvmlDeviceGetName) return -2;
    if (f_nvmlDeviceGetName(dev, name, len) != 0) return -3;
    return 0;
}

static void nvml_shutdown() {
    if (f_nvmlShutdown) f_nvmlShutdown();
    if (nvml_lib) dlclose(nvml_lib);
}
*/
import "C"

import "fmt"

// MemoryInfo is a point-in-time view of device memory, in bytes.
type MemoryInfo struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedBytes  uint64
}

// Utilization is an instantaneous device utilization sample, in percent.
type Utilization struct {
	GPU    uint
	Memory uint
}

// NVML wraps the NVIDIA Management Library via dlopen, so the binary has no
// compile-time dependency on the driver.
type NVML struct {
	available bool
	gpuCount  int
}

// New loads libnvidia-ml.so and initializes NVML. An error means no usable
// NVIDIA device is present; the caller decides whether that is fatal.
func New() (*NVML, error) {
	rc := C.nvml_load()
	if rc != 0 {
		return nil, fmt.Errorf("NVML unavailable (code %d)", rc)
	}
	count := int(C.nvml_device_count())
	if count == 0 {
		C.nvml_shutdown()
		return nil, fmt.Errorf("NVML loaded but no devices found")
	}
	return &NVML{available: true, gpuCount: count}, nil
}

// Available reports whether NVML is loaded and devices are present.
func (n *NVML) Available() bool {
	return n != nil && n.available
}

// DeviceCount returns the number of visible devices.
func (n *NVML) DeviceCount() int {
	if n == nil {
		return 0
	}
	return n.gpuCount
}

// DeviceName returns the product name of the device at index.
func (n *NVML) DeviceName(index int) (string, error) {
	if err := n.checkIndex(index); err != nil {
		return "", err
	}
	var name [256]C.char
	if rc := C.nvml_get_name(C.int(index), &name[0], 256); rc != 0 {
		return "", fmt.Errorf("nvmlDeviceGetName failed (code %d)", rc)
	}
	return C.GoString(&name[0]), nil
}

// MemoryInfo returns current memory occupancy for the device at index.
func (n *NVML) MemoryInfo(index int) (MemoryInfo, error) {
	if err := n.checkIndex(index); err != nil {
		return MemoryInfo{}, err
	}
	var total, free, used C.ulonglong
	if rc := C.nvml_get_memory(C.int(index), &total, &free, &used); rc != 0 {
		return MemoryInfo{}, fmt.Errorf("nvmlDeviceGetMemoryInfo failed (code %d)", rc)
	}
	return MemoryInfo{
		TotalBytes: uint64(total),
		FreeBytes:  uint64(free),
		UsedBytes:  uint64(used),
	}, nil
}

// UtilizationRates samples device and memory-bus utilization.
func (n *NVML) UtilizationRates(index int) (Utilization, error) {
	if err := n.checkIndex(index); err != nil {
		return Utilization{}, err
	}
	var gpu, mem C.uint
	if rc := C.nvml_get_utilization(C.int(index), &gpu, &mem); rc != 0 {
		return Utilization{}, fmt.Errorf("nvmlDeviceGetUtilizationRates failed (code %d)", rc)
	}
	return Utilization{GPU: uint(gpu), Memory: uint(mem)}, nil
}

// Shutdown unloads NVML. Safe to call once; the NVML is unusable after.
func (n *NVML) Shutdown() {
	if n != nil && n.available {
		C.nvml_shutdown()
		n.available = false
	}
}

func (n *NVML) checkIndex(index int) error {
	if !n.Available() {
		return fmt.Errorf("NVML not available")
	}
	if index < 0 || index >= n.gpuCount {
		return fmt.Errorf("device index %d out of range (have %d)", index, n.gpuCount)
	}
	return nil
}
