// Package device describes the compute devices the engine can dispatch to.
//
// Handles are discovered once per process and never change afterwards, so
// they can be shared and read from any goroutine without synchronization.
package device

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// Kind tells CPU and GPU handles apart.
type Kind uint8

const (
	KindCPU Kind = iota
	KindGPU
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindGPU:
		return "gpu"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Capability is what the dispatcher needs to size launches on a device.
type Capability struct {
	MemoryBytes      uint64
	MaxWorkGroupSize int
	ComputeUnits     int
}

// Handle identifies one physical device, or the null CPU-only device.
type Handle struct {
	Index  int
	UUID   string
	Name   string
	Driver string
	Kind   Kind
	Caps   Capability
}

func (h Handle) IsGPU() bool { return h.Kind == KindGPU }

func (h Handle) String() string {
	if h.Kind == KindCPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d(%s)", h.Driver, h.Index, h.UUID)
}

// Provider enumerates the devices of one driver.
type Provider func() ([]Handle, error)

type provider struct {
	name     string
	priority int
	list     Provider
}

var (
	providers   []provider
	providersMu sync.RWMutex
)

// Register adds a device provider. Called from init() of driver files; a
// provider registered after the first Discover call is ignored.
func Register(name string, priority int, list Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers = append(providers, provider{name: name, priority: priority, list: list})
}

// Discovery is the outcome of the one-time device scan.
type Discovery struct {
	GPUs   []Handle
	Errors map[string]error
}

var discover = sync.OnceValue(func() Discovery {
	providersMu.RLock()
	sorted := make([]provider, len(providers))
	copy(sorted, providers)
	providersMu.RUnlock()

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].priority > sorted[j].priority
	})

	d := Discovery{Errors: make(map[string]error)}
	for _, p := range sorted {
		hs, err := p.list()
		if err != nil {
			d.Errors[p.name] = err
			continue
		}
		for _, h := range hs {
			if h.IsGPU() {
				d.GPUs = append(d.GPUs, h)
			}
		}
	}
	return d
})

// Discover returns the process-wide device list. The scan runs once.
func Discover() Discovery {
	return discover()
}

var cpuHandle = sync.OnceValue(func() Handle {
	caps := Capability{
		MaxWorkGroupSize: 1,
		ComputeUnits:     LogicalCores(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		caps.MemoryBytes = vm.Total
	}
	return Handle{
		Index:  -1,
		UUID:   "cpu",
		Name:   runtime.GOOS + "/" + runtime.GOARCH,
		Driver: "host",
		Kind:   KindCPU,
		Caps:   caps,
	}
})

// CPU returns the null device used by the thread-pool backend.
func CPU() Handle {
	return cpuHandle()
}

var logicalCores = sync.OnceValue(func() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
})

// LogicalCores is the default worker-pool size.
func LogicalCores() int {
	return logicalCores()
}
