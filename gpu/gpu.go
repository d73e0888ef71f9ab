// Package gpu holds the kernel programs the backend can launch: an ICICLE
// program when built with the icicle tag, and a software simulator that runs
// the same kernels on host goroutines.
package gpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eon-protocol/zkaccel/backend"
	"github.com/eon-protocol/zkaccel/device"
)

var ErrNoDriver = errors.New("no program loader for device driver")

// Loader loads the compiled program for a device.
type Loader func(h device.Handle) (backend.Program, error)

var (
	loaders   = map[string]Loader{}
	loadersMu sync.RWMutex
)

// RegisterDriver makes a driver's devices discoverable and its program
// loadable. Drivers call it from init().
func RegisterDriver(name string, priority int, list device.Provider, load Loader) {
	loadersMu.Lock()
	loaders[name] = load
	loadersMu.Unlock()
	device.Register(name, priority, list)
}

// Load opens the program for h with the loader of h's driver.
func Load(h device.Handle) (backend.Program, error) {
	loadersMu.RLock()
	load, ok := loaders[h.Driver]
	loadersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDriver, h.Driver)
	}
	return load(h)
}
