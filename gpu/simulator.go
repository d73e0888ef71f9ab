package gpu

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eon-protocol/zkaccel/backend"
	"github.com/eon-protocol/zkaccel/device"
	"github.com/eon-protocol/zkaccel/internal/parallel"
)

const (
	SimDriver = "sim"
	// EnvSimDevices makes the simulator's devices discoverable, e.g. on CI
	// hosts without a GPU.
	EnvSimDevices = "ZKACCEL_SIM_DEVICES"
)

var ErrProgramClosed = errors.New("program closed")

// SimConfig shapes the simulated devices.
type SimConfig struct {
	Devices          int
	MemoryBytes      uint64
	MaxWorkGroupSize int
	ComputeUnits     int
	// Fault, when set, runs before every launch. A non-nil error fails the
	// launch; a panic behaves like a crashed kernel. launch counts from 1
	// across all devices of the simulator.
	Fault func(kernel string, launch uint64) error
}

// Simulator executes kernels on host goroutines with the grid semantics of a
// real device: blocks of work items spread over compute units.
type Simulator struct {
	cfg      SimConfig
	devices  []device.Handle
	launches atomic.Uint64
}

func NewSimulator(cfg SimConfig) *Simulator {
	if cfg.Devices <= 0 {
		cfg.Devices = 1
	}
	if cfg.MemoryBytes == 0 {
		cfg.MemoryBytes = 8 << 30
	}
	if cfg.MaxWorkGroupSize <= 0 {
		cfg.MaxWorkGroupSize = 1024
	}
	if cfg.ComputeUnits <= 0 {
		cfg.ComputeUnits = device.LogicalCores()
	}

	s := &Simulator{cfg: cfg}
	for i := 0; i < cfg.Devices; i++ {
		s.devices = append(s.devices, device.Handle{
			Index:  i,
			UUID:   SimUUID(i),
			Name:   "zkaccel simulator",
			Driver: SimDriver,
			Kind:   device.KindGPU,
			Caps: device.Capability{
				MemoryBytes:      cfg.MemoryBytes,
				MaxWorkGroupSize: cfg.MaxWorkGroupSize,
				ComputeUnits:     cfg.ComputeUnits,
			},
		})
	}
	return s
}

// SimUUID is stable across processes so they contend for the same lock.
func SimUUID(index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("zkaccel-sim/"+strconv.Itoa(index))).String()
}

func (s *Simulator) Devices() []device.Handle {
	return append([]device.Handle(nil), s.devices...)
}

// Launches is the number of kernel launches attempted so far.
func (s *Simulator) Launches() uint64 { return s.launches.Load() }

// Load satisfies Loader.
func (s *Simulator) Load(h device.Handle) (backend.Program, error) {
	for _, d := range s.devices {
		if d.UUID == h.UUID {
			return &simProgram{sim: s, dev: d}, nil
		}
	}
	return nil, fmt.Errorf("simulator has no device %s", h)
}

func (s *Simulator) launch(kernel string) error {
	n := s.launches.Add(1)
	if s.cfg.Fault != nil {
		return s.cfg.Fault(kernel, n)
	}
	return nil
}

type simProgram struct {
	sim    *Simulator
	dev    device.Handle
	closed atomic.Bool
}

func (p *simProgram) Device() device.Handle { return p.dev }

func (p *simProgram) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *simProgram) Kernel(name string) (backend.Kernel, error) {
	if p.closed.Load() {
		return nil, ErrProgramClosed
	}
	switch name {
	case backend.KernelFFTRound:
		return simFFTRound{p}, nil
	case backend.KernelMSMPass:
		return simMSMPass{p}, nil
	}
	return nil, fmt.Errorf("%w: %q", backend.ErrKernelNotFound, name)
}

// grid runs fn over the launch's work items. Blocks are handed to compute
// units in contiguous runs; unit u gets slot u.
func (p *simProgram) grid(cfg backend.LaunchConfig, fn func(unit, start, end int)) error {
	if p.closed.Load() {
		return ErrProgramClosed
	}
	runs := parallel.Chunks(cfg.Grid, p.dev.Caps.ComputeUnits)
	var g errgroup.Group
	for u, r := range runs {
		start, end := r.Start*cfg.Block, min(r.End*cfg.Block, cfg.Items)
		if start >= end {
			continue
		}
		g.Go(func() error {
			fn(u, start, end)
			return nil
		})
	}
	return g.Wait()
}

type simFFTRound struct{ p *simProgram }

func (k simFFTRound) Name() string { return backend.KernelFFTRound }

func (k simFFTRound) Launch(cfg backend.LaunchConfig, buf, twiddles []fr.Element, round int) error {
	if err := k.p.sim.launch(backend.KernelFFTRound); err != nil {
		return err
	}
	return k.p.grid(cfg, func(_, start, end int) {
		for i := start; i < end; i++ {
			backend.RoundButterfly(buf, twiddles, round, i)
		}
	})
}

type simMSMPass struct{ p *simProgram }

func (k simMSMPass) Name() string { return backend.KernelMSMPass }

func (k simMSMPass) Launch(cfg backend.LaunchConfig, pass backend.MSMPass) (bls12381.G1Jac, error) {
	if err := k.p.sim.launch(backend.KernelMSMPass); err != nil {
		return bls12381.G1Jac{}, err
	}
	units := parallel.Chunks(cfg.Grid, k.p.dev.Caps.ComputeUnits)
	partials := make([]bls12381.G1Jac, len(units))
	for i := range partials {
		partials[i] = backend.Identity()
	}
	err := k.p.grid(cfg, func(unit, start, end int) {
		partials[unit] = backend.BucketPass(pass.Scalars[start:end], pass.Bases[start:end], pass.Window, pass.Width)
	})
	if err != nil {
		return bls12381.G1Jac{}, err
	}
	acc := backend.Identity()
	for i := range partials {
		acc.AddAssign(&partials[i])
	}
	return acc, nil
}

var envSimulator = sync.OnceValue(func() *Simulator {
	n, _ := strconv.Atoi(os.Getenv(EnvSimDevices))
	if n <= 0 {
		return nil
	}
	return NewSimulator(SimConfig{Devices: n})
})

func init() {
	RegisterDriver(SimDriver, 0,
		func() ([]device.Handle, error) {
			if s := envSimulator(); s != nil {
				return s.Devices(), nil
			}
			return nil, nil
		},
		func(h device.Handle) (backend.Program, error) {
			s := envSimulator()
			if s == nil {
				return nil, fmt.Errorf("%w: %s unset", ErrNoDriver, EnvSimDevices)
			}
			return s.Load(h)
		},
	)
}
