package backend

import (
	"context"
	"errors"
	"fmt"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"

	"github.com/eon-protocol/zkaccel/arbiter"
	"github.com/eon-protocol/zkaccel/device"
	"github.com/eon-protocol/zkaccel/internal/parallel"
)

// Kernel names every compiled program must export.
const (
	KernelFFTRound = "radix2_fft_round"
	KernelMSMPass  = "msm_bucket_pass"
)

const (
	DefaultBlockSize = 256
	// scalar limbs plus an affine base
	pointBytes = fr.Bytes + bls12381.SizeOfG1AffineUncompressed
)

// Program is a compiled kernel bundle loaded on one device.
type Program interface {
	Device() device.Handle
	Kernel(name string) (Kernel, error)
	Close() error
}

type Kernel interface {
	Name() string
}

type FFTRoundKernel interface {
	Kernel
	Launch(cfg LaunchConfig, buf, twiddles []fr.Element, round int) error
}

type MSMPassKernel interface {
	Kernel
	Launch(cfg LaunchConfig, pass MSMPass) (bls12381.G1Jac, error)
}

// LaunchConfig is the grid shape for one kernel launch.
type LaunchConfig struct {
	Items int
	Block int
	Grid  int
}

// NewLaunchConfig sizes a launch over items work items for a device.
func NewLaunchConfig(items int, caps device.Capability) LaunchConfig {
	block := DefaultBlockSize
	if caps.MaxWorkGroupSize > 0 && caps.MaxWorkGroupSize < block {
		block = caps.MaxWorkGroupSize
	}
	return LaunchConfig{
		Items: items,
		Block: block,
		Grid:  (items + block - 1) / block,
	}
}

// MaxLaunchPoints is how many scalar/base pairs one MSM launch may carry.
// Zero means unbounded.
func MaxLaunchPoints(caps device.Capability) int {
	if caps.MemoryBytes == 0 {
		return 0
	}
	return max(1, int(caps.MemoryBytes/pointBytes))
}

// GPU dispatches rounds and passes to a compiled program on a leased device.
type GPU struct {
	lock *arbiter.Lock
	dev  device.Handle
	fft  FFTRoundKernel
	msm  MSMPassKernel
	log  zerolog.Logger
}

// NewGPU resolves the kernels of prog. The lease must be held and must be for
// the device prog was loaded on.
func NewGPU(lock *arbiter.Lock, prog Program) (*GPU, error) {
	if !lock.Held() {
		return nil, fmt.Errorf("%w: device lease not held", ErrDeviceFailure)
	}
	dev := prog.Device()
	if dev.UUID != lock.Device().UUID {
		return nil, fmt.Errorf("%w: program loaded on %s, lease is for %s", ErrDeviceFailure, dev, lock.Device())
	}

	k, err := prog.Kernel(KernelFFTRound)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceFailure, err)
	}
	fk, ok := k.(FFTRoundKernel)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s has the wrong signature", ErrDeviceFailure, ErrKernelNotFound, KernelFFTRound)
	}
	k, err = prog.Kernel(KernelMSMPass)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceFailure, err)
	}
	mk, ok := k.(MSMPassKernel)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s has the wrong signature", ErrDeviceFailure, ErrKernelNotFound, KernelMSMPass)
	}

	return &GPU{
		lock: lock,
		dev:  dev,
		fft:  fk,
		msm:  mk,
		log:  logger.Logger().With().Str("backend", "gpu").Str("device", dev.String()).Logger(),
	}, nil
}

func (me *GPU) Kind() device.Kind { return device.KindGPU }

func (me *GPU) Device() device.Handle { return me.dev }

func (me *GPU) ExecuteFFTRound(ctx context.Context, buf, twiddles []fr.Element, round int) error {
	if err := validateRound(buf, twiddles, round); err != nil {
		return err
	}
	if err := me.held(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n := len(buf)
	if need := uint64(n+n/2) * fr.Bytes; me.dev.Caps.MemoryBytes > 0 && need > me.dev.Caps.MemoryBytes {
		return fmt.Errorf("%w: fft of size %d needs %d bytes, device has %d", ErrDeviceFailure, n, need, me.dev.Caps.MemoryBytes)
	}
	cfg := NewLaunchConfig(n/2, me.dev.Caps)
	return me.guard(KernelFFTRound, func() error {
		return me.fft.Launch(cfg, buf, twiddles, round)
	})
}

// ExecuteMSMPass splits the pass into launches that fit device memory and
// adds their partial sums in launch order.
func (me *GPU) ExecuteMSMPass(ctx context.Context, pass MSMPass) (bls12381.G1Jac, error) {
	if err := pass.validate(); err != nil {
		return bls12381.G1Jac{}, err
	}
	if err := me.held(); err != nil {
		return bls12381.G1Jac{}, err
	}
	n := len(pass.Scalars)
	size := MaxLaunchPoints(me.dev.Caps)
	if size == 0 {
		size = max(n, 1)
	}

	acc := Identity()
	for _, c := range parallel.SizedChunks(n, size) {
		if err := ctx.Err(); err != nil {
			return bls12381.G1Jac{}, err
		}
		sub := MSMPass{
			Scalars: pass.Scalars[c.Start:c.End],
			Bases:   pass.Bases[c.Start:c.End],
			Window:  pass.Window,
			Width:   pass.Width,
		}
		var partial bls12381.G1Jac
		err := me.guard(KernelMSMPass, func() (err error) {
			partial, err = me.msm.Launch(NewLaunchConfig(c.Len(), me.dev.Caps), sub)
			return err
		})
		if err != nil {
			return bls12381.G1Jac{}, err
		}
		acc.AddAssign(&partial)
	}
	return acc, nil
}

// guard turns launch errors, kernel panics and a lost lease into
// ErrDeviceFailure.
func (me *GPU) guard(kernel string, launch func() error) (err error) {
	if err := me.held(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrDeviceFailure, kernel, r)
		}
		if err != nil {
			me.log.Debug().Err(err).Str("kernel", kernel).Msg("launch failed")
		}
	}()
	if err = launch(); err != nil && !errors.Is(err, ErrDeviceFailure) {
		err = fmt.Errorf("%w: %s: %w", ErrDeviceFailure, kernel, err)
	}
	return err
}

func (me *GPU) held() error {
	if !me.lock.Held() {
		return fmt.Errorf("%w: lease on %s released", ErrDeviceFailure, me.dev)
	}
	return nil
}
