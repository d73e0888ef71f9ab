//go:build icicle

package gpu

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/google/uuid"
	icicle_runtime "github.com/ingonyama-zk/icicle-gnark/v3/wrappers/golang/runtime"

	"github.com/eon-protocol/zkaccel/backend"
	"github.com/eon-protocol/zkaccel/device"
	bls12_381_gpu "github.com/eon-protocol/zkaccel/gpu/bls12381"
)

const HasIcicle = true

const (
	IcicleDriver = "icicle"
	icicleType   = "CUDA"
	// takes precedence over the simulator
	iciclePriority = 10
)

var loadIcicleBackend = sync.OnceValue(func() error {
	if st := icicle_runtime.LoadBackendFromEnvOrDefault(); st != icicle_runtime.Success {
		return fmt.Errorf("icicle backend: %s", st.AsString())
	}
	return nil
})

func icicleDevices() ([]device.Handle, error) {
	if err := loadIcicleBackend(); err != nil {
		return nil, err
	}
	n, st := icicle_runtime.GetDeviceCount()
	if st != icicle_runtime.Success {
		return nil, fmt.Errorf("icicle device count: %s", st.AsString())
	}
	handles := make([]device.Handle, 0, n)
	for i := 0; i < n; i++ {
		handles = append(handles, device.Handle{
			Index:  i,
			UUID:   uuid.NewSHA1(uuid.NameSpaceOID, []byte("zkaccel-icicle/"+icicleType+"/"+strconv.Itoa(i))).String(),
			Name:   icicleType,
			Driver: IcicleDriver,
			Kind:   device.KindGPU,
			Caps:   device.Capability{MaxWorkGroupSize: 1024},
		})
	}
	return handles, nil
}

type icicleProgram struct {
	dev    device.Handle
	rt     icicle_runtime.Device
	closed atomic.Bool
}

func loadIcicle(h device.Handle) (backend.Program, error) {
	if err := loadIcicleBackend(); err != nil {
		return nil, err
	}
	return &icicleProgram{dev: h, rt: icicle_runtime.CreateDevice(icicleType, h.Index)}, nil
}

func (p *icicleProgram) Device() device.Handle { return p.dev }

func (p *icicleProgram) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *icicleProgram) Kernel(name string) (backend.Kernel, error) {
	if p.closed.Load() {
		return nil, ErrProgramClosed
	}
	switch name {
	case backend.KernelFFTRound:
		return icicleFFTRound{p}, nil
	case backend.KernelMSMPass:
		return icicleMSMPass{p}, nil
	}
	return nil, fmt.Errorf("%w: %q", backend.ErrKernelNotFound, name)
}

// run executes fn on the device's thread and waits for it.
func (p *icicleProgram) run(fn func() error) (err error) {
	if p.closed.Load() {
		return ErrProgramClosed
	}
	done := make(chan struct{})
	icicle_runtime.RunOnDevice(&p.rt, func(args ...any) {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("icicle kernel panic: %v", r)
			}
		}()
		err = fn()
	})
	<-done
	return err
}

type icicleFFTRound struct{ p *icicleProgram }

func (k icicleFFTRound) Name() string { return backend.KernelFFTRound }

func (k icicleFFTRound) Launch(_ backend.LaunchConfig, buf, twiddles []fr.Element, round int) error {
	return k.p.run(func() error {
		return bls12_381_gpu.FFTRoundOnDevice(buf, twiddles, round)
	})
}

type icicleMSMPass struct{ p *icicleProgram }

func (k icicleMSMPass) Name() string { return backend.KernelMSMPass }

func (k icicleMSMPass) Launch(_ backend.LaunchConfig, pass backend.MSMPass) (res bls12381.G1Jac, err error) {
	err = k.p.run(func() (err error) {
		res, err = bls12_381_gpu.MSMPassOnDevice(pass)
		return err
	})
	return res, err
}

func init() {
	RegisterDriver(IcicleDriver, iciclePriority, icicleDevices, loadIcicle)
}
