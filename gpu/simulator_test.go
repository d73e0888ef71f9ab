package gpu

import (
	"context"
	"errors"
	"math/big"
	"testing"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	gnarkfft "github.com/consensys/gnark-crypto/ecc/bls12-381/fr/fft"
	"github.com/consensys/gnark/logger"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/eon-protocol/zkaccel/arbiter"
	"github.com/eon-protocol/zkaccel/backend"
	"github.com/eon-protocol/zkaccel/device"
)

func TestMain(m *testing.M) {
	logger.Disable()
	goleak.VerifyTestMain(m)
}

func randomElements(t *testing.T, n int) []fr.Element {
	t.Helper()
	v := make([]fr.Element, n)
	for i := range v {
		_, err := v[i].SetRandom()
		require.NoError(t, err)
	}
	return v
}

func simBackend(t *testing.T, sim *Simulator) *backend.GPU {
	t.Helper()
	h := sim.Devices()[0]
	l, err := arbiter.New(t.TempDir()).Acquire(context.Background(), h, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	prog, err := sim.Load(h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = prog.Close() })

	g, err := backend.NewGPU(l, prog)
	require.NoError(t, err)
	return g
}

func TestSimulatorDevices(t *testing.T) {
	require := require.New(t)
	sim := NewSimulator(SimConfig{Devices: 3, MemoryBytes: 1 << 20, ComputeUnits: 4})
	devs := sim.Devices()
	require.Len(devs, 3)
	for i, h := range devs {
		require.Equal(i, h.Index)
		require.Equal(SimDriver, h.Driver)
		require.True(h.IsGPU())
		require.EqualValues(1<<20, h.Caps.MemoryBytes)
		require.Equal(4, h.Caps.ComputeUnits)
		require.Equal(SimUUID(i), h.UUID)
	}
	require.NotEqual(devs[0].UUID, devs[1].UUID)
	require.Equal(SimUUID(2), NewSimulator(SimConfig{Devices: 3}).Devices()[2].UUID)

	_, err := sim.Load(device.Handle{UUID: "nope"})
	require.Error(err)
}

func TestSimulatorFFTRoundsMatchCPU(t *testing.T) {
	const n = 1 << 11
	sim := NewSimulator(SimConfig{MaxWorkGroupSize: 64, ComputeUnits: 5})
	g := simBackend(t, sim)
	cpu := backend.NewCPU(3)

	w, err := gnarkfft.Generator(n)
	require.NoError(t, err)
	tw := make([]fr.Element, n/2)
	gnarkfft.BuildExpTable(w, tw)

	a := randomElements(t, n)
	b := append([]fr.Element(nil), a...)
	for r := 0; r < backend.Rounds(n); r++ {
		require.NoError(t, cpu.ExecuteFFTRound(context.Background(), a, tw, r))
		require.NoError(t, g.ExecuteFFTRound(context.Background(), b, tw, r))
	}
	require.Equal(t, a, b)
	require.EqualValues(t, backend.Rounds(n), sim.Launches())
}

func TestSimulatorMSMPassMatchesCPU(t *testing.T) {
	const n = 700
	sim := NewSimulator(SimConfig{MaxWorkGroupSize: 32, ComputeUnits: 3, MemoryBytes: 256 * 128})
	g := simBackend(t, sim)

	_, _, gen, _ := bls12381.Generators()
	scalars := make([][fr.Limbs]uint64, n)
	bases := make([]bls12381.G1Affine, n)
	for i, s := range randomElements(t, n) {
		scalars[i] = s.Bits()
		bases[i].ScalarMultiplication(&gen, big.NewInt(int64(3*i+1)))
	}
	pass := backend.MSMPass{Scalars: scalars, Bases: bases, Window: 4, Width: 10}

	want, err := backend.NewCPU(2).ExecuteMSMPass(context.Background(), pass)
	require.NoError(t, err)
	got, err := g.ExecuteMSMPass(context.Background(), pass)
	require.NoError(t, err)

	var wa, ga bls12381.G1Affine
	wa.FromJacobian(&want)
	ga.FromJacobian(&got)
	require.True(t, wa.Equal(&ga))
	// 256 points per launch
	require.EqualValues(t, 3, sim.Launches())
}

func TestSimulatorFaultInjection(t *testing.T) {
	boom := errors.New("ecc error")
	sim := NewSimulator(SimConfig{Fault: func(kernel string, launch uint64) error {
		if kernel == backend.KernelMSMPass && launch == 2 {
			return boom
		}
		return nil
	}})
	g := simBackend(t, sim)
	pass := backend.MSMPass{Scalars: make([][fr.Limbs]uint64, 4), Bases: make([]bls12381.G1Affine, 4), Width: 4}

	_, err := g.ExecuteMSMPass(context.Background(), pass)
	require.NoError(t, err)
	_, err = g.ExecuteMSMPass(context.Background(), pass)
	require.ErrorIs(t, err, backend.ErrDeviceFailure)
	require.ErrorIs(t, err, boom)
}

func TestSimulatorKernelPanic(t *testing.T) {
	sim := NewSimulator(SimConfig{Fault: func(string, uint64) error { panic("device lost") }})
	g := simBackend(t, sim)
	buf := make([]fr.Element, 4)
	err := g.ExecuteFFTRound(context.Background(), buf, make([]fr.Element, 2), 0)
	require.ErrorIs(t, err, backend.ErrDeviceFailure)
}

func TestClosedProgram(t *testing.T) {
	sim := NewSimulator(SimConfig{})
	prog, err := sim.Load(sim.Devices()[0])
	require.NoError(t, err)
	require.NoError(t, prog.Close())
	_, err = prog.Kernel(backend.KernelFFTRound)
	require.ErrorIs(t, err, ErrProgramClosed)
}

func TestUnknownKernel(t *testing.T) {
	sim := NewSimulator(SimConfig{})
	prog, err := sim.Load(sim.Devices()[0])
	require.NoError(t, err)
	_, err = prog.Kernel("poseidon2_hash")
	require.ErrorIs(t, err, backend.ErrKernelNotFound)
}

func TestLoadUnknownDriver(t *testing.T) {
	_, err := Load(device.Handle{Driver: "opencl", Kind: device.KindGPU})
	require.ErrorIs(t, err, ErrNoDriver)
}
