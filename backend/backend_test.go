package backend

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	gnarkfft "github.com/consensys/gnark-crypto/ecc/bls12-381/fr/fft"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/eon-protocol/zkaccel/arbiter"
	"github.com/eon-protocol/zkaccel/device"
)

func TestMain(m *testing.M) {
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

func twiddlesFor(n int) []fr.Element {
	w, err := gnarkfft.Generator(uint64(n))
	if err != nil {
		panic(err)
	}
	tw := make([]fr.Element, n/2)
	gnarkfft.BuildExpTable(w, tw)
	return tw
}

func multiples(n int) []bls12381.G1Affine {
	_, _, g, _ := bls12381.Generators()
	bases := make([]bls12381.G1Affine, n)
	for i := range bases {
		bases[i].ScalarMultiplication(&g, big.NewInt(int64(i+1)))
	}
	return bases
}

func limbsOf(scalars []fr.Element) [][fr.Limbs]uint64 {
	out := make([][fr.Limbs]uint64, len(scalars))
	for i := range scalars {
		out[i] = scalars[i].Bits()
	}
	return out
}

func affine(p bls12381.G1Jac) bls12381.G1Affine {
	var a bls12381.G1Affine
	a.FromJacobian(&p)
	return a
}

func runRounds(t *testing.T, b Backend, buf []fr.Element) {
	t.Helper()
	tw := twiddlesFor(len(buf))
	gnarkfft.BitReverse(buf)
	for r := 0; r < Rounds(len(buf)); r++ {
		require.NoError(t, b.ExecuteFFTRound(context.Background(), buf, tw, r))
	}
}

func TestButterfly(t *testing.T) {
	a, b, w := fr.NewElement(1), fr.NewElement(2), fr.NewElement(3)
	Butterfly(&a, &b, &w)

	var minus5 fr.Element
	minus5.SetInt64(-5)
	require.Equal(t, fr.NewElement(7), a)
	require.Equal(t, minus5, b)
}

func TestDigit(t *testing.T) {
	limbs := [fr.Limbs]uint64{0xfedcba9876543210, 0x1, 0, 0x8000000000000000}

	require.EqualValues(t, 0x0, Digit(&limbs, 0, 4))
	require.EqualValues(t, 0x1, Digit(&limbs, 1, 4))
	require.EqualValues(t, 0xf, Digit(&limbs, 15, 4))
	// window 6 of width 10 covers bits 60..69, across the first limb boundary
	require.EqualValues(t, 0x1f, Digit(&limbs, 6, 10))
	require.EqualValues(t, 1, Digit(&limbs, 255, 1))
	require.EqualValues(t, 0, Digit(&limbs, 40, 8))
}

func TestWindows(t *testing.T) {
	require.Equal(t, 255, Windows(1))
	require.Equal(t, 22, Windows(12))
	require.Equal(t, 16, Windows(16))
}

func TestReduceBuckets(t *testing.T) {
	bases := multiples(3)
	buckets := make([]bls12381.G1Jac, 3)
	for i := range buckets {
		buckets[i].FromAffine(&bases[i])
	}
	// 1*G + 2*2G + 3*3G = 14G
	want := multiples(14)[13]
	got := affine(ReduceBuckets(buckets))
	require.True(t, want.Equal(&got))

	id := affine(ReduceBuckets(nil))
	require.True(t, id.IsInfinity())
}

func TestBucketPass(t *testing.T) {
	bases := multiples(5)
	scalars := [][fr.Limbs]uint64{{0x3}, {0x0}, {0x21}, {0xf}, {0x10}}
	// low nibbles 3,0,1,f,0 -> 3*1 + 1*3 + 15*4 = 66
	want := multiples(66)[65]
	got := affine(BucketPass(scalars, bases, 0, 4))
	require.True(t, want.Equal(&got))
}

func TestCPUFFTMatchesNaiveEvaluation(t *testing.T) {
	require := require.New(t)
	const n = 16
	coeffs := randomElements(t, n)
	buf := append([]fr.Element(nil), coeffs...)

	runRounds(t, NewCPU(3), buf)

	w, err := gnarkfft.Generator(n)
	require.NoError(err)
	var x fr.Element
	x.SetOne()
	for i := 0; i < n; i++ {
		var eval, pow fr.Element
		pow.SetOne()
		for j := 0; j < n; j++ {
			var term fr.Element
			term.Mul(&coeffs[j], &pow)
			eval.Add(&eval, &term)
			pow.Mul(&pow, &x)
		}
		require.True(eval.Equal(&buf[i]), "evaluation %d", i)
		x.Mul(&x, &w)
	}
}

func TestCPUFFTIndependentOfWorkerCount(t *testing.T) {
	in := randomElements(t, 1<<12)
	a := append([]fr.Element(nil), in...)
	b := append([]fr.Element(nil), in...)

	runRounds(t, NewCPU(1), a)
	runRounds(t, NewCPU(7), b)
	require.Equal(t, a, b)
}

func TestCPUMSMPassIndependentOfWorkerCount(t *testing.T) {
	const n = 1000
	pass := MSMPass{
		Scalars: limbsOf(randomElements(t, n)),
		Bases:   multiples(n),
		Window:  3,
		Width:   8,
	}
	one, err := NewCPU(1).ExecuteMSMPass(context.Background(), pass)
	require.NoError(t, err)
	many, err := NewCPU(5).ExecuteMSMPass(context.Background(), pass)
	require.NoError(t, err)

	a, b := affine(one), affine(many)
	require.True(t, a.Equal(&b))
}

func TestValidation(t *testing.T) {
	cpu := NewCPU(2)
	ctx := context.Background()
	buf := make([]fr.Element, 8)

	require.ErrorIs(t, cpu.ExecuteFFTRound(ctx, buf[:6], twiddlesFor(8), 0), ErrInvalidRound)
	require.ErrorIs(t, cpu.ExecuteFFTRound(ctx, buf, twiddlesFor(8), 3), ErrInvalidRound)
	require.ErrorIs(t, cpu.ExecuteFFTRound(ctx, buf, twiddlesFor(4), 0), ErrInvalidRound)

	_, err := cpu.ExecuteMSMPass(ctx, MSMPass{Scalars: make([][fr.Limbs]uint64, 2), Bases: multiples(1), Width: 4})
	require.ErrorIs(t, err, ErrInvalidPass)
	_, err = cpu.ExecuteMSMPass(ctx, MSMPass{Width: 0})
	require.ErrorIs(t, err, ErrInvalidPass)
	_, err = cpu.ExecuteMSMPass(ctx, MSMPass{Width: 4, Window: Windows(4)})
	require.ErrorIs(t, err, ErrInvalidPass)
}

func TestCPUDefaults(t *testing.T) {
	cpu := NewCPU(0)
	require.Equal(t, device.LogicalCores(), cpu.Workers())
	require.Equal(t, device.KindCPU, cpu.Kind())
	require.Equal(t, device.CPU(), cpu.Device())
}

func TestNewLaunchConfig(t *testing.T) {
	cfg := NewLaunchConfig(1000, device.Capability{MaxWorkGroupSize: 1024})
	require.Equal(t, LaunchConfig{Items: 1000, Block: 256, Grid: 4}, cfg)

	cfg = NewLaunchConfig(1000, device.Capability{MaxWorkGroupSize: 64})
	require.Equal(t, LaunchConfig{Items: 1000, Block: 64, Grid: 16}, cfg)

	require.Equal(t, 0, MaxLaunchPoints(device.Capability{}))
	require.Equal(t, 10, MaxLaunchPoints(device.Capability{MemoryBytes: 10 * pointBytes}))
}

// fakeProgram runs the shared numerics on the host, like a device would.
type fakeProgram struct {
	dev      device.Handle
	launches atomic.Int64
	fail     error
	panics   bool
	missing  string
}

type fakeFFT struct{ p *fakeProgram }
type fakeMSM struct{ p *fakeProgram }

func (k fakeFFT) Name() string { return KernelFFTRound }
func (k fakeMSM) Name() string { return KernelMSMPass }

func (k fakeFFT) Launch(cfg LaunchConfig, buf, tw []fr.Element, round int) error {
	k.p.launches.Add(1)
	for i := 0; i < cfg.Items; i++ {
		RoundButterfly(buf, tw, round, i)
	}
	return k.p.fail
}

func (k fakeMSM) Launch(cfg LaunchConfig, pass MSMPass) (bls12381.G1Jac, error) {
	k.p.launches.Add(1)
	if k.p.panics {
		panic("illegal address")
	}
	if k.p.fail != nil {
		return bls12381.G1Jac{}, k.p.fail
	}
	return BucketPass(pass.Scalars[:cfg.Items], pass.Bases, pass.Window, pass.Width), nil
}

func (p *fakeProgram) Device() device.Handle { return p.dev }
func (p *fakeProgram) Close() error          { return nil }
func (p *fakeProgram) Kernel(name string) (Kernel, error) {
	if name == p.missing {
		return nil, ErrKernelNotFound
	}
	switch name {
	case KernelFFTRound:
		return fakeFFT{p}, nil
	case KernelMSMPass:
		return fakeMSM{p}, nil
	}
	return nil, ErrKernelNotFound
}

var fakeDevice = device.Handle{
	Index:  0,
	UUID:   "fake-0",
	Driver: "fake",
	Kind:   device.KindGPU,
	Caps:   device.Capability{MemoryBytes: 1 << 30, MaxWorkGroupSize: 128, ComputeUnits: 8},
}

func lease(t *testing.T, h device.Handle) *arbiter.Lock {
	t.Helper()
	l, err := arbiter.New(t.TempDir()).Acquire(context.Background(), h, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })
	return l
}

func TestGPUMatchesCPU(t *testing.T) {
	require := require.New(t)
	g, err := NewGPU(lease(t, fakeDevice), &fakeProgram{dev: fakeDevice})
	require.NoError(err)
	require.Equal(device.KindGPU, g.Kind())
	require.Equal(fakeDevice, g.Device())

	in := randomElements(t, 256)
	a := append([]fr.Element(nil), in...)
	b := append([]fr.Element(nil), in...)
	runRounds(t, NewCPU(4), a)
	runRounds(t, g, b)
	require.Equal(a, b)

	pass := MSMPass{Scalars: limbsOf(randomElements(t, 300)), Bases: multiples(300), Window: 10, Width: 9}
	cp, err := NewCPU(4).ExecuteMSMPass(context.Background(), pass)
	require.NoError(err)
	gp, err := g.ExecuteMSMPass(context.Background(), pass)
	require.NoError(err)
	ca, ga := affine(cp), affine(gp)
	require.True(ca.Equal(&ga))
}

func TestGPUSplitsLaunchesByMemory(t *testing.T) {
	require := require.New(t)
	dev := fakeDevice
	dev.Caps.MemoryBytes = 40 * pointBytes
	prog := &fakeProgram{dev: dev}
	g, err := NewGPU(lease(t, dev), prog)
	require.NoError(err)

	pass := MSMPass{Scalars: limbsOf(randomElements(t, 100)), Bases: multiples(100), Window: 0, Width: 6}
	got, err := g.ExecuteMSMPass(context.Background(), pass)
	require.NoError(err)
	require.EqualValues(3, prog.launches.Load())

	want, err := NewCPU(1).ExecuteMSMPass(context.Background(), pass)
	require.NoError(err)
	wa, ga := affine(want), affine(got)
	require.True(wa.Equal(&ga))
}

func TestGPURejectsOversizedFFT(t *testing.T) {
	dev := fakeDevice
	dev.Caps.MemoryBytes = 64 * fr.Bytes
	g, err := NewGPU(lease(t, dev), &fakeProgram{dev: dev})
	require.NoError(t, err)

	buf := make([]fr.Element, 64)
	err = g.ExecuteFFTRound(context.Background(), buf, twiddlesFor(64), 0)
	require.ErrorIs(t, err, ErrDeviceFailure)
}

func TestGPUFailuresAreDeviceFailures(t *testing.T) {
	ctx := context.Background()
	pass := MSMPass{Scalars: limbsOf(randomElements(t, 4)), Bases: multiples(4), Width: 4}
	oom := errors.New("out of memory")

	g, err := NewGPU(lease(t, fakeDevice), &fakeProgram{dev: fakeDevice, fail: oom})
	require.NoError(t, err)
	_, err = g.ExecuteMSMPass(ctx, pass)
	require.ErrorIs(t, err, ErrDeviceFailure)
	require.ErrorIs(t, err, oom)
	err = g.ExecuteFFTRound(ctx, make([]fr.Element, 8), twiddlesFor(8), 1)
	require.ErrorIs(t, err, ErrDeviceFailure)

	g, err = NewGPU(lease(t, fakeDevice), &fakeProgram{dev: fakeDevice, panics: true})
	require.NoError(t, err)
	_, err = g.ExecuteMSMPass(ctx, pass)
	require.ErrorIs(t, err, ErrDeviceFailure)
}

func TestGPULeaseMustBeHeld(t *testing.T) {
	l := lease(t, fakeDevice)
	g, err := NewGPU(l, &fakeProgram{dev: fakeDevice})
	require.NoError(t, err)

	require.NoError(t, l.Release())
	_, err = g.ExecuteMSMPass(context.Background(), MSMPass{Width: 4})
	require.ErrorIs(t, err, ErrDeviceFailure)

	_, err = NewGPU(l, &fakeProgram{dev: fakeDevice})
	require.ErrorIs(t, err, ErrDeviceFailure)
}

func TestNewGPUChecksProgram(t *testing.T) {
	_, err := NewGPU(lease(t, fakeDevice), &fakeProgram{dev: fakeDevice, missing: KernelMSMPass})
	require.ErrorIs(t, err, ErrDeviceFailure)
	require.ErrorIs(t, err, ErrKernelNotFound)

	other := fakeDevice
	other.UUID = "fake-1"
	_, err = NewGPU(lease(t, fakeDevice), &fakeProgram{dev: other})
	require.ErrorIs(t, err, ErrDeviceFailure)
}
