//go:build icicle

package bls12_381_gpu

import (
	"math/big"
	"testing"

	curve "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	gnarkfft "github.com/consensys/gnark-crypto/ecc/bls12-381/fr/fft"
	icicle_runtime "github.com/ingonyama-zk/icicle-gnark/v3/wrappers/golang/runtime"
	"github.com/stretchr/testify/require"

	"github.com/eon-protocol/zkaccel/backend"
)

// mustCreateCUDADevice loads the ICICLE backend and skips when no device is
// visible.
func mustCreateCUDADevice(t *testing.T) *icicle_runtime.Device {
	t.Helper()
	if st := icicle_runtime.LoadBackendFromEnvOrDefault(); st != icicle_runtime.Success {
		t.Skipf("LoadBackendFromEnvOrDefault failed: %s", st.AsString())
	}
	if cnt, st := icicle_runtime.GetDeviceCount(); st != icicle_runtime.Success || cnt == 0 {
		t.Skip("no CUDA device")
	}
	dev := icicle_runtime.CreateDevice("CUDA", 0)
	return &dev
}

func onDevice(dev *icicle_runtime.Device, fn func()) {
	done := make(chan struct{})
	icicle_runtime.RunOnDevice(dev, func(args ...any) {
		defer close(done)
		fn()
	})
	<-done
}

func randomElements(t *testing.T, n int) []fr.Element {
	v := make([]fr.Element, n)
	for i := range v {
		_, err := v[i].SetRandom()
		require.NoError(t, err)
	}
	return v
}

func TestFFTRoundOnDeviceMatchesHost(t *testing.T) {
	dev := mustCreateCUDADevice(t)
	const n = 1 << 12
	w, err := gnarkfft.Generator(n)
	require.NoError(t, err)
	tw := make([]fr.Element, n/2)
	gnarkfft.BuildExpTable(w, tw)

	for _, round := range []int{0, 5, 11} {
		in := randomElements(t, n)
		want := append([]fr.Element(nil), in...)
		for k := 0; k < n/2; k++ {
			backend.RoundButterfly(want, tw, round, k)
		}

		got := append([]fr.Element(nil), in...)
		var devErr error
		onDevice(dev, func() { devErr = FFTRoundOnDevice(got, tw, round) })
		require.NoError(t, devErr)
		require.Equal(t, want, got, "round %d", round)
	}
}

func TestMSMPassOnDeviceMatchesHost(t *testing.T) {
	dev := mustCreateCUDADevice(t)
	const n = 1 << 10
	_, _, g, _ := curve.Generators()
	scalars := make([][fr.Limbs]uint64, n)
	bases := make([]curve.G1Affine, n)
	for i, s := range randomElements(t, n) {
		scalars[i] = s.Bits()
		bases[i].ScalarMultiplication(&g, big.NewInt(int64(i+1)))
	}

	for _, window := range []int{0, 7, 18} {
		pass := backend.MSMPass{Scalars: scalars, Bases: bases, Window: window, Width: 14}
		want := backend.BucketPass(pass.Scalars, pass.Bases, pass.Window, pass.Width)

		var got curve.G1Jac
		var devErr error
		onDevice(dev, func() { got, devErr = MSMPassOnDevice(pass) })
		require.NoError(t, devErr)

		var wa, ga curve.G1Affine
		wa.FromJacobian(&want)
		ga.FromJacobian(&got)
		require.True(t, wa.Equal(&ga), "window %d", window)
	}
}
