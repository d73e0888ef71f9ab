// Package backend is the flat two-variant execution layer under the FFT and
// MSM engines: a CPU thread pool and a GPU kernel program. Both run the same
// numerics, one FFT round or one MSM window pass per call.
package backend

import (
	"context"
	"errors"
	"fmt"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"

	"github.com/eon-protocol/zkaccel/device"
)

var (
	ErrInvalidRound = errors.New("invalid fft round")
	ErrInvalidPass  = errors.New("invalid msm pass")
	// ErrDeviceFailure covers anything that went wrong on the device side:
	// launch errors, kernel panics, a lease that is no longer held.
	ErrDeviceFailure  = errors.New("device failure")
	ErrKernelNotFound = errors.New("kernel not found")
)

const MaxWindowWidth = 24

// Backend executes one unit of FFT or MSM work on one device.
type Backend interface {
	// ExecuteFFTRound runs every butterfly of one radix-2 round over buf,
	// which is in bit-reversed order. twiddles holds omega^j for j < n/2.
	ExecuteFFTRound(ctx context.Context, buf, twiddles []fr.Element, round int) error
	// ExecuteMSMPass returns the bucket-reduced partial sum of one window.
	ExecuteMSMPass(ctx context.Context, pass MSMPass) (bls12381.G1Jac, error)
	Kind() device.Kind
	Device() device.Handle
}

// MSMPass is one window of a windowed multi-exponentiation. Scalars are in
// canonical (non-Montgomery) limb form and zero scalars are already removed.
type MSMPass struct {
	Scalars [][fr.Limbs]uint64
	Bases   []bls12381.G1Affine
	Window  int
	Width   int
}

func (p MSMPass) validate() error {
	if len(p.Scalars) != len(p.Bases) {
		return fmt.Errorf("%w: %d scalars, %d bases", ErrInvalidPass, len(p.Scalars), len(p.Bases))
	}
	if p.Width < 1 || p.Width > MaxWindowWidth {
		return fmt.Errorf("%w: width %d", ErrInvalidPass, p.Width)
	}
	if p.Window < 0 || p.Window >= Windows(p.Width) {
		return fmt.Errorf("%w: window %d of %d", ErrInvalidPass, p.Window, Windows(p.Width))
	}
	return nil
}

func validateRound(buf, twiddles []fr.Element, round int) error {
	n := len(buf)
	if n < 2 || n&(n-1) != 0 {
		return fmt.Errorf("%w: buffer length %d", ErrInvalidRound, n)
	}
	if round < 0 || round >= Rounds(n) {
		return fmt.Errorf("%w: round %d of %d", ErrInvalidRound, round, Rounds(n))
	}
	if len(twiddles) < n/2 {
		return fmt.Errorf("%w: %d twiddles for size %d", ErrInvalidRound, len(twiddles), n)
	}
	return nil
}
