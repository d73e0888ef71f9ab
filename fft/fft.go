// Package fft runs radix-2 transforms over BLS12-381 fr, one backend call per
// round, so the same rounds can be split between a GPU and the CPU.
package fft

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	gnarkfft "github.com/consensys/gnark-crypto/ecc/bls12-381/fr/fft"
	"github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"

	"github.com/eon-protocol/zkaccel/backend"
	"github.com/eon-protocol/zkaccel/device"
	"github.com/eon-protocol/zkaccel/internal/parallel"
)

var (
	ErrSizeMismatch  = errors.New("buffer length does not match domain size")
	ErrInvalidFactor = errors.New("extension factor is not a power of two")
	ErrInvalidShift  = errors.New("coset shift is zero")
)

// DefaultRoundThreshold is the smallest butterfly span sent to the primary
// backend. Narrower rounds are mostly launch overhead on a GPU.
const DefaultRoundThreshold = 64

const minElementsPerWorker = 1024

// Engine runs transforms on a primary backend, with narrow rounds on the CPU.
type Engine struct {
	primary   backend.Backend
	cpu       backend.Backend
	threshold int
	workers   int
	log       zerolog.Logger
}

type Option func(*Engine)

// WithCPU sets the backend used for narrow rounds and scaling passes.
func WithCPU(cpu *backend.CPU) Option {
	return func(e *Engine) {
		e.cpu = cpu
		e.workers = cpu.Workers()
	}
}

// WithRoundThreshold routes rounds with span 2^(r+1) < t to the CPU. Zero
// sends every round to the primary backend.
func WithRoundThreshold(t int) Option {
	return func(e *Engine) {
		if t >= 0 {
			e.threshold = t
		}
	}
}

func NewEngine(primary backend.Backend, opts ...Option) *Engine {
	e := &Engine{
		primary:   primary,
		threshold: DefaultRoundThreshold,
	}
	if cpu, ok := primary.(*backend.CPU); ok {
		e.cpu, e.workers = cpu, cpu.Workers()
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cpu == nil {
		cpu := backend.NewCPU(0)
		e.cpu, e.workers = cpu, cpu.Workers()
	}
	e.log = logger.Logger().With().Str("component", "fft").Str("backend", primary.Kind().String()).Logger()
	return e
}

// Forward replaces the coefficients in buf by their evaluations over d, in
// natural order.
func (e *Engine) Forward(ctx context.Context, buf []fr.Element, d *Domain) error {
	return e.transform(ctx, "forward", buf, d, d.twiddles)
}

// Inverse replaces evaluations over d by coefficients.
func (e *Engine) Inverse(ctx context.Context, buf []fr.Element, d *Domain) error {
	if err := e.transform(ctx, "inverse", buf, d, d.twiddlesInv); err != nil {
		return err
	}
	return e.scale(ctx, buf, d.cardinalityInv)
}

// CosetForward evaluates over shift*d.
func (e *Engine) CosetForward(ctx context.Context, buf []fr.Element, d *Domain, shift fr.Element) error {
	if err := checkCoset(buf, d, shift); err != nil {
		return err
	}
	if err := e.DistributePowers(ctx, buf, shift); err != nil {
		return err
	}
	return e.Forward(ctx, buf, d)
}

// CosetInverse turns evaluations over shift*d back into coefficients.
func (e *Engine) CosetInverse(ctx context.Context, buf []fr.Element, d *Domain, shift fr.Element) error {
	if err := checkCoset(buf, d, shift); err != nil {
		return err
	}
	if err := e.Inverse(ctx, buf, d); err != nil {
		return err
	}
	var inv fr.Element
	inv.Inverse(&shift)
	return e.DistributePowers(ctx, buf, inv)
}

// DistributePowers sets buf[i] *= g^i.
func (e *Engine) DistributePowers(ctx context.Context, buf []fr.Element, g fr.Element) error {
	return parallel.Execute(ctx, len(buf), e.poolSize(len(buf)), func(_ int, c parallel.Chunk) error {
		var pow fr.Element
		pow.Exp(g, big.NewInt(int64(c.Start)))
		for i := c.Start; i < c.End; i++ {
			buf[i].Mul(&buf[i], &pow)
			pow.Mul(&pow, &g)
		}
		return nil
	})
}

// LowDegreeExtension evaluates the polynomial with coefficients coeffs over
// the coset shift*D of size factor*len(coeffs). coeffs is not modified.
func (e *Engine) LowDegreeExtension(ctx context.Context, coeffs []fr.Element, d *Domain, factor int, shift fr.Element) ([]fr.Element, error) {
	if err := checkCoset(coeffs, d, shift); err != nil {
		return nil, err
	}
	if factor < 1 || factor&(factor-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFactor, factor)
	}
	large, err := CachedDomain(d.size * uint64(factor))
	if err != nil {
		return nil, err
	}
	out := make([]fr.Element, large.size)
	copy(out, coeffs)
	if err := e.CosetForward(ctx, out, large, shift); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) transform(ctx context.Context, op string, buf []fr.Element, d *Domain, twiddles []fr.Element) error {
	if err := checkSize(buf, d); err != nil {
		return err
	}
	start := time.Now()
	gnarkfft.BitReverse(buf)
	for r := 0; r < d.logSize; r++ {
		if err := e.roundBackend(r).ExecuteFFTRound(ctx, buf, twiddles, r); err != nil {
			return fmt.Errorf("fft %s round %d: %w", op, r, err)
		}
	}
	e.log.Debug().Str("op", op).Uint64("size", d.size).Dur("took", time.Since(start)).Msg("transform done")
	return nil
}

func (e *Engine) roundBackend(round int) backend.Backend {
	if e.primary.Kind() == device.KindCPU || 2<<round >= e.threshold {
		return e.primary
	}
	return e.cpu
}

func (e *Engine) scale(ctx context.Context, buf []fr.Element, k fr.Element) error {
	return parallel.Execute(ctx, len(buf), e.poolSize(len(buf)), func(_ int, c parallel.Chunk) error {
		for i := c.Start; i < c.End; i++ {
			buf[i].Mul(&buf[i], &k)
		}
		return nil
	})
}

func (e *Engine) poolSize(n int) int {
	return max(1, min(e.workers, n/minElementsPerWorker))
}

func checkSize(buf []fr.Element, d *Domain) error {
	if uint64(len(buf)) != d.size {
		return fmt.Errorf("%w: %d != %d", ErrSizeMismatch, len(buf), d.size)
	}
	return nil
}

func checkCoset(buf []fr.Element, d *Domain, shift fr.Element) error {
	if err := checkSize(buf, d); err != nil {
		return err
	}
	if shift.IsZero() {
		return ErrInvalidShift
	}
	return nil
}
