// Package multiexp computes sum_i scalars[i]*bases[i] over BLS12-381 G1 with
// Pippenger's bucket method. Each window is one backend pass, most
// significant window first.
package multiexp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"

	"github.com/eon-protocol/zkaccel/backend"
)

var ErrLengthMismatch = errors.New("scalars and bases differ in length")

const (
	MinWindowWidth = 2
	MaxWindowWidth = 16
)

// WindowWidth is ceil(ln n) clamped to [MinWindowWidth, MaxWindowWidth].
func WindowWidth(n int) int {
	if n <= 1 {
		return MinWindowWidth
	}
	c := int(math.Ceil(math.Log(float64(n))))
	return max(MinWindowWidth, min(MaxWindowWidth, c))
}

type Engine struct {
	backend backend.Backend
	width   int
	log     zerolog.Logger
}

type Option func(*Engine)

// WithWindowWidth fixes the window width. Zero picks WindowWidth(n) per call.
func WithWindowWidth(c int) Option {
	return func(e *Engine) {
		if c == 0 || (c >= 1 && c <= backend.MaxWindowWidth) {
			e.width = c
		}
	}
}

func NewEngine(b backend.Backend, opts ...Option) *Engine {
	e := &Engine{backend: b}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logger.Logger().With().Str("component", "multiexp").Str("backend", b.Kind().String()).Logger()
	return e
}

// Compute returns sum_i scalars[i]*bases[i]. Neither slice is modified. If any
// pass fails the whole computation fails and no partial sum is returned.
func (e *Engine) Compute(ctx context.Context, scalars []fr.Element, bases []bls12381.G1Affine) (bls12381.G1Affine, error) {
	var res bls12381.G1Affine
	if len(scalars) != len(bases) {
		return res, fmt.Errorf("%w: %d scalars, %d bases", ErrLengthMismatch, len(scalars), len(bases))
	}
	start := time.Now()

	limbs, points := filterZeros(scalars, bases)
	if len(limbs) == 0 {
		return res, nil
	}

	c := e.width
	if c == 0 {
		c = WindowWidth(len(limbs))
	}
	windows := backend.Windows(c)

	acc := backend.Identity()
	for w := windows - 1; w >= 0; w-- {
		if w != windows-1 {
			for range c {
				acc.DoubleAssign()
			}
		}
		partial, err := e.backend.ExecuteMSMPass(ctx, backend.MSMPass{
			Scalars: limbs,
			Bases:   points,
			Window:  w,
			Width:   c,
		})
		if err != nil {
			return bls12381.G1Affine{}, fmt.Errorf("msm window %d/%d: %w", w, windows, err)
		}
		acc.AddAssign(&partial)
	}

	res.FromJacobian(&acc)
	e.log.Debug().
		Int("size", len(scalars)).
		Int("nonzero", len(limbs)).
		Int("window", c).
		Dur("took", time.Since(start)).
		Msg("msm done")
	return res, nil
}

// filterZeros converts the non-zero scalars to canonical limbs and keeps the
// matching bases.
func filterZeros(scalars []fr.Element, bases []bls12381.G1Affine) ([][fr.Limbs]uint64, []bls12381.G1Affine) {
	limbs := make([][fr.Limbs]uint64, 0, len(scalars))
	points := make([]bls12381.G1Affine, 0, len(bases))
	for i := range scalars {
		if scalars[i].IsZero() {
			continue
		}
		limbs = append(limbs, scalars[i].Bits())
		points = append(points, bases[i])
	}
	return limbs, points
}
