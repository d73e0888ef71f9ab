package backend

import (
	"context"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"

	"github.com/eon-protocol/zkaccel/device"
	"github.com/eon-protocol/zkaccel/internal/parallel"
)

// below this many butterflies or points per worker the goroutine hand-off
// costs more than the arithmetic
const (
	minButterfliesPerWorker = 512
	minPointsPerWorker      = 64
)

// CPU runs rounds and passes on a fixed-size pool of goroutines. Each worker
// owns a disjoint chunk whose bounds depend only on the input length.
type CPU struct {
	workers int
}

// NewCPU returns a thread-pool backend. workers <= 0 means one worker per
// logical core.
func NewCPU(workers int) *CPU {
	if workers <= 0 {
		workers = device.LogicalCores()
	}
	return &CPU{workers: workers}
}

func (me *CPU) Workers() int { return me.workers }

func (me *CPU) Kind() device.Kind { return device.KindCPU }

func (me *CPU) Device() device.Handle { return device.CPU() }

func (me *CPU) ExecuteFFTRound(ctx context.Context, buf, twiddles []fr.Element, round int) error {
	if err := validateRound(buf, twiddles, round); err != nil {
		return err
	}
	items := len(buf) / 2
	return parallel.Execute(ctx, items, me.poolSize(items, minButterfliesPerWorker), func(_ int, c parallel.Chunk) error {
		for k := c.Start; k < c.End; k++ {
			RoundButterfly(buf, twiddles, round, k)
		}
		return nil
	})
}

func (me *CPU) ExecuteMSMPass(ctx context.Context, pass MSMPass) (bls12381.G1Jac, error) {
	if err := pass.validate(); err != nil {
		return bls12381.G1Jac{}, err
	}
	n := len(pass.Scalars)
	workers := me.poolSize(n, minPointsPerWorker)
	slots := make([]bls12381.G1Jac, len(parallel.Chunks(n, workers)))
	err := parallel.Execute(ctx, n, workers, func(slot int, c parallel.Chunk) error {
		slots[slot] = BucketPass(pass.Scalars[c.Start:c.End], pass.Bases[c.Start:c.End], pass.Window, pass.Width)
		return nil
	})
	if err != nil {
		return bls12381.G1Jac{}, err
	}

	acc := Identity()
	for i := range slots {
		acc.AddAssign(&slots[i])
	}
	return acc, nil
}

func (me *CPU) poolSize(items, minPerWorker int) int {
	return max(1, min(me.workers, items/minPerWorker))
}
