package zkaccel

import (
	"time"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// Inputs shorter than this stay on the CPU; transfer and launch overhead
// dominate below it.
const GPU_MIN_SIZE = 1 << 14

const LOCK_TIMEOUT = 0 * time.Second

const AUTO_DEVICE = -1

// COSET_SHIFT is the multiplicative generator of fr, the usual shift for
// quotient evaluation.
var COSET_SHIFT = fr.NewElement(7)

const (
	ENV_GPU             = "ZKACCEL_GPU"
	ENV_DEVICE          = "ZKACCEL_DEVICE"
	ENV_GPU_MIN_SIZE    = "ZKACCEL_GPU_MIN_SIZE"
	ENV_WORKERS         = "ZKACCEL_WORKERS"
	ENV_LOCK_DIR        = "ZKACCEL_LOCK_DIR"
	ENV_LOCK_TIMEOUT    = "ZKACCEL_LOCK_TIMEOUT"
	ENV_ROUND_THRESHOLD = "ZKACCEL_ROUND_THRESHOLD"
	ENV_WINDOW          = "ZKACCEL_WINDOW"
)
