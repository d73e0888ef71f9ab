//go:build icicle

// Package bls12_381_gpu runs the radix-2 round and MSM bucket pass kernels on
// ICICLE. Every function here must be called inside icicle_runtime.RunOnDevice.
package bls12_381_gpu

import (
	"fmt"

	curve "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fp"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"

	icicle_core "github.com/ingonyama-zk/icicle-gnark/v3/wrappers/golang/core"
	icicle_bls12_381 "github.com/ingonyama-zk/icicle-gnark/v3/wrappers/golang/curves/bls12381"
	icicle_msm "github.com/ingonyama-zk/icicle-gnark/v3/wrappers/golang/curves/bls12381/msm"
	icicle_vecops "github.com/ingonyama-zk/icicle-gnark/v3/wrappers/golang/curves/bls12381/vecOps"
	icicle_runtime "github.com/ingonyama-zk/icicle-gnark/v3/wrappers/golang/runtime"

	"github.com/eon-protocol/zkaccel/backend"
)

func check(op string, st icicle_runtime.EIcicleError) error {
	if st != icicle_runtime.Success {
		return fmt.Errorf("icicle %s: %s", op, st.AsString())
	}
	return nil
}

func blsProjectiveToGnarkJac(p icicle_bls12_381.Projective) curve.G1Jac {
	bx := p.X.ToBytesLittleEndian()
	by := p.Y.ToBytesLittleEndian()
	bz := p.Z.ToBytesLittleEndian()

	var ax, ay, az fp.Element
	ax, _ = fp.LittleEndian.Element((*[fp.Bytes]byte)(bx))
	ay, _ = fp.LittleEndian.Element((*[fp.Bytes]byte)(by))
	az, _ = fp.LittleEndian.Element((*[fp.Bytes]byte)(bz))

	if az.IsZero() {
		return backend.Identity()
	}
	var zInv fp.Element
	zInv.Inverse(&az)
	ax.Mul(&ax, &zInv)
	ay.Mul(&ay, &zInv)
	var res curve.G1Jac
	res.FromAffine(&curve.G1Affine{X: ax, Y: ay})
	return res
}

// MontConvOnDevice converts scalars in place.
// into=true  => ToMontgomery
// into=false => FromMontgomery
func MontConvOnDevice(s icicle_core.DeviceSlice, into bool) icicle_runtime.EIcicleError {
	if into {
		return icicle_bls12_381.ToMontgomery(s)
	}
	return icicle_bls12_381.FromMontgomery(s)
}

// FFTRoundOnDevice runs one radix-2 round. The butterfly operands are
// gathered on the host, the products and sums computed with vector ops, and
// the results scattered back into buf.
func FFTRoundOnDevice(buf, twiddles []fr.Element, round int) error {
	n := len(buf)
	m := n / 2
	lo := make([]fr.Element, m)
	hi := make([]fr.Element, m)
	tw := make([]fr.Element, m)
	for k := 0; k < m; k++ {
		i, j, t := backend.RoundIndices(n, round, k)
		lo[k], hi[k], tw[k] = buf[i], buf[j], twiddles[t]
	}

	var loDev, diffDev, hiDev, twDev icicle_core.DeviceSlice
	icicle_core.HostSliceFromElements(lo).CopyToDevice(&loDev, true)
	defer loDev.Free()
	icicle_core.HostSliceFromElements(lo).CopyToDevice(&diffDev, true)
	defer diffDev.Free()
	icicle_core.HostSliceFromElements(hi).CopyToDevice(&hiDev, true)
	defer hiDev.Free()
	icicle_core.HostSliceFromElements(tw).CopyToDevice(&twDev, true)
	defer twDev.Free()

	// vecOps multiply canonical values; sums are fine in either form
	if err := check("from montgomery", MontConvOnDevice(hiDev, false)); err != nil {
		return err
	}
	if err := check("from montgomery", MontConvOnDevice(twDev, false)); err != nil {
		return err
	}
	cfg := icicle_core.DefaultVecOpsConfig()
	if err := check("mul", icicle_vecops.VecOp(hiDev, twDev, hiDev, cfg, icicle_core.Mul)); err != nil {
		return err
	}
	if err := check("to montgomery", MontConvOnDevice(hiDev, true)); err != nil {
		return err
	}
	if err := check("add", icicle_vecops.VecOp(loDev, hiDev, loDev, cfg, icicle_core.Add)); err != nil {
		return err
	}
	if err := check("sub", icicle_vecops.VecOp(diffDev, hiDev, diffDev, cfg, icicle_core.Sub)); err != nil {
		return err
	}

	hostLo := icicle_core.HostSliceFromElements(lo)
	hostLo.CopyFromDevice(&loDev)
	hostHi := icicle_core.HostSliceFromElements(hi)
	hostHi.CopyFromDevice(&diffDev)
	for k := 0; k < m; k++ {
		i, j, _ := backend.RoundIndices(n, round, k)
		buf[i], buf[j] = lo[k], hi[k]
	}
	return nil
}

// MSMPassOnDevice computes one window pass as an MSM over the window digits.
func MSMPassOnDevice(pass backend.MSMPass) (curve.G1Jac, error) {
	if len(pass.Scalars) == 0 {
		return backend.Identity(), nil
	}
	digits := make([]fr.Element, len(pass.Scalars))
	for i := range pass.Scalars {
		digits[i].SetUint64(backend.Digit(&pass.Scalars[i], pass.Window, pass.Width))
	}

	var scalarsDev, basesDev icicle_core.DeviceSlice
	icicle_core.HostSliceFromElements(digits).CopyToDevice(&scalarsDev, true)
	defer scalarsDev.Free()
	(icicle_core.HostSlice[curve.G1Affine])(pass.Bases).CopyToDevice(&basesDev, true)
	defer basesDev.Free()

	if err := check("affine from montgomery", icicle_bls12_381.AffineFromMontgomery(basesDev)); err != nil {
		return curve.G1Jac{}, err
	}

	cfg := icicle_msm.GetDefaultMSMConfig()
	cfg.AreScalarsMontgomeryForm = true
	cfg.AreBasesMontgomeryForm = false
	cfg.PrecomputeFactor = 1

	out := make(icicle_core.HostSlice[icicle_bls12_381.Projective], 1)
	if err := check("msm", icicle_msm.Msm(scalarsDev, basesDev, &cfg, out)); err != nil {
		return curve.G1Jac{}, err
	}
	return blsProjectiveToGnarkJac(out[0]), nil
}
