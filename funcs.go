package zkaccel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fp"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// BASE_SIZE is the encoded size of one G1 base: X then Y, each as six raw
// limbs in big-endian order, the layout of the SRS cache files.
const BASE_SIZE = 2 * fp.Limbs * 8

var ErrInvalidBase = errors.New("encoded base is not on the curve")

// ReadBases decodes size bases from r.
func ReadBases(r io.Reader, size int) (val []bls12381.G1Affine, err error) {
	var g1 bls12381.G1Affine
	buf := make([]byte, 8)
	reader := bufio.NewReader(r)
	val = make([]bls12381.G1Affine, 0, size)
	for n := 0; n < size; n++ {
		for i := 0; i < fp.Limbs; i++ {
			if _, err = io.ReadFull(reader, buf); err != nil {
				return nil, fmt.Errorf("base %d: %w", n, err)
			}
			g1.X[i] = binary.BigEndian.Uint64(buf)
		}
		for i := 0; i < fp.Limbs; i++ {
			if _, err = io.ReadFull(reader, buf); err != nil {
				return nil, fmt.Errorf("base %d: %w", n, err)
			}
			g1.Y[i] = binary.BigEndian.Uint64(buf)
		}
		if !g1.IsOnCurve() {
			return nil, fmt.Errorf("%w: base %d", ErrInvalidBase, n)
		}
		val = append(val, g1)
	}
	return val, nil
}

// WriteBases encodes bases in the layout ReadBases expects.
func WriteBases(w io.Writer, bases []bls12381.G1Affine) error {
	bw := bufio.NewWriter(w)
	for _, xy := range bases {
		for _, v := range xy.X {
			if err := binary.Write(bw, binary.BigEndian, v); err != nil {
				return err
			}
		}
		for _, v := range xy.Y {
			if err := binary.Write(bw, binary.BigEndian, v); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// RandomScalars returns n uniformly random field elements.
func RandomScalars(n int) ([]fr.Element, error) {
	s := make([]fr.Element, n)
	for i := range s {
		if _, err := s[i].SetRandom(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RandomBases returns n random multiples of the G1 generator.
func RandomBases(n int) ([]bls12381.G1Affine, error) {
	if n == 0 {
		return nil, nil
	}
	s, err := RandomScalars(n)
	if err != nil {
		return nil, err
	}
	_, _, g, _ := bls12381.Generators()
	return bls12381.BatchScalarMultiplicationG1(&g, s), nil
}
