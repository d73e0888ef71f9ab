package zkaccel

import (
	"bytes"
	"io"
	"testing"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/stretchr/testify/require"
)

func TestBasesRoundTrip(t *testing.T) {
	require := require.New(t)
	want := bases(t, 5)
	var buf bytes.Buffer
	require.NoError(WriteBases(&buf, want))
	require.Equal(5*BASE_SIZE, buf.Len())

	got, err := ReadBases(&buf, 5)
	require.NoError(err)
	require.Equal(want, got)
}

func TestReadBasesTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBases(&buf, bases(t, 2)))
	_, err := ReadBases(bytes.NewReader(buf.Bytes()[:BASE_SIZE+4]), 2)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadBasesRejectsPointsOffCurve(t *testing.T) {
	var p bls12381.G1Affine
	p.X.SetOne()
	p.Y.SetOne()
	var buf bytes.Buffer
	require.NoError(t, WriteBases(&buf, []bls12381.G1Affine{p}))
	_, err := ReadBases(&buf, 1)
	require.ErrorIs(t, err, ErrInvalidBase)
}

func TestRandomBasesAreOnCurve(t *testing.T) {
	b := bases(t, 16)
	for i := range b {
		require.True(t, b[i].IsOnCurve(), "base %d", i)
	}
	empty, err := RandomBases(0)
	require.NoError(t, err)
	require.Empty(t, empty)
}
