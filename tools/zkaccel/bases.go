package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"os"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/kzg"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/eon-protocol/zkaccel"
)

const (
	OutKey      = "out"
	SRSKey      = "srs"
	LagrangeKey = "lagrange"
)

func basesCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "bases",
		Short: "Writes and fingerprints base files for bench msm",
	}

	gen := &cobra.Command{
		Use:   "gen",
		Short: "Writes 2^log-size bases",
		Args:  cobra.NoArgs,
		RunE:  basesGenFunc,
	}
	gen.Flags().Int(LogSizeKey, 16, "log2 of the number of bases")
	gen.Flags().String(OutKey, "", "Output file (required)")
	gen.Flags().Bool(SRSKey, false, "Write the powers of a random tau instead of independent points")
	gen.Flags().Bool(LagrangeKey, false, "Convert the bases to Lagrange form first")
	_ = gen.MarkFlagRequired(OutKey)

	hash := &cobra.Command{
		Use:   "hash [file]",
		Short: "Prints the sha256 of the Lagrange form of every power-of-two prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE:  basesHashFunc,
	}

	c.AddCommand(gen, hash)
	return c
}

func basesGenFunc(c *cobra.Command, _ []string) error {
	logSize, err := c.Flags().GetInt(LogSizeKey)
	if err != nil {
		return err
	}
	out, err := c.Flags().GetString(OutKey)
	if err != nil {
		return err
	}
	srs, err := c.Flags().GetBool(SRSKey)
	if err != nil {
		return err
	}
	lagrange, err := c.Flags().GetBool(LagrangeKey)
	if err != nil {
		return err
	}
	if logSize < 0 || logSize > 28 {
		return fmt.Errorf("log size %d outside [0, 28]", logSize)
	}
	n := 1 << logSize

	var bases []bls12381.G1Affine
	if srs {
		bases, err = tauPowers(n)
	} else {
		bases, err = zkaccel.RandomBases(n)
	}
	if err != nil {
		return err
	}
	if lagrange {
		if bases, err = kzg.ToLagrangeG1(bases); err != nil {
			return err
		}
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	bar := progressbar.DefaultBytes(int64(n*zkaccel.BASE_SIZE), "writing bases")
	if err := zkaccel.WriteBases(io.MultiWriter(f, bar), bases); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// tauPowers returns [tau^i]G1 for i < n with a throwaway tau.
func tauPowers(n int) ([]bls12381.G1Affine, error) {
	var tau fr.Element
	if _, err := tau.SetRandom(); err != nil {
		return nil, err
	}
	srs, err := kzg.NewSRS(uint64(n), tau.BigInt(new(big.Int)))
	if err != nil {
		return nil, err
	}
	return srs.Pk.G1[:n], nil
}

func basesHashFunc(c *cobra.Command, args []string) error {
	var r io.Reader = c.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	file, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	n := len(file) / zkaccel.BASE_SIZE
	if n*zkaccel.BASE_SIZE != len(file) {
		return fmt.Errorf("invalid bases file; size: %d", len(file))
	}
	bases, err := zkaccel.ReadBases(bytes.NewReader(file), n)
	if err != nil {
		return err
	}

	for i := 0; (1 << i) <= len(bases); i++ {
		lk, err := kzg.ToLagrangeG1(bases[:1<<i])
		if err != nil {
			return err
		}
		hasher := sha256.New()
		for _, xy := range lk {
			x, y := xy.X.Bytes(), xy.Y.Bytes()
			if _, err := hasher.Write(x[:]); err != nil {
				return err
			}
			if _, err := hasher.Write(y[:]); err != nil {
				return err
			}
		}
		fmt.Fprintf(c.OutOrStdout(), "sha256(bases.lagrange[%d]) = %s\n", i, hex.EncodeToString(hasher.Sum(nil)))
	}
	return nil
}
