package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/eon-protocol/zkaccel"
	"github.com/eon-protocol/zkaccel/fft"
)

const (
	LogSizeKey    = "log-size"
	IterationsKey = "iterations"
	BasesKey      = "bases"
	CheckKey      = "check"
)

func benchCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "bench",
		Short: "Times operations through the engine",
	}

	fftCmd := &cobra.Command{
		Use:   "fft",
		Short: "Times forward and inverse FFTs over random coefficients",
		Args:  cobra.NoArgs,
		RunE:  benchFFTFunc,
	}
	fftCmd.Flags().Int(LogSizeKey, 20, "log2 of the domain size")
	fftCmd.Flags().Int(IterationsKey, 10, "Round trips to run")

	msmCmd := &cobra.Command{
		Use:   "msm",
		Short: "Times multi-scalar multiplications over random scalars",
		Args:  cobra.NoArgs,
		RunE:  benchMSMFunc,
	}
	msmCmd.Flags().Int(LogSizeKey, 18, "log2 of the number of pairs")
	msmCmd.Flags().Int(IterationsKey, 10, "MSMs to run")
	msmCmd.Flags().String(BasesKey, "", "File of encoded bases, random ones when empty")
	msmCmd.Flags().Bool(CheckKey, false, "Compare every result with a CPU-only engine")

	c.AddCommand(fftCmd, msmCmd)
	return c
}

func sizeFlags(c *cobra.Command) (logSize, iters int, err error) {
	if logSize, err = c.Flags().GetInt(LogSizeKey); err != nil {
		return
	}
	if iters, err = c.Flags().GetInt(IterationsKey); err != nil {
		return
	}
	if logSize < 0 || logSize > fft.MaxLogSize {
		err = fmt.Errorf("log size %d outside [0, %d]", logSize, fft.MaxLogSize)
	} else if iters <= 0 {
		err = fmt.Errorf("iterations %d", iters)
	}
	return
}

func benchFFTFunc(c *cobra.Command, _ []string) error {
	logSize, iters, err := sizeFlags(c)
	if err != nil {
		return err
	}
	e, _, err := newEngine(c.Flags())
	if err != nil {
		return err
	}
	defer e.Close()

	d, err := fft.CachedDomain(uint64(1) << logSize)
	if err != nil {
		return err
	}
	buf, err := zkaccel.RandomScalars(1 << logSize)
	if err != nil {
		return err
	}
	want := slices.Clone(buf)

	ctx := c.Context()
	bar := progressbar.Default(int64(iters), "fft")
	var took time.Duration
	for i := 0; i < iters; i++ {
		start := time.Now()
		if err := e.RunFFT(ctx, buf, d); err != nil {
			return err
		}
		if err := e.RunInverseFFT(ctx, buf, d); err != nil {
			return err
		}
		took += time.Since(start)
		_ = bar.Add(1)
	}
	if !slices.Equal(buf, want) {
		return errors.New("round trip changed the coefficients")
	}
	fmt.Fprintf(c.OutOrStdout(), "fft 2^%d: %s per round trip\n", logSize, took/time.Duration(iters))
	return nil
}

func benchMSMFunc(c *cobra.Command, _ []string) error {
	logSize, iters, err := sizeFlags(c)
	if err != nil {
		return err
	}
	path, err := c.Flags().GetString(BasesKey)
	if err != nil {
		return err
	}
	check, err := c.Flags().GetBool(CheckKey)
	if err != nil {
		return err
	}
	e, cfg, err := newEngine(c.Flags())
	if err != nil {
		return err
	}
	defer e.Close()

	n := 1 << logSize
	bases, err := loadBases(path, n)
	if err != nil {
		return err
	}

	var ref *zkaccel.Engine
	if check {
		cpuCfg := cfg
		cpuCfg.EnableGPU = false
		if ref, err = zkaccel.New(zkaccel.WithConfig(cpuCfg)); err != nil {
			return err
		}
		defer ref.Close()
	}

	ctx := c.Context()
	bar := progressbar.Default(int64(iters), "msm")
	var took time.Duration
	for i := 0; i < iters; i++ {
		scalars, err := zkaccel.RandomScalars(n)
		if err != nil {
			return err
		}
		start := time.Now()
		got, err := e.RunMSM(ctx, scalars, bases)
		if err != nil {
			return err
		}
		took += time.Since(start)
		if ref != nil {
			want, err := ref.RunMSM(ctx, scalars, bases)
			if err != nil {
				return err
			}
			if !got.Equal(&want) {
				return fmt.Errorf("iteration %d: result differs from the cpu engine", i)
			}
		}
		_ = bar.Add(1)
	}
	fmt.Fprintf(c.OutOrStdout(), "msm 2^%d: %s per msm\n", logSize, took/time.Duration(iters))
	return nil
}

func loadBases(path string, n int) ([]bls12381.G1Affine, error) {
	if path == "" {
		return zkaccel.RandomBases(n)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return zkaccel.ReadBases(f, n)
}
