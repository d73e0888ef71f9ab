package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eon-protocol/zkaccel/arbiter"
	"github.com/eon-protocol/zkaccel/device"
)

func devicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Lists the discovered devices and whether their locks are free",
		Args:  cobra.NoArgs,
		RunE:  devicesFunc,
	}
}

func devicesFunc(c *cobra.Command, _ []string) error {
	cfg, err := ParseConfig(c.Flags())
	if err != nil {
		return err
	}
	d := device.Discover()
	arb := arbiter.New(cfg.LockDir)

	w := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tDEVICE\tNAME\tMEMORY\tUNITS\tLOCK")
	cpu := device.CPU()
	fmt.Fprintf(w, "-\t%s\t%s\t%s\t%d\t-\n", cpu, cpu.Name, mib(cpu.Caps.MemoryBytes), cpu.Caps.ComputeUnits)
	for i, h := range d.GPUs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", i, h, h.Name, mib(h.Caps.MemoryBytes), h.Caps.ComputeUnits, lockState(c, arb, h))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for name, err := range d.Errors {
		fmt.Fprintf(c.ErrOrStderr(), "driver %s: %v\n", name, err)
	}
	return nil
}

// lockState probes the lock without waiting.
func lockState(c *cobra.Command, arb *arbiter.Arbiter, h device.Handle) string {
	lock, err := arb.Acquire(c.Context(), h, 0)
	switch {
	case err == nil:
		if err := lock.Release(); err != nil {
			return "error: " + err.Error()
		}
		return "free"
	case errors.Is(err, arbiter.ErrBusy):
		return "busy"
	default:
		return "error: " + err.Error()
	}
}

func mib(b uint64) string {
	if b == 0 {
		return "-"
	}
	return fmt.Sprintf("%dMiB", b>>20)
}
