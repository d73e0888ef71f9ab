package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eon-protocol/zkaccel"
	"github.com/eon-protocol/zkaccel/arbiter"
	"github.com/eon-protocol/zkaccel/device"
)

const ForKey = "for"

func lockCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "lock",
		Short: "Device lock utilities",
	}
	hold := &cobra.Command{
		Use:   "hold",
		Short: "Takes a device lock and keeps it until interrupted, so other processes fall back to the CPU",
		Args:  cobra.NoArgs,
		RunE:  lockHoldFunc,
	}
	hold.Flags().Duration(ForKey, 0, "Release after this long, 0 holds until interrupted")
	c.AddCommand(hold)
	return c
}

func lockHoldFunc(c *cobra.Command, _ []string) error {
	cfg, err := ParseConfig(c.Flags())
	if err != nil {
		return err
	}
	hold, err := c.Flags().GetDuration(ForKey)
	if err != nil {
		return err
	}

	gpus := device.Discover().GPUs
	idx := cfg.DeviceIndex
	if idx == zkaccel.AUTO_DEVICE {
		idx = 0
	}
	if idx >= len(gpus) {
		return fmt.Errorf("device %d requested, %d found", idx, len(gpus))
	}
	h := gpus[idx]

	ctx := c.Context()
	arb := arbiter.New(cfg.LockDir)
	lock, err := arb.Acquire(ctx, h, cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()
	fmt.Fprintf(c.OutOrStdout(), "holding %s at %s\n", h, arb.Path(h))

	if hold > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hold)
		defer cancel()
	}
	start := time.Now()
	<-ctx.Done()
	fmt.Fprintf(c.OutOrStdout(), "released after %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
