// Command zkaccel lists the devices the engine sees, benchmarks FFTs and
// MSMs through it, prepares base files and holds device locks by hand.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "zkaccel",
		Short:        "Inspects and benchmarks the zkaccel dispatch engine",
		SilenceUsage: true,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			verbose, err := c.Flags().GetBool(VerboseKey)
			if err != nil {
				return err
			}
			if !verbose {
				logger.Disable()
				return nil
			}
			logger.Set(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger())
			return nil
		},
	}
	AddFlags(root.PersistentFlags())
	root.AddCommand(
		devicesCommand(),
		benchCommand(),
		basesCommand(),
		lockCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatalln(err)
	}
}
