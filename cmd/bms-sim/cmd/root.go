package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bmscode-go/x/logx"
)

var (
	device  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "bms-sim",
	Short: "Run the BMS control core against a simulated front end",
	Long: `bms-sim runs the bus, config and bms services on the host with an
in-memory bq769x0 and a simple cell model in place of the board.

Examples:
  bms-sim run --device bms-4s-nmc --ticks 40 --current -5
  bms-sim run --device bms-8s-lfp --imbalance 0.05 --ticks 10000 --every 400
  bms-sim config bms-8s-lfp`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logx.SetLevel(logx.LevelDebug)
		} else {
			logx.SetLevel(logx.LevelWarn)
		}
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&device, "device", "d", "bms-4s-nmc", "embedded device configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log service activity")
}
