package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"bmscode-go/services/config"
)

var configCmd = &cobra.Command{
	Use:   "config [device]",
	Short: "List embedded devices or print one configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			devices := config.Devices()
			sort.Strings(devices)
			for _, d := range devices {
				fmt.Fprintln(out, d)
			}
			return nil
		}
		m, err := config.Decode(args[0])
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(b))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
