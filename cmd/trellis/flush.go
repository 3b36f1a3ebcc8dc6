package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Trigger a queue flush on the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runFlush,
}

func init() {
	addRemoteFlags(flushCmd)
}

func runFlush(cmd *cobra.Command, args []string) error {
	api := newAPIClient()
	if err := api.TriggerFlush(cmd.Context()); err != nil {
		return fmt.Errorf("trigger flush: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"scheduled": true})
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Flush scheduled.")
	return nil
}
