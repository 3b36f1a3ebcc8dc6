package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Force a realtime reconnect on the running daemon",
	Long:  "Reset the reconnection budget and establish a fresh realtime connection. This is the way out of the exhausted reconnect state.",
	Args:  cobra.NoArgs,
	RunE:  runReconnect,
}

func init() {
	addRemoteFlags(reconnectCmd)
}

func runReconnect(cmd *cobra.Command, args []string) error {
	api := newAPIClient()
	if err := api.ForceReconnect(cmd.Context()); err != nil {
		return fmt.Errorf("trigger reconnect: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"scheduled": true})
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Reconnect scheduled.")
	return nil
}
