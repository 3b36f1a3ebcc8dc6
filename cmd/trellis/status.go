package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's queue, connection, and sync statistics",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	addRemoteFlags(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	api := newAPIClient()

	health, err := api.Health(ctx)
	if err != nil {
		return fmt.Errorf("reach daemon: %w", err)
	}
	queueStatus, err := api.QueueStatus(ctx)
	if err != nil {
		return err
	}
	conn, err := api.Connection(ctx)
	if err != nil {
		return err
	}
	syncStats, err := api.Stats(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"health":     health,
			"queue":      queueStatus,
			"connection": conn,
			"stats":      syncStats,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "trellis %s — %s, up %s\n\n",
		health.Version, health.Status, (time.Duration(health.UptimeSeconds) * time.Second).String())

	w := newTabWriter(out)
	fmt.Fprintf(w, "Connection:\t%s\n", health.Connection)
	if conn.ConnectionID != "" {
		fmt.Fprintf(w, "Connection ID:\t%s\n", conn.ConnectionID)
	}
	if conn.ReconnectAttempts > 0 {
		fmt.Fprintf(w, "Reconnect attempts:\t%d/%d\n", conn.ReconnectAttempts, conn.MaxReconnectAttempts)
	}
	if conn.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", conn.LastError)
	}
	fmt.Fprintf(w, "Network:\t%s\n", onlineWord(queueStatus.IsOnline))
	fmt.Fprintf(w, "Queue length:\t%d\n", queueStatus.QueueLength)
	fmt.Fprintf(w, "Awaiting retry:\t%d\n", queueStatus.RetryPendingCount)
	fmt.Fprintf(w, "Dead letters:\t%d\n", queueStatus.PermanentlyFailedCount)
	fmt.Fprintf(w, "Operations:\t%d total, %d ok, %d failed\n",
		syncStats.TotalOperations, syncStats.SuccessfulOps, syncStats.FailedOps)
	if syncStats.LastFlushAt != nil {
		fmt.Fprintf(w, "Last flush:\t%s (%dms)\n",
			syncStats.LastFlushAt.Format(time.RFC3339), syncStats.LastFlushDuration)
	}
	w.Flush()

	return nil
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
