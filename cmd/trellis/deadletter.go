package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	deadletterDBOverride string
	deadletterJSON       bool
	deadletterLimit      int
	purgeYes             bool
)

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and purge permanently failed operations",
	Long:  "Work with the dead-letter archive straight from the local database, without a running daemon.",
}

func init() {
	deadletterCmd.PersistentFlags().StringVar(&deadletterDBOverride, "db", "",
		"Database path (overrides config and TRELLIS_DATABASE_PATH)")
	deadletterCmd.PersistentFlags().BoolVar(&deadletterJSON, "json", false,
		"Output in JSON format")

	deadletterListCmd.Flags().IntVar(&deadletterLimit, "limit", 50,
		"Maximum entries to list")
	deadletterPurgeCmd.Flags().BoolVar(&purgeYes, "yes", false,
		"Skip confirmation prompt")

	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterPurgeCmd)
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered operations",
	Args:  cobra.NoArgs,
	RunE:  runDeadletterList,
}

var deadletterPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all dead-lettered operations",
	Long:  "Permanently delete the dead-letter archive. The queued payloads are lost. Requires --yes or interactive confirmation.",
	Args:  cobra.NoArgs,
	RunE:  runDeadletterPurge,
}

func runDeadletterList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openLocalStore(deadletterDBOverride)
	if err != nil {
		return err
	}
	defer db.Close()

	letters, err := db.ListDeadLetters(ctx, deadletterLimit)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}

	if deadletterJSON {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"dead_letters": letters,
			"total":        len(letters),
		})
	}

	if len(letters) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dead letters.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tOPERATION\tTYPE\tATTEMPTS\tFAILED\tREASON")
	for _, letter := range letters {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			letter.ID,
			letter.OperationID,
			letter.OperationType,
			letter.Attempts,
			letter.FailedAt.Format(time.DateTime),
			letter.Reason,
		)
	}
	w.Flush()

	return nil
}

func runDeadletterPurge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openLocalStore(deadletterDBOverride)
	if err != nil {
		return err
	}
	defer db.Close()

	count, err := db.CountDeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("count dead letters: %w", err)
	}
	if count == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dead letters to purge.")
		return nil
	}

	// Interactive confirmation unless --yes
	if !purgeYes {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "WARNING: This will permanently delete %d dead-lettered operation(s).\n", count)
		fmt.Fprint(errOut, "Type \"purge\" to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}

		if strings.TrimSpace(input) != "purge" {
			fmt.Fprintln(errOut, "Aborted.")
			return nil
		}
	}

	purged, err := db.PurgeDeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("purge dead letters: %w", err)
	}

	if deadletterJSON {
		return printJSON(cmd.OutOrStdout(), map[string]any{"purged": purged})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d dead letter(s).\n", purged)
	return nil
}
