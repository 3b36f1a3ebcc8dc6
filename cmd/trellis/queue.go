package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/verdantlabs/trellis/internal/config"
	"github.com/verdantlabs/trellis/internal/queue"
	"github.com/verdantlabs/trellis/internal/store"
	"github.com/verdantlabs/trellis/internal/types"
)

var (
	queueDBOverride string
	queueJSONOutput bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the persisted operation queue",
	Long:  "Inspect the operation queue straight from the local database, without a running daemon.",
}

func init() {
	queueCmd.PersistentFlags().StringVar(&queueDBOverride, "db", "",
		"Database path (overrides config and TRELLIS_DATABASE_PATH)")
	queueCmd.PersistentFlags().BoolVar(&queueJSONOutput, "json", false,
		"Output in JSON format")

	queueCmd.AddCommand(queueListCmd)
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

// openLocalStore opens the SQLite store behind the daemon, honoring a
// --db override.
func openLocalStore(dbOverride string) (*store.SQLiteStore, error) {
	dbPath := dbOverride
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		dbPath = cfg.Database.Path
	}
	return store.NewSQLiteStore(dbPath)
}

// loadPersistedQueue reads the queue blob the daemon persists after every
// mutation. Absence means an empty queue.
func loadPersistedQueue(ctx context.Context, db *store.SQLiteStore) ([]types.Operation, error) {
	blob, err := db.GetBlob(ctx, queue.Namespace, queue.Key, queue.SchemaVersion)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrVersionMismatch) {
			return nil, nil
		}
		return nil, fmt.Errorf("load queue: %w", err)
	}

	var ops []types.Operation
	if err := json.Unmarshal(blob, &ops); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return ops, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openLocalStore(queueDBOverride)
	if err != nil {
		return err
	}
	defer db.Close()

	ops, err := loadPersistedQueue(ctx, db)
	if err != nil {
		return err
	}

	if queueJSONOutput {
		entries := make([]map[string]any, len(ops))
		for i, op := range ops {
			entries[i] = map[string]any{
				"id":          op.ID,
				"type":        op.Type,
				"timestamp":   op.Timestamp,
				"retry_count": op.RetryCount,
				"max_retries": op.MaxRetries,
			}
			if op.NextRetryTime != nil {
				entries[i]["next_retry_time"] = op.NextRetryTime
			}
			if op.LastError != "" {
				entries[i]["last_error"] = op.LastError
			}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"operations": entries,
			"total":      len(entries),
		})
	}

	if len(ops) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tTYPE\tQUEUED\tRETRIES\tNEXT RETRY\tLAST ERROR")
	for _, op := range ops {
		nextRetry := "-"
		if op.NextRetryTime != nil {
			nextRetry = op.NextRetryTime.Format("15:04:05")
		}
		lastError := op.LastError
		if lastError == "" {
			lastError = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			op.ID,
			op.Type,
			op.Timestamp.Format(time.DateTime),
			op.RetryCount,
			op.MaxRetries,
			nextRetry,
			lastError,
		)
	}
	w.Flush()

	return nil
}
