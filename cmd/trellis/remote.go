package main

import (
	"encoding/json"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/verdantlabs/trellis/pkg/client"
)

var (
	remoteAddr   string
	remoteAPIKey string
	jsonOutput   bool
)

// addRemoteFlags attaches the daemon-address flags shared by commands that
// talk to a running daemon.
func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&remoteAddr, "addr", "http://127.0.0.1:8686",
		"Daemon API address")
	cmd.Flags().StringVar(&remoteAPIKey, "api-key", "",
		"Daemon API key (defaults to TRELLIS_AUTH_API_KEY)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
}

// newAPIClient builds a client for the daemon from the shared flags.
func newAPIClient() *client.Client {
	key := remoteAPIKey
	if key == "" {
		key = os.Getenv("TRELLIS_AUTH_API_KEY")
	}
	return client.New(remoteAddr, key)
}

// printJSON marshals v to indented JSON and writes it to w.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
