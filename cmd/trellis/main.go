package main

import "os"

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(reconnectCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(deadletterCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
