package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fsmhub",
	Short: "FSM transition orchestration hub",
	Long:  "fsmhub brokers state-transition requests from independent state machines: validation, priority scheduling, conflict resolution, and health monitoring.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(statusCmd)
}
