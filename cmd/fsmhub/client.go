package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var clientBaseURL string

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Submit a transition request to a running daemon",
	RunE:  runRequest,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a running daemon's status",
	RunE:  runStatus,
}

var (
	reqMachine  string
	reqFrom     string
	reqTo       string
	reqEvent    string
	reqPriority int
)

func init() {
	for _, cmd := range []*cobra.Command{requestCmd, statusCmd} {
		cmd.Flags().StringVar(&clientBaseURL, "addr", "http://localhost:8080", "daemon base URL")
	}
	requestCmd.Flags().StringVar(&reqMachine, "machine", "", "machine id (required)")
	requestCmd.Flags().StringVar(&reqFrom, "from", "", "source state (required)")
	requestCmd.Flags().StringVar(&reqTo, "to", "", "target state (required)")
	requestCmd.Flags().StringVar(&reqEvent, "event", "", "triggering event (required)")
	requestCmd.Flags().IntVar(&reqPriority, "priority", 5, "priority (lower is served first)")
	requestCmd.MarkFlagRequired("machine")
	requestCmd.MarkFlagRequired("from")
	requestCmd.MarkFlagRequired("to")
	requestCmd.MarkFlagRequired("event")
}

func runRequest(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]any{
		"machine_id": reqMachine,
		"from":       reqFrom,
		"to":         reqTo,
		"event":      reqEvent,
		"priority":   reqPriority,
		"requester":  "fsmhub-cli",
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(clientBaseURL+"/transition", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return printJSON(resp.Body)
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(clientBaseURL + "/status")
	if err != nil {
		return fmt.Errorf("status failed: %w", err)
	}
	defer resp.Body.Close()

	return printJSON(resp.Body)
}

func printJSON(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		// Not JSON; print as-is.
		os.Stdout.Write(raw)
		fmt.Println()
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
