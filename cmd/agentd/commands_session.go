package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func buildSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage a running agentd daemon's sessions",
	}
	cmd.AddCommand(buildSessionResetCmd(), buildSessionCancelCmd())
	return cmd
}

func buildSessionResetCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "reset <user-id>",
		Short: "Clear a user's in-memory session and persisted history/memory blobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postSessionAction(addr, "/v1/sessions/reset", args[0])
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "agentd admin address")
	return cmd
}

func buildSessionCancelCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "cancel <user-id>",
		Short: "Cancel a user's in-flight task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postSessionAction(addr, "/v1/sessions/cancel", args[0])
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "agentd admin address")
	return cmd
}

func postSessionAction(addr, path, userID string) error {
	body, err := json.Marshal(sessionActionRequest{UserID: userID})
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(addr+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agentd returned %s", resp.Status)
	}
	fmt.Printf("ok: %s %s\n", path, userID)
	return nil
}
