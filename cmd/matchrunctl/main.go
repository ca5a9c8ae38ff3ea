// Package main implements matchrunctl, the operator CLI for the match run
// service.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ugobe007/matchrun/pkg/client"
	"github.com/ugobe007/matchrun/pkg/poller"
)

type rootFlags struct {
	serverURL string
	apiKey    string
	clientID  string
	timeout   time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "matchrunctl",
		Short:         "Submit and inspect match runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.serverURL, "server", "http://localhost:8080", "Base URL of the match run service")
	cmd.PersistentFlags().StringVar(&flags.apiKey, "api-key", "", "API key, when the service requires one")
	cmd.PersistentFlags().StringVar(&flags.clientID, "client-id", "matchrunctl", "Client identity for rate limiting")
	cmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "Per-request timeout")

	cmd.AddCommand(newSubmitCmd(flags))
	cmd.AddCommand(newStatusCmd(flags))
	cmd.AddCommand(newWaitCmd(flags))
	return cmd
}

func apiClient(flags *rootFlags) *client.Client {
	return client.New(client.Config{
		BaseURL:  flags.serverURL,
		APIKey:   flags.apiKey,
		ClientID: flags.clientID,
		Timeout:  flags.timeout,
	})
}

func newSubmitCmd(flags *rootFlags) *cobra.Command {
	var (
		force bool
		wait  bool
	)
	cmd := &cobra.Command{
		Use:   "submit <url>",
		Short: "Submit a URL for matching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(flags)
			result, err := c.Submit(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			if result.Created {
				cmd.Printf("run %s created for %s\n", result.RunID, result.CanonicalKey)
			} else {
				cmd.Printf("run %s already active for %s\n", result.RunID, result.CanonicalKey)
			}
			if !wait {
				return nil
			}
			return waitForRun(cmd, c, result.RunID)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Supersede any active run for the same key")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the run finishes")
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the current state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := apiClient(flags).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(cmd, status)
			return nil
		},
	}
}

func newWaitCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "wait <run-id>",
		Short: "Block until a run finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return waitForRun(cmd, apiClient(flags), args[0])
		},
	}
}

func waitForRun(cmd *cobra.Command, c *client.Client, runID string) error {
	status, err := poller.New(c, poller.DefaultConfig()).Run(cmd.Context(), runID)
	if err != nil {
		if errors.Is(err, poller.ErrAttemptsExhausted) {
			return fmt.Errorf("run %s still in progress, gave up waiting", runID)
		}
		return err
	}
	printStatus(cmd, status)
	if status.Status == "error" {
		return fmt.Errorf("run %s failed: %s", runID, status.LastError)
	}
	return nil
}

func printStatus(cmd *cobra.Command, status client.RunStatus) {
	cmd.Printf("run %s: %s", status.RunID, status.Status)
	if status.ProgressStep != "" {
		cmd.Printf(" (%s)", status.ProgressStep)
	}
	cmd.Println()
	switch status.Status {
	case "ready":
		cmd.Printf("result %s with %d candidates\n", status.ResultRef, status.ResultCount)
	case "error":
		cmd.Printf("error: %s\n", status.LastError)
	}
}
