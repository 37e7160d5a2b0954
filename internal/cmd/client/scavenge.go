package client

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rzbill/scavenger/internal/server/http/controllers"
	"github.com/spf13/cobra"
)

// NewScavengeCommand constructs the `scavenge` command group that drives a
// running server.
func NewScavengeCommand(baseURL BaseURLFunc) *cobra.Command {
	scavengeCmd := &cobra.Command{Use: "scavenge", Short: "Scavenge operations"}
	scavengeCmd.AddCommand(
		newScavengeStartCommand(baseURL),
		newScavengeStopCommand(baseURL),
		newScavengeStatusCommand(baseURL),
	)
	return scavengeCmd
}

func newScavengeStartCommand(baseURL BaseURLFunc) *cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a scavenge on the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wait, _ := cmd.Flags().GetBool("wait")
			poll, _ := cmd.Flags().GetDuration("poll")
			var out struct {
				RunID string `json:"runId"`
			}
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/scavenges", nil, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scavenge started: %s\n", out.RunID)
			if !wait {
				return nil
			}
			st, err := waitForRun(cmd, baseURL, out.RunID, poll)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), st.Last); err != nil {
				return err
			}
			if st.Last.Status != "success" {
				return fmt.Errorf("scavenge %s finished with status %s", out.RunID, st.Last.Status)
			}
			return nil
		},
	}
	startCmd.Flags().Bool("wait", false, "Wait for the run to finish and print its result")
	startCmd.Flags().Duration("poll", 500*time.Millisecond, "Status poll interval with --wait")
	return startCmd
}

// waitForRun polls the status endpoint until runID is reported as the last
// finished run.
func waitForRun(cmd *cobra.Command, baseURL BaseURLFunc, runID string, poll time.Duration) (controllers.StatusView, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		var st controllers.StatusView
		if err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/scavenges/current", nil, &st); err != nil {
			return st, err
		}
		if !st.Running && st.Last != nil && st.Last.ID == runID {
			return st, nil
		}
		select {
		case <-cmd.Context().Done():
			return st, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func newScavengeStopCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running scavenge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st controllers.StatusView
			err := doJSON(cmd.Context(), http.MethodDelete, baseURL()+"/v1/scavenges/current", nil, &st)
			if e, ok := err.(*apiError); ok && e.Status == http.StatusNotFound {
				fmt.Fprintln(cmd.OutOrStdout(), "no scavenge running")
				return nil
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newScavengeStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current and last scavenge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st controllers.StatusView
			if err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/scavenges/current", nil, &st); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}
