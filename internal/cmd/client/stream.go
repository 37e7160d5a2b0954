package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// NewStreamCommand constructs the `stream` command group and subcommands.
func NewStreamCommand(baseURL BaseURLFunc) *cobra.Command {
	streamCmd := &cobra.Command{Use: "stream", Short: "Stream operations"}

	streamCmd.AddCommand(
		newStreamAppendCommand(baseURL),
		newStreamMetadataCommand(baseURL),
		newStreamDeleteCommand(baseURL),
		newStreamReadCommand(baseURL),
	)

	return streamCmd
}

// expectedFlag returns the --expected value, or nil when it was not given
// so the server applies "any".
func expectedFlag(cmd *cobra.Command) *int64 {
	if !cmd.Flags().Changed("expected") {
		return nil
	}
	v, _ := cmd.Flags().GetInt64("expected")
	return &v
}

// newStreamAppendCommand constructs the `stream append` subcommand.
func newStreamAppendCommand(baseURL BaseURLFunc) *cobra.Command {
	appendCmd := &cobra.Command{
		Use:   "append",
		Short: "Append events to a stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stream, _ := cmd.Flags().GetString("stream")
			typ, _ := cmd.Flags().GetString("type")
			data, _ := cmd.Flags().GetStringArray("data")
			if stream == "" {
				return fmt.Errorf("--stream is required")
			}
			if len(data) == 0 {
				return fmt.Errorf("at least one --data is required")
			}
			type event struct {
				Type string `json:"type"`
				Data []byte `json:"data"`
			}
			events := make([]event, len(data))
			for i, d := range data {
				events[i] = event{Type: typ, Data: []byte(d)}
			}
			body := map[string]any{"stream": stream, "events": events}
			if exp := expectedFlag(cmd); exp != nil {
				body["expectedVersion"] = *exp
			}
			var out struct {
				FirstEventNumber int64   `json:"firstEventNumber"`
				LastEventNumber  int64   `json:"lastEventNumber"`
				Positions        []int64 `json:"positions"`
			}
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/streams/append", body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	appendCmd.Flags().String("stream", "", "Stream name")
	appendCmd.Flags().String("type", "event", "Event type")
	appendCmd.Flags().StringArray("data", nil, "Event payload (repeat for several events)")
	appendCmd.Flags().Int64("expected", -2, "Expected version (-1 no stream, -2 any)")
	return appendCmd
}

// newStreamMetadataCommand constructs the `stream metadata` subcommand.
func newStreamMetadataCommand(baseURL BaseURLFunc) *cobra.Command {
	metaCmd := &cobra.Command{
		Use:   "metadata",
		Short: "Set the retention policy of a stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stream, _ := cmd.Flags().GetString("stream")
			if stream == "" {
				return fmt.Errorf("--stream is required")
			}
			body := map[string]any{"stream": stream}
			if cmd.Flags().Changed("max-age") {
				d, _ := cmd.Flags().GetDuration("max-age")
				body["maxAgeSeconds"] = int64(d / time.Second)
			}
			if cmd.Flags().Changed("max-count") {
				n, _ := cmd.Flags().GetInt64("max-count")
				body["maxCount"] = n
			}
			if cmd.Flags().Changed("truncate-before") {
				n, _ := cmd.Flags().GetInt64("truncate-before")
				body["truncateBefore"] = n
			}
			if exp := expectedFlag(cmd); exp != nil {
				body["expectedVersion"] = *exp
			}
			var out map[string]any
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/streams/metadata", body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	metaCmd.Flags().String("stream", "", "Stream name")
	metaCmd.Flags().Duration("max-age", 0, "Discard events older than this")
	metaCmd.Flags().Int64("max-count", 0, "Keep at most this many events")
	metaCmd.Flags().Int64("truncate-before", 0, "Discard events numbered below this")
	metaCmd.Flags().Int64("expected", -2, "Expected version of the metastream")
	return metaCmd
}

// newStreamDeleteCommand constructs the `stream delete` subcommand.
func newStreamDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Hard-delete a stream (requires --confirm)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stream, _ := cmd.Flags().GetString("stream")
			confirm, _ := cmd.Flags().GetBool("confirm")
			if stream == "" {
				return fmt.Errorf("--stream is required")
			}
			if !confirm {
				return fmt.Errorf("refusing to delete %q without --confirm", stream)
			}
			body := map[string]any{"stream": stream}
			if exp := expectedFlag(cmd); exp != nil {
				body["expectedVersion"] = *exp
			}
			var out struct {
				Position int64 `json:"position"`
			}
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/streams/delete", body, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s at position %d\n", stream, out.Position)
			return nil
		},
	}
	deleteCmd.Flags().String("stream", "", "Stream name")
	deleteCmd.Flags().Bool("confirm", false, "Confirm the delete")
	deleteCmd.Flags().Int64("expected", -2, "Expected version")
	return deleteCmd
}

// newStreamReadCommand constructs the `stream read` subcommand.
func newStreamReadCommand(baseURL BaseURLFunc) *cobra.Command {
	readCmd := &cobra.Command{
		Use:   "read",
		Short: "Read events of a stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stream, _ := cmd.Flags().GetString("stream")
			from, _ := cmd.Flags().GetInt64("from")
			limit, _ := cmd.Flags().GetInt("limit")
			if stream == "" {
				return fmt.Errorf("--stream is required")
			}
			q := url.Values{}
			q.Set("stream", stream)
			q.Set("from", strconv.FormatInt(from, 10))
			q.Set("limit", strconv.Itoa(limit))
			var out struct {
				Events []struct {
					Stream      string    `json:"stream"`
					EventNumber int64     `json:"eventNumber"`
					Type        string    `json:"type"`
					Position    int64     `json:"position"`
					Time        time.Time `json:"time"`
					Data        []byte    `json:"data"`
				} `json:"events"`
			}
			if err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/streams/read?"+q.Encode(), nil, &out); err != nil {
				return err
			}
			for _, e := range out.Events {
				m := decodedPayload(e.Data)
				m["event_number"] = e.EventNumber
				m["type"] = e.Type
				m["position"] = e.Position
				m["time"] = e.Time.Format(time.RFC3339Nano)
				if err := printJSON(cmd.OutOrStdout(), m); err != nil {
					return err
				}
			}
			return nil
		},
	}
	readCmd.Flags().String("stream", "", "Stream name")
	readCmd.Flags().Int64("from", 0, "First event number")
	readCmd.Flags().Int("limit", 100, "Max events to return")
	return readCmd
}
