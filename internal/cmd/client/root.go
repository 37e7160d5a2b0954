package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the scavenger client.
// It registers the stream and scavenge command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "scavenger",
		Short: "Scavenger client commands",
	}
	root.AddCommand(NewStreamCommand(baseURL))
	root.AddCommand(NewScavengeCommand(baseURL))
	return root
}
