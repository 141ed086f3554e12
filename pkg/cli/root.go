package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the loomctl command tree.
func NewRootCmd() *cobra.Command {
	var serverURL string
	root := &cobra.Command{
		Use:           "loomctl",
		Short:         "Administer the loom workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("LOOM_SERVER", "http://localhost:4097"),
		"control-plane base URL")

	client := func() *Client { return NewClient(serverURL) }
	root.AddCommand(
		newAwakeableCmd(client),
		newJobCmd(client),
		newEventsCmd(client),
		newTimeoutCmd(client),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// printJSON writes v as indented JSON to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
