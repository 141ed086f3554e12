package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newAwakeableCmd(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "awakeable",
		Aliases: []string{"awk"},
		Short:   "Settle and inspect durable promises",
	}
	cmd.AddCommand(
		newAwakeableResolveCmd(client),
		newAwakeableRejectCmd(client),
		newAwakeableListCmd(client),
		newAwakeableShowCmd(client),
	)
	return cmd
}

func newAwakeableResolveCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id> <json-payload>",
		Short: "Resolve an awakeable with a JSON payload and wake its task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, payload := args[0], []byte(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}
			var out map[string]any
			if err := client().do(cmd.Context(), "POST",
				"/awakeables/"+pathEscape(id)+"/resolve", json.RawMessage(payload), &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newAwakeableRejectCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <id> <error>",
		Short: "Reject an awakeable with an error string",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := map[string]string{"error": args[1]}
			if err := client().post(cmd.Context(),
				"/awakeables/"+pathEscape(args[0])+"/reject", body, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newAwakeableListCmd(client func() *Client) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <job-id>",
		Short: "List the awakeables of a job, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			path := fmt.Sprintf("/v1/jobs/%s/awakeables?limit=%d", pathEscape(args[0]), limit)
			if err := client().get(cmd.Context(), path, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newAwakeableShowCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one awakeable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := client().get(cmd.Context(),
				"/awakeables/"+pathEscape(args[0]), &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}
