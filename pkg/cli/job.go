package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/workflow"
)

func newJobCmd(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and administer jobs",
	}
	cmd.AddCommand(
		newJobSubmitCmd(client),
		newJobStatusCmd(client),
		newJobListCmd(client),
		newJobCancelCmd(client),
		newJobRetryCmd(client),
	)
	return cmd
}

func newJobSubmitCmd(client func() *Client) *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "submit <workflow.yaml>",
		Short: "Submit a job from a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.Load(args[0])
			if err != nil {
				return err
			}
			type taskReq struct {
				Name      string   `json:"name"`
				Needs     []string `json:"needs,omitempty"`
				AgentType string   `json:"agent_type"`
				RunCmd    string   `json:"run_cmd,omitempty"`
				Queue     string   `json:"queue,omitempty"`
				Gate      string   `json:"gate,omitempty"`
				Var       string   `json:"var,omitempty"`
			}
			tasks := make([]taskReq, 0, len(def.Tasks))
			for _, t := range def.Tasks {
				tasks = append(tasks, taskReq{
					Name: t.Name, Needs: t.Needs, AgentType: t.AgentType,
					RunCmd: t.RunCmd, Queue: t.Queue, Gate: t.Gate, Var: t.Var,
				})
			}
			body := map[string]any{"id": jobID, "name": def.Name, "tasks": tasks}
			var out map[string]any
			if err := client().post(cmd.Context(), "/v1/jobs", body, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&jobID, "id", "", "job id (generated when empty)")
	return cmd
}

func newJobStatusCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := client().get(cmd.Context(), "/v1/jobs/"+pathEscape(args[0]), &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newJobListCmd(client func() *Client) *cobra.Command {
	var status string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/jobs?limit=%d&offset=%d", limit, offset)
			if status != "" {
				path += "&status=" + status
			}
			var out map[string]any
			if err := client().get(cmd.Context(), path, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by lifecycle state")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func newJobCancelCmd(client func() *Client) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Terminate a job and all its non-terminal tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := map[string]string{"reason": reason}
			if err := client().post(cmd.Context(),
				"/v1/jobs/"+pathEscape(args[0])+"/cancel", body, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func newJobRetryCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-enqueue the job's backing-off and paused tasks immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := client().post(cmd.Context(),
				"/v1/jobs/"+pathEscape(args[0])+"/retry", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}
