// pacerctl is the operator CLI for a running pacer daemon. It drives the
// admin HTTP API: pausing queues, overriding concurrency, and repairing or
// reporting drift between the durable store and the live run queue.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	envID      string
)

func main() {
	root := &cobra.Command{
		Use:           "pacerctl",
		Short:         "Administer a running pacer daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "Base URL of the pacer daemon")
	root.PersistentFlags().StringVar(&envID, "env", "", "Environment ID (required)")

	root.AddCommand(
		newPauseCmd(),
		newResumeCmd(),
		newConcurrencyCmd(),
		newRepairCmd(),
		newReportCmd(),
		newQueueCmd(),
		newHeartbeatIntervalCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <queue>",
		Short: "Pause a queue so no further runs are dequeued",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEnv(); err != nil {
				return err
			}
			var out map[string]any
			err := post(queuePath(args[0], "pause"), map[string]string{"environment_id": envID}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("queue %q paused\n", args[0])
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <queue>",
		Short: "Resume a paused queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEnv(); err != nil {
				return err
			}
			var out map[string]any
			err := post(queuePath(args[0], "resume"), map[string]string{"environment_id": envID}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("queue %q resumed\n", args[0])
			return nil
		},
	}
}

func newConcurrencyCmd() *cobra.Command {
	var by string

	cmd := &cobra.Command{
		Use:   "concurrency",
		Short: "Override or restore a queue's concurrency limit",
	}

	set := &cobra.Command{
		Use:   "set <queue> <limit>",
		Short: "Override the queue's concurrency limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEnv(); err != nil {
				return err
			}
			limit, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("limit must be an integer: %w", err)
			}
			var out struct {
				Limit int `json:"limit"`
			}
			err = post(queuePath(args[0], "concurrency"), map[string]any{
				"environment_id": envID,
				"action":         "set",
				"limit":          limit,
				"by":             by,
			}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("queue %q concurrency set to %d\n", args[0], out.Limit)
			return nil
		},
	}
	set.Flags().StringVar(&by, "by", "pacerctl", "Who is applying the override")

	reset := &cobra.Command{
		Use:   "reset <queue>",
		Short: "Restore the queue's base concurrency limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEnv(); err != nil {
				return err
			}
			var out struct {
				Limit int `json:"limit"`
			}
			err := post(queuePath(args[0], "concurrency"), map[string]any{
				"environment_id": envID,
				"action":         "reset",
			}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("queue %q concurrency restored to %d\n", args[0], out.Limit)
			return nil
		},
	}

	cmd.AddCommand(set, reset)
	return cmd
}

func newRepairCmd() *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Reconcile the live run queue against the durable store",
	}

	queueCmd := &cobra.Command{
		Use:   "queue <queue>",
		Short: "Repair a single queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEnv(); err != nil {
				return err
			}
			var out json.RawMessage
			err := post("/v1/admin/repair/queue", map[string]any{
				"environment_id": envID,
				"queue":          args[0],
				"dry_run":        !apply,
			}, &out)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	envCmd := &cobra.Command{
		Use:   "environment",
		Short: "Repair every queue in the environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEnv(); err != nil {
				return err
			}
			var out json.RawMessage
			err := post("/v1/admin/repair/environment", map[string]any{
				"environment_id": envID,
				"dry_run":        !apply,
			}, &out)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.PersistentFlags().BoolVar(&apply, "apply", false, "Apply repairs instead of the default dry run")
	cmd.AddCommand(queueCmd, envCmd)
	return cmd
}

func newReportCmd() *cobra.Command {
	var (
		queues  []string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Compare durable state with live queue counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEnv(); err != nil {
				return err
			}
			params := url.Values{"env": {envID}}
			if len(queues) > 0 {
				params.Set("queues", strings.Join(queues, ","))
			}
			if verbose {
				params.Set("verbose", "true")
			}
			var out json.RawMessage
			if err := get("/v1/admin/report?"+params.Encode(), &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringSliceVar(&queues, "queue", nil, "Limit the report to these queues")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Include run IDs in the report")
	return cmd
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue <queue>",
		Short: "Show a queue's configuration and live counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEnv(); err != nil {
				return err
			}
			var out json.RawMessage
			path := "/v1/queues/" + url.PathEscape(args[0]) + "?env=" + url.QueryEscape(envID)
			if err := get(path, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newHeartbeatIntervalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat-interval <duration>",
		Short: "Set the heartbeat interval handed to workers on dequeue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("duration must be like 30s or 1m: %w", err)
			}
			var out struct {
				IntervalMS int64 `json:"interval_ms"`
			}
			err = post("/v1/admin/heartbeat-interval", map[string]any{
				"interval_ms": d.Milliseconds(),
			}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("heartbeat interval set to %s\n", time.Duration(out.IntervalMS)*time.Millisecond)
			return nil
		},
	}
}

func requireEnv() error {
	if envID == "" {
		return fmt.Errorf("--env is required")
	}
	return nil
}

func queuePath(name, op string) string {
	return "/v1/admin/queues/" + url.PathEscape(name) + "/" + op
}

func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	fmt.Println(buf.String())
	return nil
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func post(path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(serverAddr+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func get(path string, out any) error {
	resp, err := httpClient.Get(serverAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
