package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/punchamoorthee/loanpay/internal/domain"
	"github.com/punchamoorthee/loanpay/internal/models"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	for _, action := range []string{"trigger", "enable", "disable"} {
		rootCmd.AddCommand(taskActionCmd(action))
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the scheduler and every registered task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status domain.SchedulerStatus
		raw, err := call(cmd, http.MethodGet, "/api/v1/scheduler", &status)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			_, err := cmd.OutOrStdout().Write(raw)
			return err
		}

		state := "stopped"
		if status.IsRunning {
			state = "running"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scheduler: %s\n\n", state)
		writeTasks(cmd.OutOrStdout(), status.Tasks...)
		return nil
	},
}

func taskActionCmd(action string) *cobra.Command {
	short := map[string]string{
		"trigger": "Run a task now and wait for it to finish",
		"enable":  "Enable a task and reset its retry count",
		"disable": "Disable a task and cancel pending retries",
	}[action]

	return &cobra.Command{
		Use:   action + " TASK_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp models.TaskActionResponse
			path := "/api/v1/scheduler/tasks/" + url.PathEscape(args[0]) + "/" + action
			raw, err := call(cmd, http.MethodPost, path, &resp)
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON && raw != nil {
				cmd.OutOrStdout().Write(raw)
				return err
			}
			if resp.Task.ID != "" {
				writeTasks(cmd.OutOrStdout(), resp.Task)
			}
			return err
		},
	}
}

// call performs the request and decodes a JSON body into out. A non-2xx
// answer is an error carrying the server's message; the body is still
// decoded so failed triggers can show the task.
func call(cmd *cobra.Command, method, path string, out any) ([]byte, error) {
	base, _ := cmd.Flags().GetString("url")
	req, err := http.NewRequestWithContext(cmd.Context(), method, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact %s: %w", base, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(raw) > 0 {
		json.Unmarshal(raw, out)
	}
	if resp.StatusCode/100 != 2 {
		var body struct {
			Error string `json:"error"`
		}
		json.Unmarshal(raw, &body)
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
		return raw, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, body.Error)
	}
	return raw, nil
}

func writeTasks(w io.Writer, tasks ...domain.ScheduledTask) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENABLED\tRUNNING\tINTERVAL\tRETRIES\tLAST RUN\tNEXT RUN\tLAST ERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%t\t%t\t%dm\t%d/%d\t%s\t%s\t%s\n",
			t.ID, t.Enabled, t.Running, t.IntervalMinutes, t.RetryCount, t.MaxRetries,
			formatTime(t.LastRun), formatTime(t.NextRun), t.LastError)
	}
	tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
