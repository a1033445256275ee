package cmd

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_notify/internal/api"
	"github.com/austindbirch/harbor_notify/internal/job"
)

type submitResult struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Created bool   `json:"created"`
}

type jobStatus struct {
	JobID       string     `json:"jobId"`
	Variant     string     `json:"variant"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	TargetCount int        `json:"targetCount"`
	SentCount   int        `json:"sentCount"`
	FailedCount int        `json:"failedCount"`
	Progress    float64    `json:"progress"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (s jobStatus) terminal() bool {
	return job.Status(s.Status).Terminal()
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and inspect notification jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a broadcast or alert job",
	Long: `Submit a notification job. Re-running with the same --key returns the
existing job instead of creating a new one.

Examples:
  notifyctl job submit --kind announcement --subject "Maintenance" --body "Tonight at 22:00" --global
  notifyctl job submit --variant alert --kind critical --subject "Disk full" --body "db-1" --to u1,u2 --key disk-db-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := submitRequestFromFlags(cmd)
		if err != nil {
			return err
		}
		var res submitResult
		if _, err := doJSON("POST", "/v1/jobs", req, map[string]string{api.IdempotencyHeader: req.IdempotencyKey}, &res); err != nil {
			return fmt.Errorf("submit failed: %w", err)
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), res)
			return nil
		}
		verb := "Created"
		if !res.Created {
			verb = "Existing"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s job %s (%s, key %s)\n", verb, res.JobID, res.Status, req.IdempotencyKey)

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			interval, _ := cmd.Flags().GetDuration("interval")
			_, err := watchJob(cmd.OutOrStdout(), res.JobID, interval)
			return err
		}
		return nil
	},
}

func submitRequestFromFlags(cmd *cobra.Command) (job.Request, error) {
	flags := cmd.Flags()
	key, _ := flags.GetString("key")
	variant, _ := flags.GetString("variant")
	kind, _ := flags.GetString("kind")
	subject, _ := flags.GetString("subject")
	body, _ := flags.GetString("body")
	global, _ := flags.GetBool("global")
	to, _ := flags.GetStringSlice("to")

	if key == "" {
		key = uuid.NewString()
	}
	if global && len(to) > 0 {
		return job.Request{}, fmt.Errorf("--global and --to are mutually exclusive")
	}
	if !global && len(to) == 0 {
		return job.Request{}, fmt.Errorf("either --global or --to is required")
	}

	req := job.Request{
		IdempotencyKey: key,
		Variant:        job.Variant(variant),
		Kind:           job.Kind(kind),
		Subject:        subject,
		Body:           body,
		Target:         job.TargetSpec{Global: global, RecipientIDs: to},
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return job.Request{}, err
	}
	return req, nil
}

var jobStatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show job progress",
	Long: `Show a job's status and delivery counters.

Example:
  notifyctl job status 6f1c0c1e-2b7c-4a8e-9a59-1c1f0e7d2a10 --watch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			interval, _ := cmd.Flags().GetDuration("interval")
			_, err := watchJob(cmd.OutOrStdout(), args[0], interval)
			return err
		}
		st, err := fetchStatus(args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), st)
			return nil
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

func fetchStatus(id string) (jobStatus, error) {
	var st jobStatus
	if _, err := doJSON("GET", "/v1/jobs/"+url.PathEscape(id), nil, nil, &st); err != nil {
		return jobStatus{}, fmt.Errorf("status failed: %w", err)
	}
	return st, nil
}

// watchJob polls until the job reaches a terminal status.
func watchJob(w io.Writer, id string, interval time.Duration) (jobStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		st, err := fetchStatus(id)
		if err != nil {
			return jobStatus{}, err
		}
		if outputJSON {
			printJSON(w, st)
		} else {
			fmt.Fprintf(w, "%s %s %d/%d sent=%d failed=%d\n",
				st.Status, progressBar(st.Progress, 30), st.SentCount+st.FailedCount, st.TargetCount, st.SentCount, st.FailedCount)
		}
		if st.terminal() {
			if !outputJSON && st.LastError != "" {
				fmt.Fprintf(w, "last error: %s\n", st.LastError)
			}
			return st, nil
		}
		time.Sleep(interval)
	}
}

func printStatus(w io.Writer, st jobStatus) {
	fmt.Fprintf(w, "Job %s\n", st.JobID)
	fmt.Fprintf(w, "  Variant:  %s / %s\n", st.Variant, st.Kind)
	fmt.Fprintf(w, "  Status:   %s\n", st.Status)
	fmt.Fprintf(w, "  Progress: %s %.0f%%\n", progressBar(st.Progress, 30), st.Progress*100)
	fmt.Fprintf(w, "  Target:   %d  Sent: %d  Failed: %d\n", st.TargetCount, st.SentCount, st.FailedCount)
	fmt.Fprintf(w, "  Created:  %s\n", st.CreatedAt.Format(time.RFC3339))
	if st.CompletedAt != nil {
		fmt.Fprintf(w, "  Finished: %s\n", st.CompletedAt.Format(time.RFC3339))
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "  Error:    %s\n", strings.TrimSpace(st.LastError))
	}
}

func addSubmitFlags(c *cobra.Command) {
	c.Flags().String("key", "", "idempotency key (generated when empty)")
	c.Flags().String("variant", string(job.VariantBroadcast), "broadcast or alert")
	c.Flags().String("kind", string(job.KindInfo), "notification kind")
	c.Flags().String("subject", "", "subject line")
	c.Flags().String("body", "", "message body")
	c.Flags().Bool("global", false, "deliver to every eligible recipient")
	c.Flags().StringSlice("to", nil, "explicit recipient ids")
	c.Flags().Bool("watch", false, "follow progress until the job finishes")
	c.Flags().Duration("interval", time.Second, "poll interval for --watch")
}

func init() {
	addSubmitFlags(jobSubmitCmd)

	jobStatusCmd.Flags().Bool("watch", false, "poll until the job finishes")
	jobStatusCmd.Flags().Duration("interval", time.Second, "poll interval for --watch")

	jobCmd.AddCommand(jobSubmitCmd, jobStatusCmd)
	rootCmd.AddCommand(jobCmd)
}
