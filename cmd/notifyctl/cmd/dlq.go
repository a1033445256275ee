package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type deadLetter struct {
	ID           string     `json:"id"`
	JobID        string     `json:"jobId"`
	RecipientID  string     `json:"recipientId"`
	AttemptsMade int        `json:"attemptsMade"`
	LastError    string     `json:"lastError,omitempty"`
	Reason       string     `json:"reason"`
	LastFailedAt time.Time  `json:"lastFailedAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy   string     `json:"resolvedBy,omitempty"`
}

type deadLetterList struct {
	Items []deadLetter `json:"items"`
	Count int          `json:"count"`
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and resolve dead-lettered deliveries",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, newest first",
	Long: `List dead-lettered deliveries.

Examples:
  notifyctl dlq list --unresolved
  notifyctl dlq list --job 6f1c0c1e-2b7c-4a8e-9a59-1c1f0e7d2a10 --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job")
		unresolved, _ := cmd.Flags().GetBool("unresolved")
		limit, _ := cmd.Flags().GetInt("limit")

		var out deadLetterList
		if _, err := doJSON("GET", dlqListPath(jobID, unresolved, limit), nil, nil, &out); err != nil {
			return fmt.Errorf("list dead letters failed: %w", err)
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), out)
			return nil
		}
		if out.Count == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No dead letters found")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tJOB\tRECIPIENT\tATTEMPTS\tREASON\tFAILED AT\tRESOLVED")
		for _, d := range out.Items {
			resolved := "-"
			if d.ResolvedAt != nil {
				resolved = d.ResolvedBy
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				d.ID, d.JobID, d.RecipientID, d.AttemptsMade, d.Reason, d.LastFailedAt.Format(time.RFC3339), resolved)
		}
		return tw.Flush()
	},
}

func dlqListPath(jobID string, unresolved bool, limit int) string {
	q := url.Values{}
	if jobID != "" {
		q.Set("jobId", jobID)
	}
	if unresolved {
		q.Set("unresolved", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return "/v1/dlq"
	}
	return "/v1/dlq?" + q.Encode()
}

var dlqResolveCmd = &cobra.Command{
	Use:   "resolve [dead-letter-id]",
	Short: "Mark a dead letter as handled",
	Long: `Mark a dead letter as handled. Job counters are not changed; the
record stops counting toward the unresolved failure total.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if _, err := doJSON("POST", "/v1/dlq/"+url.PathEscape(args[0])+"/resolve", nil, nil, &out); err != nil {
			return fmt.Errorf("resolve failed: %w", err)
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), out)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s (by %v)\n", args[0], out["resolvedBy"])
		return nil
	},
}

func init() {
	dlqListCmd.Flags().String("job", "", "only records for this job id")
	dlqListCmd.Flags().Bool("unresolved", false, "hide resolved records")
	dlqListCmd.Flags().Int("limit", 50, "maximum records to return (0 = server default)")

	dlqCmd.AddCommand(dlqListCmd, dlqResolveCmd)
	rootCmd.AddCommand(dlqCmd)
}
