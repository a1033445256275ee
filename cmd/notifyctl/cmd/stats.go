package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type statsView struct {
	FailedCount     int64     `json:"failedCount"`
	DeliveredCount  int64     `json:"deliveredCount"`
	AverageAttempts float64   `json:"averageAttempts"`
	Window          string    `json:"window"`
	ComputedAt      time.Time `json:"computedAt"`
	UptimeSeconds   float64   `json:"uptimeSeconds"`
	Goroutines      int       `json:"goroutines"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show delivery statistics",
	Long:  `Show the JSON mirror of the dlq_alerts metrics exported on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st statsView
		if _, err := doJSON("GET", "/v1/stats", nil, nil, &st); err != nil {
			return fmt.Errorf("stats failed: %w", err)
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), st)
			return nil
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Window:           %s\n", st.Window)
		fmt.Fprintf(w, "Delivered:        %d\n", st.DeliveredCount)
		fmt.Fprintf(w, "Failed (open):    %d\n", st.FailedCount)
		fmt.Fprintf(w, "Average attempts: %.2f\n", st.AverageAttempts)
		fmt.Fprintf(w, "Uptime:           %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
