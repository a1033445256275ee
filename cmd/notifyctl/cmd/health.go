package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Harbor Notify service",
	Long: `Check the service over HTTP (/healthz) or, with --grpc-check, through the
standard gRPC health service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if useGRPC, _ := cmd.Flags().GetBool("grpc-check"); useGRPC {
			return grpcHealth(cmd.OutOrStdout())
		}

		resp, err := makeHTTPRequest(http.MethodGet, "/healthz", nil, nil)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		defer resp.Body.Close()

		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if outputJSON {
			printJSON(cmd.OutOrStdout(), body)
			return nil
		}
		if resp.StatusCode == http.StatusOK {
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Service is healthy (HTTP)")
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ Service is unhealthy (HTTP %d): %v\n", resp.StatusCode, body["message"])
		}
		return nil
	},
}

func grpcHealth(w io.Writer) error {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		fmt.Fprintf(w, "✗ Service is unhealthy: %v\n", err)
		return nil
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		fmt.Fprintf(w, "✗ Service is %s\n", resp.GetStatus())
		return nil
	}
	fmt.Fprintln(w, "✓ Service is healthy (gRPC)")
	return nil
}

func init() {
	healthCmd.Flags().Bool("grpc-check", false, "use the gRPC health service instead of /healthz")
	rootCmd.AddCommand(healthCmd)
}
