package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configKeys = []string{"server", "grpc", "timeout", "insecure", "json", "pretty", "operator"}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage notifyctl configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		settings := map[string]any{}
		for _, k := range configKeys {
			settings[k] = viper.Get(k)
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), settings)
			return
		}
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "Current configuration:")
		for _, k := range configKeys {
			fmt.Fprintf(w, "  %s: %v\n", k, settings[k])
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(w, "  config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(w, "  config file: none (using defaults)")
		}
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file to the home directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath := filepath.Join(home, ".notifyctl.yaml")
		if _, err := os.Stat(configPath); err == nil {
			if force, _ := cmd.Flags().GetBool("force"); !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
			}
		}

		viper.Set("server", "http://localhost:8080")
		viper.Set("grpc", "localhost:50051")
		viper.Set("timeout", "30s")
		viper.Set("json", false)
		viper.Set("pretty", false)
		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", configPath)
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration, jq and server connectivity",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "Configuration check:")
		fmt.Fprintf(w, "  ✅ notifyctl version: %s\n", Version)
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(w, "  ✅ Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(w, "  ⚠️  Config file: not found (using defaults)")
		}
		if checkJQAvailable() {
			fmt.Fprintln(w, "  ✅ jq: available")
		} else {
			fmt.Fprintln(w, "  ❌ jq: not found in PATH")
		}

		resp, err := makeHTTPRequest(http.MethodGet, "/healthz", nil, nil)
		switch {
		case err != nil:
			fmt.Fprintf(w, "  ❌ Server %s: %v\n", buildURL(""), err)
		case resp.StatusCode != http.StatusOK:
			resp.Body.Close()
			fmt.Fprintf(w, "  ❌ Server %s: HTTP %d\n", buildURL(""), resp.StatusCode)
		default:
			resp.Body.Close()
			fmt.Fprintf(w, "  ✅ Server %s: OK\n", buildURL(""))
		}
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
	configCmd.AddCommand(configViewCmd, configInitCmd, configCheckCmd)
	rootCmd.AddCommand(configCmd)
}
