package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	v1 "warden/api/v1"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	var (
		jsonOutput bool
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long: `Show the health of the warden daemon.

Queries the daemon's health endpoint. When the daemon is not running,
falls back to inspecting the coordination store directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, serverURL, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")

	return cmd
}

func runStatus(cmd *cobra.Command, serverURL string, jsonOutput bool) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(serverURL + "/api/v1/health")
	if err != nil {
		return runOfflineStatus(cmd, jsonOutput)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return decodeAPIError(resp)
	}

	var health v1.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(health)
	}

	fmt.Printf("Daemon:   running (%s)\n", health.Status)
	fmt.Printf("Version:  %s\n", health.Version)
	fmt.Printf("Uptime:   %s\n", formatDuration(time.Duration(health.Uptime)*time.Second))
	fmt.Printf("Sessions: %d active / %d total\n", health.Sessions.Active, health.Sessions.Total)

	backend := health.Storage.Backend
	if health.Storage.Fallback {
		backend += " (fallback, persistence unavailable)"
	}
	fmt.Printf("Storage:  %s\n", backend)
	if health.Storage.Path != "" {
		fmt.Printf("Database: %s\n", health.Storage.Path)
	}

	return nil
}

// runOfflineStatus reports what can be learned without a daemon: the
// store file on disk and its table counts.
func runOfflineStatus(cmd *cobra.Command, jsonOutput bool) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	if _, err := os.Stat(cliCtx.StoragePath); os.IsNotExist(err) {
		if jsonOutput {
			fmt.Println(`{"daemon": "not running"}`)
			return nil
		}
		fmt.Println("Daemon:   not running")
		fmt.Println("Storage:  not initialized (run: warden init)")
		return nil
	}

	st, err := cliCtx.GetStorage()
	if err != nil {
		return fmt.Errorf("failed to open coordination store: %w", err)
	}

	stats, err := st.Stats()
	if err != nil {
		return fmt.Errorf("failed to read store stats: %w", err)
	}

	if jsonOutput {
		out := map[string]any{
			"daemon": "not running",
			"store":  stats,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Println("Daemon:   not running (start with: warden serve)")
	fmt.Printf("Database: %s\n", stats.Path)
	fmt.Printf("  Schema version:    %d\n", stats.SchemaVersion)
	fmt.Printf("  Journal mode:      %s\n", stats.JournalMode)
	fmt.Printf("  Sessions:          %d\n", stats.Sessions)
	fmt.Printf("  Active locks:      %d\n", stats.ActiveLocks)
	fmt.Printf("  Unapplied changes: %d\n", stats.UnappliedChanges)
	fmt.Printf("  Pending conflicts: %d\n", stats.PendingConflicts)

	return nil
}
