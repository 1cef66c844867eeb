package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	v1 "warden/api/v1"
)

// NewLockCmd creates the lock command.
func NewLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and release resource locks",
		Long:  `List the advisory locks held through the daemon and release stuck ones.`,
	}

	cmd.AddCommand(newLockListCmd())
	cmd.AddCommand(newLockReleaseCmd())

	return cmd
}

func newLockListCmd() *cobra.Command {
	var (
		jsonOutput bool
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLockList(serverURL, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")

	return cmd
}

func newLockReleaseCmd() *cobra.Command {
	var (
		sessionID string
		serverURL string
	)

	cmd := &cobra.Command{
		Use:   "release <resource>",
		Short: "Release a lock",
		Long: `Release a lock held on a resource.

Only the holding session may release a lock, so --session must name
the current holder. Use 'warden lock list' to find it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLockRelease(serverURL, args[0], sessionID)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session holding the lock (required)")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}

func runLockList(serverURL string, jsonOutput bool) error {
	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Get(serverURL + "/api/v1/locks")
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var list v1.LocksResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list.Locks)
	}

	if len(list.Locks) == 0 {
		fmt.Println("No active locks.")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tHOLDER\tTYPE\tACQUIRED\tEXPIRES IN\tREFRESHES")
	fmt.Fprintln(w, "--------\t------\t----\t--------\t----------\t---------")

	for _, l := range list.Locks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			l.Resource,
			l.SessionID,
			l.LockType,
			l.AcquiredAt.Format("15:04:05"),
			formatDuration(l.ExpiresAt.Sub(now)),
			l.RefreshCount,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d locks\n", len(list.Locks))

	return nil
}

func runLockRelease(serverURL, resource, sessionID string) error {
	client := &http.Client{Timeout: 30 * time.Second}

	body, _ := json.Marshal(v1.ReleaseLockRequest{
		Resource:  resource,
		SessionID: sessionID,
	})

	resp, err := client.Post(serverURL+"/api/v1/locks/release", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var result v1.ReleaseLockResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if !result.Released {
		return fmt.Errorf("lock on %s is not held by %s", resource, sessionID)
	}

	fmt.Printf("✓ Lock released: %s\n", resource)
	return nil
}
