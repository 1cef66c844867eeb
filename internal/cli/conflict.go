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

// NewConflictCmd creates the conflict command.
func NewConflictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflict",
		Short: "Inspect and resolve coordination conflicts",
		Long: `List detected write conflicts between sessions and record resolutions.

Conflicts are detected when concurrent sessions modify the same
resource. Each conflict stays pending until a resolution is recorded.`,
	}

	cmd.AddCommand(newConflictListCmd())
	cmd.AddCommand(newConflictShowCmd())
	cmd.AddCommand(newConflictResolveCmd())

	return cmd
}

func newConflictListCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictList(serverURL, limit, jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "maximum number of conflicts to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")

	return cmd
}

func newConflictShowCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "show <conflict-id>",
		Short: "Show conflict details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictShow(serverURL, args[0])
		},
	}

	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")

	return cmd
}

func newConflictResolveCmd() *cobra.Command {
	var (
		resolvedBy string
		notes      string
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id> <resolution>",
		Short: "Resolve a pending conflict",
		Long: `Record a resolution on a pending conflict.

Resolutions:
  version_a   keep session A's version
  version_b   keep session B's version
  merged      both versions were merged by hand
  manual      resolved outside warden
  discarded   neither version matters`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictResolve(serverURL, args[0], args[1], resolvedBy, notes)
		},
	}

	cmd.Flags().StringVar(&resolvedBy, "by", "", "who resolved the conflict")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form resolution notes")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")

	return cmd
}

func runConflictList(serverURL string, limit int, jsonOutput bool) error {
	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Get(fmt.Sprintf("%s/api/v1/conflicts?limit=%d", serverURL, limit))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var list v1.ConflictsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list.Conflicts)
	}

	if len(list.Conflicts) == 0 {
		fmt.Println("No conflicts recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tRESOURCE\tSEVERITY\tSTATUS\tDETECTED")
	fmt.Fprintln(w, "--\t----\t--------\t--------\t------\t--------")

	pending := 0
	for _, c := range list.Conflicts {
		if c.Status == "pending" {
			pending++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID,
			c.Type,
			c.Resource,
			c.Severity,
			c.Status,
			c.DetectedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d conflicts (%d pending)\n", len(list.Conflicts), pending)

	return nil
}

func runConflictShow(serverURL, conflictID string) error {
	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Get(fmt.Sprintf("%s/api/v1/conflicts/%s", serverURL, conflictID))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("conflict not found: %s", conflictID)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	// The shapes of field conflicts and resolution data are free-form,
	// so render the whole record as indented JSON.
	var conflict json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
		return fmt.Errorf("failed to decode conflict: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, conflict, "", "  "); err != nil {
		return fmt.Errorf("failed to format conflict: %w", err)
	}
	fmt.Println(pretty.String())

	return nil
}

func runConflictResolve(serverURL, conflictID, resolution, resolvedBy, notes string) error {
	client := &http.Client{Timeout: 30 * time.Second}

	body, _ := json.Marshal(v1.ResolveConflictRequest{
		Resolution: resolution,
		ResolvedBy: resolvedBy,
		Notes:      notes,
	})

	resp, err := client.Post(
		fmt.Sprintf("%s/api/v1/conflicts/%s/resolve", serverURL, conflictID),
		"application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("conflict not found: %s", conflictID)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	fmt.Printf("✓ Conflict resolved: %s (%s)\n", conflictID, resolution)
	return nil
}
