package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	v1 "warden/api/v1"
)

// NewJournalCmd 创建 journal 命令组
func NewJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and prune the change journal",
		Long: `Inspect the append-only change journal and prune old entries.

Every session state change is journaled with a checksum so peers can
replay what they missed. Pruning removes applied entries past the
retention window.`,
	}

	cmd.AddCommand(newJournalListCmd())
	cmd.AddCommand(newJournalPruneCmd())

	return cmd
}

func newJournalListCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournalList(serverURL, limit, jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "maximum number of entries to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")

	return cmd
}

func newJournalPruneCmd() *cobra.Command {
	var (
		older time.Duration
		force bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune old journal entries",
		Long: `Delete applied journal entries older than the retention window.

Operates directly on the coordination store, so it works whether or
not the daemon is running. The daemon also prunes on its own schedule
when coordination.auto_cleanup is enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournalPrune(cmd, older, force)
		},
	}

	cmd.Flags().DurationVar(&older, "older", 7*24*time.Hour, "prune entries older than this")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation prompt")

	return cmd
}

func runJournalList(serverURL string, limit int, jsonOutput bool) error {
	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Get(fmt.Sprintf("%s/api/v1/journal?limit=%d", serverURL, limit))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var journal v1.JournalResponse
	if err := json.NewDecoder(resp.Body).Decode(&journal); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(journal.Changes)
	}

	if len(journal.Changes) == 0 {
		fmt.Println("Journal is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tSESSION\tRESOURCE\tOPERATION\tAPPLIED\tTIME")
	fmt.Fprintln(w, "---\t-------\t--------\t---------\t-------\t----")

	for _, c := range journal.Changes {
		applied := "no"
		if c.Applied {
			applied = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			c.ID,
			c.SessionID,
			c.Resource,
			c.Operation,
			applied,
			c.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d entries\n", len(journal.Changes))

	return nil
}

func runJournalPrune(cmd *cobra.Command, older time.Duration, force bool) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	if !force {
		// 非交互环境下拒绝静默删除，必须显式 --force
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("refusing to prune without --force in non-interactive mode")
		}

		fmt.Printf("Prune applied journal entries older than %s? (y/N): ", older)
		var response string
		_, _ = fmt.Scanln(&response)
		if !strings.EqualFold(response, "y") && !strings.EqualFold(response, "yes") {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	st, err := cliCtx.GetStorage()
	if err != nil {
		return fmt.Errorf("failed to open coordination store: %w", err)
	}

	pruned, err := st.PruneOldChanges(older)
	if err != nil {
		return fmt.Errorf("failed to prune journal: %w", err)
	}

	fmt.Printf("✓ Pruned %d journal entries\n", pruned)
	return nil
}
