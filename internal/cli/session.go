package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	v1 "warden/api/v1"
	"warden/internal/registry"
)

// NewSessionCmd creates the session command.
func NewSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage coordinated agent sessions",
		Long:  `List, inspect, and end agent sessions tracked by the daemon.`,
	}

	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionTreeCmd())
	cmd.AddCommand(newSessionEndCmd())

	return cmd
}

func newSessionListCmd() *cobra.Command {
	var (
		status     string
		limit      int
		jsonOutput bool
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered sessions",
		Long:  `List the sessions currently registered with the daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionList(serverURL, status, limit, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (active|idle|completed|stale)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "maximum number of sessions to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")

	return cmd
}

func newSessionShowCmd() *cobra.Command {
	var (
		jsonOutput bool
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show session details",
		Long:  `Display detailed information about a specific session, including its rollup metrics and delegations.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionShow(serverURL, args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")

	return cmd
}

func newSessionTreeCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "tree <session-id>",
		Short: "Show a session's delegation tree",
		Long:  `Render the hierarchy rooted at a session as a tree with per-subtree metrics.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionTree(serverURL, args[0])
		},
	}

	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")

	return cmd
}

func newSessionEndCmd() *cobra.Command {
	var (
		force     bool
		serverURL string
	)

	cmd := &cobra.Command{
		Use:   "end <session-id>",
		Short: "End a session",
		Long: `Deregister a session from the daemon.

The session's tokens and cost stay in its parent's rollup; its locks
are released and its agent slot is freed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionEnd(serverURL, args[0], force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation prompt")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")

	return cmd
}

func runSessionList(serverURL, status string, limit int, jsonOutput bool) error {
	client := &http.Client{Timeout: 30 * time.Second}

	listURL := serverURL + "/api/v1/sessions"
	if status != "" {
		listURL += "?status=" + url.QueryEscape(status)
	}

	resp, err := client.Get(listURL)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var list v1.SessionsListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	sessions := list.Sessions
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tAGENT\tSTATUS\tDEPTH\tCTX%\tTOKENS\tUPDATED")
	fmt.Fprintln(w, "--\t-------\t-----\t------\t-----\t----\t------\t-------")

	for _, s := range sessions {
		agent := s.AgentType
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			s.ID,
			s.ProjectKey,
			agent,
			s.Status,
			s.Hierarchy.Depth,
			s.ContextPercent,
			s.Tokens,
			s.LastUpdate.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d sessions\n", len(sessions))

	return nil
}

func runSessionShow(serverURL, sessionID string, jsonOutput bool) error {
	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Get(fmt.Sprintf("%s/api/v1/sessions/%s", serverURL, sessionID))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var session registry.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("failed to decode session: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(session)
	}

	fmt.Printf("Session:    %d\n", session.ID)
	fmt.Printf("Project:    %s\n", session.ProjectKey)
	if session.AgentType != "" {
		fmt.Printf("Agent:      %s\n", session.AgentType)
	}
	fmt.Printf("Status:     %s\n", session.Status)
	fmt.Printf("Started:    %s\n", session.StartTime.Format(time.RFC3339))
	fmt.Printf("Heartbeat:  %s\n", session.LastHeartbeat.Format(time.RFC3339))
	fmt.Printf("Context:    %d%%\n", session.ContextPercent)
	fmt.Printf("Quality:    %d\n", session.QualityScore)
	fmt.Printf("Confidence: %d\n", session.ConfidenceScore)
	fmt.Printf("Tokens:     %d\n", session.Tokens)
	fmt.Printf("Cost:       $%.4f\n", session.Cost)

	h := session.Hierarchy
	if h.IsRoot {
		fmt.Printf("Hierarchy:  root (depth %d, %d children)\n", h.Depth, len(h.ChildIDs))
	} else {
		fmt.Printf("Hierarchy:  child of %d (root %d, depth %d, %d children)\n",
			h.ParentID, h.RootID, h.Depth, len(h.ChildIDs))
	}

	r := session.Rollup
	fmt.Println()
	fmt.Println("Rollup (session + descendants):")
	fmt.Printf("  Tokens:  %d\n", r.TotalTokens)
	fmt.Printf("  Cost:    $%.4f\n", r.TotalCost)
	fmt.Printf("  Agents:  %d active / %d total\n", r.ActiveAgentCount, r.TotalAgentCount)
	fmt.Printf("  Depth:   %d\n", r.MaxDelegationDepth)
	fmt.Printf("  Quality: %d\n", r.AvgQuality)

	if len(session.ActiveDelegations) > 0 {
		fmt.Println()
		fmt.Printf("Active delegations (%d):\n", len(session.ActiveDelegations))
		for _, d := range session.ActiveDelegations {
			fmt.Printf("  %s -> %s (task %s, %s)\n", d.ID, d.TargetAgentID, d.TaskID, d.Status)
		}
	}
	if len(session.CompletedDelegations) > 0 {
		fmt.Printf("Completed delegations: %d\n", len(session.CompletedDelegations))
	}

	return nil
}

func runSessionTree(serverURL, sessionID string) error {
	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Get(fmt.Sprintf("%s/api/v1/sessions/%s/hierarchy", serverURL, sessionID))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var root registry.HierarchyNode
	if err := json.NewDecoder(resp.Body).Decode(&root); err != nil {
		return fmt.Errorf("failed to decode hierarchy: %w", err)
	}

	printHierarchyNode(&root, "", true)
	return nil
}

// printHierarchyNode renders one node of the delegation tree using
// box-drawing connectors.
func printHierarchyNode(node *registry.HierarchyNode, prefix string, last bool) {
	connector := "├── "
	childPrefix := prefix + "│   "
	if last {
		connector = "└── "
		childPrefix = prefix + "    "
	}
	if prefix == "" {
		connector = ""
		childPrefix = ""
	}

	label := fmt.Sprintf("%d [%s] %s", node.SessionID, node.Status, node.Project)
	details := fmt.Sprintf("tokens=%d agents=%d/%d",
		node.Metrics.TotalTokens, node.Metrics.ActiveAgentCount, node.Metrics.TotalAgentCount)
	if node.ActiveDelegationCount > 0 {
		details += fmt.Sprintf(" delegations=%d", node.ActiveDelegationCount)
	}

	fmt.Printf("%s%s%s (%s)\n", prefix, connector, label, details)

	for i, child := range node.Children {
		printHierarchyNode(child, childPrefix, i == len(node.Children)-1)
	}
}

func runSessionEnd(serverURL, sessionID string, force bool) error {
	if !force {
		fmt.Printf("End session %s? (y/N): ", sessionID)
		var response string
		_, _ = fmt.Scanln(&response)
		if !strings.EqualFold(response, "y") && !strings.EqualFold(response, "yes") {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	client := &http.Client{Timeout: 30 * time.Second}

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/v1/sessions/%s", serverURL, sessionID), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return decodeAPIError(resp)
	}

	fmt.Printf("✓ Session ended: %s\n", sessionID)
	return nil
}
