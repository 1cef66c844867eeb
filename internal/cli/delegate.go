package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	v1 "warden/api/v1"
	"warden/internal/delegation"
)

// NewDelegateCmd creates the delegate command.
func NewDelegateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delegate",
		Short: "Score and inspect task delegations",
		Long: `Score delegation decisions and inspect the delegation audit trail.

The decision engine scores a task against a candidate agent over six
factors and recommends whether the parent should delegate or handle
the task inline.`,
	}

	cmd.AddCommand(newDelegateDecideCmd())
	cmd.AddCommand(newDelegateSequenceCmd())
	cmd.AddCommand(newDelegateListCmd())

	return cmd
}

func newDelegateDecideCmd() *cobra.Command {
	var (
		file       string
		skipCache  bool
		jsonOutput bool
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Score a delegation decision",
		Long: `Score whether a task should be delegated to an agent.

Reads a JSON document with the task and agent views:

  {
    "task":  {"id": "T1", "title": "...", "description": "...", ...},
    "agent": {"id": "backend", "current_depth": 1, ...},
    "context_utilization": 60
  }

Use '-' to read from stdin.`,
		Example: `  warden delegate decide -f decision.json
  cat decision.json | warden delegate decide -f -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelegateDecide(serverURL, file, skipCache, jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with task and agent (use '-' for stdin)")
	cmd.Flags().BoolVar(&skipCache, "skip-cache", false, "force a fresh evaluation")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newDelegateSequenceCmd() *cobra.Command {
	var (
		file       string
		jsonOutput bool
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "sequence",
		Short: "Order tasks by their dependencies",
		Long: `Topologically sort a set of tasks by their depends_on references.

Reads a JSON array of tasks. Use '-' to read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelegateSequence(serverURL, file, jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with a task array (use '-' for stdin)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newDelegateListCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the recent delegation audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelegateList(serverURL, limit, jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "maximum number of records to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")

	return cmd
}

// readJSONInput loads a request document from a file or stdin.
func readJSONInput(file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}

func runDelegateDecide(serverURL, file string, skipCache, jsonOutput bool) error {
	data, err := readJSONInput(file)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	var request v1.DecideRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return fmt.Errorf("failed to parse input: %w", err)
	}
	if skipCache {
		request.SkipCache = true
	}

	body, _ := json.Marshal(request)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(serverURL+"/api/v1/delegations/decide", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var decision delegation.Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decision)
	}

	verdict := "handle inline"
	if decision.ShouldDelegate {
		verdict = "DELEGATE"
	}

	fmt.Printf("Decision:   %s\n", verdict)
	fmt.Printf("Task:       %s -> agent %s\n", decision.TaskID, decision.AgentID)
	fmt.Printf("Score:      %d (confidence %d)\n", decision.Score, decision.Confidence)
	fmt.Printf("Pattern:    %s\n", decision.SuggestedPattern)
	if decision.Cached {
		fmt.Println("Cached:     yes")
	}

	f := decision.Factors
	fmt.Println()
	fmt.Println("Factors:")
	fmt.Printf("  Complexity:          %d\n", f.Complexity)
	fmt.Printf("  Context utilization: %d\n", f.ContextUtilization)
	fmt.Printf("  Subtask count:       %d\n", f.SubtaskCount)
	fmt.Printf("  Agent confidence:    %d\n", f.AgentConfidence)
	fmt.Printf("  Agent load:          %d\n", f.AgentLoad)
	fmt.Printf("  Depth remaining:     %d\n", f.DepthRemaining)

	if len(decision.Reasons) > 0 {
		fmt.Println()
		fmt.Println("Reasons:")
		for _, reason := range decision.Reasons {
			fmt.Printf("  - %s\n", reason)
		}
	}

	return nil
}

func runDelegateSequence(serverURL, file string, jsonOutput bool) error {
	data, err := readJSONInput(file)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	var tasks []delegation.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("failed to parse input: %w", err)
	}

	body, _ := json.Marshal(v1.SequenceRequest{Tasks: tasks})

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(serverURL+"/api/v1/delegations/sequence", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var sequence v1.SequenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&sequence); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sequence.Tasks)
	}

	for i, task := range sequence.Tasks {
		deps := ""
		if len(task.DependsOn) > 0 {
			deps = " (after " + strings.Join(task.DependsOn, ", ") + ")"
		}
		fmt.Printf("%d. %s %s%s\n", i+1, task.ID, task.Title, deps)
	}

	return nil
}

func runDelegateList(serverURL string, limit int, jsonOutput bool) error {
	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Get(fmt.Sprintf("%s/api/v1/delegations?limit=%d", serverURL, limit))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var list v1.RecentDelegationsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list.Delegations)
	}

	if len(list.Delegations) == 0 {
		fmt.Println("No delegations recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPARENT\tAGENT\tTASK\tPATTERN\tSTATUS\tCREATED")
	fmt.Fprintln(w, "--\t------\t-----\t----\t-------\t------\t-------")

	for _, d := range list.Delegations {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID,
			d.ParentSessionID,
			d.TargetAgentID,
			d.TaskID,
			d.Pattern,
			d.Status,
			d.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d delegations\n", len(list.Delegations))

	return nil
}
