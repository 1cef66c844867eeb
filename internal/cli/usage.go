package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	v1 "warden/api/v1"
	"warden/internal/ratelimit"
)

// NewUsageCmd creates the usage command.
func NewUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "View and record API usage",
		Long: `View the governor's usage windows and record API calls.

The governor tracks calls and tokens over minute, hour, and day
windows and escalates through warning, critical, and emergency levels
as the plan limits fill up.`,
	}

	cmd.AddCommand(newUsageStatusCmd())
	cmd.AddCommand(newUsageCheckCmd())
	cmd.AddCommand(newUsageRecordCmd())

	return cmd
}

func newUsageStatusCmd() *cobra.Command {
	var (
		jsonOutput bool
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show current usage across all windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsageStatus(serverURL, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")

	return cmd
}

func newUsageCheckCmd() *cobra.Command {
	var (
		tokens    int64
		serverURL string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether a call is safe to make",
		Long: `Run an admission check without consuming quota.

Exits non-zero when the governor would deny the call, so this works
as a gate in scripts:

  warden usage check --tokens 4000 && run-expensive-call`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsageCheck(serverURL, tokens)
		},
	}

	cmd.Flags().Int64Var(&tokens, "tokens", 0, "estimated tokens for the call")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")

	return cmd
}

func newUsageRecordCmd() *cobra.Command {
	var (
		tokens    int64
		cost      float64
		serverURL string
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a completed API call",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsageRecord(serverURL, tokens, cost)
		},
	}

	cmd.Flags().Int64Var(&tokens, "tokens", 0, "tokens consumed by the call")
	cmd.Flags().Float64Var(&cost, "cost", 0, "cost of the call in USD")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "warden server URL")
	_ = cmd.MarkFlagRequired("tokens")

	return cmd
}

func runUsageStatus(serverURL string, jsonOutput bool) error {
	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Get(serverURL + "/api/v1/usage")
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var usage ratelimit.Usage
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(usage)
	}

	printUsage(usage)
	return nil
}

func printUsage(usage ratelimit.Usage) {
	fmt.Printf("Usage Status - plan %s (level: %s)\n", usage.Plan, usage.Level)
	fmt.Println("═══════════════════════════════════")
	fmt.Println("")

	printWindow("Minute Window", usage.Minute)
	printWindow("Hour Window", usage.Hour)
	printWindow("Day Window", usage.Day)

	fmt.Println("Budget")
	fmt.Println("------")
	fmt.Printf("  Spent:  $%.4f today\n", usage.SpentUSD)
	if usage.BudgetUSD > 0 {
		fmt.Printf("  Budget: $%.2f daily\n", usage.BudgetUSD)
	} else {
		fmt.Println("  Budget: unlimited")
	}
}

func printWindow(title string, w ratelimit.WindowUsage) {
	fmt.Println(title)
	fmt.Println(string(bytes.Repeat([]byte("-"), len(title))))
	fmt.Printf("  Calls:  %d / %d (%.1f%%)\n", w.Calls, w.CallLimit, w.CallPercent)
	if w.TokenLimit > 0 {
		fmt.Printf("  Tokens: %d / %d (%.1f%%)\n", w.Tokens, w.TokenLimit, w.TokenPercent)
	} else if w.Tokens > 0 {
		fmt.Printf("  Tokens: %d\n", w.Tokens)
	}
	fmt.Printf("  Resets: in %s\n", formatDuration(time.Duration(w.ResetInMS)*time.Millisecond))
	fmt.Println("")
}

func runUsageCheck(serverURL string, tokens int64) error {
	client := &http.Client{Timeout: 30 * time.Second}

	body, _ := json.Marshal(v1.UsageCheckRequest{EstimatedTokens: tokens})

	resp, err := client.Post(serverURL+"/api/v1/usage/check", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr := decodeAPIError(resp)
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			return fmt.Errorf("not safe to proceed: %w, retry after %ss", apiErr, retryAfter)
		}
		return fmt.Errorf("not safe to proceed: %w", apiErr)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var decision ratelimit.Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("✓ Safe to proceed (level: %s, %.1f%% utilization)\n",
		decision.Level, decision.Utilization*100)
	if decision.Action != "" && decision.Action != ratelimit.ActionProceed {
		fmt.Printf("  Suggested action: %s\n", decision.Action)
	}

	return nil
}

func runUsageRecord(serverURL string, tokens int64, cost float64) error {
	client := &http.Client{Timeout: 30 * time.Second}

	body, _ := json.Marshal(v1.UsageRecordRequest{Tokens: tokens, CostUSD: cost})

	resp, err := client.Post(serverURL+"/api/v1/usage/record", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: warden serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var usage ratelimit.Usage
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if cost > 0 {
		fmt.Printf("✓ Recorded %d tokens ($%.4f)\n", tokens, cost)
	} else {
		fmt.Printf("✓ Recorded %d tokens\n", tokens)
	}
	fmt.Printf("  Level now: %s (day calls at %.1f%%)\n", usage.Level, usage.Day.CallPercent)

	return nil
}
