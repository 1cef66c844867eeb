package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	v1 "warden/api/v1"
	"warden/internal/config"
	"warden/internal/storage"
)

// NewDoctorCmd creates the doctor command.
func NewDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose system health",
		Long: `Run diagnostic checks on your Warden installation.

This command checks:
- Configuration file validity
- Data directory permissions
- Store health and schema version
- Server status`,
		RunE: runDoctor,
	}

	return cmd
}

type checkResult struct {
	name    string
	status  string // ok, warning, error
	message string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Println("Warden Doctor")
	fmt.Println("=============")
	fmt.Println()

	var results []checkResult

	// 1. Check Go version and system info
	results = append(results, checkSystemInfo())

	// 2. Check config file
	results = append(results, checkConfigFile())

	// 3. Check data directory
	results = append(results, checkDataDirectory())

	// 4. Check store health
	results = append(results, checkStore())

	// 5. Check server connectivity
	results = append(results, checkServerConnectivity())

	// Print results
	fmt.Println()
	hasErrors := false
	hasWarnings := false

	for _, r := range results {
		icon := "✓"
		if r.status == "warning" {
			icon = "⚠️"
			hasWarnings = true
		} else if r.status == "error" {
			icon = "✗"
			hasErrors = true
		}

		fmt.Printf("%s %s: %s\n", icon, r.name, r.message)
	}

	// Summary
	fmt.Println()
	if hasErrors {
		fmt.Println("❌ Some checks failed. Please address the issues above.")
		return nil
	} else if hasWarnings {
		fmt.Println("⚠️  Some warnings detected. Your setup should work but may have issues.")
	} else {
		fmt.Println("✅ All checks passed! Warden is ready to use.")
	}

	return nil
}

func checkSystemInfo() checkResult {
	return checkResult{
		name:   "System",
		status: "ok",
		message: fmt.Sprintf("Go %s on %s/%s",
			runtime.Version(),
			runtime.GOOS,
			runtime.GOARCH,
		),
	}
}

func checkConfigFile() checkResult {
	configPath, err := config.DefaultConfigPath()
	if err != nil {
		return checkResult{
			name:    "Config File",
			status:  "error",
			message: fmt.Sprintf("Cannot determine config path: %v", err),
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return checkResult{
			name:    "Config File",
			status:  "warning",
			message: fmt.Sprintf("Not found: %s (using defaults)", configPath),
		}
	}

	// Try to load the config
	cfg, err := config.Load(configPath)
	if err != nil {
		return checkResult{
			name:    "Config File",
			status:  "error",
			message: fmt.Sprintf("Invalid config: %v", err),
		}
	}

	// Check for common misconfigurations
	if cfg.Gateway.Port == 0 {
		return checkResult{
			name:    "Config File",
			status:  "warning",
			message: fmt.Sprintf("Found: %s (gateway.port not set, using default)", configPath),
		}
	}

	return checkResult{
		name:    "Config File",
		status:  "ok",
		message: fmt.Sprintf("Found: %s", configPath),
	}
}

func checkDataDirectory() checkResult {
	dataPath, err := config.DefaultDataPath()
	if err != nil {
		return checkResult{
			name:    "Data Directory",
			status:  "error",
			message: fmt.Sprintf("Cannot determine data path: %v", err),
		}
	}

	dir := filepath.Dir(dataPath)

	// Check if directory exists
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return checkResult{
			name:    "Data Directory",
			status:  "warning",
			message: fmt.Sprintf("Will be created: %s", dir),
		}
	}

	// Check if we can write to it
	testFile := filepath.Join(dir, ".warden-test")
	if err := os.WriteFile(testFile, []byte("test"), 0600); err != nil {
		return checkResult{
			name:    "Data Directory",
			status:  "error",
			message: fmt.Sprintf("Cannot write to: %s", dir),
		}
	}
	os.Remove(testFile)

	// Check for database file
	dbPath := dataPath
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return checkResult{
			name:    "Data Directory",
			status:  "ok",
			message: fmt.Sprintf("Ready: %s (database will be created on first run)", dir),
		}
	}

	// Get database size
	info, err := os.Stat(dbPath)
	if err == nil {
		sizeMB := float64(info.Size()) / 1024 / 1024
		return checkResult{
			name:    "Data Directory",
			status:  "ok",
			message: fmt.Sprintf("Found: %s (database: %.2f MB)", dir, sizeMB),
		}
	}

	return checkResult{
		name:    "Data Directory",
		status:  "ok",
		message: fmt.Sprintf("Found: %s", dir),
	}
}

func checkStore() checkResult {
	dataPath, err := config.DefaultDataPath()
	if err != nil {
		return checkResult{
			name:    "Store",
			status:  "error",
			message: fmt.Sprintf("Cannot determine data path: %v", err),
		}
	}

	if _, err := os.Stat(dataPath); os.IsNotExist(err) {
		return checkResult{
			name:    "Store",
			status:  "warning",
			message: "Not initialized. Run: warden init",
		}
	}

	st, err := storage.Open(dataPath)
	if err != nil {
		return checkResult{
			name:    "Store",
			status:  "error",
			message: fmt.Sprintf("Cannot open: %v", err),
		}
	}
	defer st.Close()

	if err := st.HealthCheck(); err != nil {
		return checkResult{
			name:    "Store",
			status:  "error",
			message: fmt.Sprintf("Unhealthy: %v", err),
		}
	}

	stats, err := st.Stats()
	if err != nil {
		return checkResult{
			name:    "Store",
			status:  "warning",
			message: fmt.Sprintf("Open but stats unavailable: %v", err),
		}
	}

	// Warn when the store was written by a newer binary. Dev builds
	// carry no comparable version, so skip the check for those.
	if Version != "dev" {
		stored, err := st.GetInfo(storage.KeyStoreVersion)
		if err == nil && stored != "" {
			sv, errA := semver.NewVersion(stored)
			cv, errB := semver.NewVersion(Version)
			if errA == nil && errB == nil && sv.GreaterThan(cv) {
				return checkResult{
					name:    "Store",
					status:  "warning",
					message: fmt.Sprintf("Written by newer version %s (this binary is %s)", stored, Version),
				}
			}
		}
	}

	return checkResult{
		name:   "Store",
		status: "ok",
		message: fmt.Sprintf("Healthy: schema v%d, %d sessions, %d active locks",
			stats.SchemaVersion,
			stats.Sessions,
			stats.ActiveLocks,
		),
	}
}

func checkServerConnectivity() checkResult {
	// Try to connect to the local server
	client := &http.Client{Timeout: 5 * time.Second}

	// Try the configured port first, then the default
	ports := []int{7177}
	if configPath, err := config.DefaultConfigPath(); err == nil {
		if cfg, err := config.Load(configPath); err == nil && cfg.Gateway.Port != 0 && cfg.Gateway.Port != 7177 {
			ports = []int{cfg.Gateway.Port, 7177}
		}
	}

	for _, port := range ports {
		url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", port)
		resp, err := client.Get(url)
		if err != nil {
			continue
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusServiceUnavailable {
			var health v1.HealthResponse
			if err := json.NewDecoder(resp.Body).Decode(&health); err == nil {
				status := "ok"
				if health.Status == "degraded" {
					status = "warning"
				}
				return checkResult{
					name:    "Server",
					status:  status,
					message: fmt.Sprintf("Running on port %d (status: %s, %d active sessions)", port, health.Status, health.Sessions.Active),
				}
			}
			return checkResult{
				name:    "Server",
				status:  "ok",
				message: fmt.Sprintf("Running on port %d", port),
			}
		}
	}

	return checkResult{
		name:    "Server",
		status:  "warning",
		message: "Not running. Start with: warden serve",
	}
}
