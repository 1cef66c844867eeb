package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"warden/internal/server"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the warden coordination daemon",
		Long: `Start the warden coordination daemon.

This command starts the HTTP gateway that provides:
- Session registry and hierarchy tracking
- Resource lock arbitration and change journal
- Delegation decision scoring
- API usage governance
- WebSocket event streaming

The daemon listens on the configured host and port (default: 127.0.0.1:7177).
Only one daemon may run against a coordination store at a time.`,
		Example: `  # Start daemon with default configuration
  warden serve

  # Start daemon on a custom port
  warden serve --port 8080

  # Start daemon with verbose logging
  warden serve --verbose`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	log := cliCtx.Logger

	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")

	log.Info().Msg("Starting warden daemon...")

	// NewServer re-reads the config file so the watcher can reload it
	// later; the flag overrides ride along in ServerConfig.
	srv, err := server.NewServer(server.ServerConfig{
		ConfigPath:  cliCtx.ConfigPath,
		StoragePath: cliCtx.StoragePath,
		Port:        port,
		Host:        host,
		Version:     Version,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info().
		Str("address", srv.Address()).
		Msg("Daemon started successfully")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("Shutting down daemon...")
	case err := <-srv.ErrorChan():
		if err != nil {
			log.Error().Err(err).Msg("Daemon error")
			return err
		}
	}

	// Graceful shutdown
	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		return err
	}

	log.Info().Msg("Daemon stopped")
	return nil
}
