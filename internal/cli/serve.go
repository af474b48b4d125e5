package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/deskflow/internal/daemon"
	"github.com/harun/deskflow/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Deskflow daemon in the foreground",
	Long: `Run the Deskflow daemon in the foreground.
Serves the HTTP and WebSocket gateway until interrupted with SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, nil, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deskflow %s listening on %s\n", daemon.Version, cfg.Addr())
	return d.Run(cmd.Context())
}
