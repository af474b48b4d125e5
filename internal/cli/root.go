package cli

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/deskflow/internal/config"
	"github.com/harun/deskflow/internal/daemon"
)

var (
	cfgFile  string
	logLevel string
	addr     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "deskflow",
	Short: "Deskflow - local AI agent with tool execution",
	Long: `Deskflow runs a local AI agent that talks to language model providers,
executes tools on your machine and remembers what it learned.
Start the daemon with "deskflow serve" and talk to it with "deskflow chat".`,
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.deskflow/deskflow.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "daemon address (default is gateway host:port from config)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return daemon.Version
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// daemonAddr returns the host:port the CLI should talk to.
func daemonAddr() (string, error) {
	if addr != "" {
		return addr, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Addr(), nil
}

var apiClient = &http.Client{Timeout: 10 * time.Second}

// getAPI fetches path from the daemon. A connection failure is reported as errDaemonUnreachable.
func getAPI(path string) (*http.Response, error) {
	host, err := daemonAddr()
	if err != nil {
		return nil, err
	}
	resp, err := apiClient.Get("http://" + host + path)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %v", errDaemonUnreachable, host, err)
	}
	return resp, nil
}
