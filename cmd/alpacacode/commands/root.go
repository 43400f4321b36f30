package commands

import (
	"fmt"
	"time"

	"github.com/kaljuvee/alpacacode/internal/api"
	"github.com/kaljuvee/alpacacode/internal/config"
	"github.com/kaljuvee/alpacacode/internal/printer"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
	serverURL  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "alpacacode",
	Short: "alpacacode - multi-agent backtest, validation and paper trading workflows",
	Long: `alpacacode runs trading strategy workflows across a small set of agents:
a backtester that evaluates a parameter grid, a validator that checks and
corrects the resulting trades, and a paper trader that replays the best
variation against a paper brokerage account.

An orchestrator drives each run through its phases over a durable message
bus, and the final report aggregates every phase.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command.
func Execute() error {
	// Errors are printed in color by the printer package.
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "alpaca.yml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL (default: http://localhost:<api.port>)")
}

// loadConfig loads the configuration file, rendering failures for the user.
func loadConfig() (*config.AlpacaConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.Error(
			"invalid configuration",
			err.Error(),
			[]string{fmt.Sprintf("Check %s, or remove it to run with defaults", configPath)},
		)
	}
	return cfg, nil
}

// newClient returns an API client for the server named by --server or the
// configured API port.
func newClient() (*api.Client, error) {
	url := serverURL
	if url == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		url = fmt.Sprintf("http://localhost:%d", cfg.API.Port)
	}
	return api.NewClient(url, 30*time.Second), nil
}
