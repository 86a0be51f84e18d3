package cmd

import (
	"fmt"
	"os"

	"github.com/baaaht/dispatch/internal/config"
	"github.com/baaaht/dispatch/internal/lifecycle"
	"github.com/baaaht/dispatch/internal/logger"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	cfgFile   string
	logLevel  string
	logFormat string
	logOutput string

	// Global variables
	rootLog *logger.Logger
	rootCfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Dispatch - identifier generation and canonical message routing",
	Long: `Dispatch gives every inbound interaction a typed, self-describing
identifier pair and routes it to exactly one handler through a single
canonical router shared by every entry point.

Use the ids commands to generate and inspect identifiers, route to replay
JSON-lines envelopes through the router, and serve to run the router with
its metrics endpoint.`,
	Version:           lifecycle.DefaultVersion,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// setup loads configuration and installs the global logger before any command runs
func setup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	rootCfg = cfg

	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// initLogger initializes the global logger from config and CLI flags
func initLogger(cfg config.LoggingConfig) error {
	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	if logOutput != "" {
		cfg.Output = logOutput
	}

	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig reads --config when given, otherwise the default config file and environment
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Load()
	}
	return config.LoadFromFile(cfgFile)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/dispatch/config.yaml if present)")

	// Logging goes to stderr by default so command output stays parseable.
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "stderr",
		"Log output: stdout, stderr, or file path")

	rootCmd.AddCommand(newIDsCmd(), newRouteCmd(), newServeCmd())
}
