package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sde-tools/gdbmaint/pkg/history"
	"github.com/sde-tools/gdbmaint/pkg/logging"
)

var (
	cfgFile      string
	outputFormat string
	logLevel     string
	logFile      string
	jsonLogs     bool
)

// version is stamped by the build via -ldflags.
var version = "dev"

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:     "gdbmaint",
	Version: version,
	Short:   "Geodatabase maintenance runner",
	Long: `gdbmaint runs the nightly geodatabase maintenance sequence (analyze,
compress, rebuild indexes) over a set of database connections, times every
phase and keeps a history of past runs.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.gdbmaint/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit logs as JSON")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".gdbmaint")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("GDBMAINT")
	viper.AutomaticEnv()

	// Bind specific environment variables
	viper.BindEnv("admin_dsn", "GDBMAINT_ADMIN_DSN")
	viper.BindEnv("database.dsn", "GDBMAINT_DB_DSN")
	viper.BindEnv("email.password", "GDBMAINT_SMTP_PASSWORD")

	// Defaults used when neither the file nor the environment set a value
	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.path", defaultHistoryPath())
	viper.SetDefault("id_pattern", `sys_(BASE|s\d+m?)`)
	viper.SetDefault("listen", ":9090")

	// A missing config file is fine; flags and env cover everything
	viper.ReadInConfig()
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gdbmaint.db"
	}
	return filepath.Join(home, ".gdbmaint", "history.db")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// newLogger builds the process logger from the global flags.
func newLogger() (*logging.Logger, error) {
	level := logging.ParseLevel(logLevel)
	if logFile == "" {
		return logging.NewLogger(level, jsonLogs), nil
	}
	return logging.NewFileLogger(logFile, level, jsonLogs)
}

// openStore opens the history store configured in the config file.
func openStore() (history.Store, error) {
	cfg := history.Config{
		Type: viper.GetString("database.type"),
		DSN:  viper.GetString("database.dsn"),
		Path: viper.GetString("database.path"),
	}
	if cfg.Type == "sqlite" || cfg.Type == "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	return history.NewStore(cfg)
}
