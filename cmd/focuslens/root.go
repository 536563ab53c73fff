package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antoniostano/focuslens/internal/config"
)

// version is set via -ldflags at build time.
var version = "(devel)"

var rootCmd = &cobra.Command{
	Use:           "focuslens",
	Short:         "Sample focus and emotion during observation sessions",
	Long:          "focuslens samples a camera stream during timed sessions, logs focus and emotion events, and scores each session.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "YAML config file (overrides APP_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().String("db", "", "Event store URL (overrides DATABASE_URL env var)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the config file from --config (highest priority), then
// APP_CONFIG_FILE, and applies --db over DATABASE_URL.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		cfg, err = config.LoadFrom(p)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DatabaseURL = db
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "focuslens", version)
	},
}
