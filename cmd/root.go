// Package cmd implements the dacli command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/martinemde/dacli/config"
	"github.com/martinemde/dacli/logger"
	"github.com/martinemde/dacli/session"
)

var buildVersion = "dev"

// Shared dependencies, initialized in the root PersistentPreRunE.
var (
	ui       = newUI()
	settings *config.Settings
	log      logger.Logger = logger.NewNop()

	cfgFile  string
	logLevel string
	logJSON  bool
)

// newFactory builds the agent factory for the loaded settings. Tests
// replace it to inject a scripted model.
var newFactory = func(opts ...session.Option) (*session.Factory, error) {
	return session.NewFactory(settings, append([]session.Option{session.WithLogger(log)}, opts...)...)
}

var rootCmd = &cobra.Command{
	Use:   "dacli",
	Short: "Data agent for Snowflake, GitHub and Pinecone",
	Long: `dacli runs a tool-calling LLM agent that loads data into Snowflake,
manages dbt files and workflows on GitHub and searches documentation in
Pinecone. Sessions are persisted and can be resumed.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initSettings()
	},
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		ui.Error("%v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default ./config.yaml, then ~/.dacli/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default agent.log_level)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")
}

func initSettings() error {
	s, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	settings = s

	level := logLevel
	if level == "" {
		level = s.Agent.LogLevel
	}
	log = logger.Setup(level, logJSON)
	if s.Source != "" {
		log.Debug("Loaded configuration", "path", s.Source)
	}
	return nil
}
