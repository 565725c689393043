package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/dacli/capability"
	"github.com/martinemde/dacli/config"
)

var (
	configForce   bool
	configEnable  bool
	configSecrets bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the configuration file",
	Long: `Show or create the dacli configuration file.

Running bare 'dacli config' is the same as 'dacli config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	// init runs before a config file exists, so skip loading one.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "config.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		return configInitRun(path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configInitCmd.Flags().BoolVar(&configEnable, "enable-all", false, "Enable every tool category and operation")
	configShowCmd.Flags().BoolVar(&configSecrets, "show-secrets", false, "Print secrets unmasked")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func configInitRun(path string) error {
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	s := config.Default()
	if configEnable {
		s.Tools = capability.EnableAll()
	}
	if err := config.Save(path, s); err != nil {
		return err
	}
	ui.Success("Wrote %s", path)
	return nil
}

func configShowRun() error {
	s := *settings
	if !configSecrets {
		maskSecrets(&s)
	}
	data, err := yaml.Marshal(&s)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	source := settings.Source
	if source == "" {
		source = "defaults"
	}
	ui.Info("Source: %s", source)
	ui.Printf("%s", data)
	return nil
}

func mask(v *string) {
	if *v != "" {
		*v = "********"
	}
}

func maskSecrets(s *config.Settings) {
	mask(&s.LLM.APIKey)
	mask(&s.GitHub.Token)
	mask(&s.Snowflake.Password)
	mask(&s.Pinecone.APIKey)
	mask(&s.Embeddings.APIKey)
}
