package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/spearit/spearhead/internal/config"
)

func newGenConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "gen-config",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if err := cfg.Save(configPath); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("wrote default configuration to %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "spearhead.yaml", "path to write the default YAML configuration to")
	return cmd
}

func newShowConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show-config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			fmt.Print(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "spearhead.yaml", "path to the YAML configuration file")
	return cmd
}
