package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/h-lu/llmGateway-sub000/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the configuration file without starting the gateway.
Checks syntax, store drivers, quota settings, rate limiting and provider pools.`,
	RunE: runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	configPath := resolveConfigPath()
	out := cmd.OutOrStdout()

	if err := validateFile(configPath); err != nil {
		fmt.Fprintf(out, "✗ Config validation failed: %s\n", err)
		return err
	}
	fmt.Fprintf(out, "✓ %s is valid\n", configPath)
	return nil
}

func validateFile(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return cfg.Validate()
}
