// Package main is the entry point for llm-gateway.
package main

import (
	"context"
	"os"

	"charm.land/fang/v2"
	"github.com/spf13/cobra"
)

const (
	defaultConfigFile = "config.yaml"
	appDir            = "llm-gateway"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "llm-gateway",
	Short: "Quota-aware admission and routing for LLM requests",
	Long: `llm-gateway admits requests against per-caller token quotas and rate limits,
then routes them to healthy providers in priority pools with fallback.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file path (default: ./"+defaultConfigFile+" or ~/.config/"+appDir+"/"+defaultConfigFile+")")
}

func main() {
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		os.Exit(1)
	}
}
