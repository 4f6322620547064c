package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "proxycast",
	Short: "Proxycast - multi-protocol AI model API gateway",
	Long: `Proxycast is an API gateway for AI model providers.

It terminates the OpenAI chat completions, Anthropic messages, and
Gemini generateContent protocols on one listener, routes each request
to a configured upstream provider, and manages a pool of provider
credentials with health tracking, quota enforcement, and automatic
OAuth token refresh.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
}
