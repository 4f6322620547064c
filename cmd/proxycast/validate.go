package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itsharex/proxycast/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and credentials",
	Long: `Validate the configuration file and, when configured, the
credential file, without starting the gateway.

Examples:
  # Validate the default config
  proxycast validate

  # Validate a specific config
  proxycast validate --config /etc/proxycast/config.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		fmt.Printf("configuration valid: %d providers\n", len(cfg.Providers))

		if cfg.Credentials.File != "" {
			creds, err := config.LoadCredentials(cfg.Credentials.File)
			if err != nil {
				return err
			}
			fmt.Printf("credential file valid: %d credentials\n", len(creds))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
