package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/authelia/authelia-sub000/configuration"
)

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate the configuration file and print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configuration.Load(configPath)
		if err != nil {
			return err
		}
		if _, _, _, err := cfg.AccessControl.BuildAccessControl(); err != nil {
			return fmt.Errorf("access control: %w", err)
		}

		out, err := yaml.Marshal(cfg.Redact())
		if err != nil {
			return err
		}
		fmt.Printf("configuration OK: %s\n\n%s", configPath, out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
