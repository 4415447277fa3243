package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "authd",
	Short: "authd is a forward-auth gatekeeper for reverse proxies",
	Long: `An authentication and authorization gatekeeper consumed by reverse proxies
via forward-auth: every request to a protected domain is checked against the
verify endpoint, which answers allow or deny and injects trusted identity
headers on allow.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/authd/config.yml", "Path to the configuration file")
}
