// Command userkey runs the one-time login URL service and its maintenance
// tasks.
//
//	userkey serve
//	userkey issue --email alice@example.com --ip 10.0.0.5
//	userkey revoke <userid>
//	userkey purge --audit-older-than 2160h
//	userkey settings show
//	userkey settings set keylifetime=300 iprestriction=true
//
// Every command reads its configuration from the environment, see
// core/config.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "userkey",
	Short: "One-time login URLs for single sign-on",
	Long: `
Usage: userkey <command> [options]

  userkey lets a trusted identity provider request a single-use, short-lived
  login URL for an existing user. Redeeming the URL authenticates the browser
  without a password.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(issueCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(settingsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
