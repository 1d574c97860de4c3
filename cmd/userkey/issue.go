package main

import (
	"fmt"

	"github.com/getkayan/userkey/core/audit"
	"github.com/getkayan/userkey/core/identity"
	"github.com/getkayan/userkey/core/userkey"
	"github.com/spf13/cobra"
)

var (
	issueEmail    string
	issueUsername string
	issueIDNumber string
	issueIP       string

	issueCmd = &cobra.Command{
		Use:   "issue",
		Short: "Issue a one-time login URL for a user",
		Long: `
Usage: userkey issue [--email|--username|--idnumber] <value> [--ip <address>]

  Resolves the user by the configured mapping field and prints a login URL
  built on BASE_URL. Pass --ip when the address restriction is enabled.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runIssue,
	}

	revokeCmd = &cobra.Command{
		Use:           "revoke <userid>",
		Short:         "Delete every outstanding login key of a user",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRevoke,
	}
)

func init() {
	issueCmd.Flags().StringVar(&issueEmail, identity.FieldEmail, "", "Email address of the user")
	issueCmd.Flags().StringVar(&issueUsername, identity.FieldUsername, "", "Username of the user")
	issueCmd.Flags().StringVar(&issueIDNumber, identity.FieldIDNumber, "", "ID number of the user")
	issueCmd.Flags().StringVar(&issueIP, userkey.ClaimIP, "", "Address the login URL will be used from")
}

func runIssue(cmd *cobra.Command, args []string) error {
	ctx, cancel := withTimeout(cmd.Context())
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	claims := make(map[string]string)
	for name, value := range map[string]string{
		identity.FieldEmail:    issueEmail,
		identity.FieldUsername: issueUsername,
		identity.FieldIDNumber: issueIDNumber,
		userkey.ClaimIP:        issueIP,
	} {
		if value != "" {
			claims[name] = value
		}
	}

	ctx = audit.WithActor(ctx, "cli")
	loginURL, err := a.resolver.LoginURL(ctx, claims, a.cfg.BaseURL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), loginURL)
	return nil
}

func runRevoke(cmd *cobra.Command, args []string) error {
	ctx, cancel := withTimeout(cmd.Context())
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	userID := args[0]
	if err := a.keys.DeleteKey(ctx, userID); err != nil {
		return err
	}
	a.audit.Record(ctx, audit.NewEvent(audit.EventKeysRevoked).
		Actor("cli").
		Subject(userID).
		Success())
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked login keys of %s\n", userID)
	return nil
}
