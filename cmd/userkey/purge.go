package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	purgeAuditOlderThan time.Duration

	purgeCmd = &cobra.Command{
		Use:   "purge",
		Short: "Delete expired keys, expired sessions and old audit events",
		Long: `
Usage: userkey purge [--audit-older-than <duration>]

  Runs one cleanup. serve already does this every PURGE_INTERVAL. Expired
  keys are removed from the configured key backend once EXPIRED_KEY_GRACE has
  passed; expired sessions only from the SQL store, since Redis expires
  sessions on its own. An --audit-older-than of 0 keeps every audit event.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runPurge,
	}
)

func init() {
	purgeCmd.Flags().DurationVar(&purgeAuditOlderThan, "audit-older-than", -1, "Delete audit events older than this (default AUDIT_RETENTION)")
}

func runPurge(cmd *cobra.Command, args []string) error {
	ctx, cancel := withTimeout(cmd.Context())
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	auditAge := a.cfg.AuditRetention
	if purgeAuditOlderThan >= 0 {
		auditAge = purgeAuditOlderThan
	}

	report := a.retentionManager(auditAge).RunCleanup(ctx)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Expired keys deleted: %d\n", report.KeysDeleted)
	fmt.Fprintf(out, "Expired sessions deleted: %d\n", report.SessionsDeleted)
	fmt.Fprintf(out, "Audit events deleted: %d\n", report.AuditLogsDeleted)
	if len(report.Errors) > 0 {
		return fmt.Errorf("purge incomplete: %s", strings.Join(report.Errors, "; "))
	}
	return nil
}
