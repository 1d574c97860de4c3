package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkayan/userkey/core/userkey"
	"github.com/spf13/cobra"
)

var (
	settingsCmd = &cobra.Command{
		Use:   "settings",
		Short: "Show or change the plugin settings",
	}

	settingsShowCmd = &cobra.Command{
		Use:           "show",
		Short:         "Print the effective settings as JSON",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runSettingsShow,
	}

	settingsSetCmd = &cobra.Command{
		Use:   "set name=value...",
		Short: "Validate and store settings",
		Long: `
Usage: userkey settings set name=value...

  Accepted names: mappingfield, keylifetime, iprestriction, ipwhitelist,
  redirecturl, ssourl, createuser, updateuser. Nothing is stored when any
  value is invalid.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runSettingsSet,
	}
)

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := withTimeout(cmd.Context())
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	s, err := a.settings.Stored(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	form, err := parseAssignments(args)
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(cmd.Context())
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	fieldErrs, err := a.settings.Save(ctx, "cli", form)
	if err != nil {
		return err
	}
	if len(fieldErrs) > 0 {
		names := make([]string, 0, len(fieldErrs))
		for name := range fieldErrs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", name, fieldErrs[name])
		}
		return fmt.Errorf("%d invalid setting(s), nothing saved", len(fieldErrs))
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Settings saved")
	return nil
}

// parseAssignments turns name=value arguments into a settings form.
func parseAssignments(args []string) (map[string]string, error) {
	allowed := make(map[string]bool)
	for _, name := range settingNames {
		allowed[name] = true
	}

	form := make(map[string]string, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", arg)
		}
		if !allowed[name] {
			return nil, fmt.Errorf("unknown setting %q", name)
		}
		form[name] = value
	}
	return form, nil
}

var settingNames = []string{
	userkey.SettingMappingField,
	userkey.SettingKeyLifetime,
	userkey.SettingIPRestriction,
	userkey.SettingIPWhitelist,
	userkey.SettingRedirectURL,
	userkey.SettingSSOURL,
	userkey.SettingCreateUser,
	userkey.SettingUpdateUser,
}
