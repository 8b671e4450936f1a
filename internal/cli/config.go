package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect reims-ai configuration",
	}
	cmd.AddCommand(
		newConfigValidateCmd(a),
		newConfigViewCmd(a),
	)
	return cmd
}

func newConfigValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "validate",
		Short:       "Validate the configuration file and environment overrides",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipValidation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.mgr.Validate(cmd.Context()); err != nil {
				return err
			}
			kinds, err := a.cfg.EnabledKinds()
			if err != nil {
				return err
			}
			names := make([]string, len(kinds))
			for i, k := range kinds {
				names[i] = string(k)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid; detectors: %s\n", a.configPath, strings.Join(names, ", "))
			return nil
		},
	}
}

func newConfigViewCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Show effective configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(a.cfg)
		},
	}
}
