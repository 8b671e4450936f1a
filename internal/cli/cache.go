package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the model cache",
	}
	cmd.AddCommand(
		newCacheListCmd(a),
		newCacheInvalidateCmd(a),
		newCachePruneCmd(a),
	)
	return cmd
}

func newCacheListCmd(a *app) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			records, err := eng.cache.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-12s %-32s %-18s %-8s %-6s %s\n", "KEY", "SCOPE", "TYPE", "ACTIVE", "USES", "EXPIRES")
			n := 0
			for _, rec := range records {
				if scope != "" && rec.Scope != scope {
					continue
				}
				key := rec.Key
				if len(key) > 12 {
					key = key[:12]
				}
				fmt.Fprintf(out, "%-12s %-32s %-18s %-8t %-6d %s\n",
					key, rec.Scope, rec.ModelType, rec.Active, rec.UseCount, rec.ExpiresAt.UTC().Format(time.RFC3339))
				n++
			}
			fmt.Fprintf(out, "%d models\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "only show models for this scope (entity/field)")
	return cmd
}

func newCacheInvalidateCmd(a *app) *cobra.Command {
	var scope, modelType string
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Deactivate cached models so the next run retrains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			n, err := eng.cache.Invalidate(cmd.Context(), scope, modelType)
			if err != nil {
				return err
			}
			_ = a.audit.LogCacheInvalidated(cmd.Context(), scope, modelType, n)
			fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %d models\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope to invalidate (entity/field); empty matches all")
	cmd.Flags().StringVar(&modelType, "type", "", "model type to invalidate; empty matches all")
	return cmd
}

func newCachePruneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete inactive and expired models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			n, err := eng.cache.Prune(cmd.Context())
			if err != nil {
				return err
			}
			_ = a.audit.LogCachePruned(cmd.Context(), n)
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d models\n", n)
			return nil
		},
	}
}
