package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/reims/reims-ai/internal/analytics"
)

func newDetectCmd(a *app) *cobra.Command {
	var (
		input  string
		output string
	)
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run the detection ensemble over one or more series",
		Long: `Reads a detection request, or a JSON array of requests, and prints one report per request.

A request is {"entity", "field", "points": [{"period_key", "value", "date"}], "impact": {...}}.`,
		Example: `  reims-ai detect --input opex.json
  cat batch.json | reims-ai detect --output summary`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format := strings.ToLower(strings.TrimSpace(output))
			if format != "json" && format != "summary" {
				return fmt.Errorf("unsupported --output %q (supported: json, summary)", output)
			}

			reqs, batch, err := a.readRequests(input)
			if err != nil {
				return err
			}

			eng, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx := cmd.Context()
			reports := make([]*analytics.Report, 0, len(reqs))
			for i, req := range reqs {
				report, err := eng.pipeline.Run(ctx, req)
				if err != nil {
					_ = a.audit.LogRunFailed(ctx, req.Entity, req.Field, err)
					return fmt.Errorf("request %d (%s/%s): %w", i, req.Entity, req.Field, err)
				}
				for _, an := range report.Anomalies {
					_ = a.audit.LogAnomaly(ctx, report.ID, an)
				}
				_ = a.audit.LogRunCompleted(ctx, report.ID, report.Entity, report.Field,
					report.Active, report.Suppressed, time.Duration(report.DurationMS)*time.Millisecond)
				reports = append(reports, report)
			}

			out := cmd.OutOrStdout()
			if format == "summary" {
				printSummary(out, reports)
				return nil
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if batch {
				return enc.Encode(reports)
			}
			return enc.Encode(reports[0])
		},
	}
	cmd.Flags().StringVarP(&input, "input", "f", "-", "request file, or - for stdin")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json|summary")
	return cmd
}

// readRequests decodes a single request or an array. batch reports which
// shape was read.
func (a *app) readRequests(path string) (reqs []analytics.Request, batch bool, err error) {
	var r io.Reader = a.stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, false, err
		}
		defer f.Close()
		r = f
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("read input: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false, fmt.Errorf("no detection request on input")
	}

	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &reqs); err != nil {
			return nil, false, fmt.Errorf("invalid request batch: %w", err)
		}
		if len(reqs) == 0 {
			return nil, false, fmt.Errorf("empty request batch")
		}
		return reqs, true, nil
	}
	var req analytics.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, false, fmt.Errorf("invalid request: %w", err)
	}
	return []analytics.Request{req}, false, nil
}

func printSummary(w io.Writer, reports []*analytics.Report) {
	for _, r := range reports {
		fmt.Fprintf(w, "%s/%s: %d active, %d suppressed, %d detector failures\n",
			r.Entity, r.Field, r.Active, r.Suppressed, len(r.Failures))
		for _, an := range r.Anomalies {
			line := fmt.Sprintf("  %-10s %-8s %-10s conf=%5.1f methods=%d",
				an.State, an.Representative.PeriodKey, an.Type, an.EnsembleConfidence, an.MethodsAgreed)
			if an.Impact != nil {
				line += fmt.Sprintf(" impact=%5.1f", an.Impact.ImpactScore)
			}
			if an.SuppressionReason != "" {
				line += " (" + an.SuppressionReason + ")"
			}
			fmt.Fprintln(w, line)
		}
	}
}
