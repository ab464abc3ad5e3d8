package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/labeling"
	"github.com/ahrav/go-annotator/internal/reconcile"
	"github.com/ahrav/go-annotator/internal/storage"
	"github.com/ahrav/go-annotator/internal/worker"
)

var (
	errInconsistent = errors.New("checkpoints and durable records disagree")
	errUnhealthy    = errors.New("integrity check found issues")
)

func statusCmd(a *app) *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show every registered worker with progress and health",
		RunE: withApp(a, func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			mon, err := a.monitor(ctx)
			if err != nil {
				return err
			}
			statuses, err := mon.Statuses(ctx)
			if err != nil {
				return err
			}

			var views []worker.View
			if live {
				sup, err := a.supervisor(ctx)
				if err != nil {
					return err
				}
				keys := make([]domain.WorkerKey, 0, len(statuses))
				for _, s := range statuses {
					keys = append(keys, s.Key)
				}
				if views, err = sup.StatusAll(ctx, keys); err != nil {
					return err
				}
			}

			if a.asJSON {
				return a.print(map[string]any{"workers": statuses, "live": views})
			}
			a.printf("%-22s %-8s %12s %8s %6s  %s\n", "WORKER", "STATE", "PROGRESS", "ROWS", "OK", "ISSUES")
			for _, s := range statuses {
				a.printf("%-22s %-8s %5d/%-6d %8d %6t  %s\n",
					s.Key, s.State.Status, s.Progress.Completed, s.Progress.Total,
					s.Record.Rows, s.Health.Healthy, strings.Join(s.Health.Issues, "; "))
			}
			for _, v := range views {
				if v.Live == nil {
					a.printf("%-22s live status unavailable: %s\n", v.Key, v.QueryError)
					continue
				}
				a.printf("%-22s live %+v\n", v.Key, *v.Live)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&live, "live", false, "also query each worker's workflow")
	return cmd
}

func syncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [worker...]",
		Short: "Add durable-record sample IDs missing from the checkpoints",
		RunE: withApp(a, func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			keys, err := a.workerKeys(args)
			if err != nil {
				return err
			}
			comps, err := a.components(ctx)
			if err != nil {
				return err
			}
			results, err := comps.Reconciler.SyncAll(ctx, keys)
			if a.asJSON {
				if perr := a.print(results); perr != nil {
					return perr
				}
				return err
			}
			for _, r := range results {
				if r.Error != "" {
					a.printf("%-22s failed: %s\n", r.Key, r.Error)
					continue
				}
				a.printf("%-22s %d synced\n", r.Key, r.Synced)
			}
			a.printf("total synced: %d\n", reconcile.TotalSynced(results))
			return err
		}),
	}
}

func consolidateCmd(a *app) *cobra.Command {
	var workbook bool
	cmd := &cobra.Command{
		Use:   "consolidate [worker...]",
		Short: "Compare checkpoint counts with durable record rows",
		Long: "consolidate reports per-worker checkpoint and durable row counts and\n" +
			"every discrepancy between them. With --workbook it also merges the\n" +
			"durable records into one consolidated workbook.",
		RunE: withApp(a, func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			keys, err := a.workerKeys(args)
			if err != nil {
				return err
			}
			comps, err := a.components(ctx)
			if err != nil {
				return err
			}
			report, err := comps.Reconciler.Consolidate(ctx, keys)
			if err != nil {
				return err
			}

			var merged *storage.Consolidated
			if workbook {
				if err := comps.Records.FlushAll(ctx); err != nil {
					return err
				}
				now := time.Now()
				path := filepath.Join(a.cfg().Settings.Data.OutputDir, storage.ConsolidatedFileName(now))
				c, err := storage.ConsolidateWorkbook(ctx, comps.Records, keys, path, now)
				if err != nil {
					return err
				}
				merged = &c
			}

			if a.asJSON {
				if err := a.print(map[string]any{"report": report, "workbook": merged}); err != nil {
					return err
				}
			} else {
				printConsolidation(a, report, merged)
			}
			if !report.Consistent() {
				return fmt.Errorf("%w: %d workers", errInconsistent, len(report.Discrepancies))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&workbook, "workbook", false, "write a consolidated workbook to the output directory")
	return cmd
}

func printConsolidation(a *app, r reconcile.ConsolidationReport, merged *storage.Consolidated) {
	a.printf("%-22s %12s %12s %8s\n", "WORKER", "CHECKPOINT", "DURABLE", "DIFF")
	for _, w := range r.Workers {
		a.printf("%-22s %12d %12d %8d\n", w.Key, w.CheckpointCount, w.DurableRowCount, w.Difference())
	}
	if r.Consistent() {
		a.printf("all workers consistent\n")
	} else {
		a.printf("%d discrepancies\n", len(r.Discrepancies))
	}
	if merged != nil {
		a.printf("workbook %s: %d rows\n", merged.Path, merged.TotalRows)
	}
}

func verifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [worker...]",
		Short: "Check progress counters and durable records for integrity issues",
		RunE: withApp(a, func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			keys, err := a.workerKeys(args)
			if err != nil {
				return err
			}
			comps, err := a.components(ctx)
			if err != nil {
				return err
			}
			report, err := comps.Reconciler.VerifyIntegrity(ctx, keys)
			if err != nil {
				return err
			}
			if a.asJSON {
				if err := a.print(report); err != nil {
					return err
				}
			} else {
				a.printf("checked %d workers, %d records verified\n", report.WorkersChecked, report.RecordsVerified)
				for _, issue := range report.Issues() {
					a.printf("  %+v\n", issue)
				}
			}
			if !report.Healthy {
				return errUnhealthy
			}
			return nil
		}),
	}
}

func validateCmd(a *app) *cobra.Command {
	var stdin bool
	cmd := &cobra.Command{
		Use:   "validate <domain> [response]",
		Short: "Validate model responses for a domain",
		Long: "validate checks one response given as an argument, or with --stdin one\n" +
			"response per input line, and prints the label or the error for each.",
		Annotations: map[string]string{noConfig: ""},
		Args:        cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := domain.ParseDomain(args[0])
			if err != nil {
				return err
			}
			var raws []string
			switch {
			case stdin:
				if raws, err = readLines(cmd.InOrStdin()); err != nil {
					return err
				}
			case len(args) == 2:
				raws = []string{args[1]}
			default:
				return errors.New("a response argument or --stdin is required")
			}

			results := labeling.ValidateBatch(d, raws)
			stats := labeling.Summarize(results)
			if a.asJSON {
				return a.print(map[string]any{"domain": d, "results": results, "stats": stats})
			}
			for i, r := range results {
				if r.IsValid() {
					a.printf("%d\tvalid\t%s\n", i+1, r.Label)
					continue
				}
				a.printf("%d\tinvalid\t%s\n", i+1, r.Error())
			}
			if len(results) > 1 {
				a.printf("%d/%d valid (%.1f%%)\n", stats.Valid, stats.Total, stats.SuccessRate)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stdin, "stdin", false, "read one response per line from standard input")
	return cmd
}

func readLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}
