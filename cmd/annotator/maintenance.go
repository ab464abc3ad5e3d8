package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-annotator/internal/admin"
	"github.com/ahrav/go-annotator/internal/domain"
)

func snapshotCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save or restore the coordination store",
	}

	var runID string
	save := &cobra.Command{
		Use:   "save",
		Short: "Write a snapshot of checkpoints, progress and worker records",
		Args:  cobra.NoArgs,
		RunE: withApp(a, func(cmd *cobra.Command, _ []string) error {
			adm, err := a.admin(cmd.Context(), false)
			if err != nil {
				return err
			}
			loc, err := adm.ExportState(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.print(map[string]string{"location": loc})
			}
			a.printf("snapshot written to %s\n", loc)
			return nil
		}),
	}
	save.Flags().StringVar(&runID, "run-id", "", "run identifier recorded in the snapshot (default: generated)")

	var merge bool
	restore := &cobra.Command{
		Use:   "restore <path>",
		Short: "Stop every worker and load a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(a, func(cmd *cobra.Command, args []string) error {
			adm, err := a.admin(cmd.Context(), true)
			if err != nil {
				return err
			}
			res, err := adm.ImportState(cmd.Context(), args[0], merge)
			return a.printResult(res, err)
		}),
	}
	restore.Flags().BoolVar(&merge, "merge", false, "merge into the current state instead of replacing it")

	cmd.AddCommand(save, restore)
	return cmd
}

func resetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear worker state so units become eligible again",
	}

	var keepExcel, local bool
	resetDomain := &cobra.Command{
		Use:   "domain <worker>",
		Short: "Reset one worker: stop it, clear its checkpoint, malforms, record and queue",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(a, func(cmd *cobra.Command, args []string) error {
			key, err := domain.ParseWorkerKey(args[0])
			if err != nil {
				return err
			}
			adm, err := a.admin(cmd.Context(), !local)
			if err != nil {
				return err
			}
			res, err := adm.ResetDomain(cmd.Context(), key, keepExcel)
			return a.printResult(res, err)
		}),
	}

	resetAnnotator := &cobra.Command{
		Use:   "annotator <id>",
		Short: "Reset every domain worker of an annotator",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(a, func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseAnnotatorID(args[0])
			if err != nil {
				return err
			}
			adm, err := a.admin(cmd.Context(), !local)
			if err != nil {
				return err
			}
			res, err := adm.ResetAnnotator(cmd.Context(), id, keepExcel)
			if a.asJSON {
				if perr := a.print(res); perr != nil {
					return perr
				}
				return err
			}
			domains := make([]string, 0, len(res.Domains))
			for d := range res.Domains {
				domains = append(domains, string(d))
			}
			sort.Strings(domains)
			for _, d := range domains {
				a.printf("== %s\n", d)
				a.printSteps(res.Domains[domain.Domain(d)])
			}
			a.printf("audit %s success=%t\n", res.AuditID, res.Success)
			if err == nil && !res.Success {
				err = errFailedSteps
			}
			return err
		}),
	}

	factory := &cobra.Command{
		Use:   "factory",
		Short: "Archive all data, then clear every worker, record, malform file and log",
		Args:  cobra.NoArgs,
		RunE: withApp(a, func(cmd *cobra.Command, _ []string) error {
			adm, err := a.admin(cmd.Context(), !local)
			if err != nil {
				return err
			}
			confirm, _ := cmd.Flags().GetBool("confirm")
			res, err := adm.FactoryReset(cmd.Context(), confirm)
			return a.printResult(res, err)
		}),
	}
	for _, c := range []*cobra.Command{resetDomain, resetAnnotator} {
		c.Flags().BoolVar(&keepExcel, "keep-excel", false, "archive durable records before removing them")
	}
	for _, c := range []*cobra.Command{resetDomain, resetAnnotator, factory} {
		requireConfirm(c)
	}
	cmd.PersistentFlags().BoolVar(&local, "local", false, "do not stop supervised workflows through Temporal")
	cmd.AddCommand(resetDomain, resetAnnotator, factory)
	return cmd
}

// printResult reports an administrative result. A result with failed steps
// is an error even when the operation itself returned none.
func (a *app) printResult(res admin.Result, err error) error {
	if a.asJSON {
		if perr := a.print(res); perr != nil {
			return perr
		}
	} else if res.Operation != "" {
		a.printf("%s %s\n", res.Operation, res.Target)
		a.printSteps(res)
		a.printf("audit %s success=%t\n", res.AuditID, res.Success)
	}
	if err == nil && res.Operation != "" && !res.Success {
		return fmt.Errorf("%w: %s", errFailedSteps, res.Operation)
	}
	return err
}

func (a *app) printSteps(res admin.Result) {
	for _, s := range res.Steps {
		a.printf("  %-18s %s\n", s.Name, s.Outcome)
	}
	for name, loc := range res.Archived {
		a.printf("  archived %s -> %s\n", name, loc)
	}
}
