package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/orchestration"
	"github.com/ahrav/go-annotator/internal/worker"
)

func runCmd(a *app) *cobra.Command {
	var (
		limit       int
		parallelism int
		serve       bool
	)
	cmd := &cobra.Command{
		Use:   "run [worker...]",
		Short: "Process samples in-process for the given workers",
		Long: "Run drives each worker's queue in this process until its pending set is\n" +
			"empty, its sample limit is reached, or the process is interrupted.\n" +
			"Workers are given as <annotator>_<domain>; none selects every enabled worker.",
		RunE: withApp(a, func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			keys, err := a.workerKeys(args)
			if err != nil {
				return err
			}
			if err := a.cfg().CheckCredentials(); err != nil {
				return err
			}
			comps, err := a.components(ctx)
			if err != nil {
				return err
			}
			a.watchReload(ctx)
			if serve {
				a.serveMetrics(ctx, a.cfg().Settings.Metrics.Addr)
			}
			if parallelism <= 0 {
				parallelism = len(keys)
			}

			start := time.Now()
			stats, err := comps.Fleet(parallelism).Run(ctx, keys, limit)
			if a.asJSON {
				if perr := a.print(runReport(stats)); perr != nil {
					return perr
				}
			} else {
				printRunStats(a, keys, stats, time.Since(start))
			}
			return err
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum samples per worker (0 uses the configured limit)")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "workers run at once (0 runs all)")
	cmd.Flags().BoolVar(&serve, "metrics", false, "serve Prometheus metrics while running")
	return cmd
}

func runReport(stats map[domain.WorkerKey]orchestration.RunStats) map[string]orchestration.RunStats {
	out := make(map[string]orchestration.RunStats, len(stats))
	for k, s := range stats {
		out[k.String()] = s
	}
	return out
}

func printRunStats(a *app, keys []domain.WorkerKey, stats map[domain.WorkerKey]orchestration.RunStats, elapsed time.Duration) {
	for _, key := range keys {
		s, ok := stats[key]
		if !ok {
			a.printf("%-22s not run\n", key)
			continue
		}
		a.printf("%-22s %+v\n", key, s)
	}
	a.printf("finished in %s\n", elapsed.Round(time.Second))
}

func workerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker [worker...]",
		Short: "Poll the workers' task queues as a Temporal worker process",
		RunE: withApp(a, func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			keys, err := a.workerKeys(args)
			if err != nil {
				return err
			}
			if err := a.cfg().CheckCredentials(); err != nil {
				return err
			}
			comps, err := a.components(ctx)
			if err != nil {
				return err
			}
			c, err := a.temporalClient()
			if err != nil {
				return err
			}
			a.watchReload(ctx)
			a.serveMetrics(ctx, a.cfg().Settings.Metrics.Addr)
			return worker.NewHost(c, comps, keys).Run(ctx)
		}),
	}
}

func serveMetricsCmd(a *app) *cobra.Command {
	var (
		interval   time.Duration
		staleAfter time.Duration
		relaunch   bool
	)
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Expose Prometheus metrics and watch worker health",
		Long: "serve-metrics serves /metrics and checks for stalled workers on every\n" +
			"interval. With --relaunch, stalled supervised workers are relaunched,\n" +
			"at most three times per hour each.",
		RunE: withApp(a, func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			mon, err := a.monitor(ctx)
			if err != nil {
				return err
			}
			var restart func(context.Context, domain.WorkerKey) error
			if relaunch {
				sup, err := a.supervisor(ctx)
				if err != nil {
					return err
				}
				restart = func(ctx context.Context, key domain.WorkerKey) error {
					_, err := sup.Launch(ctx, []domain.WorkerKey{key})
					return err
				}
			}
			a.watchReload(ctx)
			a.serveMetrics(ctx, a.cfg().Settings.Metrics.Addr)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
				if restart != nil {
					n, err := mon.Recover(ctx, staleAfter, restart)
					if err != nil {
						a.logger.Error("recovery pass failed", "error", err)
					} else if n > 0 {
						a.logger.Info("relaunched stalled workers", "count", n)
					}
					continue
				}
				stalled, err := mon.DetectStalled(ctx, staleAfter)
				if err != nil {
					a.logger.Error("stall check failed", "error", err)
					continue
				}
				for _, key := range stalled {
					a.logger.Warn("worker stalled", "worker", key.String())
				}
			}
		}),
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "health check interval")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 2*time.Minute, "heartbeat age after which a running worker is stalled")
	cmd.Flags().BoolVar(&relaunch, "relaunch", false, "relaunch stalled workers")
	return cmd
}

func launchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "launch [worker...]",
		Short: "Start worker workflows",
		RunE: withApp(a, func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			keys, err := a.workerKeys(args)
			if err != nil {
				return err
			}
			sup, err := a.supervisor(ctx)
			if err != nil {
				return err
			}
			launched, err := sup.Launch(ctx, keys)
			if a.asJSON {
				if perr := a.print(launched); perr != nil {
					return perr
				}
			}
			for _, l := range launched {
				a.printf("%-22s %s (run %s)\n", l.Key, l.WorkflowID, l.RunID)
			}
			return err
		}),
	}
}

type controlFunc func(ctx context.Context, s *worker.Supervisor, key domain.WorkerKey) error

func stopWorker(ctx context.Context, s *worker.Supervisor, key domain.WorkerKey) error {
	return s.Stop(ctx, key)
}

func pauseWorker(ctx context.Context, s *worker.Supervisor, key domain.WorkerKey) error {
	return s.Pause(ctx, key)
}

func resumeWorker(ctx context.Context, s *worker.Supervisor, key domain.WorkerKey) error {
	return s.Resume(ctx, key)
}

// controlCmd builds a command that applies fn to every selected worker and
// reports each failure without stopping at the first.
func controlCmd(a *app, use, short string, fn controlFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [worker...]",
		Short: short,
		RunE: withApp(a, func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			keys, err := a.workerKeys(args)
			if err != nil {
				return err
			}
			sup, err := a.supervisor(ctx)
			if err != nil {
				return err
			}
			failed := 0
			for _, key := range keys {
				if err := fn(ctx, sup, key); err != nil {
					failed++
					a.logger.Error(use+" failed", "worker", key.String(), "error", err)
					continue
				}
				a.printf("%-22s %s\n", key, use)
			}
			if failed > 0 {
				return fmt.Errorf("%s failed for %d of %d workers", use, failed, len(keys))
			}
			return nil
		}),
	}
}
