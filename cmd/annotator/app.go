package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.uber.org/multierr"

	"github.com/ahrav/go-annotator/internal/admin"
	"github.com/ahrav/go-annotator/internal/archive"
	"github.com/ahrav/go-annotator/internal/config"
	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/monitor"
	"github.com/ahrav/go-annotator/internal/observability"
	"github.com/ahrav/go-annotator/internal/worker"
)

const (
	defaultConfigDir = "config"
	shutdownTimeout  = 10 * time.Second
)

// app holds the process-wide handles shared by every subcommand. Handles are
// opened lazily so that commands touching only local files never dial Redis
// or Temporal.
type app struct {
	out       io.Writer
	configDir string
	asJSON    bool

	loader   *config.Loader
	registry *prometheus.Registry
	comps    *worker.Components
	temporal client.Client
	closers  []func(context.Context) error
	logger   *slog.Logger
}

func newApp(out io.Writer) *app {
	return &app{out: out, logger: slog.Default().With("component", "cli")}
}

// cfg returns the current configuration snapshot.
func (a *app) cfg() *config.Config { return a.loader.Current() }

// load reads the configuration and installs logging and tracing.
func (a *app) load(ctx context.Context) error {
	a.loader = config.NewLoader(a.configDir)
	if _, err := a.loader.Reload(); err != nil {
		return fmt.Errorf("load configuration from %s: %w", a.configDir, err)
	}
	s := a.cfg().Settings

	logger, closeLog, err := newLogger(s.Logging, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	a.logger = logger.With("component", "cli")
	a.onClose(func(context.Context) error { return closeLog() })

	shutdown, err := observability.InitTracing(ctx, s.Tracing)
	if err != nil {
		return err
	}
	a.onClose(shutdown)
	return nil
}

func (a *app) onClose(fn func(context.Context) error) { a.closers = append(a.closers, fn) }

// close releases every handle in reverse order of acquisition.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errs
}

// levels maps the accepted logging levels to slog levels.
var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// newLogger builds the process logger from the logging settings. With a file
// configured, records go to both the file and w.
func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, func() error, error) {
	level, ok := levels[strings.ToLower(cfg.Level)]
	if !ok && cfg.Level != "" {
		return nil, nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}
	closeFn := func() error { return nil }
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(w, f)
		closeFn = f.Close
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h), closeFn, nil
}

// watchReload reloads the configuration on SIGHUP until ctx is done.
// Long-running components keep the snapshot they were built with; the reload
// applies to launches and commands issued afterwards.
func (a *app) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				changed, err := a.loader.Reload()
				if err != nil {
					a.logger.Error("configuration reload failed", "error", err)
					continue
				}
				a.logger.Info("configuration reloaded", "changed", changed)
			}
		}
	}()
}

// components wires the annotation stack over the coordination and event
// databases.
func (a *app) components(ctx context.Context) (*worker.Components, error) {
	if a.comps != nil {
		return a.comps, nil
	}
	cfg := a.cfg()
	coord := worker.NewRedisClient(cfg.Settings.Redis, cfg.Settings.Redis.DBBackend)
	a.onClose(func(context.Context) error { return coord.Close() })
	if err := coord.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Settings.Redis.Addr(), err)
	}
	events := worker.NewRedisClient(cfg.Settings.Redis, cfg.Settings.Redis.DBBroker)
	a.onClose(func(context.Context) error { return events.Close() })

	comps, err := worker.Build(cfg, worker.Infra{
		Coordination: coord,
		Events:       events,
		Registerer:   a.metricsRegistry(),
	})
	if err != nil {
		return nil, err
	}
	a.onClose(comps.Flush)
	a.comps = comps
	return comps, nil
}

func (a *app) metricsRegistry() *prometheus.Registry {
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return a.registry
}

// temporalClient dials the workflow service once per process.
func (a *app) temporalClient() (client.Client, error) {
	if a.temporal != nil {
		return a.temporal, nil
	}
	t := a.cfg().Settings.Temporal
	c, err := client.Dial(client.Options{
		HostPort:  t.HostPort,
		Namespace: t.Namespace,
		Logger:    tlog.NewStructuredLogger(slog.Default().With("component", "temporal")),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal %s: %w", t.HostPort, err)
	}
	a.onClose(func(context.Context) error { c.Close(); return nil })
	a.temporal = c
	return c, nil
}

func (a *app) supervisor(ctx context.Context) (*worker.Supervisor, error) {
	comps, err := a.components(ctx)
	if err != nil {
		return nil, err
	}
	c, err := a.temporalClient()
	if err != nil {
		return nil, err
	}
	return worker.NewSupervisor(c, comps.Store, a.cfg()), nil
}

// admin builds the administrative service. Supervised workers are stopped
// through Temporal when withWorkers is set.
func (a *app) admin(ctx context.Context, withWorkers bool) (*admin.Admin, error) {
	comps, err := a.components(ctx)
	if err != nil {
		return nil, err
	}
	data := a.cfg().Settings.Data
	arch, err := archive.New(a.cfg().Settings.Archive, data.ArchiveDir)
	if err != nil {
		return nil, err
	}
	deps := admin.Deps{
		Store:    comps.Store,
		Records:  comps.Records,
		Malforms: comps.Malforms,
		Queue:    comps.Queue,
		Archiver: arch,
	}
	if withWorkers {
		sup, err := a.supervisor(ctx)
		if err != nil {
			return nil, err
		}
		deps.Workers = sup
	}
	logs := filepath.Dir(data.AuditLog)
	if f := a.cfg().Settings.Logging.File; f != "" {
		logs = filepath.Dir(f)
	}
	return admin.New(deps,
		admin.WithAuditLog(data.AuditLog),
		admin.WithDirs(admin.Dirs{
			Output:  data.OutputDir,
			Malform: data.MalformDir,
			Logs:    logs,
			Archive: data.ArchiveDir,
		}),
	)
}

func (a *app) monitor(ctx context.Context) (*monitor.Monitor, error) {
	comps, err := a.components(ctx)
	if err != nil {
		return nil, err
	}
	return monitor.New(comps.Store, comps.Records, comps.Sink, monitor.WithRedisInfo(comps.Redis)), nil
}

// serveMetrics exposes the registry on addr until ctx is done.
func (a *app) serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metricsRegistry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
}

// workerKeys resolves positional "<annotator>_<domain>" arguments. Without
// arguments every enabled worker is selected.
func (a *app) workerKeys(args []string) ([]domain.WorkerKey, error) {
	if len(args) == 0 {
		return a.cfg().EnabledWorkers(), nil
	}
	return parseKeys(args)
}

func parseKeys(args []string) ([]domain.WorkerKey, error) {
	keys := make([]domain.WorkerKey, 0, len(args))
	seen := make(map[domain.WorkerKey]bool, len(args))
	for _, arg := range args {
		key, err := domain.ParseWorkerKey(arg)
		if err != nil {
			return nil, err
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys, nil
}

// print writes v as indented JSON.
func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printf writes human-readable output unless --json was given.
func (a *app) printf(format string, args ...any) {
	if a.asJSON {
		return
	}
	fmt.Fprintf(a.out, format, args...)
}

// noConfig marks commands that run without loading configuration.
const noConfig = "no-config"

func needsConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if _, ok := c.Annotations[noConfig]; ok {
			return false
		}
	}
	return true
}

// destructive marks commands that refuse to run without --confirm.
const destructive = "destructive"

// requireConfirm adds the --confirm flag to cmd and marks it destructive.
func requireConfirm(cmd *cobra.Command) {
	cmd.Flags().Bool("confirm", false, "confirm the destructive operation")
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	cmd.Annotations[destructive] = ""
}

// checkConfirmed fails before any state is touched when a destructive
// command runs without --confirm.
func checkConfirmed(cmd *cobra.Command) error {
	if _, ok := cmd.Annotations[destructive]; !ok {
		return nil
	}
	if ok, _ := cmd.Flags().GetBool("confirm"); !ok {
		return fmt.Errorf("%w: pass --confirm to %s", admin.ErrConfirmationRequired, cmd.CommandPath())
	}
	return nil
}

// errFailedSteps is returned when an administrative operation completed with
// failed steps.
var errFailedSteps = errors.New("operation completed with failed steps")
