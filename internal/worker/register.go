package worker

import (
	"context"
	"log/slog"

	"go.temporal.io/sdk/client"
	sdkworker "go.temporal.io/sdk/worker"
	sdkworkflow "go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-annotator/internal/annotation"
	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/workflow"
	"github.com/ahrav/go-annotator/pkg/activity"
)

// Registry is the part of a Temporal worker that registers workflows and
// activities. sdkworker.Worker satisfies it.
type Registry interface {
	annotation.Registry
	RegisterWorkflowWithOptions(w any, options sdkworkflow.RegisterOptions)
}

// Activities builds the annotation activities over the wired stack.
func (c *Components) Activities() *annotation.Activities {
	return annotation.NewActivities(activity.NewBaseActivities(c.Events), c.Processor, c.Queue, c.Samples, c.Store)
}

// RegisterAll registers the worker workflow and its activities. It must be
// called before the worker starts and only once per worker.
func RegisterAll(r Registry, acts *annotation.Activities) {
	r.RegisterWorkflowWithOptions(workflow.AnnotationWorkflow, sdkworkflow.RegisterOptions{Name: workflow.WorkflowName})
	acts.Register(r)
}

// Host runs one Temporal worker per task queue. Every worker key has its own
// queue, so units of one key never interleave with another key's.
type Host struct {
	workers map[domain.WorkerKey]sdkworker.Worker
	logger  *slog.Logger
}

// NewHost creates a worker for each key, sized by its configured concurrency.
func NewHost(c client.Client, comps *Components, keys []domain.WorkerKey) *Host {
	h := &Host{
		workers: make(map[domain.WorkerKey]sdkworker.Worker, len(keys)),
		logger:  slog.Default().With("component", "worker-host"),
	}
	acts := comps.Activities()
	for _, key := range keys {
		wc, _ := comps.Config.Worker(key)
		w := sdkworker.New(c, key.QueueName(), sdkworker.Options{
			MaxConcurrentActivityExecutionSize: max(wc.Concurrency, 1),
		})
		RegisterAll(w, acts)
		h.workers[key] = w
	}
	return h
}

// Run starts every worker and blocks until ctx is done, then stops them.
func (h *Host) Run(ctx context.Context) error {
	started := make([]sdkworker.Worker, 0, len(h.workers))
	defer func() {
		for _, w := range started {
			w.Stop()
		}
	}()

	for key, w := range h.workers {
		if err := w.Start(); err != nil {
			return err
		}
		started = append(started, w)
		h.logger.Info("worker polling", "worker", key.String(), "task_queue", key.QueueName())
	}
	<-ctx.Done()
	h.logger.Info("stopping workers", "count", len(started))
	return nil
}
