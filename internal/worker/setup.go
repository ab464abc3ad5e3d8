// Package worker provides initialization and setup utilities for annotation
// workers. It wires the annotation stack from configuration, registers it with
// Temporal workers, and supervises worker workflows through a Temporal client.
package worker

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/config"
	"github.com/ahrav/go-annotator/internal/llm"
	"github.com/ahrav/go-annotator/internal/llm/ratelimit"
	"github.com/ahrav/go-annotator/internal/malform"
	"github.com/ahrav/go-annotator/internal/metrics"
	"github.com/ahrav/go-annotator/internal/orchestration"
	"github.com/ahrav/go-annotator/internal/reconcile"
	"github.com/ahrav/go-annotator/internal/source"
	"github.com/ahrav/go-annotator/internal/storage"
	"github.com/ahrav/go-annotator/pkg/events"
)

// NewRedisClient connects to logical database db of the configured Redis.
func NewRedisClient(cfg config.RedisConfig, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       db,
	})
}

// InitializeLLMClient creates the call envelope for cfg. The bucket shares the
// coordination client so every process draws from the same per-annotator
// budget. sink and c may be nil.
func InitializeLLMClient(
	cfg *config.Config,
	rdb redis.UniversalClient,
	sink metrics.Sink,
	c *metrics.Collectors,
) (llm.Client, error) {
	clientCfg := cfg.ClientConfig()

	deps := llm.Deps{Sink: sink}
	if clientCfg.RateLimit.Enabled {
		bucket, err := ratelimit.NewFromConfig(clientCfg.RateLimit, rdb)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
		}
		deps.Bucket = bucket
	}
	if c != nil {
		deps.WaitObserver = c.ObserveRateLimitWait
	}

	client, err := llm.NewClient(clientCfg, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	return client, nil
}

// Infra are the process-level handles the stack is built on.
type Infra struct {
	// Coordination holds checkpoints, worker records, buckets and metrics.
	Coordination redis.UniversalClient
	// Events receives the activity event log. Nil disables event emission.
	Events redis.UniversalClient
	// Registerer receives the Prometheus collectors. Nil skips them.
	Registerer prometheus.Registerer
}

// Components is the wired annotation stack shared by the local fleet, the
// Temporal worker, and the administrative commands.
type Components struct {
	Config     *config.Config
	Redis      redis.UniversalClient
	Store      checkpoint.Store
	Records    *storage.ExcelStore
	Malforms   *malform.Logger
	Samples    *source.Loader
	Reconciler *reconcile.Service
	Queue      *orchestration.Queue
	Processor  *orchestration.Processor
	Client     llm.Client
	Sink       metrics.Sink
	Collectors *metrics.Collectors
	Events     events.EventSink
}

// Build wires every component from cfg over infra.
func Build(cfg *config.Config, infra Infra) (*Components, error) {
	if infra.Coordination == nil {
		return nil, fmt.Errorf("%w: coordination redis client", orchestration.ErrMissingDependency)
	}
	s := cfg.Settings

	c := &Components{
		Config: cfg,
		Redis:  infra.Coordination,
		Store:  checkpoint.NewRedisStore(infra.Coordination),
		Events: events.NewNoOpEventSink(),
	}
	c.Sink = metrics.NewRedisSink(infra.Coordination)
	if infra.Registerer != nil {
		c.Collectors = metrics.NewCollectors(infra.Registerer)
		c.Sink = metrics.NewPrometheusSink(c.Sink, c.Collectors)
	}
	if infra.Events != nil {
		c.Events = events.NewRedisSink(infra.Events)
	}

	var err error
	if c.Records, err = storage.NewExcelStore(s.Data.OutputDir); err != nil {
		return nil, err
	}
	if c.Malforms, err = malform.NewLogger(infra.Coordination, s.Data.MalformDir); err != nil {
		return nil, err
	}
	c.Samples = source.NewLoader(s.Data.Source, infra.Coordination)

	var reconcileOpts []reconcile.Option
	if c.Collectors != nil {
		reconcileOpts = append(reconcileOpts, reconcile.WithCollectors(c.Collectors))
	}
	c.Reconciler = reconcile.NewService(c.Store, c.Records, reconcileOpts...)
	c.Queue = orchestration.NewQueue(c.Store, c.Reconciler, c.Samples, infra.Coordination)

	if c.Client, err = InitializeLLMClient(cfg, infra.Coordination, c.Sink, c.Collectors); err != nil {
		return nil, err
	}

	temperature := s.Model.Temperature
	procOpts := []orchestration.Option{orchestration.WithRequestDefaults(orchestration.RequestDefaults{
		Model:       s.Model.Name,
		Temperature: &temperature,
		MaxTokens:   s.Model.MaxTokens,
		MaxRetries:  s.Retry.MaxRetries,
		BaseDelay:   s.Retry.BaseDelay,
		Timeout:     s.Model.Timeout,
	})}
	if c.Collectors != nil {
		procOpts = append(procOpts, orchestration.WithCollectors(c.Collectors))
	}
	c.Processor, err = orchestration.NewProcessor(orchestration.Deps{
		Caller:   c.Client,
		Store:    c.Store,
		Records:  c.Records,
		Malforms: c.Malforms,
		Sink:     c.Sink,
		Prompts:  cfg.Prompts(),
	}, procOpts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Flush writes buffered records and malform files. It is called on shutdown.
func (c *Components) Flush(ctx context.Context) error {
	if err := c.Records.FlushAll(ctx); err != nil {
		return err
	}
	_, err := c.Malforms.ForceSyncAll(ctx)
	return err
}

// RunnerOptions translates the task settings into local runner options.
func (c *Components) RunnerOptions() []orchestration.RunnerOption {
	t := c.Config.Settings.Tasks
	return []orchestration.RunnerOption{
		orchestration.WithMaxResubmits(t.MaxResubmits),
		orchestration.WithMaxConsecutiveFailures(t.MaxConsecutiveFailures),
		orchestration.WithPausePoll(t.PausePoll),
	}
}

// Fleet returns a local fleet over the enabled workers' configuration.
func (c *Components) Fleet(parallelism int) *orchestration.Fleet {
	return orchestration.NewFleet(c.Processor, c.Store, c.Queue,
		orchestration.WithParallelism(parallelism),
		orchestration.WithSampleLimits(c.Config.SampleLimits()),
		orchestration.WithRunnerOptions(c.RunnerOptions()...),
	)
}
