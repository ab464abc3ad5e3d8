package config

import (
	"time"

	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/llm/configuration"
	"github.com/ahrav/go-annotator/internal/observability"
	"github.com/ahrav/go-annotator/internal/source"
)

// Redis constants.
const (
	DefaultRedisHost = "localhost"
	DefaultRedisPort = 6379
	DefaultDBBroker  = 0
	DefaultDBBackend = 1
)

// Task execution constants.
const (
	DefaultTimeLimit              = 300 * time.Second
	DefaultSoftTimeLimit          = 240 * time.Second
	DefaultMaxResubmits           = configuration.DefaultMaxResubmits
	DefaultPausePoll              = 2 * time.Second
	DefaultMaxConsecutiveFailures = 5
)

// Worker constants.
const (
	DefaultConcurrency = 1
	DefaultBatchSize   = 1
)

// Storage location constants.
const (
	DefaultSourcePath = "data/source/m_help_dataset.xlsx"
	DefaultOutputDir  = "data/annotations"
	DefaultMalformDir = "data/malform_logs"
	DefaultArchiveDir = "data/archive"
	DefaultAuditLog   = "logs/admin_audit.log"
)

// Supervision and exposition constants.
const (
	DefaultTemporalHostPort = "localhost:7233"
	DefaultTemporalNS       = "default"
	DefaultHistoryBudget    = 500
	DefaultMetricsAddr      = ":9090"
)

// DefaultSettings returns the settings used when settings.yaml is absent and
// the base that settings.yaml overlays.
func DefaultSettings() Settings {
	return Settings{
		Redis: RedisConfig{
			Host:      DefaultRedisHost,
			Port:      DefaultRedisPort,
			DBBroker:  DefaultDBBroker,
			DBBackend: DefaultDBBackend,
		},
		Tasks: TaskConfig{
			TimeLimit:              DefaultTimeLimit,
			SoftTimeLimit:          DefaultSoftTimeLimit,
			MaxResubmits:           DefaultMaxResubmits,
			PausePoll:              DefaultPausePoll,
			MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Data: DataConfig{
			Source:     source.Config{Path: DefaultSourcePath},
			OutputDir:  DefaultOutputDir,
			MalformDir: DefaultMalformDir,
			ArchiveDir: DefaultArchiveDir,
			AuditLog:   DefaultAuditLog,
		},
		Model: ModelConfig{
			Name:        configuration.DefaultModelName,
			Endpoint:    configuration.DefaultGeminiEndpoint,
			Temperature: configuration.DefaultTemperature,
			MaxTokens:   configuration.DefaultMaxTokens,
			Timeout:     configuration.DefaultHTTPTimeoutSeconds * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:    configuration.DefaultMaxRetries,
			BaseDelay:     configuration.DefaultBaseDelay,
			MaxDelay:      configuration.DefaultMaxDelay,
			ResubmitDelay: configuration.DefaultResubmitDelay,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			Backend:           configuration.RateLimitBackendRedis,
			RequestsPerMinute: configuration.DefaultRequestsPerMinute,
			Capacity:          configuration.DefaultBucketCapacity,
		},
		Temporal: TemporalConfig{
			HostPort:      DefaultTemporalHostPort,
			Namespace:     DefaultTemporalNS,
			HistoryBudget: DefaultHistoryBudget,
		},
		Archive: ArchiveConfig{Backend: "local"},
		Metrics: MetricsConfig{Addr: DefaultMetricsAddr},
		Tracing: observability.TracingConfig{
			Exporter:    observability.ExporterNone,
			SampleRatio: 1,
		},
	}
}

func defaultWorker(key domain.WorkerKey) WorkerConfig {
	return WorkerConfig{
		Concurrency: DefaultConcurrency,
		Queue:       key.QueueName(),
		BatchSize:   DefaultBatchSize,
	}
}

// applyDefaults fills zero values that YAML leaves unset.
func (c *Config) applyDefaults() {
	for pool, pc := range c.Workers {
		id, err := poolAnnotator(pool)
		for d, wc := range pc.Domains {
			if wc.Concurrency == 0 {
				wc.Concurrency = DefaultConcurrency
			}
			if wc.BatchSize == 0 {
				wc.BatchSize = DefaultBatchSize
			}
			if wc.Queue == "" && err == nil {
				wc.Queue = domain.WorkerKey{AnnotatorID: id, Domain: d}.QueueName()
			}
			pc.Domains[d] = wc
		}
	}
}
