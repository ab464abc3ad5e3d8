// Package config loads the four YAML documents that drive a deployment:
// annotators.yaml (credentials and budgets), domains.yaml (prompt templates),
// workers.yaml (per annotator-domain worker settings) and settings.yaml
// (Redis, storage locations, model, retry, logging and supervision).
package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/llm/configuration"
	"github.com/ahrav/go-annotator/internal/observability"
	"github.com/ahrav/go-annotator/internal/source"
)

// Placeholder is substituted with the sample text when a prompt is rendered.
const Placeholder = "{text}"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var queueNamePattern = regexp.MustCompile(`^annotator_\d+_\w+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("prompt", func(fl validator.FieldLevel) bool {
		return strings.Contains(fl.Field().String(), Placeholder)
	})
	_ = v.RegisterValidation("queuename", func(fl validator.FieldLevel) bool {
		return queueNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
		_, err := regexp.Compile(fl.Field().String())
		return err == nil
	})
	v.RegisterStructValidation(redisStructLevel, RedisConfig{})
	v.RegisterStructValidation(tasksStructLevel, TaskConfig{})
	return v
}

func redisStructLevel(sl validator.StructLevel) {
	r, _ := sl.Current().Interface().(RedisConfig)
	if r.DBBroker == r.DBBackend {
		sl.ReportError(r.DBBackend, "db_backend", "DBBackend", "nefield", "db_broker")
	}
}

func tasksStructLevel(sl validator.StructLevel) {
	t, _ := sl.Current().Interface().(TaskConfig)
	if t.SoftTimeLimit >= t.TimeLimit {
		sl.ReportError(t.SoftTimeLimit, "soft_time_limit", "SoftTimeLimit", "ltfield", "time_limit")
	}
}

// Config is one validated snapshot of every configuration document. Treat it
// as immutable; Loader.Reload publishes a new snapshot instead of mutating.
type Config struct {
	Annotators map[domain.AnnotatorID]AnnotatorConfig `yaml:"annotators" validate:"required,dive"`
	Domains    map[domain.Domain]DomainConfig         `yaml:"domains" validate:"required,dive"`
	Workers    map[string]PoolConfig                  `yaml:"worker_pools" validate:"dive"`
	Settings   Settings                               `yaml:"settings"`
}

// AnnotatorConfig holds one annotator's identity and vendor credential.
type AnnotatorConfig struct {
	Name       string `yaml:"name" validate:"required"`
	APIKey     string `yaml:"api_key"`
	APIKeyEnv  string `yaml:"api_key_env"`
	Email      string `yaml:"email" validate:"required,email"`
	RateLimit  int    `yaml:"rate_limit" validate:"gt=0"`
	MaxRetries int    `yaml:"max_retries" validate:"gte=0,lte=10"`
}

// DomainConfig holds the prompt template of one domain.
type DomainConfig struct {
	Name           string           `yaml:"name" validate:"required"`
	PromptTemplate string           `yaml:"prompt_template" validate:"required,prompt"`
	Validation     *ValidationRules `yaml:"validation"`
}

// ValidationRules documents the expected response shape. The response
// validator owns the authoritative code sets; these rules are checked for
// consistency with the domain's label kind.
type ValidationRules struct {
	Pattern    string           `yaml:"pattern" validate:"required,regexp"`
	Type       domain.LabelKind `yaml:"type" validate:"required,oneof=single multi structured"`
	ValidCodes []string         `yaml:"valid_codes" validate:"required,min=1,dive,required"`
}

// PoolConfig is the per-annotator worker pool, keyed "annotator_<n>".
type PoolConfig struct {
	Domains map[domain.Domain]WorkerConfig `yaml:"domains" validate:"dive"`
}

// WorkerConfig controls one annotator-domain worker.
type WorkerConfig struct {
	Enabled     *bool  `yaml:"enabled"`
	Concurrency int    `yaml:"concurrency" validate:"gte=1,lte=10"`
	Queue       string `yaml:"queue" validate:"required,queuename"`
	SampleLimit int    `yaml:"sample_limit" validate:"gte=0"`
	BatchSize   int    `yaml:"batch_size" validate:"gte=1,lte=100"`
}

// IsEnabled reports whether the worker should run. Absent means enabled.
func (w WorkerConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

// Settings holds the process-wide knobs.
type Settings struct {
	Redis     RedisConfig                 `yaml:"redis"`
	Tasks     TaskConfig                  `yaml:"tasks"`
	Logging   LoggingConfig               `yaml:"logging"`
	Data      DataConfig                  `yaml:"data"`
	Model     ModelConfig                 `yaml:"model"`
	Retry     RetryConfig                 `yaml:"retry"`
	RateLimit RateLimitConfig             `yaml:"rate_limit"`
	Temporal  TemporalConfig              `yaml:"temporal"`
	Archive   ArchiveConfig               `yaml:"archive"`
	Metrics   MetricsConfig               `yaml:"metrics"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
}

// RedisConfig locates the coordination store. Broker and backend must use
// different logical databases.
type RedisConfig struct {
	Host      string `yaml:"host" validate:"required"`
	Port      int    `yaml:"port" validate:"gte=1,lte=65535"`
	DBBroker  int    `yaml:"db_broker" validate:"gte=0,lte=15"`
	DBBackend int    `yaml:"db_backend" validate:"gte=0,lte=15"`
	Password  string `yaml:"password"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string { return r.Host + ":" + strconv.Itoa(r.Port) }

// TaskConfig bounds a single unit's execution.
type TaskConfig struct {
	TimeLimit     time.Duration `yaml:"time_limit" validate:"gte=1m,lte=1h"`
	SoftTimeLimit time.Duration `yaml:"soft_time_limit" validate:"gte=30s,lte=1h"`
	MaxResubmits  int           `yaml:"max_resubmits" validate:"gte=0"`
	PausePoll     time.Duration `yaml:"pause_poll" validate:"gt=0"`
	// MaxConsecutiveFailures stops a worker after that many errors in a row.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" validate:"gte=0"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error DEBUG INFO WARN WARNING ERROR"`
	Format string `yaml:"format" validate:"oneof=text json"`
	File   string `yaml:"file"`
}

// DataConfig locates the source dataset and every output directory.
type DataConfig struct {
	Source     source.Config `yaml:"source"`
	OutputDir  string        `yaml:"output_dir" validate:"required"`
	MalformDir string        `yaml:"malform_dir" validate:"required"`
	ArchiveDir string        `yaml:"archive_dir" validate:"required"`
	AuditLog   string        `yaml:"audit_log" validate:"required"`
}

// ModelConfig sets the vendor model and endpoint.
type ModelConfig struct {
	Name        string        `yaml:"name" validate:"required"`
	Endpoint    string        `yaml:"endpoint" validate:"required,url"`
	Temperature float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `yaml:"max_tokens" validate:"gt=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
}

// RetryConfig mirrors the envelope's in-call retry policy.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	BaseDelay     time.Duration `yaml:"base_delay" validate:"gte=0"`
	MaxDelay      time.Duration `yaml:"max_delay" validate:"gte=0"`
	UseJitter     bool          `yaml:"use_jitter"`
	ResubmitDelay time.Duration `yaml:"resubmit_delay" validate:"gte=0"`
}

// RateLimitConfig sizes the per-annotator token bucket.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Backend           string  `yaml:"backend" validate:"oneof=redis local"`
	RequestsPerMinute float64 `yaml:"requests_per_minute" validate:"gt=0"`
	Capacity          float64 `yaml:"capacity" validate:"gt=0"`
}

// TemporalConfig locates the workflow service.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" validate:"required"`
	Namespace string `yaml:"namespace" validate:"required"`
	// HistoryBudget is the number of processed units after which a worker
	// workflow continues as new.
	HistoryBudget int `yaml:"history_budget" validate:"gte=1"`
}

// ArchiveConfig selects where reset and snapshot artifacts are archived.
type ArchiveConfig struct {
	Backend      string `yaml:"backend" validate:"oneof=local s3"`
	Endpoint     string `yaml:"endpoint" validate:"required_if=Backend s3"`
	Bucket       string `yaml:"bucket" validate:"required_if=Backend s3"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	UseSSL       bool   `yaml:"use_ssl"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// Validate checks struct rules and the cross-document constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for id := range c.Annotators {
		if !id.Valid() {
			return fmt.Errorf("%w: annotator %d: %w", ErrInvalidConfig, id, domain.ErrInvalidAnnotator)
		}
	}
	for d, dc := range c.Domains {
		if !d.Valid() {
			return fmt.Errorf("%w: domain %q: %w", ErrInvalidConfig, d, domain.ErrInvalidDomain)
		}
		if dc.Validation != nil && dc.Validation.Type != d.Kind() {
			return fmt.Errorf("%w: domain %s: validation type %s, want %s",
				ErrInvalidConfig, d, dc.Validation.Type, d.Kind())
		}
	}
	for pool, pc := range c.Workers {
		id, err := poolAnnotator(pool)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		if _, ok := c.Annotators[id]; !ok {
			return fmt.Errorf("%w: pool %s has no annotator entry", ErrInvalidConfig, pool)
		}
		for d, wc := range pc.Domains {
			if _, ok := c.Domains[d]; !ok {
				return fmt.Errorf("%w: pool %s: domain %q has no domain entry", ErrInvalidConfig, pool, d)
			}
			if want := (domain.WorkerKey{AnnotatorID: id, Domain: d}).QueueName(); wc.Queue != want {
				return fmt.Errorf("%w: pool %s: queue %q, want %q", ErrInvalidConfig, pool, wc.Queue, want)
			}
		}
	}
	return nil
}

// PoolName returns the worker pool key of an annotator, e.g. "annotator_1".
func PoolName(id domain.AnnotatorID) string { return "annotator_" + id.String() }

func poolAnnotator(pool string) (domain.AnnotatorID, error) {
	rest, ok := strings.CutPrefix(pool, "annotator_")
	if !ok {
		return 0, fmt.Errorf("pool %q: name must be annotator_<n>", pool)
	}
	id, err := domain.ParseAnnotatorID(rest)
	if err != nil {
		return 0, fmt.Errorf("pool %q: %w", pool, err)
	}
	return id, nil
}

// AnnotatorIDs returns the configured annotators in ascending order.
func (c *Config) AnnotatorIDs() []domain.AnnotatorID {
	ids := make([]domain.AnnotatorID, 0, len(c.Annotators))
	for id := range c.Annotators {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// DomainNames returns the configured domains in canonical order.
func (c *Config) DomainNames() []domain.Domain {
	out := make([]domain.Domain, 0, len(c.Domains))
	for _, d := range domain.AllDomains() {
		if _, ok := c.Domains[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Prompts returns the prompt template of every configured domain.
func (c *Config) Prompts() map[domain.Domain]string {
	out := make(map[domain.Domain]string, len(c.Domains))
	for d, dc := range c.Domains {
		out[d] = dc.PromptTemplate
	}
	return out
}

// Worker returns the settings of one worker. Keys absent from workers.yaml
// get an enabled default entry when both the annotator and domain exist.
func (c *Config) Worker(key domain.WorkerKey) (WorkerConfig, bool) {
	if _, ok := c.Annotators[key.AnnotatorID]; !ok {
		return WorkerConfig{}, false
	}
	if _, ok := c.Domains[key.Domain]; !ok {
		return WorkerConfig{}, false
	}
	if pc, ok := c.Workers[PoolName(key.AnnotatorID)]; ok {
		if wc, ok := pc.Domains[key.Domain]; ok {
			return wc, true
		}
	}
	return defaultWorker(key), true
}

// EnabledWorkers returns every enabled worker key, annotators ascending and
// domains in canonical order.
func (c *Config) EnabledWorkers() []domain.WorkerKey {
	var keys []domain.WorkerKey
	for _, key := range domain.AllWorkerKeys(c.AnnotatorIDs(), c.DomainNames()) {
		if wc, ok := c.Worker(key); ok && wc.IsEnabled() {
			keys = append(keys, key)
		}
	}
	return keys
}

// SampleLimits returns the configured sample limit of every worker that has
// one.
func (c *Config) SampleLimits() map[domain.WorkerKey]int {
	out := make(map[domain.WorkerKey]int)
	for _, key := range c.EnabledWorkers() {
		if wc, _ := c.Worker(key); wc.SampleLimit > 0 {
			out[key] = wc.SampleLimit
		}
	}
	return out
}

// ClientConfig builds the envelope configuration: one provider per annotator
// plus the model, retry and rate-limit settings.
func (c *Config) ClientConfig() *configuration.Config {
	cc := configuration.DefaultConfig()
	cc.HTTPTimeout = c.Settings.Model.Timeout
	for id, a := range c.Annotators {
		cc.Providers[id.String()] = configuration.ProviderConfig{
			Endpoint:  c.Settings.Model.Endpoint,
			APIKey:    a.APIKey,
			APIKeyEnv: a.APIKeyEnv,
			Timeout:   c.Settings.Model.Timeout,
		}
	}
	cc.Model = configuration.ModelConfig{
		Name:        c.Settings.Model.Name,
		Temperature: c.Settings.Model.Temperature,
		MaxTokens:   c.Settings.Model.MaxTokens,
	}
	cc.Retry = configuration.RetryConfig{
		MaxRetries:    c.Settings.Retry.MaxRetries,
		BaseDelay:     c.Settings.Retry.BaseDelay,
		MaxDelay:      c.Settings.Retry.MaxDelay,
		UseJitter:     c.Settings.Retry.UseJitter,
		ResubmitDelay: c.Settings.Retry.ResubmitDelay,
		MaxResubmits:  c.Settings.Tasks.MaxResubmits,
	}
	cc.RateLimit.Enabled = c.Settings.RateLimit.Enabled
	cc.RateLimit.Backend = c.Settings.RateLimit.Backend
	cc.RateLimit.RequestsPerMinute = c.Settings.RateLimit.RequestsPerMinute
	cc.RateLimit.Capacity = c.Settings.RateLimit.Capacity
	cc.Observability.LogLevel = strings.ToLower(c.Settings.Logging.Level)
	cc.Observability.LogFormat = c.Settings.Logging.Format
	cc.Observability.Tracing = c.Settings.Tracing.Exporter != "" &&
		c.Settings.Tracing.Exporter != observability.ExporterNone
	return cc
}

// CheckCredentials resolves every annotator's API key and reports the ones
// that are unavailable.
func (c *Config) CheckCredentials() error {
	var missing []string
	providers := c.ClientConfig().Providers
	for _, id := range c.AnnotatorIDs() {
		p := providers[id.String()]
		if _, err := p.ResolveAPIKey(); err != nil {
			missing = append(missing, fmt.Sprintf("annotator %d: %v", id, err))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", configuration.ErrMissingAPIKey, strings.Join(missing, "; "))
	}
	return nil
}
