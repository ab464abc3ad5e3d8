// Package source loads the sample dataset every worker annotates. Samples
// are read from a spreadsheet once, then served from an in-process TTL cache
// backed by a shared Redis copy so other processes skip the file parse.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
	"github.com/xuri/excelize/v2"

	"github.com/ahrav/go-annotator/internal/domain"
	llmerrors "github.com/ahrav/go-annotator/internal/llm/errors"
)

// Redis keys of the shared dataset copy.
const (
	IDsKey       = "source:sample_ids"
	samplePrefix = "source:sample:"
)

// Defaults for column names and cache lifetime.
const (
	DefaultIDColumn   = "Sample_ID"
	DefaultTextColumn = "Text"
	DefaultCacheTTL   = 24 * time.Hour
)

var (
	// ErrSourceNotFound is returned when the dataset file is missing.
	ErrSourceNotFound = errors.New("source file not found")
	// ErrMissingColumn is returned when a required column is absent.
	ErrMissingColumn = errors.New("missing required column")
	// ErrEmptySource is returned for a file without a header row.
	ErrEmptySource = errors.New("source file has no rows")
)

// SampleKey returns the Redis hash key of one cached sample.
func SampleKey(id string) string { return samplePrefix + id }

// Config locates the dataset.
type Config struct {
	Path       string        `yaml:"path" validate:"required"`
	Sheet      string        `yaml:"sheet"`
	IDColumn   string        `yaml:"id_column"`
	TextColumn string        `yaml:"text_column"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

func (c Config) withDefaults() Config {
	if c.IDColumn == "" {
		c.IDColumn = DefaultIDColumn
	}
	if c.TextColumn == "" {
		c.TextColumn = DefaultTextColumn
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return c
}

// dataset is one parsed copy of the source file.
type dataset struct {
	ids  []string
	byID map[string]domain.Sample
}

func newDataset(samples []domain.Sample) dataset {
	ds := dataset{
		ids:  make([]string, 0, len(samples)),
		byID: make(map[string]domain.Sample, len(samples)),
	}
	for _, s := range samples {
		if _, dup := ds.byID[s.SampleID]; dup {
			continue
		}
		ds.ids = append(ds.ids, s.SampleID)
		ds.byID[s.SampleID] = s
	}
	return ds
}

func (d dataset) samples() []domain.Sample {
	out := make([]domain.Sample, len(d.ids))
	for i, id := range d.ids {
		out[i] = d.byID[id].Clone()
	}
	return out
}

// Loader serves the dataset. A nil Redis client disables the shared copy.
type Loader struct {
	cfg    Config
	client redis.UniversalClient
	cache  *ttlcache.Cache[string, dataset]
	logger *slog.Logger

	// mu serializes loads so concurrent callers parse the file once.
	mu sync.Mutex
}

// NewLoader returns a Loader for cfg.
func NewLoader(cfg Config, client redis.UniversalClient) *Loader {
	cfg = cfg.withDefaults()
	return &Loader{
		cfg:    cfg,
		client: client,
		cache: ttlcache.New[string, dataset](
			ttlcache.WithTTL[string, dataset](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, dataset](),
		),
		logger: slog.Default().With("component", "source"),
	}
}

// Path returns the dataset file path.
func (l *Loader) Path() string { return l.cfg.Path }

// Validate checks the file exists and has the id and text columns.
func (l *Loader) Validate() error {
	f, sheet, err := l.open()
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := f.Rows(sheet)
	if err != nil {
		return fmt.Errorf("read %s: %w", l.cfg.Path, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return fmt.Errorf("%w: %s", ErrEmptySource, l.cfg.Path)
	}
	header, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("read header of %s: %w", l.cfg.Path, err)
	}
	_, _, err = l.columns(header)
	return err
}

// LoadAll returns every sample in file order.
func (l *Loader) LoadAll(ctx context.Context) ([]domain.Sample, error) {
	ds, err := l.load(ctx, false)
	if err != nil {
		return nil, err
	}
	return ds.samples(), nil
}

// ForceReload re-reads the file and refreshes both caches.
func (l *Loader) ForceReload(ctx context.Context) ([]domain.Sample, error) {
	ds, err := l.load(ctx, true)
	if err != nil {
		return nil, err
	}
	return ds.samples(), nil
}

// SampleIDs returns the sample ids in file order.
func (l *Loader) SampleIDs(ctx context.Context) ([]string, error) {
	ds, err := l.load(ctx, false)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), ds.ids...), nil
}

// Count returns the number of samples.
func (l *Loader) Count(ctx context.Context) (int, error) {
	ds, err := l.load(ctx, false)
	if err != nil {
		return 0, err
	}
	return len(ds.ids), nil
}

// Batch returns up to size samples starting at start.
func (l *Loader) Batch(ctx context.Context, start, size int) ([]domain.Sample, error) {
	ds, err := l.load(ctx, false)
	if err != nil {
		return nil, err
	}
	if start < 0 || start >= len(ds.ids) || size <= 0 {
		return nil, nil
	}
	end := min(start+size, len(ds.ids))
	out := make([]domain.Sample, 0, end-start)
	for _, id := range ds.ids[start:end] {
		out = append(out, ds.byID[id].Clone())
	}
	return out, nil
}

// Get returns one sample. The shared Redis copy is consulted before the
// dataset is loaded.
func (l *Loader) Get(ctx context.Context, id string) (domain.Sample, bool, error) {
	if item := l.cache.Get(l.cfg.Path); item != nil {
		s, ok := item.Value().byID[id]
		return s.Clone(), ok, nil
	}
	if l.client != nil {
		fields, err := l.client.HGetAll(ctx, SampleKey(id)).Result()
		if err == nil && len(fields) > 0 {
			return fromFields(id, fields), true, nil
		}
	}
	ds, err := l.load(ctx, false)
	if err != nil {
		return domain.Sample{}, false, err
	}
	s, ok := ds.byID[id]
	if !ok {
		l.logger.Warn("sample not found", "sample_id", id)
	}
	return s.Clone(), ok, nil
}

func (l *Loader) load(ctx context.Context, force bool) (dataset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !force {
		if item := l.cache.Get(l.cfg.Path); item != nil {
			return item.Value(), nil
		}
		if ds, ok := l.fromRedis(ctx); ok {
			l.logger.Info("loaded samples from shared cache", "count", len(ds.ids))
			l.cache.Set(l.cfg.Path, ds, ttlcache.DefaultTTL)
			return ds, nil
		}
	}

	samples, err := l.readFile()
	if err != nil {
		return dataset{}, err
	}
	ds := newDataset(samples)
	l.logger.Info("loaded samples from file", "path", l.cfg.Path, "count", len(ds.ids))
	l.cache.Set(l.cfg.Path, ds, ttlcache.DefaultTTL)
	l.toRedis(ctx, ds)
	return ds, nil
}

// fromRedis reads the shared copy. Partial copies are ignored.
func (l *Loader) fromRedis(ctx context.Context) (dataset, bool) {
	if l.client == nil {
		return dataset{}, false
	}
	ids, err := l.client.LRange(ctx, IDsKey, 0, -1).Result()
	if err != nil || len(ids) == 0 {
		return dataset{}, false
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = l.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, SampleKey(id))
		}
		return nil
	})
	if err != nil {
		l.logger.Warn("shared sample cache read failed", "error", err)
		return dataset{}, false
	}
	samples := make([]domain.Sample, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			return dataset{}, false
		}
		samples = append(samples, fromFields(ids[i], fields))
	}
	return newDataset(samples), true
}

// toRedis replaces the shared copy. Failures only cost other processes a
// file parse, so they are logged.
func (l *Loader) toRedis(ctx context.Context, ds dataset) {
	if l.client == nil || len(ds.ids) == 0 {
		return
	}
	ttl := l.cfg.CacheTTL
	_, err := l.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, IDsKey)
		ids := make([]any, len(ds.ids))
		for i, id := range ds.ids {
			ids[i] = id
		}
		p.RPush(ctx, IDsKey, ids...)
		p.Expire(ctx, IDsKey, ttl)
		for _, id := range ds.ids {
			p.HSet(ctx, SampleKey(id), toFields(ds.byID[id]))
			p.Expire(ctx, SampleKey(id), ttl)
		}
		return nil
	})
	if err != nil {
		l.logger.Warn("caching samples in redis failed", "error", llmerrors.NewStorageError("cache_samples", IDsKey, err))
		return
	}
	l.logger.Debug("cached samples in redis", "count", len(ds.ids))
}

func (l *Loader) open() (*excelize.File, string, error) {
	if _, err := os.Stat(l.cfg.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: %s", ErrSourceNotFound, l.cfg.Path)
		}
		return nil, "", err
	}
	f, err := excelize.OpenFile(l.cfg.Path)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", l.cfg.Path, err)
	}
	sheet := l.cfg.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	return f, sheet, nil
}

func (l *Loader) columns(header []string) (idCol, textCol int, err error) {
	idCol, textCol = -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case l.cfg.IDColumn:
			idCol = i
		case l.cfg.TextColumn:
			textCol = i
		}
	}
	if idCol < 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrMissingColumn, l.cfg.IDColumn)
	}
	if textCol < 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrMissingColumn, l.cfg.TextColumn)
	}
	return idCol, textCol, nil
}

func (l *Loader) readFile() ([]domain.Sample, error) {
	f, sheet, err := l.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.cfg.Path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySource, l.cfg.Path)
	}
	header := rows[0]
	idCol, textCol, err := l.columns(header)
	if err != nil {
		return nil, err
	}

	samples := make([]domain.Sample, 0, len(rows)-1)
	for _, row := range rows[1:] {
		id := strings.TrimSpace(cell(row, idCol))
		if id == "" {
			continue
		}
		s := domain.Sample{SampleID: id, Text: cell(row, textCol)}
		for i, name := range header {
			if i == idCol || i == textCol || name == "" {
				continue
			}
			if v := cell(row, i); v != "" {
				if s.Metadata == nil {
					s.Metadata = make(map[string]string)
				}
				s.Metadata[name] = v
			}
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

func toFields(s domain.Sample) map[string]string {
	meta, _ := json.Marshal(s.Metadata)
	return map[string]string{
		"sample_id": s.SampleID,
		"text":      s.Text,
		"metadata":  string(meta),
	}
}

func fromFields(id string, f map[string]string) domain.Sample {
	s := domain.Sample{SampleID: f["sample_id"], Text: f["text"]}
	if s.SampleID == "" {
		s.SampleID = id
	}
	if raw := f["metadata"]; raw != "" && raw != "null" {
		_ = json.Unmarshal([]byte(raw), &s.Metadata)
	}
	return s
}
