// Package malform records model responses that failed validation. Entries
// live in Redis for live inspection and are synced to one JSON file per
// worker for retention.
package malform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/ahrav/go-annotator/internal/domain"
	llmerrors "github.com/ahrav/go-annotator/internal/llm/errors"
)

// Defaults for retention and file sync.
const (
	DefaultTTL          = 7 * 24 * time.Hour
	DefaultSyncEvery    = 50
	DefaultSyncInterval = 300 * time.Second
)

const (
	entryPrefix = "malform"
	countPrefix = "malform_count"
	scanCount   = 500
)

// EntryKey returns "malform:{a}:{d}:{sample}".
func EntryKey(key domain.WorkerKey, sampleID string) string {
	return fmt.Sprintf("%s:%d:%s:%s", entryPrefix, key.AnnotatorID, key.Domain, sampleID)
}

// CountKey returns the sorted set "malform_count:{a}:{d}" scored by log time.
func CountKey(key domain.WorkerKey) string {
	return fmt.Sprintf("%s:%d:%s", countPrefix, key.AnnotatorID, key.Domain)
}

func workerPattern(key domain.WorkerKey) string {
	return fmt.Sprintf("%s:%d:%s:*", entryPrefix, key.AnnotatorID, key.Domain)
}

// Summary counts one annotator's malforms per domain.
type Summary struct {
	AnnotatorID domain.AnnotatorID      `json:"annotator_id"`
	Total       int64                   `json:"total_malforms"`
	ByDomain    map[domain.Domain]int64 `json:"by_domain"`
}

// Statistics aggregates every malform entry in Redis.
type Statistics struct {
	Total       int                        `json:"total_malforms"`
	ByAnnotator map[domain.AnnotatorID]int `json:"by_annotator"`
	ByDomain    map[domain.Domain]int      `json:"by_domain"`
	ByErrorType ErrorTypeCounts            `json:"by_error_type"`
}

// ErrorTypeCounts splits malforms by which check failed.
type ErrorTypeCounts struct {
	Parsing  int `json:"parsing"`
	Validity int `json:"validity"`
}

// File is the on-disk JSON layout of one worker's malforms.
type File struct {
	AnnotatorID   domain.AnnotatorID             `json:"annotator_id"`
	Domain        domain.Domain                  `json:"domain"`
	CreatedAt     time.Time                      `json:"created_at"`
	LastUpdated   time.Time                      `json:"last_updated"`
	TotalMalforms int                            `json:"total_malforms"`
	Malforms      map[string]domain.MalformError `json:"malforms"`
}

// ErrInvalidFile is returned by LoadFromJSON for files without a valid worker.
var ErrInvalidFile = errors.New("invalid malform file")

// Logger stores malforms in Redis and syncs them to JSON files.
type Logger struct {
	client       redis.UniversalClient
	dir          string
	ttl          time.Duration
	syncEvery    int
	syncInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu       sync.Mutex
	pending  map[domain.WorkerKey]int
	lastSync map[domain.WorkerKey]time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithSyncPolicy sets the count and interval thresholds for file sync.
func WithSyncPolicy(every int, interval time.Duration) Option {
	return func(l *Logger) {
		if every > 0 {
			l.syncEvery = every
		}
		if interval > 0 {
			l.syncInterval = interval
		}
	}
}

// WithTTL sets the expiry of Redis entries.
func WithTTL(ttl time.Duration) Option {
	return func(l *Logger) { l.ttl = ttl }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger returns a Logger writing JSON files into dir.
func NewLogger(client redis.UniversalClient, dir string, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, llmerrors.NewStorageError("mkdir", dir, err)
	}
	l := &Logger{
		client:       client,
		dir:          dir,
		ttl:          DefaultTTL,
		syncEvery:    DefaultSyncEvery,
		syncInterval: DefaultSyncInterval,
		now:          time.Now,
		logger:       slog.Default().With("component", "malform"),
		pending:      make(map[domain.WorkerKey]int),
		lastSync:     make(map[domain.WorkerKey]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// FilePath returns "annotator_{a}_{d}_malforms.json" under the log directory.
func (l *Logger) FilePath(key domain.WorkerKey) string {
	return filepath.Join(l.dir, fmt.Sprintf("annotator_%d_%s_malforms.json", key.AnnotatorID, key.Domain))
}

// Log stores m and syncs the worker's file once enough entries or time have
// accumulated. Sync failures are logged, not returned.
func (l *Logger) Log(ctx context.Context, m domain.MalformError) error {
	if m.SampleID == "" {
		return domain.ErrInvalidSampleID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = l.now()
	}
	if err := l.store(ctx, m); err != nil {
		return err
	}

	key := m.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[key]++
	due := l.pending[key] >= l.syncEvery || l.now().Sub(l.lastSync[key]) >= l.syncInterval
	if due {
		if err := l.syncLocked(ctx, key); err != nil {
			l.logger.Error("malform sync failed", "worker", key.String(), "error", err)
		}
	}
	l.logger.Debug("logged malform", "worker", key.String(), "sample_id", m.SampleID)
	return nil
}

func (l *Logger) store(ctx context.Context, m domain.MalformError) error {
	key := m.Key()
	entry := EntryKey(key, m.SampleID)
	count := CountKey(key)
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, entry, toFields(m))
		p.Expire(ctx, entry, l.ttl)
		p.ZAdd(ctx, count, redis.Z{Score: float64(m.Timestamp.Unix()), Member: m.SampleID})
		p.Expire(ctx, count, l.ttl)
		return nil
	})
	return llmerrors.NewStorageError("log_malform", entry, err)
}

// List returns a worker's malforms ordered by time.
func (l *Logger) List(ctx context.Context, key domain.WorkerKey) ([]domain.MalformError, error) {
	keys, err := l.scan(ctx, workerPattern(key))
	if err != nil {
		return nil, err
	}
	out := make([]domain.MalformError, 0, len(keys))
	for _, k := range keys {
		fields, err := l.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, llmerrors.NewStorageError("hgetall", k, err)
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, fromFields(fields))
	}
	slices.SortFunc(out, func(a, b domain.MalformError) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.SampleID, b.SampleID)
	})
	return out, nil
}

// BySample returns the malform for one sample, if any.
func (l *Logger) BySample(ctx context.Context, key domain.WorkerKey, sampleID string) (domain.MalformError, bool, error) {
	k := EntryKey(key, sampleID)
	fields, err := l.client.HGetAll(ctx, k).Result()
	if err != nil {
		return domain.MalformError{}, false, llmerrors.NewStorageError("hgetall", k, err)
	}
	if len(fields) == 0 {
		return domain.MalformError{}, false, nil
	}
	return fromFields(fields), true, nil
}

// Summary counts an annotator's malforms in every domain.
func (l *Logger) Summary(ctx context.Context, annotator domain.AnnotatorID) (Summary, error) {
	s := Summary{AnnotatorID: annotator, ByDomain: make(map[domain.Domain]int64)}
	for _, d := range domain.AllDomains() {
		k := CountKey(domain.WorkerKey{AnnotatorID: annotator, Domain: d})
		n, err := l.client.ZCard(ctx, k).Result()
		if err != nil {
			return s, llmerrors.NewStorageError("zcard", k, err)
		}
		s.ByDomain[d] = n
		s.Total += n
	}
	return s, nil
}

// Statistics aggregates all entries.
func (l *Logger) Statistics(ctx context.Context) (Statistics, error) {
	stats := Statistics{
		ByAnnotator: make(map[domain.AnnotatorID]int),
		ByDomain:    make(map[domain.Domain]int),
	}
	keys, err := l.scan(ctx, entryPrefix+":*")
	if err != nil {
		return stats, err
	}
	for _, k := range keys {
		fields, err := l.client.HGetAll(ctx, k).Result()
		if err != nil {
			return stats, llmerrors.NewStorageError("hgetall", k, err)
		}
		if len(fields) == 0 {
			continue
		}
		m := fromFields(fields)
		stats.Total++
		stats.ByAnnotator[m.AnnotatorID]++
		stats.ByDomain[m.Domain]++
		switch {
		case m.ParsingError != "":
			stats.ByErrorType.Parsing++
		case m.ValidityError != "":
			stats.ByErrorType.Validity++
		}
	}
	return stats, nil
}

// Clear deletes a worker's Redis entries and returns how many there were.
// The JSON file is left in place.
func (l *Logger) Clear(ctx context.Context, key domain.WorkerKey) (int, error) {
	keys, err := l.scan(ctx, workerPattern(key))
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := l.client.Del(ctx, append(keys, CountKey(key))...).Err(); err != nil {
		return 0, llmerrors.NewStorageError("clear_malforms", workerPattern(key), err)
	}

	l.mu.Lock()
	delete(l.pending, key)
	l.mu.Unlock()

	l.logger.Info("cleared malforms", "worker", key.String(), "count", len(keys))
	return len(keys), nil
}

// ForceSync writes the worker's file now.
func (l *Logger) ForceSync(ctx context.Context, key domain.WorkerKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked(ctx, key)
}

// ForceSyncAll syncs every worker with entries in Redis and returns how many
// files were written.
func (l *Logger) ForceSyncAll(ctx context.Context) (int, error) {
	keys, err := l.scan(ctx, entryPrefix+":*")
	if err != nil {
		return 0, err
	}
	workers := make(map[domain.WorkerKey]struct{})
	for _, k := range keys {
		parts := strings.SplitN(k, ":", 4)
		if len(parts) < 4 {
			continue
		}
		a, err := domain.ParseAnnotatorID(parts[1])
		if err != nil {
			continue
		}
		d, err := domain.ParseDomain(parts[2])
		if err != nil {
			continue
		}
		workers[domain.WorkerKey{AnnotatorID: a, Domain: d}] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	synced := 0
	var errs error
	for key := range workers {
		if err := l.syncLocked(ctx, key); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		synced++
	}
	l.logger.Info("forced malform sync", "workers", synced)
	return synced, errs
}

// syncLocked merges the worker's Redis entries into its JSON file. Entries
// already in the file are kept. Callers hold l.mu.
func (l *Logger) syncLocked(ctx context.Context, key domain.WorkerKey) error {
	path := l.FilePath(key)
	file, err := readFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		now := l.now()
		file = File{
			AnnotatorID: key.AnnotatorID,
			Domain:      key.Domain,
			CreatedAt:   now,
			Malforms:    make(map[string]domain.MalformError),
		}
	case err != nil:
		return llmerrors.NewStorageError("sync_malforms", path, err)
	}

	entries, err := l.List(ctx, key)
	if err != nil {
		return err
	}
	for _, m := range entries {
		file.Malforms[m.SampleID] = m
	}
	file.LastUpdated = l.now()
	file.TotalMalforms = len(file.Malforms)

	if err := writeFile(path, file); err != nil {
		return llmerrors.NewStorageError("sync_malforms", path, err)
	}
	l.pending[key] = 0
	l.lastSync[key] = l.now()
	l.logger.Info("synced malforms", "worker", key.String(), "total", file.TotalMalforms, "path", path)
	return nil
}

// LoadFromJSON restores a malform file into Redis and returns the number of
// entries loaded.
func (l *Logger) LoadFromJSON(ctx context.Context, path string) (int, error) {
	file, err := readFile(path)
	if err != nil {
		return 0, fmt.Errorf("load malforms %s: %w", path, err)
	}
	if !file.AnnotatorID.Valid() || !file.Domain.Valid() {
		return 0, fmt.Errorf("%w: %s missing annotator_id or domain", ErrInvalidFile, path)
	}
	n := 0
	for sid, m := range file.Malforms {
		m.SampleID = sid
		m.AnnotatorID = file.AnnotatorID
		m.Domain = file.Domain
		if m.Timestamp.IsZero() {
			m.Timestamp = l.now()
		}
		if err := l.store(ctx, m); err != nil {
			return n, err
		}
		n++
	}
	l.logger.Info("loaded malforms", "path", path, "count", n)
	return n, nil
}

func (l *Logger) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := l.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, llmerrors.NewStorageError("scan", pattern, err)
	}
	return keys, nil
}

func readFile(path string) (File, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is built from the log directory or supplied by an operator
	if err != nil {
		return File{}, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	if f.Malforms == nil {
		f.Malforms = make(map[string]domain.MalformError)
	}
	return f, nil
}

func writeFile(path string, f File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func toFields(m domain.MalformError) map[string]string {
	return map[string]string{
		"sample_id":      m.SampleID,
		"domain":         string(m.Domain),
		"annotator_id":   strconv.Itoa(int(m.AnnotatorID)),
		"timestamp":      m.Timestamp.UTC().Format(time.RFC3339Nano),
		"sample_text":    m.SampleText,
		"raw_response":   m.RawResponse,
		"parsing_error":  m.ParsingError,
		"validity_error": m.ValidityError,
		"retry_count":    strconv.Itoa(m.RetryCount),
		"task_id":        m.TaskID,
	}
}

func fromFields(f map[string]string) domain.MalformError {
	a, _ := strconv.Atoi(f["annotator_id"])
	retries, _ := strconv.Atoi(f["retry_count"])
	ts, _ := time.Parse(time.RFC3339Nano, f["timestamp"])
	return domain.MalformError{
		SampleID:      f["sample_id"],
		Domain:        domain.Domain(f["domain"]),
		AnnotatorID:   domain.AnnotatorID(a),
		Timestamp:     ts,
		SampleText:    f["sample_text"],
		RawResponse:   f["raw_response"],
		ParsingError:  f["parsing_error"],
		ValidityError: f["validity_error"],
		RetryCount:    retries,
		TaskID:        f["task_id"],
	}
}
