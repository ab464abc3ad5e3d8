package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/ahrav/go-annotator/internal/domain"
)

// MemoryRecordStore keeps records in memory. Rows are stored immediately and
// truncated the same way ExcelStore truncates them. It backs dry runs and
// tests.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[domain.WorkerKey][]domain.AnnotationRecord
	exists  map[domain.WorkerKey]bool
}

// NewMemoryRecordStore returns an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[domain.WorkerKey][]domain.AnnotationRecord),
		exists:  make(map[domain.WorkerKey]bool),
	}
}

var _ RecordStore = (*MemoryRecordStore)(nil)

// Path implements RecordStore.
func (s *MemoryRecordStore) Path(key domain.WorkerKey) string {
	return "memory://" + FileName(key)
}

// Initialize implements RecordStore.
func (s *MemoryRecordStore) Initialize(_ context.Context, key domain.WorkerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exists[key] = true
	return nil
}

// AppendRow implements RecordStore.
func (s *MemoryRecordStore) AppendRow(_ context.Context, key domain.WorkerKey, rec domain.AnnotationRecord) error {
	if rec.SampleID == "" {
		return domain.ErrInvalidSampleID
	}
	rec.Text = Truncate(rec.Text, MaxCellLength)
	rec.RawResponse = Truncate(rec.RawResponse, MaxCellLength)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exists[key] = true
	s.records[key] = append(s.records[key], rec)
	return nil
}

// Flush implements RecordStore.
func (s *MemoryRecordStore) Flush(context.Context, domain.WorkerKey) error { return nil }

// FlushAll implements RecordStore.
func (s *MemoryRecordStore) FlushAll(context.Context) error { return nil }

// Records implements RecordStore.
func (s *MemoryRecordStore) Records(_ context.Context, key domain.WorkerKey) ([]domain.AnnotationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records[key]), nil
}

// CompletedIDs implements RecordStore.
func (s *MemoryRecordStore) CompletedIDs(ctx context.Context, key domain.WorkerKey) ([]string, error) {
	recs, _ := s.Records(ctx, key)
	return sampleIDs(recs), nil
}

// RowCount implements RecordStore.
func (s *MemoryRecordStore) RowCount(_ context.Context, key domain.WorkerKey) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[key]), nil
}

// MalformedCount implements RecordStore.
func (s *MemoryRecordStore) MalformedCount(_ context.Context, key domain.WorkerKey) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countMalformed(s.records[key]), nil
}

// LastCompletedID implements RecordStore.
func (s *MemoryRecordStore) LastCompletedID(_ context.Context, key domain.WorkerKey) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[key]
	if len(recs) == 0 {
		return "", nil
	}
	return recs[len(recs)-1].SampleID, nil
}

// FileInfo implements RecordStore.
func (s *MemoryRecordStore) FileInfo(_ context.Context, key domain.WorkerKey) (FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[key]
	info := FileInfo{
		Path:          s.Path(key),
		Exists:        s.exists[key],
		Rows:          len(recs),
		MalformedRows: countMalformed(recs),
	}
	if len(recs) > 0 {
		info.LastCompleteID = recs[len(recs)-1].SampleID
	}
	return info, nil
}

// Verify implements RecordStore.
func (s *MemoryRecordStore) Verify(_ context.Context, key domain.WorkerKey) (Integrity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.exists[key] {
		return Integrity{}, nil
	}
	ids := sampleIDs(s.records[key])
	return Integrity{
		Exists:       true,
		Readable:     true,
		HeaderOK:     true,
		Rows:         len(ids),
		DuplicateIDs: duplicates(ids),
	}, nil
}

// Remove implements RecordStore.
func (s *MemoryRecordStore) Remove(_ context.Context, key domain.WorkerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	delete(s.exists, key)
	return nil
}

// Keys returns the workers with a record, for diagnostics.
func (s *MemoryRecordStore) Keys() []domain.WorkerKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]domain.WorkerKey, 0, len(s.exists))
	for k := range s.exists {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b domain.WorkerKey) int {
		if a.AnnotatorID != b.AnnotatorID {
			return int(a.AnnotatorID) - int(b.AnnotatorID)
		}
		return cmp.Compare(a.Domain, b.Domain)
	})
	return keys
}
