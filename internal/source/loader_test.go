package source //nolint:testpackage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ahrav/go-annotator/internal/domain"
)

func writeSource(t *testing.T, path string, rows ...[]any) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &rows[i]))
	}
	require.NoError(t, f.SaveAs(path))
}

func defaultRows() [][]any {
	return [][]any{
		{"Sample_ID", "Text", "Source"},
		{"S001", "I feel hopeless lately", "forum"},
		{"S002", "Work has been stressful", ""},
		{"", "row without id", "forum"},
		{"S003", "Cannot sleep", "chat"},
		{"S001", "duplicate id", "forum"},
	}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "m_help_dataset.xlsx")
	writeSource(t, path, defaultRows()...)
	return path
}

func TestLoader_LoadAll(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(Config{Path: newSource(t)}, nil)

	samples, err := l.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Sample{
		{SampleID: "S001", Text: "I feel hopeless lately", Metadata: map[string]string{"Source": "forum"}},
		{SampleID: "S002", Text: "Work has been stressful"},
		{SampleID: "S003", Text: "Cannot sleep", Metadata: map[string]string{"Source": "chat"}},
	}, samples)

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	samples[0].Metadata["Source"] = "mutated"
	again, err := l.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "forum", again[0].Metadata["Source"], "callers get copies")
}

func TestLoader_SharesCopyThroughRedis(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	path := newSource(t)

	first := NewLoader(Config{Path: path}, client)
	ids, err := first.SampleIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"S001", "S002", "S003"}, ids)

	cached, err := mr.List(IDsKey)
	require.NoError(t, err)
	assert.Equal(t, ids, cached)
	assert.Equal(t, "Cannot sleep", mr.HGet(SampleKey("S003"), "text"))
	assert.Equal(t, DefaultCacheTTL, mr.TTL(IDsKey))

	require.NoError(t, os.Remove(path))
	second := NewLoader(Config{Path: path}, client)
	samples, err := second.LoadAll(ctx)
	require.NoError(t, err, "second process is served from redis")
	require.Len(t, samples, 3)
	assert.Equal(t, map[string]string{"Source": "chat"}, samples[2].Metadata)
}

func TestLoader_IgnoresPartialRedisCopy(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	path := newSource(t)

	_, err := NewLoader(Config{Path: path}, client).LoadAll(ctx)
	require.NoError(t, err)
	mr.Del(SampleKey("S002"))

	samples, err := NewLoader(Config{Path: path}, client).LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, samples, 3)
	assert.True(t, mr.Exists(SampleKey("S002")), "file reload restores the copy")
}

func TestLoader_ForceReload(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	path := newSource(t)
	l := NewLoader(Config{Path: path}, client)

	_, err := l.LoadAll(ctx)
	require.NoError(t, err)

	writeSource(t, path,
		[]any{"Sample_ID", "Text"},
		[]any{"N1", "new sample"},
	)
	ids, err := l.SampleIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 3, "cached until reloaded")

	samples, err := l.ForceReload(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Sample{{SampleID: "N1", Text: "new sample"}}, samples)
}

func TestLoader_Get(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	path := newSource(t)

	_, err := NewLoader(Config{Path: path}, client).LoadAll(ctx)
	require.NoError(t, err)

	l := NewLoader(Config{Path: path}, client)
	s, ok, err := l.Get(ctx, "S002")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Work has been stressful", s.Text)

	_, ok, err = l.Get(ctx, "S999")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoader_Batch(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(Config{Path: newSource(t)}, nil)

	tests := []struct {
		name        string
		start, size int
		want        []string
	}{
		{"first two", 0, 2, []string{"S001", "S002"}},
		{"clamped", 2, 10, []string{"S003"}},
		{"past end", 5, 2, nil},
		{"zero size", 0, 0, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			batch, err := l.Batch(ctx, tc.start, tc.size)
			require.NoError(t, err)
			var ids []string
			for _, s := range batch {
				ids = append(ids, s.SampleID)
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}

func TestLoader_Errors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		l := NewLoader(Config{Path: filepath.Join(dir, "nope.xlsx")}, nil)
		_, err := l.LoadAll(ctx)
		require.ErrorIs(t, err, ErrSourceNotFound)
		require.ErrorIs(t, l.Validate(), ErrSourceNotFound)
	})

	t.Run("missing text column", func(t *testing.T) {
		path := filepath.Join(dir, "no_text.xlsx")
		writeSource(t, path, []any{"Sample_ID", "Body"}, []any{"S1", "x"})
		l := NewLoader(Config{Path: path}, nil)
		_, err := l.LoadAll(ctx)
		require.ErrorIs(t, err, ErrMissingColumn)
		assert.Contains(t, err.Error(), "Text")
		require.ErrorIs(t, l.Validate(), ErrMissingColumn)
	})

	t.Run("custom columns", func(t *testing.T) {
		path := filepath.Join(dir, "custom.xlsx")
		writeSource(t, path, []any{"id", "post"}, []any{"P1", "hello"})
		l := NewLoader(Config{Path: path, IDColumn: "id", TextColumn: "post"}, nil)
		require.NoError(t, l.Validate())
		samples, err := l.LoadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []domain.Sample{{SampleID: "P1", Text: "hello"}}, samples)
	})

	t.Run("empty sheet", func(t *testing.T) {
		path := filepath.Join(dir, "empty.xlsx")
		writeSource(t, path)
		_, err := NewLoader(Config{Path: path}, nil).LoadAll(ctx)
		require.ErrorIs(t, err, ErrEmptySource)
	})
}
