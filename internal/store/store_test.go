package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "analysis_store"))
	require.NoError(t, err)
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := &Record{Status: "processing", TempFile: "/tmp/upload.gcode"}
	require.NoError(t, s.Set("an_123", rec))

	got, err := s.Get("an_123")
	require.NoError(t, err)
	assert.Equal(t, "an_123", got.AnalysisID)
	assert.Equal(t, "processing", got.Status)
	assert.Equal(t, "/tmp/upload.gcode", got.TempFile)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetPreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("an_1", &Record{Status: "processing"}))
	first, err := s.Get("an_1")
	require.NoError(t, err)

	s.now = func() time.Time { return first.CreatedAt.Add(time.Hour) }
	require.NoError(t, s.Set("an_1", &Record{Status: "completed"}))

	second, err := s.Get("an_1")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())
	assert.True(t, second.UpdatedAt.After(second.CreatedAt))
}

func TestUpdateMergesFields(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("an_1", &Record{Status: "processing"}))

	require.NoError(t, s.Update("an_1", map[string]interface{}{
		"status": "completed",
		"score":  87.5,
	}))
	require.NoError(t, s.Update("an_1", map[string]interface{}{
		"grade": "A",
	}))

	got, err := s.Get("an_1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 87.5, got.Result["score"])
	assert.Equal(t, "A", got.Result["grade"])

	// Nil removes a merged key.
	require.NoError(t, s.Update("an_1", map[string]interface{}{"score": nil}))
	got, err = s.Get("an_1")
	require.NoError(t, err)
	_, has := got.Result["score"]
	assert.False(t, has)
}

func TestUpdateCreatesMissingRecord(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Update("an_new", map[string]interface{}{"status": "failed", "error": "boom"}))
	got, err := s.Get("an_new")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "boom", got.Error)
}

func TestDeleteAndList(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("a", &Record{Status: "completed"}))
	require.NoError(t, s.Set("b", &Record{Status: "completed"}))

	ids, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, s.Delete("a"))
	require.NoError(t, s.Delete("a")) // idempotent

	ids, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestListIgnoresTempFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("a", &Record{Status: "completed"}))
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "b.json.tmp"), []byte("{}"), 0o644))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestCleanupOlderThan(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	s.now = func() time.Time { return base.Add(-48 * time.Hour) }
	require.NoError(t, s.Set("old", &Record{Status: "completed"}))
	s.now = func() time.Time { return base }
	require.NoError(t, s.Set("fresh", &Record{Status: "completed"}))

	removed, err := s.CleanupOlderThan(24)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get("old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get("fresh")
	assert.NoError(t, err)
}

func TestIDSanitization(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("../evil/id", &Record{Status: "completed"}))

	ids, err := s.List()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	// The record stays inside the store directory.
	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestConcurrentWritersLastOneWins(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.Update("shared", map[string]interface{}{"status": "processing"})
		}(i)
	}
	wg.Wait()

	got, err := s.Get("shared")
	require.NoError(t, err)
	assert.Equal(t, "processing", got.Status)
}

func TestCorruptRecordReportsNotFound(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "bad.json"), []byte("{not json"), 0o644))
	_, err := s.Get("bad")
	assert.ErrorIs(t, err, ErrNotFound)
}
