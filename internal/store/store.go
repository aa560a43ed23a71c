// Package store is the filesystem analysis store: one JSON file per
// analysis ID. It is the only mechanism through which concurrent workers
// share in-flight state, so writes are atomic (tmp then rename) and reads
// take a shared advisory lock.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"gcodecheck/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned by Get for missing or unreadable records.
var ErrNotFound = errors.New("analysis record not found")

// StoreError wraps a filesystem failure during a store mutation.
type StoreError struct {
	Op  string
	ID  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

const (
	readRetries    = 3
	retryBaseDelay = 100 * time.Millisecond
)

// Record is one persisted analysis. Result and Error are optional.
type Record struct {
	AnalysisID string                 `json:"analysis_id"`
	Status     string                 `json:"status"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	TempFile   string                 `json:"temp_file,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Store is a directory of analysis records.
type Store struct {
	dir string
	now func() time.Time
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StoreError{Op: "init", Err: err}
	}
	return &Store{dir: dir, now: time.Now}, nil
}

func (s *Store) path(id string) string {
	// IDs become file names; path separators would escape the store dir.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
	return filepath.Join(s.dir, safe+".json")
}

// Get reads one record. Any read failure after retries reports ErrNotFound.
func (s *Store) Get(id string) (*Record, error) {
	data, err := s.readLocked(s.path(id))
	if err != nil {
		logging.Store("get %s failed: %v", id, err)
		return nil, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		logging.Store("get %s: corrupt record: %v", id, err)
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Set writes a record, stamping CreatedAt on first write and UpdatedAt
// always. The write replaces atomically.
func (s *Store) Set(id string, rec *Record) error {
	rec.AnalysisID = id
	rec.UpdatedAt = s.now()
	if rec.CreatedAt.IsZero() {
		if prev, err := s.Get(id); err == nil {
			rec.CreatedAt = prev.CreatedAt
		} else {
			rec.CreatedAt = rec.UpdatedAt
		}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return &StoreError{Op: "set", ID: id, Err: err}
	}
	if err := s.writeAtomic(s.path(id), data); err != nil {
		return &StoreError{Op: "set", ID: id, Err: err}
	}
	return nil
}

// Update merges fields into an existing record (creating it if absent)
// and refreshes UpdatedAt. Nil values in fields delete keys from Result.
func (s *Store) Update(id string, fields map[string]interface{}) error {
	rec, err := s.Get(id)
	if err != nil {
		rec = &Record{AnalysisID: id, CreatedAt: s.now()}
	}
	for k, v := range fields {
		switch k {
		case "status":
			if str, ok := v.(string); ok {
				rec.Status = str
			}
		case "error":
			if str, ok := v.(string); ok {
				rec.Error = str
			}
		case "temp_file":
			if str, ok := v.(string); ok {
				rec.TempFile = str
			}
		case "result":
			if m, ok := v.(map[string]interface{}); ok {
				rec.Result = m
			}
		default:
			if rec.Result == nil {
				rec.Result = make(map[string]interface{})
			}
			if v == nil {
				delete(rec.Result, k)
			} else {
				rec.Result[k] = v
			}
		}
	}
	return s.Set(id, rec)
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return &StoreError{Op: "delete", ID: id, Err: err}
	}
	return nil
}

// List returns every record ID in the store.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.tmp") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// CleanupOlderThan deletes records whose UpdatedAt is older than the given
// number of hours. Returns the number removed.
func (s *Store) CleanupOlderThan(hours float64) (int, error) {
	ids, err := s.List()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-time.Duration(hours * float64(time.Hour)))
	removed := 0
	for _, id := range ids {
		rec, err := s.Get(id)
		if err != nil {
			continue
		}
		if rec.UpdatedAt.Before(cutoff) {
			if err := s.Delete(id); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		logging.Store("cleanup removed %d records older than %.0fh", removed, hours)
	}
	return removed, nil
}

// writeAtomic writes to <path>.tmp then renames over the target.
func (s *Store) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// readLocked reads a file under a shared advisory lock, retrying with
// linear backoff on locking or permission conflicts.
func (s *Store) readLocked(path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * retryBaseDelay)
		}
		data, err := readWithSharedLock(path)
		if err == nil {
			return data, nil
		}
		if os.IsNotExist(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
