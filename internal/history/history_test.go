package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdmguard/internal/model"
)

func TestFormatAndParseLine(t *testing.T) {
	rec := model.RunRecord{
		Timestamp: time.Date(2025, 9, 17, 21, 16, 0, 0, time.UTC),
		Input:     "data/data_raw/mdm logs.csv",
		Output:    "data/alerts/alerts_20250917_211600.csv",
		Model:     "ensemble-isolation",
		Params:    "cont=0.05 trees=200 sample=256 seed=42",
	}
	line := FormatLine(rec)
	assert.Equal(t, "[2025-09-17 21:16:00 UTC] IN:data/data_raw/mdm logs.csv OUT:data/alerts/alerts_20250917_211600.csv MODEL:ensemble-isolation cont=0.05 trees=200 sample=256 seed=42", line)

	got, err := ParseLine(line)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = ParseLine("garbage")
	assert.Error(t, err)
}

func TestLogConcurrentAppends(t *testing.T) {
	l := NewLog(filepath.Join(t.TempDir(), "logs", "run_history.log"))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Append(model.RunRecord{
				Timestamp: time.Now(),
				Input:     fmt.Sprintf("in%d.csv", i),
				Output:    "out.csv",
				Model:     "dbscan",
			}))
		}()
	}
	wg.Wait()
	recs, err := l.ReadAll()
	require.NoError(t, err)
	assert.Len(t, recs, 50)

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, 50, strings.Count(string(data), "\n"))
}

func TestLogMissingFile(t *testing.T) {
	recs, err := NewLog(filepath.Join(t.TempDir(), "none.log")).ReadAll()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestManifestPersists(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "a.csv")
	require.NoError(t, os.WriteFile(in, []byte("device_id,timestamp\n"), 0o644))
	hash, err := HashFile(in)
	require.NoError(t, err)
	require.Len(t, hash, 64)

	path := filepath.Join(dir, "state", "manifest.jsonl")
	m, err := OpenManifest(path)
	require.NoError(t, err)
	_, ok := m.Lookup(hash)
	assert.False(t, ok)

	require.NoError(t, m.Record(Entry{SHA256: hash, Path: in, Status: StatusSkipped}))
	require.NoError(t, m.Record(Entry{SHA256: hash, Path: in, Status: StatusProcessed, RunID: "r1"}))
	assert.Error(t, m.Record(Entry{Path: in}))

	reopened, err := OpenManifest(path)
	require.NoError(t, err)
	e, ok := reopened.Lookup(hash)
	require.True(t, ok)
	assert.Equal(t, StatusProcessed, e.Status)
	assert.Equal(t, "r1", e.RunID)
	assert.Len(t, reopened.Entries(), 1)
}

func TestFileLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	l := FileLock{Path: path, StaleAfter: time.Hour}
	release, err := l.Acquire()
	require.NoError(t, err)

	_, err = l.Acquire()
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, release())
	release, err = l.Acquire()
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestFileLockStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	require.NoError(t, os.WriteFile(path, []byte("1 old\n"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	release, err := FileLock{Path: path, StaleAfter: time.Hour}.Acquire()
	require.NoError(t, err)
	require.NoError(t, release())
}
