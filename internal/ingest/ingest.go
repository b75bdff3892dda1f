package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mdmguard/internal/model"
)

// Supported reports whether path has an extension the inbox accepts.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".jsonl", ".ndjson":
		return true
	}
	return false
}

// ReadFile loads a log file, choosing the parser from the extension.
func ReadFile(path string) (*model.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var t *model.Table
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		t, err = ReadJSONLines(f)
	case ".csv":
		t, err = ReadCSV(f)
	default:
		return nil, fmt.Errorf("unsupported input type: %s", filepath.Base(path))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return t, nil
}

// WriteTemp writes t as CSV into a hidden temp file inside dir and returns its
// path. Publish it with os.Rename once every stage of a run has succeeded.
func WriteTemp(dir, name string, t *model.Table) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return "", err
	}
	if err := WriteCSV(f, t); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// WriteAtomic writes t to path through a temp file and rename.
func WriteAtomic(path string, t *model.Table) error {
	tmp, err := WriteTemp(filepath.Dir(path), filepath.Base(path), t)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
