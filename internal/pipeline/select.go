package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mdmguard/internal/history"
	"mdmguard/internal/ingest"
)

type candidate struct {
	path    string
	hash    string
	modTime time.Time
}

// listInbox returns supported files in dir, oldest first under the given
// order ("name" or "mtime"). Hidden files, including in-flight temp files,
// are ignored.
func listInbox(dir, order string) ([]candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !ingest.Supported(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, candidate{path: filepath.Join(dir, name), modTime: info.ModTime()})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if order == "mtime" && !out[i].modTime.Equal(out[j].modTime) {
			return out[i].modTime.Before(out[j].modTime)
		}
		return filepath.Base(out[i].path) < filepath.Base(out[j].path)
	})
	return out, nil
}

// selectCandidates lists the inputs this run may process, newest first.
// Inputs already in the manifest are left out unless force is set.
func selectCandidates(dir, order string, req Request, manifest *history.Manifest) ([]candidate, error) {
	if req.Input != "" {
		hash, err := history.HashFile(req.Input)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrNoInput, req.Input)
		}
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", req.Input, err)
		}
		if e, ok := manifest.Lookup(hash); ok && !req.Force {
			return nil, fmt.Errorf("%w: %s already %s", ErrNoInput, filepath.Base(req.Input), e.Status)
		}
		return []candidate{{path: req.Input, hash: hash}}, nil
	}
	all, err := listInbox(dir, order)
	if err != nil {
		return nil, err
	}
	var out []candidate
	for i := len(all) - 1; i >= 0; i-- {
		c := all[i]
		name := filepath.Base(c.path)
		if req.Date != "" && !strings.Contains(name, req.Date) {
			continue
		}
		if req.Time != "" && !strings.Contains(name, req.Time) {
			continue
		}
		hash, err := history.HashFile(c.path)
		if err != nil {
			continue
		}
		if _, ok := manifest.Lookup(hash); ok && !req.Force {
			continue
		}
		c.hash = hash
		out = append(out, c)
	}
	return out, nil
}
