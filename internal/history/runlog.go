// Package history keeps the durable state of the pipeline between runs: the
// human-readable run log, the manifest of inputs already handled and the
// cross-process run lock.
package history

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mdmguard/internal/model"
)

const lineTimeLayout = "2006-01-02 15:04:05"

// Log is the append-only run-history file. Each successful run adds exactly
// one line; existing lines are never rewritten.
type Log struct {
	path string
	mu   sync.Mutex
}

func NewLog(path string) *Log {
	return &Log{path: path}
}

func (l *Log) Path() string { return l.path }

// Append writes rec as a single line with one write call on an O_APPEND
// descriptor.
func (l *Log) Append(rec model.RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(FormatLine(rec) + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// FormatLine renders
//
//	[YYYY-MM-DD HH:MM:SS UTC] IN:<input> OUT:<output> MODEL:<model> <params>
func FormatLine(rec model.RunRecord) string {
	line := fmt.Sprintf("[%s UTC] IN:%s OUT:%s MODEL:%s",
		rec.Timestamp.UTC().Format(lineTimeLayout), rec.Input, rec.Output, rec.Model)
	if rec.Params != "" {
		line += " " + rec.Params
	}
	return line
}

func ParseLine(line string) (model.RunRecord, error) {
	var rec model.RunRecord
	line = strings.TrimSpace(line)
	end := strings.Index(line, " UTC] ")
	if !strings.HasPrefix(line, "[") || end < 0 {
		return rec, fmt.Errorf("malformed history line %q", line)
	}
	ts, err := time.ParseInLocation(lineTimeLayout, line[1:end], time.UTC)
	if err != nil {
		return rec, fmt.Errorf("malformed history timestamp: %w", err)
	}
	rest := line[end+len(" UTC] "):]
	in, rest, ok1 := cutField(rest, "IN:", " OUT:")
	out, rest, ok2 := cutField(rest, "OUT:", " MODEL:")
	if !ok1 || !ok2 || !strings.HasPrefix(rest, "MODEL:") {
		return rec, fmt.Errorf("malformed history line %q", line)
	}
	mdl, params, _ := strings.Cut(strings.TrimPrefix(rest, "MODEL:"), " ")
	rec.Timestamp = ts
	rec.Input = in
	rec.Output = out
	rec.Model = mdl
	rec.Params = params
	return rec, nil
}

func cutField(s, prefix, next string) (string, string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", s, false
	}
	s = s[len(prefix):]
	i := strings.Index(s, next)
	if i < 0 {
		return "", s, false
	}
	return s[:i], s[i+1:], true
}

// ReadAll returns every parseable line in file order. A missing file is an
// empty history.
func (l *Log) ReadAll() ([]model.RunRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []model.RunRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		rec, err := ParseLine(scanner.Text())
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
