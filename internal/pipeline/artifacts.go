package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mdmguard/internal/features"
	"mdmguard/internal/ingest"
	"mdmguard/internal/model"
)

const stampLayout = "20060102_150405"

// ScoredColumns is the header of an anomalies file.
func ScoredColumns() []string {
	return append(features.Columns(), "anomaly_score_raw", "anomaly_label")
}

// AlertColumns is the header of an alerts file.
func AlertColumns() []string {
	return append(ScoredColumns(), "reasons")
}

func scoredRow(r model.ScoredRecord) []string {
	return append(features.Row(r.FeatureWindow), strconv.FormatFloat(r.Score, 'f', -1, 64), string(r.Label))
}

func ScoredTable(records []model.ScoredRecord) *model.Table {
	t := &model.Table{Columns: ScoredColumns(), Rows: make([][]string, 0, len(records))}
	for _, r := range records {
		t.Rows = append(t.Rows, scoredRow(r))
	}
	return t
}

func AlertTable(alerts []model.Alert) *model.Table {
	t := &model.Table{Columns: AlertColumns(), Rows: make([][]string, 0, len(alerts))}
	for _, a := range alerts {
		t.Rows = append(t.Rows, append(scoredRow(a.ScoredRecord), strings.Join(a.Reasons, ";")))
	}
	return t
}

// staged is a set of temp files that become visible together.
type staged struct {
	temps []string
	dests []string
}

func (s *staged) table(dir, name string, t *model.Table) error {
	tmp, err := ingest.WriteTemp(dir, name, t)
	if err != nil {
		return err
	}
	s.temps = append(s.temps, tmp)
	s.dests = append(s.dests, filepath.Join(dir, name))
	return nil
}

func (s *staged) text(dir, name, body string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	s.temps = append(s.temps, f.Name())
	s.dests = append(s.dests, filepath.Join(dir, name))
	if _, err := f.WriteString(body); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// publish renames every temp into place. A failure part way leaves the
// already published files and removes the rest.
func (s *staged) publish() error {
	for i, tmp := range s.temps {
		if err := os.Rename(tmp, s.dests[i]); err != nil {
			s.temps = s.temps[i:]
			s.dests = s.dests[i:]
			s.discard()
			return err
		}
	}
	s.temps = nil
	return nil
}

func (s *staged) discard() {
	for _, tmp := range s.temps {
		_ = os.Remove(tmp)
	}
	s.temps = nil
}

// artifactName returns prefix_<stamp>.ext, adding a counter when a file of
// that name already exists in dir.
func artifactName(dir, prefix string, ts time.Time, ext string) string {
	base := fmt.Sprintf("%s_%s", prefix, ts.UTC().Format(stampLayout))
	name := base + ext
	for n := 2; ; n++ {
		if _, err := os.Stat(filepath.Join(dir, name)); errors.Is(err, os.ErrNotExist) {
			return name
		}
		name = fmt.Sprintf("%s_%d%s", base, n, ext)
	}
}

// latestFile returns the lexicographically last prefix_*.csv in dir.
func latestFile(dir, prefix string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"_*.csv"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no %s files in %s", ErrNoInput, prefix, dir)
	}
	latest := matches[0]
	for _, m := range matches[1:] {
		if filepath.Base(m) > filepath.Base(latest) {
			latest = m
		}
	}
	return latest, nil
}
