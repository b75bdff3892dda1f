package pipeline

import (
	"fmt"
	"path/filepath"
	"time"

	"mdmguard/internal/config"
	"mdmguard/internal/features"
	"mdmguard/internal/ingest"
	"mdmguard/internal/normalize"
)

// FileOutcome reports one file handled by a stage-only command.
type FileOutcome struct {
	Input  string
	Output string
	Stats  normalize.Stats
	Err    error
}

// NormalizeFile writes the normalized snapshot of in to the clean store and
// returns its path. It does not touch the manifest or the run history.
func NormalizeFile(cfg *config.Config, in string, opts normalize.Options) (FileOutcome, error) {
	out := FileOutcome{Input: in}
	raw, err := ingest.ReadFile(in)
	if err != nil {
		return out, err
	}
	clean, stats, err := normalize.Normalize(raw, opts)
	out.Stats = stats
	if err != nil {
		return out, err
	}
	name := artifactName(cfg.Paths.Clean, "clean", time.Now(), ".csv")
	out.Output = filepath.Join(cfg.Paths.Clean, name)
	if err := ingest.WriteAtomic(out.Output, clean); err != nil {
		return out, err
	}
	return out, nil
}

// NormalizeInbox normalizes every supported inbox file. A failing file is
// reported in its outcome and does not stop the others.
func NormalizeInbox(cfg *config.Config, opts normalize.Options) ([]FileOutcome, error) {
	files, err := listInbox(cfg.Paths.Inbox, cfg.Selection.Order)
	if err != nil {
		return nil, err
	}
	outcomes := make([]FileOutcome, 0, len(files))
	for _, f := range files {
		o, err := NormalizeFile(cfg, f.path, opts)
		o.Err = err
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

// LatestInput returns the newest inbox file under the configured order.
func LatestInput(cfg *config.Config) (string, error) {
	files, err := listInbox(cfg.Paths.Inbox, cfg.Selection.Order)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w: inbox %s is empty", ErrNoInput, cfg.Paths.Inbox)
	}
	return files[len(files)-1].path, nil
}

// FeaturesFile aggregates a normalized snapshot into a features file. An
// empty in selects the newest clean snapshot.
func FeaturesFile(cfg *config.Config, in string, window time.Duration) (FileOutcome, int, error) {
	if in == "" {
		latest, err := latestFile(cfg.Paths.Clean, "clean")
		if err != nil {
			return FileOutcome{}, 0, err
		}
		in = latest
	}
	out := FileOutcome{Input: in}
	clean, err := ingest.ReadFile(in)
	if err != nil {
		return out, 0, err
	}
	windows, err := features.Aggregate(clean, window)
	if err != nil {
		return out, 0, err
	}
	name := artifactName(cfg.Paths.Features, "features", time.Now(), ".csv")
	out.Output = filepath.Join(cfg.Paths.Features, name)
	if err := ingest.WriteAtomic(out.Output, features.ToTable(windows)); err != nil {
		return out, 0, err
	}
	return out, len(windows), nil
}
