// Package pipeline runs one batch pass over the inbox: select an input,
// normalize it, aggregate windows, score, reconcile, filter and persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mdmguard/internal/alerts"
	"mdmguard/internal/config"
	"mdmguard/internal/features"
	"mdmguard/internal/history"
	"mdmguard/internal/ingest"
	"mdmguard/internal/metrics"
	"mdmguard/internal/model"
	"mdmguard/internal/normalize"
	"mdmguard/internal/notify"
	"mdmguard/internal/policy"
	"mdmguard/internal/reconcile"
	"mdmguard/internal/scoring"
	"mdmguard/internal/storage"
)

var (
	ErrNoInput       = errors.New("no new input")
	ErrRunInProgress = errors.New("run already in progress")
)

type Stage string

const (
	StageSelect    Stage = "select_input"
	StageNormalize Stage = "normalize"
	StageAggregate Stage = "aggregate"
	StageScore     Stage = "score"
	StageReconcile Stage = "reconcile"
	StageFilter    Stage = "filter"
	StagePersist   Stage = "persist"
	StageDone      Stage = "done"
	StageFail      Stage = "fail"
	StageNoInput   Stage = "no_input"
)

// Request carries per-run overrides. The zero value processes the newest
// unhandled inbox file with the configured model.
type Request struct {
	Input  string
	Force  bool
	Date   string
	Time   string
	Model  string
	Window string
	Since  time.Time
	Until  time.Time
}

type Artifacts struct {
	Clean     string `json:"clean"`
	Features  string `json:"features"`
	Anomalies string `json:"anomalies"`
	Alerts    string `json:"alerts"`
	Report    string `json:"report"`
}

type Result struct {
	Record    model.RunRecord      `json:"record"`
	Stage     Stage                `json:"stage"`
	Artifacts Artifacts            `json:"artifacts"`
	Stats     normalize.Stats      `json:"stats"`
	Skipped   []string             `json:"skipped,omitempty"`
	Records   []model.ScoredRecord `json:"-"`
	Alerts    []model.Alert        `json:"-"`
}

// Status is the last-known state exposed on the status API.
type Status struct {
	Running     bool             `json:"running"`
	Stage       Stage            `json:"stage"`
	LastRun     *model.RunRecord `json:"last_run,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	LastErrorAt time.Time        `json:"last_error_at,omitempty"`
	Started     time.Time        `json:"started"`
}

type Runner struct {
	logger   *slog.Logger
	devices  *metrics.Store
	alerts   *alerts.Store
	store    storage.Store
	notifier *notify.Notifier
	cfg      atomic.Value
	runMu    sync.Mutex
	logMu    sync.Mutex
	runLog   *history.Log
	statusMu sync.RWMutex
	status   Status
	now      func() time.Time
}

func NewRunner(cfg *config.Config, logger *slog.Logger, devices *metrics.Store, alertsStore *alerts.Store, store storage.Store, notifier *notify.Notifier) *Runner {
	r := &Runner{
		logger:   logger,
		devices:  devices,
		alerts:   alertsStore,
		store:    store,
		notifier: notifier,
		now:      time.Now,
	}
	r.status.Started = time.Now().UTC()
	r.cfg.Store(cfg)
	return r
}

func (r *Runner) UpdateConfig(cfg *config.Config) {
	r.cfg.Store(cfg)
}

// SetNotifier swaps the notifier used by later runs. It waits for an
// in-flight run to finish, so the returned previous notifier is idle and
// safe to close.
func (r *Runner) SetNotifier(n *notify.Notifier) *notify.Notifier {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	old := r.notifier
	r.notifier = n
	return old
}

func (r *Runner) config() *config.Config {
	if v := r.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (r *Runner) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	s := r.status
	if s.LastRun != nil {
		rec := *s.LastRun
		s.LastRun = &rec
	}
	return s
}

func (r *Runner) setStage(s Stage) {
	r.statusMu.Lock()
	r.status.Stage = s
	r.statusMu.Unlock()
}

// Busy reports whether a run holds the in-process lock.
func (r *Runner) Busy() bool {
	if r.runMu.TryLock() {
		r.runMu.Unlock()
		return false
	}
	return true
}

// History returns the run log, newest last.
func (r *Runner) History() ([]model.RunRecord, error) {
	return r.historyLog(r.config().Paths.HistoryLog).ReadAll()
}

func (r *Runner) historyLog(path string) *history.Log {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	if r.runLog == nil || r.runLog.Path() != path {
		r.runLog = history.NewLog(path)
	}
	return r.runLog
}

type plan struct {
	cfg    *config.Config
	scorer scoring.Scorer
	params scoring.Config
	window time.Duration
	policy policy.Policy
}

// prepare resolves model, parameters and window. It performs no I/O.
func (r *Runner) prepare(req Request) (plan, error) {
	cfg := r.config()
	p := plan{cfg: cfg, params: cfg.Scoring.Params(), policy: policy.FromConfig(cfg.Policy)}
	if req.Model != "" {
		p.params.Model = scoring.Model(req.Model)
	}
	scorer, err := scoring.New(p.params, cfg.Capabilities())
	if err != nil {
		return p, err
	}
	p.scorer = scorer
	p.params.Model = scorer.Model()
	windowSpec := cfg.Features.Window
	if req.Window != "" {
		windowSpec = req.Window
	}
	p.window, err = config.ParseWindow(windowSpec)
	if err != nil {
		return p, fmt.Errorf("%w: window: %v", scoring.ErrInvalidConfig, err)
	}
	return p, nil
}

// Run executes one pipeline pass. It returns ErrRunInProgress when another
// run holds the lock and ErrNoInput when nothing new is waiting.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	p, err := r.prepare(req)
	if err != nil {
		r.fail(StageSelect, err)
		return nil, err
	}
	if !r.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.runMu.Unlock()

	lock := history.FileLock{Path: p.cfg.Paths.LockFile, StaleAfter: p.cfg.Selection.StaleLockAfter}
	release, err := lock.Acquire()
	if err != nil {
		if errors.Is(err, history.ErrLocked) {
			return nil, fmt.Errorf("%w: %v", ErrRunInProgress, err)
		}
		return nil, err
	}
	defer func() {
		if err := release(); err != nil {
			r.logger.Warn("release run lock failed", "path", lock.Path, "err", err)
		}
	}()

	r.statusMu.Lock()
	r.status.Running = true
	r.statusMu.Unlock()
	defer func() {
		r.statusMu.Lock()
		r.status.Running = false
		r.statusMu.Unlock()
	}()

	started := r.now()
	res, err := r.execute(ctx, p, req)
	switch {
	case errors.Is(err, ErrNoInput):
		r.setStage(StageNoInput)
		metrics.RunsTotal.WithLabelValues(string(StageNoInput)).Inc()
	case err != nil:
		r.fail(res.Stage, err)
		metrics.RunsTotal.WithLabelValues("failed").Inc()
	default:
		metrics.RunsTotal.WithLabelValues(string(res.Record.Status)).Inc()
		metrics.RunDuration.Observe(r.now().Sub(started).Seconds())
		metrics.LastSuccess.SetToCurrentTime()
	}
	return res, err
}

func (r *Runner) fail(stage Stage, err error) {
	r.statusMu.Lock()
	r.status.Stage = StageFail
	r.status.LastError = fmt.Sprintf("%s: %v", stage, err)
	r.status.LastErrorAt = time.Now().UTC()
	r.statusMu.Unlock()
}

func (r *Runner) execute(ctx context.Context, p plan, req Request) (*Result, error) {
	cfg := p.cfg
	res := &Result{Stage: StageSelect}
	r.setStage(StageSelect)

	manifest, err := history.OpenManifest(cfg.Paths.Manifest)
	if err != nil {
		return res, err
	}
	candidates, err := selectCandidates(cfg.Paths.Inbox, cfg.Selection.Order, req, manifest)
	if err != nil {
		return res, err
	}

	var (
		input candidate
		clean *model.Table
	)
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Stage = StageNormalize
		r.setStage(StageNormalize)
		t, stats, err := r.normalizeInput(c.path, normalize.Options{Since: req.Since, Until: req.Until})
		var schemaErr *normalize.SchemaError
		if errors.As(err, &schemaErr) {
			r.logger.Warn("input skipped", "input", c.path, "err", err)
			r.record(manifest, history.Entry{SHA256: c.hash, Path: c.path, Status: history.StatusSkipped, Reason: err.Error()})
			res.Skipped = append(res.Skipped, c.path)
			continue
		}
		if err != nil {
			r.logger.Warn("input unreadable", "input", c.path, "err", err)
			r.record(manifest, history.Entry{SHA256: c.hash, Path: c.path, Status: history.StatusFailed, Reason: err.Error()})
			res.Skipped = append(res.Skipped, c.path)
			continue
		}
		input, clean, res.Stats = c, t, stats
		break
	}
	if clean == nil {
		return res, ErrNoInput
	}
	runID := uuid.NewString()
	ts := r.now().UTC()
	log := r.logger.With("run_id", runID, "input", input.path)
	log.Info("run started", "model", p.params.Model, "rows", res.Stats.Output, "dropped", res.Stats.Invalid, "duplicates", res.Stats.Duplicates)

	res.Stage = StageAggregate
	r.setStage(StageAggregate)
	stageStart := time.Now()
	windows, err := features.Aggregate(clean, p.window)
	if err != nil {
		r.record(manifest, history.Entry{SHA256: input.hash, Path: input.path, Status: history.StatusFailed, RunID: runID, Reason: err.Error()})
		return res, err
	}
	metrics.StageDuration.WithLabelValues(string(StageAggregate)).Observe(time.Since(stageStart).Seconds())

	var records []model.ScoredRecord
	status := model.RunSucceeded
	if len(windows) == 0 {
		status = model.RunEmpty
		log.Warn("no feature windows, writing empty artifacts")
	} else {
		res.Stage = StageScore
		r.setStage(StageScore)
		stageStart = time.Now()
		scored, err := p.scorer.Score(ctx, scoring.Standardize(features.Matrix(windows)))
		if err != nil {
			if ctx.Err() == nil {
				r.record(manifest, history.Entry{SHA256: input.hash, Path: input.path, Status: history.StatusFailed, RunID: runID, Reason: err.Error()})
			}
			return res, fmt.Errorf("score %s: %w", p.params.Model, err)
		}
		metrics.StageDuration.WithLabelValues(string(StageScore)).Observe(time.Since(stageStart).Seconds())
		metrics.WindowsScored.Add(float64(len(windows)))
		records = make([]model.ScoredRecord, len(windows))
		for i, w := range windows {
			records[i] = model.ScoredRecord{FeatureWindow: w, Score: scored[i].Score, Label: scored[i].Label}
		}
	}

	res.Stage = StageReconcile
	r.setStage(StageReconcile)
	before, after := reconcile.Apply(records, cfg.Reconcile.Cap, p.scorer.MeaningfulScore())
	if before != after {
		log.Info("anomalies capped", "before", before, "after", after, "cap", cfg.Reconcile.Cap)
	}

	res.Stage = StageFilter
	r.setStage(StageFilter)
	alertsOut := policy.Filter(records, p.policy)

	res.Stage = StagePersist
	r.setStage(StagePersist)
	out := &staged{}
	defer out.discard()
	res.Artifacts = Artifacts{
		Clean:     filepath.Join(cfg.Paths.Clean, artifactName(cfg.Paths.Clean, "clean", ts, ".csv")),
		Features:  filepath.Join(cfg.Paths.Features, artifactName(cfg.Paths.Features, "features", ts, ".csv")),
		Anomalies: filepath.Join(cfg.Paths.Anomalies, artifactName(cfg.Paths.Anomalies, "anomalies", ts, ".csv")),
		Alerts:    filepath.Join(cfg.Paths.Alerts, artifactName(cfg.Paths.Alerts, "alerts", ts, ".csv")),
		Report:    filepath.Join(cfg.Paths.Alerts, artifactName(cfg.Paths.Alerts, "report", ts, ".txt")),
	}
	record := model.RunRecord{
		ID:        runID,
		Timestamp: ts,
		Input:     input.path,
		Output:    res.Artifacts.Alerts,
		Model:     string(p.params.Model),
		Params:    p.params.Summary(),
		Status:    status,
		Rows:      len(clean.Rows),
		Windows:   len(windows),
		Anomalies: after,
		Alerts:    len(alertsOut),
	}
	report := notify.Report{
		RunID:      runID,
		Time:       ts,
		Input:      input.path,
		AlertsFile: res.Artifacts.Alerts,
		Model:      record.Model,
		Rows:       record.Rows,
		Windows:    record.Windows,
		Anomalies:  record.Anomalies,
		Alerts:     alertsOut,
	}
	if err := r.stage(out, res.Artifacts, clean, windows, records, alertsOut, notify.Summary(report)); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := out.publish(); err != nil {
		return res, err
	}
	if err := r.historyLog(cfg.Paths.HistoryLog).Append(record); err != nil {
		return res, fmt.Errorf("append run history: %w", err)
	}
	r.record(manifest, history.Entry{SHA256: input.hash, Path: input.path, Status: history.StatusProcessed, RunID: runID})

	res.Stage = StageDone
	res.Record = record
	res.Records = records
	res.Alerts = alertsOut
	r.publish(ctx, record, records, report)
	log.Info("run complete",
		"status", status,
		"windows", record.Windows,
		"anomalies", record.Anomalies,
		"alerts", record.Alerts,
		"output", record.Output,
	)
	return res, nil
}

func (r *Runner) normalizeInput(path string, opts normalize.Options) (*model.Table, normalize.Stats, error) {
	raw, err := ingest.ReadFile(path)
	if err != nil {
		return nil, normalize.Stats{}, err
	}
	return normalize.Normalize(raw, opts)
}

func (r *Runner) stage(out *staged, a Artifacts, clean *model.Table, windows []model.FeatureWindow, records []model.ScoredRecord, alertsOut []model.Alert, summary string) error {
	if err := out.table(filepath.Dir(a.Clean), filepath.Base(a.Clean), clean); err != nil {
		return err
	}
	if err := out.table(filepath.Dir(a.Features), filepath.Base(a.Features), features.ToTable(windows)); err != nil {
		return err
	}
	if err := out.table(filepath.Dir(a.Anomalies), filepath.Base(a.Anomalies), ScoredTable(records)); err != nil {
		return err
	}
	if err := out.table(filepath.Dir(a.Alerts), filepath.Base(a.Alerts), AlertTable(alertsOut)); err != nil {
		return err
	}
	return out.text(filepath.Dir(a.Report), filepath.Base(a.Report), summary)
}

func (r *Runner) record(m *history.Manifest, e history.Entry) {
	metrics.InputsTotal.WithLabelValues(string(e.Status)).Inc()
	if err := m.Record(e); err != nil {
		r.logger.Error("manifest write failed", "input", e.Path, "status", e.Status, "err", err)
	}
}

// publish updates in-memory views, the SQL mirror and notifiers after the
// run is durable on disk. None of these can fail the run.
func (r *Runner) publish(ctx context.Context, rec model.RunRecord, records []model.ScoredRecord, report notify.Report) {
	r.statusMu.Lock()
	r.status.Stage = StageDone
	r.status.LastRun = &rec
	r.statusMu.Unlock()

	metrics.AnomaliesTotal.WithLabelValues(rec.Model).Add(float64(rec.Anomalies))
	metrics.AlertsTotal.Add(float64(rec.Alerts))
	if r.devices != nil {
		r.devices.Update(records)
	}
	if r.alerts != nil {
		r.alerts.Add(report.Alerts...)
	}
	if r.store != nil {
		if err := r.store.SaveRun(ctx, rec); err != nil {
			r.logger.Warn("store run failed", "run_id", rec.ID, "err", err)
		}
		if err := r.store.SaveAlerts(ctx, rec.ID, report.Alerts); err != nil {
			r.logger.Warn("store alerts failed", "run_id", rec.ID, "err", err)
		}
	}
	r.notifier.Notify(ctx, report)
}
