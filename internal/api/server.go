// Package api serves the alert table and run state to dashboards.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mdmguard/internal/alerts"
	"mdmguard/internal/config"
	"mdmguard/internal/metrics"
	"mdmguard/internal/model"
	"mdmguard/internal/pipeline"
	"mdmguard/internal/scoring"
	"mdmguard/internal/storage"
)

type RunControl interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Status() pipeline.Status
	History() ([]model.RunRecord, error)
	Busy() bool
}

type Server struct {
	cfg     *config.Manager
	devices *metrics.Store
	alerts  *alerts.Store
	runner  RunControl
	store   storage.Store
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Run        pipeline.Status `json:"run"`
	Model      string          `json:"model"`
	Window     string          `json:"window"`
	Schedule   scheduleStatus  `json:"schedule"`
	Storage    bool            `json:"storage"`
	Backends   []string        `json:"backends"`
}

type scheduleStatus struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval"`
}

type deviceSummary struct {
	DeviceID    string    `json:"device_id"`
	Windows     int       `json:"windows"`
	Anomalies   int       `json:"anomalies"`
	LastWindow  time.Time `json:"last_window_start"`
	LowestScore float64   `json:"lowest_score"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func NewServer(cfg *config.Manager, devices *metrics.Store, alertsStore *alerts.Store, runner RunControl, store storage.Store, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:     cfg,
		devices: devices,
		alerts:  alertsStore,
		runner:  runner,
		store:   store,
		logger:  logger,
		version: version,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Get("/alerts", s.handleAlerts)
	r.Get("/runs", s.handleRuns)
	r.Get("/devices", s.handleDevices)
	r.Get("/devices/{id}", s.handleDevice)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/admin", func(r chi.Router) {
		r.Post("/run", s.handleRun)
		r.Post("/clear", s.handleClear)
	})
	return r
}

func Start(ctx context.Context, cfg *config.Manager, devices *metrics.Store, alertsStore *alerts.Store, runner RunControl, store storage.Store, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		logger.Info("api disabled")
		return nil
	}
	logger.Info("api enabled", "addr", current.Addr)
	server := NewServer(cfg, devices, alertsStore, runner, store, logger, version)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	var backends []string
	caps := cfg.Capabilities()
	for _, m := range scoring.Models() {
		if m == scoring.ModelReconstruction && !caps.Reconstruction {
			continue
		}
		backends = append(backends, string(m))
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Run:        s.runner.Status(),
		Model:      cfg.Scoring.Model,
		Window:     cfg.Features.Window,
		Schedule:   scheduleStatus{Enabled: cfg.Schedule.Enabled, Interval: cfg.Schedule.Interval.String()},
		Storage:    s.store != nil,
		Backends:   backends,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	sinceStr := r.URL.Query().Get("since")
	var list []model.Alert
	if sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		list = s.alerts.Since(ts)
		if limit > 0 && len(list) > limit {
			list = list[len(list)-limit:]
		}
	} else {
		list = s.alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

// handleRuns prefers the SQL mirror when one is configured and falls back to
// the run-history log.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	if limit <= 0 {
		limit = 50
	}
	var runs []model.RunRecord
	var err error
	if s.store != nil {
		runs, err = s.store.ListRuns(r.Context(), limit)
	} else {
		runs, err = s.runner.History()
		for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
			runs[i], runs[j] = runs[j], runs[i]
		}
		if len(runs) > limit {
			runs = runs[:limit]
		}
	}
	if err != nil {
		s.logger.Error("list runs failed", "err", err)
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	if runs == nil {
		runs = []model.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	all := s.devices.GetAll()
	out := make([]deviceSummary, 0, len(all))
	for id, windows := range all {
		_, updated, _ := s.devices.Get(id)
		out = append(out, summarize(id, windows, updated))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Anomalies != out[j].Anomalies {
			return out[i].Anomalies > out[j].Anomalies
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	windows, updated, ok := s.devices.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": summarize(id, windows, updated),
		"windows": windows,
		"alerts":  s.alerts.ForDevice(id),
	})
}

func summarize(id string, windows []model.ScoredRecord, updated time.Time) deviceSummary {
	d := deviceSummary{DeviceID: id, Windows: len(windows), UpdatedAt: updated}
	for i, w := range windows {
		if w.Anomalous() {
			d.Anomalies++
		}
		if w.WindowStart.After(d.LastWindow) {
			d.LastWindow = w.WindowStart
		}
		if i == 0 || w.Score < d.LowestScore {
			d.LowestScore = w.Score
		}
	}
	return d
}

type runRequest struct {
	Model  string `json:"model"`
	Input  string `json:"input"`
	Force  bool   `json:"force"`
	Date   string `json:"date"`
	Time   string `json:"time"`
	Window string `json:"window"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request too large")
		return
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if s.runner.Busy() {
		writeError(w, http.StatusConflict, pipeline.ErrRunInProgress.Error())
		return
	}
	req := pipeline.Request{
		Model:  body.Model,
		Force:  body.Force,
		Date:   body.Date,
		Time:   body.Time,
		Window: body.Window,
	}
	if body.Input != "" {
		// only files inside the inbox may be named
		req.Input = filepath.Join(s.cfg.Get().Paths.Inbox, filepath.Base(body.Input))
	}
	res, err := s.runner.Run(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, pipeline.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrNoInput):
		writeJSON(w, http.StatusOK, map[string]any{"status": "no_input", "detail": err.Error()})
	case errors.Is(err, scoring.ErrUnknownModel),
		errors.Is(err, scoring.ErrInvalidConfig),
		errors.Is(err, scoring.ErrBackendUnavailable):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("manual run failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request too large")
		return
	}
	var req struct {
		Target string `json:"target"`
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.devices.Clear()
		s.alerts.Clear()
	case "alerts":
		s.alerts.Clear()
	case "devices":
		s.devices.Clear()
	default:
		writeError(w, http.StatusBadRequest, "target must be all, alerts or devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
