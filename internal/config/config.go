package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"mdmguard/internal/scoring"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Paths     PathsConfig     `json:"paths" yaml:"paths"`
	Selection SelectionConfig `json:"selection" yaml:"selection"`
	Features  FeaturesConfig  `json:"features" yaml:"features"`
	Scoring   ScoringConfig   `json:"scoring" yaml:"scoring"`
	Reconcile ReconcileConfig `json:"reconcile" yaml:"reconcile"`
	Policy    PolicyConfig    `json:"policy" yaml:"policy"`
	Schedule  ScheduleConfig  `json:"schedule" yaml:"schedule"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Email     EmailConfig     `json:"email" yaml:"email"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
}

type LoggingConfig struct {
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// PathsConfig names the file stores. Every store is a flat directory of
// timestamped files.
type PathsConfig struct {
	Inbox      string `json:"inbox" yaml:"inbox"`
	Clean      string `json:"clean" yaml:"clean"`
	Features   string `json:"features" yaml:"features"`
	Anomalies  string `json:"anomalies" yaml:"anomalies"`
	Alerts     string `json:"alerts" yaml:"alerts"`
	HistoryLog string `json:"history_log" yaml:"history_log"`
	Manifest   string `json:"manifest" yaml:"manifest"`
	LockFile   string `json:"lock_file" yaml:"lock_file"`
}

type SelectionConfig struct {
	// Order is "name" (lexicographic file name) or "mtime".
	Order          string        `json:"order" yaml:"order"`
	StaleLockAfter time.Duration `json:"stale_lock_after" yaml:"stale_lock_after"`
}

type FeaturesConfig struct {
	Window string `json:"window" yaml:"window"`
}

type ScoringConfig struct {
	Model         string            `json:"model" yaml:"model"`
	Contamination float64           `json:"contamination" yaml:"contamination"`
	Nu            float64           `json:"nu" yaml:"nu"`
	Trees         int               `json:"trees" yaml:"trees"`
	SampleSize    int               `json:"sample_size" yaml:"sample_size"`
	Eps           float64           `json:"eps" yaml:"eps"`
	MinSamples    int               `json:"min_samples" yaml:"min_samples"`
	Seed          int64             `json:"seed" yaml:"seed"`
	Autoencoder   AutoencoderConfig `json:"autoencoder" yaml:"autoencoder"`
}

type AutoencoderConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Epochs       int           `json:"epochs" yaml:"epochs"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size"`
	LearningRate float64       `json:"learning_rate" yaml:"learning_rate"`
	MaxTrainTime time.Duration `json:"max_train_time" yaml:"max_train_time"`
}

type ReconcileConfig struct {
	Cap int `json:"cap" yaml:"cap"`
}

type PolicyConfig struct {
	MaintenanceHours  []int    `json:"maintenance_hours" yaml:"maintenance_hours"`
	SeverityThreshold float64  `json:"severity_threshold" yaml:"severity_threshold"`
	TopK              int      `json:"top_k" yaml:"top_k"`
	ExcludedDevices   []string `json:"excluded_devices" yaml:"excluded_devices"`
}

type ScheduleConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	Interval   time.Duration `json:"interval" yaml:"interval"`
	RunOnStart bool          `json:"run_on_start" yaml:"run_on_start"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type EmailConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	User         string        `json:"user" yaml:"user"`
	PasswordEnv  string        `json:"password_env" yaml:"password_env"`
	Password     string        `json:"-" yaml:"-"`
	From         string        `json:"from" yaml:"from"`
	To           []string      `json:"to" yaml:"to"`
	SendOnAlerts bool          `json:"send_on_alerts" yaml:"send_on_alerts"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	MinInterval  time.Duration `json:"min_interval" yaml:"min_interval"`
}

type KafkaConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Brokers []string      `json:"brokers" yaml:"brokers"`
	Topic   string        `json:"topic" yaml:"topic"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Logging:  LoggingConfig{MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 30},
		Paths: PathsConfig{
			Inbox:      "data/data_raw",
			Clean:      "data/data_clean",
			Features:   "data/data_features",
			Anomalies:  "data/data_anomalies",
			Alerts:     "data/alerts",
			HistoryLog: "logs/run_history.log",
			Manifest:   "data/state/manifest.jsonl",
			LockFile:   "data/state/run.lock",
		},
		Selection: SelectionConfig{Order: "name", StaleLockAfter: time.Hour},
		Features:  FeaturesConfig{Window: "1h"},
		Scoring: ScoringConfig{
			Model:         string(scoring.ModelIsolation),
			Contamination: 0.05,
			Nu:            0.05,
			Trees:         200,
			SampleSize:    256,
			Eps:           0.5,
			MinSamples:    5,
			Seed:          42,
			Autoencoder: AutoencoderConfig{
				Enabled:      true,
				Epochs:       20,
				BatchSize:    32,
				LearningRate: 0.001,
				MaxTrainTime: 2 * time.Minute,
			},
		},
		Reconcile: ReconcileConfig{Cap: 100},
		Policy: PolicyConfig{
			MaintenanceHours:  []int{1, 2, 3},
			SeverityThreshold: -0.05,
			TopK:              200,
		},
		Schedule: ScheduleConfig{Enabled: true, Interval: 5 * time.Minute, RunOnStart: true},
		API:      APIConfig{Enabled: true, Addr: ":8081"},
		Storage:  StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:mdmguard.db?_pragma=busy_timeout(5000)"},
		Email:    EmailConfig{Port: 587, PasswordEnv: "MDM_SMTP_PASS", SendOnAlerts: true, Timeout: 30 * time.Second},
		Kafka:    KafkaConfig{Enabled: false, Topic: "mdm-alerts", Timeout: 10 * time.Second},
		Metrics:  MetricsConfig{StoreLimit: 5000},
		Alerts:   AlertsConfig{StoreLimit: 1000},
	}
}

// LoadOrDefault loads path, or returns validated defaults when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := DefaultConfig()
		applySecrets(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	applySecrets(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Features.Window == "" {
		cfg.Features.Window = def.Features.Window
	}
	if cfg.Selection.Order == "" {
		cfg.Selection.Order = def.Selection.Order
	}
	if cfg.Selection.StaleLockAfter <= 0 {
		cfg.Selection.StaleLockAfter = def.Selection.StaleLockAfter
	}
	if cfg.Scoring.Model == "" {
		cfg.Scoring.Model = def.Scoring.Model
	}
	if cfg.Scoring.Trees <= 0 {
		cfg.Scoring.Trees = def.Scoring.Trees
	}
	if cfg.Scoring.SampleSize <= 0 {
		cfg.Scoring.SampleSize = def.Scoring.SampleSize
	}
	if cfg.Scoring.Autoencoder.Epochs <= 0 {
		cfg.Scoring.Autoencoder.Epochs = def.Scoring.Autoencoder.Epochs
	}
	if cfg.Scoring.Autoencoder.BatchSize <= 0 {
		cfg.Scoring.Autoencoder.BatchSize = def.Scoring.Autoencoder.BatchSize
	}
	if cfg.Scoring.Autoencoder.LearningRate <= 0 {
		cfg.Scoring.Autoencoder.LearningRate = def.Scoring.Autoencoder.LearningRate
	}
	if cfg.Schedule.Interval <= 0 {
		cfg.Schedule.Interval = def.Schedule.Interval
	}
	if cfg.Email.Port <= 0 {
		cfg.Email.Port = def.Email.Port
	}
	if cfg.Email.Timeout <= 0 {
		cfg.Email.Timeout = def.Email.Timeout
	}
	if cfg.Kafka.Timeout <= 0 {
		cfg.Kafka.Timeout = def.Kafka.Timeout
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = def.Metrics.StoreLimit
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
}

func applySecrets(cfg *Config) {
	if cfg.Email.PasswordEnv != "" && cfg.Email.Password == "" {
		cfg.Email.Password = os.Getenv(cfg.Email.PasswordEnv)
	}
}

func Validate(cfg *Config) error {
	if err := scoring.Validate(cfg.Scoring.Params()); err != nil {
		return err
	}
	if _, err := ParseWindow(cfg.Features.Window); err != nil {
		return fmt.Errorf("features.window: %w", err)
	}
	switch cfg.Selection.Order {
	case "name", "mtime":
	default:
		return fmt.Errorf("selection.order must be name or mtime, got %q", cfg.Selection.Order)
	}
	if cfg.Paths.Inbox == "" {
		return errors.New("paths.inbox required")
	}
	if cfg.Paths.HistoryLog == "" || cfg.Paths.Manifest == "" {
		return errors.New("paths.history_log and paths.manifest required")
	}
	for _, h := range cfg.Policy.MaintenanceHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("policy.maintenance_hours contains invalid hour: %d", h)
		}
	}
	if cfg.Policy.TopK < 0 {
		return errors.New("policy.top_k must be >= 0")
	}
	if cfg.Reconcile.Cap < 0 {
		return errors.New("reconcile.cap must be >= 0")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Kafka.Enabled && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "") {
		return errors.New("kafka requires brokers and topic")
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("unsupported storage driver: %q", cfg.Storage.Driver)
		}
	}
	return nil
}

// Params converts the scoring section into the scorer's parameter set.
func (s ScoringConfig) Params() scoring.Config {
	return scoring.Config{
		Model:         scoring.Model(s.Model),
		Contamination: s.Contamination,
		Nu:            s.Nu,
		Trees:         s.Trees,
		SampleSize:    s.SampleSize,
		Eps:           s.Eps,
		MinSamples:    s.MinSamples,
		Seed:          s.Seed,
		Epochs:        s.Autoencoder.Epochs,
		BatchSize:     s.Autoencoder.BatchSize,
		LearningRate:  s.Autoencoder.LearningRate,
		MaxTrainTime:  s.Autoencoder.MaxTrainTime,
	}
}

// Capabilities resolves which optional scoring backends this process may use.
func (c *Config) Capabilities() scoring.Capabilities {
	return scoring.Capabilities{
		Reconstruction: c.Scoring.Autoencoder.Enabled && scoring.ReconstructionCompiledIn,
	}
}

// ParseWindow accepts Go durations ("1h", "90m") and the pandas-style
// aliases used by older feature jobs ("1H", "15min", "30T", "1D").
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty window")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("window must be positive: %s", s)
		}
		return d, nil
	}
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9') {
		i++
	}
	n := 1
	if i > 0 {
		v, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, err
		}
		n = v
	}
	var unit time.Duration
	switch strings.ToLower(s[i:]) {
	case "s", "sec":
		unit = time.Second
	case "t", "min":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unsupported window: %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("window must be positive: %s", s)
	}
	return time.Duration(n) * unit, nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an already loaded config. Watch is a no-op for it.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
