// Package cli wires the mdmguard commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mdmguard/internal/alerts"
	"mdmguard/internal/config"
	"mdmguard/internal/logging"
	"mdmguard/internal/metrics"
	"mdmguard/internal/notify"
	"mdmguard/internal/pipeline"
	"mdmguard/internal/storage"
)

// Set at build time with -ldflags "-X mdmguard/internal/cli.Version=...".
var (
	Version = "dev"
	Commit  = "none"
)

type app struct {
	configPath string
	logLevel   string
	quiet      bool
	stdout     io.Writer
	stderr     io.Writer
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(out, errOut io.Writer) *cobra.Command {
	return newRootCommand(out, errOut)
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}
	cmd := &cobra.Command{
		Use:   "mdmguard",
		Short: "Batch anomaly detection for MDM device telemetry",
		Long: `mdmguard normalizes MDM event exports, aggregates them into per-device
time windows, scores the windows with an unsupervised detector and writes
the filtered alert table for the security team.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetVersionTemplate(fmt.Sprintf("mdmguard {{.Version}} (commit %s)\n", Commit))

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file, YAML or JSON (default: built-in settings)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "suppress console log output")

	cmd.AddCommand(
		newRunCmd(a),
		newServeCmd(a),
		newNormalizeCmd(a),
		newFeaturesCmd(a),
		newHistoryCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return cmd
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	return cfg, nil
}

// logger writes to stderr so command output on stdout stays machine readable.
// --quiet silences the console; a configured log file is still written.
func (a *app) logger(cfg *config.Config) (*slog.Logger, io.Closer) {
	w := a.stderr
	if a.quiet {
		w = io.Discard
	}
	return logging.NewFromConfig(cfg, w)
}

// services bundles the runner and the sinks it publishes to.
type services struct {
	runner   *pipeline.Runner
	devices  *metrics.Store
	alerts   *alerts.Store
	store    storage.Store
	notifier *notify.Notifier
}

func (s *services) Close() error {
	var errs []string
	notifier := s.notifier
	if s.runner != nil {
		notifier = s.runner.SetNotifier(nil)
	}
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close: %s", strings.Join(errs, "; "))
	}
	return nil
}

func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	s := &services{
		devices: metrics.NewStore(cfg.Metrics.StoreLimit),
		alerts:  alerts.NewStore(cfg.Alerts.StoreLimit),
	}
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := store.Init(initCtx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init storage: %w", err)
		}
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
		s.store = store
	}
	s.notifier = notify.New(cfg, logger)
	s.runner = pipeline.NewRunner(cfg, logger, s.devices, s.alerts, s.store, s.notifier)
	return s, nil
}

// parseTimeFlag accepts RFC 3339 timestamps and plain dates.
func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("--%s: cannot parse %q as a date or RFC 3339 time", name, value)
}
