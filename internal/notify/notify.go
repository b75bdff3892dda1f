// Package notify delivers run reports to operators: email with the alert CSV
// attached, and alert messages on Kafka.
package notify

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mdmguard/internal/config"
	"mdmguard/internal/metrics"
)

// emailThrottleKey scopes the email throttle to the whole notifier, so
// at most one report goes out per min_interval.
const emailThrottleKey = "email"

type Notifier struct {
	mailer      *Mailer
	kafka       *KafkaPublisher
	throttle    *Throttle
	minInterval time.Duration
	sendOnAlert bool
	logger      *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		mailer:      NewMailer(cfg.Email),
		kafka:       NewKafkaPublisher(cfg.Kafka),
		throttle:    NewThrottle(),
		minInterval: cfg.Email.MinInterval,
		sendOnAlert: cfg.Email.SendOnAlerts,
		logger:      logger,
	}
}

// Notify publishes r. Failures are logged and counted, never returned.
func (n *Notifier) Notify(ctx context.Context, r Report) {
	if n == nil || len(r.Alerts) == 0 {
		return
	}
	if err := n.kafka.Publish(ctx, r.RunID, r.Alerts); err != nil {
		metrics.NotifyErrors.WithLabelValues("kafka").Inc()
		n.logger.Warn("kafka publish failed", "run_id", r.RunID, "err", err)
	}
	if !n.sendOnAlert || !n.mailer.Configured() {
		return
	}
	if !n.throttle.Allow(emailThrottleKey, n.minInterval) {
		n.logger.Info("alert email suppressed", "run_id", r.RunID, "min_interval", n.minInterval)
		return
	}
	var att *Attachment
	if r.AlertsFile != "" {
		if data, err := os.ReadFile(r.AlertsFile); err == nil {
			att = &Attachment{Name: filepath.Base(r.AlertsFile), Data: data}
		}
	}
	if err := n.mailer.Send(ctx, Subject(r), Summary(r), att); err != nil {
		metrics.NotifyErrors.WithLabelValues("email").Inc()
		n.logger.Warn("alert email failed", "run_id", r.RunID, "err", err)
		return
	}
	n.logger.Info("alert email sent", "run_id", r.RunID, "to", n.mailer.cfg.To)
}

func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	return n.kafka.Close()
}
