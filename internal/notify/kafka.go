package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"mdmguard/internal/config"
	"mdmguard/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards alerts to a topic, one JSON message per alert keyed
// by device id so a device's alerts stay on one partition.
type KafkaPublisher struct {
	w       messageWriter
	timeout time.Duration
}

func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	if !cfg.Enabled {
		return nil
	}
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		timeout: cfg.Timeout,
	}
}

type alertMessage struct {
	RunID string `json:"run_id"`
	model.Alert
}

func (p *KafkaPublisher) Publish(ctx context.Context, runID string, alerts []model.Alert) error {
	if p == nil || len(alerts) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(alerts))
	for _, a := range alerts {
		value, err := json.Marshal(alertMessage{RunID: runID, Alert: a})
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(a.DeviceID), Value: value})
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.w.WriteMessages(ctx, msgs...)
}

func (p *KafkaPublisher) Close() error {
	if p == nil {
		return nil
	}
	return p.w.Close()
}
