package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/hazard-announcer/internal/model"
	"github.com/t77yq/hazard-announcer/internal/monitor"
)

const (
	SnapshotStreamName = "ALERTS"
	SnapshotSubject    = "alerts.active"

	publishTimeout = 5 * time.Second
)

// Snapshot is the active alert set as seen by UI panels
type Snapshot struct {
	Sequence  uint64         `json:"sequence"`
	Count     int            `json:"count"`
	Alerts    []*model.Alert `json:"alerts"`
	Timestamp time.Time      `json:"timestamp"`
}

// SnapshotFeed publishes active-alert snapshots to JetStream. The stream
// keeps only the latest snapshot so late subscribers start from current state.
type SnapshotFeed struct {
	js       nats.JetStreamContext
	logger   *zap.Logger
	sequence atomic.Uint64
}

// NewSnapshotFeed ensures the snapshot stream exists
func NewSnapshotFeed(js nats.JetStreamContext, logger *zap.Logger) (*SnapshotFeed, error) {
	if _, err := js.StreamInfo(SnapshotStreamName); err != nil {
		if err != nats.ErrStreamNotFound {
			return nil, fmt.Errorf("failed to get stream info: %w", err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:              SnapshotStreamName,
			Subjects:          []string{SnapshotSubject},
			Storage:           nats.FileStorage,
			MaxMsgsPerSubject: 1,
		}); err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
		logger.Info("Created snapshot stream", zap.String("name", SnapshotStreamName))
	}

	return &SnapshotFeed{
		js:     js,
		logger: logger.Named("feed"),
	}, nil
}

// Publish sends one snapshot of alerts
func (f *SnapshotFeed) Publish(ctx context.Context, alerts []*model.Alert) error {
	snap := Snapshot{
		Sequence:  f.sequence.Add(1),
		Count:     len(alerts),
		Alerts:    alerts,
		Timestamp: time.Now(),
	}
	if snap.Alerts == nil {
		snap.Alerts = []*model.Alert{}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if _, err := f.js.Publish(SnapshotSubject, data, nats.Context(ctx)); err != nil {
		f.logger.Error("Failed to publish snapshot",
			zap.Uint64("sequence", snap.Sequence),
			zap.Error(err))
		return err
	}

	f.logger.Debug("Snapshot published",
		zap.Uint64("sequence", snap.Sequence),
		zap.Int("count", snap.Count))
	return nil
}

// Listener adapts the feed to an AlertStore listener
func (f *SnapshotFeed) Listener() monitor.Listener {
	return func(active []*model.Alert) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		// errors are logged by Publish
		_ = f.Publish(ctx, active)
	}
}

// Subscribe delivers the latest snapshot and every one after it to handler
// until ctx is done
func (f *SnapshotFeed) Subscribe(ctx context.Context, handler func(Snapshot)) error {
	sub, err := f.js.Subscribe(SnapshotSubject, func(msg *nats.Msg) {
		var snap Snapshot
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			f.logger.Error("Failed to unmarshal snapshot",
				zap.Error(err))
			msg.Ack()
			return
		}

		handler(snap)
		msg.Ack()
	}, nats.DeliverLastPerSubject())

	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
