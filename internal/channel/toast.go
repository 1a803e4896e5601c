package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/hazard-announcer/internal/model"
)

const (
	ToastStreamName    = "TOASTS"
	ToastSubjectPrefix = "alert.toast."

	toastMaxAge = time.Hour
)

// Toast is the in-app toast payload
type Toast struct {
	AlertID  string              `json:"alert_id"`
	Kind     model.AlertKind     `json:"kind"`
	Severity model.AlertSeverity `json:"severity"`
	Title    string              `json:"title"`
	Message  string              `json:"message"`
	Location string              `json:"location"`
	SentAt   time.Time           `json:"sent_at"`
}

// ToastNotifier publishes toasts to JetStream for UI clients
type ToastNotifier struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewToastNotifier ensures the toast stream exists
func NewToastNotifier(js nats.JetStreamContext, logger *zap.Logger) (*ToastNotifier, error) {
	if _, err := js.StreamInfo(ToastStreamName); err != nil {
		if err != nats.ErrStreamNotFound {
			return nil, fmt.Errorf("failed to get stream info: %w", err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     ToastStreamName,
			Subjects: []string{ToastSubjectPrefix + ">"},
			Storage:  nats.FileStorage,
			MaxAge:   toastMaxAge,
		}); err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
		logger.Info("Created toast stream", zap.String("name", ToastStreamName))
	}

	return &ToastNotifier{
		logger: logger.Named("toast"),
		js:     js,
	}, nil
}

func (n *ToastNotifier) Name() string { return model.ChannelToast }

func (n *ToastNotifier) Notify(ctx context.Context, a *model.Alert) error {
	data, err := json.Marshal(Toast{
		AlertID:  a.ID,
		Kind:     a.Kind,
		Severity: a.Severity,
		Title:    a.Title,
		Message:  a.Message,
		Location: a.Location,
		SentAt:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal toast: %w", err)
	}

	subject := ToastSubjectPrefix + string(a.Kind)
	if _, err := n.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish toast: %w", err)
	}

	n.logger.Debug("Toast published", zap.String("subject", subject), zap.String("alert_id", a.ID))
	return nil
}
