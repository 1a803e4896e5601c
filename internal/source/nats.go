package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/hazard-announcer/internal/model"
)

const (
	// InboxSubject receives pushed hazard events, one alert per message
	InboxSubject = "hazard.events.>"

	defaultInboxCapacity = 1000
)

// InboxSource buffers alerts pushed over NATS and hands them to the next
// poll cycle
type InboxSource struct {
	logger   *zap.Logger
	nc       *nats.Conn
	subject  string
	capacity int

	mu      sync.Mutex
	buffer  []*model.Alert
	dropped int
	sub     *nats.Subscription
}

// NewInboxSource creates an unsubscribed inbox; capacity <= 0 uses the default
func NewInboxSource(nc *nats.Conn, subject string, capacity int, logger *zap.Logger) *InboxSource {
	if subject == "" {
		subject = InboxSubject
	}
	if capacity <= 0 {
		capacity = defaultInboxCapacity
	}
	return &InboxSource{
		logger:   logger.Named("inbox"),
		nc:       nc,
		subject:  subject,
		capacity: capacity,
	}
}

// Start subscribes to the inbox subject
func (s *InboxSource) Start() error {
	sub, err := s.nc.Subscribe(s.subject, s.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	s.logger.Info("Inbox listening", zap.String("subject", s.subject))
	return nil
}

// Stop unsubscribes
func (s *InboxSource) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe inbox", zap.Error(err))
		}
	}
}

func (s *InboxSource) handleMessage(msg *nats.Msg) {
	var a model.Alert
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		s.logger.Warn("Failed to unmarshal pushed alert",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}
	if !a.Kind.Valid() {
		s.logger.Warn("Dropping pushed alert of unknown kind", zap.String("kind", string(a.Kind)))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) >= s.capacity {
		s.buffer = s.buffer[1:]
		s.dropped++
	}
	s.buffer = append(s.buffer, &a)
}

func (s *InboxSource) Name() string { return "inbox" }

// Fetch drains the buffer. Pushed alerts are not filtered by location.
func (s *InboxSource) Fetch(ctx context.Context, _ string) ([]*model.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	alerts := s.buffer
	dropped := s.dropped
	s.buffer = nil
	s.dropped = 0
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Warn("Inbox overflowed, oldest alerts dropped", zap.Int("dropped", dropped))
	}
	return alerts, nil
}
