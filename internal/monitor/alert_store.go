package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/hazard-announcer/internal/channel"
	"github.com/t77yq/hazard-announcer/internal/model"
)

// DefaultMaxDisplay caps the number of alerts returned by GetAllAlerts
const DefaultMaxDisplay = 50

// Listener receives the full active snapshot after every change
type Listener func(active []*model.Alert)

// NotifyGate reports whether the named side channel may fire
type NotifyGate func(channel string) bool

// Subscription delivers single admitted alerts matching its filters. Empty
// filters match everything; Location is a case-insensitive substring match.
type Subscription struct {
	ComponentID string
	Severities  []model.AlertSeverity
	Kinds       []model.AlertKind
	Location    string
	Callback    func(a *model.Alert)
}

// Matches reports whether a passes every filter of s
func (s Subscription) Matches(a *model.Alert) bool {
	if len(s.Severities) > 0 {
		ok := false
		for _, sev := range s.Severities {
			if sev == a.Severity {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(s.Kinds) > 0 {
		ok := false
		for _, k := range s.Kinds {
			if k == a.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if s.Location != "" && !strings.Contains(strings.ToLower(a.Location), strings.ToLower(s.Location)) {
		return false
	}
	return true
}

// StoreOptions configures an AlertStore
type StoreOptions struct {
	MaxDisplay int
	Now        func() time.Time
	Metrics    *Metrics
	Notifiers  []channel.Notifier
	Gate       NotifyGate
}

// AlertStore is the set of currently known alerts. Membership is independent
// of announcement eligibility.
type AlertStore struct {
	logger     *zap.Logger
	now        func() time.Time
	maxDisplay int
	metrics    *Metrics
	notifiers  []channel.Notifier
	gate       NotifyGate

	mu           sync.RWMutex
	alerts       map[string]*model.Alert
	listeners    map[uint64]Listener
	nextListener uint64
	subs         map[string]Subscription
}

// NewAlertStore creates an empty store
func NewAlertStore(opts StoreOptions, logger *zap.Logger) *AlertStore {
	if opts.MaxDisplay <= 0 {
		opts.MaxDisplay = DefaultMaxDisplay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Gate == nil {
		opts.Gate = func(string) bool { return true }
	}
	return &AlertStore{
		logger:     logger.Named("alert-store"),
		now:        opts.Now,
		maxDisplay: opts.MaxDisplay,
		metrics:    opts.Metrics,
		notifiers:  opts.Notifiers,
		gate:       opts.Gate,
		alerts:     make(map[string]*model.Alert),
		listeners:  make(map[uint64]Listener),
		subs:       make(map[string]Subscription),
	}
}

// AddAlert inserts a unless its ID is already present or it has already
// expired. On insert the side-channel notifiers run, then every listener
// gets the active snapshot, then every matching subscription gets a.
func (s *AlertStore) AddAlert(ctx context.Context, a *model.Alert) bool {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := s.now()
	if !a.Active(now) {
		s.logger.Debug("Ignoring expired alert", zap.String("alert_id", a.ID))
		return false
	}

	s.mu.Lock()
	if _, exists := s.alerts[a.ID]; exists {
		s.mu.Unlock()
		return false
	}
	stored := a.Clone()
	s.alerts[a.ID] = stored
	subs := s.matchingLocked(stored)
	s.mu.Unlock()

	s.logger.Info("Alert stored",
		zap.String("alert_id", stored.ID),
		zap.String("kind", string(stored.Kind)),
		zap.String("severity", stored.Severity.String()),
		zap.String("location", stored.Location))

	s.notify(ctx, stored)
	active := s.GetAllAlerts()
	s.metrics.Stored(len(active))
	s.fanOut(active)
	for _, sub := range subs {
		s.deliver(sub, stored.Clone())
	}
	return true
}

func (s *AlertStore) matchingLocked(a *model.Alert) []Subscription {
	var out []Subscription
	for _, sub := range s.subs {
		if sub.Matches(a) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentID < out[j].ComponentID })
	return out
}

// Get returns a copy of the alert with id, if stored and active
func (s *AlertStore) Get(id string) (*model.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok || !a.Active(s.now()) {
		return nil, false
	}
	return a.Clone(), true
}

// GetAllAlerts returns active alerts by priority then recency, capped at
// the display limit
func (s *AlertStore) GetAllAlerts() []*model.Alert {
	now := s.now()

	s.mu.RLock()
	active := make([]*model.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if a.Active(now) {
			active = append(active, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		if !active[i].ObservedAt.Equal(active[j].ObservedAt) {
			return active[i].ObservedAt.After(active[j].ObservedAt)
		}
		return active[i].ID < active[j].ID
	})

	if len(active) > s.maxDisplay {
		active = active[:s.maxDisplay]
	}
	return active
}

// DismissAlert removes the alert with id
func (s *AlertStore) DismissAlert(id string) bool {
	s.mu.Lock()
	_, ok := s.alerts[id]
	delete(s.alerts, id)
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.logger.Info("Alert dismissed", zap.String("alert_id", id))
	s.changed()
	return true
}

// ClearAllAlerts removes every alert
func (s *AlertStore) ClearAllAlerts() {
	s.mu.Lock()
	s.alerts = make(map[string]*model.Alert)
	s.mu.Unlock()

	s.logger.Info("All alerts cleared")
	s.changed()
}

// Sweep drops alerts expired at now and returns how many were removed
func (s *AlertStore) Sweep(now time.Time) int {
	s.mu.Lock()
	removed := 0
	for id, a := range s.alerts {
		if !a.Active(now) {
			delete(s.alerts, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("Expired alerts swept", zap.Int("removed", removed))
		s.changed()
	}
	return removed
}

// AddListener registers fn for snapshot updates; call the returned func to remove it
func (s *AlertStore) AddListener(fn Listener) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Subscribe registers sub and returns its ID
func (s *AlertStore) Subscribe(sub Subscription) string {
	id := uuid.New().String()
	s.mu.Lock()
	s.subs[id] = sub
	s.mu.Unlock()

	s.logger.Debug("Subscription added",
		zap.String("subscription_id", id),
		zap.String("component_id", sub.ComponentID))
	return id
}

// Unsubscribe removes the subscription with id
func (s *AlertStore) Unsubscribe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	return ok
}

func (s *AlertStore) changed() {
	active := s.GetAllAlerts()
	s.metrics.SetActive(len(active))
	s.fanOut(active)
}

func (s *AlertStore) fanOut(active []*model.Alert) {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, fn := range listeners {
		snapshot := make([]*model.Alert, len(active))
		for i, a := range active {
			snapshot[i] = a.Clone()
		}
		s.safely("listener", func() { fn(snapshot) })
	}
}

func (s *AlertStore) deliver(sub Subscription, a *model.Alert) {
	if sub.Callback == nil {
		return
	}
	s.safely("subscription "+sub.ComponentID, func() { sub.Callback(a) })
}

func (s *AlertStore) notify(ctx context.Context, a *model.Alert) {
	for _, n := range s.notifiers {
		if !s.gate(n.Name()) {
			continue
		}
		n := n
		s.safely("notifier "+n.Name(), func() {
			if err := n.Notify(ctx, a.Clone()); err != nil {
				s.logger.Warn("Notifier failed",
					zap.String("notifier", n.Name()),
					zap.String("alert_id", a.ID),
					zap.Error(err))
			}
		})
	}
}

// safely runs fn, logging instead of propagating a panic
func (s *AlertStore) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Callback panicked",
				zap.String("callback", what),
				zap.Error(fmt.Errorf("%v", r)))
		}
	}()
	fn()
}
