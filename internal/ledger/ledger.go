package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/hazard-announcer/internal/model"
	"github.com/t77yq/hazard-announcer/internal/storage"
)

const (
	// DuplicateWindow is the minimum spacing before a fingerprint may be re-announced
	DuplicateWindow = 2 * time.Hour

	// Retention is how long an inactive record is kept
	Retention = 7 * 24 * time.Hour

	// StartLogWindow bounds the announcement start log kept for quota checks
	StartLogWindow = time.Hour

	storageKey = "ledger"
)

var (
	// ErrDuplicate is returned when a fingerprint was already announced and has not escalated
	ErrDuplicate = errors.New("duplicate fingerprint")

	// ErrDismissed is returned for fingerprints the user dismissed
	ErrDismissed = errors.New("fingerprint dismissed")
)

type snapshot struct {
	Records []*model.FingerprintRecord `json:"records"`
	Starts  []time.Time                `json:"starts"`
}

// Ledger owns the fingerprint history and the announcement start log
type Ledger struct {
	logger  *zap.Logger
	kv      storage.KV
	mu      sync.Mutex
	records map[string]*model.FingerprintRecord
	starts  []time.Time
	last    time.Time
}

// New creates an empty ledger persisted through kv
func New(kv storage.KV, logger *zap.Logger) *Ledger {
	return &Ledger{
		logger:  logger.Named("ledger"),
		kv:      kv,
		records: make(map[string]*model.FingerprintRecord),
	}
}

// Load restores persisted state; a read failure leaves the ledger empty
func (l *Ledger) Load(ctx context.Context) error {
	data, err := l.kv.Get(ctx, storageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		l.logger.Warn("Failed to load ledger, starting empty", zap.Error(err))
		return fmt.Errorf("failed to load ledger: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		l.logger.Warn("Discarding corrupt ledger snapshot", zap.Error(err))
		return fmt.Errorf("failed to decode ledger: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[string]*model.FingerprintRecord, len(snap.Records))
	for _, rec := range snap.Records {
		l.records[rec.Fingerprint] = rec
	}
	l.starts = snap.Starts
	l.last = time.Time{}
	for _, s := range l.starts {
		if s.After(l.last) {
			l.last = s
		}
	}

	l.logger.Info("Ledger loaded",
		zap.Int("records", len(l.records)),
		zap.Int("recent_announcements", len(l.starts)))
	return nil
}

// Flush persists the ledger
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	snap := snapshot{
		Records: make([]*model.FingerprintRecord, 0, len(l.records)),
		Starts:  append([]time.Time(nil), l.starts...),
	}
	for _, rec := range l.records {
		r := *rec
		snap.Records = append(snap.Records, &r)
	}
	l.mu.Unlock()

	sort.Slice(snap.Records, func(i, j int) bool {
		return snap.Records[i].Fingerprint < snap.Records[j].Fingerprint
	})

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}
	if err := l.kv.Set(ctx, storageKey, data); err != nil {
		l.logger.Warn("Failed to persist ledger", zap.Error(err))
		return fmt.Errorf("failed to persist ledger: %w", err)
	}
	return nil
}

// Observe notes that fp was seen at now, creating its record on first sight
func (l *Ledger) Observe(fp string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[fp]
	if !ok {
		l.records[fp] = &model.FingerprintRecord{
			Fingerprint: fp,
			FirstSeen:   now,
			LastSeen:    now,
		}
		return
	}
	if now.After(rec.LastSeen) {
		rec.LastSeen = now
	}
}

// Check decides whether fp at severity may be announced at now. A record that
// was announced before is re-admitted only when the duplicate window has
// elapsed AND severity strictly escalated.
func (l *Ledger) Check(fp string, severity model.AlertSeverity, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[fp]
	if !ok {
		return nil
	}
	if rec.UserDismissed {
		return ErrDismissed
	}
	if rec.TimesAnnounced == 0 {
		return nil
	}
	elapsed := now.Sub(rec.LastAnnounced) >= DuplicateWindow
	escalated := severity > rec.SeverityAtLastAnnouncement
	if elapsed && escalated {
		return nil
	}
	return ErrDuplicate
}

// RecordAnnouncement records that playback of fp started at now
func (l *Ledger) RecordAnnouncement(fp string, severity model.AlertSeverity, now time.Time) model.FingerprintRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[fp]
	if !ok {
		rec = &model.FingerprintRecord{Fingerprint: fp, FirstSeen: now, LastSeen: now}
		l.records[fp] = rec
	}
	rec.LastAnnounced = now
	rec.TimesAnnounced++
	rec.SeverityAtLastAnnouncement = severity

	l.starts = append(l.starts, now)
	if now.After(l.last) {
		l.last = now
	}

	l.logger.Debug("Announcement recorded",
		zap.String("fingerprint", fp),
		zap.String("severity", severity.String()),
		zap.Int("times_announced", rec.TimesAnnounced))

	return *rec
}

// Dismiss permanently suppresses fp
func (l *Ledger) Dismiss(fp string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[fp]
	if !ok {
		rec = &model.FingerprintRecord{Fingerprint: fp, FirstSeen: now, LastSeen: now}
		l.records[fp] = rec
	}
	rec.UserDismissed = true
	l.logger.Info("Fingerprint dismissed", zap.String("fingerprint", fp))
}

// Record returns a copy of the record for fp
func (l *Ledger) Record(fp string) (model.FingerprintRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[fp]
	if !ok {
		return model.FingerprintRecord{}, false
	}
	return *rec, true
}

// AnnouncementsSince counts announcement starts at or after since
func (l *Ledger) AnnouncementsSince(since time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, s := range l.starts {
		if !s.Before(since) {
			n++
		}
	}
	return n
}

// LastAnnouncement returns the start time of the most recent announcement
func (l *Ledger) LastAnnouncement() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Collect drops records inactive for longer than Retention and trims the
// start log. Dismissed records age out like any other.
func (l *Ledger) Collect(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for fp, rec := range l.records {
		if now.Sub(rec.LastActivity()) > Retention {
			delete(l.records, fp)
			removed++
		}
	}

	cutoff := now.Add(-StartLogWindow)
	kept := l.starts[:0]
	for _, s := range l.starts {
		if !s.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	l.starts = kept

	if removed > 0 {
		l.logger.Info("Collected inactive fingerprints", zap.Int("removed", removed))
	}
	return removed
}

// Len returns the number of tracked fingerprints
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
