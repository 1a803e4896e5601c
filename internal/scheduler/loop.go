package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// Loop drives the poller on a fixed interval
type Loop struct {
	logger *zap.Logger
	poller *Poller
	cron   *cron.Cron
	wg     sync.WaitGroup

	mu       sync.Mutex
	ctx      context.Context
	entryID  cron.EntryID
	interval time.Duration
	started  bool
}

// NewLoop creates a stopped loop. Overlapping ticks are skipped and job
// panics are recovered.
func NewLoop(poller *Poller, logger *zap.Logger) *Loop {
	cl := &cronLogger{logger: logger.Named("cron")}
	return &Loop{
		logger: logger.Named("loop"),
		poller: poller,
		cron: cron.New(
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
	}
}

// Start schedules the poll job every interval and starts the scheduler
func (l *Loop) Start(ctx context.Context, interval time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return errors.New("loop already started")
	}
	l.ctx = ctx
	if err := l.scheduleLocked(interval); err != nil {
		return err
	}
	l.cron.Start()
	l.started = true

	l.logger.Info("Poll loop started", zap.Duration("interval", interval))
	return nil
}

// Reschedule replaces the poll entry with a new interval
func (l *Loop) Reschedule(interval time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if interval == l.interval {
		return nil
	}
	old := l.entryID
	if err := l.scheduleLocked(interval); err != nil {
		return err
	}
	l.cron.Remove(old)

	l.logger.Info("Poll loop rescheduled", zap.Duration("interval", interval))
	return nil
}

func (l *Loop) scheduleLocked(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid poll interval %s", interval)
	}
	entryID, err := l.cron.AddJob(fmt.Sprintf("@every %s", interval), &pollJob{loop: l})
	if err != nil {
		return fmt.Errorf("failed to add poll job: %w", err)
	}
	l.entryID = entryID
	l.interval = interval
	return nil
}

// Interval returns the current poll interval
func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// Next returns the next scheduled run
func (l *Loop) Next() time.Time {
	l.mu.Lock()
	id := l.entryID
	l.mu.Unlock()
	return l.cron.Entry(id).Next
}

// Trigger runs a poll cycle outside the schedule
func (l *Loop) Trigger() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run()
	}()
}

// Stop stops scheduling and waits for running cycles to finish
func (l *Loop) Stop() {
	ctx := l.cron.Stop()
	<-ctx.Done()
	l.wg.Wait()
	l.logger.Info("Poll loop stopped")
}

func (l *Loop) run() {
	l.mu.Lock()
	ctx := l.ctx
	l.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := l.poller.Poll(ctx); err != nil {
		if errors.Is(err, ErrCycleInProgress) || errors.Is(err, context.Canceled) {
			l.logger.Debug("Poll cycle not run", zap.Error(err))
			return
		}
		l.logger.Warn("Poll cycle failed", zap.Error(err))
	}
}

// pollJob implements cron.Job
type pollJob struct {
	loop *Loop
}

// Run implements cron.Job
func (j *pollJob) Run() {
	j.loop.run()
}
