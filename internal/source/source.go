package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/hazard-announcer/internal/model"
)

// DefaultFetchTimeout bounds one source call within a poll cycle
const DefaultFetchTimeout = 20 * time.Second

var (
	// ErrSourceTimeout is reported when a source does not answer within its timeout
	ErrSourceTimeout = errors.New("source timed out")

	// ErrUnexpectedStatus is returned for non-2xx upstream responses
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// Fetcher is one upstream hazard source
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, location string) ([]*model.Alert, error)
}

// Result is the outcome of one source call
type Result struct {
	Source string
	Alerts []*model.Alert
	Err    error
	Took   time.Duration
}

// FetchAll calls every fetcher concurrently, each bounded by its own timeout,
// and merges the alerts in fetcher order. A failed or slow source contributes
// zero alerts and never delays the others beyond timeout.
func FetchAll(ctx context.Context, fetchers []Fetcher, location string, timeout time.Duration, logger *zap.Logger) ([]*model.Alert, []Result) {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	results := make([]Result, len(fetchers))
	var g errgroup.Group

	for i, f := range fetchers {
		i, f := i, f
		g.Go(func() error {
			results[i] = fetchOne(ctx, f, location, timeout)
			return nil
		})
	}
	_ = g.Wait()

	var merged []*model.Alert
	for _, r := range results {
		if r.Err != nil {
			logger.Warn("Source fetch failed",
				zap.String("source", r.Source),
				zap.Duration("took", r.Took),
				zap.Error(r.Err))
			continue
		}
		logger.Debug("Source fetched",
			zap.String("source", r.Source),
			zap.Int("alerts", len(r.Alerts)),
			zap.Duration("took", r.Took))
		merged = append(merged, r.Alerts...)
	}
	return merged, results
}

func fetchOne(ctx context.Context, f Fetcher, location string, timeout time.Duration) Result {
	name := f.Name()
	start := time.Now()

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Err: fmt.Errorf("source panicked: %v", r)}
			}
		}()
		alerts, err := f.Fetch(fctx, location)
		done <- Result{Alerts: alerts, Err: err}
	}()

	var r Result
	select {
	case r = <-done:
	case <-fctx.Done():
		r = Result{Err: fmt.Errorf("%w: %v", ErrSourceTimeout, fctx.Err())}
	}

	r.Source = name
	r.Took = time.Since(start)
	if r.Err != nil {
		r.Alerts = nil
		return r
	}
	for _, a := range r.Alerts {
		if a.Source == "" {
			a.Source = name
		}
	}
	return r
}
