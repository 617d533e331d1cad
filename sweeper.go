package lifecycle

import (
	"context"
	"time"
)

// Sweepable is a store that can drop rows older than a cutoff
type Sweepable interface {
	Sweep(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepResult counts the rows removed by one pass
type SweepResult struct {
	Tokens   int64
	Events   int64
	Counters int64
}

// Sweeper garbage collects expired tokens, old ledger rows and elapsed
// rate limit windows.
type Sweeper struct {
	Tokens          Sweepable
	Ledger          *EventLedger
	Counters        Sweepable
	TokenRetention  time.Duration
	LedgerRetention time.Duration
	Interval        time.Duration
	Logger          Logger
	Clock           func() time.Time
}

// RunOnce performs a single pass. A failing store does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	logger := normalizeLogger(s.Logger)
	now := s.now()

	var (
		res      SweepResult
		firstErr error
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.Tokens != nil {
		n, err := s.Tokens.Sweep(ctx, now.Add(-s.TokenRetention))
		if err != nil {
			logger.Error("token sweep failed", "error", err)
		}
		res.Tokens = n
		keep(err)
	}

	if s.Ledger != nil && s.LedgerRetention > 0 {
		n, err := s.Ledger.Prune(ctx, now.Add(-s.LedgerRetention))
		if err != nil {
			logger.Error("ledger prune failed", "error", err)
		}
		res.Events = n
		keep(err)
	}

	if s.Counters != nil {
		n, err := s.Counters.Sweep(ctx, now)
		if err != nil {
			logger.Error("rate limit counter sweep failed", "error", err)
		}
		res.Counters = n
		keep(err)
	}

	logger.Debug("sweep finished", "tokens", res.Tokens, "events", res.Events, "counters", res.Counters)
	return res, firstErr
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// errors are logged by RunOnce, the next tick tries again
			_, _ = s.RunOnce(ctx)
		}
	}
}

func (s *Sweeper) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}
