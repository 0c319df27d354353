// Package recovery restores persisted grid sessions at startup in paced
// batches so the burst of subscriptions cannot trip upstream limits.
package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/tidewater/conduit/errs"
	"github.com/tidewater/conduit/internal/observability"
	"github.com/tidewater/conduit/internal/sessionstore"
)

// Restorer re-establishes the live subscriptions for one session record.
type Restorer interface {
	Restore(ctx context.Context, rec sessionstore.Record) error
}

// Lister supplies the records to restore.
type Lister interface {
	ListActive(ctx context.Context) ([]sessionstore.Record, error)
}

// Config tunes batching.
type Config struct {
	// BatchSize is the number of sessions restored concurrently per batch.
	BatchSize int
	// BatchDelay is the pause between batches.
	BatchDelay time.Duration
}

// DefaultConfig mirrors the production pacing: two sessions per second.
func DefaultConfig() Config {
	return Config{BatchSize: 2, BatchDelay: time.Second}
}

// Report summarizes one recovery run.
type Report struct {
	Total    int
	Restored int
	Failed   int
	Skipped  int
	Duration time.Duration
}

type state int32

const (
	stateIdle state = iota
	stateRunning
	stateDone
)

// Coordinator is a one-shot startup job: it lists active sessions and
// restores them in paced batches, skipping records that fail validation.
type Coordinator struct {
	cfg      Config
	store    Lister
	restorer Restorer
	logger   observability.Logger
	clock    func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	state atomic.Int32
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleep overrides the inter-batch pause, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// New constructs a Coordinator. Zero config fields fall back to defaults.
func New(cfg Config, store Lister, restorer Restorer, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = def.BatchDelay
	}
	c := &Coordinator{
		cfg:      cfg,
		store:    store,
		restorer: restorer,
		logger:   observability.Log(),
		clock:    time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes the recovery pass. It may run at most once per Coordinator;
// later calls fail with an invalid-state error.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	if !c.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return Report{}, errs.New("recovery", errs.CodeState,
			errs.WithMessage("recovery already ran"))
	}
	defer c.state.Store(int32(stateDone))

	start := c.clock()
	records, err := c.store.ListActive(ctx)
	if err != nil {
		return Report{}, errs.New("recovery", errs.CodeUnavailable,
			errs.WithMessage("list active sessions"),
			errs.WithCause(err))
	}

	report := Report{Total: len(records)}
	var mu sync.Mutex

	c.logger.Info("session recovery started",
		observability.Field{Key: "total", Value: report.Total},
		observability.Field{Key: "batch_size", Value: c.cfg.BatchSize},
	)

	for offset := 0; offset < len(records); offset += c.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			report.Duration = c.clock().Sub(start)
			return report, err
		}
		if offset > 0 {
			if err := c.sleep(ctx, c.cfg.BatchDelay); err != nil {
				report.Duration = c.clock().Sub(start)
				return report, err
			}
		}

		end := min(offset+c.cfg.BatchSize, len(records))
		batch := records[offset:end]

		p := pool.New().WithMaxGoroutines(c.cfg.BatchSize)
		for _, rec := range batch {
			rec := rec
			p.Go(func() {
				outcome := c.restoreOne(ctx, rec)
				mu.Lock()
				switch outcome {
				case outcomeRestored:
					report.Restored++
				case outcomeSkipped:
					report.Skipped++
				case outcomeFailed:
					report.Failed++
				}
				mu.Unlock()
			})
		}
		p.Wait()
	}

	report.Duration = c.clock().Sub(start)
	c.logger.Info("session recovery finished",
		observability.Field{Key: "total", Value: report.Total},
		observability.Field{Key: "restored", Value: report.Restored},
		observability.Field{Key: "failed", Value: report.Failed},
		observability.Field{Key: "skipped", Value: report.Skipped},
		observability.Field{Key: "duration", Value: report.Duration},
	)
	return report, nil
}

type outcome int

const (
	outcomeRestored outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (c *Coordinator) restoreOne(ctx context.Context, rec sessionstore.Record) outcome {
	if err := rec.Validate(); err != nil {
		c.logger.Info("session skipped",
			observability.Field{Key: "session_id", Value: rec.ID},
			observability.Field{Key: "reason", Value: err.Error()},
		)
		return outcomeSkipped
	}
	if err := c.restorer.Restore(ctx, rec); err != nil {
		c.logger.Error("session restore failed",
			observability.Field{Key: "session_id", Value: rec.ID},
			observability.Field{Key: "symbol", Value: rec.Symbol},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return outcomeFailed
	}
	c.logger.Debug("session restored",
		observability.Field{Key: "session_id", Value: rec.ID},
		observability.Field{Key: "symbol", Value: rec.Symbol},
	)
	return outcomeRestored
}
