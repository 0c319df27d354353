// Package governor gates upstream REST access behind a ban circuit-breaker
// and a local sliding-window rate limit.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tidewater/conduit/errs"
	"github.com/tidewater/conduit/internal/observability"
)

const upstreamName = "binance"

// Config tunes the governor thresholds.
type Config struct {
	// Window is the span of the local sliding request window.
	Window time.Duration
	// Threshold is the maximum number of requests allowed per key inside the window.
	Threshold int
	// LocalPenalty is how long a key is refused after exceeding the threshold.
	LocalPenalty time.Duration
	// PaceInterval is the minimum spacing between governed calls. Zero disables pacing.
	PaceInterval time.Duration
}

// DefaultConfig returns the thresholds used in production.
func DefaultConfig() Config {
	return Config{
		Window:       time.Minute,
		Threshold:    80,
		LocalPenalty: time.Minute,
		PaceInterval: 50 * time.Millisecond,
	}
}

// BanState is a read-only view of the circuit-breaker state.
type BanState struct {
	Banned bool
	Until  time.Time
	IP     string
}

// Stats reports cumulative governor counters.
type Stats struct {
	Requests        uint64
	BanRejections   uint64
	LocalRejections uint64
	BansRecorded    uint64
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(g *Governor) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Governor serializes upstream REST access. While a ban is active every
// governed call fails fast with the cached ban error; the state clears lazily
// once the ban deadline passes.
type Governor struct {
	cfg     Config
	limiter *rate.Limiter
	clock   func() time.Time
	logger  observability.Logger

	mu        sync.Mutex
	banUntil  time.Time
	banIP     string
	banErr    *errs.E
	windows   map[string]*window
	penalties map[string]time.Time
	stats     Stats
}

// New constructs a Governor. Zero config fields fall back to defaults.
func New(cfg Config, opts ...Option) *Governor {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.LocalPenalty <= 0 {
		cfg.LocalPenalty = def.LocalPenalty
	}
	limit := rate.Inf
	if cfg.PaceInterval > 0 {
		limit = rate.Every(cfg.PaceInterval)
	}
	g := &Governor{
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, 1),
		clock:     time.Now,
		logger:    observability.Log(),
		windows:   make(map[string]*window),
		penalties: make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Guard runs call under the governor. It fails fast during an active ban or
// local penalty, paces admitted calls, and inspects failures for ban payloads.
func (g *Governor) Guard(ctx context.Context, key string, call func(context.Context) ([]byte, error)) ([]byte, error) {
	if err := g.admit(key); err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, errs.New(upstreamName, CodeForWait(err), errs.WithCause(err))
	}
	body, err := call(ctx)
	if err != nil {
		g.RecordFailure(err)
		return nil, err
	}
	return body, nil
}

// CodeForWait maps a limiter wait failure onto an error code.
func CodeForWait(err error) errs.Code {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.CodeUnavailable
	}
	return errs.CodeRateLimited
}

func (g *Governor) admit(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	g.stats.Requests++

	g.clearExpiredLocked(now)
	if g.banErr != nil {
		g.stats.BanRejections++
		return g.cachedBanErrLocked(now)
	}

	if until, ok := g.penalties[key]; ok {
		if now.Before(until) {
			g.stats.LocalRejections++
			return errs.New(upstreamName, errs.CodeRateLimited,
				errs.WithMessage("local request window exhausted"),
				errs.WithRetryAfter(until.Sub(now)),
				errs.WithField("key", key),
			)
		}
		delete(g.penalties, key)
	}

	win, ok := g.windows[key]
	if !ok {
		win = newWindow(g.cfg.Window)
		g.windows[key] = win
	}
	if win.observe(now) > g.cfg.Threshold {
		until := now.Add(g.cfg.LocalPenalty)
		g.penalties[key] = until
		// Fresh window once the penalty is served.
		delete(g.windows, key)
		g.stats.LocalRejections++
		g.logger.Info("local rate window tripped",
			observability.Field{Key: "key", Value: key},
			observability.Field{Key: "until", Value: until},
		)
		return errs.New(upstreamName, errs.CodeRateLimited,
			errs.WithMessage("local request window exhausted"),
			errs.WithRetryAfter(g.cfg.LocalPenalty),
			errs.WithField("key", key),
		)
	}
	return nil
}

// RecordFailure inspects an upstream failure and trips the circuit-breaker
// when the payload carries a ban notice.
func (g *Governor) RecordFailure(err error) {
	notice, ok := ParseBanNotice(err)
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !notice.Until.After(g.banUntil) {
		return
	}
	g.banUntil = notice.Until
	g.banIP = notice.IP
	g.banErr = banEnvelope(err, notice)
	g.stats.BansRecorded++
	g.logger.Error("upstream ban recorded",
		observability.Field{Key: "banned_until", Value: notice.Until},
		observability.Field{Key: "banned_ip", Value: notice.IP},
	)
}

func banEnvelope(cause error, notice BanNotice) *errs.E {
	opts := []errs.Option{
		errs.WithMessage("origin banned by upstream"),
		errs.WithCause(cause),
		errs.WithRemediation("wait for the ban window to expire before retrying"),
	}
	if notice.IP != "" {
		opts = append(opts, errs.WithField("banned_ip", notice.IP))
	}
	opts = append(opts, errs.WithField("banned_until",
		fmt.Sprintf("%d", notice.Until.UnixMilli())))
	return errs.New(upstreamName, errs.CodeBanned, opts...)
}

func (g *Governor) cachedBanErrLocked(now time.Time) error {
	remaining := g.banUntil.Sub(now)
	env := *g.banErr
	env.RetryAfter = remaining
	return &env
}

func (g *Governor) clearExpiredLocked(now time.Time) {
	if g.banErr != nil && !now.Before(g.banUntil) {
		g.logger.Info("upstream ban expired",
			observability.Field{Key: "banned_until", Value: g.banUntil},
		)
		g.banErr = nil
		g.banUntil = time.Time{}
		g.banIP = ""
	}
}

// State returns the current circuit-breaker view, clearing expired bans.
func (g *Governor) State() BanState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearExpiredLocked(g.clock())
	return BanState{
		Banned: g.banErr != nil,
		Until:  g.banUntil,
		IP:     g.banIP,
	}
}

// Stats returns a copy of the cumulative counters.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}
