package registry

import (
	"context"
	"sync"
	"time"

	"github.com/tidewater/conduit/errs"
	"github.com/tidewater/conduit/internal/observability"
	"github.com/tidewater/conduit/internal/schema"
)

// Credential carries the API credential backing a user-data session.
type Credential struct {
	ID        string
	APIKey    string
	APISecret string
}

// Validate checks the credential fields.
func (c Credential) Validate() error {
	if c.ID == "" || c.APIKey == "" || c.APISecret == "" {
		return errs.New("registry", errs.CodeInvalid,
			errs.WithMessage("credential id, key, and secret required"))
	}
	return nil
}

// SessionKey identifies one user-data session.
type SessionKey struct {
	CredentialID string
	Market       schema.Market
}

// Session is an open user-data stream. Renew keeps the upstream listen key
// alive; Close tears the stream down.
type Session interface {
	Renew(ctx context.Context) error
	Close(ctx context.Context) error
}

// SessionOpener dials a user-data session for a credential on a market.
type SessionOpener interface {
	OpenSession(ctx context.Context, cred Credential, market schema.Market) (Session, error)
}

// UserStreamStats reports user-registry counters.
type UserStreamStats struct {
	ActiveSessions int
	TotalRefs      int
	OpenedSessions uint64
	RenewFailures  uint64
}

type sessionEntry struct {
	refs    int
	ready   chan struct{}
	err     error
	session Session
	stop    context.CancelFunc
}

// UserStreamRegistry refcounts user-data sessions per credential and market.
// One upstream session serves every consumer of the pair; a background loop
// renews the listen key until the last reference is released.
type UserStreamRegistry struct {
	opener        SessionOpener
	logger        observability.Logger
	renewInterval time.Duration

	mu       sync.Mutex
	sessions map[SessionKey]*sessionEntry
	opened   uint64
	renewErr uint64
}

// UserOption configures a UserStreamRegistry.
type UserOption func(*UserStreamRegistry)

// WithRenewInterval overrides the listen-key renewal cadence.
func WithRenewInterval(d time.Duration) UserOption {
	return func(r *UserStreamRegistry) {
		if d > 0 {
			r.renewInterval = d
		}
	}
}

// WithUserLogger overrides the logger.
func WithUserLogger(logger observability.Logger) UserOption {
	return func(r *UserStreamRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewUserStreamRegistry constructs a registry over the given opener.
func NewUserStreamRegistry(opener SessionOpener, opts ...UserOption) *UserStreamRegistry {
	r := &UserStreamRegistry{
		opener:        opener,
		logger:        observability.Log(),
		renewInterval: 30 * time.Minute,
		sessions:      make(map[SessionKey]*sessionEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Acquire registers interest in a user-data session, opening it on the first
// reference. Concurrent first callers share a single open attempt.
func (r *UserStreamRegistry) Acquire(ctx context.Context, cred Credential, market schema.Market) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	key := SessionKey{CredentialID: cred.ID, Market: market}

	r.mu.Lock()
	e, ok := r.sessions[key]
	if ok {
		e.refs++
		ready := e.ready
		r.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			r.releaseRef(key, e)
			return ctx.Err()
		}
		r.mu.Lock()
		err := e.err
		r.mu.Unlock()
		return err
	}

	e = &sessionEntry{refs: 1, ready: make(chan struct{})}
	r.sessions[key] = e
	r.mu.Unlock()

	session, err := r.opener.OpenSession(ctx, cred, market)

	r.mu.Lock()
	if err != nil {
		e.err = err
		delete(r.sessions, key)
		close(e.ready)
		r.mu.Unlock()
		r.logger.Error("user session open failed",
			observability.Field{Key: "credential_id", Value: cred.ID},
			observability.Field{Key: "market", Value: market},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return err
	}
	e.session = session
	renewCtx, stop := context.WithCancel(context.Background())
	e.stop = stop
	r.opened++
	close(e.ready)
	r.mu.Unlock()

	go r.renewLoop(renewCtx, key, session)
	r.logger.Info("user session opened",
		observability.Field{Key: "credential_id", Value: cred.ID},
		observability.Field{Key: "market", Value: market},
	)
	return nil
}

// Release drops one reference; the session closes when the count hits zero.
// Unknown keys are a no-op.
func (r *UserStreamRegistry) Release(ctx context.Context, credentialID string, market schema.Market) error {
	key := SessionKey{CredentialID: credentialID, Market: market}

	r.mu.Lock()
	e, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	ready := e.ready
	r.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	// The session may have been reopened while we waited; only the entry we
	// waited on counts, a later generation keeps its references.
	cur, ok := r.sessions[key]
	if !ok || cur != e {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, key)
	session := e.session
	stop := e.stop
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	if session != nil {
		if err := session.Close(ctx); err != nil {
			r.logger.Error("user session close failed",
				observability.Field{Key: "credential_id", Value: credentialID},
				observability.Field{Key: "market", Value: market},
				observability.Field{Key: "error", Value: err.Error()},
			)
			return err
		}
	}
	r.logger.Info("user session closed",
		observability.Field{Key: "credential_id", Value: credentialID},
		observability.Field{Key: "market", Value: market},
	)
	return nil
}

func (r *UserStreamRegistry) releaseRef(key SessionKey, e *sessionEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[key]; ok && cur == e && cur.refs > 0 {
		cur.refs--
	}
}

// renewLoop keeps the listen key alive until the session is released. A
// failed renewal is retried on the next tick.
func (r *UserStreamRegistry) renewLoop(ctx context.Context, key SessionKey, session Session) {
	ticker := time.NewTicker(r.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := session.Renew(ctx); err != nil {
				r.mu.Lock()
				r.renewErr++
				r.mu.Unlock()
				r.logger.Error("listen key renewal failed",
					observability.Field{Key: "credential_id", Value: key.CredentialID},
					observability.Field{Key: "market", Value: key.Market},
					observability.Field{Key: "error", Value: err.Error()},
				)
			}
		}
	}
}

// Refs returns the current reference count for a session key.
func (r *UserStreamRegistry) Refs(credentialID string, market schema.Market) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[SessionKey{CredentialID: credentialID, Market: market}]; ok {
		return e.refs
	}
	return 0
}

// Shutdown closes every open session.
func (r *UserStreamRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*sessionEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.sessions = make(map[SessionKey]*sessionEntry)
	r.mu.Unlock()

	failures := make([]error, 0, len(entries))
	for _, e := range entries {
		if e.stop != nil {
			e.stop()
		}
		if e.session != nil {
			if err := e.session.Close(ctx); err != nil {
				failures = append(failures, err)
			}
		}
	}
	return observability.AggregateErrors("user registry shutdown", failures)
}

// Stats returns a snapshot of user-registry counters.
func (r *UserStreamRegistry) Stats() UserStreamStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, e := range r.sessions {
		total += e.refs
	}
	return UserStreamStats{
		ActiveSessions: len(r.sessions),
		TotalRefs:      total,
		OpenedSessions: r.opened,
		RenewFailures:  r.renewErr,
	}
}
