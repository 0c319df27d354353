// Package registry tracks consumer interest in upstream streams and keeps
// exactly one upstream subscription alive per topic and per user session.
package registry

import (
	"context"
	"sync"

	"github.com/tidewater/conduit/errs"
	"github.com/tidewater/conduit/internal/observability"
	"github.com/tidewater/conduit/internal/schema"
)

// Upstream is the transport the registry drives. Implementations subscribe
// and unsubscribe topics on a shared upstream connection.
type Upstream interface {
	SubscribeTopic(ctx context.Context, topic schema.Topic) error
	UnsubscribeTopic(ctx context.Context, topic schema.Topic) error
}

// Stats reports registry counters.
type Stats struct {
	ActiveTopics       int
	TotalRefs          int
	UpstreamSubscribes uint64
	CoalescedJoins     uint64
}

type topicEntry struct {
	refs  int
	ready chan struct{} // closed once upstream creation settles
	err   error
}

// Registry refcounts topic interest. The first subscriber triggers the
// upstream subscribe, later subscribers share it, and the last unsubscribe
// tears it down. Concurrent first subscribers coalesce into a single
// upstream call.
type Registry struct {
	upstream Upstream
	logger   observability.Logger

	mu         sync.Mutex
	topics     map[schema.Topic]*topicEntry
	subscribes uint64
	coalesced  uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger overrides the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New constructs a Registry over the given upstream.
func New(upstream Upstream, opts ...Option) *Registry {
	r := &Registry{
		upstream: upstream,
		logger:   observability.Log(),
		topics:   make(map[schema.Topic]*topicEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Subscribe registers interest in a topic. The upstream subscription is
// created on the first reference; callers arriving during creation wait for
// the in-flight attempt instead of issuing their own.
func (r *Registry) Subscribe(ctx context.Context, topic schema.Topic) error {
	if err := topic.Validate(); err != nil {
		return errs.New("registry", errs.CodeInvalid, errs.WithCause(err))
	}

	r.mu.Lock()
	e, ok := r.topics[topic]
	if ok {
		e.refs++
		ready := e.ready
		r.coalesced++
		r.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			r.release(topic, e)
			return ctx.Err()
		}
		// Creation failed: the creator already removed the entry and every
		// waiter reports the same error.
		if err := r.creationErr(e); err != nil {
			return err
		}
		return nil
	}

	e = &topicEntry{refs: 1, ready: make(chan struct{})}
	r.topics[topic] = e
	r.mu.Unlock()

	err := r.upstream.SubscribeTopic(ctx, topic)

	r.mu.Lock()
	if err != nil {
		e.err = err
		delete(r.topics, topic)
	} else {
		r.subscribes++
	}
	close(e.ready)
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("upstream subscribe failed",
			observability.Field{Key: "topic", Value: topic.String()},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return err
	}
	r.logger.Info("topic subscribed",
		observability.Field{Key: "topic", Value: topic.String()},
	)
	return nil
}

func (r *Registry) creationErr(e *topicEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.err
}

// release undoes a waiter's reference after its context was cancelled. The
// entry pointer guards against decrementing a later generation of the topic.
func (r *Registry) release(topic schema.Topic, e *topicEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.topics[topic]; ok && cur == e && cur.refs > 0 {
		cur.refs--
	}
}

// Unsubscribe drops one reference. The upstream unsubscribe fires only when
// the last reference is released; unknown topics are a no-op.
func (r *Registry) Unsubscribe(ctx context.Context, topic schema.Topic) error {
	r.mu.Lock()
	e, ok := r.topics[topic]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	ready := e.ready
	r.mu.Unlock()

	// An unsubscribe racing the initial creation applies after it settles.
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	// The topic may have been recreated while we waited; decrementing a
	// later generation would steal a live reference, so only the entry we
	// waited on counts.
	cur, ok := r.topics[topic]
	if !ok || cur != e {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.topics, topic)
	r.mu.Unlock()

	if err := r.upstream.UnsubscribeTopic(ctx, topic); err != nil {
		r.logger.Error("upstream unsubscribe failed",
			observability.Field{Key: "topic", Value: topic.String()},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return err
	}
	r.logger.Info("topic unsubscribed",
		observability.Field{Key: "topic", Value: topic.String()},
	)
	return nil
}

// Refs returns the current reference count for a topic.
func (r *Registry) Refs(topic schema.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.topics[topic]; ok {
		return e.refs
	}
	return 0
}

// Topics returns the currently subscribed topics.
func (r *Registry) Topics() []schema.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.Topic, 0, len(r.topics))
	for topic := range r.topics {
		out = append(out, topic)
	}
	return out
}

// Shutdown releases every topic and unsubscribes upstream.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	topics := make([]schema.Topic, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	r.topics = make(map[schema.Topic]*topicEntry)
	r.mu.Unlock()

	failures := make([]error, 0, len(topics))
	for _, topic := range topics {
		if err := r.upstream.UnsubscribeTopic(ctx, topic); err != nil {
			failures = append(failures, err)
		}
	}
	return observability.AggregateErrors("registry shutdown", failures)
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, e := range r.topics {
		total += e.refs
	}
	return Stats{
		ActiveTopics:       len(r.topics),
		TotalRefs:          total,
		UpstreamSubscribes: r.subscribes,
		CoalescedJoins:     r.coalesced,
	}
}
