// Package fanout delivers normalized events to per-group subscriber sets.
package fanout

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tidewater/conduit/errs"
	"github.com/tidewater/conduit/internal/observability"
	"github.com/tidewater/conduit/internal/schema"
)

// MemberID identifies one hub membership.
type MemberID string

// Config tunes the hub.
type Config struct {
	// BufferSize is the per-member channel depth. Zero falls back to 256.
	BufferSize int
}

func (c Config) normalize() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	return c
}

// Hub routes events to the members of their group. Each member owns a
// buffered channel; a slow member only ever loses its own events, never
// stalls the group. Delivery order per member follows publish order.
type Hub struct {
	cfg    Config
	logger observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	groups    map[string]map[MemberID]*member
	closeOnce sync.Once

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	memberGauge      metric.Int64UpDownCounter
	fanoutHistogram  metric.Int64Histogram
}

type member struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ch     chan *schema.Event
	closed bool
}

// close is safe against concurrent publishes: the channel is only closed
// while mu is held, and trySend never touches a closed channel.
func (m *member) close() {
	m.cancel()
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	m.mu.Unlock()
}

// trySend performs a non-blocking send. The second result reports whether
// the member is still open.
func (m *member) trySend(evt *schema.Event) (sent, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, false
	}
	select {
	case m.ch <- evt:
		return true, true
	default:
		return false, true
	}
}

// dropOldest discards the oldest buffered event to make room for a fresh one.
func (m *member) dropOldest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case <-m.ch:
	default:
	}
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger overrides the logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHub constructs a Hub.
func NewHub(cfg Config, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:    cfg.normalize(),
		logger: observability.Log(),
		ctx:    ctx,
		cancel: cancel,
		groups: make(map[string]map[MemberID]*member),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	meter := otel.Meter("fanout")
	h.publishedCounter, _ = meter.Int64Counter("fanout.events.published",
		metric.WithDescription("Number of events published to the hub"),
		metric.WithUnit("{event}"))
	h.droppedCounter, _ = meter.Int64Counter("fanout.events.dropped",
		metric.WithDescription("Number of events dropped due to member backpressure"),
		metric.WithUnit("{event}"))
	h.memberGauge, _ = meter.Int64UpDownCounter("fanout.members",
		metric.WithDescription("Number of active hub members"),
		metric.WithUnit("{member}"))
	h.fanoutHistogram, _ = meter.Int64Histogram("fanout.size",
		metric.WithDescription("Number of members per delivered event"),
		metric.WithUnit("{member}"))

	return h
}

// Join registers a member in the group and returns its event channel. The
// membership ends when ctx is cancelled or Leave is called.
func (h *Hub) Join(ctx context.Context, group string) (MemberID, <-chan *schema.Event, error) {
	if group == "" {
		return "", nil, errs.New("fanout", errs.CodeInvalid, errs.WithMessage("group required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := h.ctx.Err(); err != nil {
		return "", nil, errs.New("fanout", errs.CodeUnavailable, errs.WithMessage("hub closed"))
	}
	ctx, cancel := context.WithCancel(ctx)

	m := &member{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan *schema.Event, h.cfg.BufferSize),
	}
	id := MemberID(uuid.NewString())

	h.mu.Lock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[MemberID]*member)
		h.groups[group] = members
	}
	members[id] = m
	h.mu.Unlock()

	if h.memberGauge != nil {
		h.memberGauge.Add(ctx, 1, metric.WithAttributes(
			attribute.String("group", group)))
	}

	go h.observe(group, id, m)
	return id, m.ch, nil
}

// Leave removes the membership and closes its channel. Unknown IDs are a
// no-op.
func (h *Hub) Leave(group string, id MemberID) {
	h.mu.Lock()
	members := h.groups[group]
	m, ok := members[id]
	if ok {
		delete(members, id)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	if h.memberGauge != nil {
		h.memberGauge.Add(context.Background(), -1, metric.WithAttributes(
			attribute.String("group", group)))
	}
	m.close()
}

// GroupSize returns the current member count of a group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Publish delivers the event to every member of its group. Members whose
// buffers are full have their oldest event dropped to make room, so the
// freshest data always lands.
func (h *Hub) Publish(ctx context.Context, evt *schema.Event) {
	if evt == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	group := evt.GroupKey()

	h.mu.RLock()
	memberSet := h.groups[group]
	members := make([]*member, 0, len(memberSet))
	for _, m := range memberSet {
		members = append(members, m)
	}
	h.mu.RUnlock()

	if h.fanoutHistogram != nil {
		h.fanoutHistogram.Record(ctx, int64(len(members)), metric.WithAttributes(
			attribute.String("group", group),
			attribute.String("event_type", string(evt.Type))))
	}
	if len(members) == 0 {
		return
	}

	for _, m := range members {
		h.deliver(ctx, group, m, evt)
	}

	if h.publishedCounter != nil {
		h.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("group", group),
			attribute.String("event_type", string(evt.Type))))
	}
}

func (h *Hub) deliver(ctx context.Context, group string, m *member, evt *schema.Event) {
	if m.ctx.Err() != nil {
		return
	}
	sent, open := m.trySend(evt)
	if sent || !open {
		return
	}
	// Buffer full: shed the oldest event, then retry once.
	m.dropOldest()
	if h.droppedCounter != nil {
		h.droppedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("group", group),
			attribute.String("event_type", string(evt.Type))))
	}
	h.logger.Debug("member buffer full; dropped oldest event",
		observability.Field{Key: "group", Value: group},
		observability.Field{Key: "event_type", Value: evt.Type},
	)
	m.trySend(evt)
}

func (h *Hub) observe(group string, id MemberID, m *member) {
	select {
	case <-m.ctx.Done():
	case <-h.ctx.Done():
	}
	h.Leave(group, id)
}

// Close shuts down the hub and every membership.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.mu.Lock()
		for group, members := range h.groups {
			for id, m := range members {
				m.close()
				delete(members, id)
			}
			delete(h.groups, group)
		}
		h.mu.Unlock()
	})
}
