package binance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tidewater/conduit/errs"
	"github.com/tidewater/conduit/internal/observability"
	"github.com/tidewater/conduit/internal/registry"
	"github.com/tidewater/conduit/internal/schema"
)

// ManagerConfig tunes the connection manager.
type ManagerConfig struct {
	// PublicWSURL is the market-data websocket endpoint.
	PublicWSURL string
	// PrivateWSURL is the user-data websocket endpoint; the listen key is
	// appended as the path segment.
	PrivateWSURL string
	// EventBuffer is the outbound event channel depth.
	EventBuffer int
}

func (c ManagerConfig) normalize() ManagerConfig {
	if c.PublicWSURL == "" {
		c.PublicWSURL = "wss://fstream.binance.com/ws"
	}
	if c.PrivateWSURL == "" {
		c.PrivateWSURL = "wss://fstream.binance.com/ws"
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	return c
}

// Manager owns the upstream websocket connections: one shared market-data
// connection per market, dialed lazily, plus one user-data connection per
// open session. Normalized events from every connection funnel into a single
// channel.
type Manager struct {
	cfg    ManagerConfig
	rest   *RestClient
	parser *Parser
	logger observability.Logger
	clock  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	events    chan *schema.Event
	transErrs chan error

	mu     sync.Mutex
	public map[schema.Market]*streamConn
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the time source.
func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithManagerLogger overrides the logger.
func WithManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager constructs a Manager over the REST client.
func NewManager(cfg ManagerConfig, rest *RestClient, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg.normalize(),
		rest:      rest,
		parser:    NewParser(),
		logger:    observability.Log(),
		clock:     time.Now,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan *schema.Event, cfg.normalize().EventBuffer),
		transErrs: make(chan error, 16),
		public:    map[schema.Market]*streamConn{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Events is the stream of normalized events from every connection.
func (m *Manager) Events() <-chan *schema.Event { return m.events }

// Errors surfaces transport-level failures for logging upstream.
func (m *Manager) Errors() <-chan error { return m.transErrs }

// SubscribeTopic ensures the market connection is up and subscribes the
// topic's stream on it.
func (m *Manager) SubscribeTopic(ctx context.Context, topic schema.Topic) error {
	conn, err := m.ensurePublic(topic.Market)
	if err != nil {
		return err
	}
	if err := conn.subscribe([]string{topic.StreamName()}); err != nil {
		return errs.New(upstreamName, errs.CodeNetwork,
			errs.WithMessage("subscribe stream"),
			errs.WithField("stream", topic.StreamName()),
			errs.WithCause(err))
	}
	return nil
}

// UnsubscribeTopic removes the topic's stream from the market connection.
func (m *Manager) UnsubscribeTopic(ctx context.Context, topic schema.Topic) error {
	m.mu.Lock()
	conn := m.public[topic.Market]
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.unsubscribe([]string{topic.StreamName()}); err != nil {
		return errs.New(upstreamName, errs.CodeNetwork,
			errs.WithMessage("unsubscribe stream"),
			errs.WithField("stream", topic.StreamName()),
			errs.WithCause(err))
	}
	return nil
}

// ConnState reports the market connection state, or closed when never dialed.
func (m *Manager) ConnState(market schema.Market) ConnState {
	m.mu.Lock()
	conn := m.public[market]
	m.mu.Unlock()
	if conn == nil {
		return ConnClosed
	}
	return conn.State()
}

func (m *Manager) ensurePublic(market schema.Market) (*streamConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.public[market]; ok {
		return conn, nil
	}
	conn := newStreamConn(m.ctx, m.cfg.PublicWSURL, m.marketHandler(market), m.transErrs, m.logger)
	if err := conn.start(); err != nil {
		return nil, errs.New(upstreamName, errs.CodeNetwork,
			errs.WithMessage("dial market stream"),
			errs.WithField("market", string(market)),
			errs.WithCause(err))
	}
	m.public[market] = conn
	return conn, nil
}

func (m *Manager) marketHandler(market schema.Market) func([]byte) {
	return func(frame []byte) {
		m.emit(m.parser.Parse(frame, market, m.clock().UTC()), "")
	}
}

func (m *Manager) userHandler(market schema.Market, credentialID string) func([]byte) {
	return func(frame []byte) {
		m.emit(m.parser.Parse(frame, market, m.clock().UTC()), credentialID)
	}
}

func (m *Manager) emit(events []*schema.Event, credentialID string) {
	for _, evt := range events {
		if evt == nil {
			continue
		}
		if credentialID != "" {
			evt.CredentialID = credentialID
		}
		select {
		case <-m.ctx.Done():
			return
		case m.events <- evt:
		}
	}
}

// userSession is one user-data stream bound to a listen key.
type userSession struct {
	manager   *Manager
	conn      *streamConn
	market    schema.Market
	apiKey    string
	listenKey string
}

// OpenSession obtains a listen key and dials the user-data stream for it.
func (m *Manager) OpenSession(ctx context.Context, cred registry.Credential, market schema.Market) (registry.Session, error) {
	listenKey, err := m.rest.CreateListenKey(ctx, cred.APIKey, market)
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(m.cfg.PrivateWSURL, "/") + "/" + listenKey
	conn := newStreamConn(m.ctx, url, m.userHandler(market, cred.ID), m.transErrs, m.logger)
	if err := conn.start(); err != nil {
		// Best effort: release the listen key we will not use.
		_ = m.rest.CloseListenKey(ctx, cred.APIKey, listenKey, market)
		return nil, errs.New(upstreamName, errs.CodeNetwork,
			errs.WithMessage("dial user stream"),
			errs.WithField("market", string(market)),
			errs.WithCause(err))
	}

	return &userSession{
		manager:   m,
		conn:      conn,
		market:    market,
		apiKey:    cred.APIKey,
		listenKey: listenKey,
	}, nil
}

// Renew extends the listen key's validity.
func (s *userSession) Renew(ctx context.Context) error {
	return s.manager.rest.KeepAliveListenKey(ctx, s.apiKey, s.listenKey, s.market)
}

// Close tears the stream down and releases the listen key.
func (s *userSession) Close(ctx context.Context) error {
	s.conn.stop()
	return s.manager.rest.CloseListenKey(ctx, s.apiKey, s.listenKey, s.market)
}

// Close shuts down every connection. The event channel is left open so a
// late frame handler can never hit a closed channel; consumers stop via
// their own context.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	for market, conn := range m.public {
		conn.stop()
		delete(m.public, market)
	}
	m.mu.Unlock()
}
