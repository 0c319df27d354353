// Package conduit wires the upstream connection layer into a single service:
// governed REST access, shared websocket subscriptions, user-data sessions,
// the account cache, and the fan-out hub.
package conduit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/tidewater/conduit/config"
	"github.com/tidewater/conduit/errs"
	"github.com/tidewater/conduit/internal/account"
	"github.com/tidewater/conduit/internal/fanout"
	"github.com/tidewater/conduit/internal/governor"
	"github.com/tidewater/conduit/internal/observability"
	"github.com/tidewater/conduit/internal/recovery"
	"github.com/tidewater/conduit/internal/registry"
	"github.com/tidewater/conduit/internal/schema"
	"github.com/tidewater/conduit/internal/sessionstore"
	"github.com/tidewater/conduit/internal/upstream/binance"
)

// Transport is the upstream connection surface the service drives. The
// production implementation is the binance connection manager.
type Transport interface {
	Events() <-chan *schema.Event
	Errors() <-chan error
	SubscribeTopic(ctx context.Context, topic schema.Topic) error
	UnsubscribeTopic(ctx context.Context, topic schema.Topic) error
	OpenSession(ctx context.Context, cred registry.Credential, market schema.Market) (registry.Session, error)
	Close()
}

// AccountAPI fetches full account snapshots over governed REST.
type AccountAPI interface {
	FetchAccount(ctx context.Context, credentialID, apiKey, apiSecret string, market schema.Market) (*schema.AccountSnapshot, error)
}

// Option configures a Service.
type Option func(*Service)

// WithServiceLogger overrides the logger.
func WithServiceLogger(logger observability.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTransport injects an upstream transport instead of dialing the real
// exchange. The account API must be injected alongside it.
func WithTransport(transport Transport, api AccountAPI) Option {
	return func(s *Service) {
		s.transport = transport
		s.api = api
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Stats aggregates counters across the service components.
type Stats struct {
	Cache  account.Stats
	Topics registry.Stats
	Users  registry.UserStreamStats
	Access governor.Stats
}

// Service is the composition root for the connection layer.
type Service struct {
	cfg    config.Settings
	logger observability.Logger
	clock  func() time.Time

	gov       *governor.Governor
	api       AccountAPI
	transport Transport
	topics    *registry.Registry
	users     *registry.UserStreamRegistry
	hub       *fanout.Hub
	cache     *account.Cache

	ctx    context.Context
	cancel context.CancelFunc
	pump   conc.WaitGroup
	closed atomic.Bool
}

// New builds the service from configuration. Unless a transport is injected,
// it constructs the governed REST client and the websocket manager against
// the configured endpoints.
func New(cfg config.Settings, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		logger: observability.NewStdLogger(cfg.Environment != config.EnvProd),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.gov = governor.New(governor.Config{
		Window:       cfg.Governor.Window,
		Threshold:    cfg.Governor.Threshold,
		LocalPenalty: cfg.Governor.LocalPenalty,
		PaceInterval: cfg.Governor.PaceInterval,
	}, governor.WithClock(s.clock), governor.WithLogger(s.logger))

	if s.transport == nil {
		rest, err := binance.NewRestClient(binance.RestConfig{
			BaseURL:         cfg.Upstream.RESTBaseURL,
			ProxyURL:        cfg.EffectiveProxyURL(),
			Timeout:         cfg.Upstream.HTTPTimeout,
			RecvWindow:      cfg.Upstream.RecvWindow,
			ExchangeInfoTTL: cfg.Cache.ExchangeInfoTTL,
		}, s.gov, binance.WithRestClock(s.clock), binance.WithRestLogger(s.logger))
		if err != nil {
			return nil, err
		}
		s.transport = binance.NewManager(binance.ManagerConfig{
			PublicWSURL:  cfg.Upstream.PublicWSURL,
			PrivateWSURL: cfg.Upstream.PrivateWSURL,
		}, rest, binance.WithManagerClock(s.clock), binance.WithManagerLogger(s.logger))
		s.api = rest
	}
	if s.api == nil {
		return nil, errs.New("conduit", errs.CodeInvalid,
			errs.WithMessage("injected transport requires an account API"))
	}

	s.topics = registry.New(s.transport, registry.WithLogger(s.logger))
	s.users = registry.NewUserStreamRegistry(s.transport,
		registry.WithRenewInterval(cfg.UserStream.RenewInterval),
		registry.WithUserLogger(s.logger),
	)
	s.hub = fanout.NewHub(fanout.Config{BufferSize: cfg.Fanout.BufferSize}, fanout.WithLogger(s.logger))
	s.cache = account.NewCache(account.Config{
		StreamingTTL: cfg.Cache.StreamingTTL,
		RestTTL:      cfg.Cache.RestTTL,
	}, account.WithClock(s.clock), account.WithLogger(s.logger))

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.pump.Go(s.run)
	return s, nil
}

// run drains the transport channels until shutdown. Every normalized event
// flows through here exactly once before fan-out.
func (s *Service) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-s.transport.Events():
			if !ok {
				return
			}
			s.dispatch(evt)
		case err, ok := <-s.transport.Errors():
			if !ok {
				return
			}
			s.logger.Error("upstream transport error", observability.Field{Key: "error", Value: err})
		}
	}
}

func (s *Service) dispatch(evt *schema.Event) {
	if evt == nil {
		return
	}
	switch evt.Type {
	case schema.EventAccountUpdate:
		key := account.Key{CredentialID: evt.CredentialID, Market: evt.Market}
		s.cache.MergeDelta(key, evt.Account)
	case schema.EventSessionExpired:
		s.logger.Info("user-data session expired upstream",
			observability.Field{Key: "credential_id", Value: evt.CredentialID},
			observability.Field{Key: "market", Value: evt.Market},
		)
	}
	s.hub.Publish(s.ctx, evt)
}

// Subscribe acquires a reference on a public topic, dialing and subscribing
// upstream only for the first subscriber.
func (s *Service) Subscribe(ctx context.Context, topic schema.Topic) error {
	return s.topics.Subscribe(ctx, topic)
}

// Unsubscribe releases a topic reference; the upstream subscription is torn
// down when the last reference goes.
func (s *Service) Unsubscribe(ctx context.Context, topic schema.Topic) error {
	return s.topics.Unsubscribe(ctx, topic)
}

// Watch joins a fan-out group and returns the member's event channel. Group
// keys come from Topic.GroupKey or schema.UserGroupKey.
func (s *Service) Watch(ctx context.Context, group string) (fanout.MemberID, <-chan *schema.Event, error) {
	return s.hub.Join(ctx, group)
}

// Unwatch removes a fan-out member and closes its channel.
func (s *Service) Unwatch(group string, id fanout.MemberID) {
	s.hub.Leave(group, id)
}

// WatchAccount acquires a user-data session for the credential and marks the
// cached snapshot as streaming-maintained.
func (s *Service) WatchAccount(ctx context.Context, cred registry.Credential, market schema.Market) error {
	if err := s.users.Acquire(ctx, cred, market); err != nil {
		return err
	}
	s.cache.SetStreaming(account.Key{CredentialID: cred.ID, Market: market}, true)
	return nil
}

// UnwatchAccount releases the user-data session reference. When the last
// reference goes, the cached snapshot falls back to the REST freshness TTL.
func (s *Service) UnwatchAccount(ctx context.Context, credentialID string, market schema.Market) error {
	if err := s.users.Release(ctx, credentialID, market); err != nil {
		return err
	}
	if s.users.Refs(credentialID, market) == 0 {
		s.cache.SetStreaming(account.Key{CredentialID: credentialID, Market: market}, false)
	}
	return nil
}

// Snapshot returns the account snapshot for the credential. A fresh cached
// copy is served without touching the upstream; during an active ban a stale
// copy is served rather than failing, and only a cold cache surfaces the ban.
func (s *Service) Snapshot(ctx context.Context, cred registry.Credential, market schema.Market) (*schema.AccountSnapshot, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	key := account.Key{CredentialID: cred.ID, Market: market}
	if s.cache.IsFresh(key) {
		if snap, ok := s.cache.Get(key); ok {
			return snap, nil
		}
	}
	if state := s.gov.State(); state.Banned {
		if snap, ok := s.cache.Get(key); ok {
			s.logger.Info("serving stale account snapshot during upstream ban",
				observability.Field{Key: "credential_id", Value: cred.ID},
				observability.Field{Key: "market", Value: market},
			)
			return snap, nil
		}
		wait := state.Until.Sub(s.clock())
		return nil, errs.New("binance", errs.CodeBanned,
			errs.WithMessage("account snapshot unavailable while the upstream ban is active"),
			errs.WithRemediation(fmt.Sprintf("retry after %s", wait.Round(time.Second))),
			errs.WithRetryAfter(wait),
		)
	}
	snap, err := s.api.FetchAccount(ctx, cred.ID, cred.APIKey, cred.APISecret, market)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, snap)
	return snap, nil
}

// Restore re-establishes the subscriptions backing one persisted grid
// session: the mark-price stream for its symbol plus the owner's user-data
// session. It satisfies the recovery coordinator's Restorer.
func (s *Service) Restore(ctx context.Context, rec sessionstore.Record) error {
	topic := schema.MarkPriceTopic(rec.Market, rec.Symbol)
	if err := s.topics.Subscribe(ctx, topic); err != nil {
		return err
	}
	cred := registry.Credential{ID: rec.CredentialID, APIKey: rec.APIKey, APISecret: rec.APISecret}
	if err := s.WatchAccount(ctx, cred, rec.Market); err != nil {
		// Leave the registry ref-consistent when the session half fails.
		_ = s.topics.Unsubscribe(ctx, topic)
		return err
	}
	return nil
}

// Recover replays all active persisted sessions through the batched
// coordinator and returns its report.
func (s *Service) Recover(ctx context.Context, store sessionstore.Store) (recovery.Report, error) {
	coord := recovery.New(recovery.Config{
		BatchSize:  s.cfg.Recovery.BatchSize,
		BatchDelay: s.cfg.Recovery.BatchDelay,
	}, store, s, recovery.WithLogger(s.logger), recovery.WithClock(s.clock))
	return coord.Run(ctx)
}

// BanState exposes the access governor's circuit-breaker view.
func (s *Service) BanState() governor.BanState {
	return s.gov.State()
}

// Stats aggregates counters from every component.
func (s *Service) Stats() Stats {
	return Stats{
		Cache:  s.cache.Stats(),
		Topics: s.topics.Stats(),
		Users:  s.users.Stats(),
		Access: s.gov.Stats(),
	}
}

// Shutdown tears the service down in dependency order: registries release
// their upstream resources first, then the transport and hub close.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	errList := make([]error, 0, 2)
	if err := s.topics.Shutdown(ctx); err != nil {
		errList = append(errList, err)
	}
	if err := s.users.Shutdown(ctx); err != nil {
		errList = append(errList, err)
	}
	s.cancel()
	s.pump.Wait()
	s.transport.Close()
	s.hub.Close()
	return observability.AggregateErrors("conduit/shutdown", errList)
}
