package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tidewater/conduit/errs"
	"github.com/tidewater/conduit/internal/observability"
	"github.com/tidewater/conduit/internal/schema"
)

const upstreamName = "binance"

// Gate admits governed REST calls. The access governor implements it.
type Gate interface {
	Guard(ctx context.Context, key string, call func(context.Context) ([]byte, error)) ([]byte, error)
}

// passGate admits everything; used when no governor is wired.
type passGate struct{}

func (passGate) Guard(ctx context.Context, _ string, call func(context.Context) ([]byte, error)) ([]byte, error) {
	return call(ctx)
}

// RestConfig tunes the REST client.
type RestConfig struct {
	BaseURL string
	// ProxyURL routes requests through an HTTP proxy when set.
	ProxyURL string
	Timeout  time.Duration
	// RecvWindow bounds signed-request validity upstream.
	RecvWindow time.Duration
	// ExchangeInfoTTL caches the exchange metadata document. Zero means 24h.
	ExchangeInfoTTL time.Duration
}

func (c RestConfig) normalize() RestConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://fapi.binance.com"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = 5 * time.Second
	}
	if c.ExchangeInfoTTL <= 0 {
		c.ExchangeInfoTTL = 24 * time.Hour
	}
	return c
}

// RestClient talks to the signed upstream REST surface. Every call runs
// through the gate so ban and rate-limit decisions apply uniformly.
type RestClient struct {
	cfg    RestConfig
	http   *http.Client
	gate   Gate
	clock  func() time.Time
	logger observability.Logger

	exMu        sync.Mutex
	exInfo      []byte
	exFetchedAt time.Time
}

// RestOption configures a RestClient.
type RestOption func(*RestClient)

// WithRestClock overrides the time source.
func WithRestClock(clock func() time.Time) RestOption {
	return func(c *RestClient) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithRestLogger overrides the logger.
func WithRestLogger(logger observability.Logger) RestOption {
	return func(c *RestClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient overrides the HTTP transport, mainly for tests.
func WithHTTPClient(client *http.Client) RestOption {
	return func(c *RestClient) {
		if client != nil {
			c.http = client
		}
	}
}

// NewRestClient constructs a RestClient. A nil gate admits every call.
func NewRestClient(cfg RestConfig, gate Gate, opts ...RestOption) (*RestClient, error) {
	cfg = cfg.normalize()
	if gate == nil {
		gate = passGate{}
	}
	transport := http.DefaultTransport
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, errs.New(upstreamName, errs.CodeInvalid,
				errs.WithMessage("invalid proxy url"), errs.WithCause(err))
		}
		transport = &http.Transport{Proxy: http.ProxyURL(proxy)}
	}
	c := &RestClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout, Transport: transport},
		gate:   gate,
		clock:  time.Now,
		logger: observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// sign computes the HMAC-SHA256 signature of the query string.
func sign(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

type apiCredential struct {
	key    string
	secret string
}

func (c *RestClient) do(ctx context.Context, gateKey, method, path string, query url.Values, cred *apiCredential) ([]byte, error) {
	return c.gate.Guard(ctx, gateKey, func(ctx context.Context) ([]byte, error) {
		if query == nil {
			query = url.Values{}
		}
		if cred != nil && cred.secret != "" {
			query.Set("timestamp", strconv.FormatInt(c.clock().UnixMilli(), 10))
			query.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow.Milliseconds(), 10))
			query.Set("signature", sign(cred.secret, query.Encode()))
		}

		reqURL := c.cfg.BaseURL + path
		if encoded := query.Encode(); encoded != "" {
			reqURL += "?" + encoded
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, errs.New(upstreamName, errs.CodeInvalid, errs.WithCause(err))
		}
		if cred != nil {
			req.Header.Set("X-MBX-APIKEY", cred.key)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, errs.New(upstreamName, errs.CodeNetwork,
				errs.WithMessage("request failed"),
				errs.WithField("endpoint", path),
				errs.WithCause(err))
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errs.New(upstreamName, errs.CodeNetwork,
				errs.WithMessage("read response body"),
				errs.WithField("endpoint", path),
				errs.WithCause(err))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, shapeAPIError(resp.StatusCode, path, body)
		}
		return body, nil
	})
}

// shapeAPIError lifts the upstream {code,msg} payload into the envelope so
// the governor can classify bans.
func shapeAPIError(status int, path string, body []byte) error {
	var payload struct {
		Code int64  `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &payload)

	code := errs.CodeUpstream
	switch {
	case status == 429 || status == 418:
		code = errs.CodeRateLimited
	case status == 401 || status == 403:
		code = errs.CodeAuth
	case status == 404:
		code = errs.CodeNotFound
	case status >= 500:
		code = errs.CodeUnavailable
	}

	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithField("endpoint", path),
	}
	if payload.Code != 0 {
		opts = append(opts, errs.WithRawCode(strconv.FormatInt(payload.Code, 10)))
	}
	if payload.Msg != "" {
		opts = append(opts, errs.WithRawMessage(payload.Msg))
	}
	return errs.New(upstreamName, code, opts...)
}

func marketPrefix(market schema.Market) string {
	switch market {
	case schema.MarketSpot:
		return "/api/v3"
	case schema.MarketCoinM:
		return "/dapi/v1"
	default:
		return "/fapi/v1"
	}
}

type restAccountResponse struct {
	TotalWalletBalance string `json:"totalWalletBalance"`
	AvailableBalance   string `json:"availableBalance"`
	Assets             []struct {
		Asset            string `json:"asset"`
		WalletBalance    string `json:"walletBalance"`
		AvailableBalance string `json:"availableBalance"`
	} `json:"assets"`
	Positions []struct {
		Symbol           string `json:"symbol"`
		PositionSide     string `json:"positionSide"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnrealizedProfit string `json:"unrealizedProfit"`
		Leverage         string `json:"leverage"`
		Isolated         bool   `json:"isolated"`
	} `json:"positions"`
}

// FetchAccount retrieves the full account state for a credential.
func (c *RestClient) FetchAccount(ctx context.Context, credentialID, apiKey, apiSecret string, market schema.Market) (*schema.AccountSnapshot, error) {
	path := "/fapi/v2/account"
	if market == schema.MarketSpot {
		path = "/api/v3/account"
	}
	body, err := c.do(ctx, "account", http.MethodGet, path, nil, &apiCredential{key: apiKey, secret: apiSecret})
	if err != nil {
		return nil, err
	}

	var raw restAccountResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errs.New(upstreamName, errs.CodeUpstream,
			errs.WithMessage("decode account response"),
			errs.WithCause(err))
	}

	snap := &schema.AccountSnapshot{
		CredentialID: credentialID,
		Market:       market,
		FetchedAt:    c.clock(),
	}
	if total, err := decimal.NewFromString(raw.TotalWalletBalance); err == nil {
		snap.WalletBalance = total
	}
	if avail, err := decimal.NewFromString(raw.AvailableBalance); err == nil {
		snap.AvailableBalance = avail
	}
	for _, asset := range raw.Assets {
		wallet, werr := decimal.NewFromString(asset.WalletBalance)
		avail, aerr := decimal.NewFromString(asset.AvailableBalance)
		if werr != nil || asset.Asset == "" {
			continue
		}
		bal := schema.Balance{Asset: asset.Asset, Free: wallet}
		if aerr == nil {
			bal.Free = avail
			if locked := wallet.Sub(avail); locked.IsPositive() {
				bal.Locked = locked
			}
		}
		snap.Balances = append(snap.Balances, bal)
	}
	for _, pos := range raw.Positions {
		amt, err := decimal.NewFromString(pos.PositionAmt)
		if err != nil || amt.IsZero() {
			continue
		}
		position := schema.Position{
			Symbol:       pos.Symbol,
			PositionSide: pos.PositionSide,
			PositionAmt:  amt,
			Isolated:     pos.Isolated,
		}
		if entry, err := decimal.NewFromString(pos.EntryPrice); err == nil {
			position.EntryPrice = entry
		}
		if up, err := decimal.NewFromString(pos.UnrealizedProfit); err == nil {
			position.UnrealizedProfit = up
		}
		if lev, err := strconv.Atoi(pos.Leverage); err == nil {
			position.Leverage = lev
		}
		snap.Positions = append(snap.Positions, position)
	}
	return snap, nil
}

// ExchangeInfo returns the exchange metadata document, cached for the
// configured TTL.
func (c *RestClient) ExchangeInfo(ctx context.Context, market schema.Market) ([]byte, error) {
	c.exMu.Lock()
	if c.exInfo != nil && c.clock().Sub(c.exFetchedAt) < c.cfg.ExchangeInfoTTL {
		cached := c.exInfo
		c.exMu.Unlock()
		return cached, nil
	}
	c.exMu.Unlock()

	body, err := c.do(ctx, "exchangeInfo", http.MethodGet, marketPrefix(market)+"/exchangeInfo", nil, nil)
	if err != nil {
		return nil, err
	}

	c.exMu.Lock()
	c.exInfo = body
	c.exFetchedAt = c.clock()
	c.exMu.Unlock()
	return body, nil
}

// TickerPrice fetches the latest trade price for a symbol.
func (c *RestClient) TickerPrice(ctx context.Context, market schema.Market, symbol string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	body, err := c.do(ctx, "ticker", http.MethodGet, marketPrefix(market)+"/ticker/price", query, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var payload struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, errs.New(upstreamName, errs.CodeUpstream,
			errs.WithMessage("decode ticker response"),
			errs.WithCause(err))
	}
	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		return decimal.Zero, errs.New(upstreamName, errs.CodeUpstream,
			errs.WithMessage("invalid ticker price"),
			errs.WithCause(err))
	}
	return price, nil
}

func listenKeyPath(market schema.Market) string {
	return marketPrefix(market) + "/listenKey"
}

// CreateListenKey opens a user-data stream and returns its listen key.
// Listen-key endpoints authenticate with the API key header only.
func (c *RestClient) CreateListenKey(ctx context.Context, apiKey string, market schema.Market) (string, error) {
	body, err := c.do(ctx, "listenKey", http.MethodPost, listenKeyPath(market), nil, &apiCredential{key: apiKey})
	if err != nil {
		return "", err
	}
	var payload struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.ListenKey == "" {
		return "", errs.New(upstreamName, errs.CodeUpstream,
			errs.WithMessage("decode listen key response"),
			errs.WithCause(err))
	}
	return payload.ListenKey, nil
}

// KeepAliveListenKey extends a listen key's validity.
func (c *RestClient) KeepAliveListenKey(ctx context.Context, apiKey, listenKey string, market schema.Market) error {
	query := url.Values{}
	query.Set("listenKey", listenKey)
	_, err := c.do(ctx, "listenKey", http.MethodPut, listenKeyPath(market), query, &apiCredential{key: apiKey})
	return err
}

// CloseListenKey closes a user-data stream.
func (c *RestClient) CloseListenKey(ctx context.Context, apiKey, listenKey string, market schema.Market) error {
	query := url.Values{}
	query.Set("listenKey", listenKey)
	_, err := c.do(ctx, "listenKey", http.MethodDelete, listenKeyPath(market), query, &apiCredential{key: apiKey})
	return err
}
