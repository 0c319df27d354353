// Package schema defines the canonical types flowing between the upstream
// adapters, the fan-out hub, and the account cache.
package schema

import (
	"fmt"
	"strings"
)

// Market identifies an upstream market surface.
type Market string

const (
	// MarketUSDM is the USD-margined futures market.
	MarketUSDM Market = "usdm"
	// MarketCoinM is the coin-margined futures market.
	MarketCoinM Market = "coinm"
	// MarketSpot is the spot market.
	MarketSpot Market = "spot"
)

// Topic identifies one public upstream stream. It is an immutable value type
// used as a map key by the subscription registry.
type Topic struct {
	Market  Market
	Channel string
	Symbol  string
}

// MarkPriceTopic builds the mark-price topic for a symbol.
func MarkPriceTopic(market Market, symbol string) Topic {
	return Topic{Market: market, Channel: "markPrice", Symbol: strings.ToUpper(strings.TrimSpace(symbol))}
}

// ContinuousKlineTopic builds the continuous-contract kline topic for a symbol.
func ContinuousKlineTopic(market Market, symbol, contractType, interval string) Topic {
	return Topic{
		Market:  market,
		Channel: fmt.Sprintf("continuousKline:%s:%s", strings.ToLower(contractType), interval),
		Symbol:  strings.ToUpper(strings.TrimSpace(symbol)),
	}
}

// Validate checks the topic key components.
func (t Topic) Validate() error {
	if strings.TrimSpace(string(t.Market)) == "" {
		return fmt.Errorf("topic: market required")
	}
	if strings.TrimSpace(t.Channel) == "" {
		return fmt.Errorf("topic: channel required")
	}
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("topic: symbol required")
	}
	return nil
}

// String renders the canonical subscription key, e.g. "usdm:markPrice:BTCUSDT".
func (t Topic) String() string {
	return fmt.Sprintf("%s:%s:%s", t.Market, t.Channel, t.Symbol)
}

// StreamName renders the upstream wire-format stream name for the topic.
// Mark price uses "<symbol>@markPrice"; continuous klines use
// "<symbol>_<contractType>@continuousKline_<interval>".
func (t Topic) StreamName() string {
	symbol := strings.ToLower(t.Symbol)
	if t.Channel == "markPrice" {
		return symbol + "@markPrice"
	}
	if rest, ok := strings.CutPrefix(t.Channel, "continuousKline:"); ok {
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) == 2 {
			return fmt.Sprintf("%s_%s@continuousKline_%s", symbol, parts[0], parts[1])
		}
	}
	return symbol + "@" + t.Channel
}

// GroupKey returns the fan-out group key for the topic.
func (t Topic) GroupKey() string {
	return t.String()
}

// UserGroupKey returns the fan-out group key for a user-data session.
func UserGroupKey(credentialID string, market Market) string {
	return fmt.Sprintf("user:%s:%s", credentialID, market)
}
