package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventType discriminates the canonical event payloads.
type EventType string

const (
	EventTick           EventType = "tick"
	EventKline          EventType = "kline"
	EventAccountUpdate  EventType = "accountUpdate"
	EventSessionExpired EventType = "sessionExpired"
)

// Event is the normalized envelope published to the fan-out hub. Exactly one
// payload pointer is non-nil for the corresponding event type.
type Event struct {
	Type         EventType
	Market       Market
	Symbol       string
	CredentialID string
	IngestedAt   time.Time

	Tick    *TickPayload
	Kline   *KlinePayload
	Account *AccountDelta
}

// TickPayload carries a mark-price update.
type TickPayload struct {
	MarkPrice   decimal.Decimal
	IndexPrice  decimal.Decimal
	FundingRate decimal.Decimal
	EventTime   time.Time
}

// KlinePayload carries one continuous-contract candle update.
type KlinePayload struct {
	Pair         string
	ContractType string
	Interval     string
	OpenTime     time.Time
	CloseTime    time.Time
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       decimal.Decimal
	Closed       bool
}

// GroupKey returns the fan-out group the event belongs to.
func (e *Event) GroupKey() string {
	switch e.Type {
	case EventAccountUpdate, EventSessionExpired:
		return UserGroupKey(e.CredentialID, e.Market)
	default:
		return Topic{Market: e.Market, Channel: e.channel(), Symbol: e.Symbol}.GroupKey()
	}
}

func (e *Event) channel() string {
	if e.Type == EventKline && e.Kline != nil {
		// Contract type is lowercased to line up with topic keys.
		return "continuousKline:" + strings.ToLower(e.Kline.ContractType) + ":" + e.Kline.Interval
	}
	return "markPrice"
}
