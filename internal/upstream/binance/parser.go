package binance

import (
	"bytes"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tidewater/conduit/internal/schema"
)

// Parser converts raw upstream frames into canonical events. A frame may be
// a single object, an array of objects, or a combined-stream wrapper; frames
// that fail to decode or carry an unknown event type yield no events.
type Parser struct{}

// NewParser constructs a Parser.
func NewParser() *Parser { return &Parser{} }

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type rawEnvelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

type rawMarkPrice struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	IndexPrice  string `json:"i"`
	FundingRate string `json:"r"`
}

type rawContinuousKline struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Pair         string `json:"ps"`
	ContractType string `json:"ct"`
	Kline        struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

type rawAccountUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Data      struct {
		Reason   string `json:"m"`
		Balances []struct {
			Asset   string `json:"a"`
			Free    string `json:"f"`
			Locked  string `json:"l"`
			Wallet  string `json:"wb"`
			CrossWB string `json:"cw"`
		} `json:"B"`
		Positions []struct {
			Symbol           string `json:"s"`
			PositionSide     string `json:"ps"`
			PositionAmt      string `json:"pa"`
			EntryPrice       string `json:"ep"`
			UnrealizedProfit string `json:"up"`
		} `json:"P"`
	} `json:"a"`
}

// Parse normalizes one frame into zero or more events tagged with the given
// market. User-data frames get the credential attached by the caller.
func (p *Parser) Parse(frame []byte, market schema.Market, ingestTS time.Time) []*schema.Event {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil
		}
		events := make([]*schema.Event, 0, len(batch))
		for _, item := range batch {
			events = append(events, p.parseObject(item, market, ingestTS)...)
		}
		return events
	}

	return p.parseObject(trimmed, market, ingestTS)
}

func (p *Parser) parseObject(data []byte, market schema.Market, ingestTS time.Time) []*schema.Event {
	var wrapper combinedFrame
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Data) > 0 {
		data = wrapper.Data
	}

	var envelope rawEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil
	}

	switch envelope.EventType {
	case "markPriceUpdate":
		return p.parseMarkPrice(data, market, ingestTS)
	case "continuous_kline":
		return p.parseContinuousKline(data, market, ingestTS)
	case "ACCOUNT_UPDATE":
		return p.parseAccountUpdate(data, market, ingestTS)
	case "listenKeyExpired":
		return []*schema.Event{{
			Type:       schema.EventSessionExpired,
			Market:     market,
			IngestedAt: ingestTS,
		}}
	default:
		return nil
	}
}

func (p *Parser) parseMarkPrice(data []byte, market schema.Market, ingestTS time.Time) []*schema.Event {
	var raw rawMarkPrice
	if err := json.Unmarshal(data, &raw); err != nil || raw.Symbol == "" {
		return nil
	}
	mark, err := decimal.NewFromString(raw.MarkPrice)
	if err != nil {
		return nil
	}
	payload := &schema.TickPayload{
		MarkPrice: mark,
		EventTime: time.UnixMilli(raw.EventTime),
	}
	if idx, err := decimal.NewFromString(raw.IndexPrice); err == nil {
		payload.IndexPrice = idx
	}
	if funding, err := decimal.NewFromString(raw.FundingRate); err == nil {
		payload.FundingRate = funding
	}
	return []*schema.Event{{
		Type:       schema.EventTick,
		Market:     market,
		Symbol:     raw.Symbol,
		IngestedAt: ingestTS,
		Tick:       payload,
	}}
}

func (p *Parser) parseContinuousKline(data []byte, market schema.Market, ingestTS time.Time) []*schema.Event {
	var raw rawContinuousKline
	if err := json.Unmarshal(data, &raw); err != nil || raw.Pair == "" {
		return nil
	}
	closePrice, err := decimal.NewFromString(raw.Kline.Close)
	if err != nil {
		return nil
	}
	payload := &schema.KlinePayload{
		Pair:         raw.Pair,
		ContractType: raw.ContractType,
		Interval:     raw.Kline.Interval,
		OpenTime:     time.UnixMilli(raw.Kline.OpenTime),
		CloseTime:    time.UnixMilli(raw.Kline.CloseTime),
		Close:        closePrice,
		Closed:       raw.Kline.Closed,
	}
	if open, err := decimal.NewFromString(raw.Kline.Open); err == nil {
		payload.Open = open
	}
	if high, err := decimal.NewFromString(raw.Kline.High); err == nil {
		payload.High = high
	}
	if low, err := decimal.NewFromString(raw.Kline.Low); err == nil {
		payload.Low = low
	}
	if volume, err := decimal.NewFromString(raw.Kline.Volume); err == nil {
		payload.Volume = volume
	}
	return []*schema.Event{{
		Type:       schema.EventKline,
		Market:     market,
		Symbol:     raw.Pair,
		IngestedAt: ingestTS,
		Kline:      payload,
	}}
}

func (p *Parser) parseAccountUpdate(data []byte, market schema.Market, ingestTS time.Time) []*schema.Event {
	var raw rawAccountUpdate
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	delta := &schema.AccountDelta{
		Reason:    raw.Data.Reason,
		EventTime: time.UnixMilli(raw.EventTime),
	}
	for _, b := range raw.Data.Balances {
		if b.Asset == "" {
			continue
		}
		bal := schema.Balance{Asset: b.Asset}
		// Spot payloads carry free/locked; futures payloads carry the
		// wallet balance with no locked split.
		switch {
		case b.Free != "":
			if free, err := decimal.NewFromString(b.Free); err == nil {
				bal.Free = free
			}
			if locked, err := decimal.NewFromString(b.Locked); err == nil {
				bal.Locked = locked
			}
		case b.Wallet != "":
			if wallet, err := decimal.NewFromString(b.Wallet); err == nil {
				bal.Free = wallet
			}
		default:
			continue
		}
		delta.Balances = append(delta.Balances, bal)
	}
	for _, pos := range raw.Data.Positions {
		if pos.Symbol == "" {
			continue
		}
		position := schema.Position{Symbol: pos.Symbol, PositionSide: pos.PositionSide}
		if amt, err := decimal.NewFromString(pos.PositionAmt); err == nil {
			position.PositionAmt = amt
		}
		if entry, err := decimal.NewFromString(pos.EntryPrice); err == nil {
			position.EntryPrice = entry
		}
		if up, err := decimal.NewFromString(pos.UnrealizedProfit); err == nil {
			position.UnrealizedProfit = up
		}
		delta.Positions = append(delta.Positions, position)
	}
	if delta.Empty() {
		return nil
	}
	return []*schema.Event{{
		Type:       schema.EventAccountUpdate,
		Market:     market,
		IngestedAt: ingestTS,
		Account:    delta,
	}}
}
