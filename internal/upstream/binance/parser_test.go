package binance

import (
	"testing"
	"time"

	"github.com/tidewater/conduit/internal/schema"
)

var ingest = time.UnixMilli(1700000000500)

func TestParseMarkPriceUpdate(t *testing.T) {
	frame := []byte(`{"e":"markPriceUpdate","E":1700000000123,"s":"BTCUSDT","p":"42000.10","i":"41999.80","r":"0.0001"}`)
	events := NewParser().Parse(frame, schema.MarketUSDM, ingest)
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	evt := events[0]
	if evt.Type != schema.EventTick || evt.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if got := evt.Tick.MarkPrice.String(); got != "42000.1" {
		t.Fatalf("mark price = %s", got)
	}
	if evt.Tick.EventTime.UnixMilli() != 1700000000123 {
		t.Fatalf("event time = %d", evt.Tick.EventTime.UnixMilli())
	}
	if !evt.IngestedAt.Equal(ingest) {
		t.Fatal("ingest timestamp not carried")
	}
}

func TestParseArrayBatch(t *testing.T) {
	frame := []byte(`[
		{"e":"markPriceUpdate","E":1,"s":"BTCUSDT","p":"1"},
		{"e":"markPriceUpdate","E":2,"s":"ETHUSDT","p":"2"}
	]`)
	events := NewParser().Parse(frame, schema.MarketUSDM, ingest)
	if len(events) != 2 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Symbol != "BTCUSDT" || events[1].Symbol != "ETHUSDT" {
		t.Fatalf("batch order lost: %s, %s", events[0].Symbol, events[1].Symbol)
	}
}

func TestParseCombinedStreamWrapper(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@markPrice","data":{"e":"markPriceUpdate","E":1,"s":"BTCUSDT","p":"9.5"}}`)
	events := NewParser().Parse(frame, schema.MarketUSDM, ingest)
	if len(events) != 1 || events[0].Symbol != "BTCUSDT" {
		t.Fatalf("wrapper not unwrapped: %+v", events)
	}
}

func TestParseContinuousKline(t *testing.T) {
	frame := []byte(`{"e":"continuous_kline","E":100,"ps":"BTCUSDT","ct":"PERPETUAL",
		"k":{"t":90,"T":149,"i":"1m","o":"100","h":"110","l":"95","c":"105","v":"12.5","x":true}}`)
	events := NewParser().Parse(frame, schema.MarketUSDM, ingest)
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	k := events[0].Kline
	if k == nil || k.Interval != "1m" || !k.Closed {
		t.Fatalf("kline payload = %+v", k)
	}
	if got := k.Close.String(); got != "105" {
		t.Fatalf("close = %s", got)
	}
	if events[0].GroupKey() != "usdm:continuousKline:perpetual:1m:BTCUSDT" {
		t.Fatalf("group key = %s", events[0].GroupKey())
	}
}

func TestParseAccountUpdateFutures(t *testing.T) {
	frame := []byte(`{"e":"ACCOUNT_UPDATE","E":200,"a":{"m":"ORDER",
		"B":[{"a":"USDT","wb":"1000.5","cw":"1000.5"}],
		"P":[{"s":"BTCUSDT","ps":"LONG","pa":"0.25","ep":"41000","up":"12.75"}]}}`)
	events := NewParser().Parse(frame, schema.MarketUSDM, ingest)
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	delta := events[0].Account
	if delta == nil || delta.Reason != "ORDER" {
		t.Fatalf("delta = %+v", delta)
	}
	if len(delta.Balances) != 1 || delta.Balances[0].Free.String() != "1000.5" {
		t.Fatalf("balances = %+v", delta.Balances)
	}
	if len(delta.Positions) != 1 {
		t.Fatalf("positions = %+v", delta.Positions)
	}
	pos := delta.Positions[0]
	if pos.PositionSide != "LONG" || pos.PositionAmt.String() != "0.25" || pos.EntryPrice.String() != "41000" {
		t.Fatalf("position = %+v", pos)
	}
}

func TestParseAccountUpdateSpotBalances(t *testing.T) {
	frame := []byte(`{"e":"ACCOUNT_UPDATE","E":300,"a":{"B":[{"a":"USDT","f":"80","l":"20"}]}}`)
	events := NewParser().Parse(frame, schema.MarketSpot, ingest)
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	bal := events[0].Account.Balances[0]
	if bal.Free.String() != "80" || bal.Locked.String() != "20" {
		t.Fatalf("balance = %+v", bal)
	}
}

func TestParseListenKeyExpired(t *testing.T) {
	frame := []byte(`{"e":"listenKeyExpired","E":400}`)
	events := NewParser().Parse(frame, schema.MarketUSDM, ingest)
	if len(events) != 1 || events[0].Type != schema.EventSessionExpired {
		t.Fatalf("events = %+v", events)
	}
}

func TestParseDropsUnknownAndMalformed(t *testing.T) {
	cases := [][]byte{
		[]byte(`{"e":"bookTicker","s":"BTCUSDT"}`),
		[]byte(`{"result":null,"id":7}`),
		[]byte(`not json`),
		[]byte(``),
		[]byte(`{"e":"markPriceUpdate","s":"BTCUSDT","p":"not-a-number"}`),
		[]byte(`{"e":"ACCOUNT_UPDATE","E":1,"a":{"B":[],"P":[]}}`),
	}
	for i, frame := range cases {
		if events := NewParser().Parse(frame, schema.MarketUSDM, ingest); len(events) != 0 {
			t.Fatalf("case %d produced events: %+v", i, events)
		}
	}
}
