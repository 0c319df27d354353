package schema

import "testing"

func TestTopicString(t *testing.T) {
	topic := MarkPriceTopic(MarketUSDM, " btcusdt ")
	if got := topic.String(); got != "usdm:markPrice:BTCUSDT" {
		t.Fatalf("String() = %q", got)
	}
}

func TestTopicStreamNameMarkPrice(t *testing.T) {
	topic := MarkPriceTopic(MarketUSDM, "ETHUSDT")
	if got := topic.StreamName(); got != "ethusdt@markPrice" {
		t.Fatalf("StreamName() = %q", got)
	}
}

func TestTopicStreamNameContinuousKline(t *testing.T) {
	topic := ContinuousKlineTopic(MarketUSDM, "BTCUSDT", "PERPETUAL", "1m")
	if got := topic.StreamName(); got != "btcusdt_perpetual@continuousKline_1m" {
		t.Fatalf("StreamName() = %q", got)
	}
}

func TestTopicValidate(t *testing.T) {
	if err := (Topic{Market: MarketUSDM, Channel: "markPrice", Symbol: "BTCUSDT"}).Validate(); err != nil {
		t.Fatalf("valid topic rejected: %v", err)
	}
	if err := (Topic{Market: MarketUSDM, Channel: "markPrice"}).Validate(); err == nil {
		t.Fatal("expected error for missing symbol")
	}
}

func TestUserGroupKey(t *testing.T) {
	if got := UserGroupKey("cred-1", MarketUSDM); got != "user:cred-1:usdm" {
		t.Fatalf("UserGroupKey() = %q", got)
	}
}

func TestEventGroupKeyRouting(t *testing.T) {
	tick := &Event{Type: EventTick, Market: MarketUSDM, Symbol: "BTCUSDT", Tick: &TickPayload{}}
	if got := tick.GroupKey(); got != "usdm:markPrice:BTCUSDT" {
		t.Fatalf("tick group = %q", got)
	}
	acct := &Event{Type: EventAccountUpdate, Market: MarketUSDM, CredentialID: "cred-1"}
	if got := acct.GroupKey(); got != "user:cred-1:usdm" {
		t.Fatalf("account group = %q", got)
	}
	kline := &Event{Type: EventKline, Market: MarketUSDM, Symbol: "BTCUSDT",
		Kline: &KlinePayload{ContractType: "perpetual", Interval: "1m"}}
	if got := kline.GroupKey(); got != "usdm:continuousKline:perpetual:1m:BTCUSDT" {
		t.Fatalf("kline group = %q", got)
	}
}
