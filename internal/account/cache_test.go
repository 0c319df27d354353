package account

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidewater/conduit/internal/schema"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func seedSnapshot(fetchedAt time.Time) *schema.AccountSnapshot {
	return &schema.AccountSnapshot{
		CredentialID: "cred-1",
		Market:       schema.MarketUSDM,
		Balances: []schema.Balance{
			{Asset: "USDT", Free: dec("100"), Locked: dec("0")},
		},
		Positions: []schema.Position{
			{Symbol: "BTCUSDT", PositionSide: "LONG", PositionAmt: dec("0.5"), EntryPrice: dec("40000"), Leverage: 10},
		},
		WalletBalance: dec("100"),
		FetchedAt:     fetchedAt,
	}
}

func TestMergeDeltaUpdatesBalance(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCache(Config{}, WithClock(func() time.Time { return now }))
	key := Key{CredentialID: "cred-1", Market: schema.MarketUSDM}
	c.Set(key, seedSnapshot(now))

	delta := &schema.AccountDelta{
		Balances: []schema.Balance{{Asset: "USDT", Free: dec("80"), Locked: dec("20")}},
	}
	now = now.Add(time.Second)
	if !c.MergeDelta(key, delta) {
		t.Fatal("expected merge to succeed")
	}

	snap, ok := c.Get(key)
	if !ok {
		t.Fatal("snapshot missing after merge")
	}
	bal, ok := snap.Balance("USDT")
	if !ok {
		t.Fatal("USDT balance missing")
	}
	if !bal.Free.Equal(dec("80")) || !bal.Locked.Equal(dec("20")) {
		t.Fatalf("balance after merge = free %s locked %s", bal.Free, bal.Locked)
	}
	if !snap.FetchedAt.After(time.Unix(1000, 0)) {
		t.Fatal("expected merge to advance the snapshot timestamp")
	}
}

func TestMergeDeltaUpsertsNewEntries(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCache(Config{}, WithClock(func() time.Time { return now }))
	key := Key{CredentialID: "cred-1", Market: schema.MarketUSDM}
	c.Set(key, seedSnapshot(now))

	delta := &schema.AccountDelta{
		Balances: []schema.Balance{{Asset: "BNB", Free: dec("3")}},
		Positions: []schema.Position{
			{Symbol: "ETHUSDT", PositionSide: "SHORT", PositionAmt: dec("-2"), EntryPrice: dec("2500")},
		},
	}
	if !c.MergeDelta(key, delta) {
		t.Fatal("expected merge to succeed")
	}

	snap, _ := c.Get(key)
	if _, ok := snap.Balance("BNB"); !ok {
		t.Fatal("expected BNB balance to be inserted")
	}
	pos, ok := snap.Position("ETHUSDT", "SHORT")
	if !ok {
		t.Fatal("expected short position to be inserted")
	}
	if !pos.PositionAmt.Equal(dec("-2")) {
		t.Fatalf("inserted position amt = %s", pos.PositionAmt)
	}
	// The existing long position is untouched.
	if _, ok := snap.Position("BTCUSDT", "LONG"); !ok {
		t.Fatal("existing position lost during merge")
	}
}

func TestMergeDeltaCannotCreateSnapshot(t *testing.T) {
	c := NewCache(Config{})
	key := Key{CredentialID: "cred-9", Market: schema.MarketUSDM}
	delta := &schema.AccountDelta{
		Balances: []schema.Balance{{Asset: "USDT", Free: dec("1")}},
	}
	if c.MergeDelta(key, delta) {
		t.Fatal("merge before set must report false")
	}
	if _, ok := c.Get(key); ok {
		t.Fatal("delta must not create a snapshot")
	}
	if got := c.Stats().DroppedDeltas; got != 1 {
		t.Fatalf("dropped deltas = %d", got)
	}
}

func TestMergeEmptyDeltaIsNoop(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCache(Config{}, WithClock(func() time.Time { return now }))
	key := Key{CredentialID: "cred-1", Market: schema.MarketUSDM}
	c.Set(key, seedSnapshot(now))

	before, _ := c.Get(key)
	if !c.MergeDelta(key, &schema.AccountDelta{}) {
		t.Fatal("empty delta against an existing snapshot reports true")
	}
	after, _ := c.Get(key)
	if len(after.Balances) != len(before.Balances) || len(after.Positions) != len(before.Positions) {
		t.Fatal("empty delta must not change the snapshot")
	}
}

func TestFreshnessUsesStreamingTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCache(
		Config{StreamingTTL: 60 * time.Second, RestTTL: 20 * time.Second},
		WithClock(func() time.Time { return now }),
	)
	key := Key{CredentialID: "cred-1", Market: schema.MarketUSDM}
	c.Set(key, seedSnapshot(now))

	now = now.Add(30 * time.Second)
	if c.IsFresh(key) {
		t.Fatal("rest-only entry must expire after 20s")
	}

	c.SetStreaming(key, true)
	if !c.IsFresh(key) {
		t.Fatal("streaming entry must stay fresh inside 60s")
	}

	now = now.Add(31 * time.Second)
	if c.IsFresh(key) {
		t.Fatal("streaming entry must expire after 60s")
	}
}

func TestSetIgnoresOlderSnapshot(t *testing.T) {
	now := time.Unix(2000, 0)
	c := NewCache(Config{}, WithClock(func() time.Time { return now }))
	key := Key{CredentialID: "cred-1", Market: schema.MarketUSDM}
	c.Set(key, seedSnapshot(now))

	stale := seedSnapshot(now.Add(-time.Minute))
	stale.WalletBalance = dec("1")
	c.Set(key, stale)

	snap, _ := c.Get(key)
	if !snap.WalletBalance.Equal(dec("100")) {
		t.Fatalf("stale snapshot overwrote cache: wallet = %s", snap.WalletBalance)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCache(Config{}, WithClock(func() time.Time { return now }))
	key := Key{CredentialID: "cred-1", Market: schema.MarketUSDM}
	c.Set(key, seedSnapshot(now))

	snap, _ := c.Get(key)
	snap.Balances[0].Free = dec("0")

	again, _ := c.Get(key)
	if !again.Balances[0].Free.Equal(dec("100")) {
		t.Fatal("caller mutation leaked into the cache")
	}
}
