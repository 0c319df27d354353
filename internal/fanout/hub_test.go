package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/tidewater/conduit/internal/schema"
)

func tickEvent(symbol string, seq int64) *schema.Event {
	return &schema.Event{
		Type:       schema.EventTick,
		Market:     schema.MarketUSDM,
		Symbol:     symbol,
		IngestedAt: time.UnixMilli(seq),
		Tick:       &schema.TickPayload{},
	}
}

func recv(t *testing.T, ch <-chan *schema.Event) *schema.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishPreservesPerMemberOrder(t *testing.T) {
	h := NewHub(Config{BufferSize: 8})
	defer h.Close()

	_, ch, err := h.Join(context.Background(), "usdm:markPrice:BTCUSDT")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	for i := int64(1); i <= 5; i++ {
		h.Publish(context.Background(), tickEvent("BTCUSDT", i))
	}
	for i := int64(1); i <= 5; i++ {
		evt := recv(t, ch)
		if got := evt.IngestedAt.UnixMilli(); got != i {
			t.Fatalf("event %d arrived out of order: %d", i, got)
		}
	}
}

func TestSlowMemberDoesNotStallOthers(t *testing.T) {
	h := NewHub(Config{BufferSize: 1})
	defer h.Close()

	group := "usdm:markPrice:BTCUSDT"
	_, slow, err := h.Join(context.Background(), group)
	if err != nil {
		t.Fatalf("join slow: %v", err)
	}
	_, fast, err := h.Join(context.Background(), group)
	if err != nil {
		t.Fatalf("join fast: %v", err)
	}

	// The slow member never reads; its 1-slot buffer overflows.
	for i := int64(1); i <= 10; i++ {
		h.Publish(context.Background(), tickEvent("BTCUSDT", i))
		evt := recv(t, fast)
		if got := evt.IngestedAt.UnixMilli(); got != i {
			t.Fatalf("fast member missed event %d, got %d", i, got)
		}
	}

	// The slow member kept the freshest event it had room for.
	evt := recv(t, slow)
	if evt.IngestedAt.UnixMilli() == 0 {
		t.Fatal("slow member received zero event")
	}
}

func TestPublishRoutesByGroup(t *testing.T) {
	h := NewHub(Config{})
	defer h.Close()

	_, btc, _ := h.Join(context.Background(), "usdm:markPrice:BTCUSDT")
	_, eth, _ := h.Join(context.Background(), "usdm:markPrice:ETHUSDT")

	h.Publish(context.Background(), tickEvent("BTCUSDT", 1))

	if evt := recv(t, btc); evt.Symbol != "BTCUSDT" {
		t.Fatalf("btc member got %s", evt.Symbol)
	}
	select {
	case evt := <-eth:
		t.Fatalf("eth member received foreign event %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLeaveClosesChannel(t *testing.T) {
	h := NewHub(Config{})
	defer h.Close()

	group := "user:cred-1:usdm"
	id, ch, _ := h.Join(context.Background(), group)
	if h.GroupSize(group) != 1 {
		t.Fatalf("group size = %d", h.GroupSize(group))
	}

	h.Leave(group, id)
	if _, open := <-ch; open {
		t.Fatal("channel still open after leave")
	}
	if h.GroupSize(group) != 0 {
		t.Fatalf("group size after leave = %d", h.GroupSize(group))
	}

	// Leaving twice is a no-op.
	h.Leave(group, id)
}

func TestJoinContextCancelRemovesMember(t *testing.T) {
	h := NewHub(Config{})
	defer h.Close()

	group := "usdm:markPrice:BTCUSDT"
	ctx, cancel := context.WithCancel(context.Background())
	_, ch, _ := h.Join(ctx, group)
	cancel()

	deadline := time.After(time.Second)
	for h.GroupSize(group) != 0 {
		select {
		case <-deadline:
			t.Fatal("member not removed after context cancel")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if _, open := <-ch; open {
		t.Fatal("channel still open after context cancel")
	}
}

func TestPublishDuringLeaveDoesNotPanic(t *testing.T) {
	// A member leaving mid-publish closes its channel; the publisher must
	// skip it rather than send on the closed channel.
	h := NewHub(Config{BufferSize: 1})
	defer h.Close()

	group := "usdm:markPrice:BTCUSDT"
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 500; i++ {
			h.Publish(context.Background(), tickEvent("BTCUSDT", i))
		}
	}()

	for i := 0; i < 200; i++ {
		id, _, err := h.Join(context.Background(), group)
		if err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
		h.Leave(group, id)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher never finished")
	}
}

func TestJoinAfterCloseFails(t *testing.T) {
	h := NewHub(Config{})
	h.Close()
	if _, _, err := h.Join(context.Background(), "g"); err == nil {
		t.Fatal("expected join on closed hub to fail")
	}
}
