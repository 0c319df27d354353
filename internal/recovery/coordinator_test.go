package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tidewater/conduit/errs"
	"github.com/tidewater/conduit/internal/schema"
	"github.com/tidewater/conduit/internal/sessionstore"
)

type stubStore struct {
	records []sessionstore.Record
	err     error
}

func (s *stubStore) ListActive(ctx context.Context) ([]sessionstore.Record, error) {
	return s.records, s.err
}

type stubRestorer struct {
	mu       sync.Mutex
	restored []int64
	failIDs  map[int64]bool
	inflight int
	maxSeen  int
}

func (s *stubRestorer) Restore(ctx context.Context, rec sessionstore.Record) error {
	s.mu.Lock()
	s.inflight++
	if s.inflight > s.maxSeen {
		s.maxSeen = s.inflight
	}
	s.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.failIDs[rec.ID] {
		return errors.New("restore refused")
	}
	s.restored = append(s.restored, rec.ID)
	return nil
}

func record(id int64, side string) sessionstore.Record {
	return sessionstore.Record{
		ID:           id,
		CredentialID: "cred-1",
		APIKey:       "key",
		APISecret:    "secret",
		Market:       schema.MarketUSDM,
		Symbol:       "BTCUSDT",
		PositionSide: side,
		Active:       true,
	}
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestRunReportsOutcomes(t *testing.T) {
	missingCred := record(3, sessionstore.SideLong)
	missingCred.APISecret = ""
	store := &stubStore{records: []sessionstore.Record{
		record(1, sessionstore.SideLong),
		record(2, sessionstore.SideShort),
		missingCred,
		record(4, sessionstore.SideLong),
		record(5, sessionstore.SideShort),
	}}
	restorer := &stubRestorer{}

	c := New(Config{BatchSize: 2}, store, restorer, WithSleep(noSleep))
	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Total != 5 || report.Restored != 4 || report.Failed != 0 || report.Skipped != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestRunSkipsUnsupportedPositionSide(t *testing.T) {
	store := &stubStore{records: []sessionstore.Record{
		record(1, "BOTH"),
		record(2, sessionstore.SideLong),
	}}
	restorer := &stubRestorer{}

	c := New(Config{}, store, restorer, WithSleep(noSleep))
	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Skipped != 1 || report.Restored != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(restorer.restored) != 1 || restorer.restored[0] != 2 {
		t.Fatalf("restored = %v", restorer.restored)
	}
}

func TestRunCountsFailures(t *testing.T) {
	store := &stubStore{records: []sessionstore.Record{
		record(1, sessionstore.SideLong),
		record(2, sessionstore.SideShort),
	}}
	restorer := &stubRestorer{failIDs: map[int64]bool{2: true}}

	c := New(Config{}, store, restorer, WithSleep(noSleep))
	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Restored != 1 || report.Failed != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestRunRespectsBatchSize(t *testing.T) {
	records := make([]sessionstore.Record, 0, 6)
	for i := int64(1); i <= 6; i++ {
		records = append(records, record(i, sessionstore.SideLong))
	}
	store := &stubStore{records: records}
	restorer := &stubRestorer{}

	c := New(Config{BatchSize: 2}, store, restorer, WithSleep(noSleep))
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if restorer.maxSeen > 2 {
		t.Fatalf("max concurrent restores = %d", restorer.maxSeen)
	}
}

func TestRunPausesBetweenBatches(t *testing.T) {
	store := &stubStore{records: []sessionstore.Record{
		record(1, sessionstore.SideLong),
		record(2, sessionstore.SideLong),
		record(3, sessionstore.SideLong),
	}}
	restorer := &stubRestorer{}

	var pauses []time.Duration
	c := New(Config{BatchSize: 2, BatchDelay: time.Second}, store, restorer,
		WithSleep(func(ctx context.Context, d time.Duration) error {
			pauses = append(pauses, d)
			return nil
		}))
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pauses) != 1 || pauses[0] != time.Second {
		t.Fatalf("pauses = %v", pauses)
	}
}

func TestRunIsOneShot(t *testing.T) {
	c := New(Config{}, &stubStore{}, &stubRestorer{}, WithSleep(noSleep))
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, err := c.Run(context.Background())
	if !errs.IsCode(err, errs.CodeState) {
		t.Fatalf("expected invalid-state error, got %v", err)
	}
}

func TestRunSurfacesListFailure(t *testing.T) {
	c := New(Config{}, &stubStore{err: errors.New("db down")}, &stubRestorer{}, WithSleep(noSleep))
	_, err := c.Run(context.Background())
	if !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}
