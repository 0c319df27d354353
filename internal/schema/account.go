package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is one asset balance inside an account snapshot.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Position is one open position keyed by symbol and position side.
type Position struct {
	Symbol           string
	PositionSide     string
	PositionAmt      decimal.Decimal
	EntryPrice       decimal.Decimal
	UnrealizedProfit decimal.Decimal
	Leverage         int
	Isolated         bool
}

// AccountSnapshot is the full account state for one credential on one market.
type AccountSnapshot struct {
	CredentialID     string
	Market           Market
	Balances         []Balance
	Positions        []Position
	WalletBalance    decimal.Decimal
	AvailableBalance decimal.Decimal
	FetchedAt        time.Time
}

// Clone returns a deep copy so callers can mutate freely.
func (s *AccountSnapshot) Clone() *AccountSnapshot {
	if s == nil {
		return nil
	}
	dup := *s
	dup.Balances = make([]Balance, len(s.Balances))
	copy(dup.Balances, s.Balances)
	dup.Positions = make([]Position, len(s.Positions))
	copy(dup.Positions, s.Positions)
	return &dup
}

// Balance looks up an asset balance by name.
func (s *AccountSnapshot) Balance(asset string) (Balance, bool) {
	for _, b := range s.Balances {
		if b.Asset == asset {
			return b, true
		}
	}
	return Balance{}, false
}

// Position looks up a position by symbol and side.
func (s *AccountSnapshot) Position(symbol, side string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol && p.PositionSide == side {
			return p, true
		}
	}
	return Position{}, false
}

// AccountDelta is an incremental account update from the user-data stream.
// Nil pointer fields were absent from the upstream payload.
type AccountDelta struct {
	Reason           string
	EventTime        time.Time
	Balances         []Balance
	Positions        []Position
	WalletBalance    *decimal.Decimal
	AvailableBalance *decimal.Decimal
}

// Empty reports whether the delta carries no changes.
func (d *AccountDelta) Empty() bool {
	return d == nil ||
		(len(d.Balances) == 0 && len(d.Positions) == 0 &&
			d.WalletBalance == nil && d.AvailableBalance == nil)
}
