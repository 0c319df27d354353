// Package sessionstore defines the persisted grid-session records the
// recovery coordinator restores at startup.
package sessionstore

import (
	"context"
	"strings"
	"time"

	"github.com/tidewater/conduit/errs"
	"github.com/tidewater/conduit/internal/schema"
)

// Position sides a session may be restored for.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Record is one persisted grid session.
type Record struct {
	ID           int64
	CredentialID string
	APIKey       string
	APISecret    string
	Market       schema.Market
	Symbol       string
	PositionSide string
	Active       bool
	UpdatedAt    time.Time
}

// Validate reports whether the record can be restored. Records missing
// credentials or carrying an unsupported position side are skipped, not
// failed.
func (r Record) Validate() error {
	if strings.TrimSpace(r.CredentialID) == "" ||
		strings.TrimSpace(r.APIKey) == "" ||
		strings.TrimSpace(r.APISecret) == "" {
		return errs.New("sessionstore", errs.CodeInvalid,
			errs.WithMessage("credential incomplete"),
			errs.WithField("credential_id", r.CredentialID))
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return errs.New("sessionstore", errs.CodeInvalid,
			errs.WithMessage("symbol required"),
			errs.WithField("credential_id", r.CredentialID))
	}
	if r.PositionSide != SideLong && r.PositionSide != SideShort {
		return errs.New("sessionstore", errs.CodeInvalid,
			errs.WithMessage("unsupported position side"),
			errs.WithField("position_side", r.PositionSide))
	}
	return nil
}

// Store persists grid-session records.
type Store interface {
	// ListActive returns every active session ordered by id.
	ListActive(ctx context.Context) ([]Record, error)
	// Save upserts a record by (credential, market, symbol, side).
	Save(ctx context.Context, rec Record) (int64, error)
	// Deactivate marks a session inactive.
	Deactivate(ctx context.Context, id int64) error
}
