// Package postgres implements the session store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidewater/conduit/errs"
	"github.com/tidewater/conduit/internal/schema"
	"github.com/tidewater/conduit/internal/sessionstore"
)

// SessionStore persists grid-session records in PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore constructs a SessionStore backed by the provided pgx pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

func (s *SessionStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("session store: nil pool")
	}
	return s.pool, nil
}

const listActiveSQL = `
SELECT id, credential_id, api_key, api_secret, market, symbol, position_side, active, updated_at
FROM grid_sessions
WHERE active
ORDER BY id`

// ListActive returns every active session ordered by id.
func (s *SessionStore) ListActive(ctx context.Context) ([]sessionstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listActiveSQL)
	if err != nil {
		return nil, fmt.Errorf("session store: select sessions: %w", err)
	}
	defer rows.Close()

	var records []sessionstore.Record
	for rows.Next() {
		var rec sessionstore.Record
		var market string
		if err := rows.Scan(
			&rec.ID, &rec.CredentialID, &rec.APIKey, &rec.APISecret,
			&market, &rec.Symbol, &rec.PositionSide, &rec.Active, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("session store: scan session: %w", err)
		}
		rec.Market = schema.Market(market)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session store: iterate sessions: %w", err)
	}
	return records, nil
}

const upsertSQL = `
INSERT INTO grid_sessions (credential_id, api_key, api_secret, market, symbol, position_side, active, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (credential_id, market, symbol, position_side)
DO UPDATE SET api_key = EXCLUDED.api_key,
              api_secret = EXCLUDED.api_secret,
              active = EXCLUDED.active,
              updated_at = now()
RETURNING id`

// Save upserts a record by (credential, market, symbol, side) and returns
// its id.
func (s *SessionStore) Save(ctx context.Context, rec sessionstore.Record) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(rec.CredentialID) == "" {
		return 0, errs.New("sessionstore", errs.CodeInvalid,
			errs.WithMessage("credential id required"))
	}
	var id int64
	err = pool.QueryRow(ctx, upsertSQL,
		rec.CredentialID, rec.APIKey, rec.APISecret,
		string(rec.Market), rec.Symbol, rec.PositionSide, rec.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("session store: upsert session: %w", err)
	}
	return id, nil
}

// Deactivate marks a session inactive.
func (s *SessionStore) Deactivate(ctx context.Context, id int64) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx,
		`UPDATE grid_sessions SET active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("session store: deactivate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("sessionstore", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("session %d not found", id)))
	}
	return nil
}
