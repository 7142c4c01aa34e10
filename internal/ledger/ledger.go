// Package ledger implements the per-target Version Ledger (§4.1): the
// small table the engine writes into each tenant database recording which
// VersionIds have been applied, and the source of truth for idempotency.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/schemafleet/propagator/internal/domain"
)

const tableName = "schema_propagation_ledger"

const createTableQuery = `
CREATE TABLE IF NOT EXISTS ` + tableName + ` (
	version_id text PRIMARY KEY,
	applied_at timestamptz NOT NULL DEFAULT now(),
	checksum   text
)`

const isAppliedQuery = `
SELECT checksum FROM ` + tableName + ` WHERE version_id = $1`

const stampQuery = `
INSERT INTO ` + tableName + ` (version_id, checksum)
VALUES ($1, $2)
ON CONFLICT (version_id) DO NOTHING`

// querier is satisfied by pgx.Tx (and *pgxpool.Pool, for tests that don't
// need transactional semantics).
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EnsureLedger creates the ledger table if it does not already exist. It
// must run inside the same transaction as the user script so table
// creation, the script, and the stamp commit atomically (§9 Open
// Question). The duplicate_table (42P07) and duplicate_object (42710)
// SQLSTATEs are tolerated in case of a race against a concurrent worker
// creating the table in another transaction.
func EnsureLedger(ctx context.Context, q querier) error {
	_, err := q.Exec(ctx, createTableQuery)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "42P07" || pgErr.Code == "42710") {
		return nil
	}
	return fmt.Errorf("ensure ledger: %w", err)
}

// Status is the result of IsApplied.
type Status struct {
	Present  bool
	Checksum domain.Checksum
}

// IsApplied looks up versionID in the ledger.
func IsApplied(ctx context.Context, q querier, versionID domain.VersionId) (Status, error) {
	var checksum *string
	row := q.QueryRow(ctx, isAppliedQuery, string(versionID))
	err := row.Scan(&checksum)
	if errors.Is(err, pgx.ErrNoRows) {
		return Status{Present: false}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("is applied: %w", err)
	}
	if checksum == nil {
		return Status{Present: true}, nil
	}
	return Status{Present: true, Checksum: domain.Checksum(*checksum)}, nil
}

// Stamp inserts versionID with checksum. A pre-existing row for the same
// version is left untouched (no-op), matching §4.1's guarantee.
func Stamp(ctx context.Context, q querier, versionID domain.VersionId, checksum domain.Checksum) error {
	_, err := q.Exec(ctx, stampQuery, string(versionID), string(checksum))
	if err != nil {
		return fmt.Errorf("stamp ledger: %w", err)
	}
	return nil
}
