// Package catalog implements the §6 Catalog boundary: list_targets(pattern)
// -> [Target]. spec.md treats the Catalog as a pure external collaborator;
// this package gives it a minimal concrete home so cmd/propagate is
// runnable end-to-end without a stub — a small Postgres-resident registry
// of known tenant targets, queried with a glob-like pattern that this
// implementation resolves directly to SQL LIKE (the `cmp_%` example in §6
// already is LIKE syntax, so no translation layer is introduced).
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/schemafleet/propagator/internal/domain"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// minRegistryPoolConns floors the registry's own pool so a process
// running with a small default max_concurrency still has enough
// connections to serve several concurrently-submitted jobs' ListTargets
// calls without queueing behind each other.
const minRegistryPoolConns = 5

// Registry is a Postgres-backed implementation of engine.Catalog. It owns
// its connection pool outright, sized off the same max_concurrency that
// bounds the Dispatcher's worker pool. The engine does not cache the target
// list beyond one job (§6); Registry does no caching of its own either,
// so every SubmitJob call re-reads the table.
type Registry struct {
	pool *pgxpool.Pool
}

// NewRegistry opens a pool against dsn sized off maxConcurrency, then runs
// the registry's own embedded goose migrations via a temporary
// database/sql connection (goose requires one) before returning a
// Registry ready to serve ListTargets. Grounded on rezkam-mono's
// connection.go: migrate-then-pool-for-queries split.
func NewRegistry(ctx context.Context, dsn string, maxConcurrency int) (*Registry, error) {
	pool, err := newPool(ctx, dsn, maxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("catalog: connect: %w", err)
	}

	if err := migrate(ctx, dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return &Registry{pool: pool}, nil
}

func newPool(ctx context.Context, dsn string, maxConcurrency int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}

	maxConns := int32(maxConcurrency)
	if maxConns < minRegistryPoolConns {
		maxConns = minRegistryPoolConns
	}
	minConns := maxConns / 5
	if minConns < 1 {
		minConns = 1
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

func migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the registry's pool. Callers hold one Registry for the
// life of the process and Close it once, on shutdown.
func (r *Registry) Close() {
	r.pool.Close()
}

// Ping satisfies health.Pinger, so readiness checks exercise the
// Catalog's own pool directly rather than a bare *pgxpool.Pool handed to
// the checker separately.
func (r *Registry) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// TargetCount satisfies health.TargetCounter: it reports how many tenant
// targets are currently registered, so readiness reflects whether the
// registry a propagation run would actually query against is populated,
// not just whether the connection is alive.
func (r *Registry) TargetCount(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM targets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count targets: %w", err)
	}
	return n, nil
}

// ListTargets returns every registered target whose database name
// matches a SQL LIKE pattern (host and port are not matched) — the
// §6 example pattern `cmp_%` selects every tenant database whose name
// starts with "cmp_".
func (r *Registry) ListTargets(ctx context.Context, pattern string) ([]domain.Target, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT host, port, database, credentials_ref
		FROM targets
		WHERE database LIKE $1
		ORDER BY host, port, database`, pattern)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var targets []domain.Target
	for rows.Next() {
		var t domain.Target
		if err := rows.Scan(&t.Host, &t.Port, &t.Database, &t.CredentialsRef); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return targets, nil
}

// Register inserts or updates one tenant target in the registry.
// Supporting infrastructure used by the integration test to populate the
// registry; the Catalog boundary itself (§6) only specifies ListTargets.
func (r *Registry) Register(ctx context.Context, t domain.Target) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO targets (host, port, database, credentials_ref)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (host, port, database) DO UPDATE SET credentials_ref = EXCLUDED.credentials_ref`,
		t.Host, t.Port, t.Database, t.CredentialsRef)
	if err != nil {
		return fmt.Errorf("register target: %w", err)
	}
	return nil
}
