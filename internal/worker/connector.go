package worker

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/schemafleet/propagator/internal/domain"
)

// Tx is the subset of pgx.Tx the Target Worker and the ledger package need.
// Declared here at point of use, the way the teacher declares narrow
// interfaces in its repository package, so tests can supply fakes.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Conn is one connection to a single target database.
type Conn interface {
	Begin(ctx context.Context) (Tx, error)
	Close(ctx context.Context) error
}

// Connector resolves a Target's credentials and opens a connection.
type Connector interface {
	Connect(ctx context.Context, target domain.Target) (Conn, error)
}

// CredentialResolver turns a Target's CredentialsRef into a DSN. The engine
// "never handles secrets beyond passing them to the driver" (§3); this
// keeps that hand-off an explicit, swappable boundary.
type CredentialResolver interface {
	Resolve(target domain.Target) (dsn string, err error)
}

// EnvCredentialResolver reads the DSN from the environment variable named
// by CredentialsRef — the simplest resolver, suitable for local runs and
// CI where targets' passwords are injected as env vars by the deployment
// tooling rather than handled by this engine.
type EnvCredentialResolver struct{}

func (EnvCredentialResolver) Resolve(target domain.Target) (string, error) {
	v := os.Getenv(target.CredentialsRef)
	if v == "" {
		return "", fmt.Errorf("credentials ref %q: environment variable not set", target.CredentialsRef)
	}
	return v, nil
}

// PGConnector is the real Connector, backed by pgx.Connect — one fresh
// connection per attempt, never pooled, since each target is a distinct
// database.
type PGConnector struct {
	Resolver CredentialResolver
}

func NewPGConnector(resolver CredentialResolver) *PGConnector {
	if resolver == nil {
		resolver = EnvCredentialResolver{}
	}
	return &PGConnector{Resolver: resolver}
}

func (c *PGConnector) Connect(ctx context.Context, target domain.Target) (Conn, error) {
	dsn, err := c.Resolver.Resolve(target)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return pgxConn{conn}, nil
}

// pgxConn adapts *pgx.Conn to Conn. Its Begin method returns a pgx.Tx
// interface value, which structurally satisfies our narrower Tx interface.
type pgxConn struct {
	c *pgx.Conn
}

func (a pgxConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := a.c.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (a pgxConn) Close(ctx context.Context) error {
	return a.c.Close(ctx)
}
