// Package identity resolves beneficiaries against a persistent identity
// backend: wallet addresses and claim history keyed by user login.
package identity

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Querier is the slice of pgxpool.Pool the resolver uses.
// *pgxpool.Pool satisfies it.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Config struct {
	Logger *slog.Logger
	Pool   Querier
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// Resolver looks up wallets and claim history in postgres. Optional:
// deployments without a persistent identity backend rely on the flat
// ledger alone.
type Resolver struct {
	log  *slog.Logger
	pool Querier
}

func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{log: cfg.Logger, pool: cfg.Pool}, nil
}

// WalletByUser returns the user's registered wallet address, or empty
// when none is on file.
func (r *Resolver) WalletByUser(ctx context.Context, identity string) (string, error) {
	var address string
	err := r.pool.QueryRow(ctx, `
		SELECT w.address
		FROM wallets w
		JOIN users u ON u.wallet_id = w.id
		WHERE lower(u.login) = $1
	`, strings.ToLower(identity)).Scan(&address)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.log.Debug("identity: no wallet on file", "identity", identity)
			return "", nil
		}
		return "", fmt.Errorf("failed to fetch wallet for %s: %w", identity, err)
	}
	r.log.Debug("identity: fetched wallet", "identity", identity, "address", address)
	return strings.ToLower(address), nil
}

// HasClaimedBefore reports whether any permit was ever issued to the user.
func (r *Resolver) HasClaimedBefore(ctx context.Context, identity string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM permits p
			JOIN users u ON u.id = p.beneficiary_id
			WHERE lower(u.login) = $1
		)
	`, strings.ToLower(identity)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to fetch claim history for %s: %w", identity, err)
	}
	return exists, nil
}

// Migrate runs all pending identity schema migrations.
func Migrate(log *slog.Logger, db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	log.Info("identity: running migrations")
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
