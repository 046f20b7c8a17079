// Package pgstore is the postgres implementation of the storage contract,
// built on pgx. Pool locks are row-level FOR UPDATE locks acquired in
// ascending-id order; serialization failures and deadlocks surface as
// storage.ErrConflict so callers can retry the whole operation.
package pgstore

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/open-rails/entkit/storage"
)

// Store implements storage.Store against a pgx connection pool.
type Store struct {
	pg     *pgxpool.Pool
	schema string
}

// New constructs a Store. An empty schema defaults to "entitlements".
func New(pg *pgxpool.Pool, schema string) *Store {
	s := strings.TrimSpace(schema)
	if s == "" {
		s = "entitlements"
	}
	return &Store{pg: pg, schema: s}
}

func (s *Store) table(name string) string { return s.schema + "." + name }

// WithTx runs fn inside a database transaction, committing on nil and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	pgtx, err := s.pg.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return translate(err)
	}
	t := &Tx{tx: pgtx, s: s}
	if err := fn(t); err != nil {
		_ = pgtx.Rollback(ctx)
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return translate(err)
	}
	return nil
}

// Tx implements storage.Tx over one pgx transaction.
type Tx struct {
	tx pgx.Tx
	s  *Store
}

var _ storage.Tx = (*Tx)(nil)

// translate maps driver errors onto the storage sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "23505": // serialization failure, deadlock, lock not available, unique violation
			return storage.ErrConflict
		}
	}
	return err
}
