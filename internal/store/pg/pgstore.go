package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"authlink.org/internal/codes"
	"authlink.org/internal/identity"
)

// Store is the PostgreSQL implementation of identity.Store and codes.Store.
type Store struct {
	db           *sql.DB
	maxTries     uint
	retryInitial time.Duration
	retryMax     time.Duration
}

var (
	_ identity.Store = (*Store)(nil)
	_ codes.Store    = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithRetry bounds retries of reads and serialization failures.
func WithRetry(maxTries uint, initial, maxInterval time.Duration) Option {
	return func(s *Store) {
		if maxTries > 0 {
			s.maxTries = maxTries
		}
		if initial > 0 {
			s.retryInitial = initial
		}
		if maxInterval > 0 {
			s.retryMax = maxInterval
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:           db,
		maxTries:     4,
		retryInitial: 25 * time.Millisecond,
		retryMax:     500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) retryOptions() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInitial
	b.MaxInterval = s.retryMax
	return []backoff.RetryOption{backoff.WithBackOff(b), backoff.WithMaxTries(s.maxTries)}
}

// read retries op while it fails with a transient connection error.
func read[T any](ctx context.Context, s *Store, op func(queries) (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(queries{q: s.db})
		if err != nil && !transient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, s.retryOptions()...)
}

func (s *Store) Find(ctx context.Context, key identity.Key) (identity.Identity, error) {
	return read(ctx, s, func(q queries) (identity.Identity, error) { return q.find(ctx, key) })
}

func (s *Store) Claims(ctx context.Context, key identity.Key) ([]identity.Identity, error) {
	return read(ctx, s, func(q queries) ([]identity.Identity, error) { return q.claims(ctx, key) })
}

func (s *Store) ListByAccount(ctx context.Context, accountID string) ([]identity.Identity, error) {
	return read(ctx, s, func(q queries) ([]identity.Identity, error) { return q.listByAccount(ctx, accountID) })
}

func (s *Store) GetAccount(ctx context.Context, id string) (identity.Account, error) {
	return read(ctx, s, func(q queries) (identity.Account, error) { return q.getAccount(ctx, id) })
}

func (s *Store) Put(ctx context.Context, id identity.Identity) error {
	scope := identity.Scope{Keys: []identity.Key{id.Key}, Accounts: []string{id.AccountID}}
	return s.Atomic(ctx, scope, func(ctx context.Context, tx identity.Tx) error { return tx.Put(ctx, id) })
}

func (s *Store) Delete(ctx context.Context, key identity.Key, accountID string) error {
	scope := identity.Scope{Keys: []identity.Key{key}, Accounts: []string{accountID}}
	return s.Atomic(ctx, scope, func(ctx context.Context, tx identity.Tx) error { return tx.Delete(ctx, key, accountID) })
}

func (s *Store) Reparent(ctx context.Context, key identity.Key, from, to string) error {
	scope := identity.Scope{Keys: []identity.Key{key}, Accounts: []string{from, to}}
	return s.Atomic(ctx, scope, func(ctx context.Context, tx identity.Tx) error { return tx.Reparent(ctx, key, from, to) })
}

func (s *Store) CreateAccount(ctx context.Context, acc identity.Account) error {
	return queries{q: s.db}.createAccount(ctx, acc)
}

func (s *Store) UpdateAccount(ctx context.Context, acc identity.Account) error {
	scope := identity.Scope{Accounts: []string{acc.ID}}
	return s.Atomic(ctx, scope, func(ctx context.Context, tx identity.Tx) error { return tx.UpdateAccount(ctx, acc) })
}

// Atomic runs fn in a serializable transaction after taking a transaction
// scoped advisory lock for every scope name in sorted order. Serialization
// failures are retried; once retries run out they surface as ErrConflict.
func (s *Store) Atomic(ctx context.Context, scope identity.Scope, fn func(ctx context.Context, tx identity.Tx) error) error {
	names := scope.LockNames()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.atomicOnce(ctx, names, fn)
		if err != nil && !serializationFailure(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, s.retryOptions()...)
	if serializationFailure(err) {
		return fmt.Errorf("%w: %v", identity.ErrConflict, err)
	}
	return err
}

func (s *Store) atomicOnce(ctx context.Context, names []string, fn func(ctx context.Context, tx identity.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, name := range names {
		if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtextextended($1, 0))`, name); err != nil {
			return fmt.Errorf("lock %s: %w", name, err)
		}
	}
	if err := fn(ctx, &pgTx{queries{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return identity.ErrConflict
		}
		return err
	}
	return nil
}

// SweepPending removes unconfirmed claims older than before.
func (s *Store) SweepPending(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from auth_identities
		where not confirmed and claimed_at < $1
	`, before.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// pgTx is the identity.Tx handed to Atomic callbacks.
type pgTx struct {
	queries
}

func (t *pgTx) Find(ctx context.Context, key identity.Key) (identity.Identity, error) {
	return t.find(ctx, key)
}

func (t *pgTx) Claims(ctx context.Context, key identity.Key) ([]identity.Identity, error) {
	return t.claims(ctx, key)
}

func (t *pgTx) ListByAccount(ctx context.Context, accountID string) ([]identity.Identity, error) {
	return t.listByAccount(ctx, accountID)
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (identity.Account, error) {
	return t.getAccount(ctx, id)
}

func (t *pgTx) Put(ctx context.Context, id identity.Identity) error { return t.put(ctx, id) }

func (t *pgTx) Delete(ctx context.Context, key identity.Key, accountID string) error {
	return t.delete(ctx, key, accountID)
}

func (t *pgTx) Reparent(ctx context.Context, key identity.Key, from, to string) error {
	return t.reparent(ctx, key, from, to)
}

func (t *pgTx) CreateAccount(ctx context.Context, acc identity.Account) error {
	return t.createAccount(ctx, acc)
}

func (t *pgTx) UpdateAccount(ctx context.Context, acc identity.Account) error {
	return t.updateAccount(ctx, acc)
}
