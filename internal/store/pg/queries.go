package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"authlink.org/internal/identity"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const identityColumns = `type, uid, account_id, confirmed, secret, claimed_at, confirmed_at`

func (x queries) find(ctx context.Context, key identity.Key) (identity.Identity, error) {
	rows, err := x.claims(ctx, key)
	if err != nil {
		return identity.Identity{}, err
	}
	if row, ok := identity.Active(rows); ok {
		return row, nil
	}
	return identity.Identity{}, identity.ErrNotFound
}

func (x queries) claims(ctx context.Context, key identity.Key) ([]identity.Identity, error) {
	rows, err := x.q.QueryContext(ctx, `
		select `+identityColumns+`
		from auth_identities
		where type = $1 and uid = $2
		order by account_id
	`, string(key.Type), key.UID)
	if err != nil {
		return nil, err
	}
	return scanIdentities(rows)
}

func (x queries) listByAccount(ctx context.Context, accountID string) ([]identity.Identity, error) {
	rows, err := x.q.QueryContext(ctx, `
		select `+identityColumns+`
		from auth_identities
		where account_id = $1
		order by type, uid
	`, accountID)
	if err != nil {
		return nil, err
	}
	return scanIdentities(rows)
}

func scanIdentities(rows *sql.Rows) ([]identity.Identity, error) {
	defer rows.Close()
	var out []identity.Identity
	for rows.Next() {
		var (
			r           identity.Identity
			typ         string
			confirmedAt sql.NullTime
		)
		if err := rows.Scan(&typ, &r.UID, &r.AccountID, &r.Confirmed, &r.Secret, &r.ClaimedAt, &confirmedAt); err != nil {
			return nil, err
		}
		r.Type = identity.Type(typ)
		if confirmedAt.Valid {
			r.ConfirmedAt = confirmedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (x queries) getAccount(ctx context.Context, id string) (identity.Account, error) {
	var acc identity.Account
	err := x.q.QueryRowContext(ctx, `
		select id, is_guest, coalesce(merged_into, ''), created_at, updated_at
		from accounts
		where id = $1
	`, id).Scan(&acc.ID, &acc.IsGuest, &acc.MergedInto, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Account{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Account{}, err
	}
	return acc, nil
}

func (x queries) put(ctx context.Context, r identity.Identity) error {
	var confirmedAt any
	if r.Confirmed && !r.ConfirmedAt.IsZero() {
		confirmedAt = r.ConfirmedAt.UTC()
	}
	_, err := x.q.ExecContext(ctx, `
		insert into auth_identities (type, uid, account_id, confirmed, secret, claimed_at, confirmed_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (type, uid, account_id) do update
		set confirmed = excluded.confirmed,
			secret = excluded.secret,
			claimed_at = excluded.claimed_at,
			confirmed_at = excluded.confirmed_at
	`, string(r.Type), r.UID, r.AccountID, r.Confirmed, r.Secret, r.ClaimedAt.UTC(), confirmedAt)
	if isUniqueViolation(err) {
		return identity.ErrConflict
	}
	return err
}

func (x queries) delete(ctx context.Context, key identity.Key, accountID string) error {
	res, err := x.q.ExecContext(ctx, `
		delete from auth_identities
		where type = $1 and uid = $2 and account_id = $3
	`, string(key.Type), key.UID, accountID)
	return affectedOne(res, err)
}

func (x queries) reparent(ctx context.Context, key identity.Key, from, to string) error {
	if from == to {
		return nil
	}
	res, err := x.q.ExecContext(ctx, `
		update auth_identities
		set account_id = $4
		where type = $1 and uid = $2 and account_id = $3
	`, string(key.Type), key.UID, from, to)
	if isUniqueViolation(err) {
		return identity.ErrConflict
	}
	return affectedOne(res, err)
}

func (x queries) createAccount(ctx context.Context, acc identity.Account) error {
	created := acc.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := acc.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	_, err := x.q.ExecContext(ctx, `
		insert into accounts (id, is_guest, merged_into, created_at, updated_at)
		values ($1, $2, nullif($3, ''), $4, $5)
	`, acc.ID, acc.IsGuest, acc.MergedInto, created.UTC(), updated.UTC())
	if isUniqueViolation(err) {
		return identity.ErrConflict
	}
	return err
}

func (x queries) updateAccount(ctx context.Context, acc identity.Account) error {
	updated := acc.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	res, err := x.q.ExecContext(ctx, `
		update accounts
		set is_guest = $2, merged_into = nullif($3, ''), updated_at = $4
		where id = $1
	`, acc.ID, acc.IsGuest, acc.MergedInto, updated.UTC())
	return affectedOne(res, err)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}
