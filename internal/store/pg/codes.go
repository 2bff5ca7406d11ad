package pg

import (
	"context"
	"database/sql"
	"errors"

	"authlink.org/internal/codes"
	"authlink.org/internal/identity"
)

func (s *Store) SaveCode(ctx context.Context, rec codes.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into confirm_codes (type, uid, account_id, hash, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (type, uid) do update
		set account_id = excluded.account_id,
			hash = excluded.hash,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at,
			attempts = 0
	`, string(rec.Key.Type), rec.Key.UID, rec.AccountID, rec.Hash, rec.IssuedAt.UTC(), rec.ExpiresAt.UTC())
	return err
}

func (s *Store) GetCode(ctx context.Context, key identity.Key) (codes.Record, error) {
	return read(ctx, s, func(q queries) (codes.Record, error) {
		rec := codes.Record{Key: key}
		err := q.q.QueryRowContext(ctx, `
			select account_id, hash, issued_at, expires_at, attempts
			from confirm_codes
			where type = $1 and uid = $2
		`, string(key.Type), key.UID).Scan(&rec.AccountID, &rec.Hash, &rec.IssuedAt, &rec.ExpiresAt, &rec.Attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return codes.Record{}, identity.ErrNotFound
		}
		if err != nil {
			return codes.Record{}, err
		}
		return rec, nil
	})
}

// ConsumeCode deletes the record only while it still carries hash, so two
// concurrent confirmations cannot both spend one code.
func (s *Store) ConsumeCode(ctx context.Context, key identity.Key, hash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from confirm_codes
		where type = $1 and uid = $2 and hash = $3
	`, string(key.Type), key.UID, hash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) FailCode(ctx context.Context, key identity.Key, hash string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		update confirm_codes set attempts = attempts + 1
		where type = $1 and uid = $2 and hash = $3
		returning attempts
	`, string(key.Type), key.UID, hash).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *Store) DeleteCode(ctx context.Context, key identity.Key) error {
	_, err := s.db.ExecContext(ctx, `delete from confirm_codes where type = $1 and uid = $2`, string(key.Type), key.UID)
	return err
}
