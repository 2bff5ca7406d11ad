package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"authlink.org/internal/codes"
	"authlink.org/internal/identity"
)

type retryableErr struct{}

func (retryableErr) Error() string     { return "connection reset" }
func (retryableErr) SafeToRetry() bool { return true }

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, WithRetry(3, time.Millisecond, time.Millisecond)), mock
}

var identityCols = []string{"type", "uid", "account_id", "confirmed", "secret", "claimed_at", "confirmed_at"}

func TestAtomicLocksInSortedOrder(t *testing.T) {
	store, mock := newMock(t)
	key := identity.NewKey(identity.TypeOTP, "+1")

	mock.ExpectBegin()
	mock.ExpectExec(`select pg_advisory_xact_lock\(hashtextextended\(\$1, 0\)\)`).WithArgs("account/acc_a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`select pg_advisory_xact_lock`).WithArgs("account/acc_b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`select pg_advisory_xact_lock`).WithArgs("identity/otp:+1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`update auth_identities\s+set account_id = \$4`).
		WithArgs("otp", "+1", "acc_b", "acc_a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	scope := identity.Scope{Keys: []identity.Key{key}, Accounts: []string{"acc_b", "acc_a", "acc_b"}}
	err := store.Atomic(context.Background(), scope, func(ctx context.Context, tx identity.Tx) error {
		return tx.Reparent(ctx, key, "acc_b", "acc_a")
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAtomicRollsBackOnDomainError(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`select pg_advisory_xact_lock`).WithArgs("account/acc_a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Atomic(context.Background(), identity.Scope{Accounts: []string{"acc_a"}}, func(context.Context, identity.Tx) error {
		return identity.ErrUserExist
	})
	if !errors.Is(err, identity.ErrUserExist) {
		t.Fatalf("expected ErrUserExist, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAtomicRetriesSerializationFailure(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`select pg_advisory_xact_lock`).WithArgs("account/acc_a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: pgErrSerializationFailure})
	mock.ExpectBegin()
	mock.ExpectExec(`select pg_advisory_xact_lock`).WithArgs("account/acc_a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	calls := 0
	err := store.Atomic(context.Background(), identity.Scope{Accounts: []string{"acc_a"}}, func(context.Context, identity.Tx) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected the callback to run twice, ran %d", calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPutMapsUniqueViolationToConflict(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()
	row := identity.Identity{
		Key:         identity.NewKey(identity.TypePassword, "a@example.com"),
		AccountID:   "acc_a",
		Confirmed:   true,
		ClaimedAt:   now,
		ConfirmedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`select pg_advisory_xact_lock`).WithArgs("account/acc_a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`select pg_advisory_xact_lock`).WithArgs("identity/password:a@example.com").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`insert into auth_identities`).
		WithArgs("password", "a@example.com", "acc_a", true, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	if err := store.Put(context.Background(), row); !errors.Is(err, identity.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindReturnsActiveRow(t *testing.T) {
	store, mock := newMock(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`from auth_identities\s+where type = \$1 and uid = \$2`).
		WithArgs("otp", "+1").
		WillReturnRows(sqlmock.NewRows(identityCols).
			AddRow("otp", "+1", "acc_a", false, "", base.Add(time.Minute), nil).
			AddRow("otp", "+1", "acc_b", true, "", base, base))

	row, err := store.Find(context.Background(), identity.NewKey(identity.TypeOTP, "+1"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if row.AccountID != "acc_b" || !row.Confirmed || !row.ConfirmedAt.Equal(base) {
		t.Fatalf("unexpected active row: %+v", row)
	}
}

func TestReadRetriesTransientErrors(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`where account_id = \$1`).WithArgs("acc_a").WillReturnError(retryableErr{})
	mock.ExpectQuery(`where account_id = \$1`).WithArgs("acc_a").
		WillReturnRows(sqlmock.NewRows(identityCols).AddRow("google", "g-1", "acc_a", true, "", time.Now(), time.Now()))

	rows, err := store.ListByAccount(context.Background(), "acc_a")
	if err != nil {
		t.Fatalf("ListByAccount: %v", err)
	}
	if len(rows) != 1 || rows[0].Type != identity.TypeGoogle {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetAccount(t *testing.T) {
	store, mock := newMock(t)
	cols := []string{"id", "is_guest", "merged_into", "created_at", "updated_at"}
	now := time.Now()

	mock.ExpectQuery(`from accounts`).WithArgs("acc_gone").WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(`from accounts`).WithArgs("acc_z").WillReturnRows(sqlmock.NewRows(cols).AddRow("acc_z", false, "acc_y", now, now))

	if _, err := store.GetAccount(context.Background(), "acc_gone"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	acc, err := store.GetAccount(context.Background(), "acc_z")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !acc.Retired() || acc.MergedInto != "acc_y" {
		t.Fatalf("unexpected account: %+v", acc)
	}
}

func TestDeleteMissingRow(t *testing.T) {
	store, mock := newMock(t)
	key := identity.NewKey(identity.TypeOTP, "+9")

	mock.ExpectBegin()
	mock.ExpectExec(`select pg_advisory_xact_lock`).WithArgs("account/acc_a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`select pg_advisory_xact_lock`).WithArgs("identity/otp:+9").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`delete from auth_identities`).WithArgs("otp", "+9", "acc_a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := store.Delete(context.Background(), key, "acc_a"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepPending(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`delete from auth_identities\s+where not confirmed and claimed_at < \$1`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.SweepPending(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("SweepPending: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 swept rows, got %d", n)
	}
}

func TestConsumeCodeIsConditional(t *testing.T) {
	store, mock := newMock(t)
	key := identity.NewKey(identity.TypeOTP, "+1")

	mock.ExpectExec(`delete from confirm_codes\s+where type = \$1 and uid = \$2 and hash = \$3`).
		WithArgs("otp", "+1", "h1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`delete from confirm_codes`).
		WithArgs("otp", "+1", "h1").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.ConsumeCode(context.Background(), key, "h1")
	if err != nil || !ok {
		t.Fatalf("first consume: ok=%v err=%v", ok, err)
	}
	ok, err = store.ConsumeCode(context.Background(), key, "h1")
	if err != nil || ok {
		t.Fatalf("second consume must fail: ok=%v err=%v", ok, err)
	}
}

func TestCodeRecordRoundTrip(t *testing.T) {
	store, mock := newMock(t)
	key := identity.NewKey(identity.TypeOTP, "+1")
	issued := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := codes.Record{Key: key, AccountID: "acc_a", Hash: "h", IssuedAt: issued, ExpiresAt: issued.Add(10 * time.Minute)}

	mock.ExpectExec(`insert into confirm_codes`).
		WithArgs("otp", "+1", "acc_a", "h", issued, issued.Add(10*time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`from confirm_codes`).WithArgs("otp", "+1").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "hash", "issued_at", "expires_at", "attempts"}).
			AddRow("acc_a", "h", issued, issued.Add(10*time.Minute), 2))
	mock.ExpectQuery(`from confirm_codes`).WithArgs("otp", "+2").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "hash", "issued_at", "expires_at", "attempts"}))

	if err := store.SaveCode(context.Background(), rec); err != nil {
		t.Fatalf("SaveCode: %v", err)
	}
	got, err := store.GetCode(context.Background(), key)
	if err != nil {
		t.Fatalf("GetCode: %v", err)
	}
	if got.AccountID != "acc_a" || !got.ExpiresAt.Equal(rec.ExpiresAt) || got.Attempts != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, err := store.GetCode(context.Background(), identity.NewKey(identity.TypeOTP, "+2")); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFailCodeCountsAgainstCurrentHash(t *testing.T) {
	store, mock := newMock(t)
	key := identity.NewKey(identity.TypeOTP, "+1")

	mock.ExpectQuery(`update confirm_codes set attempts = attempts \+ 1`).
		WithArgs("otp", "+1", "h1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(3))
	mock.ExpectQuery(`update confirm_codes set attempts`).
		WithArgs("otp", "+1", "stale").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}))

	n, err := store.FailCode(context.Background(), key, "h1")
	if err != nil || n != 3 {
		t.Fatalf("FailCode: n=%d err=%v", n, err)
	}
	n, err = store.FailCode(context.Background(), key, "stale")
	if err != nil || n != 0 {
		t.Fatalf("replaced code must report 0, got n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
