package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"topacc.org/internal/autopay"
)

func newMockStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db, opts...), mock
}

func TestDepositRejectsNonPositiveAmount(t *testing.T) {
	st, mock := newMockStore(t)
	if _, err := st.Deposit(context.Background(), "user-x", 0); !errors.Is(err, autopay.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := st.Deposit(context.Background(), "user-x", -5); !errors.Is(err, autopay.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected database traffic: %v", err)
	}
}

func TestDepositCreditsBalance(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into accounts").WithArgs("user-x").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("update accounts set balance = balance \\+").
		WithArgs("user-x", int64(50_000000)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(50_000000)))
	mock.ExpectCommit()

	bal, err := st.Deposit(context.Background(), "user-x", 50_000000)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if bal != 50_000000 {
		t.Fatalf("unexpected balance: %d", bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithdrawInsufficientBalanceRollsBack(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select balance from accounts").
		WithArgs("user-x").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(40_000000)))
	mock.ExpectRollback()

	if _, err := st.Withdraw(context.Background(), "user-x", 45_000000); !errors.Is(err, autopay.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetBalanceUnknownAccountIsZero(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("select balance from accounts").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	bal, err := st.GetBalance(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 0 {
		t.Fatalf("expected zero balance, got %d", bal)
	}
}

func TestRegisterServiceValidation(t *testing.T) {
	st, mock := newMockStore(t)
	if _, err := st.RegisterService(context.Background(), "prov", 0, 86400); !errors.Is(err, autopay.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := st.RegisterService(context.Background(), "prov", 10_000000, 0); !errors.Is(err, autopay.ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected database traffic: %v", err)
	}
}

func TestGetServiceNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("select owner_id, cost, interval_seconds, created_at from services").
		WithArgs(uint64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "cost", "interval_seconds", "created_at"}))

	if _, err := st.GetService(context.Background(), 9); !errors.Is(err, autopay.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestExecuteChargeTooEarlyLeavesStateUntouched(t *testing.T) {
	fixed := time.Unix(1_700_000_000, 0).UTC()
	st, mock := newMockStore(t, WithClock(func() time.Time { return fixed }))

	mock.ExpectBegin()
	mock.ExpectQuery("select owner_id, cost, interval_seconds, created_at from services").
		WithArgs(uint64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "cost", "interval_seconds", "created_at"}).
			AddRow("prov", int64(10_000000), int64(86400), fixed))
	mock.ExpectQuery("select authorized, max_amount, interval_seconds, last_charge").
		WithArgs("user-x", uint64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"authorized", "max_amount", "interval_seconds", "last_charge"}).
			AddRow(true, int64(50_000000), int64(86400), fixed.Unix()-100))
	mock.ExpectRollback()

	if _, err := st.ExecuteCharge(context.Background(), "user-x", 0); !errors.Is(err, autopay.ErrTooEarly) {
		t.Fatalf("expected ErrTooEarly, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExecuteChargeUnknownServiceFails(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select owner_id, cost, interval_seconds, created_at from services").
		WithArgs(uint64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "cost", "interval_seconds", "created_at"}))
	mock.ExpectRollback()

	if _, err := st.ExecuteCharge(context.Background(), "user-x", 42); !errors.Is(err, autopay.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestListChargesEmptyPageKeepsCursor(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("select id, account_id, service_id, provider_id, amount, charged_at, sequence").
		WithArgs(uint64(7), 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "service_id", "provider_id", "amount", "charged_at", "sequence"}))

	page, next, err := st.ListCharges(context.Background(), 100, 7)
	if err != nil {
		t.Fatalf("ListCharges: %v", err)
	}
	if len(page) != 0 || next != 7 {
		t.Fatalf("empty page = %d charges, cursor %d; want 0, 7", len(page), next)
	}
}

func TestDisapproveIdempotent(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec("update authorizations set authorized = false").
		WithArgs("user-x", uint64(0)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.Disapprove(context.Background(), "user-x", 0); err != nil {
		t.Fatalf("Disapprove: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
