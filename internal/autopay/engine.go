package autopay

import (
	"context"
	"time"
)

// Engine defines the recurring payment authorization core: the balance
// ledger, the service registry, the authorization store and the charge
// executor behind one interface so the HTTP layer and the keeper can run
// against either the in-memory engine or the Postgres store.
type Engine interface {
	// Ledger.
	Deposit(ctx context.Context, user string, amount int64) (int64, error)
	Withdraw(ctx context.Context, user string, amount int64) (int64, error)
	GetBalance(ctx context.Context, user string) (int64, error)

	// Registry (append-only).
	RegisterService(ctx context.Context, owner string, cost, interval int64) (Service, error)
	GetService(ctx context.Context, id uint64) (Service, error)
	ListServices(ctx context.Context) ([]Service, error)

	// Authorization store.
	Authorize(ctx context.Context, user string, serviceID uint64, maxAmount, interval int64) (Authorization, error)
	Disapprove(ctx context.Context, user string, serviceID uint64) error
	GetAuthorization(ctx context.Context, user string, serviceID uint64) (Authorization, error)

	// Charge executor.
	ExecuteCharge(ctx context.Context, user string, serviceID uint64) (Charge, error)
	ListCharges(ctx context.Context, limit int, afterSeq uint64) ([]Charge, uint64, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]Authorization, error)
}
