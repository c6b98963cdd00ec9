package keeper

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"topacc.org/internal/autopay"
	"topacc.org/internal/obs"
)

// Keeper periodically sweeps due authorizations and executes their charges.
// It is the in-repo automation trigger; its cadence is its own and the engine
// enforces every invariant, so running several keepers against one store is
// safe.
type Keeper struct {
	engine   autopay.Engine
	limiter  *rate.Limiter
	interval time.Duration
	batch    int
	now      func() time.Time
}

// Option configures Keeper.
type Option func(*Keeper)

// WithSweepInterval sets the time between sweeps.
func WithSweepInterval(d time.Duration) Option {
	return func(k *Keeper) {
		if d > 0 {
			k.interval = d
		}
	}
}

// WithBatchSize caps how many due authorizations one sweep processes.
func WithBatchSize(n int) Option {
	return func(k *Keeper) {
		if n > 0 {
			k.batch = n
		}
	}
}

// WithRate paces charge execution.
func WithRate(perSecond, burst int) Option {
	return func(k *Keeper) {
		if perSecond > 0 && burst > 0 {
			k.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithClock substitutes the time source. Used by cadence tests.
func WithClock(now func() time.Time) Option {
	return func(k *Keeper) {
		if now != nil {
			k.now = now
		}
	}
}

// New constructs a Keeper with 30s sweeps, batches of 100 and 20 charges/s.
func New(engine autopay.Engine, opts ...Option) *Keeper {
	k := &Keeper{
		engine:   engine,
		limiter:  rate.NewLimiter(rate.Limit(20), 5),
		interval: 30 * time.Second,
		batch:    100,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Run sweeps until the context ends. The first sweep happens immediately.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	if _, err := k.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logSweepError(err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := k.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logSweepError(err)
			}
		}
	}
}

// Sweep executes one pass over due authorizations and returns how many
// charges succeeded. Terminal failures are logged and skipped; the
// authorization stays listed until its state changes.
func (k *Keeper) Sweep(ctx context.Context) (int, error) {
	due, err := k.engine.ListDue(ctx, k.now(), k.batch)
	if err != nil {
		return 0, err
	}

	executed := 0
	for _, auth := range due {
		if err := k.limiter.Wait(ctx); err != nil {
			return executed, err
		}
		ch, err := k.engine.ExecuteCharge(ctx, auth.User, auth.ServiceID)
		result := Classify(err)
		if err == nil {
			executed++
			obs.ObserveCharge(result, ch.Amount)
			continue
		}
		obs.ObserveCharge(result, 0)
		obs.LogRequest(map[string]any{
			"ts":         k.now().Format(time.RFC3339Nano),
			"component":  "keeper",
			"msg":        "charge failed",
			"user":       auth.User,
			"service_id": auth.ServiceID,
			"result":     result,
			"retryable":  Retryable(err),
		})
	}
	return executed, nil
}

// Classify maps a charge outcome to a stable metrics label.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, autopay.ErrTooEarly):
		return "too_early"
	case errors.Is(err, autopay.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, autopay.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, autopay.ErrServiceNotFound):
		return "service_not_found"
	case errors.Is(err, autopay.ErrExceedsMaxAmount):
		return "exceeds_max_amount"
	default:
		return "error"
	}
}

// Retryable reports whether retrying on a later sweep can succeed without a
// state change by the user or provider. TooEarly resolves by waiting and an
// insufficient balance resolves when the user tops up; the rest are terminal
// until the authorization or registry changes.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, autopay.ErrTooEarly), errors.Is(err, autopay.ErrInsufficientBalance):
		return true
	case errors.Is(err, autopay.ErrNotAuthorized),
		errors.Is(err, autopay.ErrServiceNotFound),
		errors.Is(err, autopay.ErrExceedsMaxAmount):
		return false
	default:
		// Unknown store errors are assumed transient.
		return true
	}
}

func logSweepError(err error) {
	obs.LogRequest(map[string]any{
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"component": "keeper",
		"msg":       "sweep failed",
		"error":     err.Error(),
	})
}
