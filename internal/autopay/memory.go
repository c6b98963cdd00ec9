package autopay

import (
	"context"
	"sync"
	"time"

	"topacc.org/internal/ids"
)

// account bundles everything serialized per user: the ledger balance and the
// user's authorization records. Its mutex is the single serialization point
// the concurrency model requires, so charges for different users never
// contend while a disapprove racing a charge for the same user resolves in a
// strict order.
type account struct {
	mu      sync.Mutex
	balance int64
	auths   map[uint64]*Authorization
}

// InMemory implements Engine with in-process concurrency safety.
type InMemory struct {
	now    func() time.Time
	stream *Stream
	payout PayoutMode

	// mu guards the maps and counters below. It is never held while an
	// account mutex is being acquired from under it, which keeps the
	// account-then-mu acquisition in ExecuteCharge deadlock free.
	mu       sync.Mutex
	accounts map[string]*account
	services []Service
	charges  []Charge
	seq      uint64
}

// Option configures InMemory.
type Option func(*InMemory)

// WithStream makes the engine publish events after successful transitions.
func WithStream(s *Stream) Option {
	return func(e *InMemory) { e.stream = s }
}

// WithPayoutMode overrides the default internal-credit payout policy.
func WithPayoutMode(m PayoutMode) Option {
	return func(e *InMemory) {
		if m.Valid() {
			e.payout = m
		}
	}
}

// WithClock substitutes the time source. Used by cadence tests.
func WithClock(now func() time.Time) Option {
	return func(e *InMemory) {
		if now != nil {
			e.now = now
		}
	}
}

// NewInMemory creates a fresh engine.
func NewInMemory(opts ...Option) *InMemory {
	e := &InMemory{
		now:      func() time.Time { return time.Now().UTC() },
		payout:   PayoutInternal,
		accounts: make(map[string]*account),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *InMemory) acct(user string) *account {
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, ok := e.accounts[user]
	if !ok {
		acc = &account{auths: make(map[uint64]*Authorization)}
		e.accounts[user] = acc
	}
	return acc
}

func (e *InMemory) publish(evt Event) {
	if e.stream != nil {
		evt.Timestamp = e.now()
		e.stream.Publish(evt)
	}
}

func (e *InMemory) Deposit(ctx context.Context, user string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	acc := e.acct(user)
	acc.mu.Lock()
	acc.balance += amount
	bal := acc.balance
	acc.mu.Unlock()

	e.publish(Event{Type: EventFundsDeposited, User: user, Amount: amount})
	return bal, nil
}

func (e *InMemory) Withdraw(ctx context.Context, user string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	acc := e.acct(user)
	acc.mu.Lock()
	if acc.balance < amount {
		acc.mu.Unlock()
		return 0, ErrInsufficientBalance
	}
	acc.balance -= amount
	bal := acc.balance
	acc.mu.Unlock()

	e.publish(Event{Type: EventFundsWithdrawn, User: user, Amount: amount})
	return bal, nil
}

// GetBalance returns 0 for accounts that never deposited; unknown users are
// not an error.
func (e *InMemory) GetBalance(ctx context.Context, user string) (int64, error) {
	e.mu.Lock()
	acc, ok := e.accounts[user]
	e.mu.Unlock()
	if !ok {
		return 0, nil
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.balance, nil
}

func (e *InMemory) RegisterService(ctx context.Context, owner string, cost, interval int64) (Service, error) {
	if cost <= 0 {
		return Service{}, ErrInvalidAmount
	}
	if interval <= 0 {
		return Service{}, ErrInvalidInterval
	}
	e.mu.Lock()
	svc := Service{
		ID:        uint64(len(e.services)),
		Owner:     owner,
		Cost:      cost,
		Interval:  interval,
		CreatedAt: e.now(),
	}
	e.services = append(e.services, svc)
	e.mu.Unlock()

	e.publish(Event{Type: EventServiceRegistered, Provider: owner, ServiceID: svc.ID, Amount: cost})
	return svc, nil
}

func (e *InMemory) GetService(ctx context.Context, id uint64) (Service, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id >= uint64(len(e.services)) {
		return Service{}, ErrServiceNotFound
	}
	return e.services[id], nil
}

func (e *InMemory) ListServices(ctx context.Context) ([]Service, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Service, len(e.services))
	copy(out, e.services)
	return out, nil
}

func (e *InMemory) Authorize(ctx context.Context, user string, serviceID uint64, maxAmount, interval int64) (Authorization, error) {
	if maxAmount <= 0 {
		return Authorization{}, ErrInvalidAmount
	}
	svc, err := e.GetService(ctx, serviceID)
	if err != nil {
		return Authorization{}, err
	}
	if interval != svc.Interval {
		return Authorization{}, ErrInvalidInterval
	}

	acc := e.acct(user)
	acc.mu.Lock()
	prev := acc.auths[serviceID]
	if prev != nil && prev.Authorized {
		acc.mu.Unlock()
		return Authorization{}, ErrAlreadyAuthorized
	}
	auth := &Authorization{
		User:       user,
		ServiceID:  serviceID,
		Authorized: true,
		MaxAmount:  maxAmount,
		Interval:   interval,
		CreatedAt:  e.now(),
	}
	if prev != nil {
		// Rejoining does not reset the cadence clock.
		auth.LastCharge = prev.LastCharge
	}
	acc.auths[serviceID] = auth
	out := *auth
	acc.mu.Unlock()

	e.publish(Event{Type: EventAutoPayAuthorized, User: user, Provider: svc.Owner, ServiceID: serviceID, Amount: maxAmount})
	return out, nil
}

// Disapprove deactivates the authorization. Calling it for an unknown or
// already-inactive pair is a no-op.
func (e *InMemory) Disapprove(ctx context.Context, user string, serviceID uint64) error {
	acc := e.acct(user)
	acc.mu.Lock()
	auth, ok := acc.auths[serviceID]
	wasActive := ok && auth.Authorized
	if wasActive {
		auth.Authorized = false
	}
	acc.mu.Unlock()

	if wasActive {
		e.publish(Event{Type: EventAutoPayDisabled, User: user, ServiceID: serviceID})
	}
	return nil
}

// GetAuthorization returns the zero record for pairs that never authorized;
// it never errors.
func (e *InMemory) GetAuthorization(ctx context.Context, user string, serviceID uint64) (Authorization, error) {
	e.mu.Lock()
	acc, ok := e.accounts[user]
	e.mu.Unlock()
	if !ok {
		return Authorization{User: user, ServiceID: serviceID}, nil
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if auth, ok := acc.auths[serviceID]; ok {
		return *auth, nil
	}
	return Authorization{User: user, ServiceID: serviceID}, nil
}

// ExecuteCharge performs one recurring charge: validate authorization,
// cadence, consent ceiling and funds, then debit the user, settle the
// provider side per payout mode and advance the cadence clock. Any failure
// leaves every piece of state untouched.
func (e *InMemory) ExecuteCharge(ctx context.Context, user string, serviceID uint64) (Charge, error) {
	svc, err := e.GetService(ctx, serviceID)
	if err != nil {
		return Charge{}, err
	}

	userAcc := e.acct(user)
	var ownerAcc *account
	if e.payout == PayoutInternal {
		ownerAcc = e.acct(svc.Owner)
	}

	// Lock in stable order to avoid deadlocks when two charges cross.
	lockPair(userAcc, ownerAcc, user, svc.Owner)
	defer unlockPair(userAcc, ownerAcc)

	auth, ok := userAcc.auths[serviceID]
	if !ok || !auth.Authorized {
		return Charge{}, ErrNotAuthorized
	}
	now := e.now()
	if now.Unix() < auth.LastCharge+auth.Interval {
		return Charge{}, ErrTooEarly
	}
	if svc.Cost > auth.MaxAmount {
		return Charge{}, ErrExceedsMaxAmount
	}
	if userAcc.balance < svc.Cost {
		return Charge{}, ErrInsufficientBalance
	}

	userAcc.balance -= svc.Cost
	if ownerAcc != nil {
		ownerAcc.balance += svc.Cost
	}
	auth.LastCharge = now.Unix()

	e.mu.Lock()
	e.seq++
	ch := Charge{
		ID:        ids.New(),
		User:      user,
		ServiceID: serviceID,
		Provider:  svc.Owner,
		Amount:    svc.Cost,
		ChargedAt: now,
		Sequence:  e.seq,
	}
	e.charges = append(e.charges, ch)
	e.mu.Unlock()

	e.publish(Event{Type: EventAutoPayExecuted, User: user, Provider: svc.Owner, ServiceID: serviceID, Amount: svc.Cost})
	if e.payout == PayoutExternal {
		e.publish(Event{Type: EventPayoutRequested, Provider: svc.Owner, ServiceID: serviceID, Amount: svc.Cost})
	}
	return ch, nil
}

func (e *InMemory) ListCharges(ctx context.Context, limit int, afterSeq uint64) ([]Charge, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var res []Charge
	// An empty page keeps the caller's cursor so polling clients do not
	// restart from the head of the journal.
	last := afterSeq
	for _, ch := range e.charges {
		if ch.Sequence <= afterSeq {
			continue
		}
		res = append(res, ch)
		last = ch.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// ListDue returns active authorizations whose next charge time has passed.
// The keeper sweeps this on its own cadence.
func (e *InMemory) ListDue(ctx context.Context, now time.Time, limit int) ([]Authorization, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	e.mu.Lock()
	accs := make([]*account, 0, len(e.accounts))
	for _, acc := range e.accounts {
		accs = append(accs, acc)
	}
	e.mu.Unlock()

	var due []Authorization
	for _, acc := range accs {
		acc.mu.Lock()
		for _, auth := range acc.auths {
			if auth.Due(now) {
				due = append(due, *auth)
			}
		}
		acc.mu.Unlock()
		if len(due) >= limit {
			break
		}
	}
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func lockPair(a, b *account, aID, bID string) {
	if b == nil || a == b {
		a.mu.Lock()
		return
	}
	if aID <= bID {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

func unlockPair(a, b *account) {
	a.mu.Unlock()
	if b != nil && b != a {
		b.mu.Unlock()
	}
}
