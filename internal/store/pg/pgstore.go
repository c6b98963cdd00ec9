package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"topacc.org/internal/autopay"
	"topacc.org/internal/ids"
)

// Store is the durable autopay engine on Postgres. Every state transition
// runs inside a serializable transaction with row locks, so the per-account
// serialization the core requires comes from the database.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	stream *autopay.Stream
	payout autopay.PayoutMode
}

var _ autopay.Engine = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithStream makes the store publish events after successful transitions.
func WithStream(s *autopay.Stream) Option {
	return func(st *Store) { st.stream = s }
}

// WithPayoutMode overrides the default internal-credit payout policy.
func WithPayoutMode(m autopay.PayoutMode) Option {
	return func(st *Store) {
		if m.Valid() {
			st.payout = m
		}
	}
}

// WithClock substitutes the time source. Used by cadence tests.
func WithClock(now func() time.Time) Option {
	return func(st *Store) {
		if now != nil {
			st.now = now
		}
	}
}

// Open connects to Postgres with pool defaults tuned for the API workload.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewWithDB(db, opts...), nil
}

// NewWithDB wraps an existing connection. Tests use this with a mocked driver.
func NewWithDB(db *sql.DB, opts ...Option) *Store {
	st := &Store{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		payout: autopay.PayoutInternal,
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) publish(evt autopay.Event) {
	if s.stream != nil {
		evt.Timestamp = s.now()
		s.stream.Publish(evt)
	}
}

func (s *Store) Deposit(ctx context.Context, user string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, autopay.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into accounts(id) values ($1) on conflict do nothing
	`, user); err != nil {
		return 0, err
	}
	var bal int64
	if err := tx.QueryRowContext(ctx, `
		update accounts set balance = balance + $2 where id = $1 returning balance
	`, user, amount).Scan(&bal); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	s.publish(autopay.Event{Type: autopay.EventFundsDeposited, User: user, Amount: amount})
	return bal, nil
}

func (s *Store) Withdraw(ctx context.Context, user string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, autopay.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var bal int64
	err = tx.QueryRowContext(ctx, `
		select balance from accounts where id = $1 for update
	`, user).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, autopay.ErrInsufficientBalance
	}
	if err != nil {
		return 0, err
	}
	if bal < amount {
		return 0, autopay.ErrInsufficientBalance
	}
	if err := tx.QueryRowContext(ctx, `
		update accounts set balance = balance - $2 where id = $1 returning balance
	`, user, amount).Scan(&bal); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	s.publish(autopay.Event{Type: autopay.EventFundsWithdrawn, User: user, Amount: amount})
	return bal, nil
}

func (s *Store) GetBalance(ctx context.Context, user string) (int64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `
		select balance from accounts where id = $1
	`, user).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return bal, nil
}

func (s *Store) RegisterService(ctx context.Context, owner string, cost, interval int64) (autopay.Service, error) {
	if cost <= 0 {
		return autopay.Service{}, autopay.ErrInvalidAmount
	}
	if interval <= 0 {
		return autopay.Service{}, autopay.ErrInvalidInterval
	}
	svc := autopay.Service{Owner: owner, Cost: cost, Interval: interval}
	err := s.db.QueryRowContext(ctx, `
		insert into services(owner_id, cost, interval_seconds)
		values ($1, $2, $3)
		returning id, created_at
	`, owner, cost, interval).Scan(&svc.ID, &svc.CreatedAt)
	if err != nil {
		return autopay.Service{}, fmt.Errorf("register service: %w", err)
	}

	s.publish(autopay.Event{Type: autopay.EventServiceRegistered, Provider: owner, ServiceID: svc.ID, Amount: cost})
	return svc, nil
}

func (s *Store) GetService(ctx context.Context, id uint64) (autopay.Service, error) {
	return getService(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getService(ctx context.Context, q querier, id uint64) (autopay.Service, error) {
	svc := autopay.Service{ID: id}
	err := q.QueryRowContext(ctx, `
		select owner_id, cost, interval_seconds, created_at from services where id = $1
	`, id).Scan(&svc.Owner, &svc.Cost, &svc.Interval, &svc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return autopay.Service{}, autopay.ErrServiceNotFound
	}
	if err != nil {
		return autopay.Service{}, err
	}
	return svc, nil
}

func (s *Store) ListServices(ctx context.Context) ([]autopay.Service, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, owner_id, cost, interval_seconds, created_at
		from services order by id asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []autopay.Service
	for rows.Next() {
		var svc autopay.Service
		if err := rows.Scan(&svc.ID, &svc.Owner, &svc.Cost, &svc.Interval, &svc.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, svc)
	}
	return res, rows.Err()
}

func (s *Store) Authorize(ctx context.Context, user string, serviceID uint64, maxAmount, interval int64) (autopay.Authorization, error) {
	if maxAmount <= 0 {
		return autopay.Authorization{}, autopay.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return autopay.Authorization{}, err
	}
	defer func() { _ = tx.Rollback() }()

	svc, err := getService(ctx, tx, serviceID)
	if err != nil {
		return autopay.Authorization{}, err
	}
	if interval != svc.Interval {
		return autopay.Authorization{}, autopay.ErrInvalidInterval
	}

	var active bool
	var lastCharge int64
	err = tx.QueryRowContext(ctx, `
		select authorized, last_charge from authorizations
		where account_id = $1 and service_id = $2 for update
	`, user, serviceID).Scan(&active, &lastCharge)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return autopay.Authorization{}, err
	}
	if err == nil && active {
		return autopay.Authorization{}, autopay.ErrAlreadyAuthorized
	}

	auth := autopay.Authorization{
		User:       user,
		ServiceID:  serviceID,
		Authorized: true,
		MaxAmount:  maxAmount,
		Interval:   interval,
		LastCharge: lastCharge, // rejoining does not reset the cadence clock
	}
	if err := tx.QueryRowContext(ctx, `
		insert into authorizations(account_id, service_id, authorized, max_amount, interval_seconds, last_charge)
		values ($1, $2, true, $3, $4, $5)
		on conflict (account_id, service_id) do update
		set authorized = true, max_amount = excluded.max_amount,
		    interval_seconds = excluded.interval_seconds, created_at = now()
		returning created_at
	`, user, serviceID, maxAmount, interval, lastCharge).Scan(&auth.CreatedAt); err != nil {
		return autopay.Authorization{}, err
	}
	if err := tx.Commit(); err != nil {
		return autopay.Authorization{}, err
	}

	s.publish(autopay.Event{Type: autopay.EventAutoPayAuthorized, User: user, Provider: svc.Owner, ServiceID: serviceID, Amount: maxAmount})
	return auth, nil
}

// Disapprove deactivates the authorization; unknown or inactive pairs are a
// no-op.
func (s *Store) Disapprove(ctx context.Context, user string, serviceID uint64) error {
	res, err := s.db.ExecContext(ctx, `
		update authorizations set authorized = false
		where account_id = $1 and service_id = $2 and authorized
	`, user, serviceID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.publish(autopay.Event{Type: autopay.EventAutoPayDisabled, User: user, ServiceID: serviceID})
	}
	return nil
}

func (s *Store) GetAuthorization(ctx context.Context, user string, serviceID uint64) (autopay.Authorization, error) {
	auth := autopay.Authorization{User: user, ServiceID: serviceID}
	err := s.db.QueryRowContext(ctx, `
		select authorized, max_amount, interval_seconds, last_charge, created_at
		from authorizations where account_id = $1 and service_id = $2
	`, user, serviceID).Scan(&auth.Authorized, &auth.MaxAmount, &auth.Interval, &auth.LastCharge, &auth.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return autopay.Authorization{User: user, ServiceID: serviceID}, nil
	}
	if err != nil {
		return autopay.Authorization{}, err
	}
	return auth, nil
}

func (s *Store) ExecuteCharge(ctx context.Context, user string, serviceID uint64) (autopay.Charge, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return autopay.Charge{}, err
	}
	defer func() { _ = tx.Rollback() }()

	svc, err := getService(ctx, tx, serviceID)
	if err != nil {
		return autopay.Charge{}, err
	}

	// The authorization row lock is the per-user serialization point: a
	// disapprove racing this charge resolves in row-lock order.
	var auth autopay.Authorization
	err = tx.QueryRowContext(ctx, `
		select authorized, max_amount, interval_seconds, last_charge
		from authorizations where account_id = $1 and service_id = $2 for update
	`, user, serviceID).Scan(&auth.Authorized, &auth.MaxAmount, &auth.Interval, &auth.LastCharge)
	if errors.Is(err, sql.ErrNoRows) {
		return autopay.Charge{}, autopay.ErrNotAuthorized
	}
	if err != nil {
		return autopay.Charge{}, err
	}
	if !auth.Authorized {
		return autopay.Charge{}, autopay.ErrNotAuthorized
	}

	now := s.now()
	if now.Unix() < auth.LastCharge+auth.Interval {
		return autopay.Charge{}, autopay.ErrTooEarly
	}
	if svc.Cost > auth.MaxAmount {
		return autopay.Charge{}, autopay.ErrExceedsMaxAmount
	}

	// Lock account rows in stable order to avoid deadlocks.
	accountIDs := []string{user}
	if s.payout == autopay.PayoutInternal && svc.Owner != user {
		accountIDs = sorted(user, svc.Owner)
	}
	for _, id := range accountIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into accounts(id) values ($1) on conflict do nothing
		`, id); err != nil {
			return autopay.Charge{}, err
		}
		var dummy int
		if err := tx.QueryRowContext(ctx, `
			select 1 from accounts where id = $1 for update
		`, id).Scan(&dummy); err != nil {
			return autopay.Charge{}, err
		}
	}

	var bal int64
	if err := tx.QueryRowContext(ctx, `
		select balance from accounts where id = $1
	`, user).Scan(&bal); err != nil {
		return autopay.Charge{}, err
	}
	if bal < svc.Cost {
		return autopay.Charge{}, autopay.ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx, `
		update accounts set balance = balance - $2 where id = $1
	`, user, svc.Cost); err != nil {
		return autopay.Charge{}, err
	}
	if s.payout == autopay.PayoutInternal {
		if _, err := tx.ExecContext(ctx, `
			update accounts set balance = balance + $2 where id = $1
		`, svc.Owner, svc.Cost); err != nil {
			return autopay.Charge{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		update authorizations set last_charge = $3
		where account_id = $1 and service_id = $2
	`, user, serviceID, now.Unix()); err != nil {
		return autopay.Charge{}, err
	}

	ch := autopay.Charge{
		ID:        ids.New(),
		User:      user,
		ServiceID: serviceID,
		Provider:  svc.Owner,
		Amount:    svc.Cost,
		ChargedAt: now,
	}
	if err := tx.QueryRowContext(ctx, `
		insert into charges(id, account_id, service_id, provider_id, amount, charged_at)
		values ($1, $2, $3, $4, $5, $6) returning sequence
	`, ch.ID, user, serviceID, svc.Owner, svc.Cost, now).Scan(&ch.Sequence); err != nil {
		return autopay.Charge{}, err
	}
	if err := tx.Commit(); err != nil {
		return autopay.Charge{}, err
	}

	s.publish(autopay.Event{Type: autopay.EventAutoPayExecuted, User: user, Provider: svc.Owner, ServiceID: serviceID, Amount: svc.Cost})
	if s.payout == autopay.PayoutExternal {
		s.publish(autopay.Event{Type: autopay.EventPayoutRequested, Provider: svc.Owner, ServiceID: serviceID, Amount: svc.Cost})
	}
	return ch, nil
}

func (s *Store) ListCharges(ctx context.Context, limit int, afterSeq uint64) ([]autopay.Charge, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, account_id, service_id, provider_id, amount, charged_at, sequence
		from charges
		where sequence > $1
		order by sequence asc
		limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []autopay.Charge
	// An empty page keeps the caller's cursor so polling clients do not
	// restart from the head of the journal.
	last := afterSeq
	for rows.Next() {
		var ch autopay.Charge
		if err := rows.Scan(&ch.ID, &ch.User, &ch.ServiceID, &ch.Provider, &ch.Amount, &ch.ChargedAt, &ch.Sequence); err != nil {
			return nil, 0, err
		}
		res = append(res, ch)
		last = ch.Sequence
	}
	return res, last, rows.Err()
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]autopay.Authorization, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select account_id, service_id, authorized, max_amount, interval_seconds, last_charge, created_at
		from authorizations
		where authorized and $1 >= last_charge + interval_seconds
		order by last_charge asc
		limit $2
	`, now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []autopay.Authorization
	for rows.Next() {
		var auth autopay.Authorization
		if err := rows.Scan(&auth.User, &auth.ServiceID, &auth.Authorized, &auth.MaxAmount, &auth.Interval, &auth.LastCharge, &auth.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, auth)
	}
	return res, rows.Err()
}

func sorted(a, b string) []string {
	if a <= b {
		return []string{a, b}
	}
	return []string{b, a}
}
