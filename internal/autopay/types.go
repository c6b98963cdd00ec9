package autopay

import (
	"errors"
	"time"
)

// Amounts are in minor units of the reference token (6-decimal USDC-style).
// No floats anywhere in the money path.

// Service is a chargeable offering published by a provider. Economic terms
// are immutable after registration; only new registrations are allowed.
type Service struct {
	ID        uint64    `json:"id"`
	Owner     string    `json:"owner"`
	Cost      int64     `json:"cost"`             // minor units per interval
	Interval  int64     `json:"interval_seconds"` // minimum seconds between charges
	CreatedAt time.Time `json:"created_at"`
}

// Authorization is a user's standing consent for one service to charge them
// on a cadence, bounded by a ceiling amount. The zero value means "never
// authorized".
type Authorization struct {
	User       string    `json:"user"`
	ServiceID  uint64    `json:"service_id"`
	Authorized bool      `json:"is_authorized"`
	MaxAmount  int64     `json:"max_amount"`       // minor units
	Interval   int64     `json:"interval_seconds"` // accepted cadence
	LastCharge int64     `json:"last_charge"`      // unix seconds; 0 before first charge
	CreatedAt  time.Time `json:"created_at,omitzero"`
}

// NextChargeAt returns the earliest instant the next charge may execute.
func (a Authorization) NextChargeAt() time.Time {
	return time.Unix(a.LastCharge+a.Interval, 0).UTC()
}

// Due reports whether a charge may execute at the given instant.
func (a Authorization) Due(now time.Time) bool {
	return a.Authorized && now.Unix() >= a.LastCharge+a.Interval
}

// Charge is the receipt of one executed recurring debit.
type Charge struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	ServiceID uint64    `json:"service_id"`
	Provider  string    `json:"provider"`
	Amount    int64     `json:"amount"` // minor units
	ChargedAt time.Time `json:"charged_at"`
	Sequence  uint64    `json:"sequence"` // monotonic journal position
}

var (
	ErrInvalidAmount       = errors.New("invalid amount (must be > 0)")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrServiceNotFound     = errors.New("service not found")
	ErrInvalidInterval     = errors.New("invalid interval")
	ErrAlreadyAuthorized   = errors.New("authorization is already active")
	ErrNotAuthorized       = errors.New("autopay is not authorized")
	ErrTooEarly            = errors.New("charge interval has not elapsed")
	ErrExceedsMaxAmount    = errors.New("service cost exceeds the authorized maximum")
)

// PayoutMode selects what happens to charge proceeds.
type PayoutMode string

const (
	// PayoutInternal credits the service owner's ledger balance in the same
	// transaction that debits the user.
	PayoutInternal PayoutMode = "internal"
	// PayoutExternal debits the user only and emits a PayoutRequested event
	// for an off-system payout rail.
	PayoutExternal PayoutMode = "external"
)

// Valid reports whether the mode is one of the defined payout policies.
func (m PayoutMode) Valid() bool {
	return m == PayoutInternal || m == PayoutExternal
}
