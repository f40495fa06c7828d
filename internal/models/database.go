package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency tags the chain/asset family an address or ledger row belongs to.
type Currency string

const (
	CurrencySOL Currency = "SOL"
)

// Decimals returns the number of decimal places between one display unit
// and one atomic unit of the currency (SOL: 1e9 lamports per SOL).
func (c Currency) Decimals() int32 {
	switch c {
	case CurrencySOL:
		return 9
	default:
		return 9
	}
}

// Address is a deposit address derived at a stable integer index.
// LockedUntil == nil means the address is free; otherwise it is reserved
// for a pending donation until that instant.
type Address struct {
	Id          string     `db:"id"`
	Address     string     `db:"address"`
	Index       int64      `db:"idx"`
	Currency    Currency   `db:"currency"`
	LockedUntil *time.Time `db:"locked_until"`
	CreatedAt   time.Time  `db:"created_at"`
}

// Free reports whether the address can be handed to a new donation at the
// given instant. An elapsed lock counts as free.
func (a *Address) Free(now time.Time) bool {
	return a.LockedUntil == nil || a.LockedUntil.Before(now)
}

// DonationStatus is the lifecycle state of a donation attempt.
type DonationStatus string

const (
	DonationPending   DonationStatus = "PENDING"
	DonationCompleted DonationStatus = "COMPLETED"
	DonationFailed    DonationStatus = "FAILED"
)

// Donation is a single donation attempt bound to a reserved address.
type Donation struct {
	Id           string          `db:"id"`
	StreamerId   string          `db:"streamer_id"`
	AddressId    string          `db:"address_id"`
	Message      string          `db:"message"`
	Name         string          `db:"name"`
	Currency     Currency        `db:"currency"`
	AmountAtomic int64           `db:"amount_atomic"`
	AmountFloat  decimal.Decimal `db:"amount_float"`
	AmountUsd    int64           `db:"amount_usd"`
	// StartBalanceAtomic is the watched address's on-chain balance captured
	// when the donation was created; watchers diff against it.
	StartBalanceAtomic          int64          `db:"start_balance_atomic"`
	Status                      DonationStatus `db:"status"`
	PendingUntil                time.Time      `db:"pending_until"`
	TransactionHash             string         `db:"transaction_hash"`
	TransactionSender           string         `db:"transaction_sender"`
	TransactionSenderDomainName string         `db:"transaction_sender_domain_name"`
	CreatedAt                   time.Time      `db:"created_at"`
	UpdatedAt                   time.Time      `db:"updated_at"`
}

// Streamer is a donation recipient.
type Streamer struct {
	Id        string    `db:"id"`
	Username  string    `db:"username"`
	CreatedAt time.Time `db:"created_at"`
}

// StreamerBalance is the ledger per (streamer, currency), in atomic units.
// Pending holds the amount reserved for an in-flight withdrawal.
type StreamerBalance struct {
	Id         string    `db:"id"`
	StreamerId string    `db:"streamer_id"`
	Currency   Currency  `db:"currency"`
	Balance    int64     `db:"balance"`
	Pending    int64     `db:"pending"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// WithdrawalStatus is the lifecycle state of a payout request.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "PENDING"
	WithdrawalSent      WithdrawalStatus = "SENT"
	WithdrawalCompleted WithdrawalStatus = "COMPLETED"
	WithdrawalFailed    WithdrawalStatus = "FAILED"
)

// StreamerWithdrawal is a payout request tracked to on-chain finality.
type StreamerWithdrawal struct {
	Id              string           `db:"id"`
	StreamerId      string           `db:"streamer_id"`
	Currency        Currency         `db:"currency"`
	AmountFloat     decimal.Decimal  `db:"amount_float"`
	AmountAtomic    int64            `db:"amount_atomic"`
	Address         string           `db:"address"`
	Status          WithdrawalStatus `db:"status"`
	TransactionHash string           `db:"transaction_hash"`
	CreatedAt       time.Time        `db:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at"`
}
