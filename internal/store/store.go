package store

import (
	"context"
	"errors"
	"time"

	"donation-gateway-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrNoFreeAddress           = errors.New("no free address available")
	ErrStreamerNotFound        = errors.New("streamer not found")
	ErrDonationNotFound        = errors.New("donation not found")
	ErrNotPending              = errors.New("donation is not pending")
	ErrWithdrawalNotFound      = errors.New("withdrawal not found")
	ErrWithdrawalNotResolvable = errors.New("withdrawal is not in a resolvable state")
	ErrWithdrawalInFlight      = errors.New("another withdrawal is already in flight")
	ErrInsufficientBalance     = errors.New("insufficient streamer balance")
	ErrConcurrentModification  = errors.New("concurrent modification detected")
)

// InsertAddressParams contains the parameters for persisting a freshly
// derived deposit address.
type InsertAddressParams struct {
	Id       string
	Address  string
	Index    int64
	Currency models.Currency
}

// CreateDonationParams captures a new donation attempt at request time.
type CreateDonationParams struct {
	Id                 string
	StreamerId         string
	AddressId          string
	Message            string
	Name               string
	Currency           models.Currency
	AmountAtomic       int64
	AmountFloat        decimal.Decimal
	AmountUsd          int64
	StartBalanceAtomic int64
	PendingUntil       time.Time
}

// DonationEvidence is what a watcher reports when a qualifying transfer is
// observed. Hash and sender may be empty when no individual transaction
// could be attributed (pure balance diff).
type DonationEvidence struct {
	TransactionHash   string
	TransactionSender string
	// ObservedAtomic is the balance delta actually seen on chain. Zero
	// means unknown; the donation's requested amount is credited instead.
	ObservedAtomic int64
}

// CompleteDonationParams is the atomic donation-completion transition:
// credit the streamer balance, release the address, mark COMPLETED.
type CompleteDonationParams struct {
	DonationId                  string
	TransactionHash             string
	TransactionSender           string
	TransactionSenderDomainName string
	ObservedAtomic              int64
}

// ExpiredDonation identifies a donation moved to FAILED by the expiry
// sweep, with enough context to cancel its watcher.
type ExpiredDonation struct {
	DonationId string
	StreamerId string
	Address    string
	Currency   models.Currency
}

// CreateWithdrawalParams captures a new payout request.
type CreateWithdrawalParams struct {
	Id           string
	StreamerId   string
	Currency     models.Currency
	AmountFloat  decimal.Decimal
	AmountAtomic int64
	Address      string
}

// LedgerStore defines the contract the transactional ledger backend must
// satisfy. Every multi-row mutation commits atomically; the address lock
// update is a storage-level compare-and-set so concurrent allocators in
// separate processes cannot both claim an address.
type LedgerStore interface {
	// --- Streamers ---
	GetStreamerByUsername(ctx context.Context, username string) (*models.Streamer, error)
	CreateStreamer(ctx context.Context, id, username string) (*models.Streamer, error)

	// --- Addresses ---
	InsertAddress(ctx context.Context, params InsertAddressParams) (*models.Address, error)
	GetAddress(ctx context.Context, address string) (*models.Address, error)
	ListAddresses(ctx context.Context, currency models.Currency) ([]models.Address, error)
	ListLockedAddresses(ctx context.Context, now time.Time) ([]models.Address, error)
	MaxAddressIndex(ctx context.Context) (int64, error)
	// TryLockAddress conditionally sets locked_until; it reports false when
	// the address is validly locked by someone else.
	TryLockAddress(ctx context.Context, addressId string, until time.Time) (bool, error)
	// ReleaseAddress clears the lock. Releasing a free address is a no-op.
	ReleaseAddress(ctx context.Context, address string) error

	// --- Donations ---
	CreateDonation(ctx context.Context, params CreateDonationParams) (*models.Donation, error)
	GetDonation(ctx context.Context, id string) (*models.Donation, error)
	FindPendingDonationByAddress(ctx context.Context, address string, now time.Time) (*models.Donation, error)
	CompleteDonation(ctx context.Context, params CompleteDonationParams) error
	ExpireDonations(ctx context.Context, now time.Time) ([]ExpiredDonation, error)
	ListCompletedDonationsSince(ctx context.Context, streamerId string, since time.Time) ([]models.Donation, error)

	// --- Balances ---
	GetBalance(ctx context.Context, streamerId string, currency models.Currency) (*models.StreamerBalance, error)

	// --- Withdrawals ---
	// CreateWithdrawal atomically verifies no other withdrawal is in
	// flight, moves amount from balance to pending and records the PENDING
	// payout row, all in one transaction.
	CreateWithdrawal(ctx context.Context, params CreateWithdrawalParams) (*models.StreamerWithdrawal, error)
	GetWithdrawal(ctx context.Context, id string) (*models.StreamerWithdrawal, error)
	ListWithdrawalsByStatus(ctx context.Context, status models.WithdrawalStatus) ([]models.StreamerWithdrawal, error)
	HasWithdrawalInFlight(ctx context.Context, streamerId string, currency models.Currency) (bool, error)
	MarkWithdrawalSent(ctx context.Context, id, txHash string) error
	// FailWithdrawalRefund marks the withdrawal FAILED and returns its hold
	// to the streamer balance in the same transaction.
	FailWithdrawalRefund(ctx context.Context, id string) error
	// CompleteWithdrawalSettled marks the withdrawal COMPLETED and resets
	// the streamer's pending amount to zero in the same transaction.
	CompleteWithdrawalSettled(ctx context.Context, id string) error

	// --- Lifecycle ---
	Close()
}
