package gateway

import (
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"donation-gateway-go/internal/chain"
	"donation-gateway-go/internal/database"
	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/pool"
	"donation-gateway-go/internal/reconcile"
	"donation-gateway-go/internal/settle"
	"donation-gateway-go/internal/store"
	"donation-gateway-go/internal/wallet"
	"donation-gateway-go/internal/watcher"

	"github.com/shopspring/decimal"
)

const testSeedHex = "606162636465666768696a6b6c6d6e6f707172737475767778797a7b7c7d7e7f"

type fakeChain struct {
	mu        sync.Mutex
	balances  map[string]int64
	transfers map[string][]chain.Transfer
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balances:  make(map[string]int64),
		transfers: make(map[string][]chain.Transfer),
	}
}

func (f *fakeChain) setBalance(address string, balance int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = balance
}

func (f *fakeChain) addTransfer(address string, t chain.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers[address] = append(f.transfers[address], t)
	f.balances[address] += t.Amount
}

func (f *fakeChain) GetBalance(_ context.Context, address string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[address], nil
}

func (f *fakeChain) GetTransfersTo(_ context.Context, address string, _ time.Time) ([]chain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chain.Transfer(nil), f.transfers[address]...), nil
}

func (f *fakeChain) Broadcast(_ context.Context, _ ed25519.PrivateKey, _ string, _ int64) (string, error) {
	return "broadcast-hash", nil
}

func (f *fakeChain) GetTransactionStatus(context.Context, string) (chain.TxStatus, error) {
	return chain.TxStatusSuccess, nil
}

type gatewayFixture struct {
	service *Service
	db      *database.Service
	wallet  *wallet.Service
	chain   *fakeChain
}

// setupTestGateway wires the full donation path against one fake chain:
// store, wallet, pool, watcher, reconciliation and settlement.
func setupTestGateway(t *testing.T) (*gatewayFixture, func()) {
	t.Helper()

	dbService, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:            filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
		PingTimeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	walletService, err := wallet.NewService(models.WalletConfig{MasterSeedHex: testSeedHex}, dbService)
	if err != nil {
		t.Fatalf("Failed to create wallet service: %v", err)
	}

	fake := newFakeChain()
	registry := chain.NewRegistry()
	registry.Register(models.CurrencySOL, fake)

	donationCfg := models.DonationConfig{
		Window:       time.Minute,
		PollInterval: 10 * time.Millisecond,
		MatchGrace:   time.Minute,
	}

	addressPool := pool.New(dbService, walletService)
	settler := settle.New(dbService, walletService, registry)
	reconciler := reconcile.New(dbService, nil, chain.NoopResolver{})
	watchers := watcher.New(registry, reconciler, donationCfg.PollInterval, donationCfg.MatchGrace)
	reconciler.SetWatchers(watchers)

	fixture := &gatewayFixture{
		service: NewService(dbService, addressPool, registry, watchers, settler, donationCfg),
		db:      dbService,
		wallet:  walletService,
		chain:   fake,
	}
	cleanup := func() {
		fixture.service.StopWatchers()
		dbService.Close()
	}
	return fixture, cleanup
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %s", timeout)
}

func TestRequestDonation_EndToEnd(t *testing.T) {
	fixture, cleanup := setupTestGateway(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := fixture.db.CreateStreamer(ctx, "streamer-1", "alice"); err != nil {
		t.Fatalf("CreateStreamer failed: %v", err)
	}

	donation, address, err := fixture.service.RequestDonation(ctx, RequestDonationParams{
		Username: "alice",
		Message:  "great stream",
		Name:     "bob",
		Currency: models.CurrencySOL,
		Amount:   decimal.RequireFromString("2.3"),
	})
	if err != nil {
		t.Fatalf("RequestDonation failed: %v", err)
	}
	if donation.Status != models.DonationPending {
		t.Fatalf("Expected PENDING donation, got %s", donation.Status)
	}
	if donation.AmountAtomic != 2_300_000_000 {
		t.Fatalf("Expected 2.3 SOL as 2300000000 lamports, got %d", donation.AmountAtomic)
	}

	// The donor pays the reserved address.
	fixture.chain.addTransfer(address.Address, chain.Transfer{
		Hash:      "donor-tx",
		Sender:    "donor-wallet",
		Amount:    2_300_000_000,
		BlockTime: time.Now(),
	})

	waitFor(t, 2*time.Second, func() bool {
		got, err := fixture.db.GetDonation(ctx, donation.Id)
		return err == nil && got.Status == models.DonationCompleted
	})

	got, err := fixture.db.GetDonation(ctx, donation.Id)
	if err != nil {
		t.Fatalf("GetDonation failed: %v", err)
	}
	if got.TransactionHash != "donor-tx" || got.TransactionSender != "donor-wallet" {
		t.Errorf("Expected evidence donor-tx/donor-wallet, got %q/%q",
			got.TransactionHash, got.TransactionSender)
	}

	balance, err := fixture.service.GetBalance(ctx, "alice", models.CurrencySOL)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.Balance != 2_300_000_000 {
		t.Errorf("Expected streamer credited 2300000000, got %d", balance.Balance)
	}

	// The address returns to the pool once the donation completes.
	stored, err := fixture.db.GetAddress(ctx, address.Address)
	if err != nil {
		t.Fatalf("GetAddress failed: %v", err)
	}
	if !stored.Free(time.Now()) {
		t.Errorf("Expected the deposit address released after completion")
	}
}

func TestRequestDonation_BaselineBalanceIgnored(t *testing.T) {
	fixture, cleanup := setupTestGateway(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := fixture.db.CreateStreamer(ctx, "streamer-1", "alice"); err != nil {
		t.Fatalf("CreateStreamer failed: %v", err)
	}

	// Pre-fund the first pool address so the donation starts on a dirty
	// balance. Index 1 is the first the pool will derive.
	keypair, err := fixture.wallet.DeriveKeypair(1)
	if err != nil {
		t.Fatalf("DeriveKeypair failed: %v", err)
	}
	fixture.chain.setBalance(keypair.PublicKey().String(), 10_000_000_000)

	donation, address, err := fixture.service.RequestDonation(ctx, RequestDonationParams{
		Username: "alice",
		Currency: models.CurrencySOL,
		Amount:   decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatalf("RequestDonation failed: %v", err)
	}
	if donation.StartBalanceAtomic != 10_000_000_000 {
		t.Fatalf("Expected the pre-existing balance captured as baseline, got %d", donation.StartBalanceAtomic)
	}

	// Give the poll a few rounds: the old balance alone must not fire.
	time.Sleep(50 * time.Millisecond)
	got, err := fixture.db.GetDonation(ctx, donation.Id)
	if err != nil {
		t.Fatalf("GetDonation failed: %v", err)
	}
	if got.Status != models.DonationPending {
		t.Fatalf("Expected the baseline balance to be ignored, donation is %s", got.Status)
	}

	fixture.chain.addTransfer(address.Address, chain.Transfer{
		Hash:      "donor-tx",
		Sender:    "donor-wallet",
		Amount:    1_000_000_000,
		BlockTime: time.Now(),
	})
	waitFor(t, 2*time.Second, func() bool {
		got, err := fixture.db.GetDonation(ctx, donation.Id)
		return err == nil && got.Status == models.DonationCompleted
	})
}

func TestRequestDonation_UnknownStreamer(t *testing.T) {
	fixture, cleanup := setupTestGateway(t)
	defer cleanup()

	_, _, err := fixture.service.RequestDonation(context.Background(), RequestDonationParams{
		Username: "nobody",
		Currency: models.CurrencySOL,
		Amount:   decimal.RequireFromString("1"),
	})
	if !errors.Is(err, store.ErrStreamerNotFound) {
		t.Fatalf("Expected ErrStreamerNotFound, got: %v", err)
	}
}

func TestRequestDonation_RejectsNonPositiveAmount(t *testing.T) {
	fixture, cleanup := setupTestGateway(t)
	defer cleanup()

	_, _, err := fixture.service.RequestDonation(context.Background(), RequestDonationParams{
		Username: "alice",
		Currency: models.CurrencySOL,
		Amount:   decimal.Zero,
	})
	if err == nil {
		t.Fatalf("Expected error for zero amount")
	}
}

func TestResumeWatchers_ReattachesPendingDonations(t *testing.T) {
	fixture, cleanup := setupTestGateway(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := fixture.db.CreateStreamer(ctx, "streamer-1", "alice"); err != nil {
		t.Fatalf("CreateStreamer failed: %v", err)
	}

	donation, address, err := fixture.service.RequestDonation(ctx, RequestDonationParams{
		Username: "alice",
		Currency: models.CurrencySOL,
		Amount:   decimal.RequireFromString("1.5"),
	})
	if err != nil {
		t.Fatalf("RequestDonation failed: %v", err)
	}

	// Simulate a restart: all watches are gone, the donation row and the
	// address lock survive.
	fixture.service.StopWatchers()

	if err := fixture.service.ResumeWatchers(ctx); err != nil {
		t.Fatalf("ResumeWatchers failed: %v", err)
	}

	fixture.chain.addTransfer(address.Address, chain.Transfer{
		Hash:      "donor-tx",
		Sender:    "donor-wallet",
		Amount:    1_500_000_000,
		BlockTime: time.Now(),
	})
	waitFor(t, 2*time.Second, func() bool {
		got, err := fixture.db.GetDonation(ctx, donation.Id)
		return err == nil && got.Status == models.DonationCompleted
	})
}

func TestRequestWithdrawal_EndToEnd(t *testing.T) {
	fixture, cleanup := setupTestGateway(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := fixture.db.CreateStreamer(ctx, "streamer-1", "alice"); err != nil {
		t.Fatalf("CreateStreamer failed: %v", err)
	}

	// Earn a balance through a completed donation.
	donation, address, err := fixture.service.RequestDonation(ctx, RequestDonationParams{
		Username: "alice",
		Currency: models.CurrencySOL,
		Amount:   decimal.RequireFromString("2"),
	})
	if err != nil {
		t.Fatalf("RequestDonation failed: %v", err)
	}
	fixture.chain.addTransfer(address.Address, chain.Transfer{
		Hash:      "donor-tx",
		Sender:    "donor-wallet",
		Amount:    2_000_000_000,
		BlockTime: time.Now(),
	})
	waitFor(t, 2*time.Second, func() bool {
		got, err := fixture.db.GetDonation(ctx, donation.Id)
		return err == nil && got.Status == models.DonationCompleted
	})

	withdrawal, err := fixture.service.RequestWithdrawal(ctx, "alice", models.CurrencySOL,
		decimal.RequireFromString("1"), "payout-destination")
	if err != nil {
		t.Fatalf("RequestWithdrawal failed: %v", err)
	}
	if withdrawal.Status != models.WithdrawalSent {
		t.Fatalf("Expected SENT, got %s", withdrawal.Status)
	}

	balance, err := fixture.service.GetBalance(ctx, "alice", models.CurrencySOL)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.Balance != 1_000_000_000 || balance.Pending != 1_000_000_000 {
		t.Fatalf("Expected 1 SOL available and 1 SOL pending, got %d/%d",
			balance.Balance, balance.Pending)
	}
}

func TestRequestWithdrawal_RejectsSecondInFlight(t *testing.T) {
	fixture, cleanup := setupTestGateway(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := fixture.db.CreateStreamer(ctx, "streamer-1", "alice"); err != nil {
		t.Fatalf("CreateStreamer failed: %v", err)
	}

	donation, address, err := fixture.service.RequestDonation(ctx, RequestDonationParams{
		Username: "alice",
		Currency: models.CurrencySOL,
		Amount:   decimal.RequireFromString("3"),
	})
	if err != nil {
		t.Fatalf("RequestDonation failed: %v", err)
	}
	fixture.chain.addTransfer(address.Address, chain.Transfer{
		Hash:      "donor-tx",
		Sender:    "donor-wallet",
		Amount:    3_000_000_000,
		BlockTime: time.Now(),
	})
	waitFor(t, 2*time.Second, func() bool {
		got, err := fixture.db.GetDonation(ctx, donation.Id)
		return err == nil && got.Status == models.DonationCompleted
	})

	if _, err := fixture.service.RequestWithdrawal(ctx, "alice", models.CurrencySOL,
		decimal.RequireFromString("1"), "payout-destination"); err != nil {
		t.Fatalf("First RequestWithdrawal failed: %v", err)
	}

	_, err = fixture.service.RequestWithdrawal(ctx, "alice", models.CurrencySOL,
		decimal.RequireFromString("1"), "payout-destination")
	if !errors.Is(err, store.ErrWithdrawalInFlight) {
		t.Fatalf("Expected ErrWithdrawalInFlight, got: %v", err)
	}
}

func TestRequestWithdrawal_InsufficientBalance(t *testing.T) {
	fixture, cleanup := setupTestGateway(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := fixture.db.CreateStreamer(ctx, "streamer-1", "alice"); err != nil {
		t.Fatalf("CreateStreamer failed: %v", err)
	}

	_, err := fixture.service.RequestWithdrawal(ctx, "alice", models.CurrencySOL,
		decimal.RequireFromString("1"), "payout-destination")
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got: %v", err)
	}
}

func TestListCompletedDonationsSince(t *testing.T) {
	fixture, cleanup := setupTestGateway(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := fixture.db.CreateStreamer(ctx, "streamer-1", "alice"); err != nil {
		t.Fatalf("CreateStreamer failed: %v", err)
	}
	since := time.Now().Add(-time.Minute)

	donation, address, err := fixture.service.RequestDonation(ctx, RequestDonationParams{
		Username: "alice",
		Message:  "hello",
		Currency: models.CurrencySOL,
		Amount:   decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatalf("RequestDonation failed: %v", err)
	}
	fixture.chain.addTransfer(address.Address, chain.Transfer{
		Hash:      "donor-tx",
		Sender:    "donor-wallet",
		Amount:    1_000_000_000,
		BlockTime: time.Now(),
	})
	waitFor(t, 2*time.Second, func() bool {
		got, err := fixture.db.GetDonation(ctx, donation.Id)
		return err == nil && got.Status == models.DonationCompleted
	})

	completed, err := fixture.service.ListCompletedDonationsSince(ctx, "alice", since)
	if err != nil {
		t.Fatalf("ListCompletedDonationsSince failed: %v", err)
	}
	if len(completed) != 1 || completed[0].Id != donation.Id {
		t.Fatalf("Expected exactly the completed donation, got %d entries", len(completed))
	}
}
