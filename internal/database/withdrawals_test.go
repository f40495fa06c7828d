package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// createTestWithdrawal places the hold and creates the PENDING row; the
// streamer must have been credited first.
func createTestWithdrawal(t *testing.T, service *Service, streamerId string, amountAtomic int64) *models.StreamerWithdrawal {
	t.Helper()
	withdrawal, err := service.CreateWithdrawal(context.Background(), store.CreateWithdrawalParams{
		Id:           uuid.New().String(),
		StreamerId:   streamerId,
		Currency:     models.CurrencySOL,
		AmountFloat:  decimal.NewFromInt(amountAtomic).Shift(-9),
		AmountAtomic: amountAtomic,
		Address:      "dest-address",
	})
	if err != nil {
		t.Fatalf("Failed to create withdrawal: %v", err)
	}
	return withdrawal
}

// creditStreamer seeds a balance through the donation completion path.
func creditStreamer(t *testing.T, service *Service, streamerId string, amountAtomic int64, index int64) {
	t.Helper()
	addr := createTestAddress(t, service, index)
	donation := createTestDonation(t, service, streamerId, addr.Id, amountAtomic, time.Now().Add(10*time.Minute))
	if err := service.CompleteDonation(context.Background(), store.CompleteDonationParams{
		DonationId:     donation.Id,
		ObservedAtomic: amountAtomic,
	}); err != nil {
		t.Fatalf("Failed to credit streamer: %v", err)
	}
}

func assertBalance(t *testing.T, service *Service, streamerId string, balance, pending int64) {
	t.Helper()
	got, err := service.GetBalance(context.Background(), streamerId, models.CurrencySOL)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if got.Balance != balance || got.Pending != pending {
		t.Fatalf("Expected balance %d pending %d, got %d/%d", balance, pending, got.Balance, got.Pending)
	}
}

func TestWithdrawalLifecycle_FailureRefunds(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	streamer := createTestStreamer(t, service, "alice")
	creditStreamer(t, service, streamer.Id, 100, 1)

	// Creating the withdrawal holds 30 of 100.
	withdrawal := createTestWithdrawal(t, service, streamer.Id, 30)
	assertBalance(t, service, streamer.Id, 70, 30)

	if err := service.MarkWithdrawalSent(ctx, withdrawal.Id, "tx-hash"); err != nil {
		t.Fatalf("MarkWithdrawalSent failed: %v", err)
	}

	got, err := service.GetWithdrawal(ctx, withdrawal.Id)
	if err != nil {
		t.Fatalf("GetWithdrawal failed: %v", err)
	}
	if got.Status != models.WithdrawalSent || got.TransactionHash != "tx-hash" {
		t.Fatalf("Expected SENT with tx-hash, got %s/%q", got.Status, got.TransactionHash)
	}

	// The transaction failed on chain: refund the hold.
	if err := service.FailWithdrawalRefund(ctx, withdrawal.Id); err != nil {
		t.Fatalf("FailWithdrawalRefund failed: %v", err)
	}
	assertBalance(t, service, streamer.Id, 100, 0)

	got, err = service.GetWithdrawal(ctx, withdrawal.Id)
	if err != nil {
		t.Fatalf("GetWithdrawal failed: %v", err)
	}
	if got.Status != models.WithdrawalFailed {
		t.Errorf("Expected FAILED, got %s", got.Status)
	}
}

func TestWithdrawalLifecycle_Settlement(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	streamer := createTestStreamer(t, service, "alice")
	creditStreamer(t, service, streamer.Id, 100, 1)

	withdrawal := createTestWithdrawal(t, service, streamer.Id, 40)
	assertBalance(t, service, streamer.Id, 60, 40)

	if err := service.MarkWithdrawalSent(ctx, withdrawal.Id, "tx-hash"); err != nil {
		t.Fatalf("MarkWithdrawalSent failed: %v", err)
	}
	if err := service.CompleteWithdrawalSettled(ctx, withdrawal.Id); err != nil {
		t.Fatalf("CompleteWithdrawalSettled failed: %v", err)
	}
	assertBalance(t, service, streamer.Id, 60, 0)

	got, err := service.GetWithdrawal(ctx, withdrawal.Id)
	if err != nil {
		t.Fatalf("GetWithdrawal failed: %v", err)
	}
	if got.Status != models.WithdrawalCompleted {
		t.Errorf("Expected COMPLETED, got %s", got.Status)
	}
}

func TestCreateWithdrawal_InsufficientBalance(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	streamer := createTestStreamer(t, service, "alice")
	creditStreamer(t, service, streamer.Id, 50, 1)

	withdrawalId := uuid.New().String()
	_, err := service.CreateWithdrawal(ctx, store.CreateWithdrawalParams{
		Id:           withdrawalId,
		StreamerId:   streamer.Id,
		Currency:     models.CurrencySOL,
		AmountFloat:  decimal.NewFromInt(60).Shift(-9),
		AmountAtomic: 60,
		Address:      "dest-address",
	})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got: %v", err)
	}

	// The rejected request left neither a hold nor a row behind.
	assertBalance(t, service, streamer.Id, 50, 0)
	if _, err := service.GetWithdrawal(ctx, withdrawalId); !errors.Is(err, store.ErrWithdrawalNotFound) {
		t.Errorf("Expected no withdrawal row, got: %v", err)
	}
}

func TestCreateWithdrawal_SingleFlight(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	streamer := createTestStreamer(t, service, "alice")
	creditStreamer(t, service, streamer.Id, 100, 1)

	first := createTestWithdrawal(t, service, streamer.Id, 30)
	assertBalance(t, service, streamer.Id, 70, 30)

	// A second request while the first is in flight is rejected by the
	// store itself, so it can never place a second hold for a later
	// pending-reset to wipe.
	_, err := service.CreateWithdrawal(ctx, store.CreateWithdrawalParams{
		Id:           uuid.New().String(),
		StreamerId:   streamer.Id,
		Currency:     models.CurrencySOL,
		AmountFloat:  decimal.NewFromInt(30).Shift(-9),
		AmountAtomic: 30,
		Address:      "dest-address",
	})
	if !errors.Is(err, store.ErrWithdrawalInFlight) {
		t.Fatalf("Expected ErrWithdrawalInFlight, got: %v", err)
	}
	assertBalance(t, service, streamer.Id, 70, 30)

	// Settle the first, then run a second withdrawal through failure:
	// pending must end at zero, never negative.
	if err := service.MarkWithdrawalSent(ctx, first.Id, "tx-1"); err != nil {
		t.Fatalf("MarkWithdrawalSent failed: %v", err)
	}
	if err := service.CompleteWithdrawalSettled(ctx, first.Id); err != nil {
		t.Fatalf("CompleteWithdrawalSettled failed: %v", err)
	}
	assertBalance(t, service, streamer.Id, 70, 0)

	second := createTestWithdrawal(t, service, streamer.Id, 30)
	assertBalance(t, service, streamer.Id, 40, 30)
	if err := service.FailWithdrawalRefund(ctx, second.Id); err != nil {
		t.Fatalf("FailWithdrawalRefund failed: %v", err)
	}
	assertBalance(t, service, streamer.Id, 70, 0)
}

func TestCreateWithdrawal_InsertFailureReleasesHold(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	streamer := createTestStreamer(t, service, "alice")
	creditStreamer(t, service, streamer.Id, 100, 1)

	first := createTestWithdrawal(t, service, streamer.Id, 30)
	if err := service.MarkWithdrawalSent(ctx, first.Id, "tx-1"); err != nil {
		t.Fatalf("MarkWithdrawalSent failed: %v", err)
	}
	if err := service.CompleteWithdrawalSettled(ctx, first.Id); err != nil {
		t.Fatalf("CompleteWithdrawalSettled failed: %v", err)
	}
	assertBalance(t, service, streamer.Id, 70, 0)

	// Reusing the settled withdrawal's id makes the insert fail after the
	// hold UPDATE; the transaction must roll the hold back with it.
	_, err := service.CreateWithdrawal(ctx, store.CreateWithdrawalParams{
		Id:           first.Id,
		StreamerId:   streamer.Id,
		Currency:     models.CurrencySOL,
		AmountFloat:  decimal.NewFromInt(30).Shift(-9),
		AmountAtomic: 30,
		Address:      "dest-address",
	})
	if err == nil {
		t.Fatalf("Expected duplicate withdrawal id to fail")
	}
	assertBalance(t, service, streamer.Id, 70, 0)
}

func TestHasWithdrawalInFlight(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	streamer := createTestStreamer(t, service, "alice")
	creditStreamer(t, service, streamer.Id, 100, 1)

	inFlight, err := service.HasWithdrawalInFlight(ctx, streamer.Id, models.CurrencySOL)
	if err != nil {
		t.Fatalf("HasWithdrawalInFlight failed: %v", err)
	}
	if inFlight {
		t.Errorf("Expected no withdrawal in flight")
	}

	withdrawal := createTestWithdrawal(t, service, streamer.Id, 10)
	inFlight, err = service.HasWithdrawalInFlight(ctx, streamer.Id, models.CurrencySOL)
	if err != nil {
		t.Fatalf("HasWithdrawalInFlight failed: %v", err)
	}
	if !inFlight {
		t.Errorf("Expected PENDING withdrawal to count as in flight")
	}

	if err := service.MarkWithdrawalSent(ctx, withdrawal.Id, "tx-hash"); err != nil {
		t.Fatalf("MarkWithdrawalSent failed: %v", err)
	}
	inFlight, err = service.HasWithdrawalInFlight(ctx, streamer.Id, models.CurrencySOL)
	if err != nil {
		t.Fatalf("HasWithdrawalInFlight failed: %v", err)
	}
	if !inFlight {
		t.Errorf("Expected SENT withdrawal to count as in flight")
	}

	if err := service.CompleteWithdrawalSettled(ctx, withdrawal.Id); err != nil {
		t.Fatalf("CompleteWithdrawalSettled failed: %v", err)
	}
	inFlight, err = service.HasWithdrawalInFlight(ctx, streamer.Id, models.CurrencySOL)
	if err != nil {
		t.Fatalf("HasWithdrawalInFlight failed: %v", err)
	}
	if inFlight {
		t.Errorf("Expected settled withdrawal to clear the in-flight flag")
	}
}

func TestMarkWithdrawalSent_OnlyFromPending(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	streamer := createTestStreamer(t, service, "alice")
	creditStreamer(t, service, streamer.Id, 100, 1)
	withdrawal := createTestWithdrawal(t, service, streamer.Id, 10)

	if err := service.MarkWithdrawalSent(ctx, withdrawal.Id, "tx-1"); err != nil {
		t.Fatalf("MarkWithdrawalSent failed: %v", err)
	}
	err := service.MarkWithdrawalSent(ctx, withdrawal.Id, "tx-2")
	if !errors.Is(err, store.ErrWithdrawalNotResolvable) {
		t.Errorf("Expected ErrWithdrawalNotResolvable, got: %v", err)
	}
}

func TestFailWithdrawalRefund_TerminalStateRejected(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	streamer := createTestStreamer(t, service, "alice")
	creditStreamer(t, service, streamer.Id, 100, 1)
	withdrawal := createTestWithdrawal(t, service, streamer.Id, 30)

	if err := service.FailWithdrawalRefund(ctx, withdrawal.Id); err != nil {
		t.Fatalf("FailWithdrawalRefund failed: %v", err)
	}

	// Refunding again must not double-credit.
	err := service.FailWithdrawalRefund(ctx, withdrawal.Id)
	if !errors.Is(err, store.ErrWithdrawalNotResolvable) {
		t.Fatalf("Expected ErrWithdrawalNotResolvable, got: %v", err)
	}
	assertBalance(t, service, streamer.Id, 100, 0)
}
