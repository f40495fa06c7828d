package database

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// setupTestDb opens a file-backed database in a temp dir. A file (not
// :memory:) because several tests exercise concurrent connections, and
// each :memory: connection gets its own database.
func setupTestDb(t *testing.T) (*Service, func()) {
	t.Helper()

	cfg := models.DatabaseConfig{
		Path:            filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
		PingTimeout:     5 * time.Second,
	}

	service, err := NewService(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	cleanup := func() {
		service.Close()
	}

	return service, cleanup
}

func TestNewService_PingFailureReturnsCause(t *testing.T) {
	// The parent directory does not exist, so the ping cannot create the
	// database file. The error must carry the ping failure, not the
	// cleanup close.
	_, err := NewService(context.Background(), models.DatabaseConfig{
		Path:            filepath.Join(t.TempDir(), "missing", "test.db"),
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
		PingTimeout:     5 * time.Second,
	})
	if err == nil {
		t.Fatalf("Expected NewService to fail for an unreachable path")
	}
	if !strings.Contains(err.Error(), "unable to ping database") {
		t.Errorf("Expected the ping failure to surface, got: %v", err)
	}
}

func createTestStreamer(t *testing.T, service *Service, username string) *models.Streamer {
	t.Helper()
	streamer, err := service.CreateStreamer(context.Background(), uuid.New().String(), username)
	if err != nil {
		t.Fatalf("Failed to create streamer: %v", err)
	}
	return streamer
}

func createTestAddress(t *testing.T, service *Service, index int64) *models.Address {
	t.Helper()
	addr, err := service.InsertAddress(context.Background(), store.InsertAddressParams{
		Id:       uuid.New().String(),
		Address:  uuid.New().String(),
		Index:    index,
		Currency: models.CurrencySOL,
	})
	if err != nil {
		t.Fatalf("Failed to insert address: %v", err)
	}
	return addr
}

func createTestDonation(t *testing.T, service *Service, streamerId, addressId string, amountAtomic int64, pendingUntil time.Time) *models.Donation {
	t.Helper()
	donation, err := service.CreateDonation(context.Background(), store.CreateDonationParams{
		Id:           uuid.New().String(),
		StreamerId:   streamerId,
		AddressId:    addressId,
		Currency:     models.CurrencySOL,
		AmountAtomic: amountAtomic,
		AmountFloat:  decimal.NewFromInt(amountAtomic).Shift(-9),
		PendingUntil: pendingUntil,
	})
	if err != nil {
		t.Fatalf("Failed to create donation: %v", err)
	}
	return donation
}
