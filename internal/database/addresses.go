package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/store"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func scanAddress(row interface{ Scan(dest ...any) error }) (*models.Address, error) {
	var addr models.Address
	var lockedUntil sql.NullTime
	err := row.Scan(&addr.Id, &addr.Address, &addr.Index, &addr.Currency, &lockedUntil, &addr.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time.UTC()
		addr.LockedUntil = &t
	}
	return &addr, nil
}

// InsertAddress persists a freshly derived deposit address.
func (s *Service) InsertAddress(ctx context.Context, params store.InsertAddressParams) (*models.Address, error) {
	row := s.db.QueryRowContext(ctx, queryInsertAddress,
		params.Id, params.Address, params.Index, string(params.Currency))
	addr, err := scanAddress(row)
	if err != nil {
		// A concurrent allocator growing the pool can claim the same
		// derivation index first; callers retry with a fresh index.
		if isConstraintViolation(err) {
			zap.L().Debug("Address index claimed by concurrent allocator",
				zap.Int64("index", params.Index))
			return nil, fmt.Errorf("address index %d already taken: %w",
				params.Index, store.ErrConcurrentModification)
		}
		zap.L().Error("Failed to insert address",
			zap.String("address", params.Address),
			zap.Int64("index", params.Index),
			zap.Error(err))
		return nil, fmt.Errorf("failed to insert address: %w", err)
	}

	zap.L().Info("Inserted pool address",
		zap.String("address", addr.Address),
		zap.Int64("index", addr.Index),
		zap.String("currency", string(addr.Currency)))
	return addr, nil
}

// GetAddress looks an address up by its on-chain string.
func (s *Service) GetAddress(ctx context.Context, address string) (*models.Address, error) {
	addr, err := scanAddress(s.db.QueryRowContext(ctx, queryGetAddress, address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("address %s: %w", address, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address: %w", err)
	}
	return addr, nil
}

// ListAddresses returns the full pool for a currency ordered by derivation index.
func (s *Service) ListAddresses(ctx context.Context, currency models.Currency) ([]models.Address, error) {
	rows, err := s.db.QueryContext(ctx, queryListAddresses, string(currency))
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var addresses []models.Address
	for rows.Next() {
		addr, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addresses = append(addresses, *addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating address rows: %w", err)
	}
	return addresses, nil
}

// ListLockedAddresses returns addresses whose lock is still valid at now.
// Used on boot to re-attach watchers to in-flight donations.
func (s *Service) ListLockedAddresses(ctx context.Context, now time.Time) ([]models.Address, error) {
	rows, err := s.db.QueryContext(ctx, queryListLockedAddresses, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list locked addresses: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var addresses []models.Address
	for rows.Next() {
		addr, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addresses = append(addresses, *addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating address rows: %w", err)
	}
	return addresses, nil
}

// MaxAddressIndex returns the highest derivation index in the pool, or 0
// when the pool is empty. Index 0 is reserved for the operator wallet, so
// the first deposit address always derives at index 1.
func (s *Service) MaxAddressIndex(ctx context.Context) (int64, error) {
	var max int64
	if err := s.db.QueryRowContext(ctx, queryMaxAddressIndex).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to get max address index: %w", err)
	}
	return max, nil
}

// TryLockAddress attempts to reserve the address until the given instant.
// The conditional UPDATE is the pool's exclusivity guarantee: it only
// succeeds when the address is free or its previous lock has elapsed, so
// among any number of concurrent allocators exactly one wins.
func (s *Service) TryLockAddress(ctx context.Context, addressId string, until time.Time) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, queryTryLockAddress, until.UTC(), addressId, now)
	if err != nil {
		return false, fmt.Errorf("failed to lock address: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		zap.L().Debug("Address lock lost to concurrent allocator", zap.String("address_id", addressId))
		return false, nil
	}

	return true, nil
}

// ReleaseAddress clears the lock on an address. Releasing an address that
// is already free is a no-op, which makes release safe to call from both
// the completion path and the expiry sweep.
func (s *Service) ReleaseAddress(ctx context.Context, address string) error {
	if _, err := s.db.ExecContext(ctx, queryReleaseAddress, address); err != nil {
		return fmt.Errorf("failed to release address: %w", err)
	}
	zap.L().Debug("Released pool address", zap.String("address", address))
	return nil
}
