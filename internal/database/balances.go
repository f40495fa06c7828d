package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GetBalance returns the ledger row for a streamer/currency pair. A
// missing row reads as a zero balance.
func (s *Service) GetBalance(ctx context.Context, streamerId string, currency models.Currency) (*models.StreamerBalance, error) {
	var balance models.StreamerBalance
	err := s.db.QueryRowContext(ctx, queryGetBalance, streamerId, string(currency)).
		Scan(&balance.Id, &balance.StreamerId, &balance.Currency, &balance.Balance, &balance.Pending, &balance.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.StreamerBalance{
			StreamerId: streamerId,
			Currency:   currency,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &balance, nil
}

// holdBalanceTx moves amount from balance to pending inside an open
// transaction. The conditional UPDATE enforces sufficiency: it only lands
// when the current balance covers the amount.
func holdBalanceTx(ctx context.Context, tx *sql.Tx, streamerId string, currency models.Currency, amountAtomic int64) error {
	result, err := tx.ExecContext(ctx, queryHoldBalance,
		amountAtomic, amountAtomic, streamerId, string(currency), amountAtomic)
	if err != nil {
		return fmt.Errorf("failed to hold balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: streamer %s needs %d %s atomic units",
			store.ErrInsufficientBalance, streamerId, amountAtomic, currency)
	}

	zap.L().Info("Held balance for withdrawal",
		zap.String("streamer_id", streamerId),
		zap.String("currency", string(currency)),
		zap.Int64("amount_atomic", amountAtomic))
	return nil
}

// creditBalanceTx adds to the streamer balance inside an open transaction,
// creating the ledger row on first credit.
func creditBalanceTx(ctx context.Context, tx *sql.Tx, streamerId string, currency models.Currency, amountAtomic int64) error {
	result, err := tx.ExecContext(ctx, queryCreditBalance, amountAtomic, streamerId, string(currency))
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		_, err = tx.ExecContext(ctx, queryInsertBalance,
			uuid.New().String(), streamerId, string(currency), amountAtomic, 0)
		if err != nil {
			return fmt.Errorf("failed to create balance row: %w", err)
		}
	}
	return nil
}
