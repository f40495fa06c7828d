package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func scanWithdrawal(row interface{ Scan(dest ...any) error }) (*models.StreamerWithdrawal, error) {
	var w models.StreamerWithdrawal
	var amountFloatStr string
	var txHash sql.NullString
	err := row.Scan(&w.Id, &w.StreamerId, &w.Currency, &amountFloatStr, &w.AmountAtomic,
		&w.Address, &w.Status, &txHash, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}

	w.AmountFloat, err = decimal.NewFromString(amountFloatStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount '%s': %w", amountFloatStr, err)
	}
	w.TransactionHash = txHash.String
	return &w, nil
}

// CreateWithdrawal records a new payout request in PENDING state and
// places the matching balance hold. The in-flight check, the hold and the
// insert commit in one transaction: two concurrent requests cannot both
// place holds, and a failed insert never strands a hold.
func (s *Service) CreateWithdrawal(ctx context.Context, params store.CreateWithdrawalParams) (*models.StreamerWithdrawal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var inFlight int
	err = tx.QueryRowContext(ctx, queryCountWithdrawalsInFlight,
		params.StreamerId, string(params.Currency)).Scan(&inFlight)
	if err != nil {
		return nil, fmt.Errorf("failed to count in-flight withdrawals: %w", err)
	}
	if inFlight > 0 {
		return nil, fmt.Errorf("%w: streamer %s", store.ErrWithdrawalInFlight, params.StreamerId)
	}

	if err := holdBalanceTx(ctx, tx, params.StreamerId, params.Currency, params.AmountAtomic); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, queryInsertWithdrawal,
		params.Id, params.StreamerId, string(params.Currency),
		params.AmountFloat.String(), params.AmountAtomic, params.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to insert withdrawal: %w", err)
	}

	withdrawal, err := scanWithdrawal(tx.QueryRowContext(ctx, queryGetWithdrawal, params.Id))
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Created withdrawal with balance hold",
		zap.String("withdrawal_id", params.Id),
		zap.String("streamer_id", params.StreamerId),
		zap.String("amount", params.AmountFloat.String()),
		zap.String("destination", params.Address))
	return withdrawal, nil
}

// GetWithdrawal returns a withdrawal by id.
func (s *Service) GetWithdrawal(ctx context.Context, id string) (*models.StreamerWithdrawal, error) {
	withdrawal, err := scanWithdrawal(s.db.QueryRowContext(ctx, queryGetWithdrawal, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrWithdrawalNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	return withdrawal, nil
}

// ListWithdrawalsByStatus returns withdrawals in a given state, oldest first.
func (s *Service) ListWithdrawalsByStatus(ctx context.Context, status models.WithdrawalStatus) ([]models.StreamerWithdrawal, error) {
	rows, err := s.db.QueryContext(ctx, queryListWithdrawalsByStatus, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var withdrawals []models.StreamerWithdrawal
	for rows.Next() {
		withdrawal, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
		}
		withdrawals = append(withdrawals, *withdrawal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating withdrawal rows: %w", err)
	}
	return withdrawals, nil
}

// HasWithdrawalInFlight reports whether the streamer already has a
// PENDING or SENT withdrawal for the currency. One payout at a time keeps
// the single pending column unambiguous.
func (s *Service) HasWithdrawalInFlight(ctx context.Context, streamerId string, currency models.Currency) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, queryCountWithdrawalsInFlight, streamerId, string(currency)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count in-flight withdrawals: %w", err)
	}
	return count > 0, nil
}

// MarkWithdrawalSent transitions PENDING -> SENT and records the broadcast
// transaction hash. A withdrawal that already left PENDING is rejected.
func (s *Service) MarkWithdrawalSent(ctx context.Context, id, txHash string) error {
	result, err := s.db.ExecContext(ctx, queryMarkWithdrawalSent, txHash, id)
	if err != nil {
		return fmt.Errorf("failed to mark withdrawal sent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: withdrawal %s is not PENDING", store.ErrWithdrawalNotResolvable, id)
	}

	zap.L().Info("Withdrawal sent",
		zap.String("withdrawal_id", id),
		zap.String("transaction_hash", txHash))
	return nil
}

// FailWithdrawalRefund marks the withdrawal FAILED and returns its hold to
// the streamer balance, atomically.
func (s *Service) FailWithdrawalRefund(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	withdrawal, err := s.resolveWithdrawalTx(ctx, tx, id, models.WithdrawalFailed)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, queryRefundHold,
		withdrawal.AmountAtomic, withdrawal.AmountAtomic,
		withdrawal.StreamerId, string(withdrawal.Currency))
	if err != nil {
		return fmt.Errorf("failed to refund hold: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Warn("Withdrawal failed, hold refunded",
		zap.String("withdrawal_id", id),
		zap.String("streamer_id", withdrawal.StreamerId),
		zap.Int64("amount_atomic", withdrawal.AmountAtomic))
	return nil
}

// CompleteWithdrawalSettled marks the withdrawal COMPLETED and zeroes the
// streamer's pending amount, atomically. Pending resets to zero rather
// than subtracting because only one withdrawal can be in flight per
// streamer and currency.
func (s *Service) CompleteWithdrawalSettled(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	withdrawal, err := s.resolveWithdrawalTx(ctx, tx, id, models.WithdrawalCompleted)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, queryResetPending, withdrawal.StreamerId, string(withdrawal.Currency))
	if err != nil {
		return fmt.Errorf("failed to reset pending: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Withdrawal settled",
		zap.String("withdrawal_id", id),
		zap.String("streamer_id", withdrawal.StreamerId),
		zap.Int64("amount_atomic", withdrawal.AmountAtomic))
	return nil
}

// resolveWithdrawalTx loads a withdrawal inside an open transaction and
// moves it to a terminal status. Only PENDING and SENT rows can resolve.
func (s *Service) resolveWithdrawalTx(ctx context.Context, tx *sql.Tx, id string, status models.WithdrawalStatus) (*models.StreamerWithdrawal, error) {
	withdrawal, err := scanWithdrawal(tx.QueryRowContext(ctx, queryGetWithdrawal, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrWithdrawalNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	if withdrawal.Status != models.WithdrawalPending && withdrawal.Status != models.WithdrawalSent {
		return nil, fmt.Errorf("%w: withdrawal %s is %s", store.ErrWithdrawalNotResolvable, id, withdrawal.Status)
	}

	if _, err := tx.ExecContext(ctx, queryUpdateWithdrawalStatus, string(status), id); err != nil {
		return nil, fmt.Errorf("failed to update withdrawal status: %w", err)
	}
	return withdrawal, nil
}
