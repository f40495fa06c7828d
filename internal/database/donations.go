package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func scanDonation(row interface{ Scan(dest ...any) error }) (*models.Donation, error) {
	var d models.Donation
	var amountFloatStr string
	var txHash, txSender, txSenderDomain sql.NullString
	err := row.Scan(&d.Id, &d.StreamerId, &d.AddressId, &d.Message, &d.Name, &d.Currency,
		&d.AmountAtomic, &amountFloatStr, &d.AmountUsd, &d.StartBalanceAtomic,
		&d.Status, &d.PendingUntil, &txHash, &txSender,
		&txSenderDomain, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d.AmountFloat, err = decimal.NewFromString(amountFloatStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount '%s': %w", amountFloatStr, err)
	}
	d.TransactionHash = txHash.String
	d.TransactionSender = txSender.String
	d.TransactionSenderDomainName = txSenderDomain.String
	d.PendingUntil = d.PendingUntil.UTC()
	return &d, nil
}

// CreateDonation records a new donation attempt against a reserved address.
func (s *Service) CreateDonation(ctx context.Context, params store.CreateDonationParams) (*models.Donation, error) {
	zap.L().Info("Creating donation",
		zap.String("donation_id", params.Id),
		zap.String("streamer_id", params.StreamerId),
		zap.String("amount", params.AmountFloat.String()),
		zap.Int64("amount_atomic", params.AmountAtomic),
		zap.String("currency", string(params.Currency)))

	_, err := s.db.ExecContext(ctx, queryInsertDonation,
		params.Id, params.StreamerId, params.AddressId, params.Message, params.Name,
		string(params.Currency), params.AmountAtomic, params.AmountFloat.String(),
		params.AmountUsd, params.StartBalanceAtomic,
		string(models.DonationPending), params.PendingUntil.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to insert donation: %w", err)
	}

	return s.GetDonation(ctx, params.Id)
}

// GetDonation returns a donation by id.
func (s *Service) GetDonation(ctx context.Context, id string) (*models.Donation, error) {
	donation, err := scanDonation(s.db.QueryRowContext(ctx, queryGetDonation, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrDonationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get donation: %w", err)
	}
	return donation, nil
}

// FindPendingDonationByAddress returns the live pending donation bound to
// an address, if any. Used on boot to re-attach watchers.
func (s *Service) FindPendingDonationByAddress(ctx context.Context, address string, now time.Time) (*models.Donation, error) {
	donation, err := scanDonation(s.db.QueryRowContext(ctx, queryFindPendingDonationByAddress, address, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no pending donation on %s", store.ErrDonationNotFound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending donation: %w", err)
	}
	return donation, nil
}

// CompleteDonation atomically transitions a donation to COMPLETED: the
// streamer balance is credited, the reserved address is released and the
// transaction evidence is recorded, all in one database transaction. Only
// a PENDING donation can complete, so a second caller gets ErrNotPending
// and the credit is applied at most once.
func (s *Service) CompleteDonation(ctx context.Context, params store.CompleteDonationParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	donation, err := scanDonation(tx.QueryRowContext(ctx, queryGetDonation, params.DonationId))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrDonationNotFound, params.DonationId)
	}
	if err != nil {
		return fmt.Errorf("failed to get donation: %w", err)
	}
	if donation.Status != models.DonationPending {
		return fmt.Errorf("%w: donation %s is %s", store.ErrNotPending, donation.Id, donation.Status)
	}

	// Credit what was actually observed on chain; fall back to the
	// requested amount when the watcher could not quantify the delta.
	credit := params.ObservedAtomic
	if credit == 0 {
		credit = donation.AmountAtomic
	}
	if err := creditBalanceTx(ctx, tx, donation.StreamerId, donation.Currency, credit); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, queryCompleteDonation,
		nullableString(params.TransactionHash),
		nullableString(params.TransactionSender),
		nullableString(params.TransactionSenderDomainName),
		donation.Id)
	if err != nil {
		return fmt.Errorf("failed to complete donation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("donation update failed - %w", store.ErrConcurrentModification)
	}

	if _, err := tx.ExecContext(ctx, queryReleaseAddressById, donation.AddressId); err != nil {
		return fmt.Errorf("failed to release address: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Donation completed",
		zap.String("donation_id", donation.Id),
		zap.String("streamer_id", donation.StreamerId),
		zap.Int64("credited_atomic", credit),
		zap.String("transaction_hash", params.TransactionHash))
	return nil
}

// ExpireDonations fails every pending donation whose window has elapsed
// and releases its address, returning the expired set so callers can
// cancel the matching watchers.
func (s *Service) ExpireDonations(ctx context.Context, now time.Time) ([]store.ExpiredDonation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, queryListExpiredPending, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired donations: %w", err)
	}

	var expired []store.ExpiredDonation
	for rows.Next() {
		var e store.ExpiredDonation
		if err := rows.Scan(&e.DonationId, &e.StreamerId, &e.Address, &e.Currency); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan expired donation: %w", err)
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating expired donation rows: %w", err)
	}
	rows.Close()

	for _, e := range expired {
		if _, err := tx.ExecContext(ctx, queryFailDonation, e.DonationId); err != nil {
			return nil, fmt.Errorf("failed to fail donation %s: %w", e.DonationId, err)
		}
		if _, err := tx.ExecContext(ctx, queryReleaseAddress, e.Address); err != nil {
			return nil, fmt.Errorf("failed to release address %s: %w", e.Address, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if len(expired) > 0 {
		zap.L().Info("Expired stale donations", zap.Int("count", len(expired)))
	}
	return expired, nil
}

// ListCompletedDonationsSince returns a streamer's completed donations
// newer than the given instant, most recent first.
func (s *Service) ListCompletedDonationsSince(ctx context.Context, streamerId string, since time.Time) ([]models.Donation, error) {
	rows, err := s.db.QueryContext(ctx, queryListCompletedSince, streamerId, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list completed donations: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var donations []models.Donation
	for rows.Next() {
		donation, err := scanDonation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan donation: %w", err)
		}
		donations = append(donations, *donation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating donation rows: %w", err)
	}
	return donations, nil
}

func nullableString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
