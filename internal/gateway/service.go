/**
 * Copyright 2025-present the donation-gateway-go authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"donation-gateway-go/internal/chain"
	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/pool"
	"donation-gateway-go/internal/settle"
	"donation-gateway-go/internal/store"
	"donation-gateway-go/internal/watcher"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service is the donation gateway's front door: it reserves addresses
// for donations, starts the watches that detect payment and accepts
// payout requests against accumulated balances.
type Service struct {
	store    store.LedgerStore
	pool     *pool.Pool
	chains   *chain.Registry
	watcher  *watcher.Watcher
	settle   *settle.Engine
	donation models.DonationConfig
}

func NewService(ledger store.LedgerStore, addressPool *pool.Pool, chains *chain.Registry,
	watchers *watcher.Watcher, settler *settle.Engine, donationCfg models.DonationConfig) *Service {
	return &Service{
		store:    ledger,
		pool:     addressPool,
		chains:   chains,
		watcher:  watchers,
		settle:   settler,
		donation: donationCfg,
	}
}

// RequestDonationParams describes an incoming donation request.
type RequestDonationParams struct {
	Username string
	Message  string
	Name     string
	Currency models.Currency
	Amount   decimal.Decimal
	// AmountUsd is the display value in USD cents at request time.
	AmountUsd int64
}

// RequestDonation reserves a deposit address for the donor and starts a
// watch for the expected amount. The returned donation carries the
// address the donor must pay and the deadline to do it by.
func (s *Service) RequestDonation(ctx context.Context, params RequestDonationParams) (*models.Donation, *models.Address, error) {
	if !params.Amount.IsPositive() {
		return nil, nil, fmt.Errorf("donation amount must be positive, got %s", params.Amount.String())
	}

	streamer, err := s.store.GetStreamerByUsername(ctx, params.Username)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	deadline := now.Add(s.donation.Window)

	address, err := s.pool.Allocate(ctx, params.Currency, deadline)
	if err != nil {
		return nil, nil, err
	}

	donation, err := s.createDonation(ctx, params, streamer, address, now, deadline)
	if err != nil {
		// Return the reservation so the address is not stranded until the
		// lock TTL elapses.
		if releaseErr := s.pool.Release(ctx, address.Address); releaseErr != nil {
			zap.L().Warn("Failed to release address after donation setup error",
				zap.String("address", address.Address),
				zap.Error(releaseErr))
		}
		return nil, nil, err
	}

	return donation, address, nil
}

func (s *Service) createDonation(ctx context.Context, params RequestDonationParams,
	streamer *models.Streamer, address *models.Address, now, deadline time.Time) (*models.Donation, error) {

	client, err := s.chains.Get(params.Currency)
	if err != nil {
		return nil, err
	}

	// The baseline balance anchors the watch: payment is detected as a
	// delta on top of whatever the address already held.
	startBalance, err := client.GetBalance(ctx, address.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to read address baseline balance: %w", err)
	}

	amountAtomic := params.Amount.Shift(params.Currency.Decimals()).IntPart()

	donation, err := s.store.CreateDonation(ctx, store.CreateDonationParams{
		Id:                 uuid.New().String(),
		StreamerId:         streamer.Id,
		AddressId:          address.Id,
		Message:            params.Message,
		Name:               params.Name,
		Currency:           params.Currency,
		AmountAtomic:       amountAtomic,
		AmountFloat:        params.Amount,
		AmountUsd:          params.AmountUsd,
		StartBalanceAtomic: startBalance,
		PendingUntil:       deadline,
	})
	if err != nil {
		return nil, err
	}

	if err := s.watcher.Start(ctx, watcher.StartParams{
		DonationId:     donation.Id,
		Address:        address.Address,
		Currency:       params.Currency,
		ExpectedAtomic: amountAtomic,
		StartBalance:   startBalance,
		CreatedAt:      now,
		Deadline:       deadline,
	}); err != nil {
		return nil, fmt.Errorf("failed to start donation watch: %w", err)
	}

	zap.L().Info("Donation requested",
		zap.String("donation_id", donation.Id),
		zap.String("streamer", streamer.Username),
		zap.String("address", address.Address),
		zap.String("amount", params.Amount.String()),
		zap.Time("deadline", deadline))
	return donation, nil
}

// ResumeWatchers re-attaches a watch to every address still reserved by
// a pending donation. Called once on boot so a restart does not orphan
// in-flight donations; the persisted baseline balance keeps detection
// consistent across the restart.
func (s *Service) ResumeWatchers(ctx context.Context) error {
	now := time.Now()
	locked, err := s.store.ListLockedAddresses(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list locked addresses: %w", err)
	}

	resumed := 0
	for _, address := range locked {
		donation, err := s.store.FindPendingDonationByAddress(ctx, address.Address, now)
		if err != nil {
			if errors.Is(err, store.ErrDonationNotFound) {
				// Locked with no live donation: a stale reservation the
				// expiry sweep will reclaim.
				continue
			}
			return err
		}

		if err := s.watcher.Start(ctx, watcher.StartParams{
			DonationId:     donation.Id,
			Address:        address.Address,
			Currency:       donation.Currency,
			ExpectedAtomic: donation.AmountAtomic,
			StartBalance:   donation.StartBalanceAtomic,
			CreatedAt:      donation.CreatedAt,
			Deadline:       donation.PendingUntil,
		}); err != nil {
			zap.L().Error("Failed to resume donation watch",
				zap.String("donation_id", donation.Id),
				zap.String("address", address.Address),
				zap.Error(err))
			continue
		}
		resumed++
	}

	if resumed > 0 {
		zap.L().Info("Resumed donation watches", zap.Int("count", resumed))
	}
	return nil
}

// RequestWithdrawal places a payout hold and hands the withdrawal to the
// settlement engine. One withdrawal per streamer and currency may be in
// flight at a time.
func (s *Service) RequestWithdrawal(ctx context.Context, username string, currency models.Currency,
	amount decimal.Decimal, destination string) (*models.StreamerWithdrawal, error) {

	if !amount.IsPositive() {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %s", amount.String())
	}
	if destination == "" {
		return nil, fmt.Errorf("withdrawal destination cannot be empty")
	}

	streamer, err := s.store.GetStreamerByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	inFlight, err := s.store.HasWithdrawalInFlight(ctx, streamer.Id, currency)
	if err != nil {
		return nil, err
	}
	if inFlight {
		return nil, fmt.Errorf("%w: streamer %s", store.ErrWithdrawalInFlight, username)
	}

	// CreateWithdrawal re-checks the single-flight rule and places the
	// balance hold in one store transaction; the read above only exists to
	// reject the common case before opening a write transaction.
	amountAtomic := amount.Shift(currency.Decimals()).IntPart()
	withdrawal, err := s.store.CreateWithdrawal(ctx, store.CreateWithdrawalParams{
		Id:           uuid.New().String(),
		StreamerId:   streamer.Id,
		Currency:     currency,
		AmountFloat:  amount,
		AmountAtomic: amountAtomic,
		Address:      destination,
	})
	if err != nil {
		return nil, err
	}

	if err := s.settle.Initiate(ctx, withdrawal.Id); err != nil {
		// ErrInsufficientFunds already failed the withdrawal and refunded
		// the hold; broadcast errors leave it PENDING for retry.
		return withdrawal, err
	}

	return s.store.GetWithdrawal(ctx, withdrawal.Id)
}

// ListCompletedDonationsSince returns a streamer's completed donations
// newer than since, for alert feeds and overlays.
func (s *Service) ListCompletedDonationsSince(ctx context.Context, username string, since time.Time) ([]models.Donation, error) {
	streamer, err := s.store.GetStreamerByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return s.store.ListCompletedDonationsSince(ctx, streamer.Id, since)
}

// GetBalance returns a streamer's ledger balance for a currency.
func (s *Service) GetBalance(ctx context.Context, username string, currency models.Currency) (*models.StreamerBalance, error) {
	streamer, err := s.store.GetStreamerByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return s.store.GetBalance(ctx, streamer.Id, currency)
}

// StopWatchers shuts down all active donation watches.
func (s *Service) StopWatchers() {
	s.watcher.StopAll()
}
