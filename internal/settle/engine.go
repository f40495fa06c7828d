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

package settle

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"donation-gateway-go/internal/chain"
	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/store"
	"donation-gateway-go/internal/wallet"

	"go.uber.org/zap"
)

// feeBufferAtomic is reserved on the funding address on top of the payout
// amount to cover the network fee.
const feeBufferAtomic = 5_000

var ErrInsufficientFunds = errors.New("no wallet can fund the withdrawal")

// Engine moves withdrawals through PENDING -> SENT -> COMPLETED/FAILED.
// The funding scan is serialized with a mutex so two concurrent payouts
// cannot pick the same source balance.
type Engine struct {
	store  store.LedgerStore
	wallet *wallet.Service
	chains *chain.Registry

	fundingMu sync.Mutex
}

func New(ledger store.LedgerStore, walletService *wallet.Service, chains *chain.Registry) *Engine {
	return &Engine{store: ledger, wallet: walletService, chains: chains}
}

// Initiate funds and broadcasts a PENDING withdrawal. The operator wallet
// is tried first, then the pool addresses in derivation order; the first
// one whose balance covers the amount plus fee wins. When no wallet can
// fund the payout the withdrawal fails and the hold is refunded. A
// broadcast error leaves the withdrawal PENDING for a later retry.
func (e *Engine) Initiate(ctx context.Context, withdrawalId string) error {
	withdrawal, err := e.store.GetWithdrawal(ctx, withdrawalId)
	if err != nil {
		return err
	}
	if withdrawal.Status != models.WithdrawalPending {
		return fmt.Errorf("%w: withdrawal %s is %s", store.ErrWithdrawalNotResolvable, withdrawalId, withdrawal.Status)
	}

	client, err := e.chains.Get(withdrawal.Currency)
	if err != nil {
		return err
	}

	e.fundingMu.Lock()
	defer e.fundingMu.Unlock()

	fundingAddress, err := e.findFundingAddress(ctx, client, withdrawal.Currency, withdrawal.AmountAtomic)
	if err != nil {
		return err
	}
	if fundingAddress == "" {
		if failErr := e.store.FailWithdrawalRefund(ctx, withdrawalId); failErr != nil {
			return fmt.Errorf("failed to refund unfundable withdrawal: %w", failErr)
		}
		zap.L().Warn("No wallet can fund withdrawal",
			zap.String("withdrawal_id", withdrawalId),
			zap.Int64("amount_atomic", withdrawal.AmountAtomic))
		return fmt.Errorf("%w: withdrawal %s needs %d atomic units",
			ErrInsufficientFunds, withdrawalId, withdrawal.AmountAtomic)
	}

	keypair, err := e.keypairFor(ctx, fundingAddress)
	if err != nil {
		return err
	}

	txHash, err := client.Broadcast(ctx, keypair, withdrawal.Address, withdrawal.AmountAtomic)
	if err != nil {
		// The withdrawal stays PENDING; the caller or a later Initiate can
		// retry with a fresh blockhash.
		zap.L().Error("Withdrawal broadcast failed",
			zap.String("withdrawal_id", withdrawalId),
			zap.String("funding_address", fundingAddress),
			zap.Error(err))
		return fmt.Errorf("failed to broadcast withdrawal %s: %w", withdrawalId, err)
	}

	if err := e.store.MarkWithdrawalSent(ctx, withdrawalId, txHash); err != nil {
		return err
	}

	zap.L().Info("Withdrawal broadcast",
		zap.String("withdrawal_id", withdrawalId),
		zap.String("funding_address", fundingAddress),
		zap.String("transaction_hash", txHash),
		zap.Int64("amount_atomic", withdrawal.AmountAtomic))
	return nil
}

// findFundingAddress returns the first address whose on-chain balance
// covers amount plus the fee buffer, or empty when none can.
func (e *Engine) findFundingAddress(ctx context.Context, client chain.Client, currency models.Currency, amountAtomic int64) (string, error) {
	required := amountAtomic + feeBufferAtomic

	operator, err := e.wallet.OperatorAddress()
	if err != nil {
		return "", err
	}
	candidates := []string{operator}

	pooled, err := e.store.ListAddresses(ctx, currency)
	if err != nil {
		return "", err
	}
	for _, addr := range pooled {
		candidates = append(candidates, addr.Address)
	}

	for _, candidate := range candidates {
		balance, err := client.GetBalance(ctx, candidate)
		if err != nil {
			zap.L().Warn("Failed to read funding candidate balance",
				zap.String("address", candidate),
				zap.Error(err))
			continue
		}
		if balance >= required {
			return candidate, nil
		}
	}
	return "", nil
}

func (e *Engine) keypairFor(ctx context.Context, address string) (ed25519.PrivateKey, error) {
	operator, err := e.wallet.OperatorAddress()
	if err != nil {
		return nil, err
	}
	if address == operator {
		keypair, err := e.wallet.OperatorKeypair()
		if err != nil {
			return nil, err
		}
		return ed25519.PrivateKey(keypair), nil
	}

	keypair, err := e.wallet.KeypairFor(ctx, address)
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(keypair), nil
}

// Reconcile resolves every SENT withdrawal against chain finality:
// confirmed transactions settle the payout, failed ones refund the hold,
// still-pending ones are left for the next run. Chain read errors are
// logged and skipped; store errors propagate.
func (e *Engine) Reconcile(ctx context.Context) error {
	sent, err := e.store.ListWithdrawalsByStatus(ctx, models.WithdrawalSent)
	if err != nil {
		return err
	}

	var lastErr error
	for _, withdrawal := range sent {
		client, err := e.chains.Get(withdrawal.Currency)
		if err != nil {
			zap.L().Error("No chain client for sent withdrawal",
				zap.String("withdrawal_id", withdrawal.Id),
				zap.String("currency", string(withdrawal.Currency)))
			continue
		}

		status, err := client.GetTransactionStatus(ctx, withdrawal.TransactionHash)
		if err != nil {
			zap.L().Warn("Failed to check withdrawal status",
				zap.String("withdrawal_id", withdrawal.Id),
				zap.String("transaction_hash", withdrawal.TransactionHash),
				zap.Error(err))
			continue
		}

		switch status {
		case chain.TxStatusSuccess:
			if err := e.store.CompleteWithdrawalSettled(ctx, withdrawal.Id); err != nil {
				zap.L().Error("Failed to settle withdrawal",
					zap.String("withdrawal_id", withdrawal.Id),
					zap.Error(err))
				lastErr = err
			}
		case chain.TxStatusFailed:
			if err := e.store.FailWithdrawalRefund(ctx, withdrawal.Id); err != nil {
				zap.L().Error("Failed to refund failed withdrawal",
					zap.String("withdrawal_id", withdrawal.Id),
					zap.Error(err))
				lastErr = err
			}
		case chain.TxStatusPending:
			// Not final yet, check again next run.
		}
	}
	return lastErr
}
