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

package reconcile

import (
	"context"
	"time"

	"donation-gateway-go/internal/chain"
	"donation-gateway-go/internal/store"

	"go.uber.org/zap"
)

// WatcherRegistry is the subset of the watcher the engine needs: stale
// watches are cancelled after their donations expire.
type WatcherRegistry interface {
	Cancel(address string)
}

// Engine finalizes donation outcomes. Completion is a single ledger
// transaction (credit balance, release address, mark COMPLETED), so a
// crash either applies all of it or none of it.
type Engine struct {
	store    store.LedgerStore
	watchers WatcherRegistry
	resolver chain.DomainResolver
}

func New(ledger store.LedgerStore, watchers WatcherRegistry, resolver chain.DomainResolver) *Engine {
	if resolver == nil {
		resolver = chain.NoopResolver{}
	}
	return &Engine{store: ledger, watchers: watchers, resolver: resolver}
}

// SetWatchers wires the watcher registry after construction. The watcher
// needs the engine as its completer, so one of the two is always built
// first.
func (e *Engine) SetWatchers(watchers WatcherRegistry) {
	e.watchers = watchers
}

// Complete credits a donation from watch evidence. The sender's domain
// name is looked up best-effort before the ledger transaction; a failed
// lookup never blocks completion.
func (e *Engine) Complete(ctx context.Context, donationId string, evidence store.DonationEvidence) error {
	var domainName string
	if evidence.TransactionSender != "" {
		name, err := e.resolver.ResolveDomain(ctx, evidence.TransactionSender)
		if err != nil {
			zap.L().Debug("Sender domain lookup failed",
				zap.String("sender", evidence.TransactionSender),
				zap.Error(err))
		} else {
			domainName = name
		}
	}

	return e.store.CompleteDonation(ctx, store.CompleteDonationParams{
		DonationId:                  donationId,
		TransactionHash:             evidence.TransactionHash,
		TransactionSender:           evidence.TransactionSender,
		TransactionSenderDomainName: domainName,
		ObservedAtomic:              evidence.ObservedAtomic,
	})
}

// ExpireStale fails every pending donation whose window has elapsed,
// releases the addresses and cancels the matching watchers. Run on a
// schedule.
func (e *Engine) ExpireStale(ctx context.Context) error {
	expired, err := e.store.ExpireDonations(ctx, time.Now())
	if err != nil {
		zap.L().Error("Failed to expire stale donations", zap.Error(err))
		return err
	}

	for _, donation := range expired {
		if e.watchers != nil {
			e.watchers.Cancel(donation.Address)
		}
		zap.L().Info("Expired donation",
			zap.String("donation_id", donation.DonationId),
			zap.String("streamer_id", donation.StreamerId),
			zap.String("address", donation.Address))
	}
	return nil
}
