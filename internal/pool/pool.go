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

package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/store"
	"donation-gateway-go/internal/wallet"

	"go.uber.org/zap"
)

// growRetries bounds the races when the pool has to grow: a competing
// allocator can claim our derivation index first, or lock our freshly
// inserted address before we do.
const growRetries = 3

// Pool hands out exclusive deposit addresses. Exclusivity comes from the
// store's conditional lock update, so any number of Pool instances across
// processes can allocate against the same database safely.
type Pool struct {
	store  store.LedgerStore
	wallet *wallet.Service
}

func New(ledger store.LedgerStore, walletService *wallet.Service) *Pool {
	return &Pool{store: ledger, wallet: walletService}
}

// Allocate reserves a free address for the given currency until the lock
// deadline. When every pooled address is validly locked, the pool grows
// by deriving the next address in sequence.
func (p *Pool) Allocate(ctx context.Context, currency models.Currency, until time.Time) (*models.Address, error) {
	now := time.Now()

	addresses, err := p.store.ListAddresses(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to list pool: %w", err)
	}

	for i := range addresses {
		addr := &addresses[i]
		if !addr.Free(now) {
			continue
		}
		locked, err := p.store.TryLockAddress(ctx, addr.Id, until)
		if err != nil {
			return nil, err
		}
		if locked {
			zap.L().Info("Allocated pool address",
				zap.String("address", addr.Address),
				zap.Int64("index", addr.Index),
				zap.Time("locked_until", until))
			return addr, nil
		}
		// Lost the race for this address, try the next free one.
	}

	for attempt := 0; attempt < growRetries; attempt++ {
		addr, err := p.wallet.CreateAddress(ctx, currency)
		if err != nil {
			// A competing allocator grew the pool at the same index; the
			// next attempt re-reads the max index and derives past it.
			if errors.Is(err, store.ErrConcurrentModification) {
				continue
			}
			return nil, fmt.Errorf("failed to grow pool: %w", err)
		}
		locked, err := p.store.TryLockAddress(ctx, addr.Id, until)
		if err != nil {
			return nil, err
		}
		if locked {
			zap.L().Info("Grew pool with new address",
				zap.String("address", addr.Address),
				zap.Int64("index", addr.Index))
			return addr, nil
		}
	}

	return nil, store.ErrNoFreeAddress
}

// Release returns an address to the pool. Releasing an already free
// address is a no-op.
func (p *Pool) Release(ctx context.Context, address string) error {
	return p.store.ReleaseAddress(ctx, address)
}
