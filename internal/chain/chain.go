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

package chain

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"donation-gateway-go/internal/models"
)

var (
	ErrUnsupportedCurrency = errors.New("no chain client for currency")
	ErrBroadcastFailed     = errors.New("transaction broadcast failed")
	ErrUnavailable         = errors.New("chain endpoint unavailable")
)

// Transfer is an inbound payment observed on chain.
type Transfer struct {
	Hash      string
	Sender    string
	Amount    int64
	BlockTime time.Time
}

// TxStatus is the observed finality state of a broadcast transaction.
type TxStatus int

const (
	TxStatusPending TxStatus = iota
	TxStatusSuccess
	TxStatusFailed
)

// Client is the read/write surface the gateway needs from a chain. All
// amounts are in the currency's atomic unit.
type Client interface {
	// GetBalance returns the confirmed balance of an address.
	GetBalance(ctx context.Context, address string) (int64, error)
	// GetTransfersTo returns inbound transfers to an address with a block
	// time at or after since, newest first.
	GetTransfersTo(ctx context.Context, address string, since time.Time) ([]Transfer, error)
	// Broadcast signs and submits a native transfer, returning its hash.
	Broadcast(ctx context.Context, from ed25519.PrivateKey, to string, amountAtomic int64) (string, error)
	// GetTransactionStatus reports the finality of a broadcast transaction.
	GetTransactionStatus(ctx context.Context, hash string) (TxStatus, error)
}

// BalanceSubscription delivers balance updates for a single address.
type BalanceSubscription interface {
	// Recv blocks until the next balance notification or context cancel.
	Recv(ctx context.Context) (int64, error)
	Unsubscribe()
}

// Subscriber is the optional push interface. Watchers type-assert for it
// and fall back to polling when the client cannot stream.
type Subscriber interface {
	SubscribeBalance(ctx context.Context, address string) (BalanceSubscription, error)
}

// Registry holds one client per supported currency.
type Registry struct {
	clients map[models.Currency]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[models.Currency]Client)}
}

func (r *Registry) Register(currency models.Currency, client Client) {
	r.clients[currency] = client
}

func (r *Registry) Get(currency models.Currency) (Client, error) {
	client, ok := r.clients[currency]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	return client, nil
}

func (r *Registry) Close() {
	for _, client := range r.clients {
		if closer, ok := client.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}
