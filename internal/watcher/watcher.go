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

package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"donation-gateway-go/internal/chain"
	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/store"

	"go.uber.org/zap"
)

// Completer finalizes a donation once a qualifying transfer is observed.
type Completer interface {
	Complete(ctx context.Context, donationId string, evidence store.DonationEvidence) error
}

// StartParams describes one donation watch.
type StartParams struct {
	DonationId     string
	Address        string
	Currency       models.Currency
	ExpectedAtomic int64
	// StartBalance is the address's on-chain balance captured when the
	// donation was created. The watch fires on balance - StartBalance.
	StartBalance int64
	CreatedAt    time.Time
	Deadline     time.Time
}

// Watcher runs one balance watch per reserved address. Each watch uses a
// push subscription when the chain client supports it and falls back to
// polling otherwise. A watch fires at most once, then stops itself.
type Watcher struct {
	chains       *chain.Registry
	completer    Completer
	pollInterval time.Duration
	// matchGrace extends the attribution window past the donation deadline
	// so a transfer that lands right at the boundary is still credited.
	matchGrace time.Duration

	mu     sync.Mutex
	active map[string]*watch
}

type watch struct {
	params   StartParams
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

func New(chains *chain.Registry, completer Completer, pollInterval, matchGrace time.Duration) *Watcher {
	return &Watcher{
		chains:       chains,
		completer:    completer,
		pollInterval: pollInterval,
		matchGrace:   matchGrace,
		active:       make(map[string]*watch),
	}
}

// Start begins watching an address for the donation's expected amount.
// One watch per address; starting a second one for the same address is an
// error.
func (w *Watcher) Start(ctx context.Context, params StartParams) error {
	client, err := w.chains.Get(params.Currency)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if _, exists := w.active[params.Address]; exists {
		w.mu.Unlock()
		return fmt.Errorf("address %s is already being watched", params.Address)
	}
	wa := &watch{
		params:   params,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	w.active[params.Address] = wa
	w.mu.Unlock()

	go w.run(ctx, client, wa)

	zap.L().Info("Started donation watch",
		zap.String("donation_id", params.DonationId),
		zap.String("address", params.Address),
		zap.Int64("expected_atomic", params.ExpectedAtomic),
		zap.Time("deadline", params.Deadline))
	return nil
}

// Cancel stops the watch on an address and waits for its goroutine to
// exit. Cancelling an unwatched address is a no-op, so the expiry sweep
// can cancel freely even when the watch already fired.
func (w *Watcher) Cancel(address string) {
	w.mu.Lock()
	wa, ok := w.active[address]
	w.mu.Unlock()
	if !ok {
		return
	}

	wa.stopOnce.Do(func() { close(wa.stopChan) })
	<-wa.doneChan

	w.mu.Lock()
	delete(w.active, address)
	w.mu.Unlock()

	zap.L().Info("Cancelled donation watch", zap.String("address", address))
}

// StopAll cancels every active watch. Used on shutdown.
func (w *Watcher) StopAll() {
	w.mu.Lock()
	addresses := make([]string, 0, len(w.active))
	for address := range w.active {
		addresses = append(addresses, address)
	}
	w.mu.Unlock()

	for _, address := range addresses {
		w.Cancel(address)
	}
}

// ActiveCount returns the number of running watches.
func (w *Watcher) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

func (w *Watcher) run(ctx context.Context, client chain.Client, wa *watch) {
	defer close(wa.doneChan)
	defer func() {
		w.mu.Lock()
		delete(w.active, wa.params.Address)
		w.mu.Unlock()
	}()

	if subscriber, ok := client.(chain.Subscriber); ok {
		if w.runPush(ctx, client, subscriber, wa) {
			return
		}
		zap.L().Warn("Push subscription unavailable, polling instead",
			zap.String("address", wa.params.Address))
	}
	w.runPoll(ctx, client, wa)
}

// runPush watches via a balance subscription. Returns false when the
// subscription could not be established so the caller can fall back to
// polling.
func (w *Watcher) runPush(ctx context.Context, client chain.Client, subscriber chain.Subscriber, wa *watch) bool {
	sub, err := subscriber.SubscribeBalance(ctx, wa.params.Address)
	if err != nil {
		return false
	}
	defer sub.Unsubscribe()

	// The transfer may have landed before the subscription was live.
	if done := w.check(ctx, client, wa); done {
		return true
	}

	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	notifications := make(chan int64, 1)
	go func() {
		defer close(notifications)
		for {
			balance, err := sub.Recv(recvCtx)
			if err != nil {
				return
			}
			select {
			case notifications <- balance:
			case <-recvCtx.Done():
				return
			}
		}
	}()

	deadline := time.NewTimer(time.Until(wa.params.Deadline.Add(w.matchGrace)))
	defer deadline.Stop()

	for {
		select {
		case balance, ok := <-notifications:
			if !ok {
				// Subscription dropped, keep watching by polling.
				w.runPoll(ctx, client, wa)
				return true
			}
			if balance-wa.params.StartBalance >= wa.params.ExpectedAtomic {
				w.fire(ctx, client, wa, balance-wa.params.StartBalance)
				return true
			}
		case <-deadline.C:
			return true
		case <-wa.stopChan:
			return true
		case <-ctx.Done():
			return true
		}
	}
}

func (w *Watcher) runPoll(ctx context.Context, client chain.Client, wa *watch) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(time.Until(wa.params.Deadline.Add(w.matchGrace)))
	defer deadline.Stop()

	if done := w.check(ctx, client, wa); done {
		return
	}

	for {
		select {
		case <-ticker.C:
			if done := w.check(ctx, client, wa); done {
				return
			}
		case <-deadline.C:
			return
		case <-wa.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// check reads the current balance and fires the watch when the delta
// since the donation started covers the expected amount. Returns true
// when the watch is finished.
func (w *Watcher) check(ctx context.Context, client chain.Client, wa *watch) bool {
	balance, err := client.GetBalance(ctx, wa.params.Address)
	if err != nil {
		zap.L().Warn("Failed to read balance",
			zap.String("address", wa.params.Address),
			zap.Error(err))
		return false
	}

	delta := balance - wa.params.StartBalance
	if delta < wa.params.ExpectedAtomic {
		return false
	}

	w.fire(ctx, client, wa, delta)
	return true
}

// fire attributes the balance delta to a transaction and completes the
// donation. Completion is idempotent at the store level, so a concurrent
// expiry or double notification cannot double-credit.
func (w *Watcher) fire(ctx context.Context, client chain.Client, wa *watch, delta int64) {
	evidence := store.DonationEvidence{ObservedAtomic: delta}

	if transfer := w.attribute(ctx, client, wa); transfer != nil {
		evidence.TransactionHash = transfer.Hash
		evidence.TransactionSender = transfer.Sender
	}

	err := w.completer.Complete(ctx, wa.params.DonationId, evidence)
	if err != nil {
		if errors.Is(err, store.ErrNotPending) || errors.Is(err, store.ErrDonationNotFound) {
			// Someone else resolved the donation first.
			zap.L().Debug("Donation already resolved",
				zap.String("donation_id", wa.params.DonationId),
				zap.Error(err))
			return
		}
		zap.L().Error("Failed to complete donation",
			zap.String("donation_id", wa.params.DonationId),
			zap.String("address", wa.params.Address),
			zap.Error(err))
		return
	}

	zap.L().Info("Donation watch fired",
		zap.String("donation_id", wa.params.DonationId),
		zap.String("address", wa.params.Address),
		zap.Int64("observed_atomic", delta),
		zap.String("transaction_hash", evidence.TransactionHash))
}

// attribute picks the transaction most likely responsible for the balance
// delta: the largest inbound transfer inside the donation window, the
// earliest when several tie. Nil when no individual transaction can be
// identified; the donation still completes on the balance diff alone.
func (w *Watcher) attribute(ctx context.Context, client chain.Client, wa *watch) *chain.Transfer {
	transfers, err := client.GetTransfersTo(ctx, wa.params.Address, wa.params.CreatedAt)
	if err != nil {
		zap.L().Warn("Failed to fetch transfers for attribution",
			zap.String("address", wa.params.Address),
			zap.Error(err))
		return nil
	}

	windowEnd := wa.params.Deadline.Add(w.matchGrace)
	var best *chain.Transfer
	for i := range transfers {
		t := &transfers[i]
		if !t.BlockTime.IsZero() {
			if t.BlockTime.Before(wa.params.CreatedAt) || t.BlockTime.After(windowEnd) {
				continue
			}
		}
		if best == nil || t.Amount > best.Amount {
			best = t
			continue
		}
		// Equal amounts: the earliest dated transfer wins; a transfer
		// with no block time never displaces a dated one.
		if t.Amount == best.Amount && !t.BlockTime.IsZero() &&
			(best.BlockTime.IsZero() || t.BlockTime.Before(best.BlockTime)) {
			best = t
		}
	}
	return best
}
