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
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"go.uber.org/zap"
)

const signaturePageSize = 100

// SolanaClient implements Client against a Solana RPC endpoint. When a
// websocket endpoint is configured it also implements Subscriber.
type SolanaClient struct {
	rpc      *rpc.Client
	ws       *ws.Client
	endpoint string
}

var _ Client = (*SolanaClient)(nil)

// NewSolanaClient connects to the given RPC endpoint. wsEndpoint may be
// empty, in which case watchers fall back to polling.
func NewSolanaClient(ctx context.Context, endpoint, wsEndpoint string) (*SolanaClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("solana rpc endpoint cannot be empty")
	}

	client := &SolanaClient{
		rpc:      rpc.New(endpoint),
		endpoint: endpoint,
	}

	if wsEndpoint != "" {
		wsClient, err := ws.Connect(ctx, wsEndpoint)
		if err != nil {
			// Polling still works without the socket.
			zap.L().Warn("Failed to connect Solana websocket, falling back to polling",
				zap.String("ws_endpoint", wsEndpoint),
				zap.Error(err))
		} else {
			client.ws = wsClient
			zap.L().Info("Connected Solana websocket", zap.String("ws_endpoint", wsEndpoint))
		}
	}

	return client, nil
}

func (c *SolanaClient) Close() {
	if c.ws != nil {
		c.ws.Close()
	}
}

// GetBalance returns the confirmed lamport balance of an address.
func (c *SolanaClient) GetBalance(ctx context.Context, address string) (int64, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("invalid solana address %s: %w", address, err)
	}

	result, err := c.rpc.GetBalance(ctx, pubkey, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("%w: getBalance: %v", ErrUnavailable, err)
	}
	return int64(result.Value), nil
}

// GetTransfersTo walks the address's signature history newest-first and
// returns inbound native transfers with a block time at or after since.
func (c *SolanaClient) GetTransfersTo(ctx context.Context, address string, since time.Time) ([]Transfer, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid solana address %s: %w", address, err)
	}

	var transfers []Transfer
	var before solana.Signature
	limit := signaturePageSize

	for {
		opts := &rpc.GetSignaturesForAddressOpts{Limit: &limit}
		if !before.IsZero() {
			opts.Before = before
		}

		signatures, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, pubkey, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: getSignaturesForAddress: %v", ErrUnavailable, err)
		}
		if len(signatures) == 0 {
			break
		}

		reachedSince := false
		for _, sigInfo := range signatures {
			if sigInfo.Err != nil {
				continue
			}
			if sigInfo.BlockTime != nil && sigInfo.BlockTime.Time().Before(since) {
				reachedSince = true
				break
			}

			transfer, err := c.inboundTransfer(ctx, sigInfo.Signature, pubkey)
			if err != nil {
				zap.L().Warn("Failed to inspect transaction",
					zap.String("signature", sigInfo.Signature.String()),
					zap.Error(err))
				continue
			}
			if transfer != nil {
				transfers = append(transfers, *transfer)
			}
		}
		if reachedSince || len(signatures) < limit {
			break
		}
		before = signatures[len(signatures)-1].Signature
	}

	return transfers, nil
}

// inboundTransfer resolves a signature to an inbound transfer by diffing
// the address's pre/post lamport balances. Returns nil when the
// transaction did not increase the address's balance.
func (c *SolanaClient) inboundTransfer(ctx context.Context, signature solana.Signature, address solana.PublicKey) (*Transfer, error) {
	result, err := c.rpc.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
		Encoding: solana.EncodingBase64,
	})
	if err != nil {
		return nil, fmt.Errorf("getTransaction: %w", err)
	}
	if result == nil || result.Meta == nil {
		return nil, nil
	}

	decoded, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	accountIndex := -1
	for i, key := range decoded.Message.AccountKeys {
		if key.Equals(address) {
			accountIndex = i
			break
		}
	}
	if accountIndex < 0 ||
		accountIndex >= len(result.Meta.PreBalances) ||
		accountIndex >= len(result.Meta.PostBalances) {
		return nil, nil
	}

	delta := int64(result.Meta.PostBalances[accountIndex]) - int64(result.Meta.PreBalances[accountIndex])
	if delta <= 0 {
		return nil, nil
	}

	transfer := &Transfer{
		Hash:   signature.String(),
		Amount: delta,
	}
	// The fee payer is the first account key and for simple transfers the
	// sender of the funds.
	if len(decoded.Message.AccountKeys) > 0 {
		transfer.Sender = decoded.Message.AccountKeys[0].String()
	}
	if result.BlockTime != nil {
		transfer.BlockTime = result.BlockTime.Time()
	}
	return transfer, nil
}

// Broadcast signs and submits a native SOL transfer from the given key.
func (c *SolanaClient) Broadcast(ctx context.Context, from ed25519.PrivateKey, to string, amountAtomic int64) (string, error) {
	if amountAtomic <= 0 {
		return "", fmt.Errorf("%w: non-positive amount %d", ErrBroadcastFailed, amountAtomic)
	}

	signer := solana.PrivateKey(from)
	fromPubkey := signer.PublicKey()
	toPubkey, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("invalid destination address %s: %w", to, err)
	}

	blockhash, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("%w: getLatestBlockhash: %v", ErrUnavailable, err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(uint64(amountAtomic), fromPubkey, toPubkey).Build(),
		},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(fromPubkey),
	)
	if err != nil {
		return "", fmt.Errorf("%w: build transaction: %v", ErrBroadcastFailed, err)
	}

	if _, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(fromPubkey) {
			return &signer
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("%w: sign transaction: %v", ErrBroadcastFailed, err)
	}

	signature, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", fmt.Errorf("%w: sendTransaction: %v", ErrBroadcastFailed, err)
	}

	zap.L().Info("Broadcast transfer",
		zap.String("from", fromPubkey.String()),
		zap.String("to", to),
		zap.Int64("amount_atomic", amountAtomic),
		zap.String("signature", signature.String()))
	return signature.String(), nil
}

// GetTransactionStatus reports the finality of a broadcast transaction.
func (c *SolanaClient) GetTransactionStatus(ctx context.Context, hash string) (TxStatus, error) {
	signature, err := solana.SignatureFromBase58(hash)
	if err != nil {
		return TxStatusPending, fmt.Errorf("invalid signature %s: %w", hash, err)
	}

	result, err := c.rpc.GetSignatureStatuses(ctx, true, signature)
	if err != nil {
		return TxStatusPending, fmt.Errorf("%w: getSignatureStatuses: %v", ErrUnavailable, err)
	}
	if result == nil || len(result.Value) == 0 || result.Value[0] == nil {
		return TxStatusPending, nil
	}

	status := result.Value[0]
	if status.Err != nil {
		return TxStatusFailed, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return TxStatusSuccess, nil
	default:
		return TxStatusPending, nil
	}
}

// SubscribeBalance streams lamport balance updates for an address over
// the websocket. Only available when a ws endpoint was configured.
func (c *SolanaClient) SubscribeBalance(ctx context.Context, address string) (BalanceSubscription, error) {
	if c.ws == nil {
		return nil, fmt.Errorf("%w: no websocket endpoint configured", ErrUnavailable)
	}

	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid solana address %s: %w", address, err)
	}

	sub, err := c.ws.AccountSubscribeWithOpts(pubkey, rpc.CommitmentConfirmed, solana.EncodingBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: accountSubscribe: %v", ErrUnavailable, err)
	}

	return &solanaBalanceSubscription{sub: sub}, nil
}

type solanaBalanceSubscription struct {
	sub *ws.AccountSubscription
}

func (s *solanaBalanceSubscription) Recv(ctx context.Context) (int64, error) {
	result, err := s.sub.Recv(ctx)
	if err != nil {
		return 0, err
	}
	if result == nil {
		return 0, fmt.Errorf("empty account notification")
	}
	return int64(result.Value.Lamports), nil
}

func (s *solanaBalanceSubscription) Unsubscribe() {
	s.sub.Unsubscribe()
}
