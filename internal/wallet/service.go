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

package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/store"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Index 0 derives the operator wallet that funds withdrawals; deposit
// addresses start at index 1.
const operatorIndex = 0

const hardenedOffset = uint32(0x80000000)

// Service derives deposit keypairs deterministically from a single master
// seed along the Solana path m/44'/501'/index'/0'. The same seed and
// index always produce the same address, so keys never need to be stored.
type Service struct {
	masterSeed []byte
	store      store.LedgerStore
}

func NewService(cfg models.WalletConfig, ledger store.LedgerStore) (*Service, error) {
	if cfg.MasterSeedHex == "" {
		return nil, fmt.Errorf("wallet master seed cannot be empty")
	}
	seed, err := hex.DecodeString(cfg.MasterSeedHex)
	if err != nil {
		return nil, fmt.Errorf("wallet master seed is not valid hex: %w", err)
	}
	if len(seed) < 16 {
		return nil, fmt.Errorf("wallet master seed too short: %d bytes", len(seed))
	}

	return &Service{masterSeed: seed, store: ledger}, nil
}

// DeriveKeypair returns the keypair at a derivation index.
func (s *Service) DeriveKeypair(index int64) (solana.PrivateKey, error) {
	if index < 0 || uint32(index) >= hardenedOffset {
		return nil, fmt.Errorf("derivation index out of range: %d", index)
	}

	// SLIP-0010 ed25519: all path segments are hardened.
	key, chainCode := masterKey(s.masterSeed)
	for _, segment := range []uint32{44, 501, uint32(index), 0} {
		key, chainCode = deriveChild(key, chainCode, segment|hardenedOffset)
	}

	return solana.PrivateKey(ed25519.NewKeyFromSeed(key)), nil
}

// OperatorKeypair returns the operator wallet used to fund withdrawals.
func (s *Service) OperatorKeypair() (solana.PrivateKey, error) {
	return s.DeriveKeypair(operatorIndex)
}

// OperatorAddress returns the operator wallet's public address.
func (s *Service) OperatorAddress() (string, error) {
	keypair, err := s.OperatorKeypair()
	if err != nil {
		return "", err
	}
	return keypair.PublicKey().String(), nil
}

// CreateAddress derives the next deposit address in sequence and persists
// it to the pool.
func (s *Service) CreateAddress(ctx context.Context, currency models.Currency) (*models.Address, error) {
	maxIndex, err := s.store.MaxAddressIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to determine next derivation index: %w", err)
	}
	index := maxIndex + 1

	keypair, err := s.DeriveKeypair(index)
	if err != nil {
		return nil, err
	}

	address, err := s.store.InsertAddress(ctx, store.InsertAddressParams{
		Id:       uuid.New().String(),
		Address:  keypair.PublicKey().String(),
		Index:    index,
		Currency: currency,
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Derived new deposit address",
		zap.String("address", address.Address),
		zap.Int64("index", index))
	return address, nil
}

// KeypairFor re-derives the keypair controlling a pool address.
func (s *Service) KeypairFor(ctx context.Context, address string) (solana.PrivateKey, error) {
	record, err := s.store.GetAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	keypair, err := s.DeriveKeypair(record.Index)
	if err != nil {
		return nil, err
	}
	if keypair.PublicKey().String() != address {
		return nil, fmt.Errorf("derived key at index %d does not match address %s", record.Index, address)
	}
	return keypair, nil
}

func masterKey(seed []byte) (key, chainCode []byte) {
	mac := hmac.New(sha512.New, []byte("ed25519 seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}

func deriveChild(key, chainCode []byte, index uint32) (childKey, childChainCode []byte) {
	var indexBytes [4]byte
	binary.BigEndian.PutUint32(indexBytes[:], index)

	mac := hmac.New(sha512.New, chainCode)
	mac.Write([]byte{0x00})
	mac.Write(key)
	mac.Write(indexBytes[:])
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}
