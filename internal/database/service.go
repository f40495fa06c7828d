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

package database

import (
	"context"
	"database/sql"
	"fmt"

	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.LedgerStore.
var _ store.LedgerStore = (*Service)(nil)

type Service struct {
	db *sql.DB
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			zap.L().Warn("Failed to close database after ping failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db}
	if err := service.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			zap.L().Warn("Failed to close database after schema failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) initSchema() error {
	schema := `
	-- Donation recipients
	CREATE TABLE IF NOT EXISTS streamers (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_streamers_username ON streamers(username);

	-- Deposit address pool. idx is the derivation index; locked_until NULL
	-- means the address is free for allocation.
	CREATE TABLE IF NOT EXISTS addresses (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL UNIQUE,
		idx INTEGER NOT NULL UNIQUE,
		currency TEXT NOT NULL,
		locked_until TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_addresses_currency ON addresses(currency);
	CREATE INDEX IF NOT EXISTS idx_addresses_locked_until ON addresses(locked_until);

	-- Donation attempts
	CREATE TABLE IF NOT EXISTS donations (
		id TEXT PRIMARY KEY,
		streamer_id TEXT NOT NULL REFERENCES streamers(id),
		address_id TEXT NOT NULL REFERENCES addresses(id),
		message TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL,
		amount_atomic INTEGER NOT NULL,
		amount_float TEXT NOT NULL,
		amount_usd INTEGER NOT NULL DEFAULT 0,
		start_balance_atomic INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'PENDING',
		pending_until TIMESTAMP NOT NULL,
		transaction_hash TEXT,
		transaction_sender TEXT,
		transaction_sender_domain_name TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_donations_streamer ON donations(streamer_id);
	CREATE INDEX IF NOT EXISTS idx_donations_status ON donations(status);
	CREATE INDEX IF NOT EXISTS idx_donations_pending_until ON donations(pending_until);
	CREATE INDEX IF NOT EXISTS idx_donations_address ON donations(address_id);

	-- Ledger per (streamer, currency), atomic units
	CREATE TABLE IF NOT EXISTS streamer_balances (
		id TEXT PRIMARY KEY,
		streamer_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0,
		pending INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(streamer_id, currency)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_balances_streamer_currency ON streamer_balances(streamer_id, currency);

	-- Payout requests
	CREATE TABLE IF NOT EXISTS streamer_withdrawals (
		id TEXT PRIMARY KEY,
		streamer_id TEXT NOT NULL REFERENCES streamers(id),
		currency TEXT NOT NULL,
		amount_float TEXT NOT NULL,
		amount_atomic INTEGER NOT NULL,
		address TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		transaction_hash TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON streamer_withdrawals(status);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_streamer ON streamer_withdrawals(streamer_id);
	`

	_, err := s.db.Exec(schema)
	return err
}
