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

const (
	// Streamer queries
	queryGetStreamerByUsername = `
		SELECT id, username, created_at
		FROM streamers
		WHERE username = ?`

	queryInsertStreamer = `
		INSERT INTO streamers (id, username)
		VALUES (?, ?)
		RETURNING id, username, created_at`

	// Address queries
	queryInsertAddress = `
		INSERT INTO addresses (id, address, idx, currency)
		VALUES (?, ?, ?, ?)
		RETURNING id, address, idx, currency, locked_until, created_at`

	queryGetAddress = `
		SELECT id, address, idx, currency, locked_until, created_at
		FROM addresses
		WHERE address = ?`

	queryListAddresses = `
		SELECT id, address, idx, currency, locked_until, created_at
		FROM addresses
		WHERE currency = ?
		ORDER BY idx`

	queryListLockedAddresses = `
		SELECT id, address, idx, currency, locked_until, created_at
		FROM addresses
		WHERE locked_until IS NOT NULL AND locked_until > ?
		ORDER BY idx`

	queryMaxAddressIndex = `
		SELECT COALESCE(MAX(idx), 0) FROM addresses`

	// The lock is a compare-and-set: the UPDATE only lands when the address
	// is free or its previous lock has elapsed. Rows affected 0 means a
	// concurrent allocator won.
	queryTryLockAddress = `
		UPDATE addresses
		SET locked_until = ?
		WHERE id = ? AND (locked_until IS NULL OR locked_until < ?)`

	queryReleaseAddress = `
		UPDATE addresses
		SET locked_until = NULL
		WHERE address = ?`

	queryReleaseAddressById = `
		UPDATE addresses
		SET locked_until = NULL
		WHERE id = ?`

	// Donation queries
	queryInsertDonation = `
		INSERT INTO donations (
			id, streamer_id, address_id, message, name, currency,
			amount_atomic, amount_float, amount_usd, start_balance_atomic,
			status, pending_until
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetDonation = `
		SELECT id, streamer_id, address_id, message, name, currency,
		       amount_atomic, amount_float, amount_usd, start_balance_atomic,
		       status, pending_until, transaction_hash, transaction_sender,
		       transaction_sender_domain_name, created_at, updated_at
		FROM donations
		WHERE id = ?`

	queryFindPendingDonationByAddress = `
		SELECT d.id, d.streamer_id, d.address_id, d.message, d.name, d.currency,
		       d.amount_atomic, d.amount_float, d.amount_usd, d.start_balance_atomic,
		       d.status, d.pending_until, d.transaction_hash, d.transaction_sender,
		       d.transaction_sender_domain_name, d.created_at, d.updated_at
		FROM donations d
		JOIN addresses a ON a.id = d.address_id
		WHERE a.address = ? AND d.status = 'PENDING' AND d.pending_until >= ?
		ORDER BY d.created_at DESC
		LIMIT 1`

	queryCompleteDonation = `
		UPDATE donations
		SET status = 'COMPLETED',
		    transaction_hash = ?,
		    transaction_sender = ?,
		    transaction_sender_domain_name = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	queryListExpiredPending = `
		SELECT d.id, d.streamer_id, a.address, d.currency
		FROM donations d
		JOIN addresses a ON a.id = d.address_id
		WHERE d.status = 'PENDING' AND d.pending_until < ?`

	queryFailDonation = `
		UPDATE donations
		SET status = 'FAILED', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'PENDING'`

	queryListCompletedSince = `
		SELECT id, streamer_id, address_id, message, name, currency,
		       amount_atomic, amount_float, amount_usd, start_balance_atomic,
		       status, pending_until, transaction_hash, transaction_sender,
		       transaction_sender_domain_name, created_at, updated_at
		FROM donations
		WHERE streamer_id = ? AND status = 'COMPLETED' AND updated_at > ?
		ORDER BY created_at DESC`

	// Balance queries
	queryGetBalance = `
		SELECT id, streamer_id, currency, balance, pending, updated_at
		FROM streamer_balances
		WHERE streamer_id = ? AND currency = ?`

	queryInsertBalance = `
		INSERT INTO streamer_balances (id, streamer_id, currency, balance, pending)
		VALUES (?, ?, ?, ?, ?)`

	queryCreditBalance = `
		UPDATE streamer_balances
		SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP
		WHERE streamer_id = ? AND currency = ?`

	queryHoldBalance = `
		UPDATE streamer_balances
		SET balance = balance - ?, pending = pending + ?, updated_at = CURRENT_TIMESTAMP
		WHERE streamer_id = ? AND currency = ? AND balance >= ?`

	queryRefundHold = `
		UPDATE streamer_balances
		SET balance = balance + ?, pending = pending - ?, updated_at = CURRENT_TIMESTAMP
		WHERE streamer_id = ? AND currency = ?`

	queryResetPending = `
		UPDATE streamer_balances
		SET pending = 0, updated_at = CURRENT_TIMESTAMP
		WHERE streamer_id = ? AND currency = ?`

	// Withdrawal queries
	queryInsertWithdrawal = `
		INSERT INTO streamer_withdrawals (id, streamer_id, currency, amount_float, amount_atomic, address)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryGetWithdrawal = `
		SELECT id, streamer_id, currency, amount_float, amount_atomic, address,
		       status, transaction_hash, created_at, updated_at
		FROM streamer_withdrawals
		WHERE id = ?`

	queryListWithdrawalsByStatus = `
		SELECT id, streamer_id, currency, amount_float, amount_atomic, address,
		       status, transaction_hash, created_at, updated_at
		FROM streamer_withdrawals
		WHERE status = ?
		ORDER BY created_at`

	queryCountWithdrawalsInFlight = `
		SELECT COUNT(*)
		FROM streamer_withdrawals
		WHERE streamer_id = ? AND currency = ? AND status IN ('PENDING', 'SENT')`

	queryMarkWithdrawalSent = `
		UPDATE streamer_withdrawals
		SET status = 'SENT', transaction_hash = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'PENDING'`

	queryUpdateWithdrawalStatus = `
		UPDATE streamer_withdrawals
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`
)
