package models

import "time"

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig
	Wallet     WalletConfig
	Chain      ChainConfig
	Donation   DonationConfig
	Settlement SettlementConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// WalletConfig holds key-derivation settings
type WalletConfig struct {
	// MasterSeedHex is the hex-encoded master secret every deposit
	// address is derived from. It must never change once addresses exist.
	MasterSeedHex string
}

// ChainConfig holds chain client settings
type ChainConfig struct {
	NetworksFile string
	// SNSEndpoint is the Solana Name Service API used for best-effort
	// sender domain enrichment. Empty disables the lookup.
	SNSEndpoint string
}

// DonationConfig holds donation window and watcher settings
type DonationConfig struct {
	Window         time.Duration
	PollInterval   time.Duration
	MatchGrace     time.Duration
	ExpireSchedule string
}

// SettlementConfig holds withdrawal reconciliation settings
type SettlementConfig struct {
	ReconcileSchedule string
}
