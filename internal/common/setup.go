package common

import (
	"context"
	"log"
	"strings"

	"donation-gateway-go/internal/chain"
	"donation-gateway-go/internal/database"
	"donation-gateway-go/internal/gateway"
	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/pool"
	"donation-gateway-go/internal/reconcile"
	"donation-gateway-go/internal/settle"
	"donation-gateway-go/internal/wallet"
	"donation-gateway-go/internal/watcher"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can also be set via shell export, docker, etc.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
	}
}

type Services struct {
	DbService      *database.Service
	WalletService  *wallet.Service
	Chains         *chain.Registry
	Watcher        *watcher.Watcher
	Reconciler     *reconcile.Engine
	Settler        *settle.Engine
	GatewayService *gateway.Service
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	walletService, err := wallet.NewService(cfg.Wallet, dbService)
	if err != nil {
		dbService.Close()
		return nil, err
	}

	zap.L().Info("Loading chain network configuration", zap.String("file", cfg.Chain.NetworksFile))
	networks, err := LoadNetworkConfig(cfg.Chain.NetworksFile)
	if err != nil {
		dbService.Close()
		return nil, err
	}

	chains := chain.NewRegistry()
	for _, network := range networks {
		client, err := chain.NewSolanaClient(ctx, network.RPCEndpoint, network.WSEndpoint)
		if err != nil {
			chains.Close()
			dbService.Close()
			return nil, err
		}
		chains.Register(models.Currency(network.Currency), client)
		zap.L().Info("Registered chain client",
			zap.String("currency", network.Currency),
			zap.String("rpc_endpoint", network.RPCEndpoint))
	}

	var resolver chain.DomainResolver = chain.NoopResolver{}
	if cfg.Chain.SNSEndpoint != "" {
		resolver = chain.NewSNSResolver(cfg.Chain.SNSEndpoint)
	}

	addressPool := pool.New(dbService, walletService)
	settler := settle.New(dbService, walletService, chains)

	// The reconciler completes donations, the watcher detects them; the
	// watcher reports into the reconciler and the reconciler cancels
	// watches when donations expire.
	reconciler := reconcile.New(dbService, nil, resolver)
	watchers := watcher.New(chains, reconciler, cfg.Donation.PollInterval, cfg.Donation.MatchGrace)
	reconciler.SetWatchers(watchers)

	gatewayService := gateway.NewService(dbService, addressPool, chains, watchers, settler, cfg.Donation)

	return &Services{
		DbService:      dbService,
		WalletService:  walletService,
		Chains:         chains,
		Watcher:        watchers,
		Reconciler:     reconciler,
		Settler:        settler,
		GatewayService: gatewayService,
	}, nil
}

// InitializeDatabaseOnly initializes just the database service.
// Useful for read-only operations like inspecting the address pool.
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

func (cs *Services) Close() {
	if cs.Watcher != nil {
		cs.Watcher.StopAll()
	}
	if cs.Chains != nil {
		cs.Chains.Close()
	}
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
