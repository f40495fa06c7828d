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

package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"donation-gateway-go/internal/chain"
	"donation-gateway-go/internal/common"
	"donation-gateway-go/internal/config"
	"donation-gateway-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const listingWidth = 100

func printBanner(text string) {
	rule := strings.Repeat("=", listingWidth)
	fmt.Println("\n" + rule)
	fmt.Println(text)
	fmt.Println(rule)
}

func rowPrefix(isLast bool) string {
	if isLast {
		return "└  "
	}
	return "│  "
}

func lockState(addr models.Address, now time.Time) string {
	if addr.Free(now) {
		return "free"
	}
	return fmt.Sprintf("locked until %s", addr.LockedUntil.Format(time.RFC3339))
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	currencyFlag := flag.String("currency", string(models.CurrencySOL), "Currency pool to list")
	balancesFlag := flag.Bool("balances", false, "Also fetch on-chain balances (needs RPC access)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	currency := models.Currency(*currencyFlag)
	addresses, err := dbService.ListAddresses(ctx, currency)
	if err != nil {
		logger.Fatal("Failed to list addresses", zap.Error(err))
	}

	var client chain.Client
	if *balancesFlag {
		networks, err := common.LoadNetworkConfig(cfg.Chain.NetworksFile)
		if err != nil {
			logger.Fatal("Failed to load networks file", zap.Error(err))
		}
		for _, network := range networks {
			if network.Currency == string(currency) {
				client, err = chain.NewSolanaClient(ctx, network.RPCEndpoint, "")
				if err != nil {
					logger.Fatal("Failed to connect chain client", zap.Error(err))
				}
				break
			}
		}
		if client == nil {
			logger.Fatal("No network configured for currency", zap.String("currency", string(currency)))
		}
	}

	printBanner(fmt.Sprintf("DEPOSIT ADDRESS POOL (%s)", currency))

	now := time.Now()
	locked := 0
	for i, addr := range addresses {
		if !addr.Free(now) {
			locked++
		}

		line := fmt.Sprintf("%s#%-4d %s  [%s]", rowPrefix(i == len(addresses)-1), addr.Index, addr.Address, lockState(addr, now))
		if client != nil {
			balance, err := client.GetBalance(ctx, addr.Address)
			if err != nil {
				line += "  balance: ?"
				logger.Warn("Failed to fetch balance", zap.String("address", addr.Address), zap.Error(err))
			} else {
				display := decimal.NewFromInt(balance).Shift(-currency.Decimals())
				line += fmt.Sprintf("  balance: %s %s", display.String(), currency)
			}
		}
		fmt.Println(line)
	}

	printBanner(fmt.Sprintf("SUMMARY: %d addresses (%d locked, %d free)", len(addresses), locked, len(addresses)-locked))

	logger.Info("Address pool query completed",
		zap.Int("total", len(addresses)),
		zap.Int("locked", locked))
}
