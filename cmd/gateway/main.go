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
	"os"
	"os/signal"
	"syscall"
	"time"

	"donation-gateway-go/internal/common"
	"donation-gateway-go/internal/config"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {
	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting donation gateway")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	// Re-attach watches to donations that were in flight when the last
	// process stopped.
	if err := services.GatewayService.ResumeWatchers(ctx); err != nil {
		zap.L().Fatal("Failed to resume donation watches", zap.Error(err))
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Donation.ExpireSchedule, func() {
		if err := services.Reconciler.ExpireStale(ctx); err != nil {
			zap.L().Error("Donation expiry sweep failed", zap.Error(err))
		}
	}); err != nil {
		zap.L().Fatal("Failed to schedule donation expiry sweep", zap.Error(err))
	}
	if _, err := scheduler.AddFunc(cfg.Settlement.ReconcileSchedule, func() {
		if err := services.Settler.Reconcile(ctx); err != nil {
			zap.L().Error("Withdrawal reconciliation failed", zap.Error(err))
		}
	}); err != nil {
		zap.L().Fatal("Failed to schedule withdrawal reconciliation", zap.Error(err))
	}
	scheduler.Start()

	zap.L().Info("Donation gateway running",
		zap.String("expire_schedule", cfg.Donation.ExpireSchedule),
		zap.String("settle_schedule", cfg.Settlement.ReconcileSchedule),
		zap.Int("active_watches", services.Watcher.ActiveCount()))
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		stopCtx := scheduler.Stop()
		<-stopCtx.Done()
		services.Watcher.StopAll()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("Donation gateway stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}
