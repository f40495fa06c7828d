package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"donation-gateway-go/internal/models"
	"donation-gateway-go/internal/store"

	"go.uber.org/zap"
)

// GetStreamerByUsername returns the streamer record for a username.
func (s *Service) GetStreamerByUsername(ctx context.Context, username string) (*models.Streamer, error) {
	var streamer models.Streamer
	err := s.db.QueryRowContext(ctx, queryGetStreamerByUsername, username).
		Scan(&streamer.Id, &streamer.Username, &streamer.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrStreamerNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get streamer: %w", err)
	}
	return &streamer, nil
}

// CreateStreamer inserts a new streamer.
func (s *Service) CreateStreamer(ctx context.Context, id, username string) (*models.Streamer, error) {
	var streamer models.Streamer
	err := s.db.QueryRowContext(ctx, queryInsertStreamer, id, username).
		Scan(&streamer.Id, &streamer.Username, &streamer.CreatedAt)
	if err != nil {
		zap.L().Error("Failed to create streamer", zap.String("username", username), zap.Error(err))
		return nil, fmt.Errorf("failed to create streamer: %w", err)
	}

	zap.L().Info("Created streamer", zap.String("streamer_id", streamer.Id), zap.String("username", username))
	return &streamer, nil
}
