package store

import (
	"context"
	"encoding/json"
	"fmt"

	"marketbot/internal/models"
)

func (s *Store) CreateBot(ctx context.Context, bot *models.Bot) error {
	bot.UserAddress = normalizeAddress(bot.UserAddress)
	return s.withContext(ctx).Create(bot).Error
}

func (s *Store) GetBot(ctx context.Context, id string) (*models.Bot, error) {
	var bot models.Bot
	if err := s.withContext(ctx).First(&bot, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &bot, nil
}

// SaveBotConfig appends a new config version for the bot and returns its number.
func (s *Store) SaveBotConfig(ctx context.Context, botID string, cfg models.BotConfig) (int, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("marshal bot config: %w", err)
	}

	var latest int
	if err := s.withContext(ctx).Model(&models.BotConfigVersion{}).
		Where("bot_id = ?", botID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&latest).Error; err != nil {
		return 0, err
	}

	version := models.BotConfigVersion{
		BotID:   botID,
		Version: latest + 1,
		Config:  raw,
	}
	if err := s.withContext(ctx).Create(&version).Error; err != nil {
		return 0, err
	}
	return version.Version, nil
}

// LatestBotConfig returns the decoded highest config version of a bot.
func (s *Store) LatestBotConfig(ctx context.Context, botID string) (models.BotConfig, int, error) {
	var version models.BotConfigVersion
	err := s.withContext(ctx).
		Where("bot_id = ?", botID).
		Order("version DESC").
		First(&version).Error
	if err != nil {
		return models.BotConfig{}, 0, notFound(err)
	}
	cfg, err := version.Decode()
	if err != nil {
		return models.BotConfig{}, version.Version, err
	}
	return cfg, version.Version, nil
}

// Balance returns the user's ledger balance in collateral base units.
func (s *Store) Balance(ctx context.Context, userAddress string) (int64, error) {
	var balance models.UserBalance
	err := s.withContext(ctx).First(&balance, "user_address = ?", normalizeAddress(userAddress)).Error
	if err != nil {
		if notFound(err) == ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return balance.Balance, nil
}
