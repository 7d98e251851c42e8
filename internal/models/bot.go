package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Bot struct {
	ID          string    `gorm:"primarykey;type:varchar(36)" json:"id"`
	UserAddress string    `gorm:"type:varchar(42);not null;index" json:"user_address"`
	Name        string    `gorm:"type:varchar(128);not null" json:"name"`
	IsActive    bool      `gorm:"default:true" json:"is_active"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Bot) TableName() string {
	return "bots"
}

// BotConfigVersion is an immutable snapshot of a bot's trading configuration.
// The highest version per bot is the one applied to incoming signals.
type BotConfigVersion struct {
	ID        uint            `gorm:"primarykey" json:"id"`
	BotID     string          `gorm:"type:varchar(36);not null;uniqueIndex:idx_bot_version" json:"bot_id"`
	Version   int             `gorm:"not null;uniqueIndex:idx_bot_version" json:"version"`
	Config    json.RawMessage `gorm:"type:jsonb" json:"config"`
	CreatedAt time.Time       `json:"created_at" gorm:"autoCreateTime"`
}

func (BotConfigVersion) TableName() string {
	return "bot_config_versions"
}

const (
	SizingFixedUSD   = "fixed_usd"
	SizingPercentage = "percentage"
)

type Sizing struct {
	Mode     string          `json:"mode"`
	FixedUSD decimal.Decimal `json:"fixed_usd"`
	Percent  decimal.Decimal `json:"percent"`
}

// RiskLimits are per-bot limits. A zero value disables the corresponding check.
type RiskLimits struct {
	CooldownMinutes int             `json:"cooldown_minutes"`
	MaxPositionUSD  decimal.Decimal `json:"max_position_usd"`
	MaxTradesPerDay int             `json:"max_trades_per_day"`
}

// Action is what a signal maps to. An empty Outcome on a SELL means
// "whichever outcome the bot currently holds".
type Action struct {
	Side    string `json:"side"`
	Outcome string `json:"outcome"`
}

type MarketSelector struct {
	Currency  string `json:"currency"`
	Timeframe string `json:"timeframe"`
}

type BotConfig struct {
	Sizing  Sizing            `json:"sizing"`
	Risk    RiskLimits        `json:"risk"`
	Actions map[string]Action `json:"actions"`
	Market  MarketSelector    `json:"market"`
}

// DefaultActions maps LONG/SHORT/CLOSE when a bot config leaves them out.
func DefaultActions() map[string]Action {
	return map[string]Action{
		"LONG":  {Side: SideBuy, Outcome: OutcomeYes},
		"SHORT": {Side: SideBuy, Outcome: OutcomeNo},
		"CLOSE": {Side: SideSell},
	}
}

// Decode parses the stored JSON and fills in default actions.
func (v BotConfigVersion) Decode() (BotConfig, error) {
	var cfg BotConfig
	if len(v.Config) == 0 {
		return cfg, fmt.Errorf("bot %s version %d has empty config", v.BotID, v.Version)
	}
	if err := json.Unmarshal(v.Config, &cfg); err != nil {
		return cfg, fmt.Errorf("decode bot %s config v%d: %w", v.BotID, v.Version, err)
	}
	defaults := DefaultActions()
	if cfg.Actions == nil {
		cfg.Actions = defaults
	}
	for kind, action := range defaults {
		if _, ok := cfg.Actions[kind]; !ok {
			cfg.Actions[kind] = action
		}
	}
	return cfg, cfg.Validate()
}

func (c BotConfig) Validate() error {
	switch c.Sizing.Mode {
	case SizingFixedUSD:
		if !c.Sizing.FixedUSD.IsPositive() {
			return fmt.Errorf("sizing.fixed_usd must be positive")
		}
	case SizingPercentage:
		if !c.Sizing.Percent.IsPositive() || c.Sizing.Percent.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("sizing.percent must be in (0, 100]")
		}
	default:
		return fmt.Errorf("unknown sizing mode %q", c.Sizing.Mode)
	}
	if c.Risk.CooldownMinutes < 0 || c.Risk.MaxTradesPerDay < 0 || c.Risk.MaxPositionUSD.IsNegative() {
		return fmt.Errorf("risk limits must not be negative")
	}
	for kind, action := range c.Actions {
		if action.Side != SideBuy && action.Side != SideSell {
			return fmt.Errorf("action %s: side must be BUY or SELL", kind)
		}
		if action.Outcome != "" && action.Outcome != OutcomeYes && action.Outcome != OutcomeNo {
			return fmt.Errorf("action %s: outcome must be YES or NO", kind)
		}
		if action.Side == SideBuy && action.Outcome == "" {
			return fmt.Errorf("action %s: BUY needs an outcome", kind)
		}
	}
	if c.Market.Currency == "" || c.Market.Timeframe == "" {
		return fmt.Errorf("market selector needs currency and timeframe")
	}
	return nil
}
