package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketbot/internal/models"
	"marketbot/internal/risk"
)

// Kill-switch identifiers, logged as kill-switch:<ID>.
const (
	KillMaxTradeSize           = "MAX_TRADE_SIZE"
	KillMaxDailyNotional       = "MAX_DAILY_NOTIONAL"
	KillConsecutiveLosses      = "CONSECUTIVE_LOSSES"
	KillInsufficientCollateral = "INSUFFICIENT_COLLATERAL"
	KillInsufficientGas        = "INSUFFICIENT_GAS"
)

const (
	DefaultLossStreak = 5
	notionalWindow    = 24 * time.Hour
)

// TradeHistory is the read side of the record store the kill-switches need.
type TradeHistory interface {
	LiveNotionalSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
	RecentClosedTrades(ctx context.Context, botID string, n int) ([]models.Order, error)
}

// Limits are the process-wide caps the kill-switches enforce.
type Limits struct {
	MaxTradeSizeUSD     decimal.Decimal
	MaxDailyNotionalUSD decimal.Decimal
	MinGasReserve       decimal.Decimal
	LossStreak          int
}

// Verdict is the outcome of the kill-switch pass. KillSwitch names the first
// switch that tripped.
type Verdict struct {
	Allowed    bool
	KillSwitch string
	Reason     string
}

// Category is the log category of a tripped switch.
func (v Verdict) Category() string {
	if v.Allowed {
		return ""
	}
	return "kill-switch:" + v.KillSwitch
}

func trip(id, format string, args ...interface{}) Verdict {
	return Verdict{KillSwitch: id, Reason: fmt.Sprintf(format, args...)}
}

type KillSwitches struct {
	limits      Limits
	history     TradeHistory
	diagnostics *Diagnostics
}

func NewKillSwitches(limits Limits, history TradeHistory, diagnostics *Diagnostics) *KillSwitches {
	if limits.LossStreak <= 0 {
		limits.LossStreak = DefaultLossStreak
	}
	return &KillSwitches{limits: limits, history: history, diagnostics: diagnostics}
}

// Check runs every switch in order and stops at the first one that trips.
// A tripped switch is a Verdict, not an error; errors mean a check could not
// be evaluated at all.
func (k *KillSwitches) Check(ctx context.Context, botID string, trade risk.Trade, now time.Time) (Verdict, error) {
	if trade.NotionalUSD.GreaterThan(k.limits.MaxTradeSizeUSD) {
		return trip(KillMaxTradeSize, "trade size $%s exceeds max $%s",
			trade.NotionalUSD.StringFixed(2), k.limits.MaxTradeSizeUSD.StringFixed(2)), nil
	}

	traded, err := k.history.LiveNotionalSince(ctx, now.Add(-notionalWindow))
	if err != nil {
		return Verdict{}, fmt.Errorf("read 24h notional: %w", err)
	}
	if projected := traded.Add(trade.NotionalUSD); projected.GreaterThan(k.limits.MaxDailyNotionalUSD) {
		return trip(KillMaxDailyNotional, "projected 24h notional $%s exceeds max $%s",
			projected.StringFixed(2), k.limits.MaxDailyNotionalUSD.StringFixed(2)), nil
	}

	closed, err := k.history.RecentClosedTrades(ctx, botID, k.limits.LossStreak)
	if err != nil {
		return Verdict{}, fmt.Errorf("read closed trades: %w", err)
	}
	if lossStreak(closed, k.limits.LossStreak) {
		return trip(KillConsecutiveLosses, "last %d closed trades were all losses", k.limits.LossStreak), nil
	}

	diag, err := k.diagnostics.Get(ctx)
	if err != nil {
		return Verdict{}, fmt.Errorf("read wallet balances: %w", err)
	}
	// Selling returns collateral, so only opening trades need it up front.
	if !trade.Reducing && diag.Collateral.LessThan(trade.NotionalUSD) {
		return trip(KillInsufficientCollateral, "wallet collateral $%s below trade size $%s",
			diag.Collateral.StringFixed(2), trade.NotionalUSD.StringFixed(2)), nil
	}
	if !diag.GasOK {
		return trip(KillInsufficientGas, "gas balance %s below reserve %s",
			diag.Native.String(), k.limits.MinGasReserve.String()), nil
	}
	return Verdict{Allowed: true}, nil
}

func lossStreak(closed []models.Order, n int) bool {
	if len(closed) < n {
		return false
	}
	for _, o := range closed[:n] {
		if !o.IsLoss() {
			return false
		}
	}
	return true
}
