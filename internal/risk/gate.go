// Package risk applies per-bot trading limits against the persisted order
// history.
//
// The gate is read-then-decide: two near-simultaneous signals for the same bot
// can both read the same history and both pass the cooldown and daily-count
// checks. That window is accepted. Exposure stays bounded by the position cap
// and the live kill-switches, and closing it would need a per-bot lock that
// spans the worker pool.
package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"marketbot/internal/models"
)

const (
	CategoryCooldown    = "cooldown"
	CategoryDailyCap    = "daily-cap"
	CategoryPositionCap = "position-cap"
)

// OrderHistory is the read side of the record store the gate needs.
type OrderHistory interface {
	LastOrderTime(ctx context.Context, botID string) (time.Time, bool, error)
	CountOrdersSince(ctx context.Context, botID string, since time.Time) (int64, error)
	OpenExposureUSD(ctx context.Context, botID string) (decimal.Decimal, error)
}

// Trade describes the order being considered.
type Trade struct {
	NotionalUSD decimal.Decimal
	// Reducing trades close existing exposure and are exempt from the position cap.
	Reducing bool
}

// Decision is the gate's verdict. Category and Reason are empty when allowed.
type Decision struct {
	Allowed    bool
	Category   string
	Reason     string
	RetryAfter time.Duration
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(category, reason string) Decision {
	return Decision{Category: category, Reason: reason}
}

type Gate struct {
	history OrderHistory
	loc     *time.Location
}

// NewGate returns a gate that counts daily trades from midnight in loc.
func NewGate(history OrderHistory, loc *time.Location) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	return &Gate{history: history, loc: loc}
}

// Check runs cooldown, daily count and position cap in that order and stops at
// the first failure. Expected rejections are returned as a Decision, never as
// an error; errors only report history lookups that failed.
func (g *Gate) Check(ctx context.Context, botID string, limits models.RiskLimits, trade Trade, now time.Time) (Decision, error) {
	if limits.CooldownMinutes > 0 {
		last, ok, err := g.history.LastOrderTime(ctx, botID)
		if err != nil {
			return Decision{}, fmt.Errorf("load last order time: %w", err)
		}
		cooldown := time.Duration(limits.CooldownMinutes) * time.Minute
		if ok && now.Sub(last) < cooldown {
			remaining := cooldown - now.Sub(last)
			minutes := int(math.Ceil(remaining.Minutes()))
			d := deny(CategoryCooldown, fmt.Sprintf("cooldown active, retry in %d minutes", minutes))
			d.RetryAfter = remaining
			return d, nil
		}
	}

	if limits.MaxTradesPerDay > 0 {
		local := now.In(g.loc)
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.loc)
		n, err := g.history.CountOrdersSince(ctx, botID, midnight)
		if err != nil {
			return Decision{}, fmt.Errorf("count orders today: %w", err)
		}
		if n >= int64(limits.MaxTradesPerDay) {
			return deny(CategoryDailyCap, fmt.Sprintf("daily trade limit reached (%d of %d)", n, limits.MaxTradesPerDay)), nil
		}
	}

	if limits.MaxPositionUSD.IsPositive() && !trade.Reducing {
		exposure, err := g.history.OpenExposureUSD(ctx, botID)
		if err != nil {
			return Decision{}, fmt.Errorf("load open exposure: %w", err)
		}
		projected := exposure.Add(trade.NotionalUSD)
		if projected.GreaterThan(limits.MaxPositionUSD) {
			return deny(CategoryPositionCap, fmt.Sprintf("position cap exceeded: open %s + trade %s > max %s",
				exposure.StringFixed(2), trade.NotionalUSD.StringFixed(2), limits.MaxPositionUSD.StringFixed(2))), nil
		}
	}

	return allow(), nil
}
