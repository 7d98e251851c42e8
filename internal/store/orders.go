package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"marketbot/internal/models"
)

// LastOrderTime returns when the bot last placed an order of any status.
func (s *Store) LastOrderTime(ctx context.Context, botID string) (time.Time, bool, error) {
	var orders []models.Order
	err := s.withContext(ctx).
		Where("bot_id = ?", botID).
		Order("created_at DESC").
		Limit(1).
		Find(&orders).Error
	if err != nil {
		return time.Time{}, false, err
	}
	if len(orders) == 0 {
		return time.Time{}, false, nil
	}
	return orders[0].CreatedAt, true, nil
}

// CountOrdersSince counts the bot's orders created at or after since.
func (s *Store) CountOrdersSince(ctx context.Context, botID string, since time.Time) (int64, error) {
	var n int64
	err := s.withContext(ctx).Model(&models.Order{}).
		Where("bot_id = ? AND created_at >= ?", botID, since.UTC()).
		Count(&n).Error
	return n, err
}

// OpenExposureUSD sums price x size over the bot's unsettled orders.
func (s *Store) OpenExposureUSD(ctx context.Context, botID string) (decimal.Decimal, error) {
	var orders []models.Order
	err := s.withContext(ctx).
		Where("bot_id = ? AND status IN ?", botID, []string{models.OrderPending, models.OrderPartiallyFilled}).
		Find(&orders).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.NotionalUSD())
	}
	return total, nil
}

// LiveNotionalSince sums the notional of every non-cancelled live order since
// the given time, across all bots.
func (s *Store) LiveNotionalSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var orders []models.Order
	err := s.withContext(ctx).
		Where("simulated = ? AND status <> ? AND created_at >= ?", false, models.OrderCancelled, since.UTC()).
		Find(&orders).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.NotionalUSD())
	}
	return total, nil
}

// RecentClosedTrades returns the bot's last n filled SELL orders that carry a
// realized PnL, newest first.
func (s *Store) RecentClosedTrades(ctx context.Context, botID string, n int) ([]models.Order, error) {
	var orders []models.Order
	err := s.withContext(ctx).
		Where("bot_id = ? AND side = ? AND status = ? AND realized_pnl IS NOT NULL",
			botID, models.SideSell, models.OrderFilled).
		Order("created_at DESC").
		Limit(n).
		Find(&orders).Error
	return orders, err
}

// Positions aggregates the bot's fills in one market into net holdings per token.
func (s *Store) Positions(ctx context.Context, botID, marketID string) ([]models.Position, error) {
	var orders []models.Order
	err := s.withContext(ctx).
		Where("bot_id = ? AND market_id = ? AND status IN ?",
			botID, marketID, []string{models.OrderFilled, models.OrderPartiallyFilled}).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil || len(orders) == 0 {
		return nil, err
	}

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	var fills []models.Fill
	if err := s.withContext(ctx).Where("order_id IN ?", ids).Order("id ASC").Find(&fills).Error; err != nil {
		return nil, err
	}
	fillsByOrder := make(map[string][]models.Fill, len(orders))
	for _, f := range fills {
		fillsByOrder[f.OrderID] = append(fillsByOrder[f.OrderID], f)
	}

	// Average cost: a sell releases its share of the cost basis, so lots that
	// were already closed never weigh on the entry of a later position.
	type lot struct {
		outcome string
		size    int64
		cost    decimal.Decimal
	}
	var tokens []string
	lots := make(map[string]*lot)
	for _, o := range orders {
		l, ok := lots[o.TokenID]
		if !ok {
			l = &lot{outcome: o.Outcome, cost: decimal.Zero}
			lots[o.TokenID] = l
			tokens = append(tokens, o.TokenID)
		}
		for _, f := range fillsByOrder[o.ID] {
			if o.Side == models.SideBuy {
				l.size += f.Size
				l.cost = l.cost.Add(f.Price.Mul(decimal.NewFromInt(f.Size)))
				continue
			}
			sold := f.Size
			if sold >= l.size {
				l.size = 0
				l.cost = decimal.Zero
				continue
			}
			released := l.cost.Mul(decimal.NewFromInt(sold)).Div(decimal.NewFromInt(l.size))
			l.cost = l.cost.Sub(released)
			l.size -= sold
		}
	}

	var positions []models.Position
	for _, tokenID := range tokens {
		l := lots[tokenID]
		if l.size <= 0 {
			continue
		}
		positions = append(positions, models.Position{
			TokenID:  tokenID,
			Outcome:  l.outcome,
			Size:     l.size,
			AvgEntry: l.cost.Div(decimal.NewFromInt(l.size)),
		})
	}
	return positions, nil
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	return s.withContext(ctx).Create(order).Error
}

// RecordFilledOrder persists an order together with its fills in one transaction.
func (s *Store) RecordFilledOrder(ctx context.Context, order *models.Order, fills []models.Fill) error {
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	return s.withContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		for i := range fills {
			fills[i].OrderID = order.ID
		}
		if len(fills) > 0 {
			if err := tx.Create(&fills).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	if err := s.withContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (s *Store) OrderFills(ctx context.Context, orderID string) ([]models.Fill, error) {
	var fills []models.Fill
	err := s.withContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&fills).Error
	return fills, err
}

// MarkSubmitted stamps submitted_at on a PENDING order that has never been
// submitted. A second call for the same order returns ErrStaleTransition, so
// at most one submission is ever started per local order.
func (s *Store) MarkSubmitted(ctx context.Context, orderID string, at time.Time) error {
	res := s.withContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ? AND submitted_at IS NULL", orderID, models.OrderPending).
		Update("submitted_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order %s already submitted: %w", orderID, ErrStaleTransition)
	}
	return nil
}

// Acceptance is the exchange's answer to an accepted submission.
type Acceptance struct {
	ExternalOrderID string
	ExchangeStatus  string
	Status          string
	Fills           []models.Fill
	RealizedPnL     decimal.NullDecimal
}

// AcceptOrder sets the external id exactly once and records any fills.
func (s *Store) AcceptOrder(ctx context.Context, orderID string, acc Acceptance) error {
	return s.withContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ? AND external_order_id IS NULL", orderID, models.OrderPending).
			Updates(map[string]interface{}{
				"external_order_id": acc.ExternalOrderID,
				"exchange_status":   acc.ExchangeStatus,
				"status":            acc.Status,
				"realized_pnl":      acc.RealizedPnL,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("accept order %s: %w", orderID, ErrStaleTransition)
		}
		for i := range acc.Fills {
			acc.Fills[i].OrderID = orderID
		}
		if len(acc.Fills) > 0 {
			return tx.Create(&acc.Fills).Error
		}
		return nil
	})
}

// CancelOrder moves a PENDING order to CANCELLED and records why.
func (s *Store) CancelOrder(ctx context.Context, orderID, reason string) error {
	res := s.withContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, models.OrderPending).
		Updates(map[string]interface{}{
			"status": models.OrderCancelled,
			"error":  reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("cancel order %s: %w", orderID, ErrStaleTransition)
	}
	return nil
}

// NoteOrderError records an error on a PENDING order without changing its status.
func (s *Store) NoteOrderError(ctx context.Context, orderID, reason string) error {
	return s.withContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, models.OrderPending).
		Update("error", reason).Error
}

// UnreconciledOrders lists live orders whose submission started but whose
// outcome was never recorded. They must be reconciled by an operator.
func (s *Store) UnreconciledOrders(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := s.withContext(ctx).
		Where("status = ? AND simulated = ? AND submitted_at IS NOT NULL AND external_order_id IS NULL",
			models.OrderPending, false).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, err
}
