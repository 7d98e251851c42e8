package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketbot/internal/models"
	"marketbot/internal/store"
	"marketbot/internal/store/storetest"
)

func newOrder(botID, side, status string, price int64, size int64, at time.Time) *models.Order {
	return &models.Order{
		ID:        uuid.NewString(),
		BotID:     botID,
		MarketID:  "btc-1h",
		TokenID:   "token-yes",
		Outcome:   models.OutcomeYes,
		Side:      side,
		Price:     decimal.NewFromInt(price),
		Size:      size,
		Status:    status,
		CreatedAt: at.UTC(),
	}
}

func TestBotConfigVersions(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	bot := &models.Bot{ID: uuid.NewString(), UserAddress: "0xABCDEF", Name: "trend"}
	require.NoError(t, s.CreateBot(ctx, bot))

	_, _, err := s.LatestBotConfig(ctx, bot.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	cfg := models.BotConfig{
		Sizing: models.Sizing{Mode: models.SizingFixedUSD, FixedUSD: decimal.NewFromInt(5)},
		Risk:   models.RiskLimits{CooldownMinutes: 30},
		Market: models.MarketSelector{Currency: "BTC", Timeframe: "1h"},
	}
	v1, err := s.SaveBotConfig(ctx, bot.ID, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	cfg.Risk.CooldownMinutes = 60
	v2, err := s.SaveBotConfig(ctx, bot.ID, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	latest, version, err := s.LatestBotConfig(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, 60, latest.Risk.CooldownMinutes)
	assert.Equal(t, models.Action{Side: models.SideBuy, Outcome: models.OutcomeNo}, latest.Actions["SHORT"])

	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef", got.UserAddress)
}

func TestOrderHistoryQueries(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	now := time.Now().UTC()
	botID := uuid.NewString()

	_, ok, err := s.LastOrderTime(ctx, botID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CreateOrder(ctx, newOrder(botID, models.SideBuy, models.OrderFilled, 50, 2_000_000, now.Add(-26*time.Hour))))
	require.NoError(t, s.CreateOrder(ctx, newOrder(botID, models.SideBuy, models.OrderPending, 40, 5_000_000, now.Add(-2*time.Hour))))
	require.NoError(t, s.CreateOrder(ctx, newOrder(botID, models.SideBuy, models.OrderCancelled, 60, 1_000_000, now.Add(-time.Hour))))
	require.NoError(t, s.CreateOrder(ctx, newOrder(botID, models.SideBuy, models.OrderPartiallyFilled, 50, 1_000_000, now.Add(-10*time.Minute))))

	last, ok, err := s.LastOrderTime(ctx, botID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, now.Add(-10*time.Minute), last, time.Second)

	n, err := s.CountOrdersSince(ctx, botID, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// 0.40 x 5 + 0.50 x 1
	exposure, err := s.OpenExposureUSD(ctx, botID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(2.5).Equal(exposure), exposure.String())

	// cancelled orders never count toward the daily notional
	notional, err := s.LiveNotionalSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(2.5).Equal(notional), notional.String())
}

func TestSubmissionLifecycle(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	botID := uuid.NewString()

	t.Run("accept sets external id once", func(t *testing.T) {
		o := newOrder(botID, models.SideBuy, models.OrderPending, 50, 2_000_000, time.Now())
		require.NoError(t, s.CreateOrder(ctx, o))
		require.NoError(t, s.MarkSubmitted(ctx, o.ID, time.Now()))

		err := s.MarkSubmitted(ctx, o.ID, time.Now())
		assert.ErrorIs(t, err, store.ErrStaleTransition)

		unreconciled, err := s.UnreconciledOrders(ctx)
		require.NoError(t, err)
		require.Len(t, unreconciled, 1)
		assert.Equal(t, o.ID, unreconciled[0].ID)

		acc := store.Acceptance{
			ExternalOrderID: "0xexternal",
			ExchangeStatus:  "matched",
			Status:          models.OrderFilled,
			Fills:           []models.Fill{{Price: decimal.NewFromInt(50), Size: 2_000_000, Fees: decimal.Zero}},
		}
		require.NoError(t, s.AcceptOrder(ctx, o.ID, acc))

		acc.ExternalOrderID = "0xother"
		err = s.AcceptOrder(ctx, o.ID, acc)
		assert.ErrorIs(t, err, store.ErrStaleTransition)

		got, err := s.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ExternalOrderID)
		assert.Equal(t, "0xexternal", *got.ExternalOrderID)
		assert.Equal(t, models.OrderFilled, got.Status)

		fills, err := s.OrderFills(ctx, o.ID)
		require.NoError(t, err)
		assert.Len(t, fills, 1)

		unreconciled, err = s.UnreconciledOrders(ctx)
		require.NoError(t, err)
		assert.Empty(t, unreconciled)
	})

	t.Run("cancel only from pending", func(t *testing.T) {
		o := newOrder(botID, models.SideBuy, models.OrderPending, 50, 1_000_000, time.Now())
		require.NoError(t, s.CreateOrder(ctx, o))
		require.NoError(t, s.CancelOrder(ctx, o.ID, "invalid tick size"))

		err := s.CancelOrder(ctx, o.ID, "again")
		assert.True(t, errors.Is(err, store.ErrStaleTransition))

		got, err := s.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderCancelled, got.Status)
		assert.Equal(t, "invalid tick size", got.Error)
		assert.Nil(t, got.ExternalOrderID)
	})
}

func TestPositionsAndClosedTrades(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	botID := uuid.NewString()
	now := time.Now().UTC()

	buy1 := newOrder(botID, models.SideBuy, models.OrderFilled, 40, 2_000_000, now.Add(-3*time.Hour))
	require.NoError(t, s.RecordFilledOrder(ctx, buy1, []models.Fill{{Price: decimal.NewFromInt(40), Size: 2_000_000, Fees: decimal.Zero}}))
	buy2 := newOrder(botID, models.SideBuy, models.OrderFilled, 60, 2_000_000, now.Add(-2*time.Hour))
	require.NoError(t, s.RecordFilledOrder(ctx, buy2, []models.Fill{{Price: decimal.NewFromInt(60), Size: 2_000_000, Fees: decimal.Zero}}))

	sell := newOrder(botID, models.SideSell, models.OrderFilled, 55, 1_000_000, now.Add(-time.Hour))
	sell.RealizedPnL = decimal.NewNullDecimal(decimal.NewFromFloat(0.05))
	require.NoError(t, s.RecordFilledOrder(ctx, sell, []models.Fill{{Price: decimal.NewFromInt(55), Size: 1_000_000, Fees: decimal.Zero}}))

	positions, err := s.Positions(ctx, botID, "btc-1h")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "token-yes", positions[0].TokenID)
	assert.Equal(t, int64(3_000_000), positions[0].Size)
	assert.True(t, decimal.NewFromInt(50).Equal(positions[0].AvgEntry), positions[0].AvgEntry.String())

	closed, err := s.RecentClosedTrades(ctx, botID, 5)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.False(t, closed[0].IsLoss())
}

func TestPositionEntryIgnoresClosedLots(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	botID := uuid.NewString()
	now := time.Now().UTC()

	record := func(side string, price int64, at time.Time) {
		o := newOrder(botID, side, models.OrderFilled, price, 1_000_000, at)
		require.NoError(t, s.RecordFilledOrder(ctx, o, []models.Fill{{Price: decimal.NewFromInt(price), Size: 1_000_000, Fees: decimal.Zero}}))
	}
	record(models.SideBuy, 40, now.Add(-4*time.Hour))
	record(models.SideSell, 45, now.Add(-3*time.Hour))

	positions, err := s.Positions(ctx, botID, "btc-1h")
	require.NoError(t, err)
	assert.Empty(t, positions, "a fully closed lot leaves no position")

	record(models.SideBuy, 60, now.Add(-2*time.Hour))
	positions, err = s.Positions(ctx, botID, "btc-1h")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(1_000_000), positions[0].Size)
	assert.True(t, decimal.NewFromInt(60).Equal(positions[0].AvgEntry), positions[0].AvgEntry.String())

	record(models.SideBuy, 30, now.Add(-time.Hour))
	positions, err = s.Positions(ctx, botID, "btc-1h")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(2_000_000), positions[0].Size)
	assert.True(t, decimal.NewFromInt(45).Equal(positions[0].AvgEntry), positions[0].AvgEntry.String())
}

func TestBridgeTransitions(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	record := &models.BridgeTransaction{
		ID:               uuid.NewString(),
		UserAddress:      "0xUser",
		Amount:           7_000_000,
		Direction:        models.DirectionDeposit,
		SourceChain:      "ethereum",
		DestinationChain: "polygon",
	}
	require.NoError(t, s.CreateBridgeTransaction(ctx, record))
	assert.Equal(t, models.BridgePending, record.Status)

	t.Run("skipping a stage is rejected", func(t *testing.T) {
		err := s.AdvanceBridge(ctx, record.ID, models.BridgePending, models.BridgeAttesting, nil)
		assert.Error(t, err)
	})

	require.NoError(t, s.AdvanceBridge(ctx, record.ID, models.BridgePending, models.BridgeBurning, nil))

	t.Run("a second claim of the same stage is stale", func(t *testing.T) {
		err := s.AdvanceBridge(ctx, record.ID, models.BridgePending, models.BridgeBurning, nil)
		assert.ErrorIs(t, err, store.ErrStaleTransition)
	})

	require.NoError(t, s.ClaimBridgeSourceTx(ctx, record.ID, "0xburn"))
	assert.ErrorIs(t, s.ClaimBridgeSourceTx(ctx, record.ID, "0xburn2"), store.ErrStaleTransition)

	require.NoError(t, s.AdvanceBridge(ctx, record.ID, models.BridgeBurning, models.BridgeAttesting, map[string]interface{}{
		"message_bytes": []byte{0x01, 0x02},
		"message_hash":  "0xmsg",
	}))
	require.NoError(t, s.AdvanceBridge(ctx, record.ID, models.BridgeAttesting, models.BridgeMinting, map[string]interface{}{
		"attestation_blob": "0xatt",
	}))

	require.NoError(t, s.ClaimBridgeDestinationTx(ctx, record.ID, "0xmint1"))
	require.NoError(t, s.RecordMintFailure(ctx, record.ID, "reverted", true))
	require.NoError(t, s.ClaimBridgeDestinationTx(ctx, record.ID, "0xmint2"))

	got, err := s.GetBridge(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MintAttempts)
	assert.Equal(t, "0xmint2", got.DestinationTxHash)

	escalated, err := s.EscalateBridge(ctx, record.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, escalated)
	escalated, err = s.EscalateBridge(ctx, record.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, escalated)

	require.NoError(t, s.CompleteBridge(ctx, record.ID))
	balance, err := s.Balance(ctx, "0xuser")
	require.NoError(t, err)
	assert.Equal(t, int64(7_000_000), balance)

	t.Run("completed is terminal", func(t *testing.T) {
		assert.ErrorIs(t, s.CompleteBridge(ctx, record.ID), store.ErrStaleTransition)
		assert.Error(t, s.FailBridge(ctx, record.ID, models.BridgeCompleted, "late"))

		balance, err := s.Balance(ctx, "0xuser")
		require.NoError(t, err)
		assert.Equal(t, int64(7_000_000), balance)
	})
}

func TestCompletedWithdrawDecrementsLedger(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	deposit := &models.BridgeTransaction{
		ID: uuid.NewString(), UserAddress: "0xuser", Amount: 10_000_000,
		Direction: models.DirectionDeposit, Status: models.BridgeMinting,
		SourceChain: "ethereum", DestinationChain: "polygon",
	}
	withdraw := &models.BridgeTransaction{
		ID: uuid.NewString(), UserAddress: "0xuser", Amount: 4_000_000,
		Direction: models.DirectionWithdraw, Status: models.BridgeMinting,
		SourceChain: "polygon", DestinationChain: "ethereum",
	}
	require.NoError(t, s.CreateBridgeTransaction(ctx, deposit))
	require.NoError(t, s.CreateBridgeTransaction(ctx, withdraw))

	require.NoError(t, s.CompleteBridge(ctx, deposit.ID))
	require.NoError(t, s.CompleteBridge(ctx, withdraw.ID))

	balance, err := s.Balance(ctx, "0xuser")
	require.NoError(t, err)
	assert.Equal(t, int64(6_000_000), balance)

	pending, err := s.BridgeByStatus(ctx, 10, models.BridgeMinting)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
