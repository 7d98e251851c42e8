// Package execution turns a queued signal into an order: it sizes the trade,
// applies the risk gate, routes it to the simulated or live path and records
// the result.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketbot/internal/models"
	"marketbot/internal/risk"
	"marketbot/internal/safety"
	"marketbot/internal/signal"
	"marketbot/internal/store"
	"marketbot/pkg/clob"
)

const (
	CategoryValidation = "validation"
	CategoryNoPosition = "no-position"
)

// Outcome actions.
const (
	ActionFilled    = "filled"
	ActionAccepted  = "accepted"
	ActionSkipped   = "skipped"
	ActionCancelled = "cancelled"
	ActionPending   = "pending"
)

type OrderSigner interface {
	Sign(p clob.OrderParams) (*clob.SignedOrder, error)
}

type OrderSubmitter interface {
	Submit(ctx context.Context, localID string, order *clob.SignedOrder) (*clob.Result, error)
}

type KillSwitch interface {
	Check(ctx context.Context, botID string, trade risk.Trade, now time.Time) (safety.Verdict, error)
}

// Notifier publishes the downstream metrics trigger. *config.Publisher
// satisfies it.
type Notifier interface {
	Publish(ctx context.Context, queue string, message interface{}) error
}

// MetricsRequest asks the metrics service to recompute a bot's statistics.
type MetricsRequest struct {
	BotID     string    `json:"botId"`
	OrderID   string    `json:"orderId"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome describes what happened to one job.
type Outcome struct {
	Action   string
	Path     Path
	Category string
	Reason   string
	OrderID  string
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// AsRetryable marks err as safe to redeliver.
func AsRetryable(err error) error {
	return &retryableError{err: err}
}

// Retryable reports whether a failed job may be redelivered. Only failures
// that happened before any order row was written qualify.
func Retryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// Deps are the executor's collaborators. Signer, Submitter and KillSwitches
// are only used on the live path and may be nil in a simulated process.
type Deps struct {
	Store        *store.Store
	Gate         *risk.Gate
	KillSwitches KillSwitch
	Markets      MarketResolver
	Simulator    *FillSimulator
	Signer       OrderSigner
	Submitter    OrderSubmitter
	Notifier     Notifier
	Status       safety.Status
	MetricsQueue string
	FeeRateBps   int64
	Log          logrus.FieldLogger
}

type Executor struct {
	Deps
	now func() time.Time
}

func NewExecutor(deps Deps) *Executor {
	return &Executor{Deps: deps, now: time.Now}
}

type tradePlan struct {
	side     string
	outcome  string
	tokenID  string
	marketID string
	price    decimal.Decimal
	size     int64
	notional decimal.Decimal
	// avgEntry is set for sells and prices realized PnL.
	avgEntry decimal.NullDecimal
}

type skipped struct {
	category string
	reason   string
}

// Execute runs one job through the pipeline. Expected rejections come back as
// a skipped Outcome with a nil error.
func (e *Executor) Execute(ctx context.Context, job signal.Job) (Outcome, error) {
	log := e.Log.WithFields(logrus.Fields{"bot_id": job.BotID, "signal": job.Signal})

	if err := job.Validate(); err != nil {
		return e.skip(log, CategoryValidation, err.Error()), nil
	}

	bot, err := e.Store.GetBot(ctx, job.BotID)
	if errors.Is(err, store.ErrNotFound) {
		return e.skip(log, CategoryValidation, "unknown bot"), nil
	}
	if err != nil {
		return Outcome{}, AsRetryable(fmt.Errorf("load bot: %w", err))
	}
	if !bot.IsActive {
		return e.skip(log, CategoryValidation, "bot is inactive"), nil
	}

	cfg, version, err := e.Store.LatestBotConfig(ctx, bot.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return e.skip(log, CategoryValidation, "bot has no config"), nil
	case err != nil && version > 0:
		return e.skip(log, CategoryValidation, err.Error()), nil
	case err != nil:
		return Outcome{}, AsRetryable(fmt.Errorf("load bot config: %w", err))
	}
	log = log.WithField("config_version", version)

	action, ok := cfg.Actions[string(job.Signal)]
	if !ok {
		return e.skip(log, CategoryValidation, "no action for signal"), nil
	}
	market, err := e.Markets.Resolve(ctx, cfg.Market)
	if errors.Is(err, ErrUnknownMarket) {
		return e.skip(log, CategoryValidation, err.Error()), nil
	}
	if err != nil {
		return Outcome{}, AsRetryable(fmt.Errorf("resolve market: %w", err))
	}

	plan, skip, err := e.plan(ctx, bot, cfg.Sizing, action, market)
	if err != nil {
		return Outcome{}, AsRetryable(err)
	}
	if skip != nil {
		return e.skip(log, skip.category, skip.reason), nil
	}
	log = log.WithFields(logrus.Fields{
		"market_id": plan.marketID,
		"side":      plan.side,
		"outcome":   plan.outcome,
		"price":     plan.price.String(),
		"size":      plan.size,
		"notional":  plan.notional.StringFixed(2),
	})

	trade := risk.Trade{NotionalUSD: plan.notional, Reducing: plan.side == models.SideSell}
	now := e.now().UTC()
	decision, err := e.Gate.Check(ctx, bot.ID, cfg.Risk, trade, now)
	if err != nil {
		return Outcome{}, AsRetryable(fmt.Errorf("risk gate: %w", err))
	}
	if !decision.Allowed {
		return e.skip(log, decision.Category, decision.Reason), nil
	}

	path, forced := SelectPath(e.Status, job)
	if forced {
		log.WithField("configured_mode", e.Status.Configured).Warn("live trading not confirmed; routing to simulated fill")
	}
	if path == PathSimulated {
		return e.executeSimulated(ctx, log, job, plan)
	}

	verdict, err := e.KillSwitches.Check(ctx, bot.ID, trade, now)
	if err != nil {
		return Outcome{}, AsRetryable(fmt.Errorf("kill-switches: %w", err))
	}
	if !verdict.Allowed {
		log.WithFields(logrus.Fields{
			"category":    verdict.Category(),
			"kill_switch": verdict.KillSwitch,
		}).Warn("trade blocked by kill-switch: " + verdict.Reason)
		return Outcome{Action: ActionSkipped, Path: path, Category: verdict.Category(), Reason: verdict.Reason}, nil
	}
	return e.executeLive(ctx, log, job, plan)
}

func (e *Executor) skip(log logrus.FieldLogger, category, reason string) Outcome {
	log.WithField("category", category).Info("trade skipped: " + reason)
	return Outcome{Action: ActionSkipped, Category: category, Reason: reason}
}

func (e *Executor) plan(ctx context.Context, bot *models.Bot, sizing models.Sizing, action models.Action, market Market) (tradePlan, *skipped, error) {
	if action.Side == models.SideSell {
		return e.planClose(ctx, bot, action, market)
	}

	price := market.PriceFor(action.Outcome)
	notional, err := e.notional(ctx, bot, sizing)
	if err != nil {
		return tradePlan{}, nil, err
	}
	size := sizeFor(notional, price)
	if size <= 0 {
		return tradePlan{}, &skipped{CategoryValidation, "sizing produced an empty order"}, nil
	}
	return tradePlan{
		side:     models.SideBuy,
		outcome:  action.Outcome,
		tokenID:  market.TokenFor(action.Outcome),
		marketID: market.ID,
		price:    price,
		size:     size,
		notional: models.Notional(price, size),
	}, nil, nil
}

// planClose sells the bot's whole net position. An action with an outcome
// only closes that outcome; otherwise the largest holding is closed.
func (e *Executor) planClose(ctx context.Context, bot *models.Bot, action models.Action, market Market) (tradePlan, *skipped, error) {
	positions, err := e.Store.Positions(ctx, bot.ID, market.ID)
	if err != nil {
		return tradePlan{}, nil, fmt.Errorf("load positions: %w", err)
	}
	var held *models.Position
	for i := range positions {
		p := &positions[i]
		if action.Outcome != "" && p.Outcome != action.Outcome {
			continue
		}
		if held == nil || p.Size > held.Size {
			held = p
		}
	}
	if held == nil {
		return tradePlan{}, &skipped{CategoryNoPosition, "no open position to close"}, nil
	}
	price := market.PriceFor(held.Outcome)
	return tradePlan{
		side:     models.SideSell,
		outcome:  held.Outcome,
		tokenID:  held.TokenID,
		marketID: market.ID,
		price:    price,
		size:     held.Size,
		notional: models.Notional(price, held.Size),
		avgEntry: decimal.NewNullDecimal(held.AvgEntry),
	}, nil, nil
}

func (e *Executor) notional(ctx context.Context, bot *models.Bot, sizing models.Sizing) (decimal.Decimal, error) {
	if sizing.Mode == models.SizingFixedUSD {
		return sizing.FixedUSD, nil
	}
	balance, err := e.Store.Balance(ctx, bot.UserAddress)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load ledger balance: %w", err)
	}
	usd := decimal.New(balance, -6)
	return usd.Mul(sizing.Percent).Div(decimal.NewFromInt(100)), nil
}

// sizeFor converts a dollar notional at a 0-100 price into token base units.
func sizeFor(notional, price decimal.Decimal) int64 {
	if !price.IsPositive() {
		return 0
	}
	return notional.Mul(decimal.NewFromInt(100)).
		Div(price).
		Mul(decimal.NewFromInt(models.CollateralUnit)).
		Floor().
		IntPart()
}

func realizedPnL(plan tradePlan, fillPrice decimal.Decimal, size int64) decimal.NullDecimal {
	if plan.side != models.SideSell || !plan.avgEntry.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(models.Notional(fillPrice.Sub(plan.avgEntry.Decimal), size).Round(6))
}

func (e *Executor) newOrder(job signal.Job, plan tradePlan) *models.Order {
	return &models.Order{
		ID:       uuid.NewString(),
		BotID:    job.BotID,
		MarketID: plan.marketID,
		TokenID:  plan.tokenID,
		Outcome:  plan.outcome,
		Side:     plan.side,
		Signal:   string(job.Signal),
		Price:    plan.price,
		Size:     plan.size,
		Status:   models.OrderPending,
	}
}

func (e *Executor) executeSimulated(ctx context.Context, log logrus.FieldLogger, job signal.Job, plan tradePlan) (Outcome, error) {
	fill := e.Simulator.Simulate(plan.side, plan.price, plan.size)

	order := e.newOrder(job, plan)
	order.Status = models.OrderFilled
	order.Simulated = true
	order.ExchangeStatus = "simulated"
	order.RealizedPnL = realizedPnL(plan, fill.Price, fill.Size)

	if err := e.Store.RecordFilledOrder(ctx, order, []models.Fill{fill}); err != nil {
		return Outcome{}, AsRetryable(fmt.Errorf("record simulated order: %w", err))
	}
	log.WithFields(logrus.Fields{
		"order_id":   order.ID,
		"fill_price": fill.Price.String(),
		"fees":       fill.Fees.String(),
	}).Info("simulated order filled")

	e.notify(ctx, log, job.BotID, order.ID)
	return Outcome{Action: ActionFilled, Path: PathSimulated, OrderID: order.ID}, nil
}

// executeLive writes the PENDING row before anything leaves the process. Past
// that point errors are returned as-is: the row records the outcome and the
// job must not be redelivered.
func (e *Executor) executeLive(ctx context.Context, log logrus.FieldLogger, job signal.Job, plan tradePlan) (Outcome, error) {
	order := e.newOrder(job, plan)
	if err := e.Store.CreateOrder(ctx, order); err != nil {
		return Outcome{}, AsRetryable(fmt.Errorf("create order: %w", err))
	}
	log = log.WithField("order_id", order.ID)
	out := Outcome{Path: PathLive, OrderID: order.ID}

	side, err := clob.ParseSide(plan.side)
	if err != nil {
		return e.cancel(ctx, log, out, "invalid side: "+err.Error(), err)
	}
	signed, err := e.Signer.Sign(clob.OrderParams{
		TokenID:    plan.tokenID,
		Side:       side,
		Price:      plan.price,
		Size:       plan.size,
		FeeRateBps: e.FeeRateBps,
	})
	if err != nil {
		return e.cancel(ctx, log, out, "signing failed: "+err.Error(), err)
	}

	if err := e.Store.MarkSubmitted(ctx, order.ID, e.now()); err != nil {
		out.Action = ActionPending
		out.Reason = err.Error()
		return out, fmt.Errorf("mark order submitted: %w", err)
	}

	result, err := e.Submitter.Submit(ctx, order.ID, signed)
	var rejection *clob.RejectionError
	switch {
	case errors.As(err, &rejection):
		return e.cancel(ctx, log, out, rejection.Message, err)
	case err != nil:
		if noteErr := e.Store.NoteOrderError(ctx, order.ID, err.Error()); noteErr != nil {
			log.WithError(noteErr).Error("failed to record submission error")
		}
		log.WithError(err).Error("submission outcome unknown; order left PENDING for manual reconciliation")
		out.Action = ActionPending
		out.Reason = err.Error()
		return out, err
	}

	acc := acceptance(result, plan)
	if err := e.Store.AcceptOrder(ctx, order.ID, acc); err != nil {
		log.WithError(err).WithField("external_order_id", result.OrderID).Error("failed to record accepted order")
		out.Action = ActionPending
		out.Reason = err.Error()
		return out, fmt.Errorf("record acceptance: %w", err)
	}

	out.Action = ActionAccepted
	if acc.Status == models.OrderFilled {
		out.Action = ActionFilled
	}
	log.WithFields(logrus.Fields{
		"external_order_id": result.OrderID,
		"exchange_status":   result.Status,
		"status":            acc.Status,
		"fills":             len(acc.Fills),
	}).Info("live order accepted")

	e.notify(ctx, log, job.BotID, order.ID)
	return out, nil
}

func (e *Executor) cancel(ctx context.Context, log logrus.FieldLogger, out Outcome, reason string, cause error) (Outcome, error) {
	if err := e.Store.CancelOrder(ctx, out.OrderID, reason); err != nil {
		log.WithError(err).Error("failed to cancel order")
	}
	log.WithError(cause).Warn("order cancelled: " + reason)
	out.Action = ActionCancelled
	out.Reason = reason
	return out, cause
}

var hundred = decimal.NewFromInt(100)

// acceptance converts the exchange's answer into store updates. Reported
// fill prices are dollars per token and are rescaled to 0-100. A matched
// order reported without fills is recorded as one fill at the order price.
func acceptance(res *clob.Result, plan tradePlan) store.Acceptance {
	acc := store.Acceptance{
		ExternalOrderID: res.OrderID,
		ExchangeStatus:  res.Status,
		Status:          models.OrderPending,
	}

	var filled int64
	value := decimal.Zero
	for _, report := range res.Fills {
		price, err := decimal.NewFromString(report.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(report.Size)
		if err != nil || !size.IsPositive() {
			continue
		}
		fee, err := decimal.NewFromString(report.Fee)
		if err != nil {
			fee = decimal.Zero
		}
		fill := models.Fill{Price: price.Mul(hundred), Size: size.IntPart(), Fees: fee}
		acc.Fills = append(acc.Fills, fill)
		filled += fill.Size
		value = value.Add(fill.Price.Mul(decimal.NewFromInt(fill.Size)))
	}

	if len(acc.Fills) == 0 && res.Status == "matched" {
		acc.Fills = []models.Fill{{Price: plan.price, Size: plan.size, Fees: decimal.Zero}}
		filled = plan.size
		value = plan.price.Mul(decimal.NewFromInt(plan.size))
	}

	switch {
	case filled >= plan.size:
		acc.Status = models.OrderFilled
	case filled > 0:
		acc.Status = models.OrderPartiallyFilled
	}
	if filled > 0 {
		avg := value.Div(decimal.NewFromInt(filled))
		acc.RealizedPnL = realizedPnL(plan, avg, filled)
	}
	return acc
}

func (e *Executor) notify(ctx context.Context, log logrus.FieldLogger, botID, orderID string) {
	if e.Notifier == nil {
		return
	}
	err := e.Notifier.Publish(ctx, e.MetricsQueue, MetricsRequest{
		BotID:     botID,
		OrderID:   orderID,
		Timestamp: e.now().UTC(),
	})
	if err != nil {
		log.WithError(err).Warn("failed to publish metrics trigger")
	}
}
