package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderPending         = "PENDING"
	OrderFilled          = "FILLED"
	OrderPartiallyFilled = "PARTIALLY_FILLED"
	OrderCancelled       = "CANCELLED"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// CollateralUnit is the number of base units per unit of collateral (USDC has 6 decimals).
const CollateralUnit = 1_000_000

// Order is a single exchange order placed by a bot. Price is quoted on the
// 0-100 scale (hundredths of a dollar) and Size in collateral base units.
type Order struct {
	ID              string              `gorm:"primarykey;type:varchar(36)" json:"id"`
	BotID           string              `gorm:"type:varchar(36);not null;index:idx_orders_bot_created" json:"bot_id"`
	MarketID        string              `gorm:"type:varchar(128);not null" json:"market_id"`
	TokenID         string              `gorm:"type:varchar(128);not null" json:"token_id"`
	Outcome         string              `gorm:"type:varchar(8);not null" json:"outcome"`
	Side            string              `gorm:"type:varchar(8);not null" json:"side"`
	Signal          string              `gorm:"type:varchar(8)" json:"signal"`
	Price           decimal.Decimal     `gorm:"type:numeric(10,4);not null" json:"price"`
	Size            int64               `gorm:"not null" json:"size"`
	Status          string              `gorm:"type:varchar(20);not null;index" json:"status"`
	Simulated       bool                `gorm:"default:false" json:"simulated"`
	ExternalOrderID *string             `gorm:"type:varchar(128);uniqueIndex" json:"external_order_id"`
	ExchangeStatus  string              `gorm:"type:varchar(20);default:''" json:"exchange_status"`
	RealizedPnL     decimal.NullDecimal `gorm:"type:numeric(20,6)" json:"realized_pnl"`
	SubmittedAt     *time.Time          `json:"submitted_at"`
	Error           string              `gorm:"type:text;default:''" json:"error"`
	CreatedAt       time.Time           `gorm:"index:idx_orders_bot_created" json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Order) TableName() string {
	return "orders"
}

// NotionalUSD is price x size expressed in dollars.
func (o Order) NotionalUSD() decimal.Decimal {
	return Notional(o.Price, o.Size)
}

// Notional converts a 0-100 price and a base-unit size into dollars.
func Notional(price decimal.Decimal, size int64) decimal.Decimal {
	return price.Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromInt(size)).
		Div(decimal.NewFromInt(CollateralUnit))
}

// IsLoss reports whether a closed trade realized a negative PnL.
func (o Order) IsLoss() bool {
	return o.RealizedPnL.Valid && o.RealizedPnL.Decimal.IsNegative()
}

type Fill struct {
	ID        uint            `gorm:"primarykey" json:"id"`
	OrderID   string          `gorm:"type:varchar(36);not null;index" json:"order_id"`
	Price     decimal.Decimal `gorm:"type:numeric(10,4);not null" json:"price"`
	Size      int64           `gorm:"not null" json:"size"`
	Fees      decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"fees"`
	CreatedAt time.Time       `json:"created_at" gorm:"autoCreateTime"`
}

func (Fill) TableName() string {
	return "fills"
}

// Position is the net filled holding of one outcome token.
type Position struct {
	TokenID  string
	Outcome  string
	Size     int64
	AvgEntry decimal.Decimal
}
