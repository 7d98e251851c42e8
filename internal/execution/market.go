package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"marketbot/internal/models"
	"marketbot/pkg/config"
)

var ErrUnknownMarket = errors.New("no market configured for selector")

// Market is one binary market. Price is the YES price on the 0-100 scale.
type Market struct {
	ID         string
	YesTokenID string
	NoTokenID  string
	Price      decimal.Decimal
}

// TokenFor returns the token id of an outcome.
func (m Market) TokenFor(outcome string) string {
	if outcome == models.OutcomeNo {
		return m.NoTokenID
	}
	return m.YesTokenID
}

// PriceFor returns an outcome's price; NO trades at the complement of YES.
func (m Market) PriceFor(outcome string) decimal.Decimal {
	if outcome == models.OutcomeNo {
		return decimal.NewFromInt(100).Sub(m.Price)
	}
	return m.Price
}

// MarketResolver maps a bot's selector to the market it trades.
type MarketResolver interface {
	Resolve(ctx context.Context, sel models.MarketSelector) (Market, error)
}

// StaticMarkets resolves selectors from the configured market table.
type StaticMarkets struct {
	markets map[string]Market
}

func NewStaticMarkets(table []config.MarketConfig) *StaticMarkets {
	s := &StaticMarkets{markets: make(map[string]Market, len(table))}
	for _, m := range table {
		s.markets[selectorKey(m.Currency, m.Timeframe)] = Market{
			ID:         m.MarketID,
			YesTokenID: m.YesTokenID,
			NoTokenID:  m.NoTokenID,
			Price:      decimal.NewFromFloat(m.ReferencePrice),
		}
	}
	return s
}

func (s *StaticMarkets) Resolve(_ context.Context, sel models.MarketSelector) (Market, error) {
	m, ok := s.markets[selectorKey(sel.Currency, sel.Timeframe)]
	if !ok {
		return Market{}, fmt.Errorf("%w: %s/%s", ErrUnknownMarket, sel.Currency, sel.Timeframe)
	}
	return m, nil
}

func selectorKey(currency, timeframe string) string {
	return strings.ToUpper(currency) + "/" + strings.ToLower(timeframe)
}
