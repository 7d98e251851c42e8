package execution

import (
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketbot/internal/models"
)

var (
	minPrice = decimal.RequireFromString("0.01")
	maxPrice = decimal.RequireFromString("99.99")
	bpsScale = decimal.NewFromInt(10_000)
)

// FillSimulator produces synthetic fills for simulated orders. Slippage is
// drawn uniformly from [0, slippageBps] and always moves against the trader.
type FillSimulator struct {
	slippageBps int
	feeBps      int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFillSimulator seeds from the clock when seed is zero.
func NewFillSimulator(slippageBps, feeBps int, seed int64) *FillSimulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &FillSimulator{
		slippageBps: slippageBps,
		feeBps:      feeBps,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Simulate fills size at price, adjusted by jitter.
func (fs *FillSimulator) Simulate(side string, price decimal.Decimal, size int64) models.Fill {
	fs.mu.Lock()
	slippage := fs.rng.Intn(fs.slippageBps + 1)
	fs.mu.Unlock()

	factor := decimal.NewFromInt(int64(slippage)).Div(bpsScale)
	if side == models.SideBuy {
		price = price.Mul(decimal.NewFromInt(1).Add(factor))
	} else {
		price = price.Mul(decimal.NewFromInt(1).Sub(factor))
	}
	price = clampPrice(price.Round(4))

	notional := models.Notional(price, size)
	fee := notional.Mul(decimal.NewFromInt(int64(fs.feeBps))).Div(bpsScale).Round(6)
	return models.Fill{Price: price, Size: size, Fees: fee}
}

func clampPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(minPrice) {
		return minPrice
	}
	if p.GreaterThan(maxPrice) {
		return maxPrice
	}
	return p
}
