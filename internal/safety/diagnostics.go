package safety

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"marketbot/pkg/evm"
)

const DefaultDiagnosticsTTL = 30 * time.Second

// WalletReader reads the trading wallet's on-chain balances.
// *evm.TokenWallet satisfies it.
type WalletReader interface {
	Balances(ctx context.Context, owner common.Address) (evm.WalletBalances, error)
}

// WalletDiagnostics is a point-in-time view of the trading wallet.
type WalletDiagnostics struct {
	Address      common.Address  `json:"address"`
	Collateral   decimal.Decimal `json:"collateral"`
	Native       decimal.Decimal `json:"native"`
	CollateralOK bool            `json:"collateral_ok"`
	GasOK        bool            `json:"gas_ok"`
	CheckedAt    time.Time       `json:"checked_at"`
}

// Diagnostics caches wallet diagnostics for a short TTL so that a burst of
// trades does not issue one RPC round trip each.
type Diagnostics struct {
	reader WalletReader
	owner  common.Address
	minGas decimal.Decimal
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	cached *WalletDiagnostics
}

func NewDiagnostics(reader WalletReader, owner common.Address, minGas decimal.Decimal, ttl time.Duration) *Diagnostics {
	if ttl <= 0 {
		ttl = DefaultDiagnosticsTTL
	}
	return &Diagnostics{reader: reader, owner: owner, minGas: minGas, ttl: ttl, now: time.Now}
}

// Get returns cached diagnostics, refreshing them once the TTL has passed.
func (d *Diagnostics) Get(ctx context.Context) (WalletDiagnostics, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached != nil && d.now().Sub(d.cached.CheckedAt) < d.ttl {
		return *d.cached, nil
	}
	return d.refreshLocked(ctx)
}

// Refresh always reads fresh balances.
func (d *Diagnostics) Refresh(ctx context.Context) (WalletDiagnostics, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refreshLocked(ctx)
}

func (d *Diagnostics) refreshLocked(ctx context.Context) (WalletDiagnostics, error) {
	balances, err := d.reader.Balances(ctx, d.owner)
	if err != nil {
		return WalletDiagnostics{}, err
	}
	diag := WalletDiagnostics{
		Address:      d.owner,
		Collateral:   balances.Collateral,
		Native:       balances.Native,
		CollateralOK: balances.Collateral.IsPositive(),
		GasOK:        balances.Native.GreaterThanOrEqual(d.minGas),
		CheckedAt:    d.now(),
	}
	d.cached = &diag
	return diag, nil
}
