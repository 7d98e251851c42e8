package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const erc20JSON = `[
{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

var erc20ABI = mustABI(erc20JSON)

const (
	collateralDecimals = 6
	nativeDecimals     = 18
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// BalanceReader is the read-only subset of Backend.
type BalanceReader interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

func callUint(ctx context.Context, backend BalanceReader, contract common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode %s: unexpected type %T", method, values[0])
	}
	return v, nil
}

// TokenBalance returns owner's ERC20 balance in base units.
func TokenBalance(ctx context.Context, backend BalanceReader, token, owner common.Address) (*big.Int, error) {
	return callUint(ctx, backend, token, "balanceOf", owner)
}

// Allowance returns how much spender may move out of owner's token balance.
func Allowance(ctx context.Context, backend BalanceReader, token, owner, spender common.Address) (*big.Int, error) {
	return callUint(ctx, backend, token, "allowance", owner, spender)
}

// WalletBalances is a point-in-time view of a trading wallet.
type WalletBalances struct {
	Collateral decimal.Decimal
	Native     decimal.Decimal
}

// FetchBalances reads the collateral token and native gas balances of owner,
// converted to whole units.
func FetchBalances(ctx context.Context, backend BalanceReader, token, owner common.Address) (WalletBalances, error) {
	collateral, err := TokenBalance(ctx, backend, token, owner)
	if err != nil {
		return WalletBalances{}, err
	}
	native, err := backend.BalanceAt(ctx, owner, nil)
	if err != nil {
		return WalletBalances{}, fmt.Errorf("get native balance: %w", err)
	}
	return WalletBalances{
		Collateral: decimal.NewFromBigInt(collateral, -collateralDecimals),
		Native:     decimal.NewFromBigInt(native, -nativeDecimals),
	}, nil
}

// TokenWallet reads balances of one collateral token.
type TokenWallet struct {
	backend BalanceReader
	token   common.Address
}

func NewTokenWallet(backend BalanceReader, token common.Address) *TokenWallet {
	return &TokenWallet{backend: backend, token: token}
}

func (w *TokenWallet) Balances(ctx context.Context, owner common.Address) (WalletBalances, error) {
	return FetchBalances(ctx, w.backend, w.token, owner)
}
