// Package clob builds, signs and submits exchange orders.
package clob

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

type Side uint8

const (
	Buy  Side = 0
	Sell Side = 1
)

func (s Side) String() string {
	if s == Sell {
		return "SELL"
	}
	return "BUY"
}

// ParseSide maps "BUY"/"SELL" to a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return Buy, fmt.Errorf("unknown side %q", s)
}

type SignatureType uint8

const (
	SignatureEOA        SignatureType = 0
	SignaturePolyProxy  SignatureType = 1
	SignatureGnosisSafe SignatureType = 2
)

// OrderParams is the caller's description of an order. Price is on the 0-100
// scale and Size is in collateral base units.
type OrderParams struct {
	TokenID    string
	Side       Side
	Price      decimal.Decimal
	Size       int64
	FeeRateBps int64
	Nonce      int64
	Expiration int64
}

// Order is the canonical structure that gets signed.
type Order struct {
	Salt          int64
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          Side
	SignatureType SignatureType
}

type SignedOrder struct {
	Order
	Signature []byte
}

var hundred = decimal.NewFromInt(100)

// Amounts returns maker and taker amounts. A BUY pays size x price / 100 of
// collateral for size tokens; a SELL is the mirror image.
func Amounts(side Side, price decimal.Decimal, size int64) (maker, taker *big.Int, err error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("size must be positive, got %d", size)
	}
	if !price.IsPositive() || price.GreaterThanOrEqual(hundred) {
		return nil, nil, fmt.Errorf("price must be in (0, 100), got %s", price)
	}
	tokens := big.NewInt(size)
	collateral := decimal.NewFromInt(size).Mul(price).Div(hundred).Floor().BigInt()
	if collateral.Sign() == 0 {
		return nil, nil, fmt.Errorf("order of %d at %s rounds to zero collateral", size, price)
	}
	if side == Buy {
		return collateral, tokens, nil
	}
	return tokens, collateral, nil
}

// wireOrder is the JSON form the exchange expects.
type wireOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

func (o *SignedOrder) wire() wireOrder {
	return wireOrder{
		Salt:          o.Salt,
		Maker:         o.Maker.Hex(),
		Signer:        o.Signer.Hex(),
		Taker:         o.Taker.Hex(),
		TokenID:       o.TokenID.String(),
		MakerAmount:   o.MakerAmount.String(),
		TakerAmount:   o.TakerAmount.String(),
		Expiration:    o.Expiration.String(),
		Nonce:         o.Nonce.String(),
		FeeRateBps:    o.FeeRateBps.String(),
		Side:          o.Side.String(),
		SignatureType: int(o.SignatureType),
		Signature:     hexutil.Encode(o.Signature),
	}
}

// message renders the order as EIP-712 message values.
func (o Order) message() map[string]interface{} {
	return map[string]interface{}{
		"salt":          strconv.FormatInt(o.Salt, 10),
		"maker":         o.Maker.Hex(),
		"signer":        o.Signer.Hex(),
		"taker":         o.Taker.Hex(),
		"tokenId":       o.TokenID.String(),
		"makerAmount":   o.MakerAmount.String(),
		"takerAmount":   o.TakerAmount.String(),
		"expiration":    o.Expiration.String(),
		"nonce":         o.Nonce.String(),
		"feeRateBps":    o.FeeRateBps.String(),
		"side":          strconv.Itoa(int(o.Side)),
		"signatureType": strconv.Itoa(int(o.SignatureType)),
	}
}
