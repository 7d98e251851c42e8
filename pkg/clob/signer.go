package clob

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var ErrSignatureMismatch = errors.New("recovered signer does not match declared signer")

// Domain identifies the exchange contract the signature is bound to.
type Domain struct {
	ChainID  int64
	Exchange common.Address
}

var (
	PolygonDomain = Domain{ChainID: 137, Exchange: common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")}
	AmoyDomain    = Domain{ChainID: 80002, Exchange: common.HexToAddress("0xdFE02Eb6733538f8Ea35D585af8DE5958AD99E40")}
)

const (
	domainName    = "Polymarket CTF Exchange"
	domainVersion = "1"
)

// maxSalt keeps salts inside the 53-bit integer range so they survive JSON
// number round trips unchanged.
var maxSalt = new(big.Int).Lsh(big.NewInt(1), 53)

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "signer", Type: "address"},
		{Name: "taker", Type: "address"},
		{Name: "tokenId", Type: "uint256"},
		{Name: "makerAmount", Type: "uint256"},
		{Name: "takerAmount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "feeRateBps", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "signatureType", Type: "uint8"},
	},
}

// Signer builds and signs orders for one wallet. It holds no mutable state and
// is safe for concurrent use.
type Signer struct {
	key    *ecdsa.PrivateKey
	maker  common.Address
	domain Domain
	random io.Reader
}

// NewSigner signs with key on behalf of maker. For EOA wallets maker is the
// key's own address.
func NewSigner(key *ecdsa.PrivateKey, maker common.Address, domain Domain) *Signer {
	return &Signer{key: key, maker: maker, domain: domain, random: rand.Reader}
}

// Address is the signing key's address.
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *Signer) Domain() Domain {
	return s.domain
}

// Build assembles an unsigned order with a fresh salt.
func (s *Signer) Build(p OrderParams) (Order, error) {
	tokenID, ok := new(big.Int).SetString(p.TokenID, 10)
	if !ok || tokenID.Sign() <= 0 {
		return Order{}, fmt.Errorf("invalid token id %q", p.TokenID)
	}
	if p.FeeRateBps < 0 || p.Nonce < 0 || p.Expiration < 0 {
		return Order{}, fmt.Errorf("fee rate, nonce and expiration must not be negative")
	}
	maker, taker, err := Amounts(p.Side, p.Price, p.Size)
	if err != nil {
		return Order{}, err
	}
	salt, err := rand.Int(s.random, maxSalt)
	if err != nil {
		return Order{}, fmt.Errorf("generate salt: %w", err)
	}

	sigType := SignatureEOA
	if s.maker != s.Address() {
		sigType = SignaturePolyProxy
	}
	return Order{
		Salt:          salt.Int64(),
		Maker:         s.maker,
		Signer:        s.Address(),
		Taker:         common.Address{},
		TokenID:       tokenID,
		MakerAmount:   maker,
		TakerAmount:   taker,
		Expiration:    big.NewInt(p.Expiration),
		Nonce:         big.NewInt(p.Nonce),
		FeeRateBps:    big.NewInt(p.FeeRateBps),
		Side:          p.Side,
		SignatureType: sigType,
	}, nil
}

// Sign builds the order, signs its EIP-712 hash, and checks that the signature
// recovers to the declared signer before returning it.
func (s *Signer) Sign(p OrderParams) (*SignedOrder, error) {
	order, err := s.Build(p)
	if err != nil {
		return nil, err
	}
	hash, err := s.domain.Hash(order)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	signed := &SignedOrder{Order: order, Signature: sig}
	if _, err := s.domain.Verify(signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// Hash returns the EIP-712 digest of order under the domain.
func (d Domain) Hash(order Order) ([]byte, error) {
	typed := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(d.ChainID),
			VerifyingContract: d.Exchange.Hex(),
		},
		Message: order.message(),
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("hash order: %w", err)
	}
	return hash, nil
}

// Verify recovers the address that produced the order's signature and checks
// it against the order's signer field.
func (d Domain) Verify(o *SignedOrder) (common.Address, error) {
	if len(o.Signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(o.Signature))
	}
	hash, err := d.Hash(o.Order)
	if err != nil {
		return common.Address{}, err
	}
	sig := make([]byte, len(o.Signature))
	copy(sig, o.Signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != o.Signer {
		return recovered, fmt.Errorf("%w: recovered %s, declared %s", ErrSignatureMismatch, recovered.Hex(), o.Signer.Hex())
	}
	return recovered, nil
}
