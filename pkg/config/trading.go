package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

type Mode string

const (
	ModeSimulated      Mode = "simulated"
	ModeLiveTest       Mode = "live-test"
	ModeLiveProduction Mode = "live-production"
)

func (m Mode) IsLive() bool {
	return m == ModeLiveTest || m == ModeLiveProduction
}

var (
	ErrInvalidMode             = errors.New("invalid trading mode")
	ErrInvalidMaxTradeSize     = errors.New("invalid max trade size")
	ErrInvalidMaxDailyNotional = errors.New("invalid max daily notional")
	ErrInvalidMinGasReserve    = errors.New("invalid minimum gas reserve")
	ErrMissingSigningKey       = errors.New("signing key is required in live mode")
	ErrInvalidSigningKey       = errors.New("invalid signing key")
	ErrMissingWalletAddress    = errors.New("wallet address is required in live mode")
	ErrInvalidWalletAddress    = errors.New("invalid wallet address")
	ErrInvalidTokenAddress     = errors.New("invalid collateral token address")
)

// FieldError ties a resolution failure to the environment key that caused it.
type FieldError struct {
	Key string
	Err error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

const (
	DefaultMaxTradeSizeUSD     = "25"
	DefaultMaxDailyNotionalUSD = "250"
	DefaultMinGasReserve       = "0.05"
	DefaultClobHost            = "https://clob.polymarket.com"
	// Polygon USDC.e, the exchange's collateral token.
	DefaultCollateralToken = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
)

// SigningKey holds the wallet's private key. It never prints its contents.
type SigningKey struct {
	key *ecdsa.PrivateKey
}

func NewSigningKey(key *ecdsa.PrivateKey) *SigningKey {
	return &SigningKey{key: key}
}

// ParseSigningKey accepts a hex private key with or without the 0x prefix.
func ParseSigningKey(hexKey string) (*SigningKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, ErrInvalidSigningKey
	}
	return &SigningKey{key: key}, nil
}

func (k *SigningKey) PrivateKey() *ecdsa.PrivateKey {
	return k.key
}

// Address is the account derived from the key.
func (k *SigningKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.key.PublicKey)
}

func (k *SigningKey) String() string {
	return "SigningKey(redacted)"
}

func (k *SigningKey) GoString() string {
	return k.String()
}

type ExchangeCredentials struct {
	Host       string
	TestHost   string
	APIKey     string
	APISecret  string
	Passphrase string
}

// HasL2Auth reports whether every API credential needed for authenticated
// submissions is set.
func (c ExchangeCredentials) HasL2Auth() bool {
	return c.APIKey != "" && c.APISecret != "" && c.Passphrase != ""
}

// TradingConfig is built once at startup and never mutated afterwards.
type TradingConfig struct {
	Mode                Mode
	MaxTradeSizeUSD     decimal.Decimal
	MaxDailyNotionalUSD decimal.Decimal
	MinGasReserve       decimal.Decimal
	SigningKey          *SigningKey
	WalletAddress       common.Address
	HasWallet           bool
	Exchange            ExchangeCredentials
	PolygonRPCURL       string
	CollateralToken     common.Address
	LiveConfirmation    string
}

// ExchangeHost returns the exchange endpoint for the configured mode.
func (c TradingConfig) ExchangeHost() string {
	if c.Mode == ModeLiveTest && c.Exchange.TestHost != "" {
		return c.Exchange.TestHost
	}
	return c.Exchange.Host
}

// Resolve builds the trading configuration from environment lookups. It has no
// side effects; every invalid or missing value yields a *FieldError wrapping
// one of the named errors above.
func Resolve(getenv func(string) string) (TradingConfig, error) {
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }
	cfg := TradingConfig{
		Exchange: ExchangeCredentials{
			Host:       withDefault(get("CLOB_HOST"), DefaultClobHost),
			TestHost:   get("CLOB_TEST_HOST"),
			APIKey:     get("CLOB_API_KEY"),
			APISecret:  get("CLOB_API_SECRET"),
			Passphrase: get("CLOB_API_PASSPHRASE"),
		},
		PolygonRPCURL:    get("POLYGON_RPC_URL"),
		LiveConfirmation: get("LIVE_CONFIRMATION"),
	}

	switch mode := Mode(strings.ToLower(withDefault(get("TRADING_MODE"), string(ModeSimulated)))); mode {
	case ModeSimulated, ModeLiveTest, ModeLiveProduction:
		cfg.Mode = mode
	default:
		return cfg, &FieldError{Key: "TRADING_MODE", Err: fmt.Errorf("%w: %q", ErrInvalidMode, mode)}
	}

	var err error
	if cfg.MaxTradeSizeUSD, err = positiveDecimal(get("MAX_TRADE_SIZE_USD"), DefaultMaxTradeSizeUSD); err != nil {
		return cfg, &FieldError{Key: "MAX_TRADE_SIZE_USD", Err: fmt.Errorf("%w: %v", ErrInvalidMaxTradeSize, err)}
	}
	if cfg.MaxDailyNotionalUSD, err = positiveDecimal(get("MAX_DAILY_NOTIONAL_USD"), DefaultMaxDailyNotionalUSD); err != nil {
		return cfg, &FieldError{Key: "MAX_DAILY_NOTIONAL_USD", Err: fmt.Errorf("%w: %v", ErrInvalidMaxDailyNotional, err)}
	}
	if cfg.MinGasReserve, err = positiveDecimal(get("MIN_GAS_RESERVE"), DefaultMinGasReserve); err != nil {
		return cfg, &FieldError{Key: "MIN_GAS_RESERVE", Err: fmt.Errorf("%w: %v", ErrInvalidMinGasReserve, err)}
	}

	if raw := get("SIGNER_PRIVATE_KEY"); raw != "" {
		if cfg.SigningKey, err = ParseSigningKey(raw); err != nil {
			return cfg, &FieldError{Key: "SIGNER_PRIVATE_KEY", Err: err}
		}
	} else if cfg.Mode.IsLive() {
		return cfg, &FieldError{Key: "SIGNER_PRIVATE_KEY", Err: ErrMissingSigningKey}
	}

	if raw := get("WALLET_ADDRESS"); raw != "" {
		if !common.IsHexAddress(raw) {
			return cfg, &FieldError{Key: "WALLET_ADDRESS", Err: ErrInvalidWalletAddress}
		}
		cfg.WalletAddress = common.HexToAddress(raw)
		cfg.HasWallet = true
	} else if cfg.Mode.IsLive() {
		return cfg, &FieldError{Key: "WALLET_ADDRESS", Err: ErrMissingWalletAddress}
	}

	token := withDefault(get("COLLATERAL_TOKEN_ADDRESS"), DefaultCollateralToken)
	if !common.IsHexAddress(token) {
		return cfg, &FieldError{Key: "COLLATERAL_TOKEN_ADDRESS", Err: ErrInvalidTokenAddress}
	}
	cfg.CollateralToken = common.HexToAddress(token)

	return cfg, nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func positiveDecimal(raw, def string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(withDefault(raw, def))
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}
