package config

import (
	"errors"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// File holds operational settings loaded from YAML. Secrets never live here.
type File struct {
	Worker     WorkerSection          `yaml:"worker"`
	API        APISection             `yaml:"api"`
	Exchange   ExchangeSection        `yaml:"exchange"`
	Simulation SimulationSection      `yaml:"simulation"`
	Bridge     BridgeSection          `yaml:"bridge"`
	Chains     map[string]ChainConfig `yaml:"chains"`
	Markets    []MarketConfig         `yaml:"markets"`
}

type WorkerSection struct {
	Concurrency         int           `yaml:"concurrency"`
	SignalQueue         string        `yaml:"signal_queue"`
	MetricsQueue        string        `yaml:"metrics_queue"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	// Timezone anchors "since local midnight" for daily trade counts.
	Timezone string `yaml:"timezone"`
}

type APISection struct {
	Port              string  `yaml:"port"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type ExchangeSection struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	FeeRateBps  int64         `yaml:"fee_rate_bps"`
}

type SimulationSection struct {
	SlippageBps int   `yaml:"slippage_bps"`
	FeeBps      int   `yaml:"fee_bps"`
	Seed        int64 `yaml:"seed"`
}

type BridgeSection struct {
	Interval               time.Duration `yaml:"interval"`
	BatchSize              int           `yaml:"batch_size"`
	AttestationURL         string        `yaml:"attestation_url"`
	AttestationTimeout     time.Duration `yaml:"attestation_timeout"`
	MintEscalationAttempts int           `yaml:"mint_escalation_attempts"`
	KeystoreDir            string        `yaml:"keystore_dir"`
}

// ChainConfig describes one CCTP-enabled chain.
type ChainConfig struct {
	RPCURL             string `yaml:"rpc_url"`
	ChainID            int64  `yaml:"chain_id"`
	Domain             uint32 `yaml:"domain"`
	TokenMessenger     string `yaml:"token_messenger"`
	MessageTransmitter string `yaml:"message_transmitter"`
	USDC               string `yaml:"usdc"`
}

// MarketConfig maps a bot's (currency, timeframe) selector to an exchange market.
type MarketConfig struct {
	Currency       string  `yaml:"currency"`
	Timeframe      string  `yaml:"timeframe"`
	MarketID       string  `yaml:"market_id"`
	YesTokenID     string  `yaml:"yes_token_id"`
	NoTokenID      string  `yaml:"no_token_id"`
	ReferencePrice float64 `yaml:"reference_price"`
}

const (
	DefaultConcurrency            = 5
	DefaultSignalQueue            = "signal_jobs"
	DefaultMetricsQueue           = "bot_metrics_recompute"
	DefaultConfirmationTimeout    = 30 * time.Second
	DefaultTimezone               = "UTC"
	DefaultAPIPort                = "8080"
	DefaultRequestsPerSecond      = 5
	DefaultBurst                  = 10
	DefaultExchangeTimeout        = 15 * time.Second
	DefaultMaxAttempts            = 3
	DefaultBaseBackoff            = 500 * time.Millisecond
	DefaultSlippageBps            = 50
	DefaultFeeBps                 = 0
	DefaultBridgeInterval         = 30 * time.Second
	DefaultBridgeBatchSize        = 10
	DefaultAttestationURL         = "https://iris-api.circle.com/attestations"
	DefaultAttestationTimeout     = 15 * time.Second
	DefaultMintEscalationAttempts = 20
	DefaultKeystoreDir            = "keystore"
)

// LoadFile reads and validates a YAML config file. An empty path yields the
// defaults.
func LoadFile(path string) (*File, error) {
	f := &File{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) applyDefaults() {
	if f.Worker.Concurrency == 0 {
		f.Worker.Concurrency = DefaultConcurrency
	}
	if f.Worker.SignalQueue == "" {
		f.Worker.SignalQueue = DefaultSignalQueue
	}
	if f.Worker.MetricsQueue == "" {
		f.Worker.MetricsQueue = DefaultMetricsQueue
	}
	if f.Worker.ConfirmationTimeout == 0 {
		f.Worker.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if f.Worker.Timezone == "" {
		f.Worker.Timezone = DefaultTimezone
	}

	if f.API.Port == "" {
		f.API.Port = DefaultAPIPort
	}
	if f.API.RequestsPerSecond == 0 {
		f.API.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if f.API.Burst == 0 {
		f.API.Burst = DefaultBurst
	}

	if f.Exchange.Timeout == 0 {
		f.Exchange.Timeout = DefaultExchangeTimeout
	}
	if f.Exchange.MaxAttempts == 0 {
		f.Exchange.MaxAttempts = DefaultMaxAttempts
	}
	if f.Exchange.BaseBackoff == 0 {
		f.Exchange.BaseBackoff = DefaultBaseBackoff
	}

	if f.Simulation.SlippageBps == 0 {
		f.Simulation.SlippageBps = DefaultSlippageBps
	}

	if f.Bridge.Interval == 0 {
		f.Bridge.Interval = DefaultBridgeInterval
	}
	if f.Bridge.BatchSize == 0 {
		f.Bridge.BatchSize = DefaultBridgeBatchSize
	}
	if f.Bridge.AttestationURL == "" {
		f.Bridge.AttestationURL = DefaultAttestationURL
	}
	if f.Bridge.AttestationTimeout == 0 {
		f.Bridge.AttestationTimeout = DefaultAttestationTimeout
	}
	if f.Bridge.MintEscalationAttempts == 0 {
		f.Bridge.MintEscalationAttempts = DefaultMintEscalationAttempts
	}
	if f.Bridge.KeystoreDir == "" {
		f.Bridge.KeystoreDir = DefaultKeystoreDir
	}
}

// Validate checks ranges and cross-references between sections.
func (f *File) Validate() error {
	if f.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be >= 1")
	}
	if _, err := time.LoadLocation(f.Worker.Timezone); err != nil {
		return fmt.Errorf("worker.timezone: %w", err)
	}
	if f.Exchange.MaxAttempts < 1 {
		return errors.New("exchange.max_attempts must be >= 1")
	}
	if f.Exchange.FeeRateBps < 0 {
		return errors.New("exchange.fee_rate_bps must be >= 0")
	}
	if f.Simulation.SlippageBps < 0 || f.Simulation.FeeBps < 0 {
		return errors.New("simulation bps values must be >= 0")
	}
	if f.Bridge.BatchSize < 1 {
		return errors.New("bridge.batch_size must be >= 1")
	}
	if f.Bridge.MintEscalationAttempts < 1 {
		return errors.New("bridge.mint_escalation_attempts must be >= 1")
	}

	for name, chain := range f.Chains {
		if err := chain.validate("chains." + name); err != nil {
			return err
		}
	}

	seen := make(map[string]bool)
	for i, m := range f.Markets {
		prefix := fmt.Sprintf("markets[%d]", i)
		if m.Currency == "" || m.Timeframe == "" {
			return fmt.Errorf("%s: currency and timeframe are required", prefix)
		}
		if m.MarketID == "" || m.YesTokenID == "" || m.NoTokenID == "" {
			return fmt.Errorf("%s: market_id, yes_token_id and no_token_id are required", prefix)
		}
		if m.ReferencePrice <= 0 || m.ReferencePrice >= 100 {
			return fmt.Errorf("%s: reference_price must be in (0, 100), got %v", prefix, m.ReferencePrice)
		}
		key := m.Currency + "/" + m.Timeframe
		if seen[key] {
			return fmt.Errorf("%s: duplicate market selector %s", prefix, key)
		}
		seen[key] = true
	}
	return nil
}

func (c ChainConfig) validate(prefix string) error {
	if c.RPCURL == "" {
		return fmt.Errorf("%s.rpc_url is required", prefix)
	}
	if c.ChainID < 1 {
		return fmt.Errorf("%s.chain_id must be >= 1", prefix)
	}
	for field, addr := range map[string]string{
		"token_messenger":     c.TokenMessenger,
		"message_transmitter": c.MessageTransmitter,
		"usdc":                c.USDC,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s.%s is not a valid address", prefix, field)
		}
	}
	return nil
}

// Location returns the worker's configured timezone.
func (f *File) Location() *time.Location {
	loc, err := time.LoadLocation(f.Worker.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
