// Package safety decides whether this process may trade live capital and
// guards each live trade with kill-switches.
package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketbot/pkg/clob"
	"marketbot/pkg/config"
)

const DefaultConfirmationTimeout = 30 * time.Second

var (
	ErrAddressMismatch = errors.New("signing key does not control the configured wallet")
	ErrNotConfirmed    = errors.New("live trading was not confirmed")
)

// selfTestToken is a syntactically valid token id; the self-test order is
// never transmitted.
const selfTestToken = "1"

// Status is the verifier's outcome. Effective is the mode the process runs
// in; it is only live when every startup step passed.
type Status struct {
	Configured    config.Mode
	Effective     config.Mode
	LiveConfirmed bool
	// Fatal is set when configuration is inconsistent and needs an operator.
	Fatal  error
	Reason string
	Wallet *WalletDiagnostics
}

// Live reports whether live orders may be attempted.
func (s Status) Live() bool {
	return s.LiveConfirmed && s.Effective.IsLive()
}

type Verifier struct {
	cfg         config.TradingConfig
	diagnostics *Diagnostics
	signer      *clob.Signer
	confirm     ConfirmationProvider
	timeout     time.Duration
	log         logrus.FieldLogger
}

// NewVerifier wires the startup checks. diagnostics and signer may be nil
// when the configuration carries no wallet; the verifier then stays simulated.
func NewVerifier(cfg config.TradingConfig, diagnostics *Diagnostics, signer *clob.Signer, confirm ConfirmationProvider, log logrus.FieldLogger) *Verifier {
	return &Verifier{
		cfg:         cfg,
		diagnostics: diagnostics,
		signer:      signer,
		confirm:     confirm,
		timeout:     DefaultConfirmationTimeout,
		log:         log,
	}
}

// WithTimeout overrides the confirmation timeout.
func (v *Verifier) WithTimeout(d time.Duration) *Verifier {
	v.timeout = d
	return v
}

// Startup runs the startup sequence once. It never returns live unless the
// secrets are consistent, balances were read, the dry-run signature verified
// and the confirmation provider approved within the timeout.
func (v *Verifier) Startup(ctx context.Context) Status {
	status := Status{Configured: v.cfg.Mode, Effective: config.ModeSimulated}
	if !v.cfg.Mode.IsLive() {
		status.Reason = "configured for simulated trading"
		return status
	}

	if err := v.checkSecrets(); err != nil {
		status.Fatal = err
		return v.fallback(status, "secrets", err)
	}

	diag, err := v.diagnostics.Refresh(ctx)
	if err != nil {
		return v.fallback(status, "balances", fmt.Errorf("fetch wallet balances: %w", err))
	}
	status.Wallet = &diag
	v.log.WithFields(logrus.Fields{
		"wallet":        diag.Address.Hex(),
		"collateral":    diag.Collateral.String(),
		"native":        diag.Native.String(),
		"collateral_ok": diag.CollateralOK,
		"gas_ok":        diag.GasOK,
	}).Info("wallet diagnostics")

	if err := v.selfTest(); err != nil {
		return v.fallback(status, "self-test", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	ok, err := v.confirm.Confirm(confirmCtx, ConfirmationRequest{
		Mode:                v.cfg.Mode,
		Wallet:              v.cfg.WalletAddress,
		Collateral:          diag.Collateral,
		Native:              diag.Native,
		MaxTradeSizeUSD:     v.cfg.MaxTradeSizeUSD,
		MaxDailyNotionalUSD: v.cfg.MaxDailyNotionalUSD,
	})
	if err != nil {
		return v.fallback(status, "confirmation", fmt.Errorf("%w: %v", ErrNotConfirmed, err))
	}
	if !ok {
		return v.fallback(status, "confirmation", ErrNotConfirmed)
	}

	status.Effective = v.cfg.Mode
	status.LiveConfirmed = true
	status.Reason = "live trading confirmed"
	v.log.WithField("mode", v.cfg.Mode).Warn("live trading enabled")
	return status
}

func (v *Verifier) checkSecrets() error {
	if v.cfg.SigningKey == nil {
		return config.ErrMissingSigningKey
	}
	if !v.cfg.HasWallet {
		return config.ErrMissingWalletAddress
	}
	if derived := v.cfg.SigningKey.Address(); derived != v.cfg.WalletAddress {
		return fmt.Errorf("%w: key derives %s, wallet is %s", ErrAddressMismatch, derived.Hex(), v.cfg.WalletAddress.Hex())
	}
	if v.diagnostics == nil || v.signer == nil {
		return errors.New("wallet diagnostics and signer are required in live mode")
	}
	if v.signer.Address() != v.cfg.WalletAddress {
		return fmt.Errorf("%w: signer is %s", ErrAddressMismatch, v.signer.Address().Hex())
	}
	return nil
}

// selfTest signs a throwaway order and verifies it independently.
func (v *Verifier) selfTest() error {
	signed, err := v.signer.Sign(clob.OrderParams{
		TokenID: selfTestToken,
		Side:    clob.Buy,
		Price:   decimal.NewFromInt(50),
		Size:    1_000_000,
	})
	if err != nil {
		return fmt.Errorf("dry-run signing: %w", err)
	}
	recovered, err := v.signer.Domain().Verify(signed)
	if err != nil {
		return fmt.Errorf("dry-run verification: %w", err)
	}
	if recovered != v.cfg.WalletAddress {
		return fmt.Errorf("%w: dry-run recovered %s", ErrAddressMismatch, recovered.Hex())
	}
	return nil
}

func (v *Verifier) fallback(status Status, step string, err error) Status {
	status.Effective = config.ModeSimulated
	status.LiveConfirmed = false
	status.Reason = fmt.Sprintf("%s: %v", step, err)
	entry := v.log.WithFields(logrus.Fields{"step": step, "configured_mode": status.Configured}).WithError(err)
	if status.Fatal != nil {
		entry.Error("live trading disabled; operator intervention required")
	} else {
		entry.Warn("live trading disabled; falling back to simulated")
	}
	return status
}
