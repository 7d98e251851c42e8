package safety

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"marketbot/pkg/config"
)

// ConfirmationPhrase must be supplied verbatim to enable live trading.
const ConfirmationPhrase = "ENABLE LIVE TRADING"

// ConfirmationRequest is what an approver is shown before live trading starts.
type ConfirmationRequest struct {
	Mode                config.Mode
	Wallet              common.Address
	Collateral          decimal.Decimal
	Native              decimal.Decimal
	MaxTradeSizeUSD     decimal.Decimal
	MaxDailyNotionalUSD decimal.Decimal
}

// ConfirmationProvider approves or refuses live trading. Implementations must
// return promptly once ctx is done; anything but (true, nil) keeps the
// process simulated.
type ConfirmationProvider interface {
	Confirm(ctx context.Context, req ConfirmationRequest) (bool, error)
}

// TerminalConfirmation asks an operator to type the confirmation phrase.
type TerminalConfirmation struct {
	In  io.Reader
	Out io.Writer
}

func (t TerminalConfirmation) Confirm(ctx context.Context, req ConfirmationRequest) (bool, error) {
	fmt.Fprintf(t.Out, "\nLive trading requested (%s)\n", req.Mode)
	fmt.Fprintf(t.Out, "  wallet:             %s\n", req.Wallet.Hex())
	fmt.Fprintf(t.Out, "  collateral:         $%s\n", req.Collateral.StringFixed(2))
	fmt.Fprintf(t.Out, "  gas balance:        %s\n", req.Native.String())
	fmt.Fprintf(t.Out, "  max trade size:     $%s\n", req.MaxTradeSizeUSD.StringFixed(2))
	fmt.Fprintf(t.Out, "  max daily notional: $%s\n", req.MaxDailyNotionalUSD.StringFixed(2))
	fmt.Fprintf(t.Out, "Type %q to continue: ", ConfirmationPhrase)

	// The reader goroutine is abandoned on timeout; stdin has no deadline.
	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(t.In).ReadString('\n')
		if err != nil && line == "" {
			errs <- err
			return
		}
		lines <- line
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(t.Out)
		return false, ctx.Err()
	case err := <-errs:
		return false, fmt.Errorf("read confirmation: %w", err)
	case line := <-lines:
		return strings.TrimSpace(line) == ConfirmationPhrase, nil
	}
}

// PolicyConfirmation approves from a pre-provisioned phrase, for unattended
// deployments where the phrase is injected by the operator's secret store.
type PolicyConfirmation struct {
	Approval string
}

func (p PolicyConfirmation) Confirm(ctx context.Context, _ ConfirmationRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return strings.TrimSpace(p.Approval) == ConfirmationPhrase, nil
}
