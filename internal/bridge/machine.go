// Package bridge advances cross-chain collateral transfers through
// burn, attestation and mint.
//
// Every mutation is a single conditional update keyed on the record's current
// status, so a record that already moved on is simply not matched again. A
// transaction hash is always persisted before the transaction is broadcast;
// a record found with a hash is resumed by receipt lookup, never re-sent.
package bridge

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"marketbot/internal/models"
	"marketbot/internal/store"
	"marketbot/pkg/evm"
)

// Chain is one CCTP endpoint. *evm.CCTPChain satisfies it.
type Chain interface {
	Name() string
	Domain() uint32
	SignBurn(ctx context.Context, key *ecdsa.PrivateKey, amount *big.Int, destDomain uint32, recipient common.Address) (*types.Transaction, error)
	SignReceive(ctx context.Context, key *ecdsa.PrivateKey, message, attestation []byte) (*types.Transaction, error)
	Send(ctx context.Context, tx *types.Transaction) error
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	MessageFromReceipt(receipt *types.Receipt) ([]byte, common.Hash, error)
	MessageReceived(ctx context.Context, message []byte) (bool, error)
}

type Config struct {
	BatchSize              int
	MintEscalationAttempts int
}

type Machine struct {
	store    *store.Store
	chains   map[string]Chain
	keys     Keys
	attester Attester
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewMachine(s *store.Store, chains map[string]Chain, keys Keys, attester Attester, cfg Config, log logrus.FieldLogger) *Machine {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	if cfg.MintEscalationAttempts < 1 {
		cfg.MintEscalationAttempts = 20
	}
	return &Machine{
		store:    s,
		chains:   chains,
		keys:     keys,
		attester: attester,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// RunCycle runs the four stage passes in order. Errors on one record are
// logged and never stop the rest of the batch. Every record a pass leaves in
// place is touched, so records that keep waiting or failing rotate to the
// back of the queue instead of holding the batch.
func (m *Machine) RunCycle(ctx context.Context) {
	passes := []struct {
		status string
		fn     func(context.Context, logrus.FieldLogger, models.BridgeTransaction) error
	}{
		{models.BridgePending, m.processPending},
		{models.BridgeBurning, m.processBurning},
		{models.BridgeAttesting, m.processAttesting},
		{models.BridgeMinting, m.processMinting},
	}
	for _, pass := range passes {
		if ctx.Err() != nil {
			return
		}
		records, err := m.store.BridgeByStatus(ctx, m.cfg.BatchSize, pass.status)
		if err != nil {
			m.log.WithError(err).WithField("status", pass.status).Error("Failed to load bridge transactions")
			continue
		}
		for _, record := range records {
			log := m.log.WithFields(logrus.Fields{
				"bridge_id": record.ID,
				"status":    record.Status,
				"direction": record.Direction,
			})
			if err := pass.fn(ctx, log, record); err != nil {
				if errors.Is(err, store.ErrStaleTransition) {
					log.WithError(err).Debug("Bridge transaction moved on concurrently")
					continue
				}
				log.WithError(err).Error("Failed to process bridge transaction")
			}
			if err := m.store.TouchBridge(ctx, record.ID, pass.status, m.now()); err != nil {
				log.WithError(err).Warn("Failed to touch bridge transaction")
			}
		}
	}
}

func (m *Machine) routes(record models.BridgeTransaction) (source, dest Chain, err error) {
	source, ok := m.chains[record.SourceChain]
	if !ok {
		return nil, nil, fmt.Errorf("unknown source chain %q", record.SourceChain)
	}
	dest, ok = m.chains[record.DestinationChain]
	if !ok {
		return nil, nil, fmt.Errorf("unknown destination chain %q", record.DestinationChain)
	}
	return source, dest, nil
}

func (m *Machine) processPending(ctx context.Context, log logrus.FieldLogger, record models.BridgeTransaction) error {
	if _, _, err := m.routes(record); err != nil {
		return m.fail(ctx, log, record, err.Error())
	}
	if record.Amount <= 0 {
		return m.fail(ctx, log, record, "amount must be positive")
	}
	if record.Direction != models.DirectionDeposit && record.Direction != models.DirectionWithdraw {
		return m.fail(ctx, log, record, fmt.Sprintf("unknown direction %q", record.Direction))
	}
	return m.store.AdvanceBridge(ctx, record.ID, models.BridgePending, models.BridgeBurning, nil)
}

func (m *Machine) processBurning(ctx context.Context, log logrus.FieldLogger, record models.BridgeTransaction) error {
	source, dest, err := m.routes(record)
	if err != nil {
		return m.fail(ctx, log, record, err.Error())
	}
	if record.SourceTxHash != "" {
		return m.resumeBurn(ctx, log, source, record)
	}

	key, recipient, err := m.keys.Burn(record)
	if err != nil {
		return m.fail(ctx, log, record, err.Error())
	}
	tx, err := source.SignBurn(ctx, key, big.NewInt(record.Amount), dest.Domain(), recipient)
	if err != nil {
		return m.fail(ctx, log, record, "build burn: "+err.Error())
	}
	if err := m.store.ClaimBridgeSourceTx(ctx, record.ID, tx.Hash().Hex()); err != nil {
		return err
	}
	if err := source.Send(ctx, tx); err != nil {
		if m.burnAccepted(ctx, source, tx.Hash(), err) {
			log.WithError(err).Warn("Burn broadcast returned an error but the node has the transaction; resuming by receipt")
			return nil
		}
		return m.fail(ctx, log, record, "broadcast burn: "+err.Error())
	}
	log.WithField("source_tx_hash", tx.Hash().Hex()).Info("Burn broadcast")
	return nil
}

// burnAccepted reports whether a burn whose broadcast errored reached the
// chain anyway: the node already knew it, or it is already mined.
func (m *Machine) burnAccepted(ctx context.Context, source Chain, hash common.Hash, sendErr error) bool {
	if strings.Contains(strings.ToLower(sendErr.Error()), "already known") {
		return true
	}
	receipt, err := source.Receipt(ctx, hash)
	return err == nil && receipt != nil
}

func (m *Machine) resumeBurn(ctx context.Context, log logrus.FieldLogger, source Chain, record models.BridgeTransaction) error {
	receipt, err := source.Receipt(ctx, common.HexToHash(record.SourceTxHash))
	if errors.Is(err, evm.ErrNotFound) {
		log.Debug("Burn not yet mined")
		return nil
	}
	if err != nil {
		return fmt.Errorf("burn receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return m.fail(ctx, log, record, "burn transaction reverted")
	}
	message, hash, err := source.MessageFromReceipt(receipt)
	if err != nil {
		return m.fail(ctx, log, record, err.Error())
	}
	if err := m.store.AdvanceBridge(ctx, record.ID, models.BridgeBurning, models.BridgeAttesting, map[string]interface{}{
		"message_bytes": message,
		"message_hash":  hash.Hex(),
	}); err != nil {
		return err
	}
	log.WithField("message_hash", hash.Hex()).Info("Burn confirmed, awaiting attestation")
	return nil
}

// processAttesting never changes state on a failed poll; the next cycle
// simply asks again.
func (m *Machine) processAttesting(ctx context.Context, log logrus.FieldLogger, record models.BridgeTransaction) error {
	status, attestation, err := m.attester.Fetch(ctx, common.HexToHash(record.MessageHash))
	if err != nil {
		return fmt.Errorf("poll attestation: %w", err)
	}
	if status != AttestationComplete {
		log.Debug("Attestation pending")
		return nil
	}
	if err := m.store.AdvanceBridge(ctx, record.ID, models.BridgeAttesting, models.BridgeMinting, map[string]interface{}{
		"attestation_blob": hexutil.Encode(attestation),
	}); err != nil {
		return err
	}
	log.Info("Attestation complete, minting")
	return nil
}

// processMinting retries indefinitely: an attestation never expires, so a
// failed mint is always safe to resubmit. Records past the escalation
// threshold are flagged for an operator but keep retrying. Before each new
// attempt the destination chain is asked whether the message was already
// received, by an earlier attempt or by a third-party relayer.
func (m *Machine) processMinting(ctx context.Context, log logrus.FieldLogger, record models.BridgeTransaction) error {
	_, dest, err := m.routes(record)
	if err != nil {
		return m.fail(ctx, log, record, err.Error())
	}
	if record.DestinationTxHash != "" {
		return m.resumeMint(ctx, log, dest, record)
	}
	received, err := dest.MessageReceived(ctx, record.MessageBytes)
	if err != nil && !errors.Is(err, evm.ErrMalformedMessage) {
		return fmt.Errorf("check message received: %w", err)
	}
	if received {
		log.Info("Message already received on destination chain")
		return m.complete(ctx, log, record)
	}
	m.escalate(ctx, log, record)

	attestation, err := hexutil.Decode(record.AttestationBlob)
	if err != nil {
		return m.fail(ctx, log, record, "stored attestation is not valid hex")
	}
	tx, err := dest.SignReceive(ctx, m.keys.Mint(), record.MessageBytes, attestation)
	if err != nil {
		return m.recordMintFailure(ctx, record, "build mint: "+err.Error(), false)
	}
	if err := m.store.ClaimBridgeDestinationTx(ctx, record.ID, tx.Hash().Hex()); err != nil {
		return err
	}
	if err := dest.Send(ctx, tx); err != nil {
		return m.recordMintFailure(ctx, record, "broadcast mint: "+err.Error(), true)
	}
	log.WithFields(logrus.Fields{
		"destination_tx_hash": tx.Hash().Hex(),
		"attempt":             record.MintAttempts + 1,
	}).Info("Mint broadcast")
	return nil
}

func (m *Machine) resumeMint(ctx context.Context, log logrus.FieldLogger, dest Chain, record models.BridgeTransaction) error {
	receipt, err := dest.Receipt(ctx, common.HexToHash(record.DestinationTxHash))
	if errors.Is(err, evm.ErrNotFound) {
		log.Debug("Mint not yet mined")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mint receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		received, err := dest.MessageReceived(ctx, record.MessageBytes)
		if err == nil && received {
			log.Info("Mint reverted but the message was already received on destination chain")
			return m.complete(ctx, log, record)
		}
		return m.recordMintFailure(ctx, record, "mint transaction reverted", true)
	}
	return m.complete(ctx, log, record)
}

func (m *Machine) complete(ctx context.Context, log logrus.FieldLogger, record models.BridgeTransaction) error {
	if err := m.store.CompleteBridge(ctx, record.ID); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"amount":       record.Amount,
		"ledger_delta": record.LedgerDelta(),
	}).Info("Bridge transaction completed")
	return nil
}

func (m *Machine) escalate(ctx context.Context, log logrus.FieldLogger, record models.BridgeTransaction) {
	if record.MintAttempts < m.cfg.MintEscalationAttempts {
		return
	}
	first, err := m.store.EscalateBridge(ctx, record.ID, m.now())
	if err != nil {
		log.WithError(err).Error("Failed to flag bridge transaction for escalation")
	}
	log.WithFields(logrus.Fields{
		"mint_attempts": record.MintAttempts,
		"first_flagged": first,
		"last_error":    record.Error,
	}).Error("Mint keeps failing; operator attention required")
}

func (m *Machine) recordMintFailure(ctx context.Context, record models.BridgeTransaction, reason string, clearHash bool) error {
	if err := m.store.RecordMintFailure(ctx, record.ID, reason, clearHash); err != nil {
		return err
	}
	return errors.New(reason)
}

func (m *Machine) fail(ctx context.Context, log logrus.FieldLogger, record models.BridgeTransaction, reason string) error {
	if err := m.store.FailBridge(ctx, record.ID, record.Status, reason); err != nil {
		return err
	}
	log.WithField("reason", reason).Warn("Bridge transaction failed")
	return nil
}
