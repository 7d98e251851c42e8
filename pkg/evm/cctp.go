package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const tokenMessengerJSON = `[
{"inputs":[{"name":"amount","type":"uint256"},{"name":"destinationDomain","type":"uint32"},{"name":"mintRecipient","type":"bytes32"},{"name":"burnToken","type":"address"}],"name":"depositForBurn","outputs":[{"name":"_nonce","type":"uint64"}],"stateMutability":"nonpayable","type":"function"}
]`

const messageTransmitterJSON = `[
{"inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],"name":"receiveMessage","outputs":[{"name":"success","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"","type":"bytes32"}],"name":"usedNonces","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"anonymous":false,"inputs":[{"indexed":false,"name":"message","type":"bytes"}],"name":"MessageSent","type":"event"}
]`

var (
	tokenMessengerABI     = mustABI(tokenMessengerJSON)
	messageTransmitterABI = mustABI(messageTransmitterJSON)

	// MessageSentTopic is the event id of MessageTransmitter.MessageSent(bytes).
	MessageSentTopic = messageTransmitterABI.Events["MessageSent"].ID
)

var (
	ErrInsufficientAllowance = errors.New("token messenger allowance below burn amount")
	ErrNoMessage             = errors.New("receipt carries no MessageSent event")
	ErrMalformedMessage      = errors.New("malformed CCTP message")
)

// messageHeaderLen is version, source domain, destination domain, nonce,
// sender, recipient and destination caller.
const messageHeaderLen = 4 + 4 + 4 + 8 + 32 + 32 + 32

// ChainParams are the CCTP contracts of one chain.
type ChainParams struct {
	Name               string
	ChainID            *big.Int
	Domain             uint32
	TokenMessenger     common.Address
	MessageTransmitter common.Address
	USDC               common.Address
}

// CCTPChain signs and broadcasts CCTP transactions on one chain. Signing and
// sending are separate so callers can persist a hash before it goes out.
type CCTPChain struct {
	params  ChainParams
	backend Backend
}

func NewCCTPChain(params ChainParams, backend Backend) *CCTPChain {
	return &CCTPChain{params: params, backend: backend}
}

func (c *CCTPChain) Name() string   { return c.params.Name }
func (c *CCTPChain) Domain() uint32 { return c.params.Domain }

// SignBurn builds a signed depositForBurn moving amount of USDC from the key's
// account to recipient on destDomain. The token messenger must already hold
// a sufficient allowance.
func (c *CCTPChain) SignBurn(ctx context.Context, key *ecdsa.PrivateKey, amount *big.Int, destDomain uint32, recipient common.Address) (*types.Transaction, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	allowance, err := Allowance(ctx, c.backend, c.params.USDC, from, c.params.TokenMessenger)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowance, amount)
	}

	var mintRecipient [32]byte
	copy(mintRecipient[:], common.LeftPadBytes(recipient.Bytes(), 32))
	data, err := tokenMessengerABI.Pack("depositForBurn", amount, destDomain, mintRecipient, c.params.USDC)
	if err != nil {
		return nil, fmt.Errorf("pack depositForBurn: %w", err)
	}
	return c.signCall(ctx, key, c.params.TokenMessenger, data)
}

// SignReceive builds a signed receiveMessage that mints an attested message.
func (c *CCTPChain) SignReceive(ctx context.Context, key *ecdsa.PrivateKey, message, attestation []byte) (*types.Transaction, error) {
	data, err := messageTransmitterABI.Pack("receiveMessage", message, attestation)
	if err != nil {
		return nil, fmt.Errorf("pack receiveMessage: %w", err)
	}
	return c.signCall(ctx, key, c.params.MessageTransmitter, data)
}

// MessageReceived reports whether this chain's message transmitter already
// consumed message, whoever relayed it.
func (c *CCTPChain) MessageReceived(ctx context.Context, message []byte) (bool, error) {
	key, err := NonceKey(message)
	if err != nil {
		return false, err
	}
	data, err := messageTransmitterABI.Pack("usedNonces", key)
	if err != nil {
		return false, fmt.Errorf("pack usedNonces: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.params.MessageTransmitter, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("call usedNonces: %w", err)
	}
	values, err := messageTransmitterABI.Unpack("usedNonces", out)
	if err != nil {
		return false, fmt.Errorf("decode usedNonces: %w", err)
	}
	used, ok := values[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("decode usedNonces: unexpected type %T", values[0])
	}
	return used.Sign() != 0, nil
}

// NonceKey is the usedNonces key of a message: keccak256 over its packed
// source domain and nonce.
func NonceKey(message []byte) ([32]byte, error) {
	if len(message) < messageHeaderLen {
		return [32]byte{}, fmt.Errorf("%w: %d bytes", ErrMalformedMessage, len(message))
	}
	return crypto.Keccak256Hash(message[4:8], message[12:20]), nil
}

func (c *CCTPChain) signCall(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte) (*types.Transaction, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.params.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas * 12 / 10,
		To:        &to,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.params.ChainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

// Send broadcasts a signed transaction.
func (c *CCTPChain) Send(ctx context.Context, tx *types.Transaction) error {
	return c.backend.SendTransaction(ctx, tx)
}

// Receipt returns the receipt of hash, or ErrNotFound while it is pending.
func (c *CCTPChain) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.backend.TransactionReceipt(ctx, hash)
}

// MessageFromReceipt extracts the CCTP message emitted by this chain's
// message transmitter and its keccak256 hash.
func (c *CCTPChain) MessageFromReceipt(receipt *types.Receipt) ([]byte, common.Hash, error) {
	return ParseMessageSent(receipt, c.params.MessageTransmitter)
}

// ParseMessageSent finds the MessageSent event emitted by transmitter.
func ParseMessageSent(receipt *types.Receipt, transmitter common.Address) ([]byte, common.Hash, error) {
	for _, log := range receipt.Logs {
		if log.Address != transmitter || len(log.Topics) == 0 || log.Topics[0] != MessageSentTopic {
			continue
		}
		values, err := messageTransmitterABI.Unpack("MessageSent", log.Data)
		if err != nil {
			return nil, common.Hash{}, fmt.Errorf("decode MessageSent: %w", err)
		}
		message, ok := values[0].([]byte)
		if !ok {
			return nil, common.Hash{}, fmt.Errorf("decode MessageSent: unexpected type %T", values[0])
		}
		return message, crypto.Keccak256Hash(message), nil
	}
	return nil, common.Hash{}, ErrNoMessage
}
