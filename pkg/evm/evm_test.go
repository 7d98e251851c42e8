package evm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// fakeBackend answers the calls CCTPChain makes and panics on anything else
// through the nil embedded interface.
type fakeBackend struct {
	Backend
	allowance *big.Int
	balance   *big.Int
	native    *big.Int
	estimated []ethereum.CallMsg
	used      map[[32]byte]bool
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if method, err := messageTransmitterABI.MethodById(call.Data[:4]); err == nil && method.Name == "usedNonces" {
		args, err := method.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		used := big.NewInt(0)
		if f.used[args[0].([32]byte)] {
			used = big.NewInt(1)
		}
		return method.Outputs.Pack(used)
	}
	method, err := erc20ABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	v := f.balance
	if method.Name == "allowance" {
		v = f.allowance
	}
	return method.Outputs.Pack(v)
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(100_000_000_000)}, nil
}

func (f *fakeBackend) EstimateGas(_ context.Context, call ethereum.CallMsg) (uint64, error) {
	f.estimated = append(f.estimated, call)
	return 100_000, nil
}

func testParams() ChainParams {
	return ChainParams{
		Name:               "ethereum",
		ChainID:            big.NewInt(1),
		Domain:             0,
		TokenMessenger:     common.HexToAddress("0xBd3fa81B58Ba92a82136038B25aDec7066af3155"),
		MessageTransmitter: common.HexToAddress("0x0a992d191DEeC32aFe36203Ad87D7d289a738F81"),
		USDC:               common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
	}
}

func TestFetchBalancesScalesUnits(t *testing.T) {
	backend := &fakeBackend{
		balance: big.NewInt(12_500_000),
		native:  new(big.Int).Mul(big.NewInt(3), big.NewInt(1e17)),
	}
	got, err := FetchBalances(context.Background(), backend, testParams().USDC, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, "12.5", got.Collateral.String())
	assert.Equal(t, "0.3", got.Native.String())
}

func TestSignBurn(t *testing.T) {
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	params := testParams()
	backend := &fakeBackend{allowance: big.NewInt(5_000_000)}
	chain := NewCCTPChain(params, backend)
	recipient := common.HexToAddress("0x1111111111111111111111111111111111111111")

	tx, err := chain.SignBurn(context.Background(), key, big.NewInt(5_000_000), 7, recipient)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, "230000000000", tx.GasFeeCap().String())
	assert.Equal(t, params.TokenMessenger, *tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(params.ChainID), tx)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), sender)

	method, err := tokenMessengerABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, "5000000", args[0].(*big.Int).String())
	assert.Equal(t, uint32(7), args[1])
	mintRecipient := args[2].([32]byte)
	assert.Equal(t, recipient, common.BytesToAddress(mintRecipient[:]))
	assert.Equal(t, params.USDC, args[3])
}

func TestSignBurnRequiresAllowance(t *testing.T) {
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	backend := &fakeBackend{allowance: big.NewInt(1)}
	chain := NewCCTPChain(testParams(), backend)

	_, err = chain.SignBurn(context.Background(), key, big.NewInt(2), 7, common.Address{})
	assert.ErrorIs(t, err, ErrInsufficientAllowance)
	assert.Empty(t, backend.estimated)
}

func TestSignReceive(t *testing.T) {
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	params := testParams()
	chain := NewCCTPChain(params, &fakeBackend{})

	tx, err := chain.SignReceive(context.Background(), key, []byte("message"), []byte("attestation"))
	require.NoError(t, err)
	assert.Equal(t, params.MessageTransmitter, *tx.To())

	method, err := messageTransmitterABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "receiveMessage", method.Name)
}

func TestParseMessageSent(t *testing.T) {
	params := testParams()
	message := []byte("cctp message body")
	data, err := messageTransmitterABI.Events["MessageSent"].Inputs.Pack(message)
	require.NoError(t, err)

	receipt := &types.Receipt{Logs: []*types.Log{
		{Address: params.USDC, Topics: []common.Hash{MessageSentTopic}, Data: data},
		{Address: params.MessageTransmitter, Topics: []common.Hash{MessageSentTopic}, Data: data},
	}}
	chain := NewCCTPChain(params, &fakeBackend{})
	got, hash, err := chain.MessageFromReceipt(receipt)
	require.NoError(t, err)
	assert.Equal(t, message, got)
	assert.Equal(t, crypto.Keccak256Hash(message), hash)

	_, _, err = ParseMessageSent(&types.Receipt{}, params.MessageTransmitter)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func cctpMessage(sourceDomain uint32, nonce uint64) []byte {
	message := make([]byte, messageHeaderLen, messageHeaderLen+8)
	binary.BigEndian.PutUint32(message[4:8], sourceDomain)
	binary.BigEndian.PutUint32(message[8:12], 7)
	binary.BigEndian.PutUint64(message[12:20], nonce)
	return append(message, []byte("burnbody")...)
}

func TestMessageReceived(t *testing.T) {
	message := cctpMessage(0, 42)
	key, err := NonceKey(message)
	require.NoError(t, err)

	var packed [12]byte
	binary.BigEndian.PutUint64(packed[4:], 42)
	assert.Equal(t, crypto.Keccak256Hash(packed[:]), common.Hash(key), "keccak of uint32 domain then uint64 nonce")

	backend := &fakeBackend{used: map[[32]byte]bool{}}
	chain := NewCCTPChain(testParams(), backend)

	received, err := chain.MessageReceived(context.Background(), message)
	require.NoError(t, err)
	assert.False(t, received)

	backend.used[key] = true
	received, err = chain.MessageReceived(context.Background(), message)
	require.NoError(t, err)
	assert.True(t, received)

	other, err := chain.MessageReceived(context.Background(), cctpMessage(0, 43))
	require.NoError(t, err)
	assert.False(t, other)

	_, err = chain.MessageReceived(context.Background(), []byte("short"))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestKeyStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ks := NewKeyStore(dir, "correct horse")
	owner := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	addr, err := ks.Generate(owner)
	require.NoError(t, err)
	assert.NotEqual(t, owner, addr)

	key, err := ks.Load(owner)
	require.NoError(t, err)
	assert.Equal(t, addr, crypto.PubkeyToAddress(key.PublicKey))

	assert.Equal(t, dir, filepath.Dir(ks.path(owner)))
	raw, err := os.ReadFile(ks.path(owner))
	require.NoError(t, err)
	var entry KeyStoreEntry
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, keystoreVersion, entry.Version)
	assert.NotContains(t, string(raw), common.Bytes2Hex(crypto.FromECDSA(key)))

	assert.Equal(t, strings.ToLower(owner.Hex()), entry.Owner)

	_, err = NewKeyStore(dir, "wrong").Load(owner)
	assert.Error(t, err)

	_, err = ks.Load(common.HexToAddress("0x2222222222222222222222222222222222222222"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCheckRPCList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":"0x89"}`))
	}))
	defer srv.Close()

	results := CheckRPCList(context.Background(), []RPCEndpoint{
		{Name: "polygon", URL: srv.URL, ChainID: 137},
		{Name: "wrong-chain", URL: srv.URL, ChainID: 1},
		{Name: "down", URL: "http://127.0.0.1:1", ChainID: 137},
	}, 2*time.Second)

	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.Equal(t, int64(137), results[0].ChainID)
	assert.False(t, results[1].OK)
	assert.Contains(t, results[1].Error, "expected 1")
	assert.False(t, results[2].OK)
	assert.NotEmpty(t, results[2].Error)
}
