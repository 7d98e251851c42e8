package bridge

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketbot/internal/models"
	"marketbot/internal/store"
	"marketbot/internal/store/storetest"
	"marketbot/pkg/evm"
)

type burnCall struct {
	signer     common.Address
	amount     *big.Int
	destDomain uint32
	recipient  common.Address
}

// fakeChain records broadcasts and only reports receipts for transactions the
// test has mined.
type fakeChain struct {
	name   string
	domain uint32

	mu        sync.Mutex
	nonce     uint64
	burns     []burnCall
	receives  int
	sent      []common.Hash
	mined     map[common.Hash]uint64
	sendErr   error
	acceptErr error // returned by Send after the transaction went out
	delivered map[string]bool
}

func newFakeChain(name string, domain uint32) *fakeChain {
	return &fakeChain{
		name:      name,
		domain:    domain,
		mined:     make(map[common.Hash]uint64),
		delivered: make(map[string]bool),
	}
}

func (c *fakeChain) Name() string   { return c.name }
func (c *fakeChain) Domain() uint32 { return c.domain }

func (c *fakeChain) nextTx(value *big.Int) *types.Transaction {
	c.nonce++
	return types.NewTx(&types.LegacyTx{Nonce: c.nonce, Value: value, Gas: 21000, GasPrice: big.NewInt(1)})
}

func (c *fakeChain) SignBurn(_ context.Context, key *ecdsa.PrivateKey, amount *big.Int, destDomain uint32, recipient common.Address) (*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.burns = append(c.burns, burnCall{
		signer:     crypto.PubkeyToAddress(key.PublicKey),
		amount:     amount,
		destDomain: destDomain,
		recipient:  recipient,
	})
	return c.nextTx(amount), nil
}

func (c *fakeChain) SignReceive(_ context.Context, _ *ecdsa.PrivateKey, message, attestation []byte) (*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(message) == 0 || len(attestation) == 0 {
		return nil, errors.New("empty message or attestation")
	}
	c.receives++
	return c.nextTx(big.NewInt(0)), nil
}

func (c *fakeChain) Send(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx.Hash())
	return c.acceptErr
}

func (c *fakeChain) Receipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.mined[hash]
	if !ok {
		return nil, evm.ErrNotFound
	}
	return &types.Receipt{Status: status, TxHash: hash}, nil
}

func (c *fakeChain) MessageFromReceipt(receipt *types.Receipt) ([]byte, common.Hash, error) {
	message := append([]byte("message:"), receipt.TxHash.Bytes()...)
	return message, crypto.Keccak256Hash(message), nil
}

func (c *fakeChain) MessageReceived(_ context.Context, message []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered[string(message)], nil
}

// deliver marks message as received on this chain by someone else.
func (c *fakeChain) deliver(message []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered[string(message)] = true
}

// mine confirms every broadcast transaction with the given receipt status.
func (c *fakeChain) mine(status uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.sent {
		if _, ok := c.mined[h]; !ok {
			c.mined[h] = status
		}
	}
}

func (c *fakeChain) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeAttester struct {
	mu       sync.Mutex
	complete bool
	failFor  map[common.Hash]bool
}

func (a *fakeAttester) Fetch(_ context.Context, hash common.Hash) (string, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failFor[hash] {
		return "", nil, errors.New("attestation service unavailable")
	}
	if !a.complete {
		return AttestationPending, nil, nil
	}
	return AttestationComplete, []byte{0xde, 0xad, 0xbe, 0xef}, nil
}

type proxyMap map[common.Address]*ecdsa.PrivateKey

func (p proxyMap) Load(owner common.Address) (*ecdsa.PrivateKey, error) {
	key, ok := p[owner]
	if !ok {
		return nil, evm.ErrKeyNotFound
	}
	return key, nil
}

type fixture struct {
	store    *store.Store
	machine  *Machine
	eth      *fakeChain
	polygon  *fakeChain
	attester *fakeAttester
	keys     Keys
	user     common.Address
	proxy    *ecdsa.PrivateKey
	logs     *test.Hook
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	platform, err := crypto.GenerateKey()
	require.NoError(t, err)
	proxy, err := crypto.GenerateKey()
	require.NoError(t, err)
	user := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	f := &fixture{
		store:    storetest.Open(t),
		eth:      newFakeChain("ethereum", 0),
		polygon:  newFakeChain("polygon", 7),
		attester: &fakeAttester{failFor: map[common.Hash]bool{}},
		keys:     Keys{Platform: platform, Proxies: proxyMap{user: proxy}},
		user:     user,
		proxy:    proxy,
	}
	log, hook := test.NewNullLogger()
	f.logs = hook
	chains := map[string]Chain{"ethereum": f.eth, "polygon": f.polygon}
	f.machine = NewMachine(f.store, chains, f.keys, f.attester, cfg, log)
	return f
}

func (f *fixture) create(t *testing.T, direction, source, dest string, amount int64) string {
	t.Helper()
	record := &models.BridgeTransaction{
		ID:               uuid.NewString(),
		UserAddress:      f.user.Hex(),
		Amount:           amount,
		Direction:        direction,
		SourceChain:      source,
		DestinationChain: dest,
	}
	require.NoError(t, f.store.CreateBridgeTransaction(context.Background(), record))
	return record.ID
}

func (f *fixture) get(t *testing.T, id string) *models.BridgeTransaction {
	t.Helper()
	record, err := f.store.GetBridge(context.Background(), id)
	require.NoError(t, err)
	return record
}

func TestDepositRunsToCompletion(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.create(t, models.DirectionDeposit, "ethereum", "polygon", 25_000_000)

	f.machine.RunCycle(ctx)
	record := f.get(t, id)
	assert.Equal(t, models.BridgeBurning, record.Status)
	require.NotEmpty(t, record.SourceTxHash)
	require.Len(t, f.eth.burns, 1)
	assert.Equal(t, f.keys.PlatformAddress(), f.eth.burns[0].signer)
	assert.Equal(t, f.keys.PlatformAddress(), f.eth.burns[0].recipient)
	assert.Equal(t, uint32(7), f.eth.burns[0].destDomain)
	assert.Equal(t, "25000000", f.eth.burns[0].amount.String())

	// Unmined burn: nothing moves and nothing is re-sent.
	f.machine.RunCycle(ctx)
	assert.Equal(t, models.BridgeBurning, f.get(t, id).Status)
	assert.Equal(t, 1, f.eth.sentCount())

	f.eth.mine(types.ReceiptStatusSuccessful)
	f.machine.RunCycle(ctx)
	record = f.get(t, id)
	assert.Equal(t, models.BridgeAttesting, record.Status)
	assert.NotEmpty(t, record.MessageBytes)
	assert.Equal(t, crypto.Keccak256Hash(record.MessageBytes).Hex(), record.MessageHash)

	f.attester.complete = true
	f.machine.RunCycle(ctx)
	record = f.get(t, id)
	assert.Equal(t, models.BridgeMinting, record.Status)
	assert.Equal(t, "0xdeadbeef", record.AttestationBlob)
	assert.Equal(t, 1, record.MintAttempts)
	assert.NotEmpty(t, record.DestinationTxHash)

	balance, err := f.store.Balance(ctx, f.user.Hex())
	require.NoError(t, err)
	assert.Zero(t, balance, "ledger moves only on completion")

	f.polygon.mine(types.ReceiptStatusSuccessful)
	f.machine.RunCycle(ctx)
	assert.Equal(t, models.BridgeCompleted, f.get(t, id).Status)

	balance, err = f.store.Balance(ctx, f.user.Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(25_000_000), balance)

	// Completed transfers are never touched again.
	f.machine.RunCycle(ctx)
	balance, err = f.store.Balance(ctx, f.user.Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(25_000_000), balance)
	assert.Equal(t, 1, f.polygon.sentCount())
}

func TestWithdrawBurnsFromProxyWallet(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.create(t, models.DirectionWithdraw, "polygon", "ethereum", 4_000_000)

	f.machine.RunCycle(ctx)
	require.Len(t, f.polygon.burns, 1)
	assert.Equal(t, crypto.PubkeyToAddress(f.proxy.PublicKey), f.polygon.burns[0].signer)
	assert.Equal(t, f.user, f.polygon.burns[0].recipient)
	assert.Equal(t, uint32(0), f.polygon.burns[0].destDomain)

	f.attester.complete = true
	f.polygon.mine(types.ReceiptStatusSuccessful)
	f.machine.RunCycle(ctx)
	f.eth.mine(types.ReceiptStatusSuccessful)
	f.machine.RunCycle(ctx)
	assert.Equal(t, models.BridgeCompleted, f.get(t, id).Status)

	balance, err := f.store.Balance(ctx, f.user.Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(-4_000_000), balance)
}

func TestWithdrawWithoutProxyKeyFails(t *testing.T) {
	f := newFixture(t, Config{})
	f.keys.Proxies = proxyMap{}
	f.machine.keys = f.keys
	id := f.create(t, models.DirectionWithdraw, "polygon", "ethereum", 4_000_000)

	f.machine.RunCycle(context.Background())
	record := f.get(t, id)
	assert.Equal(t, models.BridgeFailed, record.Status)
	assert.Contains(t, record.Error, "proxy wallet key")
	assert.Zero(t, f.polygon.sentCount())
}

func TestPendingValidation(t *testing.T) {
	f := newFixture(t, Config{})
	unknown := f.create(t, models.DirectionDeposit, "solana", "polygon", 1_000_000)
	zero := f.create(t, models.DirectionDeposit, "ethereum", "polygon", 0)

	f.machine.RunCycle(context.Background())
	record := f.get(t, unknown)
	assert.Equal(t, models.BridgeFailed, record.Status)
	assert.Contains(t, record.Error, "solana")
	assert.Equal(t, models.BridgeFailed, f.get(t, zero).Status)
	assert.Empty(t, f.eth.burns)
}

func TestRevertedBurnFails(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, models.DirectionDeposit, "ethereum", "polygon", 1_000_000)

	f.machine.RunCycle(context.Background())
	f.eth.mine(types.ReceiptStatusFailed)
	f.machine.RunCycle(context.Background())

	record := f.get(t, id)
	assert.Equal(t, models.BridgeFailed, record.Status)
	assert.Equal(t, "burn transaction reverted", record.Error)
}

func TestBurnBroadcastFailureFails(t *testing.T) {
	f := newFixture(t, Config{})
	f.eth.sendErr = errors.New("insufficient funds for gas")
	id := f.create(t, models.DirectionDeposit, "ethereum", "polygon", 1_000_000)

	f.machine.RunCycle(context.Background())
	record := f.get(t, id)
	assert.Equal(t, models.BridgeFailed, record.Status)
	assert.Contains(t, record.Error, "insufficient funds")
}

func TestBurnAlreadyKnownToNodeIsResumed(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.eth.acceptErr = errors.New("already known")
	id := f.create(t, models.DirectionDeposit, "ethereum", "polygon", 1_000_000)

	f.machine.RunCycle(ctx)
	record := f.get(t, id)
	assert.Equal(t, models.BridgeBurning, record.Status)
	assert.NotEmpty(t, record.SourceTxHash)
	assert.Empty(t, record.Error)

	f.eth.mine(types.ReceiptStatusSuccessful)
	f.machine.RunCycle(ctx)
	assert.Equal(t, models.BridgeAttesting, f.get(t, id).Status)
	assert.Len(t, f.eth.burns, 1)
}

func TestClaimedButUnsentBurnIsNotRebroadcast(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.create(t, models.DirectionDeposit, "ethereum", "polygon", 1_000_000)
	require.NoError(t, f.store.AdvanceBridge(ctx, id, models.BridgePending, models.BridgeBurning, nil))
	require.NoError(t, f.store.ClaimBridgeSourceTx(ctx, id, common.HexToHash("0x01").Hex()))

	f.machine.RunCycle(ctx)
	f.machine.RunCycle(ctx)

	assert.Equal(t, models.BridgeBurning, f.get(t, id).Status)
	assert.Empty(t, f.eth.burns)
	assert.Zero(t, f.eth.sentCount())
}

func TestMintRetriesAndEscalates(t *testing.T) {
	f := newFixture(t, Config{MintEscalationAttempts: 2})
	ctx := context.Background()
	f.attester.complete = true
	f.polygon.sendErr = errors.New("nonce too low")
	id := f.create(t, models.DirectionDeposit, "ethereum", "polygon", 1_000_000)

	f.machine.RunCycle(ctx)
	f.eth.mine(types.ReceiptStatusSuccessful)
	f.machine.RunCycle(ctx)

	record := f.get(t, id)
	assert.Equal(t, models.BridgeMinting, record.Status)
	assert.Equal(t, 1, record.MintAttempts)
	assert.Empty(t, record.DestinationTxHash, "failed broadcast releases the claim")
	assert.Contains(t, record.Error, "nonce too low")
	assert.Nil(t, record.EscalatedAt)

	f.machine.RunCycle(ctx)
	f.machine.RunCycle(ctx)
	record = f.get(t, id)
	assert.Equal(t, models.BridgeMinting, record.Status, "mint failures never fail the transfer")
	assert.Equal(t, 3, record.MintAttempts)
	require.NotNil(t, record.EscalatedAt)
	escalatedAt := *record.EscalatedAt

	var escalations int
	for _, entry := range f.logs.AllEntries() {
		if entry.Level == logrus.ErrorLevel && strings.Contains(entry.Message, "operator attention") {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations)

	f.polygon.sendErr = nil
	f.machine.RunCycle(ctx)
	f.polygon.mine(types.ReceiptStatusSuccessful)
	f.machine.RunCycle(ctx)

	record = f.get(t, id)
	assert.Equal(t, models.BridgeCompleted, record.Status)
	assert.Equal(t, 4, record.MintAttempts)
	require.NotNil(t, record.EscalatedAt)
	assert.True(t, escalatedAt.Equal(*record.EscalatedAt), "escalation is stamped once")
}

func TestRevertedMintIsRetried(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.attester.complete = true
	id := f.create(t, models.DirectionDeposit, "ethereum", "polygon", 1_000_000)

	f.machine.RunCycle(ctx)
	f.eth.mine(types.ReceiptStatusSuccessful)
	f.machine.RunCycle(ctx)
	f.polygon.mine(types.ReceiptStatusFailed)
	f.machine.RunCycle(ctx)

	record := f.get(t, id)
	assert.Equal(t, models.BridgeMinting, record.Status)
	assert.Empty(t, record.DestinationTxHash)
	assert.Equal(t, "mint transaction reverted", record.Error)

	f.machine.RunCycle(ctx)
	f.polygon.mine(types.ReceiptStatusSuccessful)
	f.machine.RunCycle(ctx)
	assert.Equal(t, models.BridgeCompleted, f.get(t, id).Status)
	assert.Equal(t, 2, f.polygon.receives)
}

func TestMintCompletesWhenMessageAlreadyReceived(t *testing.T) {
	t.Run("reverted mint after a relayer delivered", func(t *testing.T) {
		f := newFixture(t, Config{})
		ctx := context.Background()
		f.attester.complete = true
		id := f.create(t, models.DirectionDeposit, "ethereum", "polygon", 3_000_000)

		f.machine.RunCycle(ctx)
		f.eth.mine(types.ReceiptStatusSuccessful)
		f.machine.RunCycle(ctx)
		record := f.get(t, id)
		require.Equal(t, models.BridgeMinting, record.Status)
		require.NotEmpty(t, record.DestinationTxHash)

		f.polygon.deliver(record.MessageBytes)
		f.polygon.mine(types.ReceiptStatusFailed)
		f.machine.RunCycle(ctx)

		assert.Equal(t, models.BridgeCompleted, f.get(t, id).Status)
		assert.Equal(t, 1, f.polygon.receives)
		balance, err := f.store.Balance(ctx, f.user.Hex())
		require.NoError(t, err)
		assert.Equal(t, int64(3_000_000), balance)
	})

	t.Run("cleared hash whose mint landed anyway", func(t *testing.T) {
		f := newFixture(t, Config{})
		ctx := context.Background()
		f.attester.complete = true
		f.polygon.sendErr = errors.New("connection reset by peer")
		id := f.create(t, models.DirectionDeposit, "ethereum", "polygon", 3_000_000)

		f.machine.RunCycle(ctx)
		f.eth.mine(types.ReceiptStatusSuccessful)
		f.machine.RunCycle(ctx)
		record := f.get(t, id)
		require.Equal(t, models.BridgeMinting, record.Status)
		require.Empty(t, record.DestinationTxHash)

		f.polygon.deliver(record.MessageBytes)
		f.polygon.sendErr = nil
		f.machine.RunCycle(ctx)

		assert.Equal(t, models.BridgeCompleted, f.get(t, id).Status)
		assert.Equal(t, 1, f.polygon.receives, "no new mint is built")
		assert.Zero(t, f.polygon.sentCount())
		balance, err := f.store.Balance(ctx, f.user.Hex())
		require.NoError(t, err)
		assert.Equal(t, int64(3_000_000), balance)
	})
}

func TestStuckRecordsDoNotStarveNewerOnes(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	ctx := context.Background()
	insert := func(message []byte) string {
		record := &models.BridgeTransaction{
			ID:               uuid.NewString(),
			UserAddress:      f.user.Hex(),
			Amount:           1_000_000,
			Direction:        models.DirectionDeposit,
			Status:           models.BridgeMinting,
			SourceChain:      "ethereum",
			DestinationChain: "polygon",
			MessageBytes:     message,
			AttestationBlob:  "0xdeadbeef",
		}
		require.NoError(t, f.store.CreateBridgeTransaction(ctx, record))
		return record.ID
	}
	var stuck []string
	for i := 0; i < 3; i++ {
		// An empty message can never be built into a mint.
		stuck = append(stuck, insert(nil))
	}
	good := insert([]byte("message:good"))

	for i := 0; i < 3; i++ {
		f.machine.RunCycle(ctx)
	}
	record := f.get(t, good)
	assert.Equal(t, 1, record.MintAttempts)
	require.NotEmpty(t, record.DestinationTxHash)

	f.polygon.mine(types.ReceiptStatusSuccessful)
	for i := 0; i < 3; i++ {
		f.machine.RunCycle(ctx)
	}
	assert.Equal(t, models.BridgeCompleted, f.get(t, good).Status)
	for _, id := range stuck {
		record := f.get(t, id)
		assert.Equal(t, models.BridgeMinting, record.Status)
		assert.Contains(t, record.Error, "build mint")
	}
}

func TestAttestationErrorIsolatedPerRecord(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	first := f.create(t, models.DirectionDeposit, "ethereum", "polygon", 1_000_000)
	second := f.create(t, models.DirectionDeposit, "ethereum", "polygon", 2_000_000)

	f.machine.RunCycle(ctx)
	f.eth.mine(types.ReceiptStatusSuccessful)
	f.machine.RunCycle(ctx)

	broken := f.get(t, first)
	require.Equal(t, models.BridgeAttesting, broken.Status)
	f.attester.failFor[common.HexToHash(broken.MessageHash)] = true
	f.attester.complete = true

	f.machine.RunCycle(ctx)
	assert.Equal(t, models.BridgeAttesting, f.get(t, first).Status)
	assert.Equal(t, models.BridgeMinting, f.get(t, second).Status)
}

func TestAttestationClient(t *testing.T) {
	hash := crypto.Keccak256Hash([]byte("message"))
	var state atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/attestations/"+hash.Hex() {
			http.NotFound(w, r)
			return
		}
		switch state.Load() {
		case 0:
			w.WriteHeader(http.StatusNotFound)
		case 1:
			_, _ = w.Write([]byte(`{"status":"pending_confirmations","attestation":"PENDING"}`))
		case 2:
			_, _ = w.Write([]byte(`{"status":"complete","attestation":"0x0102ff"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	client := NewAttestationClient(srv.URL+"/attestations/", srv.Client(), time.Second)
	ctx := context.Background()

	status, blob, err := client.Fetch(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, AttestationPending, status)
	assert.Nil(t, blob)

	state.Store(1)
	status, _, err = client.Fetch(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, AttestationPending, status)

	state.Store(2)
	status, blob, err = client.Fetch(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, AttestationComplete, status)
	assert.Equal(t, []byte{0x01, 0x02, 0xff}, blob)

	state.Store(3)
	_, _, err = client.Fetch(ctx, hash)
	assert.ErrorContains(t, err, "HTTP 500")
}

type blockingCycle struct {
	starts    atomic.Int32
	cancelled atomic.Bool
}

func (c *blockingCycle) RunCycle(ctx context.Context) {
	c.starts.Add(1)
	<-ctx.Done()
	c.cancelled.Store(true)
}

func TestSchedulerSkipsOverlappingCycles(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	cycle := &blockingCycle{}
	s := NewScheduler(cycle, time.Second, log)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return cycle.starts.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(1), cycle.starts.Load())

	s.Stop()
	assert.True(t, cycle.cancelled.Load())
}
