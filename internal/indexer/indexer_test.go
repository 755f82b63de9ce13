package indexer

import (
	"context"
	"errors"
	"math"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/htlcrelay/internal/chain"
	"github.com/mbd888/htlcrelay/internal/circuitbreaker"
	"github.com/mbd888/htlcrelay/internal/events"
	"github.com/mbd888/htlcrelay/internal/retry"
)

var (
	htlcAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	alice    = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	bob      = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	carol    = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")

	contract1 = common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
	contract2 = common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222")
	hashlock  = common.HexToHash("0xabababababababababababababababababababababababababababababababab")
)

type fakeClient struct {
	mu        sync.Mutex
	head      uint64
	logs      []types.Log
	queries   []ethereum.FilterQuery
	headers   int
	filterErr []error // consumed one per call
	headErr   error
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return 0, f.headErr
	}
	return f.head, nil
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if len(f.filterErr) > 0 {
		err := f.filterErr[0]
		f.filterErr = f.filterErr[1:]
		if err != nil {
			return nil, err
		}
	}
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeClient) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers++
	return &types.Header{Number: n, Time: 1_700_000_000 + n.Uint64()*12}, nil
}

func (f *fakeClient) add(logs ...types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, logs...)
	for _, l := range logs {
		if l.BlockNumber > f.head {
			f.head = l.BlockNumber
		}
	}
}

func (f *fakeClient) ranges() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]uint64, 0, len(f.queries))
	for _, q := range f.queries {
		out = append(out, [2]uint64{q.FromBlock.Uint64(), q.ToBlock.Uint64()})
	}
	return out
}

func newLog(t *testing.T, block uint64, index uint) types.Log {
	t.Helper()
	return types.Log{
		Address:     htlcAddr,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index))),
	}
}

func createdLog(t *testing.T, block uint64, index uint, id common.Hash, sender, receiver common.Address, amount int64, timelock uint64) types.Log {
	t.Helper()
	parsed, err := chain.ParseABI()
	require.NoError(t, err)
	ev := parsed.Events[eventNew]

	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(amount), [32]byte(hashlock), new(big.Int).SetUint64(timelock))
	require.NoError(t, err)

	l := newLog(t, block, index)
	l.Topics = []common.Hash{
		ev.ID,
		id,
		common.BytesToHash(sender.Bytes()),
		common.BytesToHash(receiver.Bytes()),
	}
	l.Data = data
	return l
}

func settledLog(t *testing.T, name string, block uint64, index uint, id common.Hash) types.Log {
	t.Helper()
	parsed, err := chain.ParseABI()
	require.NoError(t, err)

	l := newLog(t, block, index)
	l.Topics = []common.Hash{parsed.Events[name].ID, id}
	return l
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
}

func newIndexer(t *testing.T, client *fakeClient, store events.Store, mutate func(*Config), opts ...Option) *Indexer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Contract = htlcAddr
	cfg.ChainID = 31337
	cfg.Retry = fastRetry()
	if mutate != nil {
		mutate(&cfg)
	}
	ix, err := New(client, store, cfg, opts...)
	require.NoError(t, err)
	return ix
}

func TestNew_Validation(t *testing.T) {
	store := events.NewMemoryStore()
	cfg := DefaultConfig()

	_, err := New(nil, store, cfg)
	assert.Error(t, err)
	_, err = New(&fakeClient{}, nil, cfg)
	assert.Error(t, err)
	_, err = New(&fakeClient{}, store, cfg)
	assert.ErrorContains(t, err, "contract address")
}

func TestSync_StoresAllEventKinds(t *testing.T) {
	client := &fakeClient{}
	client.add(
		createdLog(t, 3, 0, contract1, alice, bob, 5_000_000_000_000, 1_700_000_600),
		createdLog(t, 4, 1, contract2, carol, alice, 7_000_000_000_000, 1_700_000_900),
		settledLog(t, eventWithdraw, 6, 0, contract1),
		settledLog(t, eventRefund, 9, 2, contract2),
	)
	store := events.NewMemoryStore()
	ix := newIndexer(t, client, store, nil)

	n, err := ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	ae, err := store.ForAccount(context.Background(), alice.Hex())
	require.NoError(t, err)
	require.Len(t, ae.Created, 2)

	var c1 *events.Created
	for _, c := range ae.Created {
		if c.ContractID == strings.ToLower(contract1.Hex()) {
			c1 = c
		}
	}
	require.NotNil(t, c1)
	assert.Equal(t, "31337_3_0", c1.ID)
	assert.Equal(t, strings.ToLower(alice.Hex()), c1.Sender)
	assert.Equal(t, strings.ToLower(bob.Hex()), c1.Receiver)
	assert.Equal(t, "5000000000000", c1.Amount)
	assert.Equal(t, strings.ToLower(hashlock.Hex()), c1.Hashlock)
	assert.Equal(t, uint64(1_700_000_600), c1.Timelock)
	assert.Equal(t, time.Unix(1_700_000_036, 0).UTC(), c1.Timestamp)

	w, ok := ae.Withdrawn[strings.ToLower(contract1.Hex())]
	require.True(t, ok)
	assert.Equal(t, "31337_6_0", w.ID)

	r, ok := ae.Refunded[strings.ToLower(contract2.Hex())]
	require.True(t, ok)
	assert.Equal(t, uint64(9), r.BlockNumber)

	cursor, err := store.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cursor)

	st := ix.Status()
	assert.Equal(t, uint64(10), st.NextBlock)
	assert.Equal(t, uint64(9), st.Head)
	assert.Empty(t, st.LastError)
	assert.Equal(t, "closed", st.Breaker)
}

func TestSync_Batches(t *testing.T) {
	client := &fakeClient{head: 25}
	ix := newIndexer(t, client, events.NewMemoryStore(), func(c *Config) { c.BatchSize = 10 })

	_, err := ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][2]uint64{{0, 9}, {10, 19}, {20, 25}}, client.ranges())

	q := client.queries[0]
	assert.Equal(t, []common.Address{htlcAddr}, q.Addresses)
	require.Len(t, q.Topics, 1)
	assert.Len(t, q.Topics[0], 3)
}

func TestSync_NothingNew(t *testing.T) {
	client := &fakeClient{head: 5}
	ix := newIndexer(t, client, events.NewMemoryStore(), nil)

	_, err := ix.Sync(context.Background())
	require.NoError(t, err)
	n, err := ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, client.ranges(), 1, "no query once caught up")
}

func TestSync_ResumesFromStoredCursor(t *testing.T) {
	client := &fakeClient{head: 30}
	store := events.NewMemoryStore()
	require.NoError(t, store.SetCursor(context.Background(), 21))

	ix := newIndexer(t, client, store, func(c *Config) { c.StartBlock = 5 })
	_, err := ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][2]uint64{{21, 30}}, client.ranges())
}

func TestSync_StartBlockWhenNoCursor(t *testing.T) {
	client := &fakeClient{head: 30}
	ix := newIndexer(t, client, events.NewMemoryStore(), func(c *Config) { c.StartBlock = 25 })

	_, err := ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][2]uint64{{25, 30}}, client.ranges())
}

func TestSync_RescanIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	client.add(
		createdLog(t, 2, 0, contract1, alice, bob, 1, 100),
		settledLog(t, eventWithdraw, 3, 0, contract1),
	)
	store := events.NewMemoryStore()

	n, err := newIndexer(t, client, store, nil).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A crash before the cursor was saved replays the same range.
	require.NoError(t, store.SetCursor(context.Background(), 0))
	n, err = newIndexer(t, client, store, nil).Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	ae, err := store.ForAccount(context.Background(), bob.Hex())
	require.NoError(t, err)
	assert.Len(t, ae.Created, 1)
}

func TestSync_RetriesTransientFilterError(t *testing.T) {
	client := &fakeClient{filterErr: []error{errors.New("429 too many requests")}}
	client.add(createdLog(t, 1, 0, contract1, alice, bob, 1, 100))
	store := events.NewMemoryStore()
	ix := newIndexer(t, client, store, nil)

	n, err := ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, client.ranges(), 2)
}

func TestSync_FailureKeepsCursor(t *testing.T) {
	boom := errors.New("upstream unavailable")
	client := &fakeClient{head: 10, filterErr: []error{boom, boom}}
	store := events.NewMemoryStore()
	ix := newIndexer(t, client, store, nil)

	_, err := ix.Sync(context.Background())
	require.ErrorIs(t, err, boom)

	cursor, err := store.Cursor(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cursor)
	assert.Contains(t, ix.Status().LastError, "upstream unavailable")
}

func TestSync_BreakerOpensOnRepeatedFailure(t *testing.T) {
	client := &fakeClient{headErr: errors.New("dial tcp: connection refused")}
	breaker := circuitbreaker.New(2, time.Hour)
	ix := newIndexer(t, client, events.NewMemoryStore(), nil, WithBreaker(breaker))

	for i := 0; i < 2; i++ {
		_, err := ix.Sync(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	}

	_, err := ix.Sync(context.Background())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, "open", ix.Status().Breaker)
}

func TestSync_SkipsUndecodableLogs(t *testing.T) {
	client := &fakeClient{}

	removed := createdLog(t, 1, 0, contract1, alice, bob, 1, 100)
	removed.Removed = true

	truncated := createdLog(t, 1, 1, contract2, alice, bob, 1, 100)
	truncated.Topics = truncated.Topics[:2]

	foreign := newLog(t, 1, 2)
	foreign.Topics = []common.Hash{common.HexToHash("0xdead")}

	badData := createdLog(t, 1, 3, contract2, alice, bob, 1, 100)
	badData.Data = []byte{0x01}

	client.add(removed, truncated, foreign, badData, newLog(t, 1, 4))
	client.add(settledLog(t, eventRefund, 2, 0, contract1))

	store := events.NewMemoryStore()
	ix := newIndexer(t, client, store, nil)

	n, err := ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the refund is stored")

	cursor, _ := store.Cursor(context.Background())
	assert.Equal(t, uint64(3), cursor)
}

func TestSync_ClampsOversizedTimelock(t *testing.T) {
	parsed, err := chain.ParseABI()
	require.NoError(t, err)

	l := createdLog(t, 1, 0, contract1, alice, bob, 1, 0)
	huge := new(big.Int).Lsh(big.NewInt(1), 200)
	l.Data, err = parsed.Events[eventNew].Inputs.NonIndexed().Pack(big.NewInt(1), [32]byte(hashlock), huge)
	require.NoError(t, err)

	client := &fakeClient{}
	client.add(l)
	store := events.NewMemoryStore()
	ix := newIndexer(t, client, store, nil)

	n, err := ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the creation stays in the account history")

	ae, err := store.ForAccount(context.Background(), alice.Hex())
	require.NoError(t, err)
	require.Len(t, ae.Created, 1)
	assert.Equal(t, uint64(math.MaxUint64), ae.Created[0].Timelock)
}

func TestSync_CachesBlockHeaders(t *testing.T) {
	client := &fakeClient{}
	client.add(
		createdLog(t, 7, 0, contract1, alice, bob, 1, 100),
		createdLog(t, 7, 1, contract2, alice, bob, 1, 100),
		settledLog(t, eventWithdraw, 7, 2, contract1),
	)
	ix := newIndexer(t, client, events.NewMemoryStore(), nil)

	_, err := ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, client.headers)
}

func TestStartStop(t *testing.T) {
	client := &fakeClient{}
	client.add(createdLog(t, 1, 0, contract1, alice, bob, 1, 100))
	store := events.NewMemoryStore()

	mock := ticker.NewForce(time.Hour)
	ix := newIndexer(t, client, store, nil, WithTicker(mock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ix.Start(ctx))
	assert.Error(t, ix.Start(ctx), "second start is rejected")

	require.Eventually(t, func() bool {
		return ix.Status().NextBlock == 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, ix.Status().Running)

	client.add(settledLog(t, eventWithdraw, 4, 0, contract1))
	mock.Force <- time.Now()

	require.Eventually(t, func() bool {
		ae, err := store.ForAccount(context.Background(), alice.Hex())
		return err == nil && len(ae.Withdrawn) == 1
	}, time.Second, 5*time.Millisecond)

	ix.Stop()
	assert.False(t, ix.Status().Running)
	ix.Stop()
}

func TestStop_WithoutStart(t *testing.T) {
	ix := newIndexer(t, &fakeClient{}, events.NewMemoryStore(), nil)
	ix.Stop()
}
