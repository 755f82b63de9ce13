package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/htlcrelay/internal/chain"
	"github.com/mbd888/htlcrelay/internal/htlc"
	"github.com/mbd888/htlcrelay/internal/metrics"
)

const secretHex = "5c1d7f0a4be2c3198e6f00d2a1b4c7e9f3a8d6b5c4e2f1a0b9c8d7e6f5a4b3c2"

var (
	contractA = common.HexToHash("0x" + strings.Repeat("a1", 32))
	contractB = common.HexToHash("0x" + strings.Repeat("b2", 32))
)

// spyLedger is an in-memory HashedTimelock that counts writes.
type spyLedger struct {
	mu            sync.Mutex
	records       map[common.Hash]*htlc.Record
	readErr       error
	withdrawErr   error
	confirmErr    error
	confirmGate   chan struct{}
	readGate      chan struct{}
	reads         int
	withdrawCalls int
}

func newSpyLedger() *spyLedger {
	return &spyLedger{records: make(map[common.Hash]*htlc.Record)}
}

func (s *spyLedger) add(id common.Hash, secret htlc.Preimage) *htlc.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &htlc.Record{
		ContractID: id,
		Sender:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Receiver:   common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Amount:     big.NewInt(50_000_000_000_000),
		Hashlock:   secret.Hash(),
		Timelock:   uint64(time.Now().Add(time.Hour).Unix()),
	}
	s.records[id] = r
	return r
}

func (s *spyLedger) GetContract(ctx context.Context, id common.Hash) (*htlc.Record, error) {
	if s.readGate != nil {
		select {
		case <-s.readGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.readErr != nil {
		return nil, s.readErr
	}
	r, ok := s.records[id]
	if !ok {
		return nil, htlc.ErrContractNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *spyLedger) Withdraw(_ context.Context, id common.Hash, p htlc.Preimage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawCalls++
	if s.withdrawErr != nil {
		return "", s.withdrawErr
	}
	r := s.records[id]
	r.Withdrawn = true
	r.Preimage = common.Hash(p)
	return fmt.Sprintf("0x%064x", s.withdrawCalls), nil
}

func (s *spyLedger) WaitForConfirmation(ctx context.Context, txHash string, _ time.Duration) (*chain.Receipt, error) {
	if s.confirmGate != nil {
		select {
		case <-s.confirmGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.confirmErr != nil {
		return nil, s.confirmErr
	}
	return &chain.Receipt{TxHash: txHash, BlockNumber: 1}, nil
}

func (s *spyLedger) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withdrawCalls
}

// spyNotifier records every callback.
type spyNotifier struct {
	mu        sync.Mutex
	requests  []Request
	responses []Result
	pending   [][]Pending
}

func (n *spyNotifier) RequestSubmitted(r Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, r)
}

func (n *spyNotifier) ResponseProduced(r Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses = append(n.responses, r)
}

func (n *spyNotifier) PendingChanged(p []Pending) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, p)
}

type panicNotifier struct{}

func (panicNotifier) RequestSubmitted(Request) { panic("boom") }
func (panicNotifier) ResponseProduced(Result) { panic("boom") }
func (panicNotifier) PendingChanged([]Pending) { panic("boom") }

func mustPreimage(t *testing.T, s string) htlc.Preimage {
	t.Helper()
	p, err := htlc.ParsePreimage(s)
	require.NoError(t, err)
	return p
}

func newCoordinator(t *testing.T, ledger Ledger, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(ledger, Config{RecentCapacity: 10, ConfirmationTimeout: time.Second}, opts...)
	require.NoError(t, err)
	return c
}

func counterValue(t *testing.T, outcome Outcome) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.RelayRequestsTotal.WithLabelValues(string(outcome)).Write(&m))
	return m.GetCounter().GetValue()
}

func TestRelay_RoundTrip(t *testing.T) {
	ledger := newSpyLedger()
	secret := mustPreimage(t, secretHex)
	ledger.add(contractA, secret)
	c := newCoordinator(t, ledger)

	before := counterValue(t, OutcomeSuccess)

	res := c.Relay(context.Background(), contractA.Hex(), secretHex)
	require.True(t, res.OK(), "unexpected failure: %v", res.Err)
	assert.Equal(t, KindResponse, res.Kind)
	assert.Equal(t, "success", res.Status)
	assert.NotEmpty(t, res.TxHash)
	assert.Equal(t, secret.Short(), res.Preimage)
	assert.Equal(t, 1, ledger.writes())
	assert.Equal(t, before+1, counterValue(t, OutcomeSuccess))

	cached, ok := c.Contract(contractA.Hex())
	require.True(t, ok)
	assert.True(t, cached.Withdrawn, "cache must hold the post-settlement record")

	again := c.Relay(context.Background(), contractA.Hex(), secretHex)
	assert.Equal(t, OutcomeValidationFailed, again.Outcome)
	assert.Equal(t, ReasonAlreadySettled, again.Message)
	assert.Equal(t, 1, ledger.writes())
}

func TestRelay_PreimageMismatchDoesNotWrite(t *testing.T) {
	ledger := newSpyLedger()
	ledger.add(contractA, mustPreimage(t, secretHex))
	c := newCoordinator(t, ledger)

	res := c.Relay(context.Background(), contractA.Hex(), strings.Repeat("00", 32))

	assert.Equal(t, OutcomeValidationFailed, res.Outcome)
	assert.Equal(t, "error", res.Status)
	assert.Equal(t, ReasonMismatch, res.Message)
	assert.ErrorIs(t, res.Err, htlc.ErrPreimageMismatch)
	var verr *ValidationError
	assert.ErrorAs(t, res.Err, &verr)
	assert.Equal(t, 0, ledger.writes())
}

func TestRelay_SettledContractsDoNotWrite(t *testing.T) {
	for _, tc := range []struct {
		name string
		mark func(r *htlc.Record)
	}{
		{"withdrawn", func(r *htlc.Record) { r.Withdrawn = true }},
		{"refunded", func(r *htlc.Record) { r.Refunded = true }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ledger := newSpyLedger()
			tc.mark(ledger.add(contractA, mustPreimage(t, secretHex)))
			c := newCoordinator(t, ledger)

			res := c.Relay(context.Background(), contractA.Hex(), secretHex)
			assert.Equal(t, OutcomeValidationFailed, res.Outcome)
			assert.Equal(t, ReasonAlreadySettled, res.Message)
			assert.Equal(t, 0, ledger.writes())
		})
	}
}

func TestRelay_ContractNotFound(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		ledger := newSpyLedger()
		c := newCoordinator(t, ledger)

		res := c.Relay(context.Background(), contractA.Hex(), secretHex)
		assert.Equal(t, OutcomeValidationFailed, res.Outcome)
		assert.Equal(t, ReasonNotFound, res.Message)
		assert.ErrorIs(t, res.Err, htlc.ErrContractNotFound)
	})

	t.Run("read error", func(t *testing.T) {
		ledger := newSpyLedger()
		ledger.readErr = errors.New("rpc unavailable")
		c := newCoordinator(t, ledger)

		res := c.Relay(context.Background(), contractA.Hex(), secretHex)
		assert.Equal(t, OutcomeValidationFailed, res.Outcome)
		assert.Equal(t, ReasonNotFound, res.Message)
		assert.Equal(t, 0, ledger.writes())
	})
}

func TestRelay_MalformedInputSkipsLedger(t *testing.T) {
	tests := []struct {
		name       string
		contractID string
		preimage   string
		reason     string
	}{
		{"empty id", "", secretHex, ReasonInvalidContractID},
		{"short id", "0x1234", secretHex, ReasonInvalidContractID},
		{"non-hex preimage", contractA.Hex(), strings.Repeat("zz", 32), ReasonInvalidPreimage},
		{"short preimage", contractA.Hex(), "abcd", ReasonInvalidPreimage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newSpyLedger()
			c := newCoordinator(t, ledger)

			res := c.Relay(context.Background(), tt.contractID, tt.preimage)
			assert.Equal(t, OutcomeValidationFailed, res.Outcome)
			assert.Equal(t, tt.reason, res.Message)
			assert.Equal(t, 0, ledger.reads)
			assert.Len(t, c.RecentRequests(), 1)
			assert.Len(t, c.RecentResponses(), 1)
		})
	}
}

func TestRelay_SettlementFailures(t *testing.T) {
	t.Run("submission", func(t *testing.T) {
		ledger := newSpyLedger()
		ledger.add(contractA, mustPreimage(t, secretHex))
		ledger.withdrawErr = &chain.TxError{Op: "send", Err: errors.New("insufficient funds for gas")}
		c := newCoordinator(t, ledger)

		res := c.Relay(context.Background(), contractA.Hex(), secretHex)
		assert.Equal(t, OutcomeSettlementFailed, res.Outcome)
		assert.Contains(t, res.Message, "insufficient funds")
		var serr *SettlementError
		assert.ErrorAs(t, res.Err, &serr)
		assert.Equal(t, 1, ledger.writes(), "no retry")
	})

	t.Run("confirmation timeout", func(t *testing.T) {
		ledger := newSpyLedger()
		ledger.add(contractA, mustPreimage(t, secretHex))
		ledger.confirmErr = &chain.TxError{Op: "confirm", TxHash: "0xabc", Err: chain.ErrTimeout}
		c := newCoordinator(t, ledger)

		res := c.Relay(context.Background(), contractA.Hex(), secretHex)
		assert.Equal(t, OutcomeSettlementFailed, res.Outcome)
		assert.NotEmpty(t, res.TxHash)
		assert.ErrorIs(t, res.Err, chain.ErrTimeout)
	})

	t.Run("reverted", func(t *testing.T) {
		ledger := newSpyLedger()
		ledger.add(contractA, mustPreimage(t, secretHex))
		ledger.confirmErr = &chain.TxError{Op: "confirm", Err: chain.ErrTransactionFailed}
		c := newCoordinator(t, ledger)

		res := c.Relay(context.Background(), contractA.Hex(), secretHex)
		assert.ErrorIs(t, res.Err, chain.ErrTransactionFailed)
	})
}

func TestRelay_PendingClearedAfterEveryResolution(t *testing.T) {
	secret := mustPreimage(t, secretHex)
	cases := map[string]func(l *spyLedger){
		"success":  func(l *spyLedger) { l.add(contractA, secret) },
		"mismatch": func(l *spyLedger) { l.add(contractA, htlc.Preimage{9}) },
		"missing":  func(l *spyLedger) {},
		"submit":   func(l *spyLedger) { l.add(contractA, secret); l.withdrawErr = errors.New("x") },
		"confirm":  func(l *spyLedger) { l.add(contractA, secret); l.confirmErr = chain.ErrTimeout },
	}

	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			ledger := newSpyLedger()
			setup(ledger)
			c := newCoordinator(t, ledger)

			c.Relay(context.Background(), contractA.Hex(), secretHex)
			assert.False(t, c.IsPending(contractA.Hex()))
			assert.Empty(t, c.Snapshot().Pending)
		})
	}
}

func TestRelay_PendingVisibleWhileConfirming(t *testing.T) {
	ledger := newSpyLedger()
	ledger.add(contractA, mustPreimage(t, secretHex))
	ledger.confirmGate = make(chan struct{})
	notifier := &spyNotifier{}
	c := newCoordinator(t, ledger, WithNotifier(notifier))

	done := make(chan *Result)
	go func() { done <- c.Relay(context.Background(), contractA.Hex(), secretHex) }()

	require.Eventually(t, func() bool { return c.IsPending(contractA.Hex()) }, time.Second, 5*time.Millisecond)
	snap := c.Snapshot()
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, "50000000000000", snap.Pending[0].Amount)

	close(ledger.confirmGate)
	res := <-done
	require.True(t, res.OK())
	assert.False(t, c.IsPending(contractA.Hex()))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.GreaterOrEqual(t, len(notifier.pending), 2)
	assert.Empty(t, notifier.pending[len(notifier.pending)-1])
}

func TestRelay_SerializesPerContract(t *testing.T) {
	ledger := newSpyLedger()
	ledger.add(contractA, mustPreimage(t, secretHex))
	ledger.confirmGate = make(chan struct{})
	c := newCoordinator(t, ledger)

	results := make(chan *Result, 2)
	go func() { results <- c.Relay(context.Background(), contractA.Hex(), secretHex) }()
	require.Eventually(t, func() bool { return ledger.writes() == 1 }, time.Second, 5*time.Millisecond)

	go func() { results <- c.Relay(context.Background(), contractA.Hex(), secretHex) }()
	require.Eventually(t, func() bool { return len(c.RecentRequests()) == 2 }, time.Second, 5*time.Millisecond)

	close(ledger.confirmGate)

	byOutcome := map[Outcome]*Result{}
	for i := 0; i < 2; i++ {
		r := <-results
		byOutcome[r.Outcome] = r
	}

	require.Contains(t, byOutcome, OutcomeSuccess)
	require.Contains(t, byOutcome, OutcomeValidationFailed)
	assert.Equal(t, ReasonAlreadySettled, byOutcome[OutcomeValidationFailed].Message)
	assert.Equal(t, 1, ledger.writes())
}

func TestRelay_DistinctContractsRunConcurrently(t *testing.T) {
	ledger := newSpyLedger()
	secret := mustPreimage(t, secretHex)
	ledger.add(contractA, secret)
	ledger.add(contractB, secret)
	ledger.confirmGate = make(chan struct{})
	c := newCoordinator(t, ledger)

	results := make(chan *Result, 2)
	go func() { results <- c.Relay(context.Background(), contractA.Hex(), secretHex) }()
	go func() { results <- c.Relay(context.Background(), contractB.Hex(), secretHex) }()

	require.Eventually(t, func() bool { return ledger.writes() == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, c.Snapshot().Pending, 2)

	close(ledger.confirmGate)
	assert.True(t, (<-results).OK())
	assert.True(t, (<-results).OK())
}

func TestRelay_CancelledWhileWaitingForLock(t *testing.T) {
	ledger := newSpyLedger()
	ledger.add(contractA, mustPreimage(t, secretHex))
	ledger.confirmGate = make(chan struct{})
	defer close(ledger.confirmGate)
	c := newCoordinator(t, ledger)

	go c.Relay(context.Background(), contractA.Hex(), secretHex)
	require.Eventually(t, func() bool { return ledger.writes() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := c.Relay(ctx, contractA.Hex(), secretHex)

	assert.Equal(t, OutcomeSettlementFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, 1, ledger.writes())
}

func TestRelay_StuckReadResolvesAsSettlementFailure(t *testing.T) {
	ledger := newSpyLedger()
	ledger.add(contractA, mustPreimage(t, secretHex))
	ledger.readGate = make(chan struct{})
	defer close(ledger.readGate)

	c, err := New(ledger, Config{ConfirmationTimeout: time.Second, RelayTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	// A detached caller context has no deadline of its own.
	ctx := context.WithoutCancel(context.Background())
	done := make(chan *Result, 2)
	go func() { done <- c.Relay(ctx, contractA.Hex(), secretHex) }()
	go func() { done <- c.Relay(ctx, contractA.Hex(), secretHex) }()

	for i := 0; i < 2; i++ {
		select {
		case res := <-done:
			assert.Equal(t, OutcomeSettlementFailed, res.Outcome)
			assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
			var se *SettlementError
			assert.ErrorAs(t, res.Err, &se)
		case <-time.After(2 * time.Second):
			t.Fatal("relay did not return within its deadline")
		}
	}

	assert.False(t, c.IsPending(contractA.Hex()))
	assert.Empty(t, c.Snapshot().Pending)
	assert.Zero(t, ledger.writes())
}

func TestRelay_StuckConfirmationIsBounded(t *testing.T) {
	ledger := newSpyLedger()
	ledger.add(contractA, mustPreimage(t, secretHex))
	ledger.confirmGate = make(chan struct{})
	defer close(ledger.confirmGate)

	c, err := New(ledger, Config{ConfirmationTimeout: time.Hour, RelayTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	res := c.Relay(context.Background(), contractA.Hex(), secretHex)
	assert.Equal(t, OutcomeSettlementFailed, res.Outcome)
	assert.NotEmpty(t, res.TxHash, "the submitted hash is reported")
	assert.False(t, c.IsPending(contractA.Hex()))
}

func TestRelay_RecentBuffersAreBounded(t *testing.T) {
	ledger := newSpyLedger()
	c := newCoordinator(t, ledger)

	const n = 25
	for i := 0; i < n; i++ {
		c.Relay(context.Background(), fmt.Sprintf("bad-%02d", i), secretHex)
	}

	reqs := c.RecentRequests()
	require.Len(t, reqs, 10)
	for i, r := range reqs {
		assert.Equal(t, fmt.Sprintf("bad-%02d", n-10+i), r.ContractID)
	}
	assert.Len(t, c.RecentResponses(), 10)

	snap := c.Snapshot()
	assert.Equal(t, "bad-24", snap.RecentRequests[0].ContractID, "snapshot is newest first")
}

func TestRelay_TimestampsFromClock(t *testing.T) {
	ledger := newSpyLedger()
	ledger.add(contractA, mustPreimage(t, secretHex))
	clk := clock.NewTestClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	c := newCoordinator(t, ledger, WithClock(clk))

	res := c.Relay(context.Background(), contractA.Hex(), secretHex)
	assert.Equal(t, clk.Now(), res.At)
	assert.Equal(t, clk.Now(), c.RecentRequests()[0].ReceivedAt)
}

func TestRelay_NotifierSeesEveryStep(t *testing.T) {
	ledger := newSpyLedger()
	ledger.add(contractA, mustPreimage(t, secretHex))
	n := &spyNotifier{}
	c := newCoordinator(t, ledger, WithNotifier(n))

	c.Relay(context.Background(), contractA.Hex(), secretHex)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.requests, 1)
	assert.Equal(t, secretHex[:10]+"...", n.requests[0].Preimage)
	require.Len(t, n.responses, 1)
	assert.Equal(t, OutcomeSuccess, n.responses[0].Outcome)
	assert.Len(t, n.pending, 2)
}

func TestRelay_PanickingNotifierIsContained(t *testing.T) {
	ledger := newSpyLedger()
	ledger.add(contractA, mustPreimage(t, secretHex))
	c := newCoordinator(t, ledger, WithNotifier(panicNotifier{}))

	res := c.Relay(context.Background(), contractA.Hex(), secretHex)
	assert.True(t, res.OK())
	assert.False(t, c.IsPending(contractA.Hex()))
}

func TestNew_Defaults(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	c, err := New(newSpyLedger(), Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRecentCapacity, c.requests.Cap())
	assert.Equal(t, chain.DefaultConfirmationTimeout, c.cfg.ConfirmationTimeout)
	assert.Equal(t, chain.DefaultConfirmationTimeout+DefaultSubmitBudget, c.cfg.RelayTimeout)

	c, err = New(newSpyLedger(), Config{ConfirmationTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, time.Second+DefaultSubmitBudget, c.cfg.RelayTimeout)
}
