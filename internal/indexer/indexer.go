// Package indexer follows HashedTimelock logs on the EVM chain and appends
// them to the event store that transaction history is derived from.
//
// Scanning is resumable: the next block to scan is persisted after every
// batch, and every event is keyed by chainId_block_logIndex so a batch that
// is re-scanned after a crash stores nothing twice.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/mbd888/htlcrelay/internal/chain"
	"github.com/mbd888/htlcrelay/internal/circuitbreaker"
	"github.com/mbd888/htlcrelay/internal/events"
	"github.com/mbd888/htlcrelay/internal/htlc"
	"github.com/mbd888/htlcrelay/internal/metrics"
	"github.com/mbd888/htlcrelay/internal/retry"
	"github.com/mbd888/htlcrelay/internal/traces"
)

const (
	DefaultBatchSize    = 2000
	DefaultPollInterval = 5 * time.Second

	breakerKey = "rpc"

	eventNew      = "LogHTLCNew"
	eventWithdraw = "LogHTLCWithdraw"
	eventRefund   = "LogHTLCRefund"
)

// Client is the read side of an Ethereum JSON-RPC client. *ethclient.Client
// satisfies it.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Config for the indexer.
type Config struct {
	Contract     common.Address
	ChainID      int64
	StartBlock   uint64 // used only when the store has no cursor
	BatchSize    uint64
	PollInterval time.Duration
	Retry        retry.Policy
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:    DefaultBatchSize,
		PollInterval: DefaultPollInterval,
		Retry:        retry.DefaultPolicy(),
	}
}

// Option configures the Indexer.
type Option func(*Indexer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Indexer) { ix.logger = l }
}

// WithBreaker replaces the RPC circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(ix *Indexer) { ix.breaker = b }
}

// WithTicker replaces the poll ticker.
func WithTicker(t ticker.Ticker) Option {
	return func(ix *Indexer) { ix.ticker = t }
}

// WithClock sets the time source for sync bookkeeping.
func WithClock(c clock.Clock) Option {
	return func(ix *Indexer) { ix.clock = c }
}

// Status describes indexer progress for health checks.
type Status struct {
	Running   bool      `json:"running"`
	NextBlock uint64    `json:"nextBlock"`
	Head      uint64    `json:"head"`
	LastSync  time.Time `json:"lastSync,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Breaker   string    `json:"breaker"`
}

// Indexer polls the chain for HTLC events.
type Indexer struct {
	client  Client
	store   events.Store
	cfg     Config
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker
	ticker  ticker.Ticker
	clock   clock.Clock

	byTopic map[common.Hash]abi.Event
	topics  []common.Hash

	syncMu sync.Mutex // one Sync at a time

	mu       sync.RWMutex
	running  bool
	loaded   bool
	next     uint64
	head     uint64
	lastSync time.Time
	lastErr  error

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates an indexer over client that writes to store.
func New(client Client, store events.Store, cfg Config, opts ...Option) (*Indexer, error) {
	if client == nil {
		return nil, errors.New("indexer: client is required")
	}
	if store == nil {
		return nil, errors.New("indexer: store is required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, errors.New("indexer: contract address is required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	parsed, err := chain.ParseABI()
	if err != nil {
		return nil, fmt.Errorf("indexer: %w", err)
	}

	ix := &Indexer{
		client:  client,
		store:   store,
		cfg:     cfg,
		logger:  slog.Default(),
		breaker: circuitbreaker.New(5, 30*time.Second),
		clock:   clock.NewDefaultClock(),
		byTopic: make(map[common.Hash]abi.Event, 3),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, name := range []string{eventNew, eventWithdraw, eventRefund} {
		ev, ok := parsed.Events[name]
		if !ok {
			return nil, fmt.Errorf("indexer: abi has no %s event", name)
		}
		ix.byTopic[ev.ID] = ev
		ix.topics = append(ix.topics, ev.ID)
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.ticker == nil {
		ix.ticker = ticker.New(cfg.PollInterval)
	}
	return ix, nil
}

// Start loads the cursor and begins polling. It returns once the cursor is
// known; the first sync runs in the background.
func (ix *Indexer) Start(ctx context.Context) error {
	next, err := ix.loadCursor(ctx)
	if err != nil {
		return err
	}

	var started bool
	ix.startOnce.Do(func() {
		ix.mu.Lock()
		ix.running = true
		ix.mu.Unlock()

		ix.logger.Info("indexer started",
			"contract", ix.cfg.Contract.Hex(),
			"chainId", ix.cfg.ChainID,
			"nextBlock", next,
		)

		ix.ticker.Resume()
		go ix.pollLoop(ctx)
		started = true
	})
	if !started {
		return errors.New("indexer: already started")
	}
	return nil
}

// loadCursor reads the persisted cursor once. A store without one starts
// at the configured block.
func (ix *Indexer) loadCursor(ctx context.Context) (uint64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.loaded {
		return ix.next, nil
	}

	next, err := ix.store.Cursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("indexer: load cursor: %w", err)
	}
	if next == 0 {
		next = ix.cfg.StartBlock
	}
	ix.next, ix.loaded = next, true
	metrics.IndexerNextBlock.Set(float64(next))
	return next, nil
}

// Stop halts polling and waits for an in-progress sync to finish.
func (ix *Indexer) Stop() {
	ix.mu.RLock()
	running := ix.running
	ix.mu.RUnlock()
	if !running {
		return
	}
	ix.stopOnce.Do(func() { close(ix.stop) })
	<-ix.done
}

func (ix *Indexer) pollLoop(ctx context.Context) {
	defer close(ix.done)
	defer ix.ticker.Stop()
	defer func() {
		ix.mu.Lock()
		ix.running = false
		ix.mu.Unlock()
	}()

	ix.syncAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ix.stop:
			return
		case <-ix.ticker.Ticks():
			ix.syncAndLog(ctx)
		}
	}
}

func (ix *Indexer) syncAndLog(ctx context.Context) {
	n, err := ix.Sync(ctx)
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		ix.logger.Debug("indexer paused, rpc circuit open")
	case err != nil:
		ix.logger.Error("indexer sync failed", "error", err)
	case n > 0:
		ix.logger.Info("indexed htlc events", "count", n, "nextBlock", ix.Status().NextBlock)
	}
}

// Sync scans from the cursor to the current head in batches and returns how
// many new events were stored. The cursor advances after each batch.
func (ix *Indexer) Sync(ctx context.Context) (int, error) {
	ix.syncMu.Lock()
	defer ix.syncMu.Unlock()

	ctx, span := traces.StartSpan(ctx, "indexer.sync")
	defer span.End()

	stored, err := ix.sync(ctx)

	ix.mu.Lock()
	ix.lastErr = err
	if err == nil {
		ix.lastSync = ix.clock.Now()
	}
	ix.mu.Unlock()

	if err != nil {
		metrics.IndexerErrorsTotal.Inc()
		traces.Fail(span, err)
	}
	return stored, err
}

func (ix *Indexer) sync(ctx context.Context) (int, error) {
	next, err := ix.loadCursor(ctx)
	if err != nil {
		return 0, err
	}

	var head uint64
	err = ix.call(ctx, func(ctx context.Context) error {
		var err error
		head, err = ix.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}

	ix.mu.Lock()
	ix.head = head
	ix.mu.Unlock()

	total := 0
	for next <= head {
		to := next + ix.cfg.BatchSize - 1
		if to > head {
			to = head
		}

		n, err := ix.syncRange(ctx, next, to)
		total += n
		if err != nil {
			return total, err
		}

		next = to + 1
		if err := ix.store.SetCursor(ctx, next); err != nil {
			return total, fmt.Errorf("save cursor: %w", err)
		}
		ix.mu.Lock()
		ix.next = next
		ix.mu.Unlock()
		metrics.IndexerNextBlock.Set(float64(next))
	}
	return total, nil
}

func (ix *Indexer) syncRange(ctx context.Context, from, to uint64) (int, error) {
	ctx, span := traces.StartSpan(ctx, "indexer.batch", traces.BlockRange(from, to)...)
	defer span.End()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{ix.cfg.Contract},
		Topics:    [][]common.Hash{ix.topics},
	}

	var logs []types.Log
	err := ix.call(ctx, func(ctx context.Context) error {
		var err error
		logs, err = ix.client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		traces.Fail(span, err)
		return 0, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	times := make(map[uint64]time.Time)
	stored := 0
	for _, vLog := range logs {
		if vLog.Removed {
			continue
		}
		ok, err := ix.process(ctx, vLog, times)
		if err != nil {
			traces.Fail(span, err)
			return stored, err
		}
		if ok {
			stored++
		}
	}
	return stored, nil
}

// call runs fn through the circuit breaker with retries. Once the breaker
// is open, later polls fail fast until the probe window.
func (ix *Indexer) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return ix.breaker.Do(breakerKey, func() error {
		return retry.Do(ctx, ix.cfg.Retry, fn)
	})
}

// process decodes and stores one log. Logs that cannot be decoded are
// skipped so a single bad entry cannot stall the cursor.
func (ix *Indexer) process(ctx context.Context, vLog types.Log, times map[uint64]time.Time) (bool, error) {
	if len(vLog.Topics) == 0 {
		return false, nil
	}
	ev, ok := ix.byTopic[vLog.Topics[0]]
	if !ok {
		return false, nil
	}

	ts, err := ix.blockTime(ctx, vLog.BlockNumber, times)
	if err != nil {
		return false, err
	}

	id := events.EventID(ix.cfg.ChainID, vLog.BlockNumber, vLog.Index)

	switch ev.Name {
	case eventNew:
		e, err := decodeCreated(ev, vLog)
		if err != nil {
			ix.logger.Warn("skipping malformed log", "event", ev.Name, "tx", vLog.TxHash.Hex(), "error", err)
			return false, nil
		}
		e.ID, e.Timestamp = id, ts
		added, err := ix.store.AppendCreated(ctx, e)
		return ix.counted("created", added, err)

	default:
		if len(vLog.Topics) < 2 {
			ix.logger.Warn("skipping malformed log", "event", ev.Name, "tx", vLog.TxHash.Hex())
			return false, nil
		}
		e := &events.Settled{
			ID:          id,
			ContractID:  vLog.Topics[1].Hex(),
			BlockNumber: vLog.BlockNumber,
			LogIndex:    vLog.Index,
			TxHash:      vLog.TxHash.Hex(),
			Timestamp:   ts,
		}
		e.Normalize()
		if ev.Name == eventWithdraw {
			added, err := ix.store.AppendWithdrawn(ctx, e)
			return ix.counted("withdrawn", added, err)
		}
		added, err := ix.store.AppendRefunded(ctx, e)
		return ix.counted("refunded", added, err)
	}
}

func (ix *Indexer) counted(kind string, added bool, err error) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("store %s event: %w", kind, err)
	}
	if added {
		metrics.IndexerEventsTotal.WithLabelValues(kind).Inc()
	}
	return added, nil
}

func (ix *Indexer) blockTime(ctx context.Context, block uint64, cache map[uint64]time.Time) (time.Time, error) {
	if ts, ok := cache[block]; ok {
		return ts, nil
	}
	var header *types.Header
	err := ix.call(ctx, func(ctx context.Context) error {
		var err error
		header, err = ix.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
		if err == nil && header == nil {
			err = retry.Permanent(ethereum.NotFound)
		}
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w", block, err)
	}
	ts := time.Unix(int64(header.Time), 0).UTC() //nolint:gosec // block times fit int64
	cache[block] = ts
	return ts, nil
}

func decodeCreated(ev abi.Event, vLog types.Log) (*events.Created, error) {
	if len(vLog.Topics) < 4 {
		return nil, fmt.Errorf("want 4 topics, got %d", len(vLog.Topics))
	}
	values, err := ev.Inputs.NonIndexed().Unpack(vLog.Data)
	if err != nil {
		return nil, err
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("want 3 data fields, got %d", len(values))
	}
	amount, ok1 := values[0].(*big.Int)
	hashlock, ok2 := values[1].([32]byte)
	timelock, ok3 := values[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, errors.New("unexpected data field types")
	}

	e := &events.Created{
		ContractID:  vLog.Topics[1].Hex(),
		Sender:      common.BytesToAddress(vLog.Topics[2].Bytes()).Hex(),
		Receiver:    common.BytesToAddress(vLog.Topics[3].Bytes()).Hex(),
		Amount:      amount.String(),
		Hashlock:    common.Hash(hashlock).Hex(),
		Timelock:    htlc.TimelockFromBig(timelock),
		BlockNumber: vLog.BlockNumber,
		LogIndex:    vLog.Index,
		TxHash:      vLog.TxHash.Hex(),
	}
	e.Normalize()
	return e, nil
}

// Status reports progress.
func (ix *Indexer) Status() Status {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	s := Status{
		Running:   ix.running,
		NextBlock: ix.next,
		Head:      ix.head,
		LastSync:  ix.lastSync,
		Breaker:   ix.breaker.State(breakerKey).String(),
	}
	if ix.lastErr != nil {
		s.LastError = ix.lastErr.Error()
	}
	return s
}
