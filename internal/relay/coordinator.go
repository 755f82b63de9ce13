package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/mbd888/htlcrelay/internal/buffer"
	"github.com/mbd888/htlcrelay/internal/chain"
	"github.com/mbd888/htlcrelay/internal/htlc"
	"github.com/mbd888/htlcrelay/internal/metrics"
	"github.com/mbd888/htlcrelay/internal/syncutil"
	"github.com/mbd888/htlcrelay/internal/traces"
)

const (
	// DefaultRecentCapacity is how many requests and responses are retained.
	DefaultRecentCapacity = 10

	// DefaultSubmitBudget covers the lock wait, the contract read and the
	// withdraw submission on top of the confirmation wait.
	DefaultSubmitBudget = 30 * time.Second
)

// Config tunes the coordinator.
type Config struct {
	RecentCapacity      int
	ConfirmationTimeout time.Duration

	// RelayTimeout bounds a whole Relay call. Zero means
	// ConfirmationTimeout plus DefaultSubmitBudget.
	RelayTimeout time.Duration
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		RecentCapacity:      DefaultRecentCapacity,
		ConfirmationTimeout: chain.DefaultConfirmationTimeout,
		RelayTimeout:        chain.DefaultConfirmationTimeout + DefaultSubmitBudget,
	}
}

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithNotifier sets the observer for relay events.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithClock sets the time source for bookkeeping timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// Coordinator validates claims and settles them one contract at a time.
type Coordinator struct {
	ledger   Ledger
	cfg      Config
	locks    *syncutil.KeyedMutex
	notifier Notifier
	logger   *slog.Logger
	clock    clock.Clock

	mu        sync.RWMutex
	pending   map[string]time.Time
	contracts map[string]*htlc.Record

	requests  *buffer.Ring[Request]
	responses *buffer.Ring[Result]
}

// New creates a coordinator over ledger.
func New(ledger Ledger, cfg Config, opts ...Option) (*Coordinator, error) {
	if ledger == nil {
		return nil, errors.New("relay: ledger is required")
	}
	if cfg.RecentCapacity <= 0 {
		cfg.RecentCapacity = DefaultRecentCapacity
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = chain.DefaultConfirmationTimeout
	}
	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = cfg.ConfirmationTimeout + DefaultSubmitBudget
	}

	requests, err := buffer.New[Request](cfg.RecentCapacity)
	if err != nil {
		return nil, fmt.Errorf("relay: request buffer: %w", err)
	}
	responses, err := buffer.New[Result](cfg.RecentCapacity)
	if err != nil {
		return nil, fmt.Errorf("relay: response buffer: %w", err)
	}

	c := &Coordinator{
		ledger:    ledger,
		cfg:       cfg,
		locks:     syncutil.NewKeyedMutex(),
		logger:    slog.Default(),
		clock:     clock.NewDefaultClock(),
		pending:   make(map[string]time.Time),
		contracts: make(map[string]*htlc.Record),
		requests:  requests,
		responses: responses,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Relay validates preimageHex against contractIDHex and, if it unlocks an
// open contract, submits and confirms the withdrawal. It never retries.
// Every call is recorded in the recent request and response buffers and
// returns within RelayTimeout; running out of time is a settlement failure.
func (c *Coordinator) Relay(ctx context.Context, contractIDHex, preimageHex string) *Result {
	start := c.clock.Now()
	rawID := strings.TrimSpace(contractIDHex)

	req := Request{Kind: KindRequest, ContractID: rawID, ReceivedAt: start}
	if p, err := htlc.ParsePreimage(preimageHex); err == nil {
		req.Preimage = p.Short()
	}
	c.requests.Push(req)
	c.notify(func(n Notifier) { n.RequestSubmitted(req) })

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RelayTimeout)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "relay.claim", traces.ContractID(rawID))
	defer span.End()

	res := c.settle(ctx, rawID, preimageHex)
	res.Kind = KindResponse
	res.At = c.clock.Now()
	if res.OK() {
		res.Status = "success"
		span.SetAttributes(traces.TxHash(res.TxHash))
	} else {
		res.Status = "error"
		traces.Fail(span, res.Err)
	}
	span.SetAttributes(traces.Outcome(string(res.Outcome)))

	c.responses.Push(*res)
	metrics.RelayRequestsTotal.WithLabelValues(string(res.Outcome)).Inc()
	metrics.RelayDuration.Observe(res.At.Sub(start).Seconds())

	log := c.logger.With("contractId", res.ContractID, "outcome", res.Outcome)
	switch res.Outcome {
	case OutcomeSuccess:
		log.Info("relay settled", "txHash", res.TxHash, "preimage", res.Preimage)
	case OutcomeValidationFailed:
		log.Warn("relay rejected", "reason", res.Message)
	default:
		log.Error("relay failed", "txHash", res.TxHash, "error", res.Err)
	}

	out := *res
	c.notify(func(n Notifier) { n.ResponseProduced(out) })
	return res
}

func (c *Coordinator) settle(ctx context.Context, rawID, preimageHex string) *Result {
	id, err := htlc.ParseContractID(rawID)
	if err != nil {
		return invalid(rawID, ReasonInvalidContractID, err)
	}
	key := strings.ToLower(id.Hex())

	preimage, err := htlc.ParsePreimage(preimageHex)
	if err != nil {
		return invalid(key, ReasonInvalidPreimage, err)
	}

	unlock, err := c.locks.LockContext(ctx, key)
	if err != nil {
		return failed(key, "", fmt.Errorf("waiting for in-flight settlement: %w", err))
	}
	defer unlock()

	c.addPending(key)
	defer c.removePending(key)

	record, err := c.ledger.GetContract(ctx, id)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return failed(key, "", fmt.Errorf("reading contract: %w", err))
		}
		if !errors.Is(err, htlc.ErrContractNotFound) {
			c.logger.Warn("contract read failed", "contractId", key, "error", err)
		}
		return invalid(key, ReasonNotFound, err)
	}
	c.cache(key, record)

	if err := record.CheckClaim(preimage); err != nil {
		return invalid(key, reasonFor(err), err)
	}

	txHash, err := c.ledger.Withdraw(ctx, id, preimage)
	if err != nil {
		return failed(key, "", err)
	}
	c.logger.Info("withdraw submitted", "contractId", key, "txHash", txHash)

	if _, err := c.ledger.WaitForConfirmation(ctx, txHash, c.cfg.ConfirmationTimeout); err != nil {
		return failed(key, txHash, err)
	}

	if updated, err := c.ledger.GetContract(ctx, id); err == nil {
		c.cache(key, updated)
	} else {
		c.logger.Warn("post-settlement read failed", "contractId", key, "error", err)
	}

	return &Result{
		Outcome:    OutcomeSuccess,
		ContractID: key,
		TxHash:     txHash,
		Preimage:   preimage.Short(),
	}
}

func invalid(contractID, reason string, err error) *Result {
	return &Result{
		Outcome:    OutcomeValidationFailed,
		ContractID: contractID,
		Message:    reason,
		Err:        &ValidationError{Reason: reason, Err: err},
	}
}

func failed(contractID, txHash string, err error) *Result {
	return &Result{
		Outcome:    OutcomeSettlementFailed,
		ContractID: contractID,
		TxHash:     txHash,
		Message:    err.Error(),
		Err:        &SettlementError{TxHash: txHash, Err: err},
	}
}

// -----------------------------------------------------------------------------
// Bookkeeping
// -----------------------------------------------------------------------------

func (c *Coordinator) addPending(key string) {
	c.mu.Lock()
	c.pending[key] = c.clock.Now()
	list := c.pendingLocked()
	c.mu.Unlock()

	metrics.RelayPending.Set(float64(len(list)))
	c.notify(func(n Notifier) { n.PendingChanged(list) })
}

func (c *Coordinator) removePending(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	list := c.pendingLocked()
	c.mu.Unlock()

	metrics.RelayPending.Set(float64(len(list)))
	c.notify(func(n Notifier) { n.PendingChanged(list) })
}

func (c *Coordinator) cache(key string, r *htlc.Record) {
	cp := *r
	c.mu.Lock()
	c.contracts[key] = &cp
	c.mu.Unlock()
}

// pendingLocked returns the pending set ordered by start time. Callers hold mu.
func (c *Coordinator) pendingLocked() []Pending {
	out := make([]Pending, 0, len(c.pending))
	for id, since := range c.pending {
		p := Pending{ContractID: id, Since: since}
		if r, ok := c.contracts[id]; ok && r.Amount != nil {
			p.Amount = r.Amount.String()
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.Before(out[j].Since)
		}
		return out[i].ContractID < out[j].ContractID
	})
	return out
}

// IsPending reports whether contractID has a settlement in flight.
func (c *Coordinator) IsPending(contractID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.pending[strings.ToLower(contractID)]
	return ok
}

// Contract returns the last record read for contractID.
func (c *Coordinator) Contract(contractID string) (*htlc.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.contracts[strings.ToLower(contractID)]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Snapshot copies the current bookkeeping. Recent entries are newest first.
func (c *Coordinator) Snapshot() *Snapshot {
	c.mu.RLock()
	pending := c.pendingLocked()
	contracts := make(map[string]*htlc.Record, len(c.contracts))
	for k, r := range c.contracts {
		cp := *r
		contracts[k] = &cp
	}
	c.mu.RUnlock()

	return &Snapshot{
		Pending:         pending,
		RecentRequests:  c.requests.Newest(),
		RecentResponses: c.responses.Newest(),
		Contracts:       contracts,
	}
}

// RecentRequests returns retained requests, oldest first.
func (c *Coordinator) RecentRequests() []Request { return c.requests.List() }

// RecentResponses returns retained results, oldest first.
func (c *Coordinator) RecentResponses() []Result { return c.responses.List() }

func (c *Coordinator) notify(fn func(Notifier)) {
	if c.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("relay notifier panicked", "panic", r)
		}
	}()
	fn(c.notifier)
}
