// Package dashboard keeps the operator's view of the relay: server status,
// in-flight settlements, recent successful relays, and a bounded log.
//
// The sink is strictly downstream. Producers hand it events through a
// buffered channel and never wait; when the channel is full the event is
// dropped and counted. Nothing here can slow down or fail a settlement.
package dashboard

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/mbd888/htlcrelay/internal/buffer"
	"github.com/mbd888/htlcrelay/internal/metrics"
	"github.com/mbd888/htlcrelay/internal/realtime"
	"github.com/mbd888/htlcrelay/internal/relay"
)

const (
	DefaultMaxLogs         = 200
	DefaultRecentRelays    = 10
	DefaultBufferSize      = 512
	DefaultRefreshInterval = 2 * time.Second
)

// StatusSource reports the relayer's on-chain identity. *chain.Client
// satisfies it.
type StatusSource interface {
	Address() string
	ChainID() *big.Int
	Balance(ctx context.Context) (*big.Int, error)
}

// Publisher receives every applied event, typically the websocket hub.
type Publisher interface {
	Broadcast(*realtime.Event)
}

// Config tunes the sink.
type Config struct {
	MaxLogs         int
	RecentRelays    int
	BufferSize      int
	RefreshInterval time.Duration
	RPCURL          string // shown in server status only
	MinLogLevel     slog.Level
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		MaxLogs:         DefaultMaxLogs,
		RecentRelays:    DefaultRecentRelays,
		BufferSize:      DefaultBufferSize,
		RefreshInterval: DefaultRefreshInterval,
		MinLogLevel:     slog.LevelInfo,
	}
}

// Option configures the Sink.
type Option func(*Sink)

// WithStatusSource sets where server status is read from on refresh.
func WithStatusSource(s StatusSource) Option {
	return func(k *Sink) { k.source = s }
}

// WithPublisher forwards applied events, e.g. to the websocket hub.
func WithPublisher(p Publisher) Option {
	return func(k *Sink) { k.publisher = p }
}

// WithClock sets the time source for log timestamps.
func WithClock(c clock.Clock) Option {
	return func(k *Sink) { k.clock = c }
}

// WithTicker replaces the periodic refresh ticker.
func WithTicker(t ticker.Ticker) Option {
	return func(k *Sink) { k.ticker = t }
}

// WithLogger sets the logger for the sink's own diagnostics. It must not be
// a logger that feeds back into this sink.
func WithLogger(l *slog.Logger) Option {
	return func(k *Sink) { k.logger = l }
}

type eventKind int

const (
	kindRequest eventKind = iota
	kindResponse
	kindPending
	kindLog
)

type event struct {
	kind     eventKind
	request  relay.Request
	response relay.Result
	pending  []relay.Pending
	log      LogEntry
}

// Sink implements relay.Notifier and, through Handler, slog.Handler.
type Sink struct {
	cfg       Config
	events    chan event
	source    StatusSource
	publisher Publisher
	clock     clock.Clock
	ticker    ticker.Ticker
	logger    *slog.Logger

	logs   *buffer.Ring[LogEntry]
	recent *buffer.Ring[RecentRow]

	mu          sync.RWMutex
	pending     []relay.Pending
	filter      string
	server      ServerStatus
	lastRefresh time.Time

	accepted atomic.Uint64
	dropped  atomic.Uint64

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a sink. Call Start to begin applying events.
func New(cfg Config, opts ...Option) (*Sink, error) {
	if cfg.MaxLogs <= 0 {
		cfg.MaxLogs = DefaultMaxLogs
	}
	if cfg.RecentRelays <= 0 {
		cfg.RecentRelays = DefaultRecentRelays
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}

	logs, err := buffer.New[LogEntry](cfg.MaxLogs)
	if err != nil {
		return nil, err
	}
	recent, err := buffer.New[RecentRow](cfg.RecentRelays)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		cfg:     cfg,
		events:  make(chan event, cfg.BufferSize),
		clock:   clock.NewDefaultClock(),
		logger:  slog.New(slog.DiscardHandler),
		logs:    logs,
		recent:  recent,
		pending: []relay.Pending{},
		server:  ServerStatus{RPCURL: cfg.RPCURL},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ticker == nil {
		s.ticker = ticker.New(cfg.RefreshInterval)
	}
	return s, nil
}

// -----------------------------------------------------------------------------
// Producers (never block)
// -----------------------------------------------------------------------------

// RequestSubmitted implements relay.Notifier.
func (s *Sink) RequestSubmitted(r relay.Request) {
	s.enqueue(event{kind: kindRequest, request: r}, "request")
}

// ResponseProduced implements relay.Notifier.
func (s *Sink) ResponseProduced(r relay.Result) {
	s.enqueue(event{kind: kindResponse, response: r}, "response")
}

// PendingChanged implements relay.Notifier.
func (s *Sink) PendingChanged(p []relay.Pending) {
	cp := append([]relay.Pending(nil), p...)
	s.enqueue(event{kind: kindPending, pending: cp}, "pending")
}

// Log records a log line directly.
func (s *Sink) Log(level, message, relatedID string) {
	s.enqueue(event{kind: kindLog, log: LogEntry{
		Timestamp: s.clock.Now(),
		Level:     level,
		Message:   message,
		RelatedID: relatedID,
	}}, "log")
}

// enqueue must not log through a handler that could route back here.
func (s *Sink) enqueue(ev event, kind string) {
	select {
	case s.events <- ev:
		s.accepted.Add(1)
		metrics.SinkEventsTotal.WithLabelValues(kind).Inc()
	default:
		s.dropped.Add(1)
		metrics.SinkDroppedTotal.Inc()
	}
}

// Dropped returns how many events were discarded under backpressure.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start begins applying events and refreshing status. It returns
// immediately.
func (s *Sink) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.ticker.Resume()
		go s.run(ctx)
	})
}

// Stop halts the sink and waits for the loop to exit. Queued events are
// applied before it returns.
func (s *Sink) Stop() {
	if !s.started.Load() {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
}

func (s *Sink) run(ctx context.Context) {
	defer close(s.done)
	defer s.ticker.Stop()

	s.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-s.stop:
			s.drain()
			return
		case ev := <-s.events:
			s.apply(ev)
		case <-s.ticker.Ticks():
			s.Refresh(ctx)
		}
	}
}

func (s *Sink) drain() {
	for {
		select {
		case ev := <-s.events:
			s.apply(ev)
		default:
			return
		}
	}
}

func (s *Sink) apply(ev event) {
	now := s.clock.Now()

	switch ev.kind {
	case kindRequest:
		s.publish(realtime.EventRelayRequest, ev.request.ContractID, ev.request, now)

	case kindResponse:
		r := ev.response
		if r.OK() {
			s.recent.Push(RecentRow{
				ContractID: r.ContractID,
				Preimage:   r.Preimage,
				TxHash:     r.TxHash,
				At:         r.At,
			})
		}
		s.publish(realtime.EventRelayResponse, r.ContractID, r, now)

	case kindPending:
		s.mu.Lock()
		s.pending = ev.pending
		s.mu.Unlock()
		s.publish(realtime.EventPendingChanged, "", ev.pending, now)

	case kindLog:
		s.logs.Push(ev.log)
		s.publish(realtime.EventLog, ev.log.RelatedID, ev.log, now)
	}
}

func (s *Sink) publish(t realtime.EventType, contractID string, data any, at time.Time) {
	if s.publisher == nil {
		return
	}
	s.publisher.Broadcast(&realtime.Event{
		Type:       t,
		Timestamp:  at,
		ContractID: strings.ToLower(contractID),
		Data:       data,
	})
}

// -----------------------------------------------------------------------------
// Display state
// -----------------------------------------------------------------------------

// Refresh re-reads server status. It only touches the sink's own state.
func (s *Sink) Refresh(ctx context.Context) {
	status := s.readStatus(ctx)

	s.mu.Lock()
	s.server = status
	s.lastRefresh = s.clock.Now()
	s.mu.Unlock()

	s.publish(realtime.EventRefresh, "", status, s.clock.Now())
}

func (s *Sink) readStatus(ctx context.Context) ServerStatus {
	status := ServerStatus{RPCURL: s.cfg.RPCURL, UpdatedAt: s.clock.Now()}
	if s.source == nil {
		return status
	}

	status.Address = s.source.Address()
	if id := s.source.ChainID(); id != nil {
		status.ChainID = id.Int64()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	bal, err := s.source.Balance(ctx)
	if err != nil {
		status.Error = err.Error()
		s.logger.Warn("dashboard balance refresh failed", "error", err)
		return status
	}
	status.Balance = formatEther(bal)
	if f, ok := etherFloat(bal); ok {
		metrics.RelayerBalanceEther.Set(f)
	}
	return status
}

// Filter restricts the log view to entries related to id.
func (s *Sink) Filter(id string) {
	s.mu.Lock()
	s.filter = strings.ToLower(strings.TrimSpace(id))
	s.mu.Unlock()
}

// ClearFilter shows all log entries again.
func (s *Sink) ClearFilter() {
	s.mu.Lock()
	s.filter = ""
	s.mu.Unlock()
}

// View renders the current display state.
func (s *Sink) View() *View {
	s.mu.RLock()
	filter := s.filter
	server := s.server
	pending := s.pending
	lastRefresh := s.lastRefresh
	s.mu.RUnlock()

	v := &View{
		Server:      server,
		Pending:     make([]PendingRow, 0, len(pending)),
		Recent:      s.recent.Newest(),
		Logs:        make([]LogEntry, 0, s.logs.Len()),
		Filter:      filter,
		Accepted:    s.accepted.Load(),
		Dropped:     s.dropped.Load(),
		LastRefresh: lastRefresh,
	}

	for _, p := range pending {
		v.Pending = append(v.Pending, PendingRow{
			ContractID: p.ContractID,
			Display:    ShortID(p.ContractID),
			Amount:     formatWeiString(p.Amount),
			Since:      p.Since,
		})
	}
	for i := range v.Recent {
		v.Recent[i].Display = ShortID(v.Recent[i].ContractID)
	}

	for _, entry := range s.logs.List() {
		if filter != "" && !strings.EqualFold(entry.RelatedID, filter) {
			continue
		}
		v.Logs = append(v.Logs, entry)
	}
	return v
}
