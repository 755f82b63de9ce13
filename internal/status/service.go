package status

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/mbd888/htlcrelay/internal/events"
)

// Service answers history queries against an event store.
type Service struct {
	store events.Store
	clock clock.Clock
}

// Option configures the Service.
type Option func(*Service)

// WithClock injects the time source used for expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// NewService creates a history service.
func NewService(store events.Store, opts ...Option) *Service {
	s := &Service{store: store, clock: clock.NewDefaultClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transactions returns the derived history of account.
func (s *Service) Transactions(ctx context.Context, account string) ([]*Transaction, error) {
	ev, err := s.store.ForAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", account, err)
	}
	return Derive(account, ev, s.clock.Now()), nil
}

// Reclaimable filters txs down to those the sender can refund.
func Reclaimable(txs []*Transaction) []*Transaction {
	out := make([]*Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Reclaimable() {
			out = append(out, tx)
		}
	}
	return out
}
