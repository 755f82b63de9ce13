// Package events stores the HashedTimelock log events that history views
// are derived from. Stores are append-only and idempotent on event id.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Created is a LogHTLCNew event.
type Created struct {
	ID          string    `json:"id"`
	ContractID  string    `json:"contractId"`
	Sender      string    `json:"sender"`
	Receiver    string    `json:"receiver"`
	Amount      string    `json:"amount"` // wei, base-10
	Hashlock    string    `json:"hashlock"`
	Timelock    uint64    `json:"timelock"`
	BlockNumber uint64    `json:"blockNumber"`
	LogIndex    uint      `json:"logIndex"`
	TxHash      string    `json:"txHash"`
	Timestamp   time.Time `json:"timestamp"`
}

// Settled is a LogHTLCWithdraw or LogHTLCRefund event.
type Settled struct {
	ID          string    `json:"id"`
	ContractID  string    `json:"contractId"`
	BlockNumber uint64    `json:"blockNumber"`
	LogIndex    uint      `json:"logIndex"`
	TxHash      string    `json:"txHash"`
	Timestamp   time.Time `json:"timestamp"`
}

// AccountEvents is everything needed to derive one account's history:
// the contracts it created or received, and the terminal events for those
// contracts keyed by contract id.
type AccountEvents struct {
	Created   []*Created
	Withdrawn map[string]*Settled
	Refunded  map[string]*Settled
}

// Store persists indexed events.
type Store interface {
	// Append* report whether the event was new. Re-delivery is a no-op.
	AppendCreated(ctx context.Context, e *Created) (bool, error)
	AppendWithdrawn(ctx context.Context, e *Settled) (bool, error)
	AppendRefunded(ctx context.Context, e *Settled) (bool, error)

	ForAccount(ctx context.Context, account string) (*AccountEvents, error)

	// Cursor returns the next block the indexer should scan, or 0 if it
	// has never run.
	Cursor(ctx context.Context) (uint64, error)
	SetCursor(ctx context.Context, nextBlock uint64) error
}

// EventID builds the unique key of a log: chainId_block_logIndex.
func EventID(chainID int64, block uint64, logIndex uint) string {
	return fmt.Sprintf("%d_%d_%d", chainID, block, logIndex)
}

// Normalize lower-cases the hex fields of a creation event.
func (e *Created) Normalize() {
	e.ContractID = strings.ToLower(e.ContractID)
	e.Sender = strings.ToLower(e.Sender)
	e.Receiver = strings.ToLower(e.Receiver)
	e.Hashlock = strings.ToLower(e.Hashlock)
}

// Normalize lower-cases the contract id.
func (e *Settled) Normalize() {
	e.ContractID = strings.ToLower(e.ContractID)
}
