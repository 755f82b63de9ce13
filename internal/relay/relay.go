// Package relay settles HTLC claims on behalf of receivers: it checks a
// revealed preimage against the on-chain record and submits the withdrawal.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/htlcrelay/internal/chain"
	"github.com/mbd888/htlcrelay/internal/htlc"
)

// Kind discriminates relay messages on the wire.
type Kind string

const (
	KindRequest  Kind = "relay_request"
	KindResponse Kind = "relay_response"
)

// Outcome classifies how a relay resolved.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeSettlementFailed Outcome = "settlement_failed"
)

// Reasons reported for validation failures.
const (
	ReasonInvalidContractID = "invalid contract id"
	ReasonInvalidPreimage   = "invalid preimage"
	ReasonNotFound          = "contract not found"
	ReasonMismatch          = "preimage mismatch"
	ReasonAlreadySettled    = "already settled"
)

// ValidationError means the claim was rejected before any ledger write.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay: %s: %v", e.Reason, e.Err)
	}
	return "relay: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// SettlementError means the withdrawal could not be submitted or confirmed.
type SettlementError struct {
	TxHash string
	Err    error
}

func (e *SettlementError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("relay: settlement failed (tx: %s): %v", e.TxHash, e.Err)
	}
	return fmt.Sprintf("relay: settlement failed: %v", e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// Ledger is the chain surface the coordinator needs. *chain.Client
// satisfies it.
type Ledger interface {
	GetContract(ctx context.Context, contractID common.Hash) (*htlc.Record, error)
	Withdraw(ctx context.Context, contractID common.Hash, preimage htlc.Preimage) (string, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*chain.Receipt, error)
}

// Notifier receives coordinator events. Implementations must not block;
// panics are recovered and logged.
type Notifier interface {
	RequestSubmitted(Request)
	ResponseProduced(Result)
	PendingChanged([]Pending)
}

// Request is a claim as it was received.
type Request struct {
	Kind       Kind      `json:"kind"`
	ContractID string    `json:"contractId"`
	Preimage   string    `json:"preimage,omitempty"` // shortened
	ReceivedAt time.Time `json:"receivedAt"`
}

// Result is the resolution of one claim.
type Result struct {
	Kind       Kind      `json:"kind"`
	Status     string    `json:"status"` // success | error
	Outcome    Outcome   `json:"code"`
	ContractID string    `json:"contractId"`
	TxHash     string    `json:"txHash,omitempty"`
	Preimage   string    `json:"preimage,omitempty"` // shortened, success only
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`

	Err error `json:"-"`
}

// OK reports whether the withdrawal was confirmed.
func (r *Result) OK() bool { return r.Outcome == OutcomeSuccess }

// Pending is a contract with a settlement in flight.
type Pending struct {
	ContractID string    `json:"contractId"`
	Since      time.Time `json:"since"`
	Amount     string    `json:"amount,omitempty"` // wei, once the record is cached
}

// Snapshot is a point-in-time copy of the coordinator's bookkeeping.
type Snapshot struct {
	Pending         []Pending               `json:"pending"`
	RecentRequests  []Request               `json:"recentRequests"`
	RecentResponses []Result                `json:"recentResponses"`
	Contracts       map[string]*htlc.Record `json:"contracts"`
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, htlc.ErrPreimageMismatch):
		return ReasonMismatch
	case errors.Is(err, htlc.ErrAlreadySettled):
		return ReasonAlreadySettled
	default:
		return ReasonNotFound
	}
}
