// Package status derives an account's HTLC history from indexed log events.
//
// Nothing here is stored: every query folds the current event sets again,
// so the view can never drift from what the chain reported.
package status

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/htlcrelay/internal/events"
	"github.com/mbd888/htlcrelay/internal/htlc"
)

// Status is the lifecycle state of one contract from an account's view.
type Status string

const (
	Pending   Status = "PENDING"
	Completed Status = "COMPLETED"
	Refunded  Status = "REFUNDED"
	Expired   Status = "EXPIRED"
	// Failed is set by clients for local submission errors. Derive never
	// produces it.
	Failed Status = "FAILED"
)

// Direction is whether the account locked or receives the funds.
type Direction string

const (
	Sent     Direction = "SENT"
	Received Direction = "RECEIVED"
)

// weiPerSat converts the 18-decimal native unit to 8-decimal satoshis.
var weiPerSat = decimal.New(1, 10)

// Transaction is one row of an account's history.
type Transaction struct {
	ContractID     string    `json:"contractId"`
	Direction      Direction `json:"direction"`
	Status         Status    `json:"status"`
	Counterparty   string    `json:"counterparty"`
	Amount         string    `json:"amount"`
	AmountSats     string    `json:"amountSats"`
	Hashlock       string    `json:"hashlock"`
	Timelock       uint64    `json:"timelock"`
	CreatedAt      time.Time `json:"createdAt"`
	TxHash         string    `json:"txHash"`
	WithdrawTxHash string    `json:"withdrawTxHash,omitempty"`
	RefundTxHash   string    `json:"refundTxHash,omitempty"`
}

// Reclaimable reports whether the sender can take the funds back.
func (t *Transaction) Reclaimable() bool {
	return t.Direction == Sent && (t.Status == Expired || t.Status == Failed)
}

// Derive computes the history of account at now. Contracts are included only
// if the account created or receives them; a withdrawal dominates a refund,
// and either dominates expiry. Output is newest first, ties broken by
// contract id.
func Derive(account string, ev *events.AccountEvents, now time.Time) []*Transaction {
	if ev == nil {
		return []*Transaction{}
	}
	account = strings.ToLower(account)

	seen := make(map[string]bool, len(ev.Created))
	out := make([]*Transaction, 0, len(ev.Created))

	for _, c := range ev.Created {
		id := strings.ToLower(c.ContractID)
		sender := strings.ToLower(c.Sender)
		receiver := strings.ToLower(c.Receiver)
		if seen[id] || (sender != account && receiver != account) {
			continue
		}
		seen[id] = true

		tx := &Transaction{
			ContractID: id,
			Amount:     c.Amount,
			AmountSats: toSats(c.Amount),
			Hashlock:   c.Hashlock,
			Timelock:   c.Timelock,
			CreatedAt:  c.Timestamp,
			TxHash:     c.TxHash,
		}

		if sender == account {
			tx.Direction = Sent
			tx.Counterparty = receiver
		} else {
			tx.Direction = Received
			tx.Counterparty = sender
		}

		w := ev.Withdrawn[id]
		r := ev.Refunded[id]
		switch {
		case w != nil:
			tx.Status = Completed
			tx.WithdrawTxHash = w.TxHash
		case r != nil:
			tx.Status = Refunded
			tx.RefundTxHash = r.TxHash
		case htlc.TimelockPassed(c.Timelock, now):
			tx.Status = Expired
		default:
			tx.Status = Pending
		}

		out = append(out, tx)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ContractID < out[j].ContractID
	})
	return out
}

func toSats(wei string) string {
	d, err := decimal.NewFromString(wei)
	if err != nil {
		return "0"
	}
	return d.Div(weiPerSat).Truncate(0).String()
}
