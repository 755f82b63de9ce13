package dashboard

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// LogEntry is one line of the dashboard log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	RelatedID string    `json:"relatedId,omitempty"`
}

// ServerStatus is the relayer identity panel.
type ServerStatus struct {
	Address   string    `json:"address"`
	Balance   string    `json:"balance"` // ether
	ChainID   int64     `json:"chainId"`
	RPCURL    string    `json:"rpcUrl"`
	UpdatedAt time.Time `json:"updatedAt"`
	Error     string    `json:"error,omitempty"`
}

// PendingRow is a settlement in flight.
type PendingRow struct {
	ContractID string    `json:"contractId"`
	Display    string    `json:"display"`
	Amount     string    `json:"amount,omitempty"` // ether
	Since      time.Time `json:"since"`
}

// RecentRow is a confirmed withdrawal.
type RecentRow struct {
	ContractID string    `json:"contractId"`
	Display    string    `json:"display"`
	Preimage   string    `json:"preimage"` // shortened
	TxHash     string    `json:"txHash"`
	At         time.Time `json:"at"`
}

// View is everything the operator screen shows.
type View struct {
	Server      ServerStatus `json:"server"`
	Pending     []PendingRow `json:"pending"`
	Recent      []RecentRow  `json:"recent"`
	Logs        []LogEntry   `json:"logs"`
	Filter      string       `json:"filter,omitempty"`
	Accepted    uint64       `json:"accepted"`
	Dropped     uint64       `json:"dropped"`
	LastRefresh time.Time    `json:"lastRefresh"`
}

const maxIDWidth = 34

// ShortID truncates long identifiers to fit a table column.
func ShortID(id string) string {
	if len(id) <= maxIDWidth {
		return id
	}
	return id[:maxIDWidth-3] + "..."
}

const weiDecimals = 18

func formatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -weiDecimals).String()
}

func etherFloat(wei *big.Int) (float64, bool) {
	if wei == nil {
		return 0, false
	}
	f, _ := decimal.NewFromBigInt(wei, -weiDecimals).Float64()
	return f, true
}

func formatWeiString(wei string) string {
	if wei == "" {
		return ""
	}
	d, err := decimal.NewFromString(wei)
	if err != nil {
		return ""
	}
	return d.Shift(-weiDecimals).String()
}
