// Package htlc holds the hashed time-locked contract record as it lives on
// the ledger, and the preimage checks used to validate a claim against it.
package htlc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrContractNotFound  = errors.New("htlc: contract not found")
	ErrPreimageMismatch  = errors.New("htlc: preimage mismatch")
	ErrAlreadySettled    = errors.New("htlc: already settled")
	ErrInvalidPreimage   = errors.New("htlc: invalid preimage")
	ErrInvalidContractID = errors.New("htlc: invalid contract id")
)

// PreimageSize is the length of the secret behind a hashlock.
const PreimageSize = 32

// Preimage is the secret whose sha256 hash is a contract's hashlock.
type Preimage [PreimageSize]byte

// ParsePreimage decodes a hex preimage, with or without a 0x prefix.
func ParsePreimage(s string) (Preimage, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(raw) != PreimageSize*2 {
		return Preimage{}, fmt.Errorf("%w: want %d hex characters, got %d",
			ErrInvalidPreimage, PreimageSize*2, len(raw))
	}

	b, err := hex.DecodeString(raw)
	if err != nil {
		return Preimage{}, fmt.Errorf("%w: %v", ErrInvalidPreimage, err)
	}

	var p Preimage
	copy(p[:], b)
	return p, nil
}

// String returns the preimage as lower-case hex without prefix.
func (p Preimage) String() string {
	return hex.EncodeToString(p[:])
}

// Short returns a truncated form safe for display.
func (p Preimage) Short() string {
	return p.String()[:10] + "..."
}

// Hash returns the sha256 hashlock for this preimage.
func (p Preimage) Hash() common.Hash {
	return Hash(p[:])
}

// Hash computes the sha256 hashlock of an arbitrary secret.
func Hash(secret []byte) common.Hash {
	return common.Hash(sha256.Sum256(secret))
}

// Verify reports whether sha256(secret) equals expected.
//
// The comparison is not constant-time.
func Verify(secret []byte, expected common.Hash) bool {
	return Hash(secret) == expected
}

// ParseContractID decodes a bytes32 contract identifier.
func ParseContractID(s string) (common.Hash, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(raw) != common.HashLength*2 {
		return common.Hash{}, ErrInvalidContractID
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return common.Hash{}, ErrInvalidContractID
	}
	return common.BytesToHash(b), nil
}

// -----------------------------------------------------------------------------
// Record
// -----------------------------------------------------------------------------

// Record is a single HTLC as stored by the HashedTimelock contract.
type Record struct {
	ContractID common.Hash
	Sender     common.Address
	Receiver   common.Address
	Amount     *big.Int // wei
	Hashlock   common.Hash
	Timelock   uint64 // unix seconds
	Withdrawn  bool
	Refunded   bool
	Preimage   common.Hash // zero until withdrawn
}

// Exists reports whether the ledger actually holds this contract. The
// contract returns an all-zero tuple for unknown identifiers.
func (r *Record) Exists() bool {
	return r != nil && r.Sender != (common.Address{})
}

// Settled reports whether the record has reached a terminal state.
func (r *Record) Settled() bool {
	return r.Withdrawn || r.Refunded
}

// Expired reports whether the timelock has passed at now.
func (r *Record) Expired(now time.Time) bool {
	return TimelockPassed(r.Timelock, now)
}

// TimelockPassed compares an unsigned timelock with now without letting
// values at or above 2^63 wrap negative.
func TimelockPassed(timelock uint64, now time.Time) bool {
	unix := now.Unix()
	return unix >= 0 && timelock < uint64(unix)
}

// TimelockFromBig narrows a uint256 timelock to uint64. Anything larger
// is clamped to math.MaxUint64, which never expires.
func TimelockFromBig(v *big.Int) uint64 {
	if v == nil || v.Sign() < 0 {
		return 0
	}
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

// CheckClaim validates a claimed preimage against the record. The hashlock
// is checked before the terminal flags.
func (r *Record) CheckClaim(p Preimage) error {
	if !r.Exists() {
		return ErrContractNotFound
	}
	if !Verify(p[:], r.Hashlock) {
		return ErrPreimageMismatch
	}
	if r.Settled() {
		return ErrAlreadySettled
	}
	return nil
}

type recordJSON struct {
	ContractID string `json:"contractId"`
	Sender     string `json:"sender"`
	Receiver   string `json:"receiver"`
	Amount     string `json:"amount"`
	Hashlock   string `json:"hashlock"`
	Timelock   uint64 `json:"timelock"`
	Withdrawn  bool   `json:"withdrawn"`
	Refunded   bool   `json:"refunded"`
}

// MarshalJSON renders amounts as decimal strings so they survive JavaScript
// number precision. The preimage is never serialized.
func (r Record) MarshalJSON() ([]byte, error) {
	amount := "0"
	if r.Amount != nil {
		amount = r.Amount.String()
	}
	return json.Marshal(recordJSON{
		ContractID: r.ContractID.Hex(),
		Sender:     strings.ToLower(r.Sender.Hex()),
		Receiver:   strings.ToLower(r.Receiver.Hex()),
		Amount:     amount,
		Hashlock:   r.Hashlock.Hex(),
		Timelock:   r.Timelock,
		Withdrawn:  r.Withdrawn,
		Refunded:   r.Refunded,
	})
}
