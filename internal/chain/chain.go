// Package chain reads and settles HashedTimelock contracts on an EVM ledger.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/htlcrelay/internal/htlc"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidContract   = errors.New("chain: invalid contract address")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: confirmation timed out")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
)

// TxError wraps a failed ledger write with the step that failed.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// EthClient is the subset of ethclient.Client used here.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// HTLCABI is the HashedTimelock surface used by the relay and the indexer.
const HTLCABI = `[
	{"inputs":[{"name":"_receiver","type":"address"},{"name":"_hashlock","type":"bytes32"},{"name":"_timelock","type":"uint256"}],"name":"newContract","outputs":[{"name":"contractId","type":"bytes32"}],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"_contractId","type":"bytes32"},{"name":"_preimage","type":"bytes32"}],"name":"withdraw","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_contractId","type":"bytes32"}],"name":"refund","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_contractId","type":"bytes32"}],"name":"getContract","outputs":[{"name":"sender","type":"address"},{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"},{"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint256"},{"name":"withdrawn","type":"bool"},{"name":"refunded","type":"bool"},{"name":"preimage","type":"bytes32"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"contractId","type":"bytes32"},{"indexed":true,"name":"sender","type":"address"},{"indexed":true,"name":"receiver","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"hashlock","type":"bytes32"},{"indexed":false,"name":"timelock","type":"uint256"}],"name":"LogHTLCNew","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"contractId","type":"bytes32"}],"name":"LogHTLCWithdraw","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"contractId","type":"bytes32"}],"name":"LogHTLCRefund","type":"event"}
]`

const (
	// DefaultConfirmationTimeout bounds how long a withdrawal may take to mine.
	DefaultConfirmationTimeout = 2 * time.Minute

	// DefaultPollInterval between receipt checks.
	DefaultPollInterval = 2 * time.Second
)

// ParseABI parses HTLCABI.
func ParseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(HTLCABI))
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for connecting to the ledger.
type Config struct {
	RPCURL       string
	PrivateKey   string // hex, with or without 0x
	ChainID      int64
	HTLCContract string
}

// Option configures the client.
type Option func(*Client)

// WithEthClient sets a custom RPC client (useful for testing).
func WithEthClient(ec EthClient) Option {
	return func(c *Client) {
		c.eth = ec
	}
}

// WithPollInterval overrides the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// Receipt summarizes a mined transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Client talks to one HashedTimelock deployment with one relayer key.
type Client struct {
	eth          EthClient
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	contract     common.Address
	abi          abi.ABI
	pollInterval time.Duration
}

// New creates a Client, dialing the RPC endpoint unless one was injected.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := ParseABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTLC ABI: %w", err)
	}

	c := &Client{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(*publicKey),
		chainID:      big.NewInt(cfg.ChainID),
		contract:     common.HexToAddress(cfg.HTLCContract),
		abi:          parsedABI,
		pollInterval: DefaultPollInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.eth == nil {
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.eth = ec
	}

	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.HTLCContract) {
		return fmt.Errorf("%w: %q", ErrInvalidContract, cfg.HTLCContract)
	}
	return nil
}

// Address returns the relayer's address.
func (c *Client) Address() string {
	return c.address.Hex()
}

// Contract returns the HashedTimelock address.
func (c *Client) Contract() common.Address {
	return c.contract
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Balance returns the relayer's native balance in wei.
func (c *Client) Balance(ctx context.Context) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, c.address, nil)
}

// GetContract reads one HTLC record. Unknown identifiers yield
// htlc.ErrContractNotFound.
func (c *Client) GetContract(ctx context.Context, contractID common.Hash) (*htlc.Record, error) {
	data, err := c.abi.Pack("getContract", contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getContract call: %w", err)
	}

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call getContract: %w", err)
	}

	record, err := c.decodeContract(contractID, out)
	if err != nil {
		return nil, err
	}
	if !record.Exists() {
		return nil, fmt.Errorf("%w: %s", htlc.ErrContractNotFound, contractID.Hex())
	}
	return record, nil
}

func (c *Client) decodeContract(contractID common.Hash, out []byte) (*htlc.Record, error) {
	values, err := c.abi.Unpack("getContract", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getContract result: %w", err)
	}
	if len(values) != 8 {
		return nil, fmt.Errorf("getContract returned %d values, want 8", len(values))
	}

	sender, ok1 := values[0].(common.Address)
	receiver, ok2 := values[1].(common.Address)
	amount, ok3 := values[2].(*big.Int)
	hashlock, ok4 := values[3].([32]byte)
	timelock, ok5 := values[4].(*big.Int)
	withdrawn, ok6 := values[5].(bool)
	refunded, ok7 := values[6].(bool)
	preimage, ok8 := values[7].([32]byte)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8) {
		return nil, fmt.Errorf("getContract returned unexpected types")
	}

	return &htlc.Record{
		ContractID: contractID,
		Sender:     sender,
		Receiver:   receiver,
		Amount:     amount,
		Hashlock:   common.Hash(hashlock),
		Timelock:   htlc.TimelockFromBig(timelock),
		Withdrawn:  withdrawn,
		Refunded:   refunded,
		Preimage:   common.Hash(preimage),
	}, nil
}

// Withdraw submits withdraw(contractId, preimage) and returns the tx hash
// without waiting for it to be mined.
func (c *Client) Withdraw(ctx context.Context, contractID common.Hash, preimage htlc.Preimage) (string, error) {
	data, err := c.abi.Pack("withdraw", contractID, [32]byte(preimage))
	if err != nil {
		return "", &TxError{Op: "pack", Err: err}
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", &TxError{Op: "nonce", Err: err}
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TxError{Op: "gas_price", Err: err}
	}

	// A failed estimate means the call would revert; do not burn gas on it.
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		return "", &TxError{Op: "estimate_gas", Err: err}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.privateKey)
	if err != nil {
		return "", &TxError{Op: "sign", Err: err}
	}

	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return "", &TxError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return signedTx.Hash().Hex(), nil
}

// WaitForConfirmation polls for the receipt until it is mined, reverted, or
// the timeout elapses.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrTimeout}
			}
			return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ctx.Err()}

		case <-ticker.C:
			receipt, err := c.eth.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not mined yet.
				continue
			}

			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}

			r := &Receipt{TxHash: txHash, GasUsed: receipt.GasUsed}
			if receipt.BlockNumber != nil {
				r.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return r, nil
		}
	}
}

// Close closes the RPC connection.
func (c *Client) Close() error {
	if c.eth != nil {
		c.eth.Close()
	}
	return nil
}
