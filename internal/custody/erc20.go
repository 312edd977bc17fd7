package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/amount"
	"github.com/mbd888/mpescrow/internal/circuitbreaker"
)

var (
	ErrInvalidPrivateKey = errors.New("custody: invalid private key")
	ErrRPCConnection     = errors.New("custody: RPC connection failed")
)

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ERC20 minimal ABI: the four calls custody needs plus the Transfer event.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	// DefaultGasLimit for ERC20 transfers when estimation fails.
	DefaultGasLimit = uint64(120000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second

	rpcBreakerKey = "custody_rpc"
)

// ERC20Config configures an on-chain custody adapter.
type ERC20Config struct {
	RPCURL        string
	PrivateKey    string // hex, with or without 0x; its address is the custody account
	ChainID       int64
	TokenContract string
}

// ERC20Option configures the adapter
type ERC20Option func(*ERC20)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) ERC20Option {
	return func(e *ERC20) { e.client = client }
}

// WithBreaker replaces the default RPC circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) ERC20Option {
	return func(e *ERC20) { e.breaker = b }
}

// WithConfirmation sets receipt polling interval and timeout.
func WithConfirmation(poll, timeout time.Duration) ERC20Option {
	return func(e *ERC20) {
		e.pollInterval = poll
		e.confirmTimeout = timeout
	}
}

// ERC20 is an Adapter for a token contract on an EVM chain. The custody
// account's key signs transferFrom (pull) and transfer (push) calls.
type ERC20 struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	token          common.Address
	tokenABI       abi.ABI
	breaker        *circuitbreaker.Breaker
	pollInterval   time.Duration
	confirmTimeout time.Duration

	sendMu sync.Mutex // one in-flight transaction per account nonce
}

var _ Adapter = (*ERC20)(nil)

// NewERC20 creates an on-chain custody adapter.
func NewERC20(cfg ERC20Config, opts ...ERC20Option) (*ERC20, error) {
	if err := validateERC20Config(cfg); err != nil {
		return nil, err
	}
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("custody: parse ERC20 ABI: %w", err)
	}

	e := &ERC20{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		token:          common.HexToAddress(cfg.TokenContract),
		tokenABI:       parsedABI,
		pollInterval:   ConfirmationPollInterval,
		confirmTimeout: DefaultConfirmationTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		e.breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if e.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		e.client = client
	}
	return e, nil
}

func validateERC20Config(cfg ERC20Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("custody: chain ID required")
	}
	if !common.IsHexAddress(cfg.TokenContract) {
		return fmt.Errorf("custody: token contract address required")
	}
	return nil
}

// Address returns the custody account in lower-case hex.
func (e *ERC20) Address() string {
	return strings.ToLower(e.address.Hex())
}

// Close closes the client connection
func (e *ERC20) Close() error {
	if e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *ERC20) CustodyBalance(ctx context.Context) (*uint256.Int, error) {
	return e.callUint(ctx, "balanceOf", e.address)
}

// PullTransferIn checks allowance and balance, then submits
// transferFrom(from, custody, amt) and waits for it to be mined.
func (e *ERC20) PullTransferIn(ctx context.Context, from string, amt *uint256.Int) (*Receipt, error) {
	owner := common.HexToAddress(from)

	allowance, err := e.callUint(ctx, "allowance", owner, e.address)
	if err != nil {
		return nil, &TransferError{Op: "allowance", Err: err}
	}
	if allowance.Lt(amt) {
		return nil, &TransferError{Op: "transferFrom", Err: ErrInsufficientAllowance}
	}
	balance, err := e.callUint(ctx, "balanceOf", owner)
	if err != nil {
		return nil, &TransferError{Op: "balanceOf", Err: err}
	}
	if balance.Lt(amt) {
		return nil, &TransferError{Op: "transferFrom", Err: ErrInsufficientFunds}
	}

	data, err := e.tokenABI.Pack("transferFrom", owner, e.address, amt.ToBig())
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}
	return e.submit(ctx, "transferFrom", data)
}

// PushTransferOut submits transfer(to, amt) from custody and waits for it.
func (e *ERC20) PushTransferOut(ctx context.Context, to string, amt *uint256.Int) (*Receipt, error) {
	data, err := e.tokenABI.Pack("transfer", common.HexToAddress(to), amt.ToBig())
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}
	return e.submit(ctx, "transfer", data)
}

// rpc runs one client call through the breaker.
func (e *ERC20) rpc(fn func() error) error {
	err := e.breaker.Call(rpcBreakerKey, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrUnavailable
	}
	return err
}

func (e *ERC20) callUint(ctx context.Context, method string, args ...any) (*uint256.Int, error) {
	data, err := e.tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("custody: pack %s: %w", method, err)
	}
	var out []byte
	if err := e.rpc(func() error {
		var callErr error
		out, callErr = e.client.CallContract(ctx, ethereum.CallMsg{To: &e.token, Data: data}, nil)
		return callErr
	}); err != nil {
		return nil, fmt.Errorf("custody: call %s: %w", method, err)
	}
	vals, err := e.tokenABI.Unpack(method, out)
	if err != nil || len(vals) != 1 {
		return nil, fmt.Errorf("custody: decode %s: %v", method, err)
	}
	raw, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("custody: decode %s: unexpected %T", method, vals[0])
	}
	return amount.FromBig(raw)
}

// submit signs, sends and confirms one token call. Failures before the
// transaction is accepted by the node mean no tokens moved; failures after
// it are ErrOutcomeUnknown unless a receipt says otherwise.
func (e *ERC20) submit(ctx context.Context, op string, data []byte) (*Receipt, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	var (
		nonce    uint64
		gasPrice *big.Int
	)
	if err := e.rpc(func() (err error) {
		nonce, err = e.client.PendingNonceAt(ctx, e.address)
		return err
	}); err != nil {
		return nil, &TransferError{Op: "nonce", Err: fmt.Errorf("%w: %v", ErrTransferFailed, err)}
	}
	if err := e.rpc(func() (err error) {
		gasPrice, err = e.client.SuggestGasPrice(ctx)
		return err
	}); err != nil {
		return nil, &TransferError{Op: "gas_price", Err: fmt.Errorf("%w: %v", ErrTransferFailed, err)}
	}
	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.address,
		To:    &e.token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &e.token,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.privateKey)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: fmt.Errorf("%w: %v", ErrTransferFailed, err)}
	}
	hash := signed.Hash().Hex()

	if err := e.rpc(func() error { return e.client.SendTransaction(ctx, signed) }); err != nil {
		return nil, &TransferError{Op: op, TxHash: hash, Err: fmt.Errorf("%w: %v", ErrTransferFailed, err)}
	}
	return e.waitForReceipt(ctx, op, signed.Hash())
}

func (e *ERC20) waitForReceipt(ctx context.Context, op string, hash common.Hash) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, &TransferError{Op: op, TxHash: hash.Hex(), Err: ErrOutcomeUnknown}
		case <-ticker.C:
			receipt, err := e.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// not mined yet
				continue
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, &TransferError{Op: op, TxHash: hash.Hex(), Err: ErrTransferFailed}
			}
			var block uint64
			if receipt.BlockNumber != nil {
				block = receipt.BlockNumber.Uint64()
			}
			return &Receipt{TxHash: hash.Hex(), BlockNumber: block}, nil
		}
	}
}
