package custody

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000070c3")

// fakeChain answers token calls from in-memory state and mines every
// transaction it accepts.
type fakeChain struct {
	mu         sync.Mutex
	abi        abi.ABI
	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
	sent       []*types.Transaction
	callErr    error
	sendErr    error
	noReceipt  bool
	revert     bool
}

func newFakeChain(t *testing.T) *fakeChain {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)
	return &fakeChain{
		abi:        parsed,
		balances:   map[common.Address]*big.Int{},
		allowances: map[[2]common.Address]*big.Int{},
	}
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noReceipt {
		return nil, ethereum.NotFound
	}
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, TxHash: hash, BlockNumber: big.NewInt(42)}, nil
}

func (f *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, err := f.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	var v *big.Int
	switch method.Name {
	case "balanceOf":
		v = f.balances[args[0].(common.Address)]
	case "allowance":
		v = f.allowances[[2]common.Address{args[0].(common.Address), args[1].(common.Address)}]
	}
	if v == nil {
		v = big.NewInt(0)
	}
	return method.Outputs.Pack(v)
}

func (f *fakeChain) Close() {}

func newTestERC20(t *testing.T, chain *fakeChain) *ERC20 {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	e, err := NewERC20(ERC20Config{
		RPCURL:        "http://unused",
		PrivateKey:    hex.EncodeToString(crypto.FromECDSA(key)),
		ChainID:       84532,
		TokenContract: tokenAddr.Hex(),
	}, WithClient(chain), WithConfirmation(time.Millisecond, 50*time.Millisecond))
	require.NoError(t, err)
	return e
}

func TestNewERC20_ValidatesConfig(t *testing.T) {
	_, err := NewERC20(ERC20Config{})
	assert.ErrorIs(t, err, ErrRPCConnection)

	_, err = NewERC20(ERC20Config{RPCURL: "http://x", PrivateKey: "abc"})
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestERC20_CustodyBalance(t *testing.T) {
	chain := newFakeChain(t)
	e := newTestERC20(t, chain)
	chain.balances[common.HexToAddress(e.Address())] = big.NewInt(12345)

	bal, err := e.CustodyBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), bal.Uint64())
}

func TestERC20_PullChecksAllowanceFirst(t *testing.T) {
	chain := newFakeChain(t)
	e := newTestERC20(t, chain)
	owner := common.HexToAddress(alice)
	chain.balances[owner] = big.NewInt(1000)
	chain.allowances[[2]common.Address{owner, common.HexToAddress(e.Address())}] = big.NewInt(99)

	_, err := e.PullTransferIn(context.Background(), alice, uint256.NewInt(100))
	assert.ErrorIs(t, err, ErrInsufficientAllowance)
	assert.Empty(t, chain.sent)
}

func TestERC20_PullChecksBalance(t *testing.T) {
	chain := newFakeChain(t)
	e := newTestERC20(t, chain)
	owner := common.HexToAddress(alice)
	chain.balances[owner] = big.NewInt(50)
	chain.allowances[[2]common.Address{owner, common.HexToAddress(e.Address())}] = big.NewInt(100)

	_, err := e.PullTransferIn(context.Background(), alice, uint256.NewInt(100))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestERC20_PullSubmitsTransferFrom(t *testing.T) {
	chain := newFakeChain(t)
	e := newTestERC20(t, chain)
	owner := common.HexToAddress(alice)
	custodyAddr := common.HexToAddress(e.Address())
	chain.balances[owner] = big.NewInt(1000)
	chain.allowances[[2]common.Address{owner, custodyAddr}] = big.NewInt(1000)

	rcpt, err := e.PullTransferIn(context.Background(), alice, uint256.NewInt(600))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), rcpt.BlockNumber)

	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	assert.Equal(t, tokenAddr, *tx.To())
	want, err := chain.abi.Pack("transferFrom", owner, custodyAddr, big.NewInt(600))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, tx.Data()))

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(84532)), tx)
	require.NoError(t, err)
	assert.Equal(t, custodyAddr, sender)
}

func TestERC20_PushSubmitsTransfer(t *testing.T) {
	chain := newFakeChain(t)
	e := newTestERC20(t, chain)

	_, err := e.PushTransferOut(context.Background(), bob, uint256.NewInt(7))
	require.NoError(t, err)

	require.Len(t, chain.sent, 1)
	want, _ := chain.abi.Pack("transfer", common.HexToAddress(bob), big.NewInt(7))
	assert.True(t, bytes.Equal(want, chain.sent[0].Data()))
}

func TestERC20_RevertedReceipt(t *testing.T) {
	chain := newFakeChain(t)
	chain.revert = true
	e := newTestERC20(t, chain)

	_, err := e.PushTransferOut(context.Background(), bob, uint256.NewInt(7))
	assert.ErrorIs(t, err, ErrTransferFailed)
}

func TestERC20_SendRejected(t *testing.T) {
	chain := newFakeChain(t)
	chain.sendErr = errors.New("nonce too low")
	e := newTestERC20(t, chain)

	_, err := e.PushTransferOut(context.Background(), bob, uint256.NewInt(7))
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.NotErrorIs(t, err, ErrOutcomeUnknown)
}

func TestERC20_MissingReceiptIsUnknownOutcome(t *testing.T) {
	chain := newFakeChain(t)
	chain.noReceipt = true
	e := newTestERC20(t, chain)

	_, err := e.PushTransferOut(context.Background(), bob, uint256.NewInt(7))
	assert.ErrorIs(t, err, ErrOutcomeUnknown)

	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.NotEmpty(t, te.TxHash)
}

func TestERC20_BreakerOpensOnRPCFailures(t *testing.T) {
	chain := newFakeChain(t)
	chain.callErr = errors.New("connection refused")
	e := newTestERC20(t, chain)
	e.breaker = circuitbreaker.New(2, time.Hour)

	ctx := context.Background()
	_, err := e.CustodyBalance(ctx)
	assert.ErrorContains(t, err, "connection refused")
	_, err = e.CustodyBalance(ctx)
	assert.ErrorContains(t, err, "connection refused")

	_, err = e.CustodyBalance(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}
