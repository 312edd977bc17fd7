package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/amount"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapTable struct {
	balances map[string]*uint256.Int
	failRead bool
}

func newMapTable() *mapTable {
	return &mapTable{balances: make(map[string]*uint256.Int)}
}

func (m *mapTable) Balance(_ context.Context, account string) (*uint256.Int, error) {
	if m.failRead {
		return nil, errors.New("disk on fire")
	}
	if b, ok := m.balances[account]; ok {
		return b, nil
	}
	return amount.Zero(), nil
}

func (m *mapTable) SetBalance(_ context.Context, account string, balance *uint256.Int) error {
	m.balances[account] = balance
	return nil
}

const alice = "0x00000000000000000000000000000000000a11ce"
const bob = "0x0000000000000000000000000000000000000b0b"

func TestRead_AbsentAccountIsZero(t *testing.T) {
	l := New(newMapTable())
	bal, err := l.Read(context.Background(), alice)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestCreditDebit(t *testing.T) {
	ctx := context.Background()
	tbl := newMapTable()
	l := New(tbl)

	bal, err := l.Credit(ctx, alice, uint256.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal.Uint64())

	bal, err = l.Debit(ctx, alice, uint256.NewInt(400))
	require.NoError(t, err)
	assert.Equal(t, uint64(600), bal.Uint64())

	bal, err = l.Debit(ctx, alice, uint256.NewInt(600))
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestDebit_InsufficientBalanceLeavesBalance(t *testing.T) {
	ctx := context.Background()
	l := New(newMapTable())
	_, err := l.Credit(ctx, alice, uint256.NewInt(10))
	require.NoError(t, err)

	_, err = l.Debit(ctx, alice, uint256.NewInt(11))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	bal, err := l.Read(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), bal.Uint64())
}

func TestCredit_Overflow(t *testing.T) {
	ctx := context.Background()
	l := New(newMapTable())
	_, err := l.Credit(ctx, alice, amount.Max())
	require.NoError(t, err)

	_, err = l.Credit(ctx, alice, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrOverflow)

	bal, err := l.Read(ctx, alice)
	require.NoError(t, err)
	assert.True(t, bal.Eq(amount.Max()))
}

func TestRead_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	tbl := newMapTable()
	l := New(tbl)
	_, err := l.Credit(ctx, alice, uint256.NewInt(5))
	require.NoError(t, err)

	bal, err := l.Read(ctx, alice)
	require.NoError(t, err)
	bal.SetUint64(999)

	again, err := l.Read(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), again.Uint64())
}

func TestMove(t *testing.T) {
	ctx := context.Background()
	l := New(newMapTable())
	_, err := l.Credit(ctx, alice, uint256.NewInt(50))
	require.NoError(t, err)

	require.NoError(t, l.Move(ctx, alice, bob, uint256.NewInt(20)))

	a, _ := l.Read(ctx, alice)
	b, _ := l.Read(ctx, bob)
	assert.Equal(t, uint64(30), a.Uint64())
	assert.Equal(t, uint64(20), b.Uint64())

	assert.ErrorIs(t, l.Move(ctx, alice, bob, uint256.NewInt(31)), ErrInsufficientBalance)
}

func TestNilAmountRejected(t *testing.T) {
	l := New(newMapTable())
	_, err := l.Credit(context.Background(), alice, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Debit(context.Background(), alice, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTableErrorIsWrapped(t *testing.T) {
	tbl := newMapTable()
	tbl.failRead = true
	_, err := New(tbl).Credit(context.Background(), alice, uint256.NewInt(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestObserveOp_IncrementsCounter(t *testing.T) {
	LedgerOpsTotal.Reset()

	done := observeOp("test_op")
	done()

	m := &dto.Metric{}
	counter, err := LedgerOpsTotal.GetMetricWithLabelValues("test_op")
	require.NoError(t, err)
	_ = counter.Write(m)
	assert.Equal(t, 1.0, m.Counter.GetValue())
}

func TestObserveOp_ObservesHistogram(t *testing.T) {
	LedgerOpDuration.Reset()

	done := observeOp("hist_test")
	done()

	ch := make(chan prometheus.Metric, 10)
	LedgerOpDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	assert.True(t, found, "expected histogram with 1 sample")
}
