package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time            { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	b := New(threshold, cooldown)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b.now = clk.now
	return b, clk
}

var errRPC = errors.New("rpc unavailable")

func TestBreaker_ClosedAllows(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	assert.True(t, b.Allow("rpc"))
	assert.Equal(t, StateClosed, b.State("rpc"))
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	assert.True(t, b.Allow("rpc"))

	b.RecordFailure("rpc")
	assert.False(t, b.Allow("rpc"))
	assert.Equal(t, StateOpen, b.State("rpc"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Second)
	b.RecordFailure("rpc")
	b.RecordSuccess("rpc")
	b.RecordFailure("rpc")
	assert.Equal(t, StateClosed, b.State("rpc"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)
	b.RecordFailure("rpc")
	assert.False(t, b.Allow("rpc"))

	clk.advance(time.Second)
	assert.True(t, b.Allow("rpc"), "probe admitted")
	assert.Equal(t, StateHalfOpen, b.State("rpc"))
	assert.False(t, b.Allow("rpc"), "only one probe")

	b.RecordSuccess("rpc")
	assert.Equal(t, StateClosed, b.State("rpc"))
	assert.True(t, b.Allow("rpc"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)
	b.RecordFailure("rpc")
	clk.advance(time.Second)
	assert.True(t, b.Allow("rpc"))

	b.RecordFailure("rpc")
	assert.Equal(t, StateOpen, b.State("rpc"))
	assert.False(t, b.Allow("rpc"))
}

func TestBreaker_KeysIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Second)
	b.RecordFailure("a")
	assert.False(t, b.Allow("a"))
	assert.True(t, b.Allow("b"))
}

func TestBreaker_Call(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	calls := 0
	fail := func() error { calls++; return errRPC }

	assert.ErrorIs(t, b.Call("rpc", fail), errRPC)
	assert.ErrorIs(t, b.Call("rpc", fail), errRPC)
	assert.ErrorIs(t, b.Call("rpc", fail), ErrOpen)
	assert.Equal(t, 2, calls)
}

func TestBreaker_CallIgnoresNonFailures(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	reverted := errors.New("execution reverted")
	b.IsFailure = func(err error) bool { return !errors.Is(err, reverted) }

	assert.ErrorIs(t, b.Call("rpc", func() error { return reverted }), reverted)
	assert.Equal(t, StateClosed, b.State("rpc"))
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := New(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				b.RecordFailure("rpc")
			} else {
				b.RecordSuccess("rpc")
			}
			b.Allow("rpc")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State("rpc"))
}
