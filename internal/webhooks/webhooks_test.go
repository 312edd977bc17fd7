package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/mpescrow/internal/logging"
	"github.com/mbd888/mpescrow/internal/realtime"
	"github.com/mbd888/mpescrow/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type received struct {
	mu     sync.Mutex
	bodies [][]byte
	heads  []http.Header
}

func (r *received) handler(status func(n int) int) http.HandlerFunc {
	var calls atomic.Int32
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.heads = append(r.heads, req.Header.Clone())
		r.mu.Unlock()
		w.WriteHeader(status(int(calls.Add(1))))
	}
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func start(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
}

func TestDispatcher_DeliversSignedEnvelope(t *testing.T) {
	var rec received
	ts := httptest.NewServer(rec.handler(func(int) int { return http.StatusOK }))
	defer ts.Close()

	d := NewDispatcher([]Endpoint{{URL: ts.URL, Secret: "s3cret"}}, logging.Discard(), WithRetry(fast))
	start(t, d)

	d.Broadcast(&realtime.Event{Type: realtime.EventDeposit, Accounts: []string{"0xabc"}})
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	body, head := rec.bodies[0], rec.heads[0]
	rec.mu.Unlock()

	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, realtime.EventDeposit, env.Event.Type)
	assert.False(t, env.Event.Timestamp.IsZero())

	assert.Equal(t, "deposit", head.Get(HeaderEvent))
	assert.True(t, Verify("s3cret", head.Get(HeaderTimestamp), body, head.Get(HeaderSignature)))
	assert.False(t, Verify("other", head.Get(HeaderTimestamp), body, head.Get(HeaderSignature)))
}

func TestDispatcher_FiltersByEndpoint(t *testing.T) {
	var all, channelsOnly received
	tsAll := httptest.NewServer(all.handler(func(int) int { return http.StatusNoContent }))
	defer tsAll.Close()
	tsCh := httptest.NewServer(channelsOnly.handler(func(int) int { return http.StatusNoContent }))
	defer tsCh.Close()

	d := NewDispatcher([]Endpoint{
		{URL: tsAll.URL},
		{URL: tsCh.URL, Filter: realtime.Subscription{EventTypes: []realtime.EventType{realtime.EventChannelOpened}}},
	}, logging.Discard(), WithRetry(fast))
	start(t, d)

	d.Broadcast(&realtime.Event{Type: realtime.EventDeposit})
	d.Broadcast(&realtime.Event{Type: realtime.EventChannelOpened, ChannelID: "0x01"})
	require.Eventually(t, func() bool { return all.count() == 2 && d.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, channelsOnly.count())
	assert.Empty(t, channelsOnly.heads[0].Get(HeaderSignature))
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	var rec received
	ts := httptest.NewServer(rec.handler(func(n int) int {
		if n < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}))
	defer ts.Close()

	d := NewDispatcher([]Endpoint{{URL: ts.URL}}, logging.Discard(), WithRetry(fast))
	start(t, d)

	d.Broadcast(&realtime.Event{Type: realtime.EventWithdrawal})
	require.Eventually(t, func() bool { return rec.count() == 3 && d.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_ClientErrorsAreNotRetried(t *testing.T) {
	var rec received
	ts := httptest.NewServer(rec.handler(func(int) int { return http.StatusBadRequest }))
	defer ts.Close()

	d := NewDispatcher([]Endpoint{{URL: ts.URL}}, logging.Discard(), WithRetry(fast))
	start(t, d)

	d.Broadcast(&realtime.Event{Type: realtime.EventTransfer})
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestBroadcast_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(nil, logging.Discard())
	for range queueSize + 5 {
		d.Broadcast(&realtime.Event{Type: realtime.EventDeposit})
	}
	assert.Equal(t, int64(queueSize), d.Pending())
}

func TestVerify_RejectsMalformed(t *testing.T) {
	body := []byte(`{}`)
	sig := Sign("k", "1700000000", body)
	assert.True(t, Verify("k", "1700000000", body, sig))
	assert.False(t, Verify("k", "1700000001", body, sig))
	assert.False(t, Verify("k", "1700000000", body, "zz"))
}
