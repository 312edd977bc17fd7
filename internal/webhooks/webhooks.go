// Package webhooks delivers committed ledger events to operator-configured
// HTTP endpoints.
//
// Each delivery is a POST of an Envelope. When the endpoint has a secret the
// request carries X-Mpescrow-Signature, the hex HMAC-SHA256 of
// "{timestamp}.{body}" keyed by the secret, so receivers can reject forged
// or replayed calls. Deliveries are at-least-once; receivers dedupe on
// Envelope.ID.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mbd888/mpescrow/internal/realtime"
	"github.com/mbd888/mpescrow/internal/retry"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	HeaderEvent     = "X-Mpescrow-Event"
	HeaderTimestamp = "X-Mpescrow-Timestamp"
	HeaderSignature = "X-Mpescrow-Signature"

	queueSize = 1024
)

var (
	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mpescrow",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by result.",
	}, []string{"result"})

	dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mpescrow",
		Subsystem: "webhook",
		Name:      "dropped_total",
		Help:      "Events dropped because the delivery queue was full.",
	})
)

func init() {
	prometheus.MustRegister(deliveries, dropped)
}

// Endpoint is one delivery target.
type Endpoint struct {
	URL    string
	Secret string                // empty sends unsigned
	Filter realtime.Subscription // empty matches every event
}

// Envelope is the JSON body of a delivery.
type Envelope struct {
	ID    string          `json:"id"`
	Event *realtime.Event `json:"event"`
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithRetry replaces the per-delivery retry policy.
func WithRetry(p retry.Policy) Option {
	return func(d *Dispatcher) { d.retry = p }
}

// Dispatcher queues events and delivers them from a single worker, so each
// endpoint sees events in commit order.
type Dispatcher struct {
	endpoints []Endpoint
	client    *http.Client
	retry     retry.Policy
	queue     chan *realtime.Event
	logger    *slog.Logger
	pending   atomic.Int64
}

// NewDispatcher creates a dispatcher. Call Run to start delivering.
func NewDispatcher(endpoints []Endpoint, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		retry:     retry.Policy{Attempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
		queue:     make(chan *realtime.Event, queueSize),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Broadcast queues ev for delivery. It never blocks; a full queue drops
// the event.
func (d *Dispatcher) Broadcast(ev *realtime.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
		d.pending.Add(1)
	default:
		dropped.Inc()
		d.logger.Warn("webhook queue full, dropping event", "type", ev.Type)
	}
}

// Pending reports queued events not yet delivered.
func (d *Dispatcher) Pending() int64 { return d.pending.Load() }

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("webhook dispatcher started", "endpoints", len(d.endpoints))
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.dispatch(ctx, ev)
			d.pending.Add(-1)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *realtime.Event) {
	env := Envelope{ID: uuid.NewString(), Event: ev}
	body, err := json.Marshal(env)
	if err != nil {
		deliveries.WithLabelValues("error").Inc()
		d.logger.Error("webhook marshal failed", "type", ev.Type, "error", err)
		return
	}

	for _, ep := range d.endpoints {
		if !ep.Filter.Matches(ev) {
			continue
		}
		err := retry.Do(ctx, d.retry, func(ctx context.Context) error {
			return d.send(ctx, ep, ev.Type, body)
		})
		if err != nil {
			deliveries.WithLabelValues("failed").Inc()
			d.logger.Warn("webhook delivery failed",
				"url", ep.URL,
				"type", ev.Type,
				"delivery_id", env.ID,
				"error", err,
			)
			continue
		}
		deliveries.WithLabelValues("ok").Inc()
	}
}

func (d *Dispatcher) send(ctx context.Context, ep Endpoint, typ realtime.EventType, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(typ))
	req.Header.Set(HeaderTimestamp, ts)
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(ep.Secret, ts, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign computes the signature header value for a delivery.
func Sign(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header in constant time. Receivers should also
// bound the timestamp's age.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(body)
	return hmac.Equal(h.Sum(nil), want)
}
