// Package health reports whether the ledger can serve: the store answers,
// the custody balance is readable and mutations are not halted.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
)

// Status is one check's outcome.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker checks one dependency. Name and LatencyMS are filled in by the
// Registry.
type Checker func(ctx context.Context) Status

// Registry runs named checks. Registering a name again replaces its check;
// results keep first-registration order.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checks[name] = check
}

// CheckAll runs every check concurrently under ctx. A check that has not
// returned when ctx ends is reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := make([]Checker, len(names))
	for i, n := range names {
		checks[i] = r.checks[n]
	}
	r.mu.RUnlock()

	statuses := make([]Status, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = run(ctx, names[i], checks[i])
		}()
	}
	wg.Wait()

	healthy := true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}

func run(ctx context.Context, name string, check Checker) Status {
	start := time.Now()
	done := make(chan Status, 1)
	go func() { done <- check(ctx) }()

	var s Status
	select {
	case s = <-done:
	case <-ctx.Done():
		s = Status{Healthy: false, Detail: "timed out"}
	}
	s.Name = name
	s.LatencyMS = time.Since(start).Milliseconds()
	return s
}

// Pinger is anything with a liveness probe, such as the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

func PingCheck(p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// CustodyReader reads the custody account's token balance.
type CustodyReader interface {
	CustodyBalance(ctx context.Context) (*uint256.Int, error)
}

// CustodyCheck is healthy while the custody balance can be read; the audit
// depends on it.
func CustodyCheck(r CustodyReader) Checker {
	return func(ctx context.Context) Status {
		bal, err := r.CustodyBalance(ctx)
		if err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true, Detail: "balance " + bal.Dec()}
	}
}

// HaltCheck is unhealthy once the ledger has halted mutations.
func HaltCheck(halted func() (bool, string)) Checker {
	return func(context.Context) Status {
		if h, reason := halted(); h {
			return Status{Detail: "halted: " + reason}
		}
		return Status{Healthy: true}
	}
}

// FlagCheck reports ready once flag returns true.
func FlagCheck(flag func() bool, notReady string) Checker {
	return func(context.Context) Status {
		if !flag() {
			return Status{Detail: notReady}
		}
		return Status{Healthy: true}
	}
}

// RegisterRoutes mounts /health, /health/live and /health/ready.
// Liveness never runs checks; readiness and /health run all of them.
func (r *Registry) RegisterRoutes(g gin.IRoutes, timeout time.Duration) {
	ready := func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		healthy, statuses := r.CheckAll(ctx)
		code, status := http.StatusOK, "healthy"
		if !healthy {
			code, status = http.StatusServiceUnavailable, "unhealthy"
		}
		c.JSON(code, gin.H{"status": status, "checks": statuses})
	}
	g.GET("/health", ready)
	g.GET("/health/ready", ready)
	g.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
}
