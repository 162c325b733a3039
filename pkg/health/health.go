// Package health provides liveness and readiness probe endpoints. Checks
// run periodically in the background; the HTTP handlers only read the last
// recorded results, so probes stay cheap under load.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
)

// CheckFunc reports nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

type check struct {
	name    string
	timeout time.Duration
	fn      CheckFunc

	healthy atomic.Bool
	lastErr atomic.Pointer[error]
}

func (c *check) run(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.fn(checkCtx)
	c.lastErr.Store(&err)
	c.healthy.Store(err == nil)
}

// Health manages liveness and readiness checks for a service.
type Health struct {
	ready atomic.Bool

	mu        sync.Mutex
	liveness  []*check
	readiness []*check
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Health service. It starts not ready; call SetReady(true)
// after initialization completes.
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a process-health check (e.g. goroutine count).
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.add(&h.liveness, name, timeout, fn)
}

// AddReadinessCheck registers a dependency check (e.g. database ping).
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.add(&h.readiness, name, timeout, fn)
}

func (h *Health) add(dst *[]*check, name string, timeout time.Duration, fn CheckFunc) {
	c := &check{name: name, timeout: timeout, fn: fn}
	c.healthy.Store(true)

	h.mu.Lock()
	defer h.mu.Unlock()
	*dst = append(*dst, c)
}

// SetReady flips the top-level readiness flag. A not-ready service fails
// readiness probes regardless of individual check results.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Start launches the background check loop at the given interval.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	h.mu.Lock()
	h.cancel = cancel
	h.done = done
	checks := append(append([]*check(nil), h.liveness...), h.readiness...)
	h.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for _, c := range checks {
			c.run(ctx)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, c := range checks {
					c.run(ctx)
				}
			}
		}
	}()
}

// Stop terminates the background check loop and waits for it to exit.
func (h *Health) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// LiveEndpoint serves the liveness probe.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	checks := append([]*check(nil), h.liveness...)
	h.mu.Unlock()
	h.serve(w, checks, true)
}

// ReadyEndpoint serves the readiness probe.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	checks := append([]*check(nil), h.readiness...)
	h.mu.Unlock()
	h.serve(w, checks, h.ready.Load())
}

func (h *Health) serve(w http.ResponseWriter, checks []*check, ready bool) {
	status := "ok"
	code := http.StatusOK
	results := make(map[string]string, len(checks))

	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	for _, c := range checks {
		if c.healthy.Load() {
			results[c.name] = "ok"
			continue
		}
		msg := "failing"
		if p := c.lastErr.Load(); p != nil && *p != nil {
			msg = (*p).Error()
		}
		results[c.name] = msg
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks,omitempty"`
	}{Status: status, Checks: results})
}

// GoroutineCountCheck returns a liveness check that fails when the
// goroutine count exceeds threshold, catching leaks before OOM.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}
