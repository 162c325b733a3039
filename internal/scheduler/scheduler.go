// Package scheduler provides the payment-timeout mechanism: a one-shot
// in-memory timer per pending order, backed by the persisted payment
// deadline as the durable source of truth. A periodic sweep over expired
// pending-payment rows rehydrates timers lost to process restarts, so the
// soft deadline survives crashes without any external timer store.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeoutFunc is invoked when an order's payment window elapses. The
// callee re-checks durable state before acting, so spurious invocations
// (sweep racing an in-memory timer) are harmless.
type TimeoutFunc func(ctx context.Context, orderID int64)

// DueLister returns orders still pending payment past their deadline.
type DueLister interface {
	DuePendingPayment(ctx context.Context, before time.Time, limit int) ([]int64, error)
}

// Scheduler arms one-shot expiration triggers keyed by order ID.
type Scheduler struct {
	due DueLister
	fn  TimeoutFunc
	lg  *zap.Logger
	now func() time.Time

	mu     sync.Mutex
	timers map[int64]*time.Timer
	ctx    context.Context
}

// New creates a Scheduler that calls fn on expiration. due may be nil when
// sweep-based rehydration is not wanted (tests).
func New(due DueLister, fn TimeoutFunc, lg *zap.Logger) *Scheduler {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Scheduler{
		due:    due,
		fn:     fn,
		lg:     lg,
		now:    time.Now,
		timers: make(map[int64]*time.Timer),
		ctx:    context.Background(),
	}
}

// Arm registers a one-shot trigger firing at deadline. Re-arming an order
// replaces its previous trigger.
func (s *Scheduler) Arm(orderID int64, deadline time.Time) {
	d := deadline.Sub(s.now())
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[orderID]; ok {
		t.Stop()
	}
	s.timers[orderID] = time.AfterFunc(d, func() { s.expire(orderID) })
}

// Disarm cancels a previously armed trigger. Calling it on an unknown,
// already-fired or already-disarmed order is a no-op.
func (s *Scheduler) Disarm(orderID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[orderID]; ok {
		t.Stop()
		delete(s.timers, orderID)
	}
}

// expire runs in the timer goroutine. The membership check under the lock
// makes firing and disarming mutually exclusive: each armed token invokes
// the callback at most once.
func (s *Scheduler) expire(orderID int64) {
	s.mu.Lock()
	if _, ok := s.timers[orderID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.timers, orderID)
	ctx := s.ctx
	s.mu.Unlock()

	s.fn(ctx, orderID)
}

// Run executes the rehydration sweep every interval until ctx is
// cancelled: orders whose persisted deadline has passed but that are still
// pending payment get their timeout fired, covering timers lost to a
// restart. Timer callbacks started after Run use ctx as well.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, batch int) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.sweep(ctx, batch); err != nil && ctx.Err() == nil {
			s.lg.Error("timeout sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context, batch int) error {
	if s.due == nil {
		return nil
	}
	ids, err := s.due.DuePendingPayment(ctx, s.now(), batch)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		s.lg.Info("timeout sweep found expired pending orders", zap.Int("count", len(ids)))
	}
	for _, id := range ids {
		// Drop any in-memory timer so the callback runs exactly once from
		// here; the callee's state re-check covers the remaining races.
		s.Disarm(id)
		s.fn(ctx, id)
	}
	return nil
}
