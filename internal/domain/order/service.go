package order

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xchange/order-core/internal/domain/inventory"
	"github.com/xchange/order-core/internal/domain/product"
)

// Stock reservation retry policy: up to reserveAttempts optimistic
// attempts with 10ms * 2^attempt backoff between them. This is the only
// intentional blocking wait in the core.
const (
	reserveAttempts    = 3
	reserveBackoffBase = 10 * time.Millisecond
)

// ErrStockBusy is returned when the reservation retry budget is exhausted
// by concurrent writers. The placement had no visible side effect.
var ErrStockBusy = errors.New("stock update contended, please retry")

// TimeoutScheduler arms and disarms the one-shot payment-timeout trigger
// for an order. Disarm is an idempotent no-op on unknown or already-fired
// tokens.
type TimeoutScheduler interface {
	Arm(orderID int64, deadline time.Time)
	Disarm(orderID int64)
}

type nopScheduler struct{}

func (nopScheduler) Arm(int64, time.Time) {}
func (nopScheduler) Disarm(int64)         {}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	BuyerID   int64
	ProductID int64
	Quantity  int
	Shipping  ShippingInfo
}

// Options carries the optional collaborators of the Service. Zero values
// select safe defaults (nop sink, no fast path, no scheduler, nop meter).
type Options struct {
	Sink          inventory.Sink
	FastPath      inventory.FastPath
	Scheduler     TimeoutScheduler
	Meter         metric.Meter
	Logger        *zap.Logger
	PaymentWindow time.Duration
	Now           func() time.Time
}

// Service is the order lifecycle orchestrator. It sequences the ledger,
// the state machine, the record store, the payment-timeout scheduler and
// the notification sink. Concurrency safety comes entirely from the
// version checks on the ledger and the record store; the Service itself
// holds no locks.
type Service struct {
	catalog   product.Catalog
	ledger    inventory.Ledger
	orders    Repository
	sink      inventory.Sink
	fastPath  inventory.FastPath
	scheduler TimeoutScheduler
	lg        *zap.Logger
	window    time.Duration
	now       func() time.Time

	placed    metric.Int64Counter
	paid      metric.Int64Counter
	cancelled metric.Int64Counter
	timeouts  metric.Int64Counter
}

// NewService creates the orchestrator with the required stores and the
// given optional collaborators.
func NewService(catalog product.Catalog, ledger inventory.Ledger, orders Repository, opts Options) *Service {
	if opts.Sink == nil {
		opts.Sink = inventory.NopSink{}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = nopScheduler{}
	}
	if opts.Meter == nil {
		opts.Meter = noop.NewMeterProvider().Meter("order-core")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PaymentWindow <= 0 {
		opts.PaymentWindow = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{
		catalog:   catalog,
		ledger:    ledger,
		orders:    orders,
		sink:      opts.Sink,
		fastPath:  opts.FastPath,
		scheduler: opts.Scheduler,
		lg:        opts.Logger,
		window:    opts.PaymentWindow,
		now:       opts.Now,
	}
	s.placed, _ = opts.Meter.Int64Counter("orders.placed")
	s.paid, _ = opts.Meter.Int64Counter("orders.paid")
	s.cancelled, _ = opts.Meter.Int64Counter("orders.cancelled")
	s.timeouts, _ = opts.Meter.Int64Counter("orders.payment_timeouts")
	return s
}

// PlaceOrder validates the request, reserves stock on the ledger with
// retry, persists the order in PENDING_PAYMENT and arms the payment
// timeout. The ledger reservation is deliberately sequenced before the
// order insert so that an order row never exists without a matching stock
// hold; any failure after the reservation releases it again.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	p, err := s.catalog.GetByID(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	// Cheap pre-check on the read snapshot. The conditional write below is
	// the authoritative check and must agree with this one.
	if p.Stock < req.Quantity {
		return nil, inventory.ErrInsufficientStock
	}

	fastDeducted, err := s.fastDeduct(ctx, req.ProductID, req.Quantity)
	if err != nil {
		return nil, err
	}

	newStock, err := s.reserveWithRetry(ctx, req.ProductID, req.Quantity)
	if err != nil {
		s.fastRestore(ctx, fastDeducted, req.ProductID, req.Quantity)
		return nil, err
	}

	now := s.now()
	o := &Order{
		OrderNo:         generateOrderNo(now, req.BuyerID),
		ProductID:       p.ID,
		SellerID:        p.SellerID,
		BuyerID:         req.BuyerID,
		Quantity:        req.Quantity,
		Price:           p.Price,
		TotalPrice:      p.Price.Mul(decimal.NewFromInt(int64(req.Quantity))),
		State:           StatePendingPayment,
		Version:         0,
		ReceiverName:    req.Shipping.ReceiverName,
		ReceiverPhone:   req.Shipping.ReceiverPhone,
		ReceiverAddress: req.Shipping.ReceiverAddress,
		BuyerNote:       req.Shipping.BuyerNote,
		PaymentDeadline: now.Add(s.window),
	}
	if err := s.orders.Insert(ctx, o); err != nil {
		// Compensate: the hold must not outlive the failed insert.
		if released, rerr := s.ledger.Release(ctx, req.ProductID, req.Quantity); rerr != nil {
			s.lg.Error("release after failed insert",
				zap.Int64("product_id", req.ProductID), zap.Error(rerr))
		} else {
			s.sink.StockChanged(ctx, inventory.StockChange{ProductID: req.ProductID, NewStock: released})
		}
		s.fastRestore(ctx, fastDeducted, req.ProductID, req.Quantity)
		return nil, errors.Wrap(err, "insert order")
	}

	s.sink.StockChanged(ctx, inventory.StockChange{ProductID: req.ProductID, NewStock: newStock})
	s.scheduler.Arm(o.ID, o.PaymentDeadline)
	s.placed.Add(ctx, 1)

	s.lg.Info("order placed",
		zap.Int64("order_id", o.ID),
		zap.String("order_no", o.OrderNo),
		zap.Int64("buyer_id", req.BuyerID),
		zap.Int64("product_id", req.ProductID),
		zap.Int("quantity", req.Quantity))
	return o, nil
}

// ConfirmPayment handles the payment provider callback. It is idempotent:
// when the order already left PENDING_PAYMENT the call succeeds without
// mutation so that provider retries stop.
func (s *Service) ConfirmPayment(ctx context.Context, orderID int64, paymentRef string) error {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}

	if o.State == StateCancelled {
		// Payment arrived after the order was cancelled (typically by the
		// timeout). The refund is handed off to the payment collaborator;
		// return success so the provider stops retrying.
		s.lg.Warn("payment for cancelled order, refund required",
			zap.Int64("order_id", orderID), zap.String("payment_ref", paymentRef))
		return nil
	}
	if o.State != StatePendingPayment {
		s.lg.Debug("payment already processed",
			zap.Int64("order_id", orderID), zap.Stringer("state", o.State))
		return nil
	}

	next, err := Transition(o.State, EventPay)
	if err != nil {
		return err
	}
	ok, err := s.orders.CompareAndSwapState(ctx, orderID, o.State, o.Version, next)
	if err != nil {
		return err
	}
	if !ok {
		// Lost a race, most likely against the timeout handler. The
		// provider will retry and the next call observes the new state.
		return ErrConflict
	}

	s.scheduler.Disarm(orderID)
	s.paid.Add(ctx, 1)
	s.lg.Info("payment confirmed",
		zap.Int64("order_id", orderID), zap.String("payment_ref", paymentRef))
	return nil
}

// SellerConfirm moves a paid order to CONFIRMED. Only the order's seller
// may call it.
func (s *Service) SellerConfirm(ctx context.Context, sellerID, orderID int64) error {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.SellerID != sellerID {
		return ErrUnauthorized
	}
	return s.advance(ctx, o, EventConfirm)
}

// SellerShip moves a confirmed order to SHIPPED, recording the tracking
// number when one is provided. Only the order's seller may call it.
func (s *Service) SellerShip(ctx context.Context, sellerID, orderID int64, trackingNumber string) error {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.SellerID != sellerID {
		return ErrUnauthorized
	}
	next, err := Transition(o.State, EventShip)
	if err != nil {
		return err
	}
	ok, err := s.orders.CompareAndSwapState(ctx, orderID, o.State, o.Version, next)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	// Written after the swap so a lost race (say a concurrent cancellation)
	// never leaves a tracking number on an order that did not ship.
	if trackingNumber != "" {
		if err := s.orders.SetTrackingNumber(ctx, orderID, trackingNumber); err != nil {
			return errors.Wrap(err, "set tracking number")
		}
	}
	s.lg.Info("order shipped",
		zap.Int64("order_id", orderID), zap.String("tracking_number", trackingNumber))
	return nil
}

// BuyerReceive moves a shipped order to COMPLETED. Only the order's buyer
// may call it.
func (s *Service) BuyerReceive(ctx context.Context, buyerID, orderID int64) error {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.BuyerID != buyerID {
		return ErrUnauthorized
	}
	return s.advance(ctx, o, EventReceive)
}

// Cancel drives the CANCEL event from any non-terminal state, releases the
// reserved stock and disarms the payment timeout. The actor must be the
// order's buyer or seller.
func (s *Service) Cancel(ctx context.Context, actorID, orderID int64) error {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.BuyerID != actorID && o.SellerID != actorID {
		return ErrUnauthorized
	}
	if o.State.Terminal() {
		return ErrAlreadyTerminal
	}
	if err := s.cancelAndRelease(ctx, o); err != nil {
		return err
	}
	s.cancelled.Add(ctx, 1)
	s.lg.Info("order cancelled",
		zap.Int64("order_id", orderID), zap.Int64("actor_id", actorID),
		zap.Stringer("old_state", o.State))
	return nil
}

// CurrentState returns the order's state without mutation.
func (s *Service) CurrentState(ctx context.Context, orderID int64) (State, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return 0, err
	}
	return o.State, nil
}

// HandlePaymentTimeout is invoked by the scheduler when the payment window
// elapses. It re-reads the order and no-ops unless it is still
// PENDING_PAYMENT; a lost compare-and-swap is never retried, so a payment
// that races the timeout can only win, never be clobbered.
func (s *Service) HandlePaymentTimeout(ctx context.Context, orderID int64) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.lg.Error("timeout: load order", zap.Int64("order_id", orderID), zap.Error(err))
		}
		return
	}
	if o.State != StatePendingPayment {
		s.lg.Debug("timeout: order already resolved",
			zap.Int64("order_id", orderID), zap.Stringer("state", o.State))
		return
	}

	err = s.cancelAndRelease(ctx, o)
	switch {
	case err == nil:
		s.timeouts.Add(ctx, 1)
		s.lg.Info("order auto-cancelled on payment timeout",
			zap.Int64("order_id", orderID))
	case errors.Is(err, ErrConflict):
		// Another writer (payment confirmation) advanced the order between
		// our read and the swap. Do not force the cancellation.
		s.lg.Info("timeout lost race, leaving order as is",
			zap.Int64("order_id", orderID))
	default:
		s.lg.Error("timeout: cancel order",
			zap.Int64("order_id", orderID), zap.Error(err))
	}
}

// advance applies event to the freshly read order through the state
// machine and persists the result with the optimistic-lock guard.
func (s *Service) advance(ctx context.Context, o *Order, event Event) error {
	next, err := Transition(o.State, event)
	if err != nil {
		return err
	}
	ok, err := s.orders.CompareAndSwapState(ctx, o.ID, o.State, o.Version, next)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	s.lg.Info("order state advanced",
		zap.Int64("order_id", o.ID),
		zap.Stringer("from", o.State), zap.Stringer("to", next))
	return nil
}

// cancelAndRelease persists the CANCEL transition, then returns the stock
// hold to the ledger, restores the fast-path cache and disarms the timer.
func (s *Service) cancelAndRelease(ctx context.Context, o *Order) error {
	next, err := Transition(o.State, EventCancel)
	if err != nil {
		return err
	}
	ok, err := s.orders.CompareAndSwapState(ctx, o.ID, o.State, o.Version, next)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}

	newStock, err := s.ledger.Release(ctx, o.ProductID, o.Quantity)
	if err != nil {
		// The order is cancelled but the hold was not returned; surface the
		// infrastructure failure rather than invent a compensating write.
		return errors.Wrap(err, "release stock")
	}
	s.sink.StockChanged(ctx, inventory.StockChange{ProductID: o.ProductID, NewStock: newStock})
	s.fastRestore(ctx, s.fastPath != nil, o.ProductID, o.Quantity)
	s.scheduler.Disarm(o.ID)
	return nil
}

// reserveWithRetry runs the optimistic ledger decrement, retrying only on
// version conflicts. Insufficient stock and infrastructure errors surface
// immediately.
func (s *Service) reserveWithRetry(ctx context.Context, productID int64, quantity int) (int, error) {
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		newStock, err := s.ledger.Reserve(ctx, productID, quantity)
		if err == nil {
			return newStock, nil
		}
		if !errors.Is(err, inventory.ErrConflict) {
			return 0, err
		}
		// No wait after the last attempt; the budget is spent either way.
		if attempt == reserveAttempts-1 {
			break
		}

		backoff := reserveBackoffBase * (1 << attempt)
		s.lg.Debug("stock reservation conflict, backing off",
			zap.Int64("product_id", productID),
			zap.Int("attempt", attempt), zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return 0, ErrStockBusy
}

// fastDeduct runs the optional cache gate. A definitive floor-check
// failure rejects the placement cheaply; a missing cache entry or an
// unreachable cache falls through to the ledger-only path.
func (s *Service) fastDeduct(ctx context.Context, productID int64, quantity int) (bool, error) {
	if s.fastPath == nil {
		return false, nil
	}
	_, err := s.fastPath.Deduct(ctx, productID, quantity)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, inventory.ErrInsufficientStock):
		return false, inventory.ErrInsufficientStock
	case errors.Is(err, inventory.ErrNotCached):
		return false, nil
	default:
		s.lg.Warn("fast-path deduct unavailable",
			zap.Int64("product_id", productID), zap.Error(err))
		return false, nil
	}
}

// fastRestore undoes a fast-path deduction. A never-cached product skips
// silently; other failures only log, as the reconciler repairs cache drift
// against the ledger.
func (s *Service) fastRestore(ctx context.Context, deducted bool, productID int64, quantity int) {
	if !deducted || s.fastPath == nil {
		return
	}
	if _, err := s.fastPath.Restore(ctx, productID, quantity); err != nil &&
		!errors.Is(err, inventory.ErrNotCached) {
		s.lg.Warn("fast-path restore failed",
			zap.Int64("product_id", productID), zap.Error(err))
	}
}

// generateOrderNo derives the human-readable order number from the
// placement time, the buyer and a random suffix, e.g. XC202601021504052041387.
func generateOrderNo(now time.Time, buyerID int64) string {
	return fmt.Sprintf("XC%s%04d%d",
		now.Format("20060102150405"), buyerID%10000, 1000+rand.IntN(9000))
}
