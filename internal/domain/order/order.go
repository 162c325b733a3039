package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors surfaced by the orchestrator. Each maps to a distinct
// user-visible failure category.
var (
	ErrNotFound        = errors.New("order not found")
	ErrUnauthorized    = errors.New("not authorized to act on this order")
	ErrAlreadyTerminal = errors.New("order is already completed or cancelled")
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")

	// ErrConflict means a compare-and-swap lost a race with another writer.
	// The business precondition may no longer hold; the caller decides
	// whether to re-read and retry.
	ErrConflict = errors.New("order was modified concurrently")
)

// ShippingInfo carries the receiver contact fields captured at placement.
type ShippingInfo struct {
	ReceiverName    string
	ReceiverPhone   string
	ReceiverAddress string
	BuyerNote       string
}

// Order is a durable order row. TotalPrice is fixed at creation
// (Price × Quantity) and never mutated; Version strictly increases on
// every state-changing write.
type Order struct {
	ID              int64
	OrderNo         string
	ProductID       int64
	SellerID        int64
	BuyerID         int64
	Quantity        int
	Price           decimal.Decimal
	TotalPrice      decimal.Decimal
	State           State
	Version         int
	TrackingNumber  string
	ReceiverName    string
	ReceiverPhone   string
	ReceiverAddress string
	BuyerNote       string
	PaymentDeadline time.Time
	Deleted         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Repository defines persistence operations for orders.
type Repository interface {
	// GetByID returns the order or ErrNotFound. Soft-deleted orders are
	// reported as not found.
	GetByID(ctx context.Context, id int64) (*Order, error)

	// Insert persists a freshly built order (state PENDING_PAYMENT,
	// version 0) and fills in its generated ID.
	Insert(ctx context.Context, o *Order) error

	// CompareAndSwapState atomically sets state=newState and
	// version=expectedVersion+1 iff the stored state and version both
	// still match. It returns false on mismatch; a mismatch is a
	// concurrency conflict, not an error.
	CompareAndSwapState(ctx context.Context, id int64, expectedState State, expectedVersion int, newState State) (bool, error)

	// SetTrackingNumber records the logistics tracking number on ship.
	SetTrackingNumber(ctx context.Context, id int64, trackingNumber string) error

	// DuePendingPayment returns IDs of orders still in PENDING_PAYMENT
	// whose payment deadline has passed, oldest first, up to limit. The
	// timeout sweep uses it to rehydrate timers lost to restarts.
	DuePendingPayment(ctx context.Context, before time.Time, limit int) ([]int64, error)
}
