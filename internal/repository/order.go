package repository

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xchange/order-core/internal/domain/order"
)

const (
	insertOrderSQL = `INSERT INTO orders (
		order_no, product_id, seller_id, buyer_id, quantity, price, total_price,
		status, version, receiver_name, receiver_phone, receiver_address,
		buyer_note, payment_deadline)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	RETURNING id, created_at, updated_at`

	getOrderSQL = `SELECT id, order_no, product_id, seller_id, buyer_id, quantity,
		price, total_price, status, version, tracking_number,
		receiver_name, receiver_phone, receiver_address, buyer_note,
		payment_deadline, deleted, created_at, updated_at
	FROM orders WHERE id = $1 AND NOT deleted`

	// The state+version predicate is the optimistic-lock guard: the update
	// applies only when nobody advanced the order since the caller's read.
	casOrderStateSQL = `UPDATE orders
	SET status = $4, version = version + 1, updated_at = now()
	WHERE id = $1 AND status = $2 AND version = $3 AND NOT deleted`

	setTrackingSQL = `UPDATE orders SET tracking_number = $2, updated_at = now()
	WHERE id = $1 AND NOT deleted`

	duePendingSQL = `SELECT id FROM orders
	WHERE status = $1 AND payment_deadline < $2 AND NOT deleted
	ORDER BY payment_deadline
	LIMIT $3`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// GetByID returns the order or order.ErrNotFound. Soft-deleted rows are
// filtered out at the query level.
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %d", id)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order %d", id)
	}
	return &o, nil
}

// Insert persists a freshly built order and fills in the generated ID and
// timestamps.
func (r *OrderRepository) Insert(ctx context.Context, o *order.Order) error {
	err := r.pool.QueryRow(ctx, insertOrderSQL,
		o.OrderNo, o.ProductID, o.SellerID, o.BuyerID, o.Quantity,
		o.Price, o.TotalPrice, int16(o.State), o.Version,
		o.ReceiverName, o.ReceiverPhone, o.ReceiverAddress, o.BuyerNote,
		o.PaymentDeadline,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "insert order %s", o.OrderNo)
	}
	return nil
}

// CompareAndSwapState performs the guarded state write. A zero row count
// means another writer won; that is reported as ok=false, not an error.
func (r *OrderRepository) CompareAndSwapState(ctx context.Context, id int64, expectedState order.State, expectedVersion int, newState order.State) (bool, error) {
	tag, err := r.pool.Exec(ctx, casOrderStateSQL,
		id, int16(expectedState), expectedVersion, int16(newState))
	if err != nil {
		return false, errors.Wrapf(err, "swap state of order %d", id)
	}
	return tag.RowsAffected() == 1, nil
}

// SetTrackingNumber records the logistics tracking number.
func (r *OrderRepository) SetTrackingNumber(ctx context.Context, id int64, trackingNumber string) error {
	tag, err := r.pool.Exec(ctx, setTrackingSQL, id, trackingNumber)
	if err != nil {
		return errors.Wrapf(err, "set tracking number of order %d", id)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// DuePendingPayment returns IDs of expired pending-payment orders, oldest
// deadline first.
func (r *OrderRepository) DuePendingPayment(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, duePendingSQL,
		int16(order.StatePendingPayment), before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list due pending orders")
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (int64, error) {
		var id int64
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "list due pending orders")
	}
	return ids, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status int16
	)
	err := row.Scan(
		&o.ID, &o.OrderNo, &o.ProductID, &o.SellerID, &o.BuyerID, &o.Quantity,
		&o.Price, &o.TotalPrice, &status, &o.Version, &o.TrackingNumber,
		&o.ReceiverName, &o.ReceiverPhone, &o.ReceiverAddress, &o.BuyerNote,
		&o.PaymentDeadline, &o.Deleted, &o.CreatedAt, &o.UpdatedAt,
	)
	o.State = order.State(status)
	return o, err
}
