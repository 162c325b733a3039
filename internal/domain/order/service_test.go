package order

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xchange/order-core/internal/domain/inventory"
	"github.com/xchange/order-core/internal/domain/product"
)

// --- Mock implementations ---

type mockCatalog struct {
	byID   map[int64]*product.Product
	getErr error
}

func (m *mockCatalog) GetByID(_ context.Context, id int64) (*product.Product, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	p, ok := m.byID[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// memLedger is an in-memory stock ledger. The mutex serializes each
// operation, matching the atomicity of the conditional UPDATE it stands in
// for. conflicts fails that many Reserve calls up front to exercise the
// retry path.
type memLedger struct {
	mu         sync.Mutex
	stock      map[int64]int
	version    map[int64]int
	conflicts  int
	reserveErr error
	releases   int
}

func newMemLedger(stock map[int64]int) *memLedger {
	return &memLedger{stock: stock, version: make(map[int64]int)}
}

func (m *memLedger) Get(_ context.Context, productID int64) (inventory.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stock[productID]
	if !ok {
		return inventory.Entry{}, inventory.ErrNotFound
	}
	return inventory.Entry{ProductID: productID, Stock: s, Version: m.version[productID]}, nil
}

func (m *memLedger) Reserve(_ context.Context, productID int64, quantity int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserveErr != nil {
		return 0, m.reserveErr
	}
	if m.conflicts > 0 {
		m.conflicts--
		return 0, inventory.ErrConflict
	}
	s, ok := m.stock[productID]
	if !ok {
		return 0, inventory.ErrNotFound
	}
	if s < quantity {
		return 0, inventory.ErrInsufficientStock
	}
	s -= quantity
	m.stock[productID] = s
	m.version[productID]++
	return s, nil
}

func (m *memLedger) Release(_ context.Context, productID int64, quantity int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[productID] += quantity
	m.version[productID]++
	m.releases++
	return m.stock[productID], nil
}

func (m *memLedger) stockOf(productID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[productID]
}

func (m *memLedger) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases
}

// memOrders is an in-memory order store. GetByID returns copies so callers
// hold genuine snapshots; CompareAndSwapState checks state and version the
// way the conditional UPDATE does.
type memOrders struct {
	mu        sync.Mutex
	nextID    int64
	orders    map[int64]*Order
	insertErr error
	casFail   bool
}

func newMemOrders() *memOrders {
	return &memOrders{orders: make(map[int64]*Order)}
}

func (m *memOrders) GetByID(_ context.Context, id int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Deleted {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) Insert(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.nextID++
	o.ID = m.nextID
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *memOrders) CompareAndSwapState(_ context.Context, id int64, expectedState State, expectedVersion int, newState State) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.casFail {
		return false, nil
	}
	o, ok := m.orders[id]
	if !ok || o.State != expectedState || o.Version != expectedVersion {
		return false, nil
	}
	o.State = newState
	o.Version++
	return true, nil
}

func (m *memOrders) SetTrackingNumber(_ context.Context, id int64, trackingNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.TrackingNumber = trackingNumber
	return nil
}

func (m *memOrders) DuePendingPayment(_ context.Context, before time.Time, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, o := range m.orders {
		if o.State == StatePendingPayment && o.PaymentDeadline.Before(before) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memOrders) get(id int64) Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.orders[id]
}

type mockScheduler struct {
	mu       sync.Mutex
	armed    map[int64]time.Time
	disarmed []int64
}

func newMockScheduler() *mockScheduler {
	return &mockScheduler{armed: make(map[int64]time.Time)}
}

func (m *mockScheduler) Arm(orderID int64, deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed[orderID] = deadline
}

func (m *mockScheduler) Disarm(orderID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disarmed = append(m.disarmed, orderID)
}

type recordSink struct {
	mu      sync.Mutex
	changes []inventory.StockChange
}

func (r *recordSink) StockChanged(_ context.Context, change inventory.StockChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *recordSink) all() []inventory.StockChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]inventory.StockChange(nil), r.changes...)
}

type mockFastPath struct {
	mu         sync.Mutex
	deductErr  error
	restoreErr error
	deducts    int
	restores   int
}

func (m *mockFastPath) Deduct(_ context.Context, _ int64, _ int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deductErr != nil {
		return 0, m.deductErr
	}
	m.deducts++
	return 0, nil
}

func (m *mockFastPath) Restore(_ context.Context, _ int64, _ int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restoreErr != nil {
		return 0, m.restoreErr
	}
	m.restores++
	return 0, nil
}

// --- Helpers ---

var testNow = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

func newTestProduct(id, sellerID int64, price string, stock int) *product.Product {
	return &product.Product{
		ID:       id,
		SellerID: sellerID,
		Name:     "Widget",
		Price:    decimal.RequireFromString(price),
		Stock:    stock,
	}
}

func newCatalog(products ...*product.Product) *mockCatalog {
	byID := make(map[int64]*product.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return &mockCatalog{byID: byID}
}

type fixture struct {
	svc    *Service
	ledger *memLedger
	orders *memOrders
	sched  *mockScheduler
	sink   *recordSink
}

func newFixture(catalog *mockCatalog, ledger *memLedger, opts Options) *fixture {
	f := &fixture{
		ledger: ledger,
		orders: newMemOrders(),
		sched:  newMockScheduler(),
		sink:   &recordSink{},
	}
	if opts.Sink == nil {
		opts.Sink = f.sink
	}
	if opts.Scheduler == nil {
		opts.Scheduler = f.sched
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	f.svc = NewService(catalog, ledger, f.orders, opts)
	return f
}

func placePending(t *testing.T, f *fixture, buyerID, productID int64, quantity int) *Order {
	t.Helper()
	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		BuyerID:   buyerID,
		ProductID: productID,
		Quantity:  quantity,
	})
	require.NoError(t, err)
	return o
}

// --- Placement ---

func TestPlaceOrder_InvalidQuantity(t *testing.T) {
	f := newFixture(newCatalog(), newMemLedger(nil), Options{})

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{ProductID: 1, Quantity: 0})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{ProductID: 1, Quantity: -3})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestPlaceOrder_ProductNotFound(t *testing.T) {
	f := newFixture(newCatalog(), newMemLedger(nil), Options{})

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{ProductID: 404, Quantity: 1})
	require.ErrorIs(t, err, product.ErrNotFound)
}

func TestPlaceOrder_InsufficientStockOnSnapshot(t *testing.T) {
	p := newTestProduct(1, 10, "25.50", 1)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 1}), Options{})

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{BuyerID: 2, ProductID: 1, Quantity: 2})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Equal(t, 1, f.ledger.stockOf(1))
}

func TestPlaceOrder_InsufficientStockOnLedger(t *testing.T) {
	// Snapshot says 5 but the ledger was drained in between. The
	// authoritative conditional write must reject.
	p := newTestProduct(1, 10, "25.50", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 1}), Options{})

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{BuyerID: 2, ProductID: 1, Quantity: 3})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
}

func TestPlaceOrder_Success(t *testing.T) {
	p := newTestProduct(1, 10, "25.50", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})

	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		BuyerID:   2,
		ProductID: 1,
		Quantity:  2,
		Shipping: ShippingInfo{
			ReceiverName:    "Li Lei",
			ReceiverPhone:   "13800000000",
			ReceiverAddress: "Dorm 4-201",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, o)

	assert.NotZero(t, o.ID)
	assert.Equal(t, StatePendingPayment, o.State)
	assert.Equal(t, 0, o.Version)
	assert.True(t, decimal.RequireFromString("51.00").Equal(o.TotalPrice))
	assert.Equal(t, testNow.Add(30*time.Minute), o.PaymentDeadline)
	assert.Equal(t, "Li Lei", o.ReceiverName)

	// Stock was reserved and broadcast.
	assert.Equal(t, 3, f.ledger.stockOf(1))
	changes := f.sink.all()
	require.Len(t, changes, 1)
	assert.Equal(t, inventory.StockChange{ProductID: 1, NewStock: 3}, changes[0])

	// The payment timeout was armed at the persisted deadline.
	assert.Equal(t, o.PaymentDeadline, f.sched.armed[o.ID])
}

func TestPlaceOrder_OrderNoFormat(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})

	o := placePending(t, f, 123456, 1, 1)

	assert.True(t, strings.HasPrefix(o.OrderNo, "XC20260102150405"), o.OrderNo)
	// Buyer discriminator is the buyer ID mod 10000, zero-padded.
	assert.Equal(t, "3456", o.OrderNo[16:20])
	assert.Len(t, o.OrderNo, 24)
}

func TestPlaceOrder_RetriesConflictThenSucceeds(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	ledger := newMemLedger(map[int64]int{1: 5})
	ledger.conflicts = 2
	f := newFixture(newCatalog(p), ledger, Options{})

	o := placePending(t, f, 2, 1, 1)
	assert.Equal(t, 4, f.ledger.stockOf(1))
	assert.Equal(t, StatePendingPayment, o.State)
}

func TestPlaceOrder_ConflictBudgetExhausted(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	ledger := newMemLedger(map[int64]int{1: 5})
	ledger.conflicts = reserveAttempts
	f := newFixture(newCatalog(p), ledger, Options{})

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{BuyerID: 2, ProductID: 1, Quantity: 1})
	require.ErrorIs(t, err, ErrStockBusy)

	// No visible side effect: stock untouched, nothing persisted or armed.
	assert.Equal(t, 5, f.ledger.stockOf(1))
	assert.Empty(t, f.orders.orders)
	assert.Empty(t, f.sched.armed)
}

func TestPlaceOrder_NoBackoffAfterFinalAttempt(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	ledger := newMemLedger(map[int64]int{1: 5})
	ledger.conflicts = reserveAttempts
	f := newFixture(newCatalog(p), ledger, Options{})

	start := time.Now()
	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{BuyerID: 2, ProductID: 1, Quantity: 1})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrStockBusy)
	// Two waits (10ms + 20ms) between the three attempts; the exhausted
	// path returns without sleeping a third time.
	assert.Less(t, elapsed, 60*time.Millisecond)
}

func TestPlaceOrder_InsertFailureReleasesReservation(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	f.orders.insertErr = errors.New("db write failed")

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{BuyerID: 2, ProductID: 1, Quantity: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert order")

	// The hold was compensated and the release broadcast.
	assert.Equal(t, 5, f.ledger.stockOf(1))
	assert.Equal(t, 1, f.ledger.releaseCount())
	changes := f.sink.all()
	require.Len(t, changes, 1)
	assert.Equal(t, 5, changes[0].NewStock)
	assert.Empty(t, f.sched.armed)
}

func TestPlaceOrder_FastPathRejectsWithoutLedgerWrite(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	fp := &mockFastPath{deductErr: inventory.ErrInsufficientStock}
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{FastPath: fp})

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{BuyerID: 2, ProductID: 1, Quantity: 1})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Equal(t, 5, f.ledger.stockOf(1))
}

func TestPlaceOrder_FastPathMissFallsThrough(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	fp := &mockFastPath{deductErr: inventory.ErrNotCached}
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{FastPath: fp})

	o := placePending(t, f, 2, 1, 1)
	assert.Equal(t, StatePendingPayment, o.State)
	assert.Equal(t, 4, f.ledger.stockOf(1))
	assert.Zero(t, fp.restores)
}

func TestPlaceOrder_FastPathUnavailableFallsThrough(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	fp := &mockFastPath{deductErr: errors.New("connection refused")}
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{FastPath: fp})

	placePending(t, f, 2, 1, 1)
	assert.Equal(t, 4, f.ledger.stockOf(1))
}

func TestPlaceOrder_FastPathRestoredOnInsertFailure(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	fp := &mockFastPath{}
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{FastPath: fp})
	f.orders.insertErr = errors.New("db write failed")

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{BuyerID: 2, ProductID: 1, Quantity: 1})
	require.Error(t, err)
	assert.Equal(t, 1, fp.deducts)
	assert.Equal(t, 1, fp.restores)
}

// --- Payment ---

func TestConfirmPayment_MovesToPaidAndDisarms(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)

	require.NoError(t, f.svc.ConfirmPayment(context.Background(), o.ID, "pay-ref-1"))

	stored := f.orders.get(o.ID)
	assert.Equal(t, StatePaid, stored.State)
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, []int64{o.ID}, f.sched.disarmed)
}

func TestConfirmPayment_Idempotent(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)

	require.NoError(t, f.svc.ConfirmPayment(context.Background(), o.ID, "pay-ref-1"))
	require.NoError(t, f.svc.ConfirmPayment(context.Background(), o.ID, "pay-ref-1"))

	stored := f.orders.get(o.ID)
	assert.Equal(t, StatePaid, stored.State)
	assert.Equal(t, 1, stored.Version, "second confirmation must not mutate")
}

func TestConfirmPayment_AfterCancelSucceedsWithoutMutation(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)
	require.NoError(t, f.svc.Cancel(context.Background(), 2, o.ID))

	// Provider must stop retrying; refund is handed off out of band.
	require.NoError(t, f.svc.ConfirmPayment(context.Background(), o.ID, "pay-ref-late"))
	assert.Equal(t, StateCancelled, f.orders.get(o.ID).State)
}

func TestConfirmPayment_LostRace(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)
	f.orders.casFail = true

	err := f.svc.ConfirmPayment(context.Background(), o.ID, "pay-ref-1")
	require.ErrorIs(t, err, ErrConflict)
}

func TestConfirmPayment_NotFound(t *testing.T) {
	f := newFixture(newCatalog(), newMemLedger(nil), Options{})
	err := f.svc.ConfirmPayment(context.Background(), 404, "pay-ref-1")
	require.ErrorIs(t, err, ErrNotFound)
}

// --- Fulfillment ---

func TestSellerConfirm(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)
	require.NoError(t, f.svc.ConfirmPayment(context.Background(), o.ID, "ref"))

	require.ErrorIs(t, f.svc.SellerConfirm(context.Background(), 999, o.ID), ErrUnauthorized)
	require.NoError(t, f.svc.SellerConfirm(context.Background(), 10, o.ID))
	assert.Equal(t, StateConfirmed, f.orders.get(o.ID).State)
}

func TestSellerConfirm_BeforePayment(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)

	err := f.svc.SellerConfirm(context.Background(), 10, o.ID)
	var itErr *IllegalTransitionError
	require.ErrorAs(t, err, &itErr)
	assert.Equal(t, StatePendingPayment, itErr.From)
}

func TestSellerShip_RecordsTracking(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)
	require.NoError(t, f.svc.ConfirmPayment(context.Background(), o.ID, "ref"))
	require.NoError(t, f.svc.SellerConfirm(context.Background(), 10, o.ID))

	require.ErrorIs(t, f.svc.SellerShip(context.Background(), 999, o.ID, "SF123"), ErrUnauthorized)
	require.NoError(t, f.svc.SellerShip(context.Background(), 10, o.ID, "SF123"))

	stored := f.orders.get(o.ID)
	assert.Equal(t, StateShipped, stored.State)
	assert.Equal(t, "SF123", stored.TrackingNumber)
}

func TestSellerShip_LostRaceLeavesNoTracking(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)
	require.NoError(t, f.svc.ConfirmPayment(context.Background(), o.ID, "ref"))
	require.NoError(t, f.svc.SellerConfirm(context.Background(), 10, o.ID))
	f.orders.casFail = true

	err := f.svc.SellerShip(context.Background(), 10, o.ID, "SF123")
	require.ErrorIs(t, err, ErrConflict)

	stored := f.orders.get(o.ID)
	assert.Equal(t, StateConfirmed, stored.State)
	assert.Empty(t, stored.TrackingNumber, "a lost swap must not record a tracking number")
}

func TestBuyerReceive_Completes(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)
	require.NoError(t, f.svc.ConfirmPayment(context.Background(), o.ID, "ref"))
	require.NoError(t, f.svc.SellerConfirm(context.Background(), 10, o.ID))
	require.NoError(t, f.svc.SellerShip(context.Background(), 10, o.ID, ""))

	require.ErrorIs(t, f.svc.BuyerReceive(context.Background(), 999, o.ID), ErrUnauthorized)
	require.NoError(t, f.svc.BuyerReceive(context.Background(), 2, o.ID))
	assert.Equal(t, StateCompleted, f.orders.get(o.ID).State)

	st, err := f.svc.CurrentState(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st)
}

// --- Cancellation ---

func TestCancel_ReleasesStockAndDisarms(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 2)
	require.Equal(t, 3, f.ledger.stockOf(1))

	require.NoError(t, f.svc.Cancel(context.Background(), 2, o.ID))

	assert.Equal(t, StateCancelled, f.orders.get(o.ID).State)
	assert.Equal(t, 5, f.ledger.stockOf(1))
	assert.Contains(t, f.sched.disarmed, o.ID)

	changes := f.sink.all()
	require.Len(t, changes, 2)
	assert.Equal(t, 5, changes[1].NewStock)
}

func TestCancel_SellerMayCancel(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)

	require.NoError(t, f.svc.Cancel(context.Background(), 10, o.ID))
	assert.Equal(t, StateCancelled, f.orders.get(o.ID).State)
}

func TestCancel_Unauthorized(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)

	require.ErrorIs(t, f.svc.Cancel(context.Background(), 999, o.ID), ErrUnauthorized)
	assert.Equal(t, StatePendingPayment, f.orders.get(o.ID).State)
}

func TestCancel_TerminalOrder(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)
	require.NoError(t, f.svc.Cancel(context.Background(), 2, o.ID))

	require.ErrorIs(t, f.svc.Cancel(context.Background(), 2, o.ID), ErrAlreadyTerminal)
	// The release happened exactly once.
	assert.Equal(t, 1, f.ledger.releaseCount())
}

func TestCancel_NeverCachedProductSkipsRestore(t *testing.T) {
	// Placement fell through on a cache miss; the cancel-side restore must
	// not invent a cache entry for the product.
	p := newTestProduct(1, 10, "10.00", 5)
	fp := &mockFastPath{deductErr: inventory.ErrNotCached, restoreErr: inventory.ErrNotCached}
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{FastPath: fp})
	o := placePending(t, f, 2, 1, 2)
	require.Zero(t, fp.deducts)

	require.NoError(t, f.svc.Cancel(context.Background(), 2, o.ID))

	assert.Equal(t, StateCancelled, f.orders.get(o.ID).State)
	assert.Equal(t, 5, f.ledger.stockOf(1), "ledger release is unaffected")
	assert.Zero(t, fp.restores, "no cache entry may be fabricated")
}

func TestCancel_PaidOrderReleasesStock(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)
	require.NoError(t, f.svc.ConfirmPayment(context.Background(), o.ID, "ref"))

	require.NoError(t, f.svc.Cancel(context.Background(), 2, o.ID))
	assert.Equal(t, StateCancelled, f.orders.get(o.ID).State)
	assert.Equal(t, 5, f.ledger.stockOf(1))
}

// --- Payment timeout ---

func TestHandlePaymentTimeout_CancelsPendingOrder(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 2)

	f.svc.HandlePaymentTimeout(context.Background(), o.ID)

	assert.Equal(t, StateCancelled, f.orders.get(o.ID).State)
	assert.Equal(t, 5, f.ledger.stockOf(1))
}

func TestHandlePaymentTimeout_NoopOnPaidOrder(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)
	require.NoError(t, f.svc.ConfirmPayment(context.Background(), o.ID, "ref"))

	f.svc.HandlePaymentTimeout(context.Background(), o.ID)

	assert.Equal(t, StatePaid, f.orders.get(o.ID).State)
	assert.Equal(t, 0, f.ledger.releaseCount())
}

func TestHandlePaymentTimeout_NoopOnMissingOrder(t *testing.T) {
	f := newFixture(newCatalog(), newMemLedger(nil), Options{})
	f.svc.HandlePaymentTimeout(context.Background(), 404)
}

func TestHandlePaymentTimeout_LostRaceLeavesOrderAlone(t *testing.T) {
	p := newTestProduct(1, 10, "10.00", 5)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
	o := placePending(t, f, 2, 1, 1)
	f.orders.casFail = true

	f.svc.HandlePaymentTimeout(context.Background(), o.ID)

	assert.Equal(t, StatePendingPayment, f.orders.get(o.ID).State)
	assert.Equal(t, 0, f.ledger.releaseCount())
}

// --- Concurrency ---

func TestPlaceOrder_ConcurrentNeverOversells(t *testing.T) {
	const (
		initialStock = 10
		buyers       = 50
	)
	p := newTestProduct(1, 10, "10.00", initialStock)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: initialStock}), Options{})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(buyerID int64) {
			defer wg.Done()
			_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
				BuyerID:   buyerID,
				ProductID: 1,
				Quantity:  1,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, initialStock, succeeded)
	assert.Equal(t, 0, f.ledger.stockOf(1))
	assert.Len(t, f.orders.orders, initialStock)
}

func TestPlaceOrder_FlashSaleExactSellout(t *testing.T) {
	const stock = 500
	p := newTestProduct(1, 10, "10.00", stock)
	f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: stock}), Options{})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
	)
	for i := 0; i < stock; i++ {
		wg.Add(1)
		go func(buyerID int64) {
			defer wg.Done()
			if _, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
				BuyerID:   buyerID,
				ProductID: 1,
				Quantity:  1,
			}); err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Zero(t, failures, "demand equal to stock must fully sell out")
	assert.Equal(t, 0, f.ledger.stockOf(1))

	// One more buyer after sellout must be rejected.
	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		BuyerID: 501, ProductID: 1, Quantity: 1,
	})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
}

func TestConfirmPayment_RacesTimeout_ExactlyOneWins(t *testing.T) {
	for i := 0; i < 50; i++ {
		p := newTestProduct(1, 10, "10.00", 5)
		f := newFixture(newCatalog(p), newMemLedger(map[int64]int{1: 5}), Options{})
		o := placePending(t, f, 2, 1, 1)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			// A lost swap surfaces as ErrConflict; the provider retry would
			// then observe CANCELLED and stop.
			err := f.svc.ConfirmPayment(context.Background(), o.ID, "ref")
			if err != nil {
				assert.ErrorIs(t, err, ErrConflict)
			}
		}()
		go func() {
			defer wg.Done()
			f.svc.HandlePaymentTimeout(context.Background(), o.ID)
		}()
		wg.Wait()

		final := f.orders.get(o.ID).State
		switch final {
		case StatePaid:
			assert.Equal(t, 4, f.ledger.stockOf(1), "paid order keeps its stock hold")
		case StateCancelled:
			assert.Equal(t, 5, f.ledger.stockOf(1), "cancelled order returns its hold")
		default:
			t.Fatalf("unexpected final state %s", final)
		}
	}
}
