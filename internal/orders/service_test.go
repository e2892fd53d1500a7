package orders

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeRepo keeps products and orders in memory. WithTx serializes
// transactions under a mutex and restores the pre-transaction state on
// error, matching the atomicity the real repository gets from Postgres.
type fakeRepo struct {
	mu       sync.Mutex
	products map[string]Product
	orders   map[string]Order
}

func newFakeRepo(products ...Product) *fakeRepo {
	f := &fakeRepo{
		products: make(map[string]Product, len(products)),
		orders:   make(map[string]Order),
	}
	for _, p := range products {
		f.products[p.ID] = p
	}
	return f
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	productSnap := make(map[string]Product, len(f.products))
	for k, v := range f.products {
		productSnap[k] = v
	}
	orderSnap := make(map[string]Order, len(f.orders))
	for k, v := range f.orders {
		orderSnap[k] = v
	}

	if err := fn(ctx); err != nil {
		f.products = productSnap
		f.orders = orderSnap
		return err
	}
	return nil
}

func (f *fakeRepo) GetProductForUpdate(_ context.Context, productID string) (Product, error) {
	p, ok := f.products[productID]
	if !ok {
		return Product{}, &ProductNotFoundError{ProductID: productID}
	}
	return p, nil
}

func (f *fakeRepo) DecrementStock(_ context.Context, productID string, qty int) (bool, error) {
	p, ok := f.products[productID]
	if !ok {
		return false, &ProductNotFoundError{ProductID: productID}
	}
	if p.Stock < qty {
		return false, nil
	}
	p.Stock -= qty
	f.products[productID] = p
	return true, nil
}

func (f *fakeRepo) CreateOrder(_ context.Context, order Order) error {
	f.orders[order.ID] = order
	return nil
}

func (f *fakeRepo) GetOrder(_ context.Context, orderID string) (Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeRepo) ListOrdersByUser(_ context.Context, userID string) ([]Order, error) {
	var out []Order
	for _, o := range f.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeRepo) UpdateOrder(_ context.Context, order Order) error {
	if _, ok := f.orders[order.ID]; !ok {
		return ErrOrderNotFound
	}
	f.orders[order.ID] = order
	return nil
}

func (f *fakeRepo) stock(productID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[productID].Stock
}

func TestPlaceOrder(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

	productA := Product{ID: "prod-a", Name: "Walnut Desk", Price: dec("10.00"), Stock: 4}
	productB := Product{ID: "prod-b", Name: "Desk Mat", Price: dec("3.50"), Stock: 10}

	t.Run("multi item cart snapshots prices and decrements stock", func(t *testing.T) {
		repo := newFakeRepo(productA, productB)
		svc := NewService(repo, WithNow(func() time.Time { return now }))

		order, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{
			UserID:          "user-1",
			ShippingAddress: "1 Main St",
			Metadata:        map[string]any{"gift": true},
			Items: []ItemInput{
				{ProductID: "prod-a", Quantity: 2},
				{ProductID: "prod-b", Quantity: 3},
			},
		})
		require.NoError(t, err)

		require.NotEmpty(t, order.ID)
		assert.Equal(t, "user-1", order.UserID)
		assert.Equal(t, StatusProcessing, order.Status)
		assert.Equal(t, PaymentUnpaid, order.PaymentStatus)
		assert.Equal(t, "1 Main St", order.ShippingAddress)
		assert.Equal(t, now, order.CreatedAt)

		require.Len(t, order.LineItems, 2)
		assert.Equal(t, "prod-a", order.LineItems[0].ProductID)
		assert.Equal(t, "Walnut Desk", order.LineItems[0].Name)
		assert.True(t, order.LineItems[0].UnitPrice.Equal(dec("10.00")))
		assert.Equal(t, 2, order.LineItems[0].Quantity)
		assert.True(t, order.LineItems[0].Subtotal.Equal(dec("20.00")))
		assert.Equal(t, "prod-b", order.LineItems[1].ProductID)
		assert.True(t, order.LineItems[1].Subtotal.Equal(dec("10.50")))
		assert.True(t, order.TotalAmount.Equal(dec("30.50")))

		assert.Equal(t, 2, repo.stock("prod-a"))
		assert.Equal(t, 7, repo.stock("prod-b"))

		stored, err := repo.GetOrder(context.Background(), order.ID)
		require.NoError(t, err)
		// pending is never observable; only the processing order is persisted
		assert.Equal(t, StatusProcessing, stored.Status)
	})

	t.Run("total equals sum of subtotals with rounding per line", func(t *testing.T) {
		repo := newFakeRepo(Product{ID: "prod-c", Name: "Washer", Price: dec("1.333"), Stock: 100})
		svc := NewService(repo)

		order, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{
			UserID: "user-1",
			Items:  []ItemInput{{ProductID: "prod-c", Quantity: 2}},
		})
		require.NoError(t, err)
		assert.True(t, order.LineItems[0].Subtotal.Equal(dec("2.67")), "got %s", order.LineItems[0].Subtotal)
		assert.True(t, order.TotalAmount.Equal(dec("2.67")))
	})

	t.Run("empty cart", func(t *testing.T) {
		repo := newFakeRepo(productA)
		svc := NewService(repo)

		_, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{UserID: "user-1"})
		require.ErrorIs(t, err, ErrEmptyCart)
		assert.Equal(t, 4, repo.stock("prod-a"))
		assert.Empty(t, repo.orders)
	})

	t.Run("invalid quantity aborts without touching earlier items", func(t *testing.T) {
		for _, qty := range []int{0, -3} {
			repo := newFakeRepo(productA, productB)
			svc := NewService(repo)

			_, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{
				UserID: "user-1",
				Items: []ItemInput{
					{ProductID: "prod-a", Quantity: 2},
					{ProductID: "prod-b", Quantity: qty},
				},
			})

			var invalidQty *InvalidQuantityError
			require.ErrorAs(t, err, &invalidQty)
			assert.Equal(t, "prod-b", invalidQty.ProductID)
			assert.Equal(t, qty, invalidQty.Quantity)

			// the decrement for prod-a must have been rolled back
			assert.Equal(t, 4, repo.stock("prod-a"))
			assert.Equal(t, 10, repo.stock("prod-b"))
			assert.Empty(t, repo.orders)
		}
	})

	t.Run("unknown product", func(t *testing.T) {
		repo := newFakeRepo(productA)
		svc := NewService(repo)

		_, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{
			UserID: "user-1",
			Items:  []ItemInput{{ProductID: "999", Quantity: 1}},
		})

		var notFound *ProductNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "999", notFound.ProductID)
		assert.Empty(t, repo.orders)
	})

	t.Run("insufficient stock leaves every product untouched", func(t *testing.T) {
		short := Product{ID: "prod-s", Name: "Lamp", Price: dec("25.00"), Stock: 1}
		repo := newFakeRepo(productB, short)
		svc := NewService(repo)

		_, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{
			UserID: "user-1",
			Items: []ItemInput{
				{ProductID: "prod-b", Quantity: 3},
				{ProductID: "prod-s", Quantity: 2},
			},
		})

		var noStock *InsufficientStockError
		require.ErrorAs(t, err, &noStock)
		assert.Equal(t, "prod-s", noStock.ProductID)
		assert.Equal(t, "Lamp", noStock.Name)
		assert.Equal(t, 2, noStock.Requested)
		assert.Equal(t, 1, noStock.Available)

		assert.Equal(t, 10, repo.stock("prod-b"))
		assert.Equal(t, 1, repo.stock("prod-s"))
		assert.Empty(t, repo.orders)
	})

	t.Run("concurrent placements never oversell", func(t *testing.T) {
		repo := newFakeRepo(Product{ID: "prod-a", Name: "Walnut Desk", Price: dec("10.00"), Stock: 5})
		svc := NewService(repo)

		var wg sync.WaitGroup
		results := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = svc.PlaceOrder(context.Background(), PlaceOrderInput{
					UserID: "user-1",
					Items:  []ItemInput{{ProductID: "prod-a", Quantity: 3}},
				})
			}(i)
		}
		wg.Wait()

		var successes, conflicts int
		for _, err := range results {
			if err == nil {
				successes++
				continue
			}
			var noStock *InsufficientStockError
			require.ErrorAs(t, err, &noStock)
			conflicts++
		}
		assert.Equal(t, 1, successes)
		assert.Equal(t, 1, conflicts)
		assert.Equal(t, 2, repo.stock("prod-a"))
	})
}

func TestUpdateOrder(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

	seed := func(t *testing.T) (*fakeRepo, *Service, Order) {
		t.Helper()
		repo := newFakeRepo(Product{ID: "prod-a", Name: "Walnut Desk", Price: dec("10.00"), Stock: 4})
		svc := NewService(repo, WithNow(func() time.Time { return now }))
		order, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{
			UserID: "user-1",
			Items:  []ItemInput{{ProductID: "prod-a", Quantity: 1}},
		})
		require.NoError(t, err)
		return repo, svc, order
	}

	statusOf := func(s Status) *Status { return &s }
	paymentOf := func(s PaymentStatus) *PaymentStatus { return &s }

	t.Run("fulfil and settle payment", func(t *testing.T) {
		_, svc, order := seed(t)

		updated, err := svc.UpdateOrder(context.Background(), UpdateOrderInput{
			OrderID:       order.ID,
			Status:        statusOf(StatusFulfilled),
			PaymentStatus: paymentOf(PaymentPaid),
		})
		require.NoError(t, err)
		assert.Equal(t, StatusFulfilled, updated.Status)
		assert.Equal(t, PaymentPaid, updated.PaymentStatus)
	})

	t.Run("illegal status transition is rejected", func(t *testing.T) {
		_, svc, order := seed(t)

		_, err := svc.UpdateOrder(context.Background(), UpdateOrderInput{
			OrderID: order.ID,
			Status:  statusOf(StatusPending),
		})

		var bad *InvalidTransitionError
		require.ErrorAs(t, err, &bad)
		assert.Equal(t, "status", bad.Field)
		assert.Equal(t, "processing", bad.From)
		assert.Equal(t, "pending", bad.To)

		got, err := svc.GetOrder(context.Background(), order.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, got.Status)
	})

	t.Run("illegal payment transition is rejected", func(t *testing.T) {
		_, svc, order := seed(t)

		_, err := svc.UpdateOrder(context.Background(), UpdateOrderInput{
			OrderID:       order.ID,
			PaymentStatus: paymentOf(PaymentRefunded),
		})

		var bad *InvalidTransitionError
		require.ErrorAs(t, err, &bad)
		assert.Equal(t, "payment_status", bad.Field)
	})

	t.Run("metadata merges over existing keys", func(t *testing.T) {
		repo := newFakeRepo(Product{ID: "prod-a", Name: "Walnut Desk", Price: dec("10.00"), Stock: 4})
		svc := NewService(repo)
		order, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{
			UserID:   "user-1",
			Metadata: map[string]any{"channel": "web", "gift": false},
			Items:    []ItemInput{{ProductID: "prod-a", Quantity: 1}},
		})
		require.NoError(t, err)

		updated, err := svc.UpdateOrder(context.Background(), UpdateOrderInput{
			OrderID:  order.ID,
			Metadata: map[string]any{"gift": true, "note": "fragile"},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"channel": "web", "gift": true, "note": "fragile"}, updated.Metadata)
	})

	t.Run("unknown order", func(t *testing.T) {
		_, svc, _ := seed(t)

		_, err := svc.UpdateOrder(context.Background(), UpdateOrderInput{
			OrderID: "missing",
			Status:  statusOf(StatusFulfilled),
		})
		require.ErrorIs(t, err, ErrOrderNotFound)
	})
}

func TestListOrders(t *testing.T) {
	repo := newFakeRepo(Product{ID: "prod-a", Name: "Walnut Desk", Price: dec("10.00"), Stock: 10})

	ts := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := ts
	svc := NewService(repo, WithNow(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))

	first, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: "user-1",
		Items:  []ItemInput{{ProductID: "prod-a", Quantity: 1}},
	})
	require.NoError(t, err)
	second, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: "user-1",
		Items:  []ItemInput{{ProductID: "prod-a", Quantity: 2}},
	})
	require.NoError(t, err)
	_, err = svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: "user-2",
		Items:  []ItemInput{{ProductID: "prod-a", Quantity: 1}},
	})
	require.NoError(t, err)

	list, err := svc.ListOrders(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestPlaceOrder_RepoErrorPropagates(t *testing.T) {
	boom := errors.New("connection reset")
	repo := &erroringRepo{err: boom}
	svc := NewService(repo)

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: "user-1",
		Items:  []ItemInput{{ProductID: "prod-a", Quantity: 1}},
	})
	require.ErrorIs(t, err, boom)
}

type erroringRepo struct {
	fakeRepo
	err error
}

func (e *erroringRepo) WithTx(_ context.Context, _ func(ctx context.Context) error) error {
	return e.err
}
