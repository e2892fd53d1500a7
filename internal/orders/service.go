package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository is the persistence surface the service needs. Calls made inside
// the WithTx callback run in one transaction; the product lock taken by
// GetProductForUpdate is held until that transaction ends.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetProductForUpdate(ctx context.Context, productID string) (Product, error)
	DecrementStock(ctx context.Context, productID string, qty int) (bool, error)
	CreateOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]Order, error)
	UpdateOrder(ctx context.Context, order Order) error
}

type Service struct {
	repo Repository
	now  func() time.Time
}

type ServiceOption func(*Service)

// WithNow overrides the wall clock, for tests.
func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{
		repo: repo,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ItemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type PlaceOrderInput struct {
	UserID          string
	ShippingAddress string
	Metadata        map[string]any
	Items           []ItemInput
}

// PlaceOrder validates the requested cart, reserves stock and commits the
// order in a single transaction. On any error nothing is persisted: no order
// row, no stock change.
//
// Each product row is locked before its stock is read, so two concurrent
// placements for the same product serialize and the second sees the
// decremented stock. The decrement itself is additionally conditioned on
// stock >= qty as a safety net.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (Order, error) {
	if len(in.Items) == 0 {
		return Order{}, ErrEmptyCart
	}

	now := s.now().UTC()
	order := Order{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		Status:          StatusPending,
		PaymentStatus:   PaymentUnpaid,
		ShippingAddress: in.ShippingAddress,
		TotalAmount:     decimal.Zero,
		Metadata:        in.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		for _, item := range in.Items {
			p, err := s.repo.GetProductForUpdate(txCtx, item.ProductID)
			if err != nil {
				return err
			}
			if item.Quantity <= 0 {
				return &InvalidQuantityError{ProductID: item.ProductID, Quantity: item.Quantity}
			}
			if p.Stock < item.Quantity {
				return &InsufficientStockError{
					ProductID: p.ID,
					Name:      p.Name,
					Requested: item.Quantity,
					Available: p.Stock,
				}
			}

			order.LineItems = append(order.LineItems, NewLineItem(p, item.Quantity))

			ok, err := s.repo.DecrementStock(txCtx, p.ID, item.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return &InsufficientStockError{
					ProductID: p.ID,
					Name:      p.Name,
					Requested: item.Quantity,
					Available: p.Stock,
				}
			}
		}

		total := decimal.Zero
		for _, li := range order.LineItems {
			total = total.Add(li.Subtotal)
		}
		order.TotalAmount = total
		order.Status = StatusProcessing

		if err := order.Validate(); err != nil {
			return err
		}
		return s.repo.CreateOrder(txCtx, order)
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// ListOrders returns the user's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID string) ([]Order, error) {
	return s.repo.ListOrdersByUser(ctx, userID)
}

type UpdateOrderInput struct {
	OrderID       string
	Status        *Status
	PaymentStatus *PaymentStatus
	Metadata      map[string]any
}

// UpdateOrder applies order-management transitions (fulfil, cancel, payment
// settlement) and merges metadata. Transitions outside the state machine are
// rejected without touching the row.
func (s *Service) UpdateOrder(ctx context.Context, in UpdateOrderInput) (Order, error) {
	var updated Order
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetOrder(txCtx, in.OrderID)
		if err != nil {
			return err
		}

		if in.Status != nil && *in.Status != order.Status {
			if !CanTransition(order.Status, *in.Status) {
				return &InvalidTransitionError{
					Field: "status",
					From:  string(order.Status),
					To:    string(*in.Status),
				}
			}
			order.Status = *in.Status
		}
		if in.PaymentStatus != nil && *in.PaymentStatus != order.PaymentStatus {
			if !CanTransitionPayment(order.PaymentStatus, *in.PaymentStatus) {
				return &InvalidTransitionError{
					Field: "payment_status",
					From:  string(order.PaymentStatus),
					To:    string(*in.PaymentStatus),
				}
			}
			order.PaymentStatus = *in.PaymentStatus
		}
		if len(in.Metadata) > 0 {
			if order.Metadata == nil {
				order.Metadata = make(map[string]any, len(in.Metadata))
			}
			for k, v := range in.Metadata {
				order.Metadata[k] = v
			}
		}

		order.UpdatedAt = s.now().UTC()
		if err := s.repo.UpdateOrder(txCtx, order); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}
