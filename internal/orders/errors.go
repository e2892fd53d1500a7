package orders

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyCart     = errors.New("at least one line item is required")
	ErrOrderNotFound = errors.New("order not found")
)

// ProductNotFoundError reports a requested product id that does not resolve.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError reports a non-positive quantity for a product.
type InvalidQuantityError struct {
	ProductID string
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be positive for product %s, got %d", e.ProductID, e.Quantity)
}

// InsufficientStockError reports a request for more units than are available.
type InsufficientStockError struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s does not have enough stock: requested %d, available %d",
		e.Name, e.Requested, e.Available)
}

// OrderValidationError lists the structural constraints a built order
// violates. Unreachable with correct arithmetic, checked anyway before
// persisting.
type OrderValidationError struct {
	Violations []string
}

func (e *OrderValidationError) Error() string {
	return "order is invalid: " + strings.Join(e.Violations, "; ")
}

// InvalidTransitionError reports a status change the state machine forbids.
type InvalidTransitionError struct {
	Field string // "status" or "payment_status"
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition %s from %s to %s", e.Field, e.From, e.To)
}
