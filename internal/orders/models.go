package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Status          Status          `json:"status"`
	PaymentStatus   PaymentStatus   `json:"payment_status"`
	ShippingAddress string          `json:"shipping_address,omitempty"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	LineItems       []LineItem      `json:"line_items"`
	Metadata        map[string]any  `json:"metadata"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// LineItem is a price snapshot taken at placement time. Once the order is
// persisted the snapshot never changes, even if the product does.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// NewLineItem snapshots the product's current name and price.
// Subtotal is rounded to cents.
func NewLineItem(p Product, qty int) LineItem {
	return LineItem{
		ProductID: p.ID,
		Name:      p.Name,
		UnitPrice: p.Price,
		Quantity:  qty,
		Subtotal:  p.Price.Mul(decimal.NewFromInt(int64(qty))).Round(2),
	}
}

// Validate checks the structural invariants an order must satisfy before it
// may be persisted. Violations here indicate a bug in order construction,
// not bad caller input.
func (o Order) Validate() error {
	var violations []string
	if !o.Status.Valid() {
		violations = append(violations, "status is not a known status")
	}
	if !o.PaymentStatus.Valid() {
		violations = append(violations, "payment status is not a known payment status")
	}
	if o.TotalAmount.IsNegative() {
		violations = append(violations, "total amount must be greater than or equal to 0")
	}
	sum := decimal.Zero
	for _, li := range o.LineItems {
		if li.Quantity <= 0 {
			violations = append(violations, "line item quantity must be positive")
		}
		want := li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity))).Round(2)
		if !li.Subtotal.Equal(want) {
			violations = append(violations, "line item subtotal does not match unit price and quantity")
		}
		sum = sum.Add(li.Subtotal)
	}
	if !o.TotalAmount.Equal(sum) {
		violations = append(violations, "total amount does not match sum of line item subtotals")
	}
	if len(violations) > 0 {
		return &OrderValidationError{Violations: violations}
	}
	return nil
}
