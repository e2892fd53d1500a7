package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo persists products and orders in Postgres. It implements Repository.
type Repo struct {
	DB *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{DB: pool}
}

func (r *Repo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.DB, fn)
}

// GetProductForUpdate locks the product row for the rest of the transaction,
// so the stock it returns stays true until commit or rollback.
func (r *Repo) GetProductForUpdate(ctx context.Context, productID string) (Product, error) {
	const query = `
SELECT id, name, COALESCE(description, ''), price, stock, created_at, updated_at
FROM products
WHERE id = $1
FOR UPDATE`

	var p Product
	err := r.queryRow(ctx, query, productID).
		Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return Product{}, &ProductNotFoundError{ProductID: productID}
		}
		return Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// DecrementStock subtracts qty conditionally; zero rows affected means the
// remaining stock was short and the caller must abort.
func (r *Repo) DecrementStock(ctx context.Context, productID string, qty int) (bool, error) {
	const stmt = `
UPDATE products
SET stock = stock - $2, updated_at = NOW()
WHERE id = $1 AND stock >= $2`

	tag, err := r.exec(ctx, stmt, productID, qty)
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repo) CreateOrder(ctx context.Context, order Order) error {
	const stmt = `
INSERT INTO orders (id, user_id, status, payment_status, shipping_address,
                    total_amount, line_items, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	lineItems, err := json.Marshal(order.LineItems)
	if err != nil {
		return fmt.Errorf("marshal line items: %w", err)
	}
	metadata, err := marshalMetadata(order.Metadata)
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, stmt,
		order.ID, order.UserID, order.Status, order.PaymentStatus, order.ShippingAddress,
		order.TotalAmount, lineItems, metadata, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (Order, error) {
	const query = `
SELECT id, user_id, status, payment_status, COALESCE(shipping_address, ''),
       total_amount, line_items, metadata, created_at, updated_at
FROM orders
WHERE id = $1`

	order, err := scanOrder(r.queryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

func (r *Repo) ListOrdersByUser(ctx context.Context, userID string) ([]Order, error) {
	const query = `
SELECT id, user_id, status, payment_status, COALESCE(shipping_address, ''),
       total_amount, line_items, metadata, created_at, updated_at
FROM orders
WHERE user_id = $1
ORDER BY created_at DESC`

	rows, err := r.query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func (r *Repo) UpdateOrder(ctx context.Context, order Order) error {
	const stmt = `
UPDATE orders
SET status = $2, payment_status = $3, metadata = $4, updated_at = $5
WHERE id = $1`

	metadata, err := marshalMetadata(order.Metadata)
	if err != nil {
		return err
	}
	tag, err := r.exec(ctx, stmt,
		order.ID, order.Status, order.PaymentStatus, metadata, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o         Order
		lineItems []byte
		metadata  []byte
	)
	err := row.Scan(&o.ID, &o.UserID, &o.Status, &o.PaymentStatus, &o.ShippingAddress,
		&o.TotalAmount, &lineItems, &metadata, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	if err := json.Unmarshal(lineItems, &o.LineItems); err != nil {
		return Order{}, fmt.Errorf("unmarshal line items: %w", err)
	}
	if err := json.Unmarshal(metadata, &o.Metadata); err != nil {
		return Order{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return o, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func (r *Repo) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.DB.Exec(ctx, sql, args...)
}

func (r *Repo) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.DB.Query(ctx, sql, args...)
}

func (r *Repo) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.DB.QueryRow(ctx, sql, args...)
}

func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
