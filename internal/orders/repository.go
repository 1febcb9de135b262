package orders

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/joao-fontenele/orderflow-saga/internal/domain"
)

// Repository is the Postgres Store. It expects search_path to include the
// orders schema.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, status, total, payment_id, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, order.ID, order.CustomerID, order.Status, order.Total, order.PaymentID, order.FailureReason, order.CreatedAt)
	if err != nil {
		return err
	}

	for pos, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, item_id, quantity, price)
			VALUES ($1, $2, $3, $4, $5)
		`, order.ID, pos, item.ItemID, item.Quantity, item.Price)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, r.db, id, false)
}

func (r *Repository) Update(ctx context.Context, id string, fn func(*domain.Order) error) (*domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := getOrder(ctx, tx, id, true)
	if err != nil || order == nil {
		return nil, err
	}

	if err := fn(order); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, payment_id = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $4
	`, order.Status, order.PaymentID, order.FailureReason, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *Repository) List(ctx context.Context) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, customer_id, status, total, payment_id, failure_reason, created_at
		FROM orders
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		var order domain.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, err
		}
		order.Items = []domain.OrderItem{}
		orderMap[order.ID] = &order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	itemRows, err := r.db.QueryContext(ctx, `
		SELECT order_id, item_id, quantity, price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := itemRows.Scan(&orderID, &item.ItemID, &item.Quantity, &item.Price); err != nil {
			return nil, err
		}
		order := orderMap[orderID]
		order.Items = append(order.Items, item)
	}

	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner, order *domain.Order) error {
	return row.Scan(&order.ID, &order.CustomerID, &order.Status, &order.Total,
		&order.PaymentID, &order.FailureReason, &order.CreatedAt)
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Order, error) {
	query := `
		SELECT id, customer_id, status, total, payment_id, failure_reason, created_at
		FROM orders
		WHERE id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	order := &domain.Order{}
	if err := scanOrder(q.QueryRowContext(ctx, query, id), order); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT item_id, quantity, price
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	order.Items = []domain.OrderItem{}
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ItemID, &item.Quantity, &item.Price); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return order, nil
}
