package payments

import (
	"context"
	"database/sql"
	"errors"

	"github.com/joao-fontenele/orderflow-saga/internal/domain"
)

// Repository is the Postgres Store, reading and writing the payments table
// of the current search_path.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, payment *domain.Payment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, customer_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, payment.ID, payment.OrderID, payment.CustomerID, payment.Amount, payment.Status, payment.Timestamp)
	return err
}

func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	payment := &domain.Payment{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_id, customer_id, amount, status, created_at
		FROM payments
		WHERE id = $1
	`, id).Scan(&payment.ID, &payment.OrderID, &payment.CustomerID, &payment.Amount, &payment.Status, &payment.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return payment, nil
}

func (r *Repository) List(ctx context.Context, orderID string) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, customer_id, amount, status, created_at
		FROM payments
		WHERE $1::text = '' OR order_id = $1
		ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	payments := []domain.Payment{}
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.OrderID, &p.CustomerID, &p.Amount, &p.Status, &p.Timestamp); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return payments, nil
}
