package inventory

import (
	"context"
	"database/sql"

	"github.com/joao-fontenele/orderflow-saga/internal/domain"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Record(ctx context.Context, c domain.Cancellation) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO cancellations (event_id, order_id, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`, c.EventID, c.OrderID, c.ReceivedAt)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}

func (r *Repository) List(ctx context.Context) ([]domain.Cancellation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, event_id, received_at
		FROM cancellations
		ORDER BY received_at, event_id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cancellations := []domain.Cancellation{}
	for rows.Next() {
		var c domain.Cancellation
		if err := rows.Scan(&c.OrderID, &c.EventID, &c.ReceivedAt); err != nil {
			return nil, err
		}
		cancellations = append(cancellations, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return cancellations, nil
}
