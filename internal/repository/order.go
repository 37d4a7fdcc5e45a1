package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rookgm/orderflow/internal/models"
	"github.com/rookgm/orderflow/internal/repository/postgres"
	"github.com/shopspring/decimal"
)

const (
	orderColumns = `id, customer_id, restaurant_id, total_cents, street, city, state, zip_code,
						special_instructions, driver_id, status, cancellation_reason, payment_ref,
						idempotency_key, created_at, updated_at`

	insertOrderQuery = `
						INSERT INTO orders (id, customer_id, restaurant_id, total_cents, street, city, state, zip_code,
						                    special_instructions, status, payment_ref, idempotency_key, created_at, updated_at)
						VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
`
	insertItemQuery = `
						INSERT INTO order_items (order_id, position, menu_item_id, name, quantity, unit_price_cents)
						VALUES ($1, $2, $3, $4, $5, $6)
`
	insertHistoryQuery = `
						INSERT INTO order_status_history (order_id, status, actor, reason, changed_at)
						VALUES ($1, $2, $3, $4, $5)
`
	selectOrderByIDQuery = `
						SELECT ` + orderColumns + ` FROM orders
						WHERE id = $1
`
	selectOrderByIdempotencyKeyQuery = `
						SELECT ` + orderColumns + ` FROM orders
						WHERE customer_id = $1 AND idempotency_key = $2
`
	selectOrdersByUserIDQuery = `
						SELECT ` + orderColumns + ` FROM orders
						WHERE customer_id = $1
						ORDER BY created_at DESC
`
	selectOrdersByRestaurantIDQuery = `
						SELECT ` + orderColumns + ` FROM orders
						WHERE restaurant_id = $1
						ORDER BY created_at DESC
`
	selectOrdersByDriverIDQuery = `
						SELECT ` + orderColumns + ` FROM orders
						WHERE driver_id = $1
						ORDER BY created_at DESC
`
	selectOrdersByStatusQuery = `
						SELECT ` + orderColumns + ` FROM orders
						WHERE status = $1
						ORDER BY created_at
`
	selectStatusForUpdateQuery = `
						SELECT status FROM orders
						WHERE id = $1
						FOR UPDATE
`
	updateOrderStatusQuery = `
						UPDATE orders
						SET status = $2,
						    updated_at = $3,
						    driver_id = COALESCE($4, driver_id),
						    payment_ref = COALESCE($5, payment_ref),
						    cancellation_reason = COALESCE($6, cancellation_reason)
						WHERE id = $1
`
	selectItemsQuery = `
						SELECT order_id, menu_item_id, name, quantity, unit_price_cents FROM order_items
						WHERE order_id = ANY($1)
						ORDER BY order_id, position
`
	selectHistoryQuery = `
						SELECT order_id, status, actor, reason, changed_at FROM order_status_history
						WHERE order_id = ANY($1)
						ORDER BY order_id, id
`
	deleteOrderQuery = `
						DELETE FROM orders
						WHERE id = $1
`
)

// OrderRepository implements OrderRepository interface on Postgres.
// Status transitions lock the order row, so transitions of one order are serialized.
type OrderRepository struct {
	db  *postgres.DB
	now func() time.Time
}

// NewOrderRepository creates new OrderRepository instance
func NewOrderRepository(db *postgres.DB) *OrderRepository {
	return &OrderRepository{
		db:  db,
		now: time.Now,
	}
}

// Create inserts new order with its items and the initial history entry
func (or *OrderRepository) Create(ctx context.Context, order *models.Order) (*models.Order, error) {
	now := or.now().UTC()
	order.Status = models.StatusCreated
	order.CreatedAt = now
	order.UpdatedAt = now
	order.History = []models.StatusChange{{
		Status: models.StatusCreated,
		Actor:  order.CustomerID,
		At:     now,
	}}

	tx, err := or.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertOrderQuery,
		order.ID, order.CustomerID, order.RestaurantID, toCents(order.Total),
		order.DeliveryAddress.Street, order.DeliveryAddress.City, order.DeliveryAddress.State, order.DeliveryAddress.ZipCode,
		order.SpecialInstructions, order.Status, order.PaymentRef, order.IdempotencyKey, now)
	if err != nil {
		if errCode := or.db.ErrorCode(err); errCode == postgres.UniqueViolationCode {
			return nil, models.ErrConflict
		}
		return nil, err
	}

	batch := &pgx.Batch{}
	for i, item := range order.Items {
		batch.Queue(insertItemQuery, order.ID, i, item.MenuItemID, item.Name, item.Quantity, toCents(item.UnitPrice))
	}
	batch.Queue(insertHistoryQuery, order.ID, models.StatusCreated, order.CustomerID, "", now)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return order, nil
}

// AppendStatus transitions order status and appends a history entry atomically
func (or *OrderRepository) AppendStatus(ctx context.Context, id string, tr models.Transition) (*models.Order, error) {
	tx, err := or.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var current models.Status
	if err := tx.QueryRow(ctx, selectStatusForUpdateQuery, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}

	if tr.Expect != "" && tr.Expect != current {
		return nil, fmt.Errorf("%w: order status changed from %s to %s", models.ErrConflict, tr.Expect, current)
	}
	if !models.CanTransition(current, tr.To, tr.Privileged) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current, tr.To)
	}

	var reason *string
	if tr.To == models.StatusCancelled {
		reason = &tr.Reason
	}

	now := or.now().UTC()
	if _, err := tx.Exec(ctx, updateOrderStatusQuery, id, tr.To, now, tr.DriverID, tr.PaymentRef, reason); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, insertHistoryQuery, id, tr.To, tr.Actor, tr.Reason, now); err != nil {
		return nil, err
	}

	order, err := or.get(ctx, tx, selectOrderByIDQuery, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return order, nil
}

// Get returns order by id
func (or *OrderRepository) Get(ctx context.Context, id string) (*models.Order, error) {
	return or.get(ctx, or.db, selectOrderByIDQuery, id)
}

// GetByIdempotencyKey returns order created by customer with idempotency key
func (or *OrderRepository) GetByIdempotencyKey(ctx context.Context, customerID, key string) (*models.Order, error) {
	return or.get(ctx, or.db, selectOrderByIdempotencyKeyQuery, customerID, key)
}

// ListByUser returns user orders, newest first
func (or *OrderRepository) ListByUser(ctx context.Context, userID string) ([]models.Order, error) {
	return or.list(ctx, selectOrdersByUserIDQuery, userID)
}

// ListByRestaurant returns restaurant orders, newest first
func (or *OrderRepository) ListByRestaurant(ctx context.Context, restaurantID string) ([]models.Order, error) {
	return or.list(ctx, selectOrdersByRestaurantIDQuery, restaurantID)
}

// ListByDriver returns orders assigned to driver, newest first
func (or *OrderRepository) ListByDriver(ctx context.Context, driverID string) ([]models.Order, error) {
	return or.list(ctx, selectOrdersByDriverIDQuery, driverID)
}

// ListByStatus returns orders in status, oldest first
func (or *OrderRepository) ListByStatus(ctx context.Context, status models.Status) ([]models.Order, error) {
	return or.list(ctx, selectOrdersByStatusQuery, status)
}

// Delete removes order with its items and history
func (or *OrderRepository) Delete(ctx context.Context, id string) error {
	cmd, err := or.db.Exec(ctx, deleteOrderQuery, id)
	if err != nil {
		return err
	}

	if cmd.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (or *OrderRepository) get(ctx context.Context, q querier, query string, args ...any) (*models.Order, error) {
	order, err := scanOrder(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}

	orders := []models.Order{*order}
	if err := loadDetails(ctx, q, orders); err != nil {
		return nil, err
	}

	return &orders[0], nil
}

func (or *OrderRepository) list(ctx context.Context, query string, arg any) ([]models.Order, error) {
	rows, err := or.db.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []models.Order{}

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := loadDetails(ctx, or.db, orders); err != nil {
		return nil, err
	}

	return orders, nil
}

// loadDetails fills items and history of orders with one query per table
func loadDetails(ctx context.Context, q querier, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	rows, err := q.Query(ctx, selectItemsQuery, ids)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			orderID string
			item    models.LineItem
			cents   int64
		)
		if err := rows.Scan(&orderID, &item.MenuItemID, &item.Name, &item.Quantity, &cents); err != nil {
			rows.Close()
			return err
		}
		item.UnitPrice = fromCents(cents)
		i := index[orderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.Query(ctx, selectHistoryQuery, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			orderID string
			change  models.StatusChange
		)
		if err := rows.Scan(&orderID, &change.Status, &change.Actor, &change.Reason, &change.At); err != nil {
			return err
		}
		i := index[orderID]
		orders[i].History = append(orders[i].History, change)
	}

	return rows.Err()
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		order models.Order
		cents int64
	)
	err := row.Scan(&order.ID, &order.CustomerID, &order.RestaurantID, &cents,
		&order.DeliveryAddress.Street, &order.DeliveryAddress.City, &order.DeliveryAddress.State, &order.DeliveryAddress.ZipCode,
		&order.SpecialInstructions, &order.DriverID, &order.Status, &order.CancellationReason, &order.PaymentRef,
		&order.IdempotencyKey, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	order.Total = fromCents(cents)

	return &order, nil
}

func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
