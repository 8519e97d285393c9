package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"konveksi/backend/internal/domain"
	"konveksi/backend/internal/store"
	"konveksi/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

// lockTimeout bounds how long a transition waits for a row lock before it
// fails with store.ErrContention.
const lockTimeout = "3s"

const inProductionIndex = "work_orders_single_in_production"

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// querier is the part of *sql.DB and *sql.Tx the row helpers need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%s'", lockTimeout)); err != nil {
		return mapError(err)
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return mapError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

const workOrderColumns = `
	id, order_no, status, expedite, source, production_started_at, expected_finish_at,
	finished_at, inbound_at, total_cost, shipping_fee, COALESCE(assignee, ''), created_by,
	remark, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkOrder(row rowScanner) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	var startedAt, expectedAt, finishedAt, inboundAt sql.NullTime
	err := row.Scan(
		&wo.ID,
		&wo.OrderNo,
		&wo.Status,
		&wo.Expedite,
		&wo.Source,
		&startedAt,
		&expectedAt,
		&finishedAt,
		&inboundAt,
		&wo.TotalCost,
		&wo.ShippingFee,
		&wo.Assignee,
		&wo.CreatedBy,
		&wo.Remark,
		&wo.CreatedAt,
		&wo.UpdatedAt,
	)
	if err != nil {
		return wo, err
	}
	wo.ProductionStartedAt = fromNullTime(startedAt)
	wo.ExpectedFinishAt = fromNullTime(expectedAt)
	wo.FinishedAt = fromNullTime(finishedAt)
	wo.InboundAt = fromNullTime(inboundAt)
	wo.CreatedAt = wo.CreatedAt.UTC()
	wo.UpdatedAt = wo.UpdatedAt.UTC()
	return wo, nil
}

func queryWorkOrders(ctx context.Context, q querier, query string, args ...any) ([]domain.WorkOrder, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	orders := make([]domain.WorkOrder, 0, 16)
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		orders = append(orders, wo)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := loadLines(ctx, q, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func getWorkOrder(ctx context.Context, q querier, id string, forUpdate bool) (*domain.WorkOrder, error) {
	query := `SELECT ` + workOrderColumns + ` FROM work_orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	wo, err := scanWorkOrder(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	orders := []domain.WorkOrder{wo}
	if err := loadLines(ctx, q, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func loadLines(ctx context.Context, q querier, orders []domain.WorkOrder) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, 0, len(orders))
	index := make(map[string]int, len(orders))
	for i, wo := range orders {
		ids = append(ids, wo.ID)
		index[wo.ID] = i
	}

	rows, err := q.QueryContext(ctx, `
		SELECT work_order_id, product_id, COALESCE(sku_id, ''), size, quantity, unit_cost, subtotal_cost
		FROM work_order_lines
		WHERE work_order_id = ANY($1)
		ORDER BY work_order_id, id ASC
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var line domain.WorkOrderLine
		if err := rows.Scan(&orderID, &line.ProductID, &line.SKUID, &line.Size, &line.Quantity, &line.UnitCost, &line.SubtotalCost); err != nil {
			return err
		}
		i := index[orderID]
		orders[i].Lines = append(orders[i].Lines, line)
	}
	return rows.Err()
}

func (s *Store) GetWorkOrder(ctx context.Context, id string) (*domain.WorkOrder, error) {
	return getWorkOrder(ctx, s.db, id, false)
}

func (s *Store) ListWorkOrders(ctx context.Context, filter domain.WorkOrderFilter) ([]domain.WorkOrder, int, error) {
	where := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Source != "" {
		args = append(args, filter.Source)
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	if filter.Expedite != nil {
		args = append(args, *filter.Expedite)
		where = append(where, fmt.Sprintf("expedite = $%d", len(args)))
	}
	if keyword := strings.TrimSpace(filter.Keyword); keyword != "" {
		args = append(args, "%"+keyword+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(`(order_no ILIKE $%d OR remark ILIKE $%d OR EXISTS (
			SELECT 1 FROM work_order_lines l JOIN products p ON p.id = l.product_id
			WHERE l.work_order_id = work_orders.id AND (p.name ILIKE $%d OR p.code ILIKE $%d)))`, n, n, n, n))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM work_orders`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	query := fmt.Sprintf(`SELECT %s FROM work_orders%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		workOrderColumns, clause, len(args)-1, len(args))
	orders, err := queryWorkOrders(ctx, s.db, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (s *Store) ListWorkOrdersByStatus(ctx context.Context, status domain.WorkOrderStatus) ([]domain.WorkOrder, error) {
	return listByStatus(ctx, s.db, status, false)
}

func listByStatus(ctx context.Context, q querier, status domain.WorkOrderStatus, forUpdate bool) ([]domain.WorkOrder, error) {
	query := `SELECT ` + workOrderColumns + ` FROM work_orders WHERE status = $1 ORDER BY created_at ASC, id ASC`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return queryWorkOrders(ctx, q, query, status)
}

func (s *Store) BackfillProductionTimes(ctx context.Context, id string, startedAt time.Time, expectedFinishAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_orders
		SET production_started_at = COALESCE(production_started_at, $2),
			expected_finish_at = COALESCE(expected_finish_at, $3)
		WHERE id = $1
	`, id, startedAt, expectedFinishAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const productColumns = `id, code, name, category, price, min_stock, active`

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Category, &p.Price, &p.MinStock, &p.Active)
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(ctx, s.db, id)
}

func getProduct(ctx context.Context, q querier, id string) (*domain.Product, error) {
	p, err := scanProduct(q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

const skuColumns = `id, product_id, size, barcode, stock, reorder_threshold, reorder_target, created_at`

func scanSKU(row rowScanner) (domain.SKU, error) {
	var sku domain.SKU
	var threshold, target sql.NullInt64
	if err := row.Scan(&sku.ID, &sku.ProductID, &sku.Size, &sku.Barcode, &sku.Stock, &threshold, &target, &sku.CreatedAt); err != nil {
		return sku, err
	}
	sku.ReorderThreshold = fromNullInt(threshold)
	sku.ReorderTarget = fromNullInt(target)
	sku.CreatedAt = sku.CreatedAt.UTC()
	return sku, nil
}

func (s *Store) ListSKUs(ctx context.Context, productID string) ([]domain.SKU, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+skuColumns+`
		FROM skus
		WHERE $1 = '' OR product_id = $1
		ORDER BY product_id, size
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	skus := make([]domain.SKU, 0, 32)
	for rows.Next() {
		sku, err := scanSKU(rows)
		if err != nil {
			return nil, err
		}
		skus = append(skus, sku)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return skus, nil
}

func (s *Store) GetSKU(ctx context.Context, id string) (*domain.SKU, error) {
	return getSKU(ctx, s.db, id)
}

func getSKU(ctx context.Context, q querier, id string) (*domain.SKU, error) {
	sku, err := scanSKU(q.QueryRowContext(ctx, `SELECT `+skuColumns+` FROM skus WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sku, nil
}

func (s *Store) FindSKU(ctx context.Context, productID string, size string) (*domain.SKU, error) {
	return findSKU(ctx, s.db, productID, size)
}

func findSKU(ctx context.Context, q querier, productID string, size string) (*domain.SKU, error) {
	sku, err := scanSKU(q.QueryRowContext(ctx, `
		SELECT `+skuColumns+`
		FROM skus
		WHERE product_id = $1 AND upper(size) = upper($2)
	`, productID, strings.TrimSpace(size)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sku, nil
}

func (s *Store) ListInventoryLogs(ctx context.Context, skuID string, limit int) ([]domain.InventoryLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku_id, product_id, size, type, quantity, stock_after,
			COALESCE(ref_type, ''), COALESCE(ref_id, ''), operator, note, created_at
		FROM inventory_logs
		WHERE $1 = '' OR sku_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, skuID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.InventoryLog, 0, limit)
	for rows.Next() {
		var entry domain.InventoryLog
		if err := rows.Scan(
			&entry.ID,
			&entry.SKUID,
			&entry.ProductID,
			&entry.Size,
			&entry.Type,
			&entry.Quantity,
			&entry.StockAfter,
			&entry.RefType,
			&entry.RefID,
			&entry.Operator,
			&entry.Note,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) GetThroughputSettings(ctx context.Context) (*domain.ThroughputSettings, error) {
	var settings domain.ThroughputSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT daily_capacity, work_hours_per_day FROM factory_settings WHERE id = 1
	`).Scan(&settings.DailyCapacity, &settings.WorkHoursPerDay)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &settings, nil
}

func (s *Store) SaveThroughputSettings(ctx context.Context, settings domain.ThroughputSettings) error {
	if settings.DailyCapacity < 1 || settings.WorkHoursPerDay < 1 {
		return store.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO factory_settings (id, daily_capacity, work_hours_per_day, updated_at)
		VALUES (1, $1, $2, now())
		ON CONFLICT (id)
		DO UPDATE SET daily_capacity = EXCLUDED.daily_capacity, work_hours_per_day = EXCLUDED.work_hours_per_day, updated_at = now()
	`, settings.DailyCapacity, settings.WorkHoursPerDay)
	return err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE $1 = '' OR entity_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "operator"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,true,$4,now())
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) CreateWorkOrder(ctx context.Context, wo domain.WorkOrder) (*domain.WorkOrder, error) {
	if len(wo.Lines) == 0 || !wo.Status.Valid() {
		return nil, store.ErrInvalidInput
	}
	if wo.ID == "" {
		wo.ID = xid.New("wo")
	}
	if wo.CreatedAt.IsZero() {
		wo.CreatedAt = time.Now().UTC()
	}
	if wo.UpdatedAt.IsZero() {
		wo.UpdatedAt = wo.CreatedAt
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO work_orders (
			id, order_no, status, expedite, source, production_started_at, expected_finish_at,
			finished_at, inbound_at, total_cost, shipping_fee, assignee, created_by, remark,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		wo.ID, wo.OrderNo, wo.Status, wo.Expedite, wo.Source,
		nullTime(wo.ProductionStartedAt), nullTime(wo.ExpectedFinishAt), nullTime(wo.FinishedAt), nullTime(wo.InboundAt),
		wo.TotalCost, wo.ShippingFee, nullIfEmpty(wo.Assignee), wo.CreatedBy, wo.Remark,
		wo.CreatedAt, wo.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) && !isInProductionViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	for _, line := range wo.Lines {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO work_order_lines (work_order_id, product_id, sku_id, size, quantity, unit_cost, subtotal_cost)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, wo.ID, line.ProductID, nullIfEmpty(line.SKUID), line.Size, line.Quantity, line.UnitCost, line.SubtotalCost)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
	}

	created := wo
	return &created, nil
}

func (t *pgTx) LockWorkOrder(ctx context.Context, id string) (*domain.WorkOrder, error) {
	return getWorkOrder(ctx, t.tx, id, true)
}

func (t *pgTx) LockInProduction(ctx context.Context) (*domain.WorkOrder, error) {
	running, err := listByStatus(ctx, t.tx, domain.StatusInProduction, true)
	if err != nil {
		return nil, err
	}
	if len(running) == 0 {
		return nil, nil
	}
	return &running[0], nil
}

func (t *pgTx) ListWorkOrdersByStatus(ctx context.Context, status domain.WorkOrderStatus) ([]domain.WorkOrder, error) {
	return listByStatus(ctx, t.tx, status, false)
}

func (t *pgTx) UpdateWorkOrder(ctx context.Context, wo domain.WorkOrder) error {
	if !wo.Status.Valid() {
		return store.ErrInvalidInput
	}
	if wo.UpdatedAt.IsZero() {
		wo.UpdatedAt = time.Now().UTC()
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE work_orders
		SET status = $2,
			production_started_at = $3,
			expected_finish_at = $4,
			finished_at = $5,
			inbound_at = $6,
			total_cost = $7,
			shipping_fee = $8,
			assignee = $9,
			remark = $10,
			updated_at = $11
		WHERE id = $1
	`, wo.ID, wo.Status,
		nullTime(wo.ProductionStartedAt), nullTime(wo.ExpectedFinishAt), nullTime(wo.FinishedAt), nullTime(wo.InboundAt),
		wo.TotalCost, wo.ShippingFee, nullIfEmpty(wo.Assignee), wo.Remark, wo.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(ctx, t.tx, id)
}

func (t *pgTx) GetSKU(ctx context.Context, id string) (*domain.SKU, error) {
	return getSKU(ctx, t.tx, id)
}

func (t *pgTx) FindSKU(ctx context.Context, productID string, size string) (*domain.SKU, error) {
	return findSKU(ctx, t.tx, productID, size)
}

func (t *pgTx) CreateSKU(ctx context.Context, sku domain.SKU) (*domain.SKU, error) {
	if sku.ProductID == "" {
		return nil, store.ErrInvalidInput
	}
	if sku.ID == "" {
		sku.ID = xid.New("sku")
	}
	if sku.CreatedAt.IsZero() {
		sku.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO skus (id, product_id, size, barcode, stock, reorder_threshold, reorder_target, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, sku.ID, sku.ProductID, sku.Size, sku.Barcode, sku.Stock, nullInt(sku.ReorderThreshold), nullInt(sku.ReorderTarget), sku.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	created := sku
	return &created, nil
}

func (t *pgTx) AdjustSKUStock(ctx context.Context, skuID string, delta int) (int, error) {
	var stock int
	err := t.tx.QueryRowContext(ctx, `SELECT stock FROM skus WHERE id = $1 FOR UPDATE`, skuID).Scan(&stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	next := stock + delta
	if next < 0 {
		return 0, store.ErrInvalidInput
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE skus SET stock = $2, updated_at = now() WHERE id = $1`, skuID, next); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *pgTx) AppendInventoryLog(ctx context.Context, entry domain.InventoryLog) error {
	if entry.SKUID == "" || entry.Type == "" {
		return store.ErrInvalidInput
	}
	if entry.ID == "" {
		entry.ID = xid.New("invlog")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_logs (id, sku_id, product_id, size, type, quantity, stock_after, ref_type, ref_id, operator, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, entry.ID, entry.SKUID, entry.ProductID, entry.Size, entry.Type, entry.Quantity, entry.StockAfter,
		nullIfEmpty(entry.RefType), nullIfEmpty(entry.RefID), entry.Operator, entry.Note, entry.CreatedAt)
	return err
}

// mapError turns lock timeouts, serialization failures and a lost race for
// the production line into store.ErrContention.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "55P03", pgErr.Code == "40001", pgErr.Code == "40P01":
		return fmt.Errorf("%w: %s", store.ErrContention, pgErr.Message)
	case isInProductionViolation(err):
		return fmt.Errorf("%w: production line already occupied", store.ErrContention)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isInProductionViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == inProductionIndex
	}
	return false
}

func fromNullTime(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func fromNullInt(val sql.NullInt64) *int {
	if !val.Valid {
		return nil
	}
	v := int(val.Int64)
	return &v
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullInt(val *int) any {
	if val == nil {
		return nil
	}
	return *val
}
