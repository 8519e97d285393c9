package store

import (
	"context"
	"errors"
	"time"

	"konveksi/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrContention is returned when a row lock could not be taken in time or
	// the single in-production slot was claimed by a concurrent transaction.
	ErrContention = errors.New("resource busy, retry the operation")
)

// Repository is the work order store plus the inventory collaborator.
// Reads outside WithinTx see committed data only.
type Repository interface {
	// WithinTx runs fn in one all-or-nothing unit. Any error returned by fn
	// discards every change fn made through tx.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetWorkOrder(ctx context.Context, id string) (*domain.WorkOrder, error)
	ListWorkOrders(ctx context.Context, filter domain.WorkOrderFilter) ([]domain.WorkOrder, int, error)
	ListWorkOrdersByStatus(ctx context.Context, status domain.WorkOrderStatus) ([]domain.WorkOrder, error)
	BackfillProductionTimes(ctx context.Context, id string, startedAt time.Time, expectedFinishAt time.Time) error

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListSKUs(ctx context.Context, productID string) ([]domain.SKU, error)
	GetSKU(ctx context.Context, id string) (*domain.SKU, error)
	FindSKU(ctx context.Context, productID string, size string) (*domain.SKU, error)
	ListInventoryLogs(ctx context.Context, skuID string, limit int) ([]domain.InventoryLog, error)

	GetThroughputSettings(ctx context.Context) (*domain.ThroughputSettings, error)
	SaveThroughputSettings(ctx context.Context, settings domain.ThroughputSettings) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is the view of the store inside one transaction. Lock* methods take a
// row lock held until the transaction ends.
type Tx interface {
	CreateWorkOrder(ctx context.Context, order domain.WorkOrder) (*domain.WorkOrder, error)
	LockWorkOrder(ctx context.Context, id string) (*domain.WorkOrder, error)
	// LockInProduction returns nil, nil when the line is idle.
	LockInProduction(ctx context.Context) (*domain.WorkOrder, error)
	ListWorkOrdersByStatus(ctx context.Context, status domain.WorkOrderStatus) ([]domain.WorkOrder, error)
	// UpdateWorkOrder persists header fields; lines are immutable after create.
	UpdateWorkOrder(ctx context.Context, order domain.WorkOrder) error

	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetSKU(ctx context.Context, id string) (*domain.SKU, error)
	FindSKU(ctx context.Context, productID string, size string) (*domain.SKU, error)
	CreateSKU(ctx context.Context, sku domain.SKU) (*domain.SKU, error)
	// AdjustSKUStock adds delta to the SKU stock and returns the new level.
	// The stock never goes below zero.
	AdjustSKUStock(ctx context.Context, skuID string, delta int) (int, error)
	AppendInventoryLog(ctx context.Context, entry domain.InventoryLog) error
}
