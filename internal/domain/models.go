package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type WorkOrderStatus string

const (
	StatusPlanned      WorkOrderStatus = "planned"
	StatusApproved     WorkOrderStatus = "approved"
	StatusInProduction WorkOrderStatus = "in_production"
	StatusCompleted    WorkOrderStatus = "completed"
	StatusShipped      WorkOrderStatus = "shipped"
	StatusCancelled    WorkOrderStatus = "cancelled"
)

func (s WorkOrderStatus) Valid() bool {
	switch s {
	case StatusPlanned, StatusApproved, StatusInProduction, StatusCompleted, StatusShipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further production can happen for the order.
func (s WorkOrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusShipped || s == StatusCancelled
}

type WorkOrderSource string

const (
	SourceManual        WorkOrderSource = "manual"
	SourceAutoReplenish WorkOrderSource = "auto_replenish"
)

type WorkOrder struct {
	ID                  string          `json:"id"`
	OrderNo             string          `json:"order_no"`
	Status              WorkOrderStatus `json:"status"`
	Expedite            bool            `json:"expedite"`
	Source              WorkOrderSource `json:"source"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	ProductionStartedAt *time.Time      `json:"production_started_at,omitempty"`
	ExpectedFinishAt    *time.Time      `json:"expected_finish_at,omitempty"`
	FinishedAt          *time.Time      `json:"finished_at,omitempty"`
	InboundAt           *time.Time      `json:"inbound_at,omitempty"`
	TotalCost           decimal.Decimal `json:"total_cost"`
	ShippingFee         decimal.Decimal `json:"shipping_fee"`
	Assignee            string          `json:"assignee,omitempty"`
	CreatedBy           string          `json:"created_by"`
	Remark              string          `json:"remark,omitempty"`
	Lines               []WorkOrderLine `json:"lines"`

	// Scheduler view, filled on listing only.
	QueuePosition     int    `json:"queue_position,omitempty"`
	PausedRemainingMS *int64 `json:"paused_remaining_ms,omitempty"`
}

// TotalQuantity is the number of garments the order asks the line to produce.
func (w WorkOrder) TotalQuantity() int {
	total := 0
	for _, line := range w.Lines {
		total += line.Quantity
	}
	return total
}

type WorkOrderLine struct {
	ProductID    string          `json:"product_id"`
	SKUID        string          `json:"sku_id,omitempty"`
	Size         string          `json:"size,omitempty"`
	Quantity     int             `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	SubtotalCost decimal.Decimal `json:"subtotal_cost"`
}

type WorkOrderLineInput struct {
	ProductID string          `json:"product_id"`
	SKUID     string          `json:"sku_id,omitempty"`
	Size      string          `json:"size,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

type WorkOrderCreateRequest struct {
	Lines    []WorkOrderLineInput `json:"lines"`
	Expedite bool                 `json:"expedite"`
	Remark   string               `json:"remark"`
}

type WorkOrderFilter struct {
	Status   WorkOrderStatus `json:"status,omitempty"`
	Source   WorkOrderSource `json:"source,omitempty"`
	Keyword  string          `json:"keyword,omitempty"`
	Expedite *bool           `json:"expedite,omitempty"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

type WorkOrderListResponse struct {
	Orders   []WorkOrder `json:"orders"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

type MoveDirection string

const (
	MoveUp   MoveDirection = "up"
	MoveDown MoveDirection = "down"
)

type MoveRequest struct {
	Direction MoveDirection `json:"direction"`
}

// TransitionResponse is returned by every lifecycle operation. Preempted names
// the order that was paused to make room, if any; Started is the order that
// the line picked up as a consequence of the operation, which is not always
// the order the operation targeted.
type TransitionResponse struct {
	Order     WorkOrder  `json:"order"`
	Status    string     `json:"status"`
	Preempted *WorkOrder `json:"preempted,omitempty"`
	Started   *WorkOrder `json:"started,omitempty"`
}

type ThroughputSettings struct {
	DailyCapacity   int `json:"daily_capacity"`
	WorkHoursPerDay int `json:"work_hours_per_day"`
}

type Product struct {
	ID       string          `json:"id"`
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Price    decimal.Decimal `json:"price"`
	MinStock int             `json:"min_stock"`
	Active   bool            `json:"active"`
}

type SKU struct {
	ID               string    `json:"id"`
	ProductID        string    `json:"product_id"`
	Size             string    `json:"size"`
	Barcode          string    `json:"barcode"`
	Stock            int       `json:"stock"`
	ReorderThreshold *int      `json:"reorder_threshold,omitempty"`
	ReorderTarget    *int      `json:"reorder_target,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type InventoryLogType string

const (
	InventoryFactoryIn InventoryLogType = "factory_in"
	InventoryAdjust    InventoryLogType = "adjust"
)

type InventoryLog struct {
	ID         string           `json:"id"`
	SKUID      string           `json:"sku_id"`
	ProductID  string           `json:"product_id"`
	Size       string           `json:"size,omitempty"`
	Type       InventoryLogType `json:"type"`
	Quantity   int              `json:"quantity"`
	StockAfter int              `json:"stock_after"`
	RefType    string           `json:"ref_type,omitempty"`
	RefID      string           `json:"ref_id,omitempty"`
	Operator   string           `json:"operator"`
	Note       string           `json:"note,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

type StockAdjustmentRequest struct {
	SKUID  string `json:"sku_id"`
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

// StockChange identifies one SKU (or product-level bucket) whose stock moved.
type StockChange struct {
	ProductID string `json:"product_id"`
	SKUID     string `json:"sku_id,omitempty"`
	Size      string `json:"size,omitempty"`
}

type StockChangedEvent struct {
	ID         string        `json:"id"`
	Affected   []StockChange `json:"affected"`
	OperatorID string        `json:"operator_id"`
	Reason     string        `json:"reason"`
	OccurredAt time.Time     `json:"occurred_at"`
}

type StockChangedRequest struct {
	Affected []StockChange `json:"affected"`
	Reason   string        `json:"reason"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
