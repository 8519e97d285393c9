package replenish

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"konveksi/backend/internal/domain"
	"konveksi/backend/internal/metrics"
	"konveksi/backend/internal/store"
)

// Catalog is the read side of the inventory store the evaluator needs.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetSKU(ctx context.Context, id string) (*domain.SKU, error)
	FindSKU(ctx context.Context, productID string, size string) (*domain.SKU, error)
	ListSKUs(ctx context.Context, productID string) ([]domain.SKU, error)
	ListWorkOrdersByStatus(ctx context.Context, status domain.WorkOrderStatus) ([]domain.WorkOrder, error)
}

type OrderCreator interface {
	CreateAutoReplenishOrder(ctx context.Context, lines []domain.WorkOrderLineInput, remark string) (domain.TransitionResponse, error)
}

type Config struct {
	// DefaultThreshold applies when neither the SKU nor its product sets one.
	DefaultThreshold int
	// DefaultTarget is the planned stock level when the SKU sets none;
	// zero means twice the threshold.
	DefaultTarget int
	// CountOpenOrders treats quantities of planned, approved and in-production
	// orders as stock already on hand. Off by default: the threshold and the
	// ordered quantity are then based on current stock only.
	CountOpenOrders bool
}

// costRatio estimates the production cost of a garment from its selling price.
var costRatio = decimal.NewFromFloat(0.55)

// openStatuses are the states in which an order will still add stock.
var openStatuses = []domain.WorkOrderStatus{domain.StatusPlanned, domain.StatusApproved, domain.StatusInProduction}

type Evaluator struct {
	catalog Catalog
	orders  OrderCreator
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewEvaluator(catalog Catalog, orders OrderCreator, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		catalog: catalog,
		orders:  orders,
		cfg:     cfg,
		logger:  logger.Named("replenish"),
		metrics: m,
	}
}

func (e *Evaluator) HandleStockChanged(ctx context.Context, event domain.StockChangedEvent) error {
	_, err := e.Evaluate(ctx, event.Affected, event.Reason)
	return err
}

// Evaluate checks every SKU touched by affected and, when any of them is
// below its reorder threshold, creates one auto-replenish order topping
// them up to target. It returns nil when nothing needed ordering.
func (e *Evaluator) Evaluate(ctx context.Context, affected []domain.StockChange, reason string) (*domain.TransitionResponse, error) {
	skus, err := e.resolve(ctx, affected)
	if err != nil {
		return nil, err
	}
	if len(skus) == 0 {
		return nil, nil
	}
	pending := map[string]int{}
	if e.cfg.CountOpenOrders {
		if pending, err = e.pendingBySKU(ctx); err != nil {
			return nil, err
		}
	}

	products := make(map[string]*domain.Product)
	lines := make([]domain.WorkOrderLineInput, 0, len(skus))
	for _, sku := range skus {
		product, ok := products[sku.ProductID]
		if !ok {
			product, err = e.catalog.GetProduct(ctx, sku.ProductID)
			if err != nil {
				return nil, fmt.Errorf("product %s: %w", sku.ProductID, err)
			}
			products[sku.ProductID] = product
		}
		if !product.Active {
			continue
		}

		threshold := e.threshold(sku, *product)
		if threshold < 1 {
			continue
		}
		onHand := sku.Stock + pending[skuKey(sku.ProductID, sku.Size)]
		if onHand >= threshold {
			continue
		}
		needed := e.target(sku, threshold) - onHand
		if needed < 1 {
			continue
		}
		lines = append(lines, domain.WorkOrderLineInput{
			ProductID: sku.ProductID,
			SKUID:     sku.ID,
			Size:      sku.Size,
			Quantity:  needed,
			UnitCost:  product.Price.Mul(costRatio).Round(2),
		})
		e.logger.Debug("sku below reorder threshold",
			zap.String("sku_id", sku.ID),
			zap.Int("stock", sku.Stock),
			zap.Int("pending", pending[skuKey(sku.ProductID, sku.Size)]),
			zap.Int("threshold", threshold),
			zap.Int("needed", needed),
		)
	}
	if len(lines) == 0 {
		return nil, nil
	}

	remark := "auto replenish"
	if reason = strings.TrimSpace(reason); reason != "" {
		remark += " (" + reason + ")"
	}
	resp, err := e.orders.CreateAutoReplenishOrder(ctx, lines, remark)
	if err != nil {
		return nil, fmt.Errorf("create auto replenish order: %w", err)
	}
	if e.metrics != nil {
		e.metrics.ReplenishOrders.Inc()
	}
	e.logger.Info("auto replenish order created",
		zap.String("order_id", resp.Order.ID),
		zap.String("order_no", resp.Order.OrderNo),
		zap.Int("lines", len(lines)),
		zap.String("status", resp.Status),
	)
	return &resp, nil
}

// resolve turns stock changes into distinct SKUs. A change without SKU or
// size covers every SKU of the product.
func (e *Evaluator) resolve(ctx context.Context, affected []domain.StockChange) ([]domain.SKU, error) {
	resolved := make([]domain.SKU, 0, len(affected))
	for _, change := range affected {
		switch {
		case change.SKUID != "":
			sku, err := e.catalog.GetSKU(ctx, change.SKUID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					e.logger.Warn("stock change for unknown sku ignored", zap.String("sku_id", change.SKUID))
					continue
				}
				return nil, err
			}
			resolved = append(resolved, *sku)
		case change.Size != "":
			sku, err := e.catalog.FindSKU(ctx, change.ProductID, change.Size)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, err
			}
			resolved = append(resolved, *sku)
		case change.ProductID != "":
			skus, err := e.catalog.ListSKUs(ctx, change.ProductID)
			if err != nil {
				return nil, err
			}
			resolved = append(resolved, skus...)
		}
	}
	resolved = lo.UniqBy(resolved, func(s domain.SKU) string { return s.ID })
	slices.SortFunc(resolved, func(a, b domain.SKU) int {
		if a.ProductID == b.ProductID {
			return strings.Compare(a.Size, b.Size)
		}
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return resolved, nil
}

// pendingBySKU sums the quantities of open work orders, so stock that is
// already being produced is not ordered twice.
func (e *Evaluator) pendingBySKU(ctx context.Context) (map[string]int, error) {
	pending := make(map[string]int)
	for _, status := range openStatuses {
		orders, err := e.catalog.ListWorkOrdersByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, wo := range orders {
			for _, line := range wo.Lines {
				pending[skuKey(line.ProductID, line.Size)] += line.Quantity
			}
		}
	}
	return pending, nil
}

// skuKey identifies a SKU by product and size, which is how lines without
// a SKU reference are received.
func skuKey(productID string, size string) string {
	return productID + "|" + strings.ToUpper(strings.TrimSpace(size))
}

func (e *Evaluator) threshold(sku domain.SKU, product domain.Product) int {
	if sku.ReorderThreshold != nil {
		return *sku.ReorderThreshold
	}
	if product.MinStock > 0 {
		return product.MinStock
	}
	return e.cfg.DefaultThreshold
}

func (e *Evaluator) target(sku domain.SKU, threshold int) int {
	if sku.ReorderTarget != nil && *sku.ReorderTarget > 0 {
		return *sku.ReorderTarget
	}
	if e.cfg.DefaultTarget > 0 {
		return e.cfg.DefaultTarget
	}
	return threshold * 2
}
