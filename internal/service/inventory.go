package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"konveksi/backend/internal/domain"
	"konveksi/backend/internal/store"
	"konveksi/backend/internal/xid"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) ListSKUs(ctx context.Context, productID string) ([]domain.SKU, error) {
	return s.repo.ListSKUs(ctx, strings.TrimSpace(productID))
}

func (s *Service) ListInventoryLogs(ctx context.Context, skuID string, limit int) ([]domain.InventoryLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListInventoryLogs(ctx, strings.TrimSpace(skuID), limit)
}

// AdjustStock applies a manual or sales stock movement to one SKU and
// notifies stock subscribers once it is committed.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (domain.SKU, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.SKU{}, err
	}
	req.SKUID = strings.TrimSpace(req.SKUID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.SKUID == "" || req.Delta == 0 {
		return domain.SKU{}, fmt.Errorf("%w: sku_id and a non-zero delta are required", store.ErrInvalidInput)
	}
	if req.Reason == "" {
		return domain.SKU{}, fmt.Errorf("%w: reason is required", store.ErrInvalidInput)
	}

	var adjusted domain.SKU
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		sku, err := tx.GetSKU(ctx, req.SKUID)
		if err != nil {
			return err
		}
		stock, err := tx.AdjustSKUStock(ctx, sku.ID, req.Delta)
		if err != nil {
			return err
		}
		if err := tx.AppendInventoryLog(ctx, domain.InventoryLog{
			ID:         xid.New("invlog"),
			SKUID:      sku.ID,
			ProductID:  sku.ProductID,
			Size:       sku.Size,
			Type:       domain.InventoryAdjust,
			Quantity:   req.Delta,
			StockAfter: stock,
			RefType:    "adjustment",
			Operator:   actor.Username,
			Note:       req.Reason,
			CreatedAt:  s.now(),
		}); err != nil {
			return err
		}
		sku.Stock = stock
		adjusted = *sku
		return nil
	})
	if err != nil {
		return domain.SKU{}, err
	}

	s.logAudit(ctx, "stock_adjust", "sku", adjusted.ID, fmt.Sprintf("delta=%d,stock=%d,reason=%s", req.Delta, adjusted.Stock, req.Reason))
	s.publish(actor, "stock_adjust", []domain.StockChange{{ProductID: adjusted.ProductID, SKUID: adjusted.ID, Size: adjusted.Size}})
	return adjusted, nil
}

// ReportStockChanged lets services that own other stock flows hand a
// stockChanged event to the subscribers.
func (s *Service) ReportStockChanged(ctx context.Context, req domain.StockChangedRequest) (domain.StockChangedEvent, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.StockChangedEvent{}, err
	}
	affected := lo.Map(req.Affected, func(c domain.StockChange, _ int) domain.StockChange {
		return domain.StockChange{
			ProductID: strings.TrimSpace(c.ProductID),
			SKUID:     strings.TrimSpace(c.SKUID),
			Size:      normalizeSize(c.Size),
		}
	})
	if len(affected) == 0 || lo.ContainsBy(affected, func(c domain.StockChange) bool { return c.ProductID == "" }) {
		return domain.StockChangedEvent{}, fmt.Errorf("%w: every affected entry needs a product_id", store.ErrInvalidInput)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "external"
	}

	event := domain.StockChangedEvent{
		ID:         xid.New("evt"),
		Affected:   lo.Uniq(affected),
		OperatorID: actor.Username,
		Reason:     reason,
		OccurredAt: s.now(),
	}
	s.publisher.Publish(event)
	return event, nil
}
