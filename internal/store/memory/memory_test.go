package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konveksi/backend/internal/domain"
	"konveksi/backend/internal/store"
)

func testOrder(id string, status domain.WorkOrderStatus, at time.Time) domain.WorkOrder {
	return domain.WorkOrder{
		ID:        id,
		OrderNo:   "FO-" + id,
		Status:    status,
		Source:    domain.SourceManual,
		CreatedAt: at,
		CreatedBy: "admin",
		Lines: []domain.WorkOrderLine{{
			ProductID:    "prd-kaos-polos",
			Size:         "M",
			Quantity:     5,
			UnitCost:     decimal.NewFromInt(30000),
			SubtotalCost: decimal.NewFromInt(150000),
		}},
	}
}

func TestWithinTxRollsBackEveryChange(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	before, err := s.GetSKU(ctx, "sku-kaos-polos-m")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.CreateWorkOrder(ctx, testOrder("wo-1", domain.StatusPlanned, time.Now())); err != nil {
			return err
		}
		if _, err := tx.AdjustSKUStock(ctx, "sku-kaos-polos-m", 25); err != nil {
			return err
		}
		if err := tx.AppendInventoryLog(ctx, domain.InventoryLog{SKUID: "sku-kaos-polos-m", Type: domain.InventoryFactoryIn, Quantity: 25}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetWorkOrder(ctx, "wo-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	after, err := s.GetSKU(ctx, "sku-kaos-polos-m")
	require.NoError(t, err)
	assert.Equal(t, before.Stock, after.Stock)
	logs, err := s.ListInventoryLogs(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestSecondInProductionIsContention(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.CreateWorkOrder(ctx, testOrder("wo-a", domain.StatusInProduction, now)); err != nil {
			return err
		}
		_, err := tx.CreateWorkOrder(ctx, testOrder("wo-b", domain.StatusApproved, now.Add(time.Second)))
		return err
	}))

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		wo, err := tx.LockWorkOrder(ctx, "wo-b")
		if err != nil {
			return err
		}
		wo.Status = domain.StatusInProduction
		return tx.UpdateWorkOrder(ctx, *wo)
	})
	require.ErrorIs(t, err, store.ErrContention)

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		running, err := tx.LockInProduction(ctx)
		require.NoError(t, err)
		require.NotNil(t, running)
		assert.Equal(t, "wo-a", running.ID)
		return nil
	}))
}

func TestUpdateKeepsLinesAndCreation(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	created := time.Date(2026, 10, 1, 7, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.CreateWorkOrder(ctx, testOrder("wo-1", domain.StatusPlanned, created))
		return err
	}))
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.UpdateWorkOrder(ctx, domain.WorkOrder{ID: "wo-1", Status: domain.StatusApproved, Assignee: "operator"})
	}))

	got, err := s.GetWorkOrder(ctx, "wo-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	assert.Equal(t, created, got.CreatedAt)
	assert.Len(t, got.Lines, 1)
}

func TestListWorkOrdersFiltersAndPages(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 7, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		for i, id := range []string{"wo-1", "wo-2", "wo-3"} {
			wo := testOrder(id, domain.StatusApproved, base.Add(time.Duration(i)*time.Minute))
			if id == "wo-2" {
				wo.Source = domain.SourceAutoReplenish
				wo.Remark = "restock hoodie"
			}
			if _, err := tx.CreateWorkOrder(ctx, wo); err != nil {
				return err
			}
		}
		return nil
	}))

	page, total, err := s.ListWorkOrders(ctx, domain.WorkOrderFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "wo-3", page[0].ID)

	page, total, err = s.ListWorkOrders(ctx, domain.WorkOrderFilter{Source: domain.SourceAutoReplenish, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "wo-2", page[0].ID)

	_, total, err = s.ListWorkOrders(ctx, domain.WorkOrderFilter{Keyword: "kaos polos", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	page, _, err = s.ListWorkOrders(ctx, domain.WorkOrderFilter{Page: 5, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestSKUHelpers(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	sku, err := s.FindSKU(ctx, "prd-hoodie", " xl ")
	require.NoError(t, err)
	assert.Equal(t, "XL", sku.Size)
	assert.Len(t, sku.Barcode, 13)

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.AdjustSKUStock(ctx, sku.ID, -1000)
		return err
	})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.CreateSKU(ctx, domain.SKU{ProductID: "prd-hoodie", Size: "XL"})
		return err
	})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestBackfillOnlyFillsMissingTimes(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	started := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

	wo := testOrder("wo-1", domain.StatusInProduction, started)
	wo.ProductionStartedAt = &started
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.CreateWorkOrder(ctx, wo)
		return err
	}))

	require.NoError(t, s.BackfillProductionTimes(ctx, "wo-1", started.Add(time.Hour), started.Add(3*time.Hour)))
	got, err := s.GetWorkOrder(ctx, "wo-1")
	require.NoError(t, err)
	assert.Equal(t, started, *got.ProductionStartedAt)
	assert.Equal(t, started.Add(3*time.Hour), *got.ExpectedFinishAt)
}
