package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"konveksi/backend/internal/domain"
	"konveksi/backend/internal/scheduler"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// queueView is a read-only copy of what the scheduler knows about waiting
// orders, taken for one listing.
type queueView struct {
	queue []domain.WorkOrder
	state *scheduler.State
}

func (s *Service) queueSnapshot(ctx context.Context) queueView {
	approved, err := s.repo.ListWorkOrdersByStatus(ctx, domain.StatusApproved)
	if err != nil {
		s.logger.Warn("failed to read approved orders for queue view", zap.Error(err))
	}

	s.lineMu.Lock()
	state := s.state.Clone()
	s.lineMu.Unlock()

	return queueView{
		queue: scheduler.Queue(approved, state.Preference()),
		state: state,
	}
}

func (s *Service) decorate(wo domain.WorkOrder, view queueView) domain.WorkOrder {
	wo.QueuePosition = 0
	wo.PausedRemainingMS = nil
	if wo.Status != domain.StatusApproved {
		return wo
	}
	wo.QueuePosition = scheduler.Position(view.queue, wo.ID)
	if remaining, ok := view.state.Paused(wo.ID); ok {
		ms := remaining.Milliseconds()
		wo.PausedRemainingMS = &ms
	}
	return wo
}

// ListOrders returns work orders newest first. In-production orders missing
// their display timestamps get them filled in, persisted best-effort.
func (s *Service) ListOrders(ctx context.Context, filter domain.WorkOrderFilter) (domain.WorkOrderListResponse, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = defaultPageSize
	}
	if filter.PageSize > maxPageSize {
		filter.PageSize = maxPageSize
	}

	orders, total, err := s.repo.ListWorkOrders(ctx, filter)
	if err != nil {
		return domain.WorkOrderListResponse{}, err
	}

	settings := s.ThroughputSettings(ctx)
	view := s.queueSnapshot(ctx)
	for i := range orders {
		s.backfill(ctx, &orders[i], settings)
		orders[i] = s.decorate(orders[i], view)
	}

	return domain.WorkOrderListResponse{
		Orders:   orders,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	}, nil
}

func (s *Service) GetWorkOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	wo, err := s.repo.GetWorkOrder(ctx, id)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	s.backfill(ctx, wo, s.ThroughputSettings(ctx))
	return s.decorate(*wo, s.queueSnapshot(ctx)), nil
}

func (s *Service) backfill(ctx context.Context, wo *domain.WorkOrder, settings domain.ThroughputSettings) {
	if wo.Status != domain.StatusInProduction {
		return
	}
	if wo.ProductionStartedAt != nil && wo.ExpectedFinishAt != nil {
		return
	}

	var started time.Time
	switch {
	case wo.ProductionStartedAt != nil:
		started = *wo.ProductionStartedAt
	case !wo.UpdatedAt.IsZero():
		started = wo.UpdatedAt
	default:
		started = s.now()
	}
	expected := scheduler.ExpectedFinish(settings, started, wo.TotalQuantity())
	if wo.ExpectedFinishAt != nil {
		expected = *wo.ExpectedFinishAt
	}
	wo.ProductionStartedAt = &started
	wo.ExpectedFinishAt = &expected

	if err := s.repo.BackfillProductionTimes(ctx, wo.ID, started, expected); err != nil {
		s.logger.Warn("failed to persist production time backfill", zap.String("order_id", wo.ID), zap.Error(err))
	}
}
