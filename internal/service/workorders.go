package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"konveksi/backend/internal/domain"
	"konveksi/backend/internal/scheduler"
	"konveksi/backend/internal/store"
	"konveksi/backend/internal/xid"
)

const (
	maxRemarkLength = 500
	// maxOrderQuantity bounds the garments of one work order, per line and in total.
	maxOrderQuantity = 1_000_000
)

// CreateWorkOrder records a manual work order in planned status.
func (s *Service) CreateWorkOrder(ctx context.Context, req domain.WorkOrderCreateRequest) (domain.WorkOrder, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.WorkOrder{}, err
	}

	var created *domain.WorkOrder
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		wo, err := s.buildWorkOrder(ctx, tx, req.Lines, req.Remark)
		if err != nil {
			return err
		}
		wo.Status = domain.StatusPlanned
		wo.Source = domain.SourceManual
		wo.Expedite = req.Expedite
		wo.CreatedBy = actor.Username
		created, err = tx.CreateWorkOrder(ctx, wo)
		return err
	})
	if err != nil {
		return domain.WorkOrder{}, err
	}

	s.logAudit(ctx, "work_order_create", "work_order", created.ID,
		fmt.Sprintf("order_no=%s,expedite=%t,qty=%d,total=%s", created.OrderNo, created.Expedite, created.TotalQuantity(), created.TotalCost.StringFixed(2)))
	return *created, nil
}

// CreateAutoReplenishOrder records an approved normal order on behalf of the
// replenishment evaluator and offers it to the idle line in a second
// transaction, so a busy or contended line never loses the order itself.
func (s *Service) CreateAutoReplenishOrder(ctx context.Context, lines []domain.WorkOrderLineInput, remark string) (domain.TransitionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = systemActor
		ctx = WithActor(ctx, actor)
	}

	var created *domain.WorkOrder
	_, err := s.runLine(ctx, actor, func(lt *lineTx) error {
		wo, err := s.buildWorkOrder(ctx, lt.tx, lines, remark)
		if err != nil {
			return err
		}
		wo.Status = domain.StatusApproved
		wo.Source = domain.SourceAutoReplenish
		wo.Expedite = false
		wo.CreatedBy = actor.Username
		wo.Assignee = actor.Username
		created, err = lt.tx.CreateWorkOrder(ctx, wo)
		if err != nil {
			return err
		}
		lt.state.Enqueue(created.ID)
		return nil
	})
	if err != nil {
		return domain.TransitionResponse{}, err
	}
	s.logAudit(ctx, "work_order_auto_replenish", "work_order", created.ID,
		fmt.Sprintf("order_no=%s,qty=%d,remark=%s", created.OrderNo, created.TotalQuantity(), created.Remark))

	resp := domain.TransitionResponse{Order: *created, Status: string(created.Status)}
	lt, err := s.runLine(ctx, actor, func(lt *lineTx) error {
		return lt.autoStartNext()
	})
	if err != nil {
		s.logger.Warn("auto-start after replenish order failed", zap.String("order_id", created.ID), zap.Error(err))
		return resp, nil
	}
	resp.Started = lt.started
	if lt.started != nil && lt.started.ID == created.ID {
		resp.Order = *lt.started
		resp.Status = string(lt.started.Status)
	}
	return resp, nil
}

func (s *Service) buildWorkOrder(ctx context.Context, tx store.Tx, inputs []domain.WorkOrderLineInput, remark string) (domain.WorkOrder, error) {
	if len(inputs) == 0 {
		return domain.WorkOrder{}, fmt.Errorf("%w: work order needs at least one line", store.ErrInvalidInput)
	}
	remark = strings.TrimSpace(remark)
	if len(remark) > maxRemarkLength {
		return domain.WorkOrder{}, fmt.Errorf("%w: remark longer than %d characters", store.ErrInvalidInput, maxRemarkLength)
	}

	lines := make([]domain.WorkOrderLine, 0, len(inputs))
	total := decimal.Zero
	units := 0
	for i, in := range inputs {
		n := i + 1
		if in.Quantity < 1 {
			return domain.WorkOrder{}, fmt.Errorf("%w: line %d quantity must be at least 1", store.ErrInvalidInput, n)
		}
		if in.Quantity > maxOrderQuantity {
			return domain.WorkOrder{}, fmt.Errorf("%w: line %d quantity exceeds %d", store.ErrInvalidInput, n, maxOrderQuantity)
		}
		units += in.Quantity
		if units > maxOrderQuantity {
			return domain.WorkOrder{}, fmt.Errorf("%w: order quantity exceeds %d", store.ErrInvalidInput, maxOrderQuantity)
		}
		if in.UnitCost.IsNegative() {
			return domain.WorkOrder{}, fmt.Errorf("%w: line %d unit cost cannot be negative", store.ErrInvalidInput, n)
		}
		productID := strings.TrimSpace(in.ProductID)
		if productID == "" {
			return domain.WorkOrder{}, fmt.Errorf("%w: line %d product is required", store.ErrInvalidInput, n)
		}
		if _, err := tx.GetProduct(ctx, productID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.WorkOrder{}, fmt.Errorf("%w: line %d unknown product %s", store.ErrInvalidInput, n, productID)
			}
			return domain.WorkOrder{}, err
		}

		size := normalizeSize(in.Size)
		skuID := strings.TrimSpace(in.SKUID)
		if skuID != "" {
			sku, err := tx.GetSKU(ctx, skuID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return domain.WorkOrder{}, fmt.Errorf("%w: line %d unknown sku %s", store.ErrInvalidInput, n, skuID)
				}
				return domain.WorkOrder{}, err
			}
			if sku.ProductID != productID {
				return domain.WorkOrder{}, fmt.Errorf("%w: line %d sku %s does not belong to product %s", store.ErrInvalidInput, n, skuID, productID)
			}
			if size == "" {
				size = normalizeSize(sku.Size)
			}
		}

		subtotal := in.UnitCost.Mul(decimal.NewFromInt(int64(in.Quantity)))
		total = total.Add(subtotal)
		lines = append(lines, domain.WorkOrderLine{
			ProductID:    productID,
			SKUID:        skuID,
			Size:         size,
			Quantity:     in.Quantity,
			UnitCost:     in.UnitCost,
			SubtotalCost: subtotal,
		})
	}

	now := s.now()
	return domain.WorkOrder{
		ID:          xid.New("wo"),
		OrderNo:     xid.OrderNo(now),
		CreatedAt:   now,
		UpdatedAt:   now,
		TotalCost:   total,
		ShippingFee: decimal.Zero,
		Remark:      remark,
		Lines:       lines,
	}, nil
}

// Approve moves the order to approved, assigns the acting operator and lets
// the line react: an expedite order preempts a running normal one, and an
// idle line starts the queue head.
func (s *Service) Approve(ctx context.Context, orderID string) (domain.TransitionResponse, error) {
	return s.transition(ctx, "work_order_approve", orderID, func(lt *lineTx, wo *domain.WorkOrder) error {
		next, err := scheduler.Transition(*wo, scheduler.EventApprove)
		if err != nil {
			return err
		}
		wo.Status = next
		wo.Assignee = lt.actor.Username
		wo.UpdatedAt = lt.now
		if err := lt.tx.UpdateWorkOrder(lt.ctx, *wo); err != nil {
			return err
		}
		if !wo.Expedite {
			lt.state.Enqueue(wo.ID)
		}
		lt.events = append(lt.events, scheduler.EventApprove)
		return lt.admit(*wo)
	})
}

// Start asks the line to produce the order. On a busy line the order stays
// approved unless it may preempt. On an idle line the order itself starts
// unless an earlier expedite order is waiting, which then starts instead.
func (s *Service) Start(ctx context.Context, orderID string) (domain.TransitionResponse, error) {
	return s.transition(ctx, "work_order_start", orderID, func(lt *lineTx, wo *domain.WorkOrder) error {
		if _, err := scheduler.Transition(*wo, scheduler.EventStart); err != nil {
			return err
		}
		if !wo.Expedite {
			lt.state.Enqueue(wo.ID)
			if err := lt.promoteOnIdleLine(*wo); err != nil {
				return err
			}
		}
		return lt.admit(*wo)
	})
}

func (s *Service) Complete(ctx context.Context, orderID string) (domain.TransitionResponse, error) {
	return s.transition(ctx, "work_order_complete", orderID, func(lt *lineTx, wo *domain.WorkOrder) error {
		next, err := scheduler.Transition(*wo, scheduler.EventComplete)
		if err != nil {
			return err
		}
		finished := lt.now
		wo.Status = next
		wo.FinishedAt = &finished
		wo.UpdatedAt = lt.now
		if err := lt.tx.UpdateWorkOrder(lt.ctx, *wo); err != nil {
			return err
		}
		lt.state.Forget(wo.ID)
		lt.events = append(lt.events, scheduler.EventComplete)
		return lt.autoStartNext()
	})
}

// ShipWithInbound confirms the produced garments into SKU stock and closes
// the order as completed. Missing SKUs are created with a fresh barcode.
func (s *Service) ShipWithInbound(ctx context.Context, orderID string) (domain.TransitionResponse, error) {
	return s.transition(ctx, "work_order_inbound", orderID, func(lt *lineTx, wo *domain.WorkOrder) error {
		next, err := scheduler.Transition(*wo, scheduler.EventReceive)
		if err != nil {
			return err
		}

		affected := make([]domain.StockChange, 0, len(wo.Lines))
		units := 0
		for i, line := range wo.Lines {
			sku, err := lt.resolveSKU(line)
			if err != nil {
				return fmt.Errorf("inbound line %d: %w", i+1, err)
			}
			stock, err := lt.tx.AdjustSKUStock(lt.ctx, sku.ID, line.Quantity)
			if err != nil {
				return fmt.Errorf("inbound line %d: %w", i+1, err)
			}
			if err := lt.tx.AppendInventoryLog(lt.ctx, domain.InventoryLog{
				ID:         xid.New("invlog"),
				SKUID:      sku.ID,
				ProductID:  sku.ProductID,
				Size:       sku.Size,
				Type:       domain.InventoryFactoryIn,
				Quantity:   line.Quantity,
				StockAfter: stock,
				RefType:    "work_order",
				RefID:      wo.ID,
				Operator:   lt.actor.Username,
				Note:       "factory inbound " + wo.OrderNo,
				CreatedAt:  lt.now,
			}); err != nil {
				return fmt.Errorf("inbound line %d: %w", i+1, err)
			}
			affected = append(affected, domain.StockChange{ProductID: sku.ProductID, SKUID: sku.ID, Size: sku.Size})
			units += line.Quantity
		}
		affected = lo.UniqBy(affected, func(c domain.StockChange) string { return c.SKUID })

		inbound := lt.now
		wo.Status = next
		wo.ShippingFee = decimal.Zero
		wo.InboundAt = &inbound
		if wo.FinishedAt == nil {
			wo.FinishedAt = &inbound
		}
		wo.UpdatedAt = lt.now
		if err := lt.tx.UpdateWorkOrder(lt.ctx, *wo); err != nil {
			return err
		}
		lt.state.Forget(wo.ID)
		lt.events = append(lt.events, scheduler.EventReceive)

		actor := lt.actor
		lt.afterCommit = append(lt.afterCommit, func() {
			if s.metrics != nil {
				s.metrics.InboundUnits.Add(float64(units))
			}
			s.publish(actor, "factory_inbound", affected)
		})
		return lt.autoStartNext()
	})
}

// Cancel closes a non-terminal order. Cancelling the running order hands the
// line to the next one straight away.
func (s *Service) Cancel(ctx context.Context, orderID string) (domain.TransitionResponse, error) {
	return s.transition(ctx, "work_order_cancel", orderID, func(lt *lineTx, wo *domain.WorkOrder) error {
		next, err := scheduler.Transition(*wo, scheduler.EventCancel)
		if err != nil {
			return err
		}
		wo.Status = next
		wo.UpdatedAt = lt.now
		if err := lt.tx.UpdateWorkOrder(lt.ctx, *wo); err != nil {
			return err
		}
		lt.state.Forget(wo.ID)
		lt.events = append(lt.events, scheduler.EventCancel)
		return lt.autoStartNext()
	})
}

// Move swaps a normal approved order with its neighbour in the operator
// preference. Moving past either end is a no-op.
func (s *Service) Move(ctx context.Context, orderID string, dir domain.MoveDirection) (domain.TransitionResponse, error) {
	if dir != domain.MoveUp && dir != domain.MoveDown {
		return domain.TransitionResponse{}, fmt.Errorf("%w: direction must be up or down", store.ErrInvalidInput)
	}
	return s.transition(ctx, "work_order_move", orderID, func(lt *lineTx, wo *domain.WorkOrder) error {
		if err := scheduler.CanMove(*wo); err != nil {
			return err
		}
		approved, err := lt.tx.ListWorkOrdersByStatus(lt.ctx, domain.StatusApproved)
		if err != nil {
			return err
		}
		lt.state.Rebuild(approved)
		if !lt.state.Move(wo.ID, dir) {
			lt.logger.Debug("move at queue edge ignored", zap.String("order_id", wo.ID), zap.String("direction", string(dir)))
		}
		return nil
	})
}

func (s *Service) transition(ctx context.Context, action string, orderID string, fn func(lt *lineTx, wo *domain.WorkOrder) error) (domain.TransitionResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.TransitionResponse{}, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.TransitionResponse{}, fmt.Errorf("%w: order id is required", store.ErrInvalidInput)
	}

	var final *domain.WorkOrder
	lt, err := s.runLine(ctx, actor, func(lt *lineTx) error {
		wo, err := lt.tx.LockWorkOrder(lt.ctx, orderID)
		if err != nil {
			return err
		}
		if err := fn(lt, wo); err != nil {
			return err
		}
		final, err = lt.tx.LockWorkOrder(lt.ctx, orderID)
		return err
	})
	if err != nil {
		s.logger.Info("work order transition rejected", zap.String("action", action), zap.String("order_id", orderID), zap.Error(err))
		return domain.TransitionResponse{}, err
	}

	detail := fmt.Sprintf("order_no=%s,status=%s", final.OrderNo, final.Status)
	if lt.preempted != nil {
		detail += ",preempted=" + lt.preempted.OrderNo
	}
	if lt.started != nil {
		detail += ",started=" + lt.started.OrderNo
	}
	s.logAudit(ctx, action, "work_order", final.ID, detail)

	return domain.TransitionResponse{
		Order:     s.decorate(*final, s.queueSnapshot(ctx)),
		Status:    string(final.Status),
		Preempted: lt.preempted,
		Started:   lt.started,
	}, nil
}

// admit lets the line react to a candidate that is now approved.
func (lt *lineTx) admit(candidate domain.WorkOrder) error {
	current, err := lt.tx.LockInProduction(lt.ctx)
	if err != nil {
		return err
	}
	if current != nil {
		if !scheduler.ShouldPreempt(current, candidate) {
			// stays approved; Queue Policy picks it up later
			return nil
		}
		if err := lt.preempt(*current); err != nil {
			return err
		}
	}
	return lt.autoStartNext()
}

// promoteOnIdleLine moves a normal order to the head of the preference when
// the line is idle and no expedite order is waiting.
func (lt *lineTx) promoteOnIdleLine(wo domain.WorkOrder) error {
	current, err := lt.tx.LockInProduction(lt.ctx)
	if err != nil || current != nil {
		return err
	}
	approved, err := lt.tx.ListWorkOrdersByStatus(lt.ctx, domain.StatusApproved)
	if err != nil {
		return err
	}
	if lo.ContainsBy(approved, func(o domain.WorkOrder) bool { return o.Expedite }) {
		return nil
	}
	lt.state.PushFront(wo.ID)
	return nil
}

// preempt pauses the running order, keeping its remaining line time and
// putting it at the head of the normal queue.
func (lt *lineTx) preempt(current domain.WorkOrder) error {
	next, err := scheduler.Transition(current, scheduler.EventPreempt)
	if err != nil {
		return err
	}
	if current.ExpectedFinishAt == nil {
		lt.logger.Warn("preempted order has no expected finish, remaining time recorded as zero", zap.String("order_id", current.ID))
	}
	remaining := scheduler.RemainingDuration(current, lt.now)

	current.Status = next
	current.UpdatedAt = lt.now
	if err := lt.tx.UpdateWorkOrder(lt.ctx, current); err != nil {
		return err
	}
	lt.state.Pause(current.ID, remaining)
	lt.state.PushFront(current.ID)
	lt.events = append(lt.events, scheduler.EventPreempt)
	lt.preempted = &current
	lt.logger.Info("work order preempted",
		zap.String("order_id", current.ID),
		zap.Duration("remaining", remaining),
	)
	return nil
}

// autoStartNext starts the Queue Policy's choice if the line is idle.
func (lt *lineTx) autoStartNext() error {
	current, err := lt.tx.LockInProduction(lt.ctx)
	if err != nil {
		return err
	}
	if current != nil {
		return nil
	}
	approved, err := lt.tx.ListWorkOrdersByStatus(lt.ctx, domain.StatusApproved)
	if err != nil {
		return err
	}
	lt.state.Rebuild(approved)
	next := scheduler.SelectNext(nil, approved, lt.state.Preference())
	if next == nil {
		return nil
	}
	wo, err := lt.tx.LockWorkOrder(lt.ctx, next.ID)
	if err != nil {
		return err
	}
	return lt.start(*wo)
}

func (lt *lineTx) start(wo domain.WorkOrder) error {
	next, err := scheduler.Transition(wo, scheduler.EventStart)
	if err != nil {
		return err
	}
	started := lt.now
	remaining, resumed := lt.state.TakePaused(wo.ID)
	expected := started.Add(remaining)
	if !resumed {
		expected = scheduler.ExpectedFinish(lt.settings, started, wo.TotalQuantity())
	}

	wo.Status = next
	wo.ProductionStartedAt = &started
	wo.ExpectedFinishAt = &expected
	wo.Assignee = lt.actor.Username
	wo.UpdatedAt = lt.now
	if err := lt.tx.UpdateWorkOrder(lt.ctx, wo); err != nil {
		return err
	}
	lt.state.Remove(wo.ID)
	lt.events = append(lt.events, scheduler.EventStart)
	lt.started = &wo
	lt.logger.Info("work order started",
		zap.String("order_id", wo.ID),
		zap.Bool("expedite", wo.Expedite),
		zap.Bool("resumed", resumed),
		zap.Time("expected_finish_at", expected),
	)
	return nil
}

// resolveSKU finds the SKU a line is received into, creating it by product
// and size when it does not exist yet.
func (lt *lineTx) resolveSKU(line domain.WorkOrderLine) (*domain.SKU, error) {
	if line.SKUID != "" {
		sku, err := lt.tx.GetSKU(lt.ctx, line.SKUID)
		if err != nil {
			return nil, err
		}
		if sku.ProductID != line.ProductID {
			return nil, fmt.Errorf("%w: sku %s does not belong to product %s", store.ErrInvalidInput, sku.ID, line.ProductID)
		}
		return sku, nil
	}

	size := normalizeSize(line.Size)
	sku, err := lt.tx.FindSKU(lt.ctx, line.ProductID, size)
	if err == nil {
		return sku, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if _, err := lt.tx.GetProduct(lt.ctx, line.ProductID); err != nil {
		return nil, err
	}
	created, err := lt.tx.CreateSKU(lt.ctx, domain.SKU{
		ID:        xid.New("sku"),
		ProductID: line.ProductID,
		Size:      size,
		Barcode:   xid.Barcode(),
		CreatedAt: lt.now,
	})
	if err != nil {
		return nil, err
	}
	lt.logger.Info("sku created on inbound", zap.String("sku_id", created.ID), zap.String("product_id", created.ProductID), zap.String("size", size))
	return created, nil
}

func normalizeSize(size string) string {
	return strings.ToUpper(strings.TrimSpace(size))
}
