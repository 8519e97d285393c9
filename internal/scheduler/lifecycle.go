package scheduler

import (
	"errors"
	"fmt"

	"konveksi/backend/internal/domain"
)

var ErrStateConflict = errors.New("current status disallows this operation")

type Event string

const (
	EventApprove  Event = "approve"
	EventStart    Event = "start"
	EventPreempt  Event = "preempt"
	EventComplete Event = "complete"
	EventReceive  Event = "receive"
	EventCancel   Event = "cancel"
)

type rule struct {
	from []domain.WorkOrderStatus
	to   domain.WorkOrderStatus
}

var transitions = map[Event]rule{
	EventApprove: {
		from: []domain.WorkOrderStatus{domain.StatusPlanned, domain.StatusApproved},
		to:   domain.StatusApproved,
	},
	EventStart: {
		from: []domain.WorkOrderStatus{domain.StatusApproved},
		to:   domain.StatusInProduction,
	},
	EventPreempt: {
		from: []domain.WorkOrderStatus{domain.StatusInProduction},
		to:   domain.StatusApproved,
	},
	EventComplete: {
		from: []domain.WorkOrderStatus{domain.StatusInProduction},
		to:   domain.StatusCompleted,
	},
	EventReceive: {
		from: []domain.WorkOrderStatus{
			domain.StatusPlanned,
			domain.StatusApproved,
			domain.StatusInProduction,
			domain.StatusShipped,
			domain.StatusCompleted,
		},
		to: domain.StatusCompleted,
	},
	EventCancel: {
		from: []domain.WorkOrderStatus{domain.StatusPlanned, domain.StatusApproved, domain.StatusInProduction},
		to:   domain.StatusCancelled,
	},
}

// Transition is the only place that decides whether an order may move on
// the given event, and where it moves to.
func Transition(order domain.WorkOrder, event Event) (domain.WorkOrderStatus, error) {
	r, ok := transitions[event]
	if !ok {
		return order.Status, fmt.Errorf("unknown lifecycle event %q", event)
	}
	allowed := false
	for _, from := range r.from {
		if order.Status == from {
			allowed = true
			break
		}
	}
	// completed orders are receivable exactly once
	if event == EventReceive && order.Status == domain.StatusCompleted && order.InboundAt != nil {
		allowed = false
	}
	if !allowed {
		return order.Status, conflict(order, event)
	}
	return r.to, nil
}

func conflict(order domain.WorkOrder, event Event) error {
	ref := order.OrderNo
	if ref == "" {
		ref = order.ID
	}
	if event == EventReceive && order.InboundAt != nil {
		return fmt.Errorf("%w: %s order %s: already received into stock", ErrStateConflict, event, ref)
	}
	return fmt.Errorf("%w: %s order %s in status %s", ErrStateConflict, event, ref, order.Status)
}

// CanMove reports whether the order may be reordered inside the normal queue.
func CanMove(order domain.WorkOrder) error {
	if order.Status != domain.StatusApproved {
		return fmt.Errorf("%w: move order %s in status %s", ErrStateConflict, order.OrderNo, order.Status)
	}
	if order.Expedite {
		return fmt.Errorf("%w: move order %s: expedite orders keep creation order", ErrStateConflict, order.OrderNo)
	}
	return nil
}
