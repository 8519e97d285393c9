package scheduler

import (
	"slices"
	"time"

	"github.com/samber/lo"

	"konveksi/backend/internal/domain"
)

// CreatedBefore is the total creation order used for FIFO: created_at, then id.
func CreatedBefore(a, b domain.WorkOrder) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func SortByCreation(orders []domain.WorkOrder) []domain.WorkOrder {
	sorted := slices.Clone(orders)
	slices.SortStableFunc(sorted, func(a, b domain.WorkOrder) int {
		switch {
		case CreatedBefore(a, b):
			return -1
		case CreatedBefore(b, a):
			return 1
		default:
			return 0
		}
	})
	return sorted
}

// Queue returns approved orders in the order the line will take them:
// expedite orders strictly by creation, then normal orders with the
// preference ids first and the rest by creation.
func Queue(approved []domain.WorkOrder, preference []string) []domain.WorkOrder {
	approved = lo.Filter(approved, func(o domain.WorkOrder, _ int) bool { return o.Status == domain.StatusApproved })
	expedited, normal := lo.FilterReject(approved, func(o domain.WorkOrder, _ int) bool { return o.Expedite })

	queue := make([]domain.WorkOrder, 0, len(approved))
	queue = append(queue, SortByCreation(expedited)...)
	return append(queue, orderNormal(normal, preference)...)
}

func orderNormal(normal []domain.WorkOrder, preference []string) []domain.WorkOrder {
	byID := lo.KeyBy(normal, func(o domain.WorkOrder) string { return o.ID })
	ordered := make([]domain.WorkOrder, 0, len(normal))
	used := make(map[string]struct{}, len(normal))
	for _, id := range preference {
		order, ok := byID[id]
		if !ok {
			continue
		}
		if _, dup := used[id]; dup {
			continue
		}
		used[id] = struct{}{}
		ordered = append(ordered, order)
	}
	for _, order := range SortByCreation(normal) {
		if _, ok := used[order.ID]; ok {
			continue
		}
		ordered = append(ordered, order)
	}
	return ordered
}

// SelectNext picks the order the idle line should produce next, or nil when
// the line is busy or nothing is waiting.
func SelectNext(current *domain.WorkOrder, approved []domain.WorkOrder, preference []string) *domain.WorkOrder {
	if current != nil {
		return nil
	}
	queue := Queue(approved, preference)
	if len(queue) == 0 {
		return nil
	}
	next := queue[0]
	return &next
}

// ShouldPreempt reports whether candidate may take the line from current.
// Only an expedite order preempts, and only a normal one.
func ShouldPreempt(current *domain.WorkOrder, candidate domain.WorkOrder) bool {
	if current == nil || current.ID == candidate.ID {
		return false
	}
	return candidate.Expedite && !current.Expedite
}

// RemainingDuration is the line time left on an in-production order. An order
// without an expected finish has nothing recorded to preserve and yields 0.
func RemainingDuration(order domain.WorkOrder, now time.Time) time.Duration {
	if order.ExpectedFinishAt == nil {
		return 0
	}
	remaining := order.ExpectedFinishAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Position returns the 1-based queue position of the order, 0 if absent.
func Position(queue []domain.WorkOrder, orderID string) int {
	idx := slices.IndexFunc(queue, func(o domain.WorkOrder) bool { return o.ID == orderID })
	return idx + 1
}
