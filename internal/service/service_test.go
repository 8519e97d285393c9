package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konveksi/backend/internal/domain"
	"konveksi/backend/internal/events"
	"konveksi/backend/internal/metrics"
	"konveksi/backend/internal/replenish"
	"konveksi/backend/internal/scheduler"
	"konveksi/backend/internal/store"
	"konveksi/backend/internal/store/memory"
)

var t0 = time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.StockChangedEvent
}

func (p *recordingPublisher) Publish(event domain.StockChangedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) all() []domain.StockChangedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.StockChangedEvent(nil), p.events...)
}

type memoryStateCache struct {
	mu   sync.Mutex
	snap *scheduler.Snapshot
}

func (c *memoryStateCache) Load(context.Context) (*scheduler.Snapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap == nil {
		return nil, false, nil
	}
	snap := *c.snap
	return &snap, true, nil
}

func (c *memoryStateCache) Save(_ context.Context, snap scheduler.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = &snap
	return nil
}

type fixture struct {
	svc       *Service
	repo      *memory.Store
	clock     *fakeClock
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	cache     *memoryStateCache
	ctx       context.Context
}

func newFixture(t *testing.T, settings domain.ThroughputSettings) *fixture {
	t.Helper()
	f := &fixture{
		repo:      memory.NewSeeded(),
		clock:     &fakeClock{now: t0},
		publisher: &recordingPublisher{},
		metrics:   metrics.New(),
		cache:     &memoryStateCache{},
		ctx:       WithActor(context.Background(), domain.Actor{Username: "operator", Role: "operator"}),
	}
	require.NoError(t, f.repo.SaveThroughputSettings(context.Background(), settings))
	f.svc = f.newService()
	return f
}

func (f *fixture) newService() *Service {
	return New(f.repo, Options{
		Clock:           f.clock,
		Metrics:         f.metrics,
		Publisher:       f.publisher,
		StateCache:      f.cache,
		DefaultSettings: domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8},
	})
}

// create adds a manual order one minute after the previous one so creation
// order is unambiguous.
func (f *fixture) create(t *testing.T, qty int, expedite bool) domain.WorkOrder {
	t.Helper()
	f.clock.Advance(time.Minute)
	wo, err := f.svc.CreateWorkOrder(f.ctx, domain.WorkOrderCreateRequest{
		Expedite: expedite,
		Lines: []domain.WorkOrderLineInput{{
			ProductID: "prd-kaos-polos",
			SKUID:     "sku-kaos-polos-m",
			Quantity:  qty,
			UnitCost:  decimal.NewFromInt(20000),
		}},
	})
	require.NoError(t, err)
	return wo
}

func (f *fixture) order(t *testing.T, id string) domain.WorkOrder {
	t.Helper()
	wo, err := f.svc.GetWorkOrder(f.ctx, id)
	require.NoError(t, err)
	return wo
}

func (f *fixture) running(t *testing.T) []domain.WorkOrder {
	t.Helper()
	orders, err := f.repo.ListWorkOrdersByStatus(context.Background(), domain.StatusInProduction)
	require.NoError(t, err)
	return orders
}

func TestNormalOrdersRunInSequence(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 50, WorkHoursPerDay: 10})
	a := f.create(t, 20, false)
	b := f.create(t, 30, false)

	start := f.clock.Now()
	resp, err := f.svc.Approve(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProduction, resp.Order.Status)
	require.NotNil(t, resp.Started)
	assert.Equal(t, a.ID, resp.Started.ID)
	assert.Equal(t, start.Add(4*time.Hour), *resp.Order.ExpectedFinishAt)
	assert.Equal(t, "operator", resp.Order.Assignee)

	resp, err = f.svc.Approve(f.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, resp.Order.Status)
	assert.Nil(t, resp.Started)
	assert.Equal(t, 1, resp.Order.QueuePosition)

	f.clock.Advance(3 * time.Hour)
	start2 := f.clock.Now()
	resp, err = f.svc.Complete(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, resp.Order.Status)
	assert.Equal(t, start2, *resp.Order.FinishedAt)
	require.NotNil(t, resp.Started)
	assert.Equal(t, b.ID, resp.Started.ID)

	bNow := f.order(t, b.ID)
	assert.Equal(t, domain.StatusInProduction, bNow.Status)
	assert.Equal(t, start2.Add(6*time.Hour), *bNow.ExpectedFinishAt)

	_, err = f.svc.Cancel(f.ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, f.running(t))
	assert.Equal(t, domain.StatusCancelled, f.order(t, b.ID).Status)
}

func TestExpeditePreemptsAndPausedOrderResumes(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 10})
	a := f.create(t, 100, false)

	_, err := f.svc.Approve(f.ctx, a.ID)
	require.NoError(t, err)
	aRunning := f.order(t, a.ID)
	finishA := *aRunning.ExpectedFinishAt

	f.clock.Advance(3 * time.Hour)
	c := f.create(t, 10, true)
	preemptedAt := f.clock.Now()

	resp, err := f.svc.Approve(f.ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, resp.Preempted)
	assert.Equal(t, a.ID, resp.Preempted.ID)
	require.NotNil(t, resp.Started)
	assert.Equal(t, c.ID, resp.Started.ID)
	assert.Equal(t, domain.StatusInProduction, resp.Order.Status)
	assert.Equal(t, preemptedAt.Add(time.Hour), *resp.Order.ExpectedFinishAt)

	remaining := finishA.Sub(preemptedAt)
	aPaused := f.order(t, a.ID)
	assert.Equal(t, domain.StatusApproved, aPaused.Status)
	require.NotNil(t, aPaused.PausedRemainingMS)
	assert.Equal(t, remaining.Milliseconds(), *aPaused.PausedRemainingMS)
	assert.Equal(t, 1, aPaused.QueuePosition)
	// historical timestamps stay as they were
	assert.Equal(t, finishA, *aPaused.ExpectedFinishAt)

	f.clock.Advance(50 * time.Minute)
	resumedAt := f.clock.Now()
	resp, err = f.svc.Complete(f.ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, resp.Started)
	assert.Equal(t, a.ID, resp.Started.ID)

	aResumed := f.order(t, a.ID)
	assert.Equal(t, domain.StatusInProduction, aResumed.Status)
	assert.Equal(t, resumedAt.Add(remaining), *aResumed.ExpectedFinishAt)
	assert.Equal(t, resumedAt, *aResumed.ProductionStartedAt)
	assert.Nil(t, aResumed.PausedRemainingMS)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Preemptions))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Transitions.WithLabelValues("start")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LineBusy))
}

func TestExpediteOrdersKeepCreationOrder(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	x := f.create(t, 10, true)
	_, err := f.svc.Approve(f.ctx, x.ID)
	require.NoError(t, err)

	e1 := f.create(t, 10, true)
	e2 := f.create(t, 10, true)
	_, err = f.svc.Approve(f.ctx, e2.ID)
	require.NoError(t, err)
	_, err = f.svc.Approve(f.ctx, e1.ID)
	require.NoError(t, err)

	// an explicit start cannot push an expedite past another expedite
	resp, err := f.svc.Start(f.ctx, e2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, resp.Order.Status)
	assert.Nil(t, resp.Preempted)
	assert.Equal(t, 2, resp.Order.QueuePosition)
	assert.Equal(t, 1, f.order(t, e1.ID).QueuePosition)

	resp, err = f.svc.Complete(f.ctx, x.ID)
	require.NoError(t, err)
	require.NotNil(t, resp.Started)
	assert.Equal(t, e1.ID, resp.Started.ID)

	resp, err = f.svc.Complete(f.ctx, e1.ID)
	require.NoError(t, err)
	require.NotNil(t, resp.Started)
	assert.Equal(t, e2.ID, resp.Started.ID)
}

func TestNormalOrderNeverPreemptsExpedite(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	e := f.create(t, 10, true)
	_, err := f.svc.Approve(f.ctx, e.ID)
	require.NoError(t, err)

	n1 := f.create(t, 10, false)
	n2 := f.create(t, 10, false)
	_, err = f.svc.Approve(f.ctx, n1.ID)
	require.NoError(t, err)
	_, err = f.svc.Approve(f.ctx, n2.ID)
	require.NoError(t, err)

	_, err = f.svc.Move(f.ctx, n2.ID, domain.MoveUp)
	require.NoError(t, err)
	resp, err := f.svc.Start(f.ctx, n2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, resp.Order.Status)
	assert.Equal(t, 1, resp.Order.QueuePosition)

	running := f.running(t)
	require.Len(t, running, 1)
	assert.Equal(t, e.ID, running[0].ID)

	resp, err = f.svc.Complete(f.ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, resp.Started)
	assert.Equal(t, n2.ID, resp.Started.ID, "operator preference decides among normal orders")
}

func TestStartOnIdleLineTakesQueueHead(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	ctx := context.Background()
	line := domain.WorkOrderLine{ProductID: "prd-hoodie", Size: "L", Quantity: 5}
	require.NoError(t, f.repo.WithinTx(ctx, func(tx store.Tx) error {
		for _, wo := range []domain.WorkOrder{
			{ID: "wo-e", OrderNo: "FO-E", Status: domain.StatusApproved, Expedite: true, CreatedAt: t0, Lines: []domain.WorkOrderLine{line}},
			{ID: "wo-n", OrderNo: "FO-N", Status: domain.StatusApproved, CreatedAt: t0.Add(time.Minute), Lines: []domain.WorkOrderLine{line}},
		} {
			if _, err := tx.CreateWorkOrder(ctx, wo); err != nil {
				return err
			}
		}
		return nil
	}))

	resp, err := f.svc.Start(f.ctx, "wo-n")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, resp.Order.Status)
	require.NotNil(t, resp.Started)
	assert.Equal(t, "wo-e", resp.Started.ID)
}

func TestStartOnIdleLineRunsRequestedNormalOrder(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	ctx := context.Background()
	line := domain.WorkOrderLine{ProductID: "prd-hoodie", Size: "L", Quantity: 5}
	require.NoError(t, f.repo.WithinTx(ctx, func(tx store.Tx) error {
		for _, wo := range []domain.WorkOrder{
			{ID: "wo-a", OrderNo: "FO-A", Status: domain.StatusApproved, CreatedAt: t0, Lines: []domain.WorkOrderLine{line}},
			{ID: "wo-b", OrderNo: "FO-B", Status: domain.StatusApproved, CreatedAt: t0.Add(time.Minute), Lines: []domain.WorkOrderLine{line}},
		} {
			if _, err := tx.CreateWorkOrder(ctx, wo); err != nil {
				return err
			}
		}
		return nil
	}))

	resp, err := f.svc.Start(f.ctx, "wo-b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProduction, resp.Order.Status)
	require.NotNil(t, resp.Started)
	assert.Equal(t, "wo-b", resp.Started.ID)
	assert.Equal(t, domain.StatusApproved, f.order(t, "wo-a").Status)
	assert.Equal(t, 1, f.order(t, "wo-a").QueuePosition)
}

func TestAtMostOneOrderInProduction(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	orders := make([]domain.WorkOrder, 0, 8)
	for i := 0; i < 8; i++ {
		orders = append(orders, f.create(t, 5+i, i%3 == 1))
	}

	for i, wo := range orders {
		_, err := f.svc.Approve(f.ctx, wo.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(f.running(t)), 1)

		_, err = f.svc.Start(f.ctx, orders[(i*5)%len(orders)].ID)
		if err != nil {
			assert.ErrorIs(t, err, scheduler.ErrStateConflict)
		}
		assert.LessOrEqual(t, len(f.running(t)), 1)
	}
	assert.Len(t, f.running(t), 1)
}

func TestShipWithInboundIsNotRepeatable(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	ctx := context.Background()
	before, err := f.repo.GetSKU(ctx, "sku-kaos-polos-m")
	require.NoError(t, err)

	wo := f.create(t, 12, false)
	_, err = f.svc.Approve(f.ctx, wo.ID)
	require.NoError(t, err)
	_, err = f.svc.Complete(f.ctx, wo.ID)
	require.NoError(t, err)

	resp, err := f.svc.ShipWithInbound(f.ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, resp.Order.Status)
	assert.NotNil(t, resp.Order.InboundAt)
	assert.True(t, resp.Order.ShippingFee.IsZero())

	after, err := f.repo.GetSKU(ctx, "sku-kaos-polos-m")
	require.NoError(t, err)
	assert.Equal(t, before.Stock+12, after.Stock)

	_, err = f.svc.ShipWithInbound(f.ctx, wo.ID)
	require.ErrorIs(t, err, scheduler.ErrStateConflict)
	again, err := f.repo.GetSKU(ctx, "sku-kaos-polos-m")
	require.NoError(t, err)
	assert.Equal(t, after.Stock, again.Stock)

	logs, err := f.repo.ListInventoryLogs(ctx, "sku-kaos-polos-m", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.InventoryFactoryIn, logs[0].Type)
	assert.Equal(t, wo.ID, logs[0].RefID)
	assert.Equal(t, after.Stock, logs[0].StockAfter)

	events := f.publisher.all()
	require.Len(t, events, 1)
	assert.Equal(t, "factory_inbound", events[0].Reason)
	assert.Equal(t, []domain.StockChange{{ProductID: "prd-kaos-polos", SKUID: "sku-kaos-polos-m", Size: "M"}}, events[0].Affected)
	assert.Equal(t, 12.0, testutil.ToFloat64(f.metrics.InboundUnits))
}

func TestShipWithInboundCreatesMissingSKUAndFreesLine(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	f.clock.Advance(time.Minute)
	big, err := f.svc.CreateWorkOrder(f.ctx, domain.WorkOrderCreateRequest{
		Lines: []domain.WorkOrderLineInput{{ProductID: "prd-hoodie", Size: " xxl ", Quantity: 6, UnitCost: decimal.NewFromInt(90000)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "XXL", big.Lines[0].Size)
	next := f.create(t, 5, false)

	_, err = f.svc.Approve(f.ctx, big.ID)
	require.NoError(t, err)
	_, err = f.svc.Approve(f.ctx, next.ID)
	require.NoError(t, err)

	resp, err := f.svc.ShipWithInbound(f.ctx, big.ID)
	require.NoError(t, err)
	require.NotNil(t, resp.Started)
	assert.Equal(t, next.ID, resp.Started.ID)

	sku, err := f.repo.FindSKU(context.Background(), "prd-hoodie", "XXL")
	require.NoError(t, err)
	assert.Equal(t, 6, sku.Stock)
	assert.Len(t, sku.Barcode, 13)
}

func TestInboundFailureRollsBackEverything(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	ctx := context.Background()
	require.NoError(t, f.repo.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.CreateWorkOrder(ctx, domain.WorkOrder{
			ID:        "wo-bad",
			OrderNo:   "FO-BAD",
			Status:    domain.StatusPlanned,
			CreatedAt: t0,
			Lines: []domain.WorkOrderLine{
				{ProductID: "prd-kaos-polos", SKUID: "sku-kaos-polos-m", Size: "M", Quantity: 5},
				{ProductID: "prd-hoodie", SKUID: "sku-kaos-polos-l", Size: "L", Quantity: 3},
			},
		})
		return err
	}))
	before, err := f.repo.GetSKU(ctx, "sku-kaos-polos-m")
	require.NoError(t, err)

	_, err = f.svc.ShipWithInbound(f.ctx, "wo-bad")
	require.ErrorIs(t, err, store.ErrInvalidInput)

	after, err := f.repo.GetSKU(ctx, "sku-kaos-polos-m")
	require.NoError(t, err)
	assert.Equal(t, before.Stock, after.Stock)
	assert.Equal(t, domain.StatusPlanned, f.order(t, "wo-bad").Status)
	logs, err := f.repo.ListInventoryLogs(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Empty(t, f.publisher.all())
}

func TestMoveHealsPreferenceAfterOrdersLeave(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	x := f.create(t, 10, false)
	_, err := f.svc.Approve(f.ctx, x.ID)
	require.NoError(t, err)

	n1 := f.create(t, 10, false)
	n2 := f.create(t, 10, false)
	n3 := f.create(t, 10, false)
	for _, wo := range []domain.WorkOrder{n1, n2, n3} {
		_, err := f.svc.Approve(f.ctx, wo.ID)
		require.NoError(t, err)
	}

	_, err = f.svc.Move(f.ctx, n3.ID, domain.MoveUp)
	require.NoError(t, err)
	assert.Equal(t, 2, f.order(t, n3.ID).QueuePosition)

	_, err = f.svc.Cancel(f.ctx, n1.ID)
	require.NoError(t, err)

	_, err = f.svc.Move(f.ctx, n2.ID, domain.MoveUp)
	require.NoError(t, err)
	assert.Equal(t, 1, f.order(t, n2.ID).QueuePosition)
	assert.Equal(t, 2, f.order(t, n3.ID).QueuePosition)

	// already at the head
	_, err = f.svc.Move(f.ctx, n2.ID, domain.MoveUp)
	require.NoError(t, err)
	assert.Equal(t, 1, f.order(t, n2.ID).QueuePosition)
}

func TestMoveRejections(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	running := f.create(t, 10, false)
	_, err := f.svc.Approve(f.ctx, running.ID)
	require.NoError(t, err)
	e := f.create(t, 10, true)
	planned := f.create(t, 10, false)

	_, err = f.svc.Move(f.ctx, running.ID, domain.MoveUp)
	assert.ErrorIs(t, err, scheduler.ErrStateConflict)
	_, err = f.svc.Move(f.ctx, planned.ID, domain.MoveDown)
	assert.ErrorIs(t, err, scheduler.ErrStateConflict)
	_, err = f.svc.Approve(f.ctx, e.ID)
	require.NoError(t, err)
	// preempted, so approved and movable again
	_, err = f.svc.Move(f.ctx, running.ID, domain.MoveUp)
	require.NoError(t, err)

	e2 := f.create(t, 10, true)
	_, err = f.svc.Approve(f.ctx, e2.ID)
	require.NoError(t, err)
	_, err = f.svc.Move(f.ctx, e2.ID, domain.MoveDown)
	assert.ErrorIs(t, err, scheduler.ErrStateConflict)

	_, err = f.svc.Move(f.ctx, e2.ID, "sideways")
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestTransitionErrors(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	wo := f.create(t, 10, false)

	_, err := f.svc.Complete(f.ctx, wo.ID)
	assert.ErrorIs(t, err, scheduler.ErrStateConflict)
	assert.Contains(t, err.Error(), "current status disallows this operation")

	_, err = f.svc.Start(f.ctx, wo.ID)
	assert.ErrorIs(t, err, scheduler.ErrStateConflict)

	_, err = f.svc.Approve(f.ctx, "wo-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.svc.Approve(context.Background(), wo.ID)
	assert.ErrorIs(t, err, ErrActorRequired)

	_, err = f.svc.Cancel(f.ctx, wo.ID)
	require.NoError(t, err)
	_, err = f.svc.Cancel(f.ctx, wo.ID)
	assert.ErrorIs(t, err, scheduler.ErrStateConflict)
	_, err = f.svc.Approve(f.ctx, wo.ID)
	assert.ErrorIs(t, err, scheduler.ErrStateConflict)
}

func TestCreateWorkOrderValidation(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	cases := map[string][]domain.WorkOrderLineInput{
		"no lines":        nil,
		"zero quantity":   {{ProductID: "prd-kaos-polos", Quantity: 0}},
		"negative cost":   {{ProductID: "prd-kaos-polos", Quantity: 1, UnitCost: decimal.NewFromInt(-1)}},
		"unknown product": {{ProductID: "prd-nope", Quantity: 1}},
		"foreign sku":     {{ProductID: "prd-hoodie", SKUID: "sku-kaos-polos-m", Quantity: 1}},
		"unknown sku":     {{ProductID: "prd-hoodie", SKUID: "sku-nope", Quantity: 1}},
		"huge line":       {{ProductID: "prd-kaos-polos", Quantity: 200_000_000}},
		"huge total": {
			{ProductID: "prd-kaos-polos", Quantity: 600_000},
			{ProductID: "prd-hoodie", Quantity: 600_000},
		},
	}
	for name, lines := range cases {
		_, err := f.svc.CreateWorkOrder(f.ctx, domain.WorkOrderCreateRequest{Lines: lines})
		assert.ErrorIs(t, err, store.ErrInvalidInput, name)
	}

	wo, err := f.svc.CreateWorkOrder(f.ctx, domain.WorkOrderCreateRequest{
		Remark: "  seragam sekolah  ",
		Lines: []domain.WorkOrderLineInput{
			{ProductID: "prd-kaos-polos", SKUID: "sku-kaos-polos-l", Quantity: 3, UnitCost: decimal.RequireFromString("25000.50")},
			{ProductID: "prd-hoodie", Size: "m", Quantity: 2, UnitCost: decimal.NewFromInt(90000)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlanned, wo.Status)
	assert.Equal(t, domain.SourceManual, wo.Source)
	assert.Equal(t, "operator", wo.CreatedBy)
	assert.Equal(t, "seragam sekolah", wo.Remark)
	assert.Equal(t, "L", wo.Lines[0].Size)
	assert.True(t, decimal.RequireFromString("75001.50").Equal(wo.Lines[0].SubtotalCost))
	assert.True(t, decimal.RequireFromString("255001.50").Equal(wo.TotalCost))
	assert.True(t, wo.ShippingFee.IsZero())
	assert.Regexp(t, `^FO-20261019-[0-9A-F]{6}$`, wo.OrderNo)
}

func TestAutoReplenishOrderStartsOnIdleLine(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	lines := []domain.WorkOrderLineInput{{ProductID: "prd-kaos-polos", SKUID: "sku-kaos-polos-s", Quantity: 40}}

	resp, err := f.svc.CreateAutoReplenishOrder(context.Background(), lines, "auto replenish")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceAutoReplenish, resp.Order.Source)
	assert.Equal(t, domain.StatusInProduction, resp.Order.Status)
	assert.False(t, resp.Order.Expedite)
	assert.Equal(t, "auto-replenish", resp.Order.CreatedBy)

	resp, err = f.svc.CreateAutoReplenishOrder(context.Background(), lines, "auto replenish")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, resp.Order.Status)
	assert.Nil(t, resp.Started)
	assert.Equal(t, 1, f.order(t, resp.Order.ID).QueuePosition)
}

func TestListOrdersBackfillsRunningOrder(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 10, WorkHoursPerDay: 8})
	ctx := context.Background()
	updated := t0.Add(-2 * time.Hour)
	require.NoError(t, f.repo.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.CreateWorkOrder(ctx, domain.WorkOrder{
			ID:        "wo-legacy",
			OrderNo:   "FO-LEGACY",
			Status:    domain.StatusInProduction,
			CreatedAt: t0.Add(-3 * time.Hour),
			UpdatedAt: updated,
			Lines:     []domain.WorkOrderLine{{ProductID: "prd-hoodie", Size: "S", Quantity: 5}},
		})
		return err
	}))

	list, err := f.svc.ListOrders(f.ctx, domain.WorkOrderFilter{Status: domain.StatusInProduction})
	require.NoError(t, err)
	require.Len(t, list.Orders, 1)
	assert.Equal(t, 1, list.Page)
	assert.Equal(t, 20, list.PageSize)
	wo := list.Orders[0]
	assert.Equal(t, updated, *wo.ProductionStartedAt)
	assert.Equal(t, updated.Add(4*time.Hour), *wo.ExpectedFinishAt)

	stored, err := f.repo.GetWorkOrder(ctx, "wo-legacy")
	require.NoError(t, err)
	require.NotNil(t, stored.ExpectedFinishAt)
	assert.Equal(t, updated.Add(4*time.Hour), *stored.ExpectedFinishAt)
}

func TestPreemptedOrderWithoutExpectedFinishKeepsNoTime(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	ctx := context.Background()
	require.NoError(t, f.repo.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.CreateWorkOrder(ctx, domain.WorkOrder{
			ID:        "wo-stale",
			OrderNo:   "FO-STALE",
			Status:    domain.StatusInProduction,
			CreatedAt: t0,
			Lines:     []domain.WorkOrderLine{{ProductID: "prd-hoodie", Size: "S", Quantity: 50}},
		})
		return err
	}))
	e := f.create(t, 10, true)

	_, err := f.svc.Approve(f.ctx, e.ID)
	require.NoError(t, err)
	stale := f.order(t, "wo-stale")
	require.NotNil(t, stale.PausedRemainingMS)
	assert.Zero(t, *stale.PausedRemainingMS)

	f.clock.Advance(time.Hour)
	now := f.clock.Now()
	_, err = f.svc.Complete(f.ctx, e.ID)
	require.NoError(t, err)
	resumed := f.order(t, "wo-stale")
	assert.Equal(t, now, *resumed.ExpectedFinishAt)
}

func TestRestoreStateKeepsPausedProgressAcrossRestart(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 10})
	a := f.create(t, 100, false)
	_, err := f.svc.Approve(f.ctx, a.ID)
	require.NoError(t, err)
	f.clock.Advance(4 * time.Hour)
	e := f.create(t, 10, true)
	_, err = f.svc.Approve(f.ctx, e.ID)
	require.NoError(t, err)
	paused := *f.order(t, a.ID).PausedRemainingMS

	restarted := f.newService()
	require.NoError(t, restarted.RestoreState(context.Background()))
	f.svc = restarted

	f.clock.Advance(time.Hour)
	now := f.clock.Now()
	_, err = f.svc.Complete(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Duration(paused)*time.Millisecond), *f.order(t, a.ID).ExpectedFinishAt)
}

func TestAdjustStockPublishesAndLogs(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})

	sku, err := f.svc.AdjustStock(f.ctx, domain.StockAdjustmentRequest{SKUID: "sku-hoodie-m", Delta: -15, Reason: "sold"})
	require.NoError(t, err)
	assert.Equal(t, 25, sku.Stock)

	_, err = f.svc.AdjustStock(f.ctx, domain.StockAdjustmentRequest{SKUID: "sku-hoodie-m", Delta: -100, Reason: "sold"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = f.svc.AdjustStock(f.ctx, domain.StockAdjustmentRequest{SKUID: "sku-hoodie-m", Delta: 0, Reason: "noop"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	logs, err := f.svc.ListInventoryLogs(f.ctx, "sku-hoodie-m", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.InventoryAdjust, logs[0].Type)
	assert.Equal(t, -15, logs[0].Quantity)

	events := f.publisher.all()
	require.Len(t, events, 1)
	assert.Equal(t, "operator", events[0].OperatorID)
	assert.Equal(t, "sku-hoodie-m", events[0].Affected[0].SKUID)
}

func TestReportStockChanged(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})

	_, err := f.svc.ReportStockChanged(f.ctx, domain.StockChangedRequest{Affected: []domain.StockChange{{SKUID: "x"}}})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	event, err := f.svc.ReportStockChanged(f.ctx, domain.StockChangedRequest{
		Affected: []domain.StockChange{{ProductID: "prd-hoodie", Size: "m"}, {ProductID: "prd-hoodie", Size: "M"}},
		Reason:   "pos_sale",
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.StockChange{{ProductID: "prd-hoodie", Size: "M"}}, event.Affected)
	assert.Len(t, f.publisher.all(), 1)
}

func TestThroughputSettings(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})

	_, err := f.svc.SetThroughputSettings(f.ctx, domain.ThroughputSettings{DailyCapacity: 0, WorkHoursPerDay: 8})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	saved, err := f.svc.SetThroughputSettings(f.ctx, domain.ThroughputSettings{DailyCapacity: 60, WorkHoursPerDay: 9})
	require.NoError(t, err)
	got, err := f.svc.GetThroughputSettings(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, saved, got)

	fresh := New(memory.New(), Options{DefaultSettings: domain.ThroughputSettings{DailyCapacity: 0, WorkHoursPerDay: 12}})
	got, err = fresh.GetThroughputSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ThroughputSettings{DailyCapacity: 1, WorkHoursPerDay: 12}, got)
}

func TestTransitionsWriteAuditTrail(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	wo := f.create(t, 10, false)
	_, err := f.svc.Approve(f.ctx, wo.ID)
	require.NoError(t, err)

	logs, err := f.svc.ListAuditLogs(f.ctx, wo.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "work_order_approve", logs[0].Action)
	assert.Equal(t, "operator", logs[0].ActorUsername)
	assert.Contains(t, logs[0].Detail, "started="+wo.OrderNo)
	assert.Equal(t, "work_order_create", logs[1].Action)
}

func TestStockDropTriggersAutoReplenishThroughOutbox(t *testing.T) {
	f := newFixture(t, domain.ThroughputSettings{DailyCapacity: 100, WorkHoursPerDay: 8})
	outbox := events.NewOutbox(nil, 8, f.metrics)
	f.svc = New(f.repo, Options{Clock: f.clock, Metrics: f.metrics, Publisher: outbox})
	outbox.Subscribe("auto-replenish", replenish.NewEvaluator(f.repo, f.svc, replenish.Config{DefaultThreshold: 5}, nil, f.metrics))
	outbox.Start(context.Background())

	_, err := f.svc.AdjustStock(f.ctx, domain.StockAdjustmentRequest{SKUID: "sku-kaos-polos-m", Delta: -32, Reason: "sold"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, outbox.Close(ctx))

	auto := domain.SourceAutoReplenish
	list, err := f.svc.ListOrders(f.ctx, domain.WorkOrderFilter{Source: auto})
	require.NoError(t, err)
	require.Equal(t, 1, list.Total)
	wo := list.Orders[0]
	assert.Equal(t, domain.StatusInProduction, wo.Status)
	assert.Equal(t, 72, wo.TotalQuantity())
	assert.Equal(t, "auto replenish (stock_adjust)", wo.Remark)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReplenishOrders))
}
