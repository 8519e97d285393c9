package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"konveksi/backend/internal/cache"
	"konveksi/backend/internal/domain"
	"konveksi/backend/internal/metrics"
	"konveksi/backend/internal/scheduler"
	"konveksi/backend/internal/store"
	"konveksi/backend/internal/xid"
)

var ErrActorRequired = errors.New("authenticated actor required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, ErrActorRequired
	}
	return actor, nil
}

// systemActor acts for work the scheduler does on its own behalf.
var systemActor = domain.Actor{Username: "auto-replenish", Role: "system"}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Publisher receives stockChanged events after their transaction commits.
// Implementations must not block.
type Publisher interface {
	Publish(event domain.StockChangedEvent)
}

type noopPublisher struct{}

func (noopPublisher) Publish(domain.StockChangedEvent) {}

type Options struct {
	Logger          *zap.Logger
	Clock           Clock
	Metrics         *metrics.Metrics
	Publisher       Publisher
	StateCache      cache.StateCache
	DefaultSettings domain.ThroughputSettings
}

type Service struct {
	repo       store.Repository
	logger     *zap.Logger
	clock      Clock
	metrics    *metrics.Metrics
	publisher  Publisher
	stateCache cache.StateCache
	defaults   domain.ThroughputSettings

	// lineMu serialises every operation that reads or changes the production
	// line, and guards state.
	lineMu sync.Mutex
	state  *scheduler.State
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Publisher == nil {
		opts.Publisher = noopPublisher{}
	}
	if opts.StateCache == nil {
		opts.StateCache = cache.NoopStateCache{}
	}

	return &Service{
		repo:       repo,
		logger:     opts.Logger.Named("service"),
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		publisher:  opts.Publisher,
		stateCache: opts.StateCache,
		defaults:   scheduler.Normalize(opts.DefaultSettings),
		state:      scheduler.NewState(),
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// RestoreState loads the saved scheduler state and reconciles it with the
// orders currently approved. Paused progress of orders that are no longer
// waiting is dropped.
func (s *Service) RestoreState(ctx context.Context) error {
	snap, ok, err := s.stateCache.Load(ctx)
	if err != nil {
		return fmt.Errorf("load scheduler state: %w", err)
	}
	if !ok {
		return nil
	}

	approved, err := s.repo.ListWorkOrdersByStatus(ctx, domain.StatusApproved)
	if err != nil {
		return err
	}
	st := scheduler.FromSnapshot(*snap)
	st.Rebuild(approved)
	waiting := make(map[string]struct{}, len(approved))
	for _, wo := range approved {
		waiting[wo.ID] = struct{}{}
	}
	for id := range snap.PausedMS {
		if _, ok := waiting[id]; !ok {
			st.ClearPaused(id)
		}
	}

	s.lineMu.Lock()
	s.state = st
	s.lineMu.Unlock()

	s.logger.Info("scheduler state restored",
		zap.Int("queued", len(st.Preference())),
		zap.Int("paused", len(snap.PausedMS)),
	)
	return nil
}

// lineTx carries one order-affecting operation through its transaction.
type lineTx struct {
	ctx      context.Context
	tx       store.Tx
	state    *scheduler.State
	settings domain.ThroughputSettings
	now      time.Time
	actor    domain.Actor
	logger   *zap.Logger

	preempted *domain.WorkOrder
	started   *domain.WorkOrder
	events    []scheduler.Event
	// afterCommit runs once the transaction has committed.
	afterCommit []func()
}

// runLine executes fn as one atomic unit against the store and a clone of
// the scheduler state. The clone replaces the live state only after commit.
func (s *Service) runLine(ctx context.Context, actor domain.Actor, fn func(lt *lineTx) error) (*lineTx, error) {
	settings := s.ThroughputSettings(ctx)

	s.lineMu.Lock()
	defer s.lineMu.Unlock()

	var lt *lineTx
	st := s.state.Clone()
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		lt = &lineTx{
			ctx:      ctx,
			tx:       tx,
			state:    st,
			settings: settings,
			now:      s.now(),
			actor:    actor,
			logger:   s.logger,
		}
		return fn(lt)
	})
	if err != nil {
		return nil, err
	}

	s.state = st
	if err := s.stateCache.Save(ctx, st.Snapshot()); err != nil {
		s.logger.Warn("failed to save scheduler state", zap.Error(err))
	}
	if s.metrics != nil {
		for _, event := range lt.events {
			s.metrics.Transitions.WithLabelValues(string(event)).Inc()
			if event == scheduler.EventPreempt {
				s.metrics.Preemptions.Inc()
			}
		}
		s.observeLine(ctx, st)
	}
	for _, hook := range lt.afterCommit {
		hook()
	}
	return lt, nil
}

func (s *Service) observeLine(ctx context.Context, st *scheduler.State) {
	running, err := s.repo.ListWorkOrdersByStatus(ctx, domain.StatusInProduction)
	if err != nil {
		s.logger.Warn("failed to refresh line gauges", zap.Error(err))
		return
	}
	approved, err := s.repo.ListWorkOrdersByStatus(ctx, domain.StatusApproved)
	if err != nil {
		s.logger.Warn("failed to refresh line gauges", zap.Error(err))
		return
	}
	s.metrics.ObserveLine(len(running) > 0, len(approved), len(st.Snapshot().PausedMS))
}

// ThroughputSettings returns the stored settings, or the configured defaults
// when none were saved or the store cannot be read.
func (s *Service) ThroughputSettings(ctx context.Context) domain.ThroughputSettings {
	settings, err := s.repo.GetThroughputSettings(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("failed to read throughput settings, using defaults", zap.Error(err))
		}
		return s.defaults
	}
	return scheduler.Normalize(*settings)
}

func (s *Service) GetThroughputSettings(ctx context.Context) (domain.ThroughputSettings, error) {
	return s.ThroughputSettings(ctx), nil
}

func (s *Service) SetThroughputSettings(ctx context.Context, settings domain.ThroughputSettings) (domain.ThroughputSettings, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.ThroughputSettings{}, err
	}
	if settings.DailyCapacity < 1 || settings.WorkHoursPerDay < 1 {
		return domain.ThroughputSettings{}, fmt.Errorf("%w: daily_capacity and work_hours_per_day must be at least 1", store.ErrInvalidInput)
	}
	if settings.WorkHoursPerDay > 24 {
		return domain.ThroughputSettings{}, fmt.Errorf("%w: work_hours_per_day cannot exceed 24", store.ErrInvalidInput)
	}
	if err := s.repo.SaveThroughputSettings(ctx, settings); err != nil {
		return domain.ThroughputSettings{}, err
	}
	s.logAudit(ctx, "throughput_update", "factory_settings", "throughput",
		fmt.Sprintf("daily_capacity=%d,work_hours_per_day=%d", settings.DailyCapacity, settings.WorkHoursPerDay))
	return settings, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, entityID, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = systemActor
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

func (s *Service) publish(actor domain.Actor, reason string, affected []domain.StockChange) {
	if len(affected) == 0 {
		return
	}
	event := domain.StockChangedEvent{
		ID:         xid.New("evt"),
		Affected:   affected,
		OperatorID: actor.Username,
		Reason:     reason,
		OccurredAt: s.now(),
	}
	s.publisher.Publish(event)
	s.logger.Debug("stock event published", zap.String("event_id", event.ID), zap.String("reason", reason), zap.Int("affected", len(affected)))
}
