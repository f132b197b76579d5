package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	sagaevent "github.com/tracseq/sagaflow/pkg/event"
	sfquery "github.com/tracseq/sagaflow/pkg/sagaflow/query"
	sfsignal "github.com/tracseq/sagaflow/pkg/sagaflow/signal"
)

// SignalCancel is the signal name the coordinator's Cancel operation
// dispatches for a saga not active in this process, and the name Start
// replays against each saga it recovers. Signals are held in an
// in-memory store, so a pending cancel does not survive a process exit.
const SignalCancel = "cancel"

// Statistics is a point-in-time snapshot of coordinator-wide counters.
type Statistics struct {
	Active            int64
	TotalStarted      int64
	TotalCompleted    int64
	TotalFailed       int64
	TotalCompensated  int64
}

// ServiceHealth is the coordinator's most recent observation of one
// downstream collaborator, derived from the outcome of the last step
// that targeted it.
type ServiceHealth struct {
	Healthy       bool
	LastCheckedAt time.Time
}

// HealthReport is the coordinator-wide health snapshot returned by
// Health: process uptime, active-saga count, the timestamp of the most
// recent saga transition, and a per-target-service health map built
// from StepSpec.TargetService.
type HealthReport struct {
	Uptime      time.Duration
	ActiveSagas int64
	LastEventAt time.Time
	Services    map[string]ServiceHealth
}

// activeSaga is the coordinator's in-memory handle on a running saga:
// its current state plus the cooperative cancellation flag the engine
// polls between step-loop rounds.
type activeSaga struct {
	mu        sync.Mutex
	state     *SagaState
	cancelled atomic.Bool
	done      chan struct{}
}

// Coordinator is the process-wide entry point for submitting,
// inspecting, and cancelling sagas. It owns admission control, the
// in-memory index of active sagas, and startup recovery.
type Coordinator struct {
	cfg      CoordinatorConfig
	registry *Registry
	store    Store
	emitter  sagaevent.Emitter
	logger   *slog.Logger

	admission chan struct{}

	mu     sync.RWMutex
	active map[string]*activeSaga

	signals    *sfsignal.Registry
	signalDisp *sfsignal.Dispatcher
	queries    *sfquery.Executor

	stats struct {
		totalStarted     atomic.Int64
		totalCompleted   atomic.Int64
		totalFailed      atomic.Int64
		totalCompensated atomic.Int64
	}

	startedAt   time.Time
	lastEventAt atomic.Int64 // unix nanoseconds of the last recorded transition

	healthMu      sync.Mutex
	serviceHealth map[string]ServiceHealth
}

// NewCoordinator constructs a Coordinator. logger defaults to
// slog.Default() when nil.
func NewCoordinator(cfg CoordinatorConfig, registry *Registry, store Store, emitter sagaevent.Emitter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	var admission chan struct{}
	if cfg.MaxActiveSagas > 0 {
		admission = make(chan struct{}, cfg.MaxActiveSagas)
	}

	c := &Coordinator{
		cfg:           cfg,
		registry:      registry,
		store:         store,
		emitter:       emitter,
		logger:        logger,
		admission:     admission,
		active:        make(map[string]*activeSaga),
		signals:       sfsignal.NewRegistry(),
		startedAt:     time.Now(),
		serviceHealth: make(map[string]ServiceHealth),
	}

	signalStore := sfsignal.NewMemoryStore()
	c.signalDisp = sfsignal.NewDispatcher(c.signals, signalStore).WithLogger(logger)
	c.signals.MustRegister(SignalCancel, func(_ context.Context, targetID string, _ *sfsignal.Signal) error {
		c.requestCancel(targetID)
		return nil
	})

	queryRegistry := sfquery.NewRegistry()
	if err := sfquery.RegisterBuiltins(queryRegistry, c.loadQueryState); err != nil {
		logger.Warn("failed to register builtin saga queries", "error", err)
	}
	c.queries = sfquery.NewExecutor(queryRegistry, c.loadQueryState)

	return c
}

// loadQueryState adapts a live or persisted SagaState into the
// query package's generic State shape.
func (c *Coordinator) loadQueryState(ctx context.Context, targetID string) (*sfquery.State, error) {
	state, err := c.Status(ctx, targetID)
	if err != nil {
		return nil, err
	}
	progress := 0.0
	if total := len(state.StepResults); total > 0 {
		progress = float64(len(state.CompletedStepNames)) / float64(total)
	}
	return &sfquery.State{
		TargetID:    state.SagaID,
		Status:      string(state.Status),
		CurrentNode: state.CurrentStepName,
		Progress:    progress,
		Variables:   state.Context,
	}, nil
}

// Query runs a built-in or custom query (status, progress,
// current_node, variables, state) against a saga.
func (c *Coordinator) Query(ctx context.Context, sagaID, queryName string, args any) (any, error) {
	return c.queries.Execute(ctx, sagaID, queryName, args)
}

// Start recovers every non-terminal saga from the store and resumes
// each in its own goroutine. It must be called exactly once, before
// any Submit.
func (c *Coordinator) Start(ctx context.Context) error {
	recoverCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.RecoveryTimeout > 0 {
		recoverCtx, cancel = context.WithTimeout(ctx, c.cfg.RecoveryTimeout)
		defer cancel()
	}

	recovered, err := c.store.RecoverActive(recoverCtx)
	if err != nil {
		return fmt.Errorf("recover active sagas: %w", err)
	}

	for _, state := range recovered {
		def, ok := c.registry.Definition(state.SagaType)
		if !ok {
			c.logger.Error("recovered saga references unregistered definition, leaving it parked",
				"saga_id", state.SagaID, "saga_type", state.SagaType)
			continue
		}

		as := &activeSaga{state: state, done: make(chan struct{})}
		c.mu.Lock()
		c.active[state.SagaID] = as
		c.mu.Unlock()

		if err := c.signalDisp.Process(ctx, state.SagaID); err != nil {
			c.logger.Warn("failed to process pending signals during recovery", "saga_id", state.SagaID, "error", err)
		}

		c.logger.Info("resuming recovered saga", "saga_id", state.SagaID, "saga_type", state.SagaType, "status", state.Status)
		go c.run(context.Background(), as, def)
	}

	return nil
}

// Submit registers and begins a new saga execution, returning its ID.
func (c *Coordinator) Submit(ctx context.Context, sagaType, correlationID string, input map[string]any) (string, error) {
	def, ok := c.registry.Definition(sagaType)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDefinitionNotFound, sagaType)
	}

	if c.admission != nil {
		select {
		case c.admission <- struct{}{}:
		default:
			return "", ErrAdmissionRejected
		}
	}

	now := time.Now()
	state := &SagaState{
		SagaID:        uuid.New().String(),
		SagaType:      sagaType,
		CorrelationID: correlationID,
		Status:        StatusRunning,
		Context:       input,
		StepResults:   make(map[string]*StepResult, len(def.Steps)),
		StartedAt:     now,
	}
	if state.Context == nil {
		state.Context = make(map[string]any)
	}

	as := &activeSaga{state: state, done: make(chan struct{})}
	c.mu.Lock()
	c.active[state.SagaID] = as
	c.mu.Unlock()

	c.stats.totalStarted.Add(1)

	engine := NewEngine(c.registry, c.store, c.emitter, c.logger)
	engine.StartSaga(ctx, state)

	go c.run(context.Background(), as, def)

	return state.SagaID, nil
}

// run drives one saga to completion and releases its admission slot
// and active-index entry afterward.
func (c *Coordinator) run(ctx context.Context, as *activeSaga, def *SagaDefinition) {
	engine := NewEngine(c.registry, c.store, c.emitter, c.logger)
	if c.cfg.MaxConcurrentSteps > 0 {
		engine.maxConcurrentSteps = c.cfg.MaxConcurrentSteps
	}

	engine.Run(ctx, as.state, def, as.cancelled.Load, func(s *SagaState) {
		as.mu.Lock()
		as.state = s
		as.mu.Unlock()
		c.recordTransition(def, s)
	})

	switch as.state.Status {
	case StatusCompleted:
		c.stats.totalCompleted.Add(1)
	case StatusCompensated, StatusFailed, StatusTimedOut, StatusCancelled:
		c.stats.totalCompensated.Add(1)
		if as.state.Status == StatusFailed {
			c.stats.totalFailed.Add(1)
		}
	}

	c.mu.Lock()
	delete(c.active, as.state.SagaID)
	c.mu.Unlock()
	close(as.done)

	if c.admission != nil {
		<-c.admission
	}
}

// Status returns the current state of a saga, preferring the live
// in-memory copy over the persisted one.
func (c *Coordinator) Status(ctx context.Context, sagaID string) (*SagaState, error) {
	c.mu.RLock()
	as, ok := c.active[sagaID]
	c.mu.RUnlock()
	if ok {
		as.mu.Lock()
		s := as.state.Clone()
		as.mu.Unlock()
		return s, nil
	}

	s, err := c.store.GetSaga(ctx, sagaID)
	if err != nil {
		if errors.Is(err, ErrStoreSagaNotFound) {
			return nil, ErrSagaNotFound
		}
		return nil, err
	}
	return s, nil
}

// Cancel requests cancellation of a saga. Valid only while the saga is
// Running (not yet compensating, and not already terminal) - see
// Status. If the saga is active in this process, its cancellation
// flag is set directly; otherwise a cancel signal is enqueued in this
// coordinator's in-memory signal store and applied if Start later
// recovers the saga in this same process. The signal is not persisted
// and is lost when the process exits.
func (c *Coordinator) Cancel(ctx context.Context, sagaID string) error {
	c.mu.RLock()
	as, ok := c.active[sagaID]
	c.mu.RUnlock()

	if ok {
		as.mu.Lock()
		status := as.state.Status
		as.mu.Unlock()
		if status != StatusRunning {
			return ErrInvalidTransition
		}
		c.requestCancel(sagaID)
		return nil
	}

	s, err := c.store.GetSaga(ctx, sagaID)
	if err != nil {
		if errors.Is(err, ErrStoreSagaNotFound) {
			return ErrSagaNotFound
		}
		return err
	}
	if s.Status != StatusRunning {
		return ErrInvalidTransition
	}

	return c.signalDisp.Send(ctx, sfsignal.NewSignal(SignalCancel, sagaID, nil))
}

// recordTransition updates health bookkeeping after a saga transition:
// the last-event timestamp, and per-target-service health derived from
// the outcome of any step whose result changed.
func (c *Coordinator) recordTransition(def *SagaDefinition, state *SagaState) {
	c.lastEventAt.Store(time.Now().UnixNano())

	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	for _, step := range def.Steps {
		if step.TargetService == "" {
			continue
		}
		result := state.StepResults[step.Name]
		if result == nil {
			continue
		}
		switch result.Status {
		case StepCompleted:
			c.serviceHealth[step.TargetService] = ServiceHealth{Healthy: true, LastCheckedAt: time.Now()}
		case StepFailed:
			c.serviceHealth[step.TargetService] = ServiceHealth{Healthy: false, LastCheckedAt: time.Now()}
		}
	}
}

// Health returns a point-in-time snapshot of coordinator and
// downstream-service health: process uptime, active-saga count, the
// timestamp of the most recent saga transition, and per-target-service
// reachability inferred from the most recent step outcome against it.
func (c *Coordinator) Health() HealthReport {
	c.healthMu.Lock()
	services := make(map[string]ServiceHealth, len(c.serviceHealth))
	for svc, h := range c.serviceHealth {
		services[svc] = h
	}
	c.healthMu.Unlock()

	var lastEvent time.Time
	if ns := c.lastEventAt.Load(); ns != 0 {
		lastEvent = time.Unix(0, ns)
	}

	c.mu.RLock()
	active := int64(len(c.active))
	c.mu.RUnlock()

	return HealthReport{
		Uptime:      time.Since(c.startedAt),
		ActiveSagas: active,
		LastEventAt: lastEvent,
		Services:    services,
	}
}

func (c *Coordinator) requestCancel(sagaID string) {
	c.mu.RLock()
	as, ok := c.active[sagaID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	as.cancelled.Store(true)
}

// ListActive returns a snapshot of every saga currently running or
// compensating in this process.
func (c *Coordinator) ListActive() []*SagaState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*SagaState, 0, len(c.active))
	for _, as := range c.active {
		as.mu.Lock()
		out = append(out, as.state.Clone())
		as.mu.Unlock()
	}
	return out
}

// Statistics returns coordinator-wide counters.
func (c *Coordinator) Statistics() Statistics {
	c.mu.RLock()
	activeCount := int64(len(c.active))
	c.mu.RUnlock()

	return Statistics{
		Active:           activeCount,
		TotalStarted:     c.stats.totalStarted.Load(),
		TotalCompleted:   c.stats.totalCompleted.Load(),
		TotalFailed:      c.stats.totalFailed.Load(),
		TotalCompensated: c.stats.totalCompensated.Load(),
	}
}
