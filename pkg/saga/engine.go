package saga

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	sagaflowerrors "github.com/tracseq/sagaflow/pkg/sagaflow/errors"
	sagaevent "github.com/tracseq/sagaflow/pkg/event"
)

// defaultMaxConcurrentSteps is the engine's default bound on how many
// ready-set members the graph variant executes at once. An engine whose
// bound is zero or negative runs a round without a bound.
const defaultMaxConcurrentSteps = 8

// persistenceRetry is the bounded retry applied to persistence writes
// before a saga is marked Failed in memory, per the spec's
// PersistenceError propagation policy.
var persistenceRetry = sagaflowerrors.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     1 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.2,
	RetryableFunc:  func(error) bool { return true },
}

// Engine drives a single saga from Running through a terminal status.
// It sequences steps (or, for definitions with non-trivial DependsOn,
// schedules independent ready-set members concurrently), persists
// every transition, and emits the corresponding EventEnvelope.
type Engine struct {
	registry *Registry
	store    Store
	emitter  sagaevent.Emitter
	logger   *slog.Logger

	maxConcurrentSteps int
}

// NewEngine constructs an Engine. logger defaults to slog.Default()
// when nil.
func NewEngine(registry *Registry, store Store, emitter sagaevent.Emitter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:           registry,
		store:              store,
		emitter:            emitter,
		logger:             logger,
		maxConcurrentSteps: defaultMaxConcurrentSteps,
	}
}

// StartSaga persists the initial Running record and emits SagaStarted.
// It must be called once, before Run, so the saga is durable even if
// the process restarts before Run's first iteration.
func (e *Engine) StartSaga(ctx context.Context, state *SagaState) {
	e.persist(ctx, state)
	e.emit(ctx, state, sagaevent.TypeSagaStarted, sagaevent.SagaStartedPayload{
		SagaType:      state.SagaType,
		CorrelationID: state.CorrelationID,
	})
}

// Run executes state against def until it reaches a terminal status.
// cancelled is polled between step-loop rounds to implement cooperative
// cancellation; it must never block. onTransition is invoked after
// every successful persist, letting the caller (the Coordinator) keep
// its in-memory index current without reaching into engine internals.
func (e *Engine) Run(ctx context.Context, state *SagaState, def *SagaDefinition, cancelled func() bool, onTransition func(*SagaState)) {
	if onTransition == nil {
		onTransition = func(*SagaState) {}
	}

	var overallDeadline time.Time
	if def.Timeout > 0 {
		overallDeadline = time.Now().Add(def.Timeout)
	}

	if state.StepResults == nil {
		state.StepResults = make(map[string]*StepResult, len(def.Steps))
	}
	for _, step := range def.Steps {
		if _, ok := state.StepResults[step.Name]; !ok {
			state.StepResults[step.Name] = &StepResult{StepName: step.Name, Status: StepPending}
		}
	}

	if state.Status == StatusCompensating {
		e.compensate(ctx, def, state, StatusCompensated, "resuming compensation after restart")
		onTransition(state)
		return
	}

	for {
		if state.Status.Terminal() {
			return
		}

		if cancelled() && state.Status == StatusRunning {
			e.logger.Info("saga cancellation observed", "saga_id", state.SagaID)
			e.compensate(ctx, def, state, StatusCancelled, "cancelled by request")
			onTransition(state)
			return
		}

		if !overallDeadline.IsZero() && time.Now().After(overallDeadline) {
			e.logger.Warn("saga overall timeout", "saga_id", state.SagaID)
			e.compensate(ctx, def, state, StatusTimedOut, "overall timeout exceeded")
			onTransition(state)
			return
		}

		ready := readySet(def, state)
		if len(ready) == 0 {
			if len(state.CompletedStepNames) == len(def.Steps) {
				e.finishCompleted(ctx, state)
				onTransition(state)
				return
			}
			// No ready step and not all done: every remaining step is
			// blocked on a dependency that failed or was skipped.
			// Registration-time cycle detection guarantees this can
			// only happen after a failure already routed to
			// compensation, so treat it as already handled.
			return
		}

		outcomes := e.runRound(ctx, def, state, ready, overallDeadline)

		failed := false
		var failedStep string
		for _, oc := range outcomes {
			if oc.err == nil {
				e.onStepSucceeded(ctx, state, oc.step.Name, oc.output)
				onTransition(state)
				continue
			}
			if !failed {
				failed = true
				failedStep = oc.step.Name
			}
			e.onStepFailed(ctx, state, oc.step.Name, oc.err)
			onTransition(state)
		}

		if failed {
			reason := fmt.Sprintf("step %q failed", failedStep)
			if state.Status == StatusTimedOut {
				e.compensate(ctx, def, state, StatusTimedOut, reason)
			} else {
				e.compensate(ctx, def, state, StatusCompensated, reason)
			}
			onTransition(state)
			return
		}
	}
}

type stepOutcome struct {
	step   StepSpec
	output map[string]any
	err    error
}

// readySet returns, in declared order, every step that is neither
// completed, failed, nor currently in flight, and whose DependsOn
// entries are all present in CompletedStepNames. When no step of def
// declares DependsOn (the pure-sequence variant), it returns only the
// first such step, so steps run one at a time in declared order.
func readySet(def *SagaDefinition, state *SagaState) []StepSpec {
	graph := false
	for _, step := range def.Steps {
		if len(step.DependsOn) > 0 {
			graph = true
			break
		}
	}

	var ready []StepSpec
	for _, step := range def.Steps {
		if state.hasCompleted(step.Name) {
			continue
		}
		if r := state.StepResults[step.Name]; r != nil && (r.Status == StepFailed || r.Status == StepSkipped) {
			continue
		}
		satisfied := true
		for _, dep := range step.DependsOn {
			if !state.hasCompleted(dep) {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, step)
			if !graph {
				break
			}
		}
	}
	return ready
}

// runRound executes every member of ready. A single-member round runs
// inline (the pure-sequence common case); a multi-member round runs
// concurrently, bounded by maxConcurrentSteps, since a ready-set with
// more than one member only arises when their dependencies are
// disjoint and independent.
func (e *Engine) runRound(ctx context.Context, def *SagaDefinition, state *SagaState, ready []StepSpec, overallDeadline time.Time) []stepOutcome {
	outcomes := make([]stepOutcome, len(ready))

	if len(ready) == 1 {
		out, err := e.executeStepWithRetry(ctx, def, ready[0], state, overallDeadline)
		outcomes[0] = stepOutcome{step: ready[0], output: out, err: err}
		return outcomes
	}

	g, gctx := errgroup.WithContext(ctx)
	if e.maxConcurrentSteps > 0 {
		g.SetLimit(e.maxConcurrentSteps)
	}
	for i, step := range ready {
		i, step := i, step
		g.Go(func() error {
			out, err := e.executeStepWithRetry(gctx, def, step, state, overallDeadline)
			outcomes[i] = stepOutcome{step: step, output: out, err: err}
			return nil // siblings must not be cancelled by one failure
		})
	}
	_ = g.Wait()
	return outcomes
}

// executeStepWithRetry invokes the step's forward handler, retrying on
// a retriable HandlerError up to RetryPolicy.MaxAttempts. The retry
// budget is per step invocation and resets whenever a new step begins.
func (e *Engine) executeStepWithRetry(ctx context.Context, def *SagaDefinition, step StepSpec, state *SagaState, overallDeadline time.Time) (map[string]any, error) {
	result := state.StepResults[step.Name]
	policy := def.RetryPolicy
	if step.RetryPolicy != nil {
		policy = *step.RetryPolicy
	}
	maxAttempts := 1
	if step.Retriable && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	handler, ok := e.registry.Step(step.Action)
	if !ok {
		err := &HandlerNotFoundError{StepName: step.Name, HandlerName: step.Action}
		result.Status = StepFailed
		result.ErrorMessage = err.Error()
		return nil, err
	}

	result.Status = StepExecuting
	result.StartedAt = time.Now()

	var lastErr error
	backoff := policy.BaseBackoff
	if backoff <= 0 {
		backoff = DefaultRetryPolicy.BaseBackoff
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.RetryCount = attempt - 1

		stepCtx, cancel := withStepDeadline(ctx, step, def, overallDeadline)
		input := snapshotContext(state)
		output, err := handler(stepCtx, input)
		timedOut := stepCtx.Err() != nil
		cancel()

		if err == nil {
			result.Status = StepCompleted
			result.CompletedAt = time.Now()
			result.OutputData = output
			return output, nil
		}

		if timedOut {
			lastErr = classifyTimeout(state.SagaID, step, def, overallDeadline)
		} else {
			lastErr = &HandlerError{StepName: step.Name, Err: err, Retryable: step.Retriable}
		}

		retryable := step.Retriable
		if he, ok := lastErr.(*HandlerError); ok {
			retryable = he.Retryable
		}

		if !retryable || attempt == maxAttempts {
			break
		}

		result.Status = StepRetrying
		sleepWithJitter(ctx, backoff)
		if policy.Exponential {
			backoff *= 2
		}
	}

	result.Status = StepFailed
	result.CompletedAt = time.Now()
	result.ErrorMessage = lastErr.Error()
	return nil, lastErr
}

// withStepDeadline composes the effective per-step deadline as
// min(step_deadline, overall_deadline-now).
func withStepDeadline(ctx context.Context, step StepSpec, def *SagaDefinition, overallDeadline time.Time) (context.Context, context.CancelFunc) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}

	if !overallDeadline.IsZero() {
		if timeout <= 0 || time.Until(overallDeadline) < timeout {
			return context.WithDeadline(ctx, overallDeadline)
		}
	}

	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// classifyTimeout distinguishes a step-local timeout from the overall
// saga deadline having already expired, preserving the spec's
// distinction between StepTimeout and OverallTimeout.
func classifyTimeout(sagaID string, step StepSpec, def *SagaDefinition, overallDeadline time.Time) error {
	if !overallDeadline.IsZero() && !time.Now().Before(overallDeadline) {
		return &OverallTimeoutError{SagaID: sagaID, Timeout: def.Timeout.String()}
	}
	return &StepTimeoutError{StepName: step.Name, Timeout: step.Timeout.String()}
}

func sleepWithJitter(ctx context.Context, base time.Duration) {
	jitter := time.Duration(float64(base) * 0.2 * (rand.Float64()*2 - 1))
	d := base + jitter
	if d < 0 {
		d = base
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// snapshotContext returns a shallow copy of the saga context so
// concurrent ready-set members each see a consistent read-only view
// while they execute.
func snapshotContext(state *SagaState) map[string]any {
	snap := make(map[string]any, len(state.Context))
	for k, v := range state.Context {
		snap[k] = v
	}
	return snap
}

// onStepSucceeded merges output into the saga context, appends the
// step to CompletedStepNames, persists, and emits StepCompleted.
func (e *Engine) onStepSucceeded(ctx context.Context, state *SagaState, stepName string, output map[string]any) {
	mergeContext(state.Context, output)
	state.CompletedStepNames = append(state.CompletedStepNames, stepName)
	state.CurrentStepName = ""

	e.persist(ctx, state)
	e.emit(ctx, state, sagaevent.TypeStepCompleted, sagaevent.StepCompletedPayload{
		StepName: stepName,
		Result:   output,
	})
}

// onStepFailed records the failure, persists, and emits StepFailed.
func (e *Engine) onStepFailed(ctx context.Context, state *SagaState, stepName string, stepErr error) {
	state.FailedStepName = stepName
	if _, ok := stepErr.(*OverallTimeoutError); ok {
		state.Status = StatusTimedOut
	}

	e.persist(ctx, state)
	e.emit(ctx, state, sagaevent.TypeStepFailed, sagaevent.StepFailedPayload{
		StepName: stepName,
		Error:    stepErr.Error(),
	})
}

// finishCompleted transitions a saga whose steps have all completed to
// Completed.
func (e *Engine) finishCompleted(ctx context.Context, state *SagaState) {
	state.Status = StatusCompleted
	state.CompletedAt = time.Now()
	e.persist(ctx, state)
	e.emit(ctx, state, sagaevent.TypeSagaCompleted, struct{}{})
	e.logger.Info("saga completed", "saga_id", state.SagaID, "saga_type", state.SagaType)
}

// compensate walks CompletedStepNames in reverse, invoking each step's
// compensation handler if one is registered. A compensation failure is
// logged and recorded but never stops compensation of the remaining
// steps: the engine makes a best-effort attempt at every one of them.
// CompensatedStepNames lets a restart resume compensation from the
// first not-yet-compensated step rather than repeating work.
func (e *Engine) compensate(ctx context.Context, def *SagaDefinition, state *SagaState, terminal Status, reason string) {
	state.Status = StatusCompensating
	e.persist(ctx, state)
	e.emit(ctx, state, sagaevent.TypeCompensationStarted, struct{}{})
	e.logger.Info("saga compensation starting", "saga_id", state.SagaID, "reason", reason)

	already := make(map[string]bool, len(state.CompensatedStepNames))
	for _, n := range state.CompensatedStepNames {
		already[n] = true
	}

	anyFailed := false
	for i := len(state.CompletedStepNames) - 1; i >= 0; i-- {
		name := state.CompletedStepNames[i]
		if already[name] {
			continue
		}

		step, ok := findStep(def, name)
		if !ok || step.CompensateAction == "" {
			state.CompensatedStepNames = append(state.CompensatedStepNames, name)
			continue
		}

		handler, ok := e.registry.Compensation(step.CompensateAction)
		if !ok {
			anyFailed = true
			msg := fmt.Sprintf("%s: compensation handler %q not registered", name, step.CompensateAction)
			state.CompensationErrors = append(state.CompensationErrors, msg)
			e.emit(ctx, state, sagaevent.TypeCompensationFailed, sagaevent.StepFailedPayload{StepName: name, Error: msg})
			continue
		}

		if _, err := handler(ctx, snapshotContext(state)); err != nil {
			anyFailed = true
			msg := fmt.Sprintf("%s: %s", name, err.Error())
			state.CompensationErrors = append(state.CompensationErrors, msg)
			e.logger.Error("saga compensation step failed", "saga_id", state.SagaID, "step", name, "error", err)
			e.emit(ctx, state, sagaevent.TypeCompensationFailed, sagaevent.StepFailedPayload{StepName: name, Error: err.Error()})
			continue
		}

		state.CompensatedStepNames = append(state.CompensatedStepNames, name)
		e.persist(ctx, state)
		e.emit(ctx, state, sagaevent.TypeStepCompensated, sagaevent.StepCompensatedPayload{StepName: name})
	}

	if anyFailed && terminal != StatusTimedOut && terminal != StatusCancelled {
		state.Status = StatusFailed
	} else {
		state.Status = terminal
	}
	state.CompletedAt = time.Now()
	e.persist(ctx, state)
	e.emit(ctx, state, sagaevent.TypeCompensationCompleted, struct{}{})
	e.logger.Info("saga compensation completed", "saga_id", state.SagaID, "status", state.Status)
}

func findStep(def *SagaDefinition, name string) (StepSpec, bool) {
	for _, s := range def.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepSpec{}, false
}

// persist writes state via the store, retrying with bounded backoff.
// If the retry budget is exhausted the saga is marked Failed in memory
// so it still ends in a persisted terminal status, and the failure is
// logged as a durable error per the spec's PersistenceError policy.
func (e *Engine) persist(ctx context.Context, state *SagaState) {
	state.EventVersion++
	snapshot := state.Clone()

	result := sagaflowerrors.WithRetryContext(ctx, persistenceRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.PutSaga(ctx, snapshot)
	})
	if result.Err != nil {
		e.logger.Error("saga persistence failed after retry budget exhausted",
			"saga_id", state.SagaID, "error", result.Err)
		if !state.Status.Terminal() {
			state.Status = StatusFailed
			state.CompletedAt = time.Now()
		}
	}
}

// emit builds and publishes the EventEnvelope for a transition.
// Emission failures are logged and never fail the saga; an envelope
// that failed to publish is not published again.
func (e *Engine) emit(ctx context.Context, state *SagaState, eventType string, payload any) {
	env := sagaevent.NewEnvelope(state.SagaID, eventType, state.EventVersion, payload, sagaevent.EnvelopeMetadata{
		CorrelationID: state.CorrelationID,
		SourceService: "saga-engine",
	})
	if e.emitter == nil {
		return
	}
	if err := e.emitter.Publish(ctx, sagaevent.DefaultTopic, env); err != nil {
		e.logger.Warn("saga event emission failed", "saga_id", state.SagaID, "event_type", eventType, "error", err)
	}
}
