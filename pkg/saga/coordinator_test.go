package saga_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracseq/sagaflow/pkg/saga"
)

func newTestCoordinator(t *testing.T, cfg saga.CoordinatorConfig) (*saga.Coordinator, *saga.Registry) {
	t.Helper()
	reg := saga.NewRegistry()
	require.NoError(t, reg.RegisterStep("step_a", alwaysOK))
	def := &saga.SagaDefinition{Name: "single-step", Steps: []saga.StepSpec{{Name: "a", Action: "step_a"}}}
	require.NoError(t, reg.RegisterDefinition(def))
	reg.Freeze()

	store := saga.NewMemoryStore()
	c := saga.NewCoordinator(cfg, reg, store, nil, slog.Default())
	require.NoError(t, c.Start(context.Background()))
	return c, reg
}

func waitTerminal(t *testing.T, c *saga.Coordinator, sagaID string) *saga.SagaState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, err := c.Status(context.Background(), sagaID)
		require.NoError(t, err)
		if s.Status.Terminal() {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("saga did not reach a terminal status in time")
	return nil
}

func TestCoordinator_SubmitAndStatus(t *testing.T) {
	c, _ := newTestCoordinator(t, saga.DefaultCoordinatorConfig())

	id, err := c.Submit(context.Background(), "single-step", "corr-1", nil)
	require.NoError(t, err)

	state := waitTerminal(t, c, id)
	assert.Equal(t, saga.StatusCompleted, state.Status)

	stats := c.Statistics()
	assert.EqualValues(t, 1, stats.TotalStarted)
}

func TestCoordinator_Submit_UnknownDefinition(t *testing.T) {
	c, _ := newTestCoordinator(t, saga.DefaultCoordinatorConfig())

	_, err := c.Submit(context.Background(), "does-not-exist", "corr-1", nil)
	require.ErrorIs(t, err, saga.ErrDefinitionNotFound)
}

func TestCoordinator_AdmissionRejected_AtCapacity(t *testing.T) {
	cfg := saga.DefaultCoordinatorConfig()
	cfg.MaxActiveSagas = 1

	reg := saga.NewRegistry()
	block := make(chan struct{})
	require.NoError(t, reg.RegisterStep("slow_action", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		<-block
		return map[string]any{}, nil
	}))
	def := &saga.SagaDefinition{Name: "slow", Steps: []saga.StepSpec{{Name: "a", Action: "slow_action"}}}
	require.NoError(t, reg.RegisterDefinition(def))
	reg.Freeze()

	store := saga.NewMemoryStore()
	c := saga.NewCoordinator(cfg, reg, store, nil, slog.Default())
	require.NoError(t, c.Start(context.Background()))

	_, err := c.Submit(context.Background(), "slow", "corr-1", nil)
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), "slow", "corr-2", nil)
	require.ErrorIs(t, err, saga.ErrAdmissionRejected)

	close(block)
}

func TestCoordinator_Status_NotFound(t *testing.T) {
	c, _ := newTestCoordinator(t, saga.DefaultCoordinatorConfig())
	_, err := c.Status(context.Background(), "nope")
	require.ErrorIs(t, err, saga.ErrSagaNotFound)
}

func TestCoordinator_Cancel_TerminalSaga_Rejected(t *testing.T) {
	c, _ := newTestCoordinator(t, saga.DefaultCoordinatorConfig())
	id, err := c.Submit(context.Background(), "single-step", "corr-1", nil)
	require.NoError(t, err)
	waitTerminal(t, c, id)

	err = c.Cancel(context.Background(), id)
	require.ErrorIs(t, err, saga.ErrInvalidTransition)
}

// A saga that is compensating (but not yet terminal) must still reject
// Cancel: spec allows cancellation only while Running. This drives a
// persisted-but-not-active saga through the not-in-memory branch of
// Cancel, since Compensating is a transient in-flight status that
// never outlives the process it's running in.
func TestCoordinator_Cancel_CompensatingSaga_Rejected(t *testing.T) {
	store := saga.NewMemoryStore()
	state := &saga.SagaState{
		SagaID:      "compensating-1",
		SagaType:    "single-step",
		Status:      saga.StatusCompensating,
		StepResults: map[string]*saga.StepResult{},
	}
	require.NoError(t, store.PutSaga(context.Background(), state))

	c := saga.NewCoordinator(saga.DefaultCoordinatorConfig(), nil, store, nil, slog.Default())

	err := c.Cancel(context.Background(), "compensating-1")
	require.ErrorIs(t, err, saga.ErrInvalidTransition)
}

func TestCoordinator_Health_TracksTargetServices(t *testing.T) {
	reg := saga.NewRegistry()
	require.NoError(t, reg.RegisterStep("step_ok", alwaysOK))
	require.NoError(t, reg.RegisterStep("step_bad", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("downstream rejected")
	}))
	def := &saga.SagaDefinition{
		Name: "health-probe",
		Steps: []saga.StepSpec{
			{Name: "a", Action: "step_ok", TargetService: "inventory"},
			{Name: "b", Action: "step_bad", TargetService: "billing"},
		},
	}
	require.NoError(t, reg.RegisterDefinition(def))
	reg.Freeze()

	store := saga.NewMemoryStore()
	c := saga.NewCoordinator(saga.DefaultCoordinatorConfig(), reg, store, nil, slog.Default())
	require.NoError(t, c.Start(context.Background()))

	before := c.Health()
	assert.True(t, before.Uptime >= 0)

	id, err := c.Submit(context.Background(), "health-probe", "corr-1", nil)
	require.NoError(t, err)
	waitTerminal(t, c, id)

	report := c.Health()
	assert.EqualValues(t, 0, report.ActiveSagas)
	assert.False(t, report.LastEventAt.IsZero())
	require.Contains(t, report.Services, "inventory")
	assert.True(t, report.Services["inventory"].Healthy)
	require.Contains(t, report.Services, "billing")
	assert.False(t, report.Services["billing"].Healthy)
}

func TestCoordinator_Query_Status(t *testing.T) {
	c, _ := newTestCoordinator(t, saga.DefaultCoordinatorConfig())
	id, err := c.Submit(context.Background(), "single-step", "corr-1", nil)
	require.NoError(t, err)
	waitTerminal(t, c, id)

	val, err := c.Query(context.Background(), id, "status", nil)
	require.NoError(t, err)
	assert.Equal(t, string(saga.StatusCompleted), val)
}
