package agentrt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-os/hearth/pkg/herrors"
	"github.com/hearth-os/hearth/pkg/logger"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/policy"
	"github.com/hearth-os/hearth/system/store"
	"github.com/hearth-os/hearth/system/store/memstore"
)

type fakeBrain struct {
	err   error
	calls int
}

func (f *fakeBrain) Handle(ctx context.Context, rt *Runtime, ev bus.Event) error {
	f.calls++
	return f.err
}

type slowBrain struct {
	delay time.Duration
}

func (s *slowBrain) Handle(ctx context.Context, rt *Runtime, ev bus.Event) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPayloadString_ReadsStringField(t *testing.T) {
	ev := bus.Event{Payload: map[string]any{"title": "fix sink"}}
	assert.Equal(t, "fix sink", PayloadString(ev, "title"))
	assert.Equal(t, "", PayloadString(ev, "missing"))
}

func TestPayloadFloat_ReadsFloatField(t *testing.T) {
	ev := bus.Event{Payload: map[string]any{"amount": 42.5}}
	assert.Equal(t, 42.5, PayloadFloat(ev, "amount"))
	assert.Equal(t, 0.0, PayloadFloat(ev, "missing"))
}

func TestPayload_NonMapPayloadReturnsZeroValue(t *testing.T) {
	ev := bus.Event{Payload: "not a map"}
	assert.Equal(t, "", PayloadString(ev, "title"))
	assert.Equal(t, 0.0, PayloadFloat(ev, "amount"))
}

func TestRuntime_StartRegistersAgentAndSubscribeDelivers(t *testing.T) {
	st := memstore.New()
	b := bus.New(logger.NewDefault("test"))
	brain := &fakeBrain{}
	rt := New(store.AgentKindJanitor, st, b, logger.NewDefault("test"), brain)

	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))

	got, err := st.GetAgent(ctx, store.AgentKindJanitor)
	require.NoError(t, err)
	assert.Equal(t, store.AgentIdle, got.State)

	rt.Subscribe("janitor.cleanup_due", bus.PriorityNormal)
	require.NoError(t, b.Publish(ctx, bus.Event{Topic: "janitor.cleanup_due"}))

	require.Eventually(t, func() bool { return brain.calls == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, rt.Stop(ctx))
	got, err = st.GetAgent(ctx, store.AgentKindJanitor)
	require.NoError(t, err)
	assert.Equal(t, store.AgentStopped, got.State)
}

func TestRuntime_JournalRecordsHandlerOutcome(t *testing.T) {
	st := memstore.New()
	b := bus.New(logger.NewDefault("test"))
	brain := &fakeBrain{err: errors.New("boom")}
	rt := New(store.AgentKindSecurity, st, b, logger.NewDefault("test"), brain)
	require.NoError(t, rt.Start(context.Background()))

	err := rt.handle(context.Background(), bus.Event{Topic: "security.breach"})
	assert.Error(t, err)

	journal := rt.Journal()
	require.Len(t, journal, 1)
	assert.Contains(t, journal[0].Summary, "failed")
}

func TestCreateTaskThenCompleteTask_RequiresEvidence(t *testing.T) {
	st := memstore.New()
	b := bus.New(logger.NewDefault("test"))
	rt := New(store.AgentKindMaintenance, st, b, logger.NewDefault("test"), &fakeBrain{})
	require.NoError(t, rt.Start(context.Background()))

	task, err := rt.CreateTask(context.Background(), "fix leak", store.PriorityHigh, "repair", true, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)

	incident := make(chan bus.Event, 1)
	b.Subscribe("watcher", "incident.opened", bus.PriorityCritical, func(_ context.Context, ev bus.Event) error {
		select {
		case incident <- ev:
		default:
		}
		return nil
	})

	err = rt.CompleteTask(context.Background(), task.ID, "")
	require.Error(t, err)
	he := herrors.As(err)
	require.NotNil(t, he, "missing evidence must surface as a structured invariant violation")
	assert.Equal(t, herrors.CodeInvariantViolation, he.Code)

	select {
	case ev := <-incident:
		assert.Equal(t, "corr-1", ev.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("evidence violation never raised incident.opened")
	}

	err = rt.CompleteTask(context.Background(), task.ID, "photo.jpg")
	assert.NoError(t, err)

	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, got.Status)
}

func TestHandle_ExpiredDeadlinePublishesTaskTimeout(t *testing.T) {
	st := memstore.New()
	b := bus.New(logger.NewDefault("test"))
	rt := New(store.AgentKindJanitor, st, b, logger.NewDefault("test"), &slowBrain{delay: time.Second})
	rt.SetDeadline("janitor.cleanup_due", 20*time.Millisecond)
	require.NoError(t, rt.Start(context.Background()))

	var got bus.Event
	done := make(chan struct{})
	b.Subscribe("watcher", "task.timeout", bus.PriorityHigh, func(_ context.Context, ev bus.Event) error {
		got = ev
		close(done)
		return nil
	})

	err := rt.handle(context.Background(), bus.Event{Topic: "janitor.cleanup_due", CorrelationID: "corr-x"})
	assert.Error(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task.timeout event")
	}
	assert.Equal(t, "task.timeout", got.Topic)
	assert.Equal(t, "corr-x", got.CorrelationID)

	journal := rt.Journal()
	require.Len(t, journal, 1)
	assert.Contains(t, journal[0].Summary, "timed out")
}

func TestHandle_WithinDeadlineSucceeds(t *testing.T) {
	st := memstore.New()
	b := bus.New(logger.NewDefault("test"))
	rt := New(store.AgentKindJanitor, st, b, logger.NewDefault("test"), &slowBrain{delay: time.Millisecond})

	err := rt.handle(context.Background(), bus.Event{Topic: "janitor.cleanup_due"})
	assert.NoError(t, err)
}

func TestHandle_ThreeConsecutiveFailuresTransitionToError(t *testing.T) {
	st := memstore.New()
	b := bus.New(logger.NewDefault("test"))
	rt := New(store.AgentKindSecurity, st, b, logger.NewDefault("test"), &fakeBrain{err: errors.New("boom")})
	require.NoError(t, rt.Start(context.Background()))

	for i := 0; i < 3; i++ {
		_ = rt.handle(context.Background(), bus.Event{Topic: "security.breach"})
	}

	got, err := st.GetAgent(context.Background(), store.AgentKindSecurity)
	require.NoError(t, err)
	assert.Equal(t, store.AgentError, got.State)
}

func TestHandle_SuccessResetsFailureStreak(t *testing.T) {
	st := memstore.New()
	b := bus.New(logger.NewDefault("test"))
	brain := &fakeBrain{err: errors.New("boom")}
	rt := New(store.AgentKindSecurity, st, b, logger.NewDefault("test"), brain)
	require.NoError(t, rt.Start(context.Background()))

	_ = rt.handle(context.Background(), bus.Event{Topic: "security.breach"})
	_ = rt.handle(context.Background(), bus.Event{Topic: "security.breach"})
	brain.err = nil
	_ = rt.handle(context.Background(), bus.Event{Topic: "security.breach"})
	brain.err = errors.New("boom")
	_ = rt.handle(context.Background(), bus.Event{Topic: "security.breach"})

	got, err := st.GetAgent(context.Background(), store.AgentKindSecurity)
	require.NoError(t, err)
	assert.NotEqual(t, store.AgentError, got.State)
}

func TestSubmitIntent_AutoProceedsAndDenyBlocks(t *testing.T) {
	st := memstore.New()
	_ = st.InstallPolicy(context.Background(), &store.PolicySnapshot{
		Thresholds: store.Thresholds{CostAutoCap: 25, CostConfirmCap: 250},
	})
	b := bus.New(logger.NewDefault("test"))
	gate := policy.NewGate(st, b, logger.NewDefault("test"))
	rt := New(store.AgentKindFinance, st, b, logger.NewDefault("test"), &fakeBrain{})
	rt.AttachGate(gate)

	ok, err := rt.SubmitIntent(context.Background(), policy.Intent{
		Action: "order_filters", CostEstimate: 1, Reversibility: store.Reversible,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rt.SubmitIntent(context.Background(), policy.Intent{
		Action: "leak_secrets", CostEstimate: 0, Reversibility: store.Reversible,
		RiskTags: []string{policy.RiskSecretExfiltration},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubmitIntent_SuspendsUntilApprovalResolves(t *testing.T) {
	st := memstore.New()
	_ = st.InstallPolicy(context.Background(), &store.PolicySnapshot{
		Thresholds: store.Thresholds{CostAutoCap: 25, CostConfirmCap: 250},
	})
	b := bus.New(logger.NewDefault("test"))
	gate := policy.NewGate(st, b, logger.NewDefault("test"))
	rt := New(store.AgentKindFinance, st, b, logger.NewDefault("test"), &fakeBrain{})
	rt.AttachGate(gate)

	go func() {
		for i := 0; i < 200; i++ {
			pending, err := st.ListApprovals(context.Background(), store.ApprovalPending)
			if err == nil && len(pending) == 1 {
				_, _ = gate.Resolve(context.Background(), pending[0].ID, "operator", true)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := rt.SubmitIntent(ctx, policy.Intent{
		Action: "buy_appliance", CostEstimate: 100, Reversibility: store.Reversible,
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetState_ErrorIncrementsErrorCount(t *testing.T) {
	st := memstore.New()
	b := bus.New(logger.NewDefault("test"))
	rt := New(store.AgentKindBackup, st, b, logger.NewDefault("test"), &fakeBrain{})
	require.NoError(t, rt.Start(context.Background()))

	require.NoError(t, rt.SetState(context.Background(), store.AgentError))
	got, err := st.GetAgent(context.Background(), store.AgentKindBackup)
	require.NoError(t, err)
	assert.Equal(t, store.AgentError, got.State)
	assert.Equal(t, 1, got.ErrorCount)
}
