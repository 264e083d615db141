package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-os/hearth/pkg/logger"
	"github.com/hearth-os/hearth/system/agentrt"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/policy"
	"github.com/hearth-os/hearth/system/store"
	"github.com/hearth-os/hearth/system/store/memstore"
)

type noopBrain struct{}

func (noopBrain) Handle(ctx context.Context, rt *agentrt.Runtime, ev bus.Event) error { return nil }

func newSupervisor() (*Supervisor, store.Store, *bus.Bus) {
	st := memstore.New()
	b := bus.New(logger.NewDefault("test"))
	gate := policy.NewGate(st, b, logger.NewDefault("test"))
	return New(st, b, gate, logger.NewDefault("test")), st, b
}

func TestNew_SeedsEveryAgentAsRegistered(t *testing.T) {
	sup, _, _ := newSupervisor()
	report, err := sup.Status(context.Background(), ModeQuick)
	require.NoError(t, err)
	require.Len(t, report.Agents, len(store.AllAgentKinds()))
	for _, a := range report.Agents {
		assert.Equal(t, StatusRegistered, a.Status)
	}
}

func TestStartupShutdown_TransitionsRegisteredAgents(t *testing.T) {
	sup, st, b := newSupervisor()
	rt := agentrt.New(store.AgentKindJanitor, st, b, logger.NewDefault("test"), noopBrain{})
	sup.Register(rt)

	require.NoError(t, sup.Startup(context.Background()))
	report, err := sup.Status(context.Background(), ModeFull)
	require.NoError(t, err)

	var found bool
	for _, a := range report.Agents {
		if a.Kind == store.AgentKindJanitor {
			found = true
			assert.Equal(t, StatusStarted, a.Status)
		}
	}
	assert.True(t, found)

	require.NoError(t, sup.Shutdown(context.Background()))
	report, err = sup.Status(context.Background(), ModeQuick)
	require.NoError(t, err)
	for _, a := range report.Agents {
		if a.Kind == store.AgentKindJanitor {
			assert.Equal(t, StatusStopped, a.Status)
		}
	}
}

func TestStartup_IdempotentSkipsAlreadyStarted(t *testing.T) {
	sup, st, b := newSupervisor()
	rt := agentrt.New(store.AgentKindBackup, st, b, logger.NewDefault("test"), noopBrain{})
	sup.Register(rt)

	require.NoError(t, sup.Startup(context.Background()))
	require.NoError(t, sup.Startup(context.Background())) // no-op second call
}

func TestOnIncident_FreezesPolicyAndIncrementsCounter(t *testing.T) {
	sup, st, b := newSupervisor()
	require.NoError(t, b.Publish(context.Background(), bus.Event{
		Topic:    "incident.opened",
		Priority: bus.PriorityCritical,
		Payload:  map[string]any{"summary": "security breach detected"},
	}))

	require.Eventually(t, func() bool { return sup.IncidentsOpen() == 1 }, 2*time.Second, 10*time.Millisecond)

	snap, err := st.CurrentPolicy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.Thresholds.CostAutoCap)
}

func TestClearIncident_DecrementsCounter(t *testing.T) {
	sup, _, _ := newSupervisor()
	require.NoError(t, sup.onIncident(context.Background(), bus.Event{Payload: map[string]any{"summary": "x"}}))
	assert.Equal(t, 1, sup.IncidentsOpen())
	sup.ClearIncident()
	assert.Equal(t, 0, sup.IncidentsOpen())
}

func TestDelegate_CreatesPendingTaskAndPublishesDirective(t *testing.T) {
	sup, st, b := newSupervisor()
	rt := agentrt.New(store.AgentKindFinance, st, b, logger.NewDefault("test"), noopBrain{})
	sup.Register(rt)

	got := make(chan bus.Event, 1)
	b.Subscribe("probe", DirectiveTopic(store.AgentKindFinance), bus.PriorityNormal, func(_ context.Context, ev bus.Event) error {
		got <- ev
		return nil
	})

	task, err := sup.Delegate(context.Background(), store.AgentKindFinance, "pay the water bill", store.PriorityHigh)
	require.NoError(t, err)
	require.NotEmpty(t, task.CorrelationID)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, store.AgentKindFinance, task.OwnerAgent)

	select {
	case ev := <-got:
		assert.Equal(t, task.CorrelationID, ev.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("directive never reached the agent's inbox topic")
	}

	audit, err := st.ListAuditByCorrelation(context.Background(), task.CorrelationID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "directive", audit[0].Action)
}

func TestDelegate_RejectsUnregisteredAgent(t *testing.T) {
	sup, _, _ := newSupervisor()
	_, err := sup.Delegate(context.Background(), store.AgentKindFinance, "anything", "")
	assert.Error(t, err)
}

func TestStatus_AuditTraceIncludesJournals(t *testing.T) {
	sup, st, b := newSupervisor()
	rt := agentrt.New(store.AgentKindSecurity, st, b, logger.NewDefault("test"), noopBrain{})
	sup.Register(rt)
	require.NoError(t, sup.Startup(context.Background()))

	report, err := sup.Status(context.Background(), ModeAuditTrace)
	require.NoError(t, err)
	require.NotNil(t, report.Journals)
	_, ok := report.Journals[store.AgentKindSecurity]
	assert.True(t, ok)
}
