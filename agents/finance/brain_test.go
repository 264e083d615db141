package finance

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

func newRuntime(t *testing.T) (*agentrt.Runtime, store.Store, *policy.Gate) {
	t.Helper()
	st := memstore.New()
	require.NoError(t, st.InstallPolicy(context.Background(), &store.PolicySnapshot{
		Thresholds: store.Thresholds{CostAutoCap: 25, CostConfirmCap: 250},
	}))
	b := bus.New(logger.NewDefault("test"))
	gate := policy.NewGate(st, b, logger.NewDefault("test"))
	rt := agentrt.New(store.AgentKindFinance, st, b, logger.NewDefault("test"), New())
	rt.AttachGate(gate)
	return rt, st, gate
}

func TestPayBill_ApprovedTransferCompletesTaskWithEvidence(t *testing.T) {
	rt, st, gate := newRuntime(t)
	brain := New()

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
	err := brain.Handle(ctx, rt, bus.Event{
		Topic:         "bill.due",
		CorrelationID: "corr-bill",
		Payload:       map[string]any{"biller": "city water", "amount": 82.5},
	})
	require.NoError(t, err)

	tasks, err := st.ListTasks(context.Background(), store.ListFilter{Agent: store.AgentKindFinance})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskCompleted, tasks[0].Status)
	require.NotNil(t, tasks[0].Evidence)
	assert.Contains(t, *tasks[0].Evidence, "city water")
}

func TestPayBill_DeniedTransferLeavesTaskPending(t *testing.T) {
	rt, st, _ := newRuntime(t)
	brain := New()

	// Irreversible and past the confirm cap: the gate denies outright, no
	// approval to wait on.
	err := brain.Handle(context.Background(), rt, bus.Event{
		Topic:         "bill.due",
		CorrelationID: "corr-big",
		Payload:       map[string]any{"biller": "roofer", "amount": 9000.0},
	})
	require.NoError(t, err)

	tasks, err := st.ListTasks(context.Background(), store.ListFilter{Agent: store.AgentKindFinance})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskPending, tasks[0].Status)
}
