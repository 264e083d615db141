// Package finance implements the Finance agent's Brain: pays due bills
// through the Policy Gate, tracks cost events, and opens review tasks when
// spend approaches policy caps.
package finance

import (
	"context"
	"fmt"

	"github.com/hearth-os/hearth/system/agentrt"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/policy"
	"github.com/hearth-os/hearth/system/store"
)

// Brain reacts to bill.due, cost.*, and policy.* events.
type Brain struct{}

// New returns the Finance agent's default rule-based Brain.
func New() *Brain { return &Brain{} }

func (b *Brain) Handle(ctx context.Context, rt *agentrt.Runtime, ev bus.Event) error {
	switch ev.Topic {
	case "bill.due":
		return b.payBill(ctx, rt, ev)
	case "cost.actual":
		actual := agentrt.PayloadFloat(ev, "amount")
		if actual <= 0 {
			return nil
		}
		_, err := rt.CreateTask(ctx, fmt.Sprintf("reconcile cost entry ($%.2f)", actual), store.PriorityLow, "finance", true, ev.CorrelationID)
		return err
	case "policy.frozen":
		_, err := rt.CreateTask(ctx, "review frozen auto-approval policy", store.PriorityUrgent, "finance", false, ev.CorrelationID)
		return err
	default:
		return nil
	}
}

// payBill proposes a finance_transfer intent for a due bill. The transfer is
// a restricted side effect, so the gate always routes it through an
// Approval; the handler suspends on SubmitIntent until the operator
// resolves it or the handler deadline fires. An unapproved transfer leaves
// the payment task pending for manual follow-up.
func (b *Brain) payBill(ctx context.Context, rt *agentrt.Runtime, ev bus.Event) error {
	biller := agentrt.PayloadString(ev, "biller")
	if biller == "" {
		biller = "unknown biller"
	}
	amount := agentrt.PayloadFloat(ev, "amount")

	task, err := rt.CreateTask(ctx, fmt.Sprintf("pay %s bill ($%.2f)", biller, amount), store.PriorityHigh, "finance", true, ev.CorrelationID)
	if err != nil {
		return err
	}

	ok, err := rt.SubmitIntent(ctx, policy.Intent{
		Action:        "finance_transfer",
		CostEstimate:  amount,
		Reversibility: store.Irreversible,
		SideEffects:   []string{policy.SideEffectFinanceTransfer},
		CorrelationID: ev.CorrelationID,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return rt.CompleteTask(ctx, task.ID, fmt.Sprintf("transfer of $%.2f to %s authorized", amount, biller))
}
