// Package janitor implements the Janitor agent's Brain: the only agent that
// routinely invokes the Safe-Edit protocol on the household's own
// configuration and scratch files, and performs routine housekeeping tasks.
package janitor

import (
	"context"
	"fmt"

	"github.com/hearth-os/hearth/system/agentrt"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/policy"
	"github.com/hearth-os/hearth/system/safeedit"
	"github.com/hearth-os/hearth/system/store"
)

// Brain reacts to janitor.* housekeeping events and config drift reports.
type Brain struct {
	// Edits is the Safe-Edit service corrective edits go through. Nil leaves
	// the agent in tracking-only mode (drift still opens a task).
	Edits *safeedit.Service
}

// New returns the Janitor agent's default rule-based Brain.
func New(edits *safeedit.Service) *Brain { return &Brain{Edits: edits} }

func (b *Brain) Handle(ctx context.Context, rt *agentrt.Runtime, ev bus.Event) error {
	switch ev.Topic {
	case "config.drift_detected":
		return b.repairDrift(ctx, rt, ev)
	case "janitor.cleanup_due":
		area := agentrt.PayloadString(ev, "area")
		if area == "" {
			area = "general"
		}
		_, err := rt.CreateTask(ctx, fmt.Sprintf("tidy: %s", area), store.PriorityLow, "janitor", false, ev.CorrelationID)
		return err
	case "safeedit.applied":
		path := agentrt.PayloadString(ev, "target_path")
		_, err := rt.CreateTask(ctx, fmt.Sprintf("verify edit to %s", path), store.PriorityLow, "janitor", true, ev.CorrelationID)
		return err
	default:
		return nil
	}
}

// repairDrift restores a drifted managed file to its expected content via
// the Safe-Edit protocol: gate clearance first, then stage, then apply. The
// edit is reversible by construction (the staged backup), so it typically
// auto-approves; a gate refusal or validation failure leaves the repair
// task pending for an operator.
func (b *Brain) repairDrift(ctx context.Context, rt *agentrt.Runtime, ev bus.Event) error {
	target := agentrt.PayloadString(ev, "target_path")
	expected := agentrt.PayloadString(ev, "expected_content")

	task, err := rt.CreateTask(ctx, fmt.Sprintf("repair config drift in %s", target), store.PriorityMedium, "janitor", true, ev.CorrelationID)
	if err != nil {
		return err
	}
	if b.Edits == nil || target == "" || expected == "" {
		return nil
	}

	ok, err := rt.SubmitIntent(ctx, policy.Intent{
		Action:        "safeedit_apply",
		Reversibility: store.Reversible,
		CorrelationID: ev.CorrelationID,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	backup, err := b.Edits.Stage(ctx, rt.Kind, target, []byte(expected), ev.CorrelationID)
	if err != nil {
		return err
	}
	if _, err := b.Edits.Apply(ctx, backup.ID, []byte(expected)); err != nil {
		return err
	}
	return rt.CompleteTask(ctx, task.ID, fmt.Sprintf("restored %s (edit %s)", target, backup.ID))
}
