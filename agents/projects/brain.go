// Package projects implements the Projects agent's Brain: tracks multi-step
// household initiatives as a sequence of owned tasks.
package projects

import (
	"context"
	"fmt"

	"github.com/hearth-os/hearth/system/agentrt"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/store"
)

// Brain reacts to project.* lifecycle events.
type Brain struct{}

// New returns the Projects agent's default rule-based Brain.
func New() *Brain { return &Brain{} }

func (b *Brain) Handle(ctx context.Context, rt *agentrt.Runtime, ev bus.Event) error {
	if ev.Topic != "project.milestone_due" {
		return nil
	}
	name := agentrt.PayloadString(ev, "project")
	milestone := agentrt.PayloadString(ev, "milestone")
	_, err := rt.CreateTask(ctx, fmt.Sprintf("%s: %s due", name, milestone), store.PriorityMedium, "projects", false, ev.CorrelationID)
	return err
}
