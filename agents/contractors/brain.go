// Package contractors implements the Contractors agent's Brain: coordinates
// outside-vendor work triggered by maintenance or project tasks.
package contractors

import (
	"context"
	"fmt"

	"github.com/hearth-os/hearth/system/agentrt"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/store"
)

// Brain reacts to contractors.dispatch_requested events.
type Brain struct{}

// New returns the Contractors agent's default rule-based Brain.
func New() *Brain { return &Brain{} }

func (b *Brain) Handle(ctx context.Context, rt *agentrt.Runtime, ev bus.Event) error {
	if ev.Topic != "contractors.dispatch_requested" {
		return nil
	}
	vendor := agentrt.PayloadString(ev, "vendor")
	if vendor == "" {
		vendor = "unspecified vendor"
	}
	_, err := rt.CreateTask(ctx, fmt.Sprintf("coordinate with %s", vendor), store.PriorityMedium, "contractors", true, ev.CorrelationID)
	return err
}
