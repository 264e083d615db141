// Package maintenance implements the Maintenance agent's Brain: turns
// reported upkeep issues into tracked, evidence-backed tasks.
package maintenance

import (
	"context"
	"fmt"

	"github.com/hearth-os/hearth/system/agentrt"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/store"
)

// Brain reacts to maintenance.* and connector.health events.
type Brain struct{}

// New returns the Maintenance agent's default rule-based Brain.
func New() *Brain { return &Brain{} }

func (b *Brain) Handle(ctx context.Context, rt *agentrt.Runtime, ev bus.Event) error {
	switch ev.Topic {
	case "maintenance.issue_reported":
		what := agentrt.PayloadString(ev, "description")
		if what == "" {
			what = "unspecified maintenance issue"
		}
		_, err := rt.CreateTask(ctx, fmt.Sprintf("inspect: %s", what), store.PriorityHigh, "maintenance", true, ev.CorrelationID)
		return err
	case "connector.health":
		health := agentrt.PayloadString(ev, "health")
		if health == "unhealthy" {
			connector := agentrt.PayloadString(ev, "connector")
			_, err := rt.CreateTask(ctx, fmt.Sprintf("investigate unhealthy connector %s", connector), store.PriorityMedium, "maintenance", false, ev.CorrelationID)
			return err
		}
		return nil
	default:
		return nil
	}
}
