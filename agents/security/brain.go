// Package security implements the Security agent's Brain: the highest-
// priority responder, escalating any security.breach event straight to a
// critical, evidence-required task rather than routing it through the
// normal triage path.
package security

import (
	"context"
	"fmt"

	"github.com/hearth-os/hearth/system/agentrt"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/store"
)

// Brain reacts to security.* events.
type Brain struct{}

// New returns the Security agent's default rule-based Brain.
func New() *Brain { return &Brain{} }

func (b *Brain) Handle(ctx context.Context, rt *agentrt.Runtime, ev bus.Event) error {
	switch ev.Topic {
	case "security.breach":
		what := agentrt.PayloadString(ev, "description")
		if what == "" {
			what = "unspecified breach signal"
		}
		_, err := rt.CreateTask(ctx, fmt.Sprintf("SECURITY: %s", what), store.PriorityUrgent, "security", true, ev.CorrelationID)
		return err
	case "security.access_anomaly":
		who := agentrt.PayloadString(ev, "actor")
		_, err := rt.CreateTask(ctx, fmt.Sprintf("review access anomaly for %s", who), store.PriorityHigh, "security", true, ev.CorrelationID)
		return err
	default:
		return nil
	}
}
