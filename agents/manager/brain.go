// Package manager implements the Manager agent's Brain: the household's
// front-of-house coordinator, which turns inbound "household.request"
// events into tasks routed to itself and surfaces cross-agent summaries.
// No LLM is invoked; the decision table is deterministic per SPEC_FULL §4.7.
package manager

import (
	"context"
	"fmt"

	"github.com/hearth-os/hearth/system/agentrt"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/store"
)

// Brain handles top-level household requests and routes follow-up work.
type Brain struct{}

// New returns the Manager's default rule-based Brain.
func New() *Brain { return &Brain{} }

// Handle creates a pending triage task for any household.request event and
// an urgent review task for incident.opened; all other topics are
// acknowledged without action (the Manager mostly observes).
func (b *Brain) Handle(ctx context.Context, rt *agentrt.Runtime, ev bus.Event) error {
	switch ev.Topic {
	case "household.request":
		summary := agentrt.PayloadString(ev, "summary")
		if summary == "" {
			summary = "unspecified household request"
		}
		_, err := rt.CreateTask(ctx, fmt.Sprintf("triage: %s", summary), store.PriorityMedium, "triage", false, ev.CorrelationID)
		return err
	case "incident.opened":
		_, err := rt.CreateTask(ctx, "review open incident", store.PriorityUrgent, "incident", true, ev.CorrelationID)
		return err
	default:
		return nil
	}
}
