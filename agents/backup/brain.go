// Package backup implements the Backup agent's Brain: reacts to scheduled
// backup jobs by exporting the full persisted state, and opens a task when
// the scheduler disables a backup job after repeated failures.
package backup

import (
	"context"
	"fmt"

	"github.com/hearth-os/hearth/system/agentrt"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/store"
)

// Exporter runs one full state export (the backup export half of §6's
// export/restore pair) and returns the archive's destination path.
type Exporter func(ctx context.Context) (string, error)

// Brain reacts to scheduler.tick events for jobs owned by this agent.
type Brain struct {
	// Export runs the state export backing this agent's scheduled job. Nil
	// leaves the agent in tracking-only mode (tasks are still opened).
	Export Exporter
}

// New returns the Backup agent's default rule-based Brain.
func New(export Exporter) *Brain { return &Brain{Export: export} }

func (b *Brain) Handle(ctx context.Context, rt *agentrt.Runtime, ev bus.Event) error {
	switch ev.Topic {
	case "scheduler.tick":
		if agentrt.PayloadString(ev, "agent") != string(store.AgentKindBackup) {
			return nil
		}
		job := agentrt.PayloadString(ev, "job")
		task, err := rt.CreateTask(ctx, fmt.Sprintf("run backup export for job %s", job), store.PriorityMedium, "backup", true, ev.CorrelationID)
		if err != nil {
			return err
		}
		if b.Export == nil {
			return nil
		}
		dest, err := b.Export(ctx)
		if err != nil {
			return fmt.Errorf("backup export: %w", err)
		}
		return rt.CompleteTask(ctx, task.ID, "exported to "+dest)
	case "scheduler.job.disabled":
		job := agentrt.PayloadString(ev, "job")
		_, err := rt.CreateTask(ctx, fmt.Sprintf("backup job %s disabled after repeated failures", job), store.PriorityHigh, "backup", false, ev.CorrelationID)
		return err
	default:
		return nil
	}
}
