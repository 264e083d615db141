// Package audit implements C9: the append-only audit/cost telemetry
// recorder and the windowed aggregates the control plane serves to
// dashboards. Grounded on system/store's append-only AuditRecord stream
// (per-stream Seq) and the teacher's Prometheus metrics mirroring pattern
// already established in pkg/metrics.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-os/hearth/pkg/metrics"
	"github.com/hearth-os/hearth/system/store"
)

// Recorder appends AuditRecords and mirrors cost data onto Prometheus.
type Recorder struct {
	st store.Store
}

// New creates a Recorder bound to st.
func New(st store.Store) *Recorder {
	return &Recorder{st: st}
}

// Record appends one audit entry for an agent's completed action.
func (r *Recorder) Record(ctx context.Context, actor store.AgentKind, action, inputsHash, outputsHash, model string, tokens int, costEstimate float64, correlationID string) (*store.AuditRecord, error) {
	rec := &store.AuditRecord{
		ActionID:      uuid.NewString(),
		ActorAgent:    actor,
		Action:        action,
		InputsHash:    inputsHash,
		OutputsHash:   outputsHash,
		Model:         model,
		Tokens:        tokens,
		CostEstimate:  costEstimate,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}
	out, err := r.st.AppendAudit(ctx, rec)
	if err != nil {
		return nil, err
	}
	metrics.RecordCost(string(actor), action, costEstimate)
	return out, nil
}

// BackfillActual records the real cost of a prior action once it's known
// (e.g. after a connector call settles), per §4 "cost_actual event may
// arrive later than cost_estimate".
func (r *Recorder) BackfillActual(ctx context.Context, actionID string, actual float64) error {
	metrics.RecordCost("unknown", "cost.actual", actual)
	_, err := r.st.AppendAudit(ctx, &store.AuditRecord{
		ActionID:     actionID + "-actual",
		Action:       "cost.actual",
		CostEstimate: 0,
		CostActual:   &actual,
		Timestamp:    time.Now(),
	})
	return err
}

// Aggregate is a derived cost/activity view over a time window, surfaced by
// the Supervisor's StatusReport and the control plane.
type Aggregate struct {
	Since        time.Time
	Until        time.Time
	TotalActions int
	TotalCost    float64
	ByAgent      map[store.AgentKind]float64
}

// Window computes an Aggregate over [since, until) by scanning the audit
// stream. Intended for dashboards, not the hot path.
func (r *Recorder) Window(ctx context.Context, since, until time.Time) (*Aggregate, error) {
	agg := &Aggregate{Since: since, Until: until, ByAgent: make(map[store.AgentKind]float64)}
	var sinceSeq int64
	const pageSize = 500
	for {
		records, err := r.st.ListAudit(ctx, sinceSeq, pageSize)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			sinceSeq = rec.Seq
			if rec.Timestamp.Before(since) || !rec.Timestamp.Before(until) {
				continue
			}
			agg.TotalActions++
			cost := rec.CostEstimate
			if rec.CostActual != nil {
				cost = *rec.CostActual
			}
			agg.TotalCost += cost
			agg.ByAgent[rec.ActorAgent] += cost
		}
		if len(records) < pageSize {
			break
		}
	}
	return agg, nil
}

// ByCorrelation returns every audit record sharing a correlation ID, used
// to reconstruct the full trail behind one Intent (§6 audit_trace mode).
func (r *Recorder) ByCorrelation(ctx context.Context, correlationID string) ([]*store.AuditRecord, error) {
	return r.st.ListAuditByCorrelation(ctx, correlationID)
}
