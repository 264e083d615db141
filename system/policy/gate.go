package policy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-os/hearth/pkg/logger"
	"github.com/hearth-os/hearth/pkg/metrics"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/store"
)

// defaultApprovalTTL matches SPEC_FULL.md's Open Question decision: 24h.
const defaultApprovalTTL = 24 * time.Hour

// Gate evaluates Intents against the current PolicySnapshot and, for
// require_confirm verdicts, opens an Approval for an operator to resolve.
type Gate struct {
	st  store.Store
	b   *bus.Bus
	log *logger.Logger
}

// NewGate creates a Gate bound to st for snapshot reads/approval writes and
// b for publishing policy.decision / approval.* events.
func NewGate(st store.Store, b *bus.Bus, log *logger.Logger) *Gate {
	return &Gate{st: st, b: b, log: log}
}

// Check evaluates intent against the current snapshot. For DecisionAuto the
// caller may proceed immediately. For DecisionRequireConfirm an Approval is
// created and its ID returned for the caller to poll/await. For
// DecisionDeny the caller must not act.
func (g *Gate) Check(ctx context.Context, intent Intent) (Verdict, *store.Approval, error) {
	snapshot, err := g.st.CurrentPolicy(ctx)
	if err != nil {
		return Verdict{}, nil, err
	}

	v := Evaluate(ctx, snapshot, intent, time.Now())
	metrics.RecordPolicyDecision(string(v.Decision))
	g.publish(ctx, "policy.decision", intent, v)
	g.recordAudit(ctx, intent.Agent, "intent."+string(v.Decision), intent.CostEstimate, intent.CorrelationID)

	if v.Decision != DecisionRequireConfirm {
		return v, nil, nil
	}

	now := time.Now()
	approval := &store.Approval{
		ID:             uuid.NewString(),
		RequesterAgent: intent.Agent,
		Intent:         intent.Action,
		CostEstimate:   intent.CostEstimate,
		Reversibility:  intent.Reversibility,
		RiskTags:       intent.RiskTags,
		Status:         store.ApprovalPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(defaultApprovalTTL),
		CorrelationID:  intent.CorrelationID,
		Version:        1,
	}
	if err := g.st.InsertApproval(ctx, approval); err != nil {
		return v, nil, err
	}
	g.refreshPending(ctx)
	g.publishApproval(ctx, "approval.required", approval)
	return v, approval, nil
}

// Resolve records an operator's decision on a pending Approval. Resolution
// is permanent: re-resolving an already-resolved Approval returns
// store.ErrConflict (Resolve checks that the Approval is still pending).
func (g *Gate) Resolve(ctx context.Context, approvalID, resolvedBy string, approve bool) (*store.Approval, error) {
	a, err := g.st.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != store.ApprovalPending {
		return a, store.ErrConflict
	}
	if time.Now().After(a.ExpiresAt) {
		a.Status = store.ApprovalExpired
	} else if approve {
		a.Status = store.ApprovalApproved
	} else {
		a.Status = store.ApprovalDenied
	}
	now := time.Now()
	a.ResolvedBy = resolvedBy
	a.ResolvedAt = &now
	if err := g.st.UpdateApprovalIfVersion(ctx, a); err != nil {
		return nil, err
	}
	g.refreshPending(ctx)
	g.publishApproval(ctx, "approval.resolved", a)
	g.recordAudit(ctx, a.RequesterAgent, "approval."+string(a.Status), a.CostEstimate, a.CorrelationID)
	return a, nil
}

// awaitPollInterval is how often AwaitResolution re-reads a pending
// Approval while the originating handler is suspended on it.
const awaitPollInterval = 500 * time.Millisecond

// AwaitResolution blocks until the Approval leaves pending or ctx expires,
// implementing §4.5's ordering guarantee: an Intent that required
// confirmation must not produce its effect before the operator resolves it.
// Callers run inside a handler deadline, so a never-resolved Approval
// surfaces as the handler's timeout rather than a hang.
func (g *Gate) AwaitResolution(ctx context.Context, approvalID string) (*store.Approval, error) {
	ticker := time.NewTicker(awaitPollInterval)
	defer ticker.Stop()
	for {
		a, err := g.st.GetApproval(ctx, approvalID)
		if err != nil {
			return nil, err
		}
		if a.Status != store.ApprovalPending {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return a, ctx.Err()
		case <-ticker.C:
		}
	}
}

// recordAudit appends the C9 audit entry backing every gate decision and
// resolution. Best-effort: a storage hiccup here must not turn a policy
// verdict into an error for the caller.
func (g *Gate) recordAudit(ctx context.Context, actor store.AgentKind, action string, cost float64, correlationID string) {
	_, err := g.st.AppendAudit(ctx, &store.AuditRecord{
		ActorAgent:    actor,
		Action:        action,
		CostEstimate:  cost,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	})
	if err != nil && g.log != nil {
		g.log.Component("policy").WithField("error", err).Warn("failed to append gate audit record")
	}
}

// ExpirePending sweeps pending approvals past their TTL, marking them
// expired. It runs only when a caller invokes it; the Gate schedules no
// sweep of its own.
func (g *Gate) ExpirePending(ctx context.Context) (int, error) {
	pending, err := g.st.ListApprovals(ctx, store.ApprovalPending)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	expired := 0
	for _, a := range pending {
		if !now.After(a.ExpiresAt) {
			continue
		}
		a.Status = store.ApprovalExpired
		a.ResolvedAt = &now
		a.ResolvedBy = "system"
		if err := g.st.UpdateApprovalIfVersion(ctx, a); err == nil {
			expired++
			g.publishApproval(ctx, "approval.expired", a)
		}
	}
	if expired > 0 {
		g.refreshPending(ctx)
	}
	return expired, nil
}

// Freeze installs a new PolicySnapshot with cost_auto_cap set to zero,
// forcing every subsequent Intent through require_confirm or deny. Used by
// the Supervisor when an incident is declared (§8 "auto-approval freeze").
func (g *Gate) Freeze(ctx context.Context, reason string) error {
	current, err := g.st.CurrentPolicy(ctx)
	if err != nil {
		return err
	}
	frozen := *current
	frozen.Version = current.Version + 1
	frozen.Thresholds.CostAutoCap = 0
	frozen.CreatedAt = time.Now()
	if err := g.st.InstallPolicy(ctx, &frozen); err != nil {
		return err
	}
	metrics.SetCostAutoCap(0)
	if g.b != nil {
		// High, not critical: the freeze is the response to an incident, and
		// a critical publish here would escalate into a fresh incident and
		// re-enter Freeze.
		_ = g.b.Publish(ctx, bus.Event{
			Topic:    "policy.frozen",
			Priority: bus.PriorityHigh,
			Source:   "policy",
			Payload:  map[string]any{"reason": reason},
		})
	}
	return nil
}

func (g *Gate) refreshPending(ctx context.Context) {
	pending, err := g.st.ListApprovals(ctx, store.ApprovalPending)
	if err != nil {
		return
	}
	metrics.SetApprovalsPending(len(pending))
}

// publish emits a gate decision both onto the bus (for live subscribers)
// and into the Store's persistent event stream (for /events readers and
// audit-trace reconstruction).
func (g *Gate) publish(ctx context.Context, topic string, intent Intent, v Verdict) {
	payload := map[string]any{
		"agent":    string(intent.Agent),
		"action":   intent.Action,
		"decision": string(v.Decision),
		"reason":   v.Reason,
	}
	_, _ = g.st.AppendEvent(ctx, &store.Event{
		Type:          topic,
		Severity:      store.SeverityNormal,
		Source:        "policy",
		CorrelationID: intent.CorrelationID,
		Payload:       payload,
	})
	if g.b == nil {
		return
	}
	_ = g.b.Publish(ctx, bus.Event{
		Topic:         topic,
		Priority:      bus.PriorityNormal,
		Source:        "policy",
		CorrelationID: intent.CorrelationID,
		Payload:       payload,
	})
}

func (g *Gate) publishApproval(ctx context.Context, topic string, a *store.Approval) {
	payload := map[string]any{
		"approval_id": a.ID,
		"status":      string(a.Status),
	}
	_, _ = g.st.AppendEvent(ctx, &store.Event{
		Type:          topic,
		Severity:      store.SeverityHigh,
		Source:        "policy",
		CorrelationID: a.CorrelationID,
		Payload:       payload,
	})
	if g.b == nil {
		return
	}
	_ = g.b.Publish(ctx, bus.Event{
		Topic:         topic,
		Priority:      bus.PriorityHigh,
		Source:        "policy",
		CorrelationID: a.CorrelationID,
		Payload:       payload,
	})
}
