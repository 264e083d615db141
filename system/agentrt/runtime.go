// Package agentrt implements C7: the runtime shell every one of the nine
// fixed agents runs inside. Each Runtime drains its inbox on exactly one
// goroutine (serial per agent, §3 "per-agent FIFO") and delegates decision
// making to a Brain. Grounded on the teacher's system/core.Bus subscriber
// loop shape, generalized to a ring-buffer activity journal and heartbeat
// publication the original lacked.
package agentrt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-os/hearth/pkg/herrors"
	"github.com/hearth-os/hearth/pkg/logger"
	"github.com/hearth-os/hearth/pkg/metrics"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/policy"
	"github.com/hearth-os/hearth/system/store"
)

func uuidNew() string { return uuid.NewString() }

// PayloadString safely reads a string field from an Event's Payload, which
// is typed as any so every publisher can shape its own payload map.
// Returns "" if the payload isn't a map[string]any or the key is absent or
// not a string.
func PayloadString(ev bus.Event, key string) string {
	m, ok := ev.Payload.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// PayloadFloat safely reads a float64 field from an Event's Payload.
func PayloadFloat(ev bus.Event, key string) float64 {
	m, ok := ev.Payload.(map[string]any)
	if !ok {
		return 0
	}
	f, _ := m[key].(float64)
	return f
}

// heartbeatInterval is the default cadence of system.health publications.
const heartbeatInterval = 5 * time.Second

// defaultHandlerDeadline bounds how long a Brain may take to handle one
// event before the runtime cancels it and surfaces task.timeout (§3
// "each handler gets a deadline (default 30s, configurable per event type)").
const defaultHandlerDeadline = 30 * time.Second

// journalCapacity bounds the in-memory activity journal (§3 "bounded ring
// buffer, not an unbounded log").
const journalCapacity = 200

// Brain decides how an agent responds to one inbox event. The default,
// deterministic rule-based Brain lives in agents/*; any implementation
// (including a future LLM-backed one) must be idempotent on event.ID.
type Brain interface {
	Handle(ctx context.Context, rt *Runtime, ev bus.Event) error
}

// JournalEntry is one ring-buffer record of agent activity, surfaced by the
// Supervisor's StatusReport in "full"/"audit_trace" mode.
type JournalEntry struct {
	Timestamp time.Time
	EventType string
	Summary   string
	Err       error
}

// errorAfterFailures is how many consecutive handler failures inside
// errorWindow transition the agent to the error state (§4.7).
const errorAfterFailures = 3

// errorWindow bounds how far apart consecutive failures may be and still
// count toward the error transition.
const errorWindow = 60 * time.Second

// Runtime wraps one Agent's lifecycle: inbox drain, heartbeat, and journal.
type Runtime struct {
	Kind  store.AgentKind
	Store store.Store
	Bus   *bus.Bus
	Log   *logger.Logger
	Brain Brain

	// Heartbeat overrides the default heartbeat cadence when positive
	// (HEARTBEAT_INTERVAL, §6). Set before Start.
	Heartbeat time.Duration

	mu        sync.Mutex
	journal   []JournalEntry
	deadlines map[string]time.Duration // topic -> handler deadline override
	failures  []time.Time              // consecutive handler failures, cleared on success
	gate      *policy.Gate
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a Runtime for kind. Callers subscribe it to topics with
// Subscribe before calling Start.
func New(kind store.AgentKind, st store.Store, b *bus.Bus, log *logger.Logger, brain Brain) *Runtime {
	return &Runtime{
		Kind:  kind,
		Store: st,
		Bus:   b,
		Log:   log,
		Brain: brain,
	}
}

// Subscribe wires topic to this runtime's single-threaded handler, so every
// topic this agent cares about still funnels through one inbox goroutine
// per subscription name (agent kind).
func (rt *Runtime) Subscribe(topic string, priority bus.Priority) {
	rt.Bus.Subscribe(string(rt.Kind), topic, priority, rt.handle)
}

// SetDeadline overrides the handler deadline for one topic, in place of
// defaultHandlerDeadline (§3 "configurable per event type").
func (rt *Runtime) SetDeadline(topic string, d time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.deadlines == nil {
		rt.deadlines = make(map[string]time.Duration)
	}
	rt.deadlines[topic] = d
}

func (rt *Runtime) deadlineFor(topic string) time.Duration {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if d, ok := rt.deadlines[topic]; ok && d > 0 {
		return d
	}
	return defaultHandlerDeadline
}

// handle runs the Brain against one event under a bounded deadline. On
// expiry the handler is left to finish in the background (Go has no
// preemption point to cancel it mid-flight) but the runtime stops waiting,
// records the timeout, and publishes task.timeout so the Supervisor and any
// Safe-Edit rollback logic can react without blocking the agent's inbox
// (§3 "cancels in-flight Connector calls and surfaces a task.timeout event").
func (rt *Runtime) handle(parent context.Context, ev bus.Event) error {
	ctx, cancel := context.WithTimeout(parent, rt.deadlineFor(ev.Topic))
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- rt.Brain.Handle(ctx, rt, ev)
	}()

	select {
	case err := <-done:
		metrics.RecordAgentHandler(string(rt.Kind), ev.Topic, statusOf(err), time.Since(start))
		rt.record(ev.Topic, summarize(ev, err), err)
		rt.accountFailure(parent, err)
		return err
	case <-ctx.Done():
		err := ctx.Err()
		metrics.RecordAgentHandler(string(rt.Kind), ev.Topic, "timeout", time.Since(start))
		rt.record(ev.Topic, fmt.Sprintf("%s timed out after %s", ev.Topic, rt.deadlineFor(ev.Topic)), err)
		rt.publishTimeout(ev)
		rt.accountFailure(parent, err)
		return err
	}
}

// accountFailure tracks consecutive handler failures; errorAfterFailures of
// them inside errorWindow transition the agent's durable state to error
// (§4.7 "transitions to error require at least three consecutive handler
// failures within 60 s"). Any success resets the streak.
func (rt *Runtime) accountFailure(ctx context.Context, err error) {
	rt.mu.Lock()
	if err == nil {
		rt.failures = nil
		rt.mu.Unlock()
		return
	}
	now := time.Now()
	cutoff := now.Add(-errorWindow)
	kept := rt.failures[:0]
	for _, t := range rt.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rt.failures = append(kept, now)
	trip := len(rt.failures) >= errorAfterFailures
	if trip {
		rt.failures = nil
	}
	rt.mu.Unlock()

	if trip {
		if serr := rt.SetState(ctx, store.AgentError); serr != nil && rt.Log != nil {
			rt.Log.Component("agentrt").WithField("agent", string(rt.Kind)).WithField("error", serr).Warn("failed to mark agent errored")
		}
	}
}

// AttachGate wires the Policy Gate this runtime's SubmitIntent routes
// through. Runtimes without a gate reject every intent, never bypass it.
func (rt *Runtime) AttachGate(g *policy.Gate) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.gate = g
}

// SubmitIntent routes a Brain's side-effectful intent through the Policy
// Gate, suspending the calling handler on require_confirm until the
// Approval resolves or ctx's deadline fires (§4.5 ordering guarantee).
// Returns true only when the caller may proceed with the effect.
func (rt *Runtime) SubmitIntent(ctx context.Context, in policy.Intent) (bool, error) {
	rt.mu.Lock()
	g := rt.gate
	rt.mu.Unlock()
	if g == nil {
		return false, fmt.Errorf("agentrt: %s has no policy gate attached", rt.Kind)
	}
	if in.Agent == "" {
		in.Agent = rt.Kind
	}
	v, approval, err := g.Check(ctx, in)
	if err != nil {
		return false, err
	}
	switch v.Decision {
	case policy.DecisionAuto:
		return true, nil
	case policy.DecisionDeny:
		rt.record("policy.decision", fmt.Sprintf("%s denied: %s", in.Action, v.Reason), nil)
		return false, nil
	}
	resolved, err := g.AwaitResolution(ctx, approval.ID)
	if err != nil {
		return false, err
	}
	return resolved.Status == store.ApprovalApproved, nil
}

func (rt *Runtime) publishTimeout(ev bus.Event) {
	if rt.Bus == nil {
		return
	}
	_ = rt.Bus.Publish(context.Background(), bus.Event{
		Topic:         "task.timeout",
		Priority:      bus.PriorityHigh,
		Source:        string(rt.Kind),
		CorrelationID: ev.CorrelationID,
		Payload: map[string]any{
			"agent":          string(rt.Kind),
			"original_topic": ev.Topic,
			"original_event": ev.ID,
		},
	})
}

func statusOf(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

func summarize(ev bus.Event, err error) string {
	if err != nil {
		return fmt.Sprintf("%s failed: %v", ev.Topic, err)
	}
	return fmt.Sprintf("%s handled", ev.Topic)
}

func (rt *Runtime) record(eventType, summary string, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	entry := JournalEntry{Timestamp: time.Now(), EventType: eventType, Summary: summary, Err: err}
	rt.journal = append(rt.journal, entry)
	if len(rt.journal) > journalCapacity {
		rt.journal = rt.journal[len(rt.journal)-journalCapacity:]
	}
}

// Journal returns a copy of the current activity ring buffer, oldest first.
func (rt *Runtime) Journal() []JournalEntry {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]JournalEntry, len(rt.journal))
	copy(out, rt.journal)
	return out
}

// Start registers the agent's row in the Store and begins heartbeat
// publication. Idempotent: a Start while already started is a no-op.
func (rt *Runtime) Start(ctx context.Context) error {
	if rt.stopCh != nil {
		return nil
	}
	now := time.Now()
	if err := rt.Store.UpsertAgent(ctx, &store.Agent{
		Kind:          rt.Kind,
		State:         store.AgentIdle,
		Enabled:       true,
		LastHeartbeat: now,
		Version:       1,
	}); err != nil {
		return err
	}
	rt.stopCh = make(chan struct{})
	rt.wg.Add(1)
	go rt.heartbeatLoop()
	return nil
}

// heartbeatLoop outlives the context Start was called with (often a single
// HTTP request's); its lifetime is bounded by Stop's stopCh alone.
func (rt *Runtime) heartbeatLoop() {
	defer rt.wg.Done()
	interval := rt.Heartbeat
	if interval <= 0 {
		interval = heartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stopCh:
			return
		case <-ticker.C:
			rt.beat(context.Background())
		}
	}
}

func (rt *Runtime) beat(ctx context.Context) {
	a, err := rt.Store.GetAgent(ctx, rt.Kind)
	if err != nil {
		return
	}
	a.LastHeartbeat = time.Now()
	if err := rt.Store.UpdateAgentIfVersion(ctx, a); err != nil {
		return
	}
	metrics.RecordAgentHeartbeat(string(rt.Kind))
	_ = rt.Bus.Publish(ctx, bus.Event{
		Topic:    "system.health",
		Priority: bus.PriorityLow,
		Source:   string(rt.Kind),
		Payload:  map[string]any{"agent": string(rt.Kind), "state": string(a.State)},
	})
}

// Stop halts heartbeat publication. The agent's row is left in place with
// its state set to stopped.
func (rt *Runtime) Stop(ctx context.Context) error {
	if rt.stopCh == nil {
		return nil
	}
	close(rt.stopCh)
	rt.wg.Wait()
	rt.stopCh = nil
	a, err := rt.Store.GetAgent(ctx, rt.Kind)
	if err != nil {
		return err
	}
	a.State = store.AgentStopped
	return rt.Store.UpdateAgentIfVersion(ctx, a)
}

// CreateTask inserts a new Task owned by this agent and emits task.created.
func (rt *Runtime) CreateTask(ctx context.Context, title string, priority store.TaskPriority, category string, evidenceRequired bool, correlationID string) (*store.Task, error) {
	t := &store.Task{
		ID:               uuidNew(),
		OwnerAgent:       rt.Kind,
		Title:            title,
		Priority:         priority,
		Status:           store.TaskPending,
		Category:         category,
		CreatedAt:        time.Now(),
		EvidenceRequired: evidenceRequired,
		CorrelationID:    correlationID,
		Version:          1,
	}
	if err := rt.Store.InsertTask(ctx, t); err != nil {
		return nil, err
	}
	rt.emit(ctx, "task.created", store.SeverityNormal, correlationID,
		map[string]any{"task_id": t.ID, "title": t.Title, "agent": string(rt.Kind)})
	return t, nil
}

// emit publishes a domain event on the bus and appends it to the Store's
// persistent event stream, so live subscribers and /events readers see the
// same record. Critical-severity events publish at critical priority and
// skip the local append — the bus persists every critical publish itself,
// and appending here too would double-record it.
func (rt *Runtime) emit(ctx context.Context, topic string, sev store.Severity, correlationID string, payload map[string]any) {
	priority := bus.PriorityNormal
	if sev == store.SeverityCritical {
		priority = bus.PriorityCritical
	}
	if rt.Store != nil && (sev != store.SeverityCritical || rt.Bus == nil) {
		_, _ = rt.Store.AppendEvent(ctx, &store.Event{
			Type:          topic,
			Severity:      sev,
			Source:        string(rt.Kind),
			CorrelationID: correlationID,
			Payload:       payload,
		})
	}
	if rt.Bus != nil {
		_ = rt.Bus.Publish(ctx, bus.Event{
			Topic:         topic,
			Priority:      priority,
			Source:        string(rt.Kind),
			CorrelationID: correlationID,
			Payload:       payload,
		})
	}
}

// CompleteTask marks a task completed, enforcing the completion-evidence
// invariant: a task created with EvidenceRequired must carry non-empty
// Evidence before it may transition to completed (§3, §8). A violation is
// treated as a bug, not bad input: the action is refused and a critical
// incident.opened is raised (§7 rule 6).
func (rt *Runtime) CompleteTask(ctx context.Context, taskID, evidence string) error {
	t, err := rt.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.EvidenceRequired && evidence == "" {
		rt.emit(ctx, "incident.opened", store.SeverityCritical, t.CorrelationID, map[string]any{
			"summary": "task marked complete without required evidence",
			"task_id": t.ID,
			"agent":   string(rt.Kind),
		})
		return herrors.InvariantViolation(fmt.Sprintf("task %s requires completion evidence", taskID))
	}
	t.Status = store.TaskCompleted
	if evidence != "" {
		t.Evidence = &evidence
	}
	if err := rt.Store.UpdateTaskIfVersion(ctx, t); err != nil {
		return err
	}
	rt.emit(ctx, "task.completed", store.SeverityNormal, t.CorrelationID, map[string]any{"task_id": t.ID})
	return nil
}

// SetState transitions the agent's durable state (e.g. idle -> running ->
// error); the Runtime calls it itself when a handler fails.
func (rt *Runtime) SetState(ctx context.Context, state store.AgentState) error {
	a, err := rt.Store.GetAgent(ctx, rt.Kind)
	if err != nil {
		return err
	}
	a.State = state
	if state == store.AgentError {
		a.ErrorCount++
	}
	return rt.Store.UpdateAgentIfVersion(ctx, a)
}
