// Package supervisor implements C8: the Manager's system-wide lifecycle
// orchestrator — idempotent startup/shutdown of the nine fixed agents, a
// health monitor per agent, and incident handling that freezes
// auto-approval. Grounded on the teacher's system/core (Engine's
// StatusRegistered/Starting/Started/Stopped/Failed state machine and
// HealthMonitor's name->ModuleHealth map), generalized from arbitrary
// pluggable modules to the fixed nine-agent roster this system always runs.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-os/hearth/pkg/logger"
	"github.com/hearth-os/hearth/pkg/metrics"
	"github.com/hearth-os/hearth/system/agentrt"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/policy"
	"github.com/hearth-os/hearth/system/store"
)

// Status mirrors the teacher's module lifecycle vocabulary, applied to the
// whole supervised agent roster rather than one pluggable module.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusStarting   Status = "starting"
	StatusStarted    Status = "started"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

// AgentHealth is one agent's current lifecycle snapshot.
type AgentHealth struct {
	Kind        store.AgentKind
	Status      Status
	Error       string
	StartedAt   *time.Time
	StoppedAt   *time.Time
	UpdatedAt   time.Time
}

// StatusReportMode selects how much detail /status returns (§6).
type StatusReportMode string

const (
	ModeQuick      StatusReportMode = "quick"
	ModeFull       StatusReportMode = "full"
	ModeAuditTrace StatusReportMode = "audit_trace"
)

// StatusReport is the Supervisor's answer to GET /status.
type StatusReport struct {
	Mode          StatusReportMode
	Agents        []AgentHealth
	ApprovalsOpen int
	IncidentsOpen int
	GeneratedAt   time.Time
	Journals      map[store.AgentKind][]agentrt.JournalEntry // only in audit_trace mode
}

// Supervisor owns the lifecycle of every agent runtime plus incident state.
type Supervisor struct {
	st   store.Store
	b    *bus.Bus
	gate *policy.Gate
	log  *logger.Logger

	mu        sync.RWMutex
	runtimes  map[store.AgentKind]*agentrt.Runtime
	health    map[store.AgentKind]AgentHealth
	incidents int
}

// New creates a Supervisor bound to the shared Store, Bus, and Policy Gate.
func New(st store.Store, b *bus.Bus, gate *policy.Gate, log *logger.Logger) *Supervisor {
	s := &Supervisor{
		st:       st,
		b:        b,
		gate:     gate,
		log:      log,
		runtimes: make(map[store.AgentKind]*agentrt.Runtime),
		health:   make(map[store.AgentKind]AgentHealth),
	}
	for _, k := range store.AllAgentKinds() {
		s.health[k] = AgentHealth{Kind: k, Status: StatusRegistered, UpdatedAt: time.Now()}
	}
	if b != nil {
		b.Subscribe("supervisor", "system.health", bus.PriorityLow, s.onHealthEvent)
		b.Subscribe("supervisor", "incident.opened", bus.PriorityCritical, s.onIncident)
		b.Subscribe("supervisor", bus.DeadLetterTopic, bus.PriorityLow, s.onDeadLetter)
	}
	return s
}

// onDeadLetter observes events whose subscriber exhausted its retries
// (§4.2 "a dead-letter topic observable by the Supervisor").
func (s *Supervisor) onDeadLetter(ctx context.Context, ev bus.Event) error {
	if s.log != nil {
		m, _ := ev.Payload.(map[string]any)
		s.log.Component("supervisor").WithField("original_topic", m["original_topic"]).
			WithField("subscriber", m["subscriber"]).Warn("event dead-lettered")
	}
	return nil
}

// Register attaches a constructed Runtime for kind before Startup.
func (s *Supervisor) Register(rt *agentrt.Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimes[rt.Kind] = rt
}

// RegisteredKinds lists the agent kinds with an attached Runtime, in roster
// order — the "agent runtime set" the /monitor frontend contract keys on.
func (s *Supervisor) RegisteredKinds() []store.AgentKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.AgentKind, 0, len(s.runtimes))
	for _, k := range store.AllAgentKinds() {
		if _, ok := s.runtimes[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Startup starts every registered agent in the fixed roster order
// (manager first so it can observe the rest coming up). Idempotent:
// an agent already StatusStarted is skipped.
func (s *Supervisor) Startup(ctx context.Context) error {
	for _, kind := range store.AllAgentKinds() {
		s.mu.RLock()
		h := s.health[kind]
		rt, ok := s.runtimes[kind]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if h.Status == StatusStarted {
			continue
		}
		s.setStatus(kind, StatusStarting, "")
		if err := rt.Start(ctx); err != nil {
			s.setStatus(kind, StatusFailed, err.Error())
			return fmt.Errorf("supervisor: start %s: %w", kind, err)
		}
		s.setStatus(kind, StatusStarted, "")
	}
	s.publishModuleMetrics()
	return nil
}

func (s *Supervisor) publishModuleMetrics() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mods := make([]metrics.ModuleMetric, 0, len(s.health))
	for _, k := range store.AllAgentKinds() {
		h := s.health[k]
		ready := "not-ready"
		if h.Status == StatusStarted {
			ready = "ready"
		}
		mods = append(mods, metrics.ModuleMetric{Name: string(k), Domain: "agent", Status: string(h.Status), Ready: ready})
	}
	metrics.RecordModuleMetrics(mods)
}

// Shutdown stops every started agent in reverse roster order. Idempotent:
// an already-stopped agent is skipped.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	kinds := store.AllAgentKinds()
	var errs []error
	for i := len(kinds) - 1; i >= 0; i-- {
		kind := kinds[i]
		s.mu.RLock()
		h := s.health[kind]
		rt, ok := s.runtimes[kind]
		s.mu.RUnlock()
		if !ok || h.Status == StatusStopped {
			continue
		}
		if err := rt.Stop(ctx); err != nil {
			errs = append(errs, err)
			s.setStatus(kind, StatusFailed, err.Error())
			continue
		}
		s.setStatus(kind, StatusStopped, "")
	}
	s.publishModuleMetrics()
	if len(errs) > 0 {
		return fmt.Errorf("supervisor: %d agent(s) failed to stop cleanly", len(errs))
	}
	return nil
}

// DirectiveTopic is the per-agent inbox topic Delegate publishes on; each
// runtime subscribes to its own kind's topic at wiring time.
func DirectiveTopic(kind store.AgentKind) string {
	return "directive." + string(kind)
}

// Delegate routes a user directive to kind's agent: a fresh correlation ID
// is stamped, a pending Task is persisted under that agent, the directive is
// published to the agent's inbox topic, and the delegation itself is
// audited so an audit_trace query can recover the full causal chain
// (§4.8 "Delegation is a publish to the agent's inbox plus a pending Task").
func (s *Supervisor) Delegate(ctx context.Context, kind store.AgentKind, directive string, priority store.TaskPriority) (*store.Task, error) {
	s.mu.RLock()
	_, registered := s.runtimes[kind]
	s.mu.RUnlock()
	if !registered {
		return nil, fmt.Errorf("supervisor: no agent registered for kind %q", kind)
	}
	if directive == "" {
		return nil, fmt.Errorf("supervisor: empty directive")
	}
	if priority == "" {
		priority = store.PriorityMedium
	}

	correlationID := uuid.NewString()
	task := &store.Task{
		ID:            uuid.NewString(),
		OwnerAgent:    kind,
		Title:         directive,
		Priority:      priority,
		Status:        store.TaskPending,
		Category:      "directive",
		CreatedAt:     time.Now(),
		CorrelationID: correlationID,
		Version:       1,
	}
	if err := s.st.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	if _, err := s.st.AppendAudit(ctx, &store.AuditRecord{
		ActorAgent:    store.AgentKindManager,
		Action:        "directive",
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}); err != nil && s.log != nil {
		s.log.Component("supervisor").WithField("error", err).Warn("failed to audit delegation")
	}
	_, _ = s.st.AppendEvent(ctx, &store.Event{
		Type:          "directive",
		Severity:      store.SeverityNormal,
		Source:        "supervisor",
		CorrelationID: correlationID,
		Payload:       map[string]any{"agent": string(kind), "task_id": task.ID},
	})
	if s.b != nil {
		_ = s.b.Publish(ctx, bus.Event{
			Topic:         DirectiveTopic(kind),
			Priority:      bus.PriorityNormal,
			Source:        "supervisor",
			CorrelationID: correlationID,
			Payload: map[string]any{
				"directive": directive,
				"task_id":   task.ID,
			},
		})
	}
	return task, nil
}

func (s *Supervisor) setStatus(kind store.AgentKind, status Status, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health[kind]
	h.Status = status
	h.Error = errMsg
	now := time.Now()
	h.UpdatedAt = now
	if status == StatusStarted {
		h.StartedAt = &now
	}
	if status == StatusStopped {
		h.StoppedAt = &now
	}
	s.health[kind] = h
}

func (s *Supervisor) onHealthEvent(ctx context.Context, ev bus.Event) error {
	m, ok := ev.Payload.(map[string]any)
	if !ok {
		return nil
	}
	agentStr, _ := m["agent"].(string)
	if agentStr == "" {
		return nil
	}
	s.mu.Lock()
	h := s.health[store.AgentKind(agentStr)]
	h.UpdatedAt = time.Now()
	s.health[store.AgentKind(agentStr)] = h
	s.mu.Unlock()
	return nil
}

// onIncident freezes auto-approval system-wide on any critical incident,
// per §3 "the Supervisor freezes auto-approval ... until cleared".
func (s *Supervisor) onIncident(ctx context.Context, ev bus.Event) error {
	s.mu.Lock()
	s.incidents++
	s.mu.Unlock()
	metrics.SetIncidentsOpen(s.IncidentsOpen())
	if s.gate == nil {
		return nil
	}
	summary, _ := ev.Payload.(map[string]any)["summary"].(string)
	return s.gate.Freeze(ctx, summary)
}

// ClearIncident decrements the open-incident counter. It does not
// automatically restore the prior cost_auto_cap; an operator must install
// a fresh PolicySnapshot once the incident is resolved.
func (s *Supervisor) ClearIncident() {
	s.mu.Lock()
	if s.incidents > 0 {
		s.incidents--
	}
	s.mu.Unlock()
	metrics.SetIncidentsOpen(s.IncidentsOpen())
}

// IncidentsOpen reports the current open-incident count.
func (s *Supervisor) IncidentsOpen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.incidents
}

// Status assembles a StatusReport at the requested detail level.
func (s *Supervisor) Status(ctx context.Context, mode StatusReportMode) (*StatusReport, error) {
	s.mu.RLock()
	agents := make([]AgentHealth, 0, len(s.health))
	for _, k := range store.AllAgentKinds() {
		agents = append(agents, s.health[k])
	}
	runtimes := make(map[store.AgentKind]*agentrt.Runtime, len(s.runtimes))
	for k, rt := range s.runtimes {
		runtimes[k] = rt
	}
	s.mu.RUnlock()

	pending, err := s.st.ListApprovals(ctx, store.ApprovalPending)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		Mode:          mode,
		Agents:        agents,
		ApprovalsOpen: len(pending),
		IncidentsOpen: s.IncidentsOpen(),
		GeneratedAt:   time.Now(),
	}
	if mode == ModeAuditTrace {
		report.Journals = make(map[store.AgentKind][]agentrt.JournalEntry, len(runtimes))
		for k, rt := range runtimes {
			report.Journals[k] = rt.Journal()
		}
	}
	return report, nil
}
