// Package store defines the durable entities of the household operating
// system (C1 State Store) and the transactional interface used to mutate
// them. Concrete persistence lives in the sibling memstore package
// (in-memory, used by tests and by hearthd when no DSN is set) and in this
// package's postgres.go (sqlx/lib/pq).
package store

import "time"

// AgentState is the lifecycle state of an Agent entity.
type AgentState string

const (
	AgentOffline AgentState = "offline"
	AgentIdle    AgentState = "idle"
	AgentRunning AgentState = "running"
	AgentError   AgentState = "error"
	AgentStopped AgentState = "stopped"
)

// AgentKind enumerates the nine fixed agent kinds the Supervisor instantiates.
type AgentKind string

const (
	AgentKindManager     AgentKind = "manager"
	AgentKindFinance     AgentKind = "finance"
	AgentKindMaintenance AgentKind = "maintenance"
	AgentKindContractors AgentKind = "contractors"
	AgentKindProjects    AgentKind = "projects"
	AgentKindSecurity    AgentKind = "security"
	AgentKindJanitor     AgentKind = "janitor"
	AgentKindBackup      AgentKind = "backup"
	AgentKindMailSkill   AgentKind = "mail-skill"
)

// AllAgentKinds lists the fixed agent roster in startup order.
func AllAgentKinds() []AgentKind {
	return []AgentKind{
		AgentKindManager,
		AgentKindFinance,
		AgentKindMaintenance,
		AgentKindContractors,
		AgentKindProjects,
		AgentKindSecurity,
		AgentKindJanitor,
		AgentKindBackup,
		AgentKindMailSkill,
	}
}

// Agent is the durable record of one agent's lifecycle. Exactly one exists
// per AgentKind, created at process init and destroyed at shutdown.
type Agent struct {
	ID            string     `json:"id" db:"id"`
	Kind          AgentKind  `json:"kind" db:"kind"`
	State         AgentState `json:"state" db:"state"`
	Enabled       bool       `json:"enabled" db:"enabled"`
	LastHeartbeat time.Time  `json:"last_heartbeat" db:"last_heartbeat"`
	ErrorCount    int        `json:"error_count" db:"error_count"`
	PendingTasks  int        `json:"pending_tasks" db:"pending_tasks"`
	Version       int64      `json:"version" db:"version"`
}

// TaskPriority is the urgency ordering used by agent owners and dashboards.
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "urgent"
	PriorityHigh   TaskPriority = "high"
	PriorityMedium TaskPriority = "medium"
	PriorityLow    TaskPriority = "low"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is owned by a single agent; completion requires non-null Evidence
// whenever EvidenceRequired is set (§3, "Completion evidence" invariant).
type Task struct {
	ID               string       `json:"id" db:"id"`
	OwnerAgent       AgentKind    `json:"owner_agent" db:"owner_agent"`
	Title            string       `json:"title" db:"title"`
	Priority         TaskPriority `json:"priority" db:"priority"`
	Status           TaskStatus   `json:"status" db:"status"`
	Category         string       `json:"category" db:"category"`
	DueAt            *time.Time   `json:"due_at,omitempty" db:"due_at"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	EvidenceRequired bool         `json:"evidence_required" db:"evidence_required"`
	Evidence         *string      `json:"evidence,omitempty" db:"evidence"`
	CorrelationID    string       `json:"correlation_id,omitempty" db:"correlation_id"`
	Version          int64        `json:"version" db:"version"`
}

// JobFrequency is the recurrence spec a scheduled Job follows.
type JobFrequency string

const (
	FreqOnce    JobFrequency = "once"
	FreqHourly  JobFrequency = "hourly"
	FreqDaily   JobFrequency = "daily"
	FreqWeekly  JobFrequency = "weekly"
	FreqMonthly JobFrequency = "monthly"
)

// JobStatus records the outcome of the most recent run.
type JobStatus string

const (
	JobStatusNone    JobStatus = ""
	JobStatusSuccess JobStatus = "succeeded"
	JobStatusFailed  JobStatus = "failed"
)

// Job is a scheduled unit of work (C4 Scheduler). next_run is the next
// instant after now matching Frequency (or CronSpec), shifted by up to ±30s
// of jitter, and pushed further out by backoff after repeated failures.
type Job struct {
	ID           string       `json:"id" db:"id"`
	Name         string       `json:"name" db:"name"`
	Agent        AgentKind    `json:"agent" db:"agent"`
	TaskSpec     string       `json:"task_spec" db:"task_spec"`
	CronSpec     string       `json:"cron_spec,omitempty" db:"cron_spec"` // optional robfig/cron/v3 5-field window
	Frequency    JobFrequency `json:"frequency" db:"frequency"`
	Hour         int          `json:"hour" db:"hour"`
	Minute       int          `json:"minute" db:"minute"`
	DayOfWeek    int          `json:"day_of_week" db:"day_of_week"`   // 0=Sunday, only used by FreqWeekly
	DayOfMonth   int          `json:"day_of_month" db:"day_of_month"` // only used by FreqMonthly
	Critical     bool         `json:"critical" db:"critical"`
	Enabled      bool         `json:"enabled" db:"enabled"`
	NextRun      time.Time    `json:"next_run" db:"next_run"`
	LastRun      *time.Time   `json:"last_run,omitempty" db:"last_run"`
	LastStatus   JobStatus    `json:"last_status" db:"last_status"`
	RunCount     int64        `json:"run_count" db:"run_count"`
	FailureCount int          `json:"failure_count" db:"failure_count"`
	Version      int64        `json:"version" db:"version"`
}

// Reversibility classifies whether an Intent's effect can be undone.
type Reversibility string

const (
	Reversible   Reversibility = "reversible"
	Irreversible Reversibility = "irreversible"
)

// ApprovalStatus is the resolution state of an Approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval is a policy-required operator decision on an Intent. Immutable
// once resolved — ResolvedBy/ResolvedAt are only ever set once.
type Approval struct {
	ID              string         `json:"id"`
	RequesterAgent  AgentKind      `json:"requester_agent"`
	Intent          string         `json:"intent"`
	TaskID          string         `json:"task_id,omitempty"`
	CostEstimate    float64        `json:"cost_estimate"`
	Reversibility   Reversibility  `json:"reversibility"`
	RiskTags        []string       `json:"risk_tags,omitempty"`
	Status          ApprovalStatus `json:"status"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	Version         int64          `json:"version"`
}

// Severity classifies an Event for bus priority routing and incident detection.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityNormal   Severity = "normal"
	SeverityLow      Severity = "low"
)

// Event is an append-only domain event. Seq is assigned by the Store,
// monotonic within the event stream only (see SPEC_FULL.md Open Question 1).
type Event struct {
	ID            string         `json:"id"`
	Seq           int64          `json:"seq"`
	Type          string         `json:"type"`
	Severity      Severity       `json:"severity"`
	Source        string         `json:"source"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// AuditRecord is an append-only record of one Intent decision, effect, or
// handler completion. Cost fields are optional at write time and may be
// backfilled on a later cost.actual event.
type AuditRecord struct {
	ActionID      string    `json:"action_id" db:"action_id"`
	Seq           int64     `json:"seq" db:"seq"`
	ActorAgent    AgentKind `json:"actor_agent" db:"actor_agent"`
	Action        string    `json:"action" db:"action"`
	InputsHash    string    `json:"inputs_hash,omitempty" db:"inputs_hash"`
	OutputsHash   string    `json:"outputs_hash,omitempty" db:"outputs_hash"`
	Model         string    `json:"model,omitempty" db:"model"`
	Tokens        int       `json:"tokens,omitempty" db:"tokens"`
	CostEstimate  float64   `json:"cost_estimate" db:"cost_estimate"`
	CostActual    *float64  `json:"cost_actual,omitempty" db:"cost_actual"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty" db:"correlation_id"`
}

// BackupStatus tracks a Safe-Edit backup through its protocol.
type BackupStatus string

const (
	BackupStaged     BackupStatus = "staged"
	BackupApplied    BackupStatus = "applied"
	BackupRolledBack BackupStatus = "rolled_back"
)

// SafeEditBackup records one staged/applied/rolled-back file mutation.
type SafeEditBackup struct {
	ID              string       `json:"id" db:"id"`
	TargetPath      string       `json:"target_path" db:"target_path"`
	OriginalDigest  string       `json:"original_digest" db:"original_digest"`
	OriginalContent []byte       `json:"-" db:"original_content"` // not exposed over the wire; used for rollback
	NewDigest       string       `json:"new_digest" db:"new_digest"`
	Timestamp       time.Time    `json:"timestamp" db:"timestamp"`
	AppliedBy       AgentKind    `json:"applied_by" db:"applied_by"`
	Status          BackupStatus `json:"status" db:"status"`
	// CorrelationID threads this backup back to the directive/incident chain
	// that produced it, so Prune can recognize a backup still referenced by
	// an open incident (§4.6 step 5) via the Event stream.
	CorrelationID string `json:"correlation_id,omitempty" db:"correlation_id"`
	Version       int64  `json:"version" db:"version"`
}

// Thresholds are the cost caps the Policy Gate consults.
type Thresholds struct {
	CostAutoCap    float64 `json:"cost_auto_cap"`
	CostConfirmCap float64 `json:"cost_confirm_cap"`
}

// Allowlists gate which egress hosts and contact channels an Intent may touch.
type Allowlists struct {
	EgressHosts     []string `json:"egress_hosts"`
	ContactChannels []string `json:"contact_channels"`
}

// QuietHours is a daily [Start, End) window (HH:MM, 24h, local time) during
// which only critical_safety-tagged Intents may auto-approve.
type QuietHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// PolicySnapshot is the immutable, versioned bundle the gate consults.
// Replaced wholesale — never mutated in place.
type PolicySnapshot struct {
	Version             int64      `json:"version"`
	Thresholds          Thresholds `json:"thresholds"`
	Allowlists          Allowlists `json:"allowlists"`
	QuietHours          QuietHours `json:"quiet_hours"`
	RuleScript          string     `json:"rule_script,omitempty"`
	BackupRetentionDays int        `json:"backup_retention_days"`
	CreatedAt           time.Time  `json:"created_at"`
}
