package store

import (
	"context"
	"errors"
)

// Sentinel failure modes per §4.1. Callers distinguish them with errors.Is;
// applications/httpapi and agents translate these into pkg/herrors codes.
var (
	ErrConflict            = errors.New("store: conflict")
	ErrNotFound            = errors.New("store: not found")
	ErrConstraintViolation = errors.New("store: constraint violation")
	ErrStorageUnavailable  = errors.New("store: storage unavailable")
)

// ListFilter narrows ListTasks queries. Zero-value
// fields are ignored (no filter on that dimension).
type ListFilter struct {
	Agent    AgentKind
	Status   string
	Category string
	Limit    int
}

// Store is the transactional key/relation interface every other component
// depends on (C1). Implementations: memstore (in-memory) and postgres
// (sqlx/lib/pq, see postgres.go). Both satisfy identical semantics so tests
// written against memstore hold for the production backend too.
type Store interface {
	// Atomic runs fn inside a single transaction; either all of fn's writes
	// land or none do. fn receives a Tx scoped to that transaction.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Entity operations, usable standalone (auto-committing) or inside
	// Atomic via the Tx handle threaded through ctx.
	Tx

	Close() error
}

// Tx is the set of entity operations available both on Store directly and
// within an Atomic transaction.
type Tx interface {
	// Agents
	UpsertAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, kind AgentKind) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgentIfVersion(ctx context.Context, a *Agent) error

	// Tasks
	InsertTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f ListFilter) ([]*Task, error)
	UpdateTaskIfVersion(ctx context.Context, t *Task) error

	// Jobs
	InsertJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	UpdateJobIfVersion(ctx context.Context, j *Job) error
	DeleteJob(ctx context.Context, id string) error

	// Approvals
	InsertApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	ListApprovals(ctx context.Context, status ApprovalStatus) ([]*Approval, error)
	UpdateApprovalIfVersion(ctx context.Context, a *Approval) error

	// Append-only streams
	AppendEvent(ctx context.Context, e *Event) (*Event, error)
	ListEvents(ctx context.Context, sinceSeq int64, limit int) ([]*Event, error)
	ListEventsByCorrelation(ctx context.Context, correlationID string) ([]*Event, error)

	AppendAudit(ctx context.Context, r *AuditRecord) (*AuditRecord, error)
	ListAudit(ctx context.Context, sinceSeq int64, limit int) ([]*AuditRecord, error)
	ListAuditByCorrelation(ctx context.Context, correlationID string) ([]*AuditRecord, error)

	// Safe-Edit backups
	InsertBackup(ctx context.Context, b *SafeEditBackup) error
	GetBackup(ctx context.Context, id string) (*SafeEditBackup, error)
	ListBackups(ctx context.Context) ([]*SafeEditBackup, error)
	UpdateBackupIfVersion(ctx context.Context, b *SafeEditBackup) error
	PruneBackups(ctx context.Context, olderThanDays int, keep func(id string) bool) (int, error)

	// Policy snapshot (versioned, replace-wholesale)
	CurrentPolicy(ctx context.Context) (*PolicySnapshot, error)
	InstallPolicy(ctx context.Context, p *PolicySnapshot) error

	// Idempotency: InsertIdempotent records a client-supplied key and reports
	// whether this is the first time it has been seen within the TTL.
	InsertIdempotent(ctx context.Context, key string, ttlSeconds int) (firstSeen bool, err error)
}
