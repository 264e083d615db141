package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	_ "github.com/lib/pq" // database/sql driver registration
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore is the sqlx/lib/pq-backed Store implementation, grounded on
// the teacher's pkg/storage/postgres.BaseStore transaction-threading
// pattern (TxFromContext/ContextWithTx/WithTx).
type PostgresStore struct {
	db *sqlx.DB
}

type txCtxKey struct{}

func txFromContext(ctx context.Context) *sqlx.Tx {
	if tx, ok := ctx.Value(txCtxKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return nil
}

func contextWithTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txCtxKey{}, tx)
}

// OpenPostgres connects to dsn, optionally running migrations, and returns a
// ready Store.
func OpenPostgres(dsn string, migrateOnStart bool) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if migrateOnStart {
		if err := runMigrations(db.DB, dsn); err != nil {
			return nil, err
		}
	}
	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB, dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// querier is satisfied by *sqlx.DB and *sqlx.Tx; every entity method uses it
// so the same code runs standalone or inside Atomic.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func (s *PostgresStore) q(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// Atomic runs fn inside one *sql.Tx, committing iff fn returns nil.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	txCtx := contextWithTx(ctx, tx)
	if err := fn(txCtx, s); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return ErrConstraintViolation
		case "foreign_key_violation", "check_violation":
			return ErrConstraintViolation
		}
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// --- Agents ---

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = newPGID()
	}
	const q = `
INSERT INTO agents (kind, id, state, enabled, last_heartbeat, error_count, pending_tasks, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,1)
ON CONFLICT (kind) DO UPDATE SET
  id = EXCLUDED.id, state = EXCLUDED.state, enabled = EXCLUDED.enabled,
  last_heartbeat = EXCLUDED.last_heartbeat, error_count = EXCLUDED.error_count,
  pending_tasks = EXCLUDED.pending_tasks, version = agents.version + 1`
	_, err := s.q(ctx).ExecContext(ctx, q, a.Kind, a.ID, a.State, a.Enabled, a.LastHeartbeat, a.ErrorCount, a.PendingTasks)
	if err != nil {
		return translateErr(err)
	}
	a.Version++
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, kind AgentKind) (*Agent, error) {
	var a Agent
	err := s.q(ctx).GetContext(ctx, &a, `SELECT kind, id, state, enabled, last_heartbeat, error_count, pending_tasks, version FROM agents WHERE kind=$1`, kind)
	if err != nil {
		return nil, translateErr(err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	var out []*Agent
	err := s.q(ctx).SelectContext(ctx, &out, `SELECT kind, id, state, enabled, last_heartbeat, error_count, pending_tasks, version FROM agents ORDER BY kind`)
	if err != nil {
		return nil, translateErr(err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateAgentIfVersion(ctx context.Context, a *Agent) error {
	const q = `UPDATE agents SET state=$1, enabled=$2, last_heartbeat=$3, error_count=$4, pending_tasks=$5, version=version+1
WHERE kind=$6 AND version=$7`
	res, err := s.q(ctx).ExecContext(ctx, q, a.State, a.Enabled, a.LastHeartbeat, a.ErrorCount, a.PendingTasks, a.Kind, a.Version)
	if err != nil {
		return translateErr(err)
	}
	return checkAffected(res, a.Version)
}

func checkAffected(res sql.Result, incomingVersion int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return translateErr(err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// --- Tasks ---

func (s *PostgresStore) InsertTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = newPGID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Version = 1
	const q = `INSERT INTO tasks (id, owner_agent, title, priority, status, category, due_at, created_at, evidence_required, evidence, correlation_id, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1)`
	_, err := s.q(ctx).ExecContext(ctx, q, t.ID, t.OwnerAgent, t.Title, t.Priority, t.Status, t.Category, t.DueAt, t.CreatedAt, t.EvidenceRequired, t.Evidence, t.CorrelationID)
	return translateErr(err)
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := s.q(ctx).GetContext(ctx, &t, `SELECT id, owner_agent, title, priority, status, category, due_at, created_at, evidence_required, evidence, correlation_id, version FROM tasks WHERE id=$1`, id)
	if err != nil {
		return nil, translateErr(err)
	}
	return &t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, f ListFilter) ([]*Task, error) {
	q := `SELECT id, owner_agent, title, priority, status, category, due_at, created_at, evidence_required, evidence, correlation_id, version FROM tasks WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.Agent != "" {
		q += fmt.Sprintf(" AND owner_agent=$%d", idx)
		args = append(args, f.Agent)
		idx++
	}
	if f.Status != "" {
		q += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Category != "" {
		q += fmt.Sprintf(" AND category=$%d", idx)
		args = append(args, f.Category)
		idx++
	}
	q += " ORDER BY created_at"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	var out []*Task
	if err := s.q(ctx).SelectContext(ctx, &out, q, args...); err != nil {
		return nil, translateErr(err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateTaskIfVersion(ctx context.Context, t *Task) error {
	if t.Status == TaskCompleted {
		existing, err := s.GetTask(ctx, t.ID)
		if err != nil {
			return err
		}
		if existing.EvidenceRequired && (t.Evidence == nil || *t.Evidence == "") {
			return ErrConstraintViolation
		}
	}
	const q = `UPDATE tasks SET title=$1, priority=$2, status=$3, category=$4, due_at=$5, evidence_required=$6, evidence=$7, correlation_id=$8, version=version+1
WHERE id=$9 AND version=$10`
	res, err := s.q(ctx).ExecContext(ctx, q, t.Title, t.Priority, t.Status, t.Category, t.DueAt, t.EvidenceRequired, t.Evidence, t.CorrelationID, t.ID, t.Version)
	if err != nil {
		return translateErr(err)
	}
	return checkAffected(res, t.Version)
}

// --- Jobs ---

func (s *PostgresStore) InsertJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = newPGID()
	}
	j.Version = 1
	const q = `INSERT INTO jobs (id, name, agent, task_spec, cron_spec, frequency, hour, minute, day_of_week, day_of_month, critical, enabled, next_run, last_run, last_status, run_count, failure_count, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,1)`
	_, err := s.q(ctx).ExecContext(ctx, q, j.ID, j.Name, j.Agent, j.TaskSpec, j.CronSpec, j.Frequency, j.Hour, j.Minute, j.DayOfWeek, j.DayOfMonth, j.Critical, j.Enabled, j.NextRun, j.LastRun, j.LastStatus, j.RunCount, j.FailureCount)
	return translateErr(err)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.q(ctx).GetContext(ctx, &j, `SELECT id, name, agent, task_spec, cron_spec, frequency, hour, minute, day_of_week, day_of_month, critical, enabled, next_run, last_run, last_status, run_count, failure_count, version FROM jobs WHERE id=$1`, id)
	if err != nil {
		return nil, translateErr(err)
	}
	return &j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*Job, error) {
	var out []*Job
	err := s.q(ctx).SelectContext(ctx, &out, `SELECT id, name, agent, task_spec, cron_spec, frequency, hour, minute, day_of_week, day_of_month, critical, enabled, next_run, last_run, last_status, run_count, failure_count, version FROM jobs ORDER BY next_run`)
	if err != nil {
		return nil, translateErr(err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateJobIfVersion(ctx context.Context, j *Job) error {
	const q = `UPDATE jobs SET name=$1, task_spec=$2, cron_spec=$3, frequency=$4, hour=$5, minute=$6, day_of_week=$7, day_of_month=$8, critical=$9, enabled=$10, next_run=$11, last_run=$12, last_status=$13, run_count=$14, failure_count=$15, version=version+1
WHERE id=$16 AND version=$17`
	res, err := s.q(ctx).ExecContext(ctx, q, j.Name, j.TaskSpec, j.CronSpec, j.Frequency, j.Hour, j.Minute, j.DayOfWeek, j.DayOfMonth, j.Critical, j.Enabled, j.NextRun, j.LastRun, j.LastStatus, j.RunCount, j.FailureCount, j.ID, j.Version)
	if err != nil {
		return translateErr(err)
	}
	return checkAffected(res, j.Version)
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return translateErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Approvals ---

func (s *PostgresStore) InsertApproval(ctx context.Context, a *Approval) error {
	if a.ID == "" {
		a.ID = newPGID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.Version = 1
	const q = `INSERT INTO approvals (id, requester_agent, intent, task_id, cost_estimate, reversibility, risk_tags, status, resolved_by, resolved_at, created_at, expires_at, correlation_id, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1)`
	_, err := s.q(ctx).ExecContext(ctx, q, a.ID, a.RequesterAgent, a.Intent, a.TaskID, a.CostEstimate, a.Reversibility, pq.Array(a.RiskTags), a.Status, a.ResolvedBy, a.ResolvedAt, a.CreatedAt, a.ExpiresAt, a.CorrelationID)
	return translateErr(err)
}

func (s *PostgresStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	var a approvalRow
	err := s.q(ctx).GetContext(ctx, &a, `SELECT id, requester_agent, intent, task_id, cost_estimate, reversibility, risk_tags, status, resolved_by, resolved_at, created_at, expires_at, correlation_id, version FROM approvals WHERE id=$1`, id)
	if err != nil {
		return nil, translateErr(err)
	}
	return a.toApproval(), nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, status ApprovalStatus) ([]*Approval, error) {
	q := `SELECT id, requester_agent, intent, task_id, cost_estimate, reversibility, risk_tags, status, resolved_by, resolved_at, created_at, expires_at, correlation_id, version FROM approvals`
	var args []interface{}
	if status != "" {
		q += ` WHERE status=$1`
		args = append(args, status)
	}
	q += ` ORDER BY created_at`
	var rows []approvalRow
	if err := s.q(ctx).SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, translateErr(err)
	}
	out := make([]*Approval, len(rows))
	for i := range rows {
		out[i] = rows[i].toApproval()
	}
	return out, nil
}

func (s *PostgresStore) UpdateApprovalIfVersion(ctx context.Context, a *Approval) error {
	existing, err := s.GetApproval(ctx, a.ID)
	if err != nil {
		return err
	}
	if existing.Status != ApprovalPending {
		return ErrConstraintViolation
	}
	const q = `UPDATE approvals SET status=$1, resolved_by=$2, resolved_at=$3, version=version+1 WHERE id=$4 AND version=$5`
	res, err := s.q(ctx).ExecContext(ctx, q, a.Status, a.ResolvedBy, a.ResolvedAt, a.ID, a.Version)
	if err != nil {
		return translateErr(err)
	}
	return checkAffected(res, a.Version)
}

// approvalRow mirrors Approval but uses pq.Array for the risk_tags column —
// the dynamic storage-row-to-domain-type mapping §9 Design Notes requires.
type approvalRow struct {
	ID             string         `db:"id"`
	RequesterAgent string         `db:"requester_agent"`
	Intent         string         `db:"intent"`
	TaskID         string         `db:"task_id"`
	CostEstimate   float64        `db:"cost_estimate"`
	Reversibility  string         `db:"reversibility"`
	RiskTags       pq.StringArray `db:"risk_tags"`
	Status         string         `db:"status"`
	ResolvedBy     string         `db:"resolved_by"`
	ResolvedAt     sql.NullTime   `db:"resolved_at"`
	CreatedAt      time.Time      `db:"created_at"`
	ExpiresAt      time.Time      `db:"expires_at"`
	CorrelationID  sql.NullString `db:"correlation_id"`
	Version        int64          `db:"version"`
}

func (r approvalRow) toApproval() *Approval {
	a := &Approval{
		ID:             r.ID,
		RequesterAgent: AgentKind(r.RequesterAgent),
		Intent:         r.Intent,
		TaskID:         r.TaskID,
		CostEstimate:   r.CostEstimate,
		Reversibility:  Reversibility(r.Reversibility),
		RiskTags:       []string(r.RiskTags),
		Status:         ApprovalStatus(r.Status),
		ResolvedBy:     r.ResolvedBy,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
		Version:        r.Version,
	}
	if r.ResolvedAt.Valid {
		a.ResolvedAt = &r.ResolvedAt.Time
	}
	if r.CorrelationID.Valid {
		a.CorrelationID = r.CorrelationID.String
	}
	return a
}

// --- Append-only streams ---

func (s *PostgresStore) AppendEvent(ctx context.Context, e *Event) (*Event, error) {
	if e.ID == "" {
		e.ID = newPGID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return nil, ErrConstraintViolation
	}
	const q = `INSERT INTO events (id, type, severity, source, payload, correlation_id, timestamp) VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING seq`
	if err := s.q(ctx).QueryRowxContext(ctx, q, e.ID, e.Type, e.Severity, e.Source, payload, e.CorrelationID, e.Timestamp).Scan(&e.Seq); err != nil {
		return nil, translateErr(err)
	}
	out := *e
	return &out, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, sinceSeq int64, limit int) ([]*Event, error) {
	q := `SELECT seq, id, type, severity, source, payload, correlation_id, timestamp FROM events WHERE seq > $1 ORDER BY seq`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	var rows []eventRow
	if err := s.q(ctx).SelectContext(ctx, &rows, q, sinceSeq); err != nil {
		return nil, translateErr(err)
	}
	return eventRowsToEvents(rows), nil
}

func (s *PostgresStore) ListEventsByCorrelation(ctx context.Context, correlationID string) ([]*Event, error) {
	var rows []eventRow
	err := s.q(ctx).SelectContext(ctx, &rows, `SELECT seq, id, type, severity, source, payload, correlation_id, timestamp FROM events WHERE correlation_id=$1 ORDER BY seq`, correlationID)
	if err != nil {
		return nil, translateErr(err)
	}
	return eventRowsToEvents(rows), nil
}

type eventRow struct {
	Seq           int64          `db:"seq"`
	ID            string         `db:"id"`
	Type          string         `db:"type"`
	Severity      string         `db:"severity"`
	Source        string         `db:"source"`
	Payload       []byte         `db:"payload"`
	CorrelationID sql.NullString `db:"correlation_id"`
	Timestamp     time.Time      `db:"timestamp"`
}

func eventRowsToEvents(rows []eventRow) []*Event {
	out := make([]*Event, len(rows))
	for i, r := range rows {
		ev := &Event{
			ID:        r.ID,
			Seq:       r.Seq,
			Type:      r.Type,
			Severity:  Severity(r.Severity),
			Source:    r.Source,
			Payload:   unmarshalPayload(r.Payload),
			Timestamp: r.Timestamp,
		}
		if r.CorrelationID.Valid {
			ev.CorrelationID = r.CorrelationID.String
		}
		out[i] = ev
	}
	return out
}

func (s *PostgresStore) AppendAudit(ctx context.Context, r *AuditRecord) (*AuditRecord, error) {
	if r.ActionID == "" {
		r.ActionID = newPGID()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	const q = `INSERT INTO audit_records (action_id, actor_agent, action, inputs_hash, outputs_hash, model, tokens, cost_estimate, cost_actual, timestamp, correlation_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING seq`
	if err := s.q(ctx).QueryRowxContext(ctx, q, r.ActionID, r.ActorAgent, r.Action, r.InputsHash, r.OutputsHash, r.Model, r.Tokens, r.CostEstimate, r.CostActual, r.Timestamp, r.CorrelationID).Scan(&r.Seq); err != nil {
		return nil, translateErr(err)
	}
	out := *r
	return &out, nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, sinceSeq int64, limit int) ([]*AuditRecord, error) {
	q := `SELECT action_id, actor_agent, action, inputs_hash, outputs_hash, model, tokens, cost_estimate, cost_actual, timestamp, correlation_id, seq FROM audit_records WHERE seq > $1 ORDER BY seq`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	var out []*AuditRecord
	if err := s.q(ctx).SelectContext(ctx, &out, q, sinceSeq); err != nil {
		return nil, translateErr(err)
	}
	return out, nil
}

func (s *PostgresStore) ListAuditByCorrelation(ctx context.Context, correlationID string) ([]*AuditRecord, error) {
	var out []*AuditRecord
	err := s.q(ctx).SelectContext(ctx, &out, `SELECT action_id, actor_agent, action, inputs_hash, outputs_hash, model, tokens, cost_estimate, cost_actual, timestamp, correlation_id, seq FROM audit_records WHERE correlation_id=$1 ORDER BY seq`, correlationID)
	if err != nil {
		return nil, translateErr(err)
	}
	return out, nil
}

// --- Safe-Edit backups ---

func (s *PostgresStore) InsertBackup(ctx context.Context, b *SafeEditBackup) error {
	if b.ID == "" {
		b.ID = newPGID()
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now()
	}
	b.Version = 1
	const q = `INSERT INTO safe_edit_backups (id, target_path, original_digest, original_content, new_digest, timestamp, applied_by, status, correlation_id, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1)`
	_, err := s.q(ctx).ExecContext(ctx, q, b.ID, b.TargetPath, b.OriginalDigest, b.OriginalContent, b.NewDigest, b.Timestamp, b.AppliedBy, b.Status, b.CorrelationID)
	return translateErr(err)
}

func (s *PostgresStore) GetBackup(ctx context.Context, id string) (*SafeEditBackup, error) {
	var b SafeEditBackup
	err := s.q(ctx).GetContext(ctx, &b, `SELECT id, target_path, original_digest, original_content, new_digest, timestamp, applied_by, status, correlation_id, version FROM safe_edit_backups WHERE id=$1`, id)
	if err != nil {
		return nil, translateErr(err)
	}
	return &b, nil
}

func (s *PostgresStore) ListBackups(ctx context.Context) ([]*SafeEditBackup, error) {
	var out []*SafeEditBackup
	err := s.q(ctx).SelectContext(ctx, &out, `SELECT id, target_path, original_digest, original_content, new_digest, timestamp, applied_by, status, correlation_id, version FROM safe_edit_backups ORDER BY timestamp`)
	if err != nil {
		return nil, translateErr(err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateBackupIfVersion(ctx context.Context, b *SafeEditBackup) error {
	const q = `UPDATE safe_edit_backups SET new_digest=$1, status=$2, version=version+1 WHERE id=$3 AND version=$4`
	res, err := s.q(ctx).ExecContext(ctx, q, b.NewDigest, b.Status, b.ID, b.Version)
	if err != nil {
		return translateErr(err)
	}
	return checkAffected(res, b.Version)
}

func (s *PostgresStore) PruneBackups(ctx context.Context, olderThanDays int, keep func(id string) bool) (int, error) {
	var ids []string
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	if err := s.q(ctx).SelectContext(ctx, &ids, `SELECT id FROM safe_edit_backups WHERE timestamp < $1`, cutoff); err != nil {
		return 0, translateErr(err)
	}
	pruned := 0
	for _, id := range ids {
		if keep != nil && keep(id) {
			continue
		}
		if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM safe_edit_backups WHERE id=$1`, id); err != nil {
			return pruned, translateErr(err)
		}
		pruned++
	}
	return pruned, nil
}

// --- Policy ---

func (s *PostgresStore) CurrentPolicy(ctx context.Context) (*PolicySnapshot, error) {
	var row policyRow
	err := s.q(ctx).GetContext(ctx, &row, `SELECT version, cost_auto_cap, cost_confirm_cap, egress_hosts, contact_channels, quiet_hours_start, quiet_hours_end, rule_script, backup_retention_days, created_at FROM policy_snapshots ORDER BY version DESC LIMIT 1`)
	if err != nil {
		return nil, translateErr(err)
	}
	return row.toSnapshot(), nil
}

func (s *PostgresStore) InstallPolicy(ctx context.Context, p *PolicySnapshot) error {
	var next int64
	if err := s.q(ctx).GetContext(ctx, &next, `SELECT COALESCE(MAX(version),0)+1 FROM policy_snapshots`); err != nil {
		return translateErr(err)
	}
	p.Version = next
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	const q = `INSERT INTO policy_snapshots (version, cost_auto_cap, cost_confirm_cap, egress_hosts, contact_channels, quiet_hours_start, quiet_hours_end, rule_script, backup_retention_days, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := s.q(ctx).ExecContext(ctx, q, p.Version, p.Thresholds.CostAutoCap, p.Thresholds.CostConfirmCap, pq.Array(p.Allowlists.EgressHosts), pq.Array(p.Allowlists.ContactChannels), p.QuietHours.Start, p.QuietHours.End, p.RuleScript, p.BackupRetentionDays, p.CreatedAt)
	return translateErr(err)
}

type policyRow struct {
	Version             int64          `db:"version"`
	CostAutoCap         float64        `db:"cost_auto_cap"`
	CostConfirmCap      float64        `db:"cost_confirm_cap"`
	EgressHosts         pq.StringArray `db:"egress_hosts"`
	ContactChannels     pq.StringArray `db:"contact_channels"`
	QuietHoursStart     string         `db:"quiet_hours_start"`
	QuietHoursEnd       string         `db:"quiet_hours_end"`
	RuleScript          string         `db:"rule_script"`
	BackupRetentionDays int            `db:"backup_retention_days"`
	CreatedAt           time.Time      `db:"created_at"`
}

func (r policyRow) toSnapshot() *PolicySnapshot {
	return &PolicySnapshot{
		Version:             r.Version,
		Thresholds:          Thresholds{CostAutoCap: r.CostAutoCap, CostConfirmCap: r.CostConfirmCap},
		Allowlists:          Allowlists{EgressHosts: r.EgressHosts, ContactChannels: r.ContactChannels},
		QuietHours:          QuietHours{Start: r.QuietHoursStart, End: r.QuietHoursEnd},
		RuleScript:          r.RuleScript,
		BackupRetentionDays: r.BackupRetentionDays,
		CreatedAt:           r.CreatedAt,
	}
}

// --- Idempotency ---

func (s *PostgresStore) InsertIdempotent(ctx context.Context, key string, ttlSeconds int) (bool, error) {
	if key == "" {
		return true, nil
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key=$1 AND expires_at < now()`, key)
	if err != nil {
		return false, translateErr(err)
	}
	_, err = s.q(ctx).ExecContext(ctx, `INSERT INTO idempotency_keys (key, expires_at) VALUES ($1, $2)`, key, time.Now().Add(ttl))
	if err != nil {
		return false, nil // already present and unexpired: not first-seen
	}
	return true, nil
}

func newPGID() string { return uuid.NewString() }

func marshalPayload(p map[string]any) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func unmarshalPayload(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}
