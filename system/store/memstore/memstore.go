// Package memstore is an in-memory implementation of store.Store. It backs
// unit tests across every component and hearthd when no Postgres DSN is set,
// grounded on the teacher's pkg/storage/memory in-memory store shape
// (mutex-guarded maps, monotonic ID counter).
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-os/hearth/system/store"
)

type txKey struct{}

// Store is a concurrency-safe, non-persistent implementation of store.Store.
type Store struct {
	mu sync.Mutex

	agents     map[store.AgentKind]*store.Agent
	tasks      map[string]*store.Task
	jobs       map[string]*store.Job
	approvals  map[string]*store.Approval
	events     []*store.Event
	eventsSeq  int64
	audit      []*store.AuditRecord
	auditSeq   int64
	backups    map[string]*store.SafeEditBackup
	policy     *store.PolicySnapshot
	idempotent map[string]time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		agents:     make(map[store.AgentKind]*store.Agent),
		tasks:      make(map[string]*store.Task),
		jobs:       make(map[string]*store.Job),
		approvals:  make(map[string]*store.Approval),
		backups:    make(map[string]*store.SafeEditBackup),
		idempotent: make(map[string]time.Time),
		policy: &store.PolicySnapshot{
			Version:             1,
			Thresholds:          store.Thresholds{CostAutoCap: 25, CostConfirmCap: 250},
			QuietHours:          store.QuietHours{Start: "22:00", End: "07:00"},
			BackupRetentionDays: 7,
			CreatedAt:           time.Now(),
		},
	}
}

var _ store.Store = (*Store)(nil)

// Atomic runs fn while holding the store's single lock, so concurrent
// writers across entities serialize the way §4.1 requires; memstore has one
// global lock rather than per-row locking.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txCtx := context.WithValue(ctx, txKey{}, true)
	return fn(txCtx, s)
}

// Close is a no-op; nothing to release for an in-memory store.
func (s *Store) Close() error { return nil }

func newID() string { return uuid.NewString() }

// --- Agents ---

func (s *Store) UpsertAgent(ctx context.Context, a *store.Agent) error {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	if a.ID == "" {
		a.ID = newID()
	}
	a.Version++
	cp := *a
	s.agents[a.Kind] = &cp
	return nil
}

func (s *Store) GetAgent(ctx context.Context, kind store.AgentKind) (*store.Agent, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	a, ok := s.agents[kind]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	out := make([]*store.Agent, 0, len(s.agents))
	for _, k := range store.AllAgentKinds() {
		if a, ok := s.agents[k]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateAgentIfVersion(ctx context.Context, a *store.Agent) error {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	existing, ok := s.agents[a.Kind]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Version != a.Version {
		return store.ErrConflict
	}
	cp := *a
	cp.Version++
	s.agents[a.Kind] = &cp
	*a = cp
	return nil
}

// --- Tasks ---

func (s *Store) InsertTask(ctx context.Context, t *store.Task) error {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	if t.ID == "" {
		t.ID = newID()
	}
	if _, exists := s.tasks[t.ID]; exists {
		return store.ErrConstraintViolation
	}
	t.Version = 1
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTasks(ctx context.Context, f store.ListFilter) ([]*store.Task, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	var out []*store.Task
	for _, t := range s.tasks {
		if f.Agent != "" && t.OwnerAgent != f.Agent {
			continue
		}
		if f.Status != "" && string(t.Status) != f.Status {
			continue
		}
		if f.Category != "" && t.Category != f.Category {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateTaskIfVersion(ctx context.Context, t *store.Task) error {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	existing, ok := s.tasks[t.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Version != t.Version {
		return store.ErrConflict
	}
	if t.Status == store.TaskCompleted && existing.EvidenceRequired && (t.Evidence == nil || *t.Evidence == "") {
		return store.ErrConstraintViolation
	}
	cp := *t
	cp.Version++
	s.tasks[t.ID] = &cp
	*t = cp
	return nil
}

// --- Jobs ---

func (s *Store) InsertJob(ctx context.Context, j *store.Job) error {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	if j.ID == "" {
		j.ID = newID()
	}
	j.Version = 1
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*store.Job, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]*store.Job, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	out := make([]*store.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out, nil
}

func (s *Store) UpdateJobIfVersion(ctx context.Context, j *store.Job) error {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	existing, ok := s.jobs[j.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Version != j.Version {
		return store.ErrConflict
	}
	cp := *j
	cp.Version++
	s.jobs[j.ID] = &cp
	*j = cp
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	if _, ok := s.jobs[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

// --- Approvals ---

func (s *Store) InsertApproval(ctx context.Context, a *store.Approval) error {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	if a.ID == "" {
		a.ID = newID()
	}
	a.Version = 1
	cp := *a
	s.approvals[a.ID] = &cp
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*store.Approval, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	a, ok := s.approvals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListApprovals(ctx context.Context, status store.ApprovalStatus) ([]*store.Approval, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	var out []*store.Approval
	for _, a := range s.approvals {
		if status != "" && a.Status != status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateApprovalIfVersion(ctx context.Context, a *store.Approval) error {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	existing, ok := s.approvals[a.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Version != a.Version {
		return store.ErrConflict
	}
	if existing.Status != store.ApprovalPending {
		// Approvals are immutable once resolved (§3).
		return store.ErrConstraintViolation
	}
	cp := *a
	cp.Version++
	s.approvals[a.ID] = &cp
	*a = cp
	return nil
}

// --- Append-only streams ---

func (s *Store) AppendEvent(ctx context.Context, e *store.Event) (*store.Event, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	s.eventsSeq++
	cp := *e
	cp.Seq = s.eventsSeq
	if cp.ID == "" {
		cp.ID = newID()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	s.events = append(s.events, &cp)
	out := cp
	return &out, nil
}

func (s *Store) ListEvents(ctx context.Context, sinceSeq int64, limit int) ([]*store.Event, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	var out []*store.Event
	for _, e := range s.events {
		if e.Seq <= sinceSeq {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListEventsByCorrelation(ctx context.Context, correlationID string) ([]*store.Event, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	var out []*store.Event
	for _, e := range s.events {
		if e.CorrelationID == correlationID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, r *store.AuditRecord) (*store.AuditRecord, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	s.auditSeq++
	cp := *r
	cp.Seq = s.auditSeq
	if cp.ActionID == "" {
		cp.ActionID = newID()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	s.audit = append(s.audit, &cp)
	out := cp
	return &out, nil
}

func (s *Store) ListAudit(ctx context.Context, sinceSeq int64, limit int) ([]*store.AuditRecord, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	var out []*store.AuditRecord
	for _, r := range s.audit {
		if r.Seq <= sinceSeq {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListAuditByCorrelation(ctx context.Context, correlationID string) ([]*store.AuditRecord, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	var out []*store.AuditRecord
	for _, r := range s.audit {
		if r.CorrelationID == correlationID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Safe-Edit backups ---

func (s *Store) InsertBackup(ctx context.Context, b *store.SafeEditBackup) error {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	if b.ID == "" {
		b.ID = newID()
	}
	b.Version = 1
	cp := *b
	s.backups[b.ID] = &cp
	return nil
}

func (s *Store) GetBackup(ctx context.Context, id string) (*store.SafeEditBackup, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	b, ok := s.backups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) ListBackups(ctx context.Context) ([]*store.SafeEditBackup, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	out := make([]*store.SafeEditBackup, 0, len(s.backups))
	for _, b := range s.backups {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) UpdateBackupIfVersion(ctx context.Context, b *store.SafeEditBackup) error {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	existing, ok := s.backups[b.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Version != b.Version {
		return store.ErrConflict
	}
	cp := *b
	cp.Version++
	s.backups[b.ID] = &cp
	*b = cp
	return nil
}

func (s *Store) PruneBackups(ctx context.Context, olderThanDays int, keep func(id string) bool) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	s.lockIfStandalone(ctx)
	var due []string
	for id, b := range s.backups {
		if !b.Timestamp.After(cutoff) {
			due = append(due, id)
		}
	}
	s.unlockIfStandalone(ctx)
	// keep may read the store (safeedit's retention check does), so it runs
	// without the lock held.
	pruned := 0
	for _, id := range due {
		if keep != nil && keep(id) {
			continue
		}
		s.lockIfStandalone(ctx)
		if _, ok := s.backups[id]; ok {
			delete(s.backups, id)
			pruned++
		}
		s.unlockIfStandalone(ctx)
	}
	return pruned, nil
}

// --- Policy ---

func (s *Store) CurrentPolicy(ctx context.Context) (*store.PolicySnapshot, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	cp := *s.policy
	return &cp, nil
}

func (s *Store) InstallPolicy(ctx context.Context, p *store.PolicySnapshot) error {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.Version = s.policy.Version + 1
	cp := *p
	s.policy = &cp
	return nil
}

// --- Idempotency ---

func (s *Store) InsertIdempotent(ctx context.Context, key string, ttlSeconds int) (bool, error) {
	s.lockIfStandalone(ctx)
	defer s.unlockIfStandalone(ctx)
	if key == "" {
		return true, nil
	}
	now := time.Now()
	if expiry, ok := s.idempotent[key]; ok && expiry.After(now) {
		return false, nil
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s.idempotent[key] = now.Add(ttl)
	return true, nil
}

// lockIfStandalone/unlockIfStandalone let every entity method double as both
// a standalone (auto-committing) call and a step inside Atomic, without
// deadlocking: Atomic already holds s.mu, so nested calls must not lock again.
func (s *Store) lockIfStandalone(ctx context.Context) {
	if ctx.Value(txKey{}) != nil {
		return
	}
	s.mu.Lock()
}

func (s *Store) unlockIfStandalone(ctx context.Context) {
	if ctx.Value(txKey{}) != nil {
		return
	}
	s.mu.Unlock()
}
