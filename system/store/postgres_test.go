package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

// newMockStore wires a PostgresStore to a sqlmock connection so the
// postgres-path queries can be exercised without a live database, grounded
// on the teacher's system/platform/migrations sqlmock usage.
func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestPostgresStoreGetAgent(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	cols := []string{"kind", "id", "state", "enabled", "last_heartbeat", "error_count", "pending_tasks", "version"}
	mock.ExpectQuery("SELECT kind, id, state, enabled, last_heartbeat, error_count, pending_tasks, version FROM agents WHERE kind=\\$1").
		WithArgs(AgentKindFinance).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(AgentKindFinance, "agent-finance", AgentIdle, true, now, 0, 2, 3))

	a, err := s.GetAgent(context.Background(), AgentKindFinance)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if a.ID != "agent-finance" || a.PendingTasks != 2 || a.Version != 3 {
		t.Fatalf("unexpected agent: %+v", a)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreGetAgentNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT kind, id, state, enabled, last_heartbeat, error_count, pending_tasks, version FROM agents WHERE kind=\\$1").
		WithArgs(AgentKindSecurity).
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetAgent(context.Background(), AgentKindSecurity); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStoreUpdateAgentIfVersionConflict(t *testing.T) {
	s, mock := newMockStore(t)
	a := &Agent{Kind: AgentKindJanitor, State: AgentRunning, Version: 5}
	mock.ExpectExec("UPDATE agents SET state=\\$1, enabled=\\$2, last_heartbeat=\\$3, error_count=\\$4, pending_tasks=\\$5, version=version\\+1").
		WithArgs(a.State, a.Enabled, a.LastHeartbeat, a.ErrorCount, a.PendingTasks, a.Kind, a.Version).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.UpdateAgentIfVersion(context.Background(), a); err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreInsertTask(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO tasks").WillReturnResult(sqlmock.NewResult(1, 1))

	task := &Task{OwnerAgent: AgentKindMaintenance, Title: "Fix the gutter", Priority: PriorityHigh, Status: TaskPending}
	if err := s.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if task.ID == "" || task.Version != 1 {
		t.Fatalf("expected ID and version to be assigned, got %+v", task)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
