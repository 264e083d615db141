package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-os/hearth/pkg/auth"
	"github.com/hearth-os/hearth/pkg/logger"
	"github.com/hearth-os/hearth/system/agentrt"
	"github.com/hearth-os/hearth/system/audit"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/connectors"
	"github.com/hearth-os/hearth/system/policy"
	"github.com/hearth-os/hearth/system/safeedit"
	"github.com/hearth-os/hearth/system/scheduler"
	"github.com/hearth-os/hearth/system/store"
	"github.com/hearth-os/hearth/system/store/memstore"
	"github.com/hearth-os/hearth/system/supervisor"
)

type noopBrain struct{}

func (noopBrain) Handle(ctx context.Context, rt *agentrt.Runtime, ev bus.Event) error { return nil }

type testEnv struct {
	server *Server
	store  store.Store
	bus    *bus.Bus
	sup    *supervisor.Supervisor
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log0 := logger.NewDefault("test")
	st := memstore.New()
	// No quiet-hours window: these tests run at arbitrary wall-clock times
	// and must not have auto decisions deferred by the seeded default.
	require.NoError(t, st.InstallPolicy(context.Background(), &store.PolicySnapshot{
		Thresholds:          store.Thresholds{CostAutoCap: 25, CostConfirmCap: 250},
		BackupRetentionDays: 7,
	}))
	b := bus.New(log0, bus.WithStore(st))
	gate := policy.NewGate(st, b, log0)
	sched := scheduler.New(st, b, log0, func(ctx context.Context, j *store.Job) error { return nil })
	se := safeedit.New(st, b, log0, []byte("test-master-key"))
	rec := audit.New(st)
	registry := connectors.NewRegistry(b, log0)

	sup := supervisor.New(st, b, gate, log0)
	for _, kind := range store.AllAgentKinds() {
		rt := agentrt.New(kind, st, b, log0, noopBrain{})
		rt.AttachGate(gate)
		sup.Register(rt)
	}

	authMgr := auth.NewManager("test-jwt-secret", []auth.Operator{{Username: "op", Password: "pw", Role: "admin"}})
	srv := New(Deps{
		Store:      st,
		Bus:        b,
		Gate:       gate,
		Scheduler:  sched,
		Supervisor: sup,
		SafeEdit:   se,
		Audit:      rec,
		Connectors: registry,
		Auth:       authMgr,
		Log:        log0,
		DataRoot:   t.TempDir(),
	})

	token, _, err := authMgr.Issue(auth.Operator{Username: "op", Role: "admin"}, 0)
	require.NoError(t, err)

	return &testEnv{server: srv, store: st, bus: b, sup: sup, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+e.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestScenario_IdempotentStartup(t *testing.T) {
	e := newTestEnv(t)

	first := e.do(t, http.MethodPost, "/startup", nil)
	require.Equal(t, http.StatusOK, first.Code)
	resp := decode[map[string]any](t, first)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, false, resp["already_running"])

	second := e.do(t, http.MethodPost, "/startup", nil)
	require.Equal(t, http.StatusOK, second.Code)
	resp = decode[map[string]any](t, second)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, true, resp["already_running"])

	status := decode[map[string]any](t, e.do(t, http.MethodGet, "/status", nil))
	assert.Equal(t, true, status["running"])

	monitor := decode[struct {
		Processes []map[string]any `json:"processes"`
	}](t, e.do(t, http.MethodGet, "/monitor", nil))
	assert.Len(t, monitor.Processes, len(store.AllAgentKinds()))

	e.do(t, http.MethodPost, "/shutdown", nil)
}

func TestScenario_IdempotentShutdown(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/startup", nil)

	first := decode[map[string]any](t, e.do(t, http.MethodPost, "/shutdown", nil))
	assert.Equal(t, true, first["success"])
	assert.Equal(t, false, first["already_stopped"])

	second := decode[map[string]any](t, e.do(t, http.MethodPost, "/shutdown", nil))
	assert.Equal(t, true, second["success"])
	assert.Equal(t, true, second["already_stopped"])
}

func TestScenario_ApprovalGateDeniedIntentProducesNoEffect(t *testing.T) {
	e := newTestEnv(t)

	submitted := decode[map[string]any](t, e.do(t, http.MethodPost, "/intents", map[string]any{
		"agent":         "mail-skill",
		"action":        "send_email_to_new_contact",
		"reversibility": "reversible",
		"cost_estimate": 0,
		"side_effects":  []string{"external_message_new_contact"},
	}))
	assert.Equal(t, "require_confirm", submitted["decision"])
	approvalID, _ := submitted["approval_id"].(string)
	require.NotEmpty(t, approvalID)

	pending := decode[[]map[string]any](t, e.do(t, http.MethodGet, "/approvals/pending", nil))
	require.Len(t, pending, 1)

	denied := decode[map[string]any](t, e.do(t, http.MethodPost, "/approvals/"+approvalID+"/deny", nil))
	assert.Equal(t, "denied", denied["status"])

	pending = decode[[]map[string]any](t, e.do(t, http.MethodGet, "/approvals/pending", nil))
	assert.Empty(t, pending)

	events := decode[[]map[string]any](t, e.do(t, http.MethodGet, "/events?limit=100", nil))
	var sawResolved bool
	for _, ev := range events {
		if ev["type"] != "approval.resolved" {
			continue
		}
		payload, _ := ev["payload"].(map[string]any)
		if payload["status"] == "denied" {
			sawResolved = true
		}
	}
	assert.True(t, sawResolved, "events must contain approval.resolved with status=denied")
}

func TestScenario_SafeEditRejectApplyRollback(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "house-rules.md")
	require.NoError(t, os.WriteFile(target, []byte("original rules"), 0o644))

	// Forbidden pattern: validation failure never touches the target.
	rejected := e.do(t, http.MethodPost, "/safeedit/stage", map[string]any{
		"agent":       "janitor",
		"target_path": target,
		"new_content": "cleanup: rm -rf / tmp",
	})
	assert.Equal(t, http.StatusForbidden, rejected.Code)
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original rules", string(got))

	// Valid content: stage -> apply -> rollback round trip.
	staged := decode[map[string]any](t, e.do(t, http.MethodPost, "/safeedit/stage", map[string]any{
		"agent":       "janitor",
		"target_path": target,
		"new_content": "updated rules",
	}))
	editID, _ := staged["edit_id"].(string)
	require.NotEmpty(t, editID)
	assert.Equal(t, "staged", staged["status"])

	applied := decode[map[string]any](t, e.do(t, http.MethodPost, "/safeedit/"+editID+"/apply", map[string]any{
		"new_content": "updated rules",
	}))
	assert.Equal(t, "applied", applied["status"])
	got, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "updated rules", string(got))

	rolledBack := decode[map[string]any](t, e.do(t, http.MethodPost, "/safeedit/"+editID+"/rollback", nil))
	assert.Equal(t, "rolled_back", rolledBack["status"])
	got, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original rules", string(got))
}

func TestScenario_CostIncidentFreezesAutoApproval(t *testing.T) {
	e := newTestEnv(t)

	// An auto-eligible intent passes before the incident.
	before := decode[map[string]any](t, e.do(t, http.MethodPost, "/intents", map[string]any{
		"agent":         "finance",
		"action":        "order_filters",
		"reversibility": "reversible",
		"cost_estimate": 1,
	}))
	require.Equal(t, "auto", before["decision"])

	require.NoError(t, e.bus.Publish(context.Background(), bus.Event{
		Topic:    "budget.warning",
		Priority: bus.PriorityCritical,
		Source:   "finance",
		Payload:  map[string]any{"summary": "spend exceeded weekly budget"},
	}))

	require.Eventually(t, func() bool {
		return e.sup.IncidentsOpen() >= 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		after := decode[map[string]any](t, e.do(t, http.MethodPost, "/intents", map[string]any{
			"agent":         "finance",
			"action":        "order_filters",
			"reversibility": "reversible",
			"cost_estimate": 1,
		}))
		return after["decision"] == "require_confirm"
	}, 5*time.Second, 50*time.Millisecond)

	status := decode[map[string]any](t, e.do(t, http.MethodGet, "/status", nil))
	incidents, _ := status["incidents_open"].(float64)
	assert.GreaterOrEqual(t, incidents, 1.0)
}

func TestScenario_AuditTraceChain(t *testing.T) {
	e := newTestEnv(t)

	delegated := decode[map[string]any](t, e.do(t, http.MethodPost, "/delegate", map[string]any{
		"agent":     "finance",
		"directive": "pay the water bill",
	}))
	cid, _ := delegated["correlation_id"].(string)
	require.NotEmpty(t, cid)

	submitted := decode[map[string]any](t, e.do(t, http.MethodPost, "/intents", map[string]any{
		"agent":          "finance",
		"action":         "pay_water_bill",
		"reversibility":  "reversible",
		"cost_estimate":  120,
		"side_effects":   []string{"finance_transfer"},
		"correlation_id": cid,
	}))
	require.Equal(t, "require_confirm", submitted["decision"])
	approvalID, _ := submitted["approval_id"].(string)
	e.do(t, http.MethodPost, "/approvals/"+approvalID+"/approve", nil)

	trace := decode[struct {
		CorrelationID string `json:"correlation_id"`
		Chain         []struct {
			Kind      string    `json:"kind"`
			Label     string    `json:"label"`
			Timestamp time.Time `json:"timestamp"`
		} `json:"chain"`
	}](t, e.do(t, http.MethodGet, "/audit/trace/"+cid, nil))

	require.Equal(t, cid, trace.CorrelationID)
	require.GreaterOrEqual(t, len(trace.Chain), 3)

	labels := make(map[string]bool)
	for _, link := range trace.Chain {
		labels[link.Label] = true
	}
	assert.True(t, labels["directive"], "chain must include the delegation")
	assert.True(t, labels["intent.require_confirm"], "chain must include the gate decision")
	assert.True(t, labels["approval.approved"], "chain must include the resolution")

	for i := 1; i < len(trace.Chain); i++ {
		assert.False(t, trace.Chain[i].Timestamp.Before(trace.Chain[i-1].Timestamp),
			"chain timestamps must be monotonically non-decreasing")
	}
}

func TestAuth_RejectsMissingBearerToken(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBackup_ExportRestoreRoundTripOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.InsertTask(context.Background(), &store.Task{
		ID: "t-export", OwnerAgent: store.AgentKindFinance, Title: "export me",
		Priority: store.PriorityLow, Status: store.TaskPending, CreatedAt: time.Now(),
	}))

	exported := e.do(t, http.MethodGet, "/backup/export", nil)
	require.Equal(t, http.StatusOK, exported.Code)
	require.NotEmpty(t, exported.Body.Bytes())

	restoreEnv := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/backup/restore", bytes.NewReader(exported.Body.Bytes()))
	req.Header.Set("Authorization", "Bearer "+restoreEnv.token)
	req.Header.Set("Content-Type", "application/gzip")
	rec := httptest.NewRecorder()
	restoreEnv.server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	task, err := restoreEnv.store.GetTask(context.Background(), "t-export")
	require.NoError(t, err)
	assert.Equal(t, "export me", task.Title)
}

func TestErrorBody_CarriesStructuredCode(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/jobs/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode[map[string]any](t, rec)
	code, _ := body["code"].(string)
	assert.True(t, len(code) > 0 && code[:4] == "VAL_", fmt.Sprintf("want VAL_ code, got %q", code))
}
