package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/hearth-os/hearth/pkg/auth"
	"github.com/hearth-os/hearth/pkg/herrors"
	"github.com/hearth-os/hearth/system/backup"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/policy"
	"github.com/hearth-os/hearth/system/scheduler"
	"github.com/hearth-os/hearth/system/store"
	"github.com/hearth-os/hearth/system/supervisor"
)

// handleLogin issues a bearer token for a configured operator (§6 control
// plane auth, not itself a spec-named route but required to obtain the
// bearer token every other protected route needs).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, herrors.InvalidInput("body", "malformed JSON"))
		return
	}
	op, err := s.auth.Authenticate(body.Username, body.Password)
	if err != nil {
		writeErr(w, herrors.Unauthorized("invalid username or password"))
		return
	}
	token, exp, err := s.auth.Issue(op, 0)
	if err != nil {
		writeErr(w, herrors.Wrap(herrors.CodeInvariantViolation, "failed to issue token", http.StatusInternalServerError, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expires_at": exp})
}

// handleStatus implements GET /status, returning the full shape the
// frontend contract pins plus the Supervisor's quick StatusReport.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	mode := supervisor.ModeQuick
	switch r.URL.Query().Get("mode") {
	case "full":
		mode = supervisor.ModeFull
	case "audit_trace":
		mode = supervisor.ModeAuditTrace
	}
	report, err := s.sup.Status(r.Context(), mode)
	if err != nil {
		writeErr(w, err)
		return
	}

	agentStates := make(map[string]string, len(report.Agents))
	for _, a := range report.Agents {
		agentStates[string(a.Kind)] = frontendAgentState(a.Status)
	}

	running := false
	for _, a := range report.Agents {
		if a.Status == supervisor.StatusStarted {
			running = true
			break
		}
	}

	resp := map[string]any{
		"running":        running,
		"agents":         agentStates,
		"approvals_open": report.ApprovalsOpen,
		"incidents_open": report.IncidentsOpen,
		"generated_at":   report.GeneratedAt,
	}
	if mode == supervisor.ModeFull {
		cost, err := s.rec.Window(r.Context(), time.Now().Add(-30*24*time.Hour), time.Now())
		if err == nil {
			resp["cost_summary"] = cost
		}
	}
	if mode == supervisor.ModeAuditTrace {
		journals := make(map[string]any, len(report.Journals))
		for k, j := range report.Journals {
			journals[string(k)] = j
		}
		resp["journals"] = journals
	}
	writeJSON(w, http.StatusOK, resp)
}

// frontendAgentState maps the Supervisor's internal lifecycle vocabulary to
// the exact strings SPEC_FULL.md's frontend contract pins (§6: "running",
// "idle", "error", "stopped", "offline" — never "active").
func frontendAgentState(st supervisor.Status) string {
	switch st {
	case supervisor.StatusStarted:
		return string(store.AgentRunning)
	case supervisor.StatusFailed:
		return string(store.AgentError)
	case supervisor.StatusStopped:
		return string(store.AgentStopped)
	case supervisor.StatusStarting:
		return string(store.AgentIdle)
	default:
		return string(store.AgentOffline)
	}
}

// handleStartup implements idempotent POST /startup.
func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	report, err := s.sup.Status(r.Context(), supervisor.ModeQuick)
	if err != nil {
		writeErr(w, err)
		return
	}
	alreadyRunning := statusAllStarted(report.Agents)

	if err := s.sup.Startup(r.Context()); err != nil {
		writeErr(w, herrors.Wrap(herrors.CodeInvariantViolation, "startup failed", http.StatusInternalServerError, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "already_running": alreadyRunning})
}

// handleShutdown implements idempotent POST /shutdown.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	report, err := s.sup.Status(r.Context(), supervisor.ModeQuick)
	if err != nil {
		writeErr(w, err)
		return
	}
	alreadyStopped := statusAllStopped(report.Agents)

	if err := s.sup.Shutdown(r.Context()); err != nil {
		writeErr(w, herrors.Wrap(herrors.CodeInvariantViolation, "shutdown failed", http.StatusInternalServerError, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "already_stopped": alreadyStopped})
}

func statusAllStarted(agents []supervisor.AgentHealth) bool {
	if len(agents) == 0 {
		return false
	}
	for _, a := range agents {
		if a.Status != supervisor.StatusStarted {
			return false
		}
	}
	return true
}

func statusAllStopped(agents []supervisor.AgentHealth) bool {
	for _, a := range agents {
		if a.Status != supervisor.StatusRegistered && a.Status != supervisor.StatusStopped {
			return false
		}
	}
	return true
}

// handleMonitor implements GET /monitor: processes lists every registered
// agent runtime, whatever its state, so it is non-empty once at least one
// runtime has been registered (§8 "frontend contract" testable property).
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	report, err := s.sup.Status(r.Context(), supervisor.ModeFull)
	if err != nil {
		writeErr(w, err)
		return
	}
	registered := make(map[store.AgentKind]bool)
	for _, k := range s.sup.RegisteredKinds() {
		registered[k] = true
	}
	processes := make([]map[string]any, 0, len(report.Agents))
	activeCount := 0
	for _, a := range report.Agents {
		if !registered[a.Kind] {
			continue
		}
		processes = append(processes, map[string]any{
			"agent":      string(a.Kind),
			"state":      frontendAgentState(a.Status),
			"updated_at": a.UpdatedAt,
		})
		if a.Status == supervisor.StatusStarted {
			activeCount++
		}
	}
	costToday, _ := s.rec.Window(r.Context(), time.Now().Truncate(24*time.Hour), time.Now())
	costTodayTotal := 0.0
	if costToday != nil {
		costTodayTotal = costToday.TotalCost
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processes": processes,
		"resources": map[string]any{
			"agents_active": activeCount,
			"agents_total":  len(report.Agents),
			"cost_today":    costTodayTotal,
		},
		"last_activity": report.GeneratedAt,
	})
}

// --- Jobs ---

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.st.ListJobs(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]jobDTO, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobDTO(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, err := s.st.GetJob(r.Context(), id)
	if err != nil {
		writeErr(w, translateStoreErr(err))
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(j))
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string `json:"name"`
		Agent      string `json:"agent"`
		TaskSpec   string `json:"task_spec"`
		Frequency  string `json:"frequency"`
		Hour       int    `json:"hour"`
		Minute     int    `json:"minute"`
		DayOfWeek  int    `json:"day_of_week"`
		DayOfMonth int    `json:"day_of_month"`
		CronSpec   string `json:"cron_spec"`
		Critical   bool   `json:"critical"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, herrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if body.Name == "" || body.Agent == "" {
		writeErr(w, herrors.MissingParameter("name/agent"))
		return
	}
	now := time.Now()
	j := &store.Job{
		ID:         uuid.NewString(),
		Name:       body.Name,
		Agent:      store.AgentKind(body.Agent),
		TaskSpec:   body.TaskSpec,
		Frequency:  store.JobFrequency(body.Frequency),
		Hour:       body.Hour,
		Minute:     body.Minute,
		DayOfWeek:  body.DayOfWeek,
		DayOfMonth: body.DayOfMonth,
		CronSpec:   body.CronSpec,
		Critical:   body.Critical,
		Enabled:    true,
		Version:    1,
	}
	j.NextRun = scheduler.NextRun(j, now)
	if err := s.st.InsertJob(r.Context(), j); err != nil {
		writeErr(w, translateStoreErr(err))
		return
	}
	writeJSON(w, http.StatusCreated, toJobDTO(j))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.st.DeleteJob(r.Context(), id); err != nil {
		writeErr(w, translateStoreErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateJob applies an operator edit to a job's schedule/target and
// recomputes NextRun from the new cadence (§6 PUT /jobs/{id}).
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, err := s.st.GetJob(r.Context(), id)
	if err != nil {
		writeErr(w, translateStoreErr(err))
		return
	}
	var body struct {
		Name       string `json:"name"`
		TaskSpec   string `json:"task_spec"`
		Frequency  string `json:"frequency"`
		Hour       int    `json:"hour"`
		Minute     int    `json:"minute"`
		DayOfWeek  int    `json:"day_of_week"`
		DayOfMonth int    `json:"day_of_month"`
		CronSpec   string `json:"cron_spec"`
		Critical   bool   `json:"critical"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, herrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if body.Name != "" {
		j.Name = body.Name
	}
	if body.TaskSpec != "" {
		j.TaskSpec = body.TaskSpec
	}
	if body.Frequency != "" {
		j.Frequency = store.JobFrequency(body.Frequency)
	}
	j.Hour = body.Hour
	j.Minute = body.Minute
	j.DayOfWeek = body.DayOfWeek
	j.DayOfMonth = body.DayOfMonth
	j.CronSpec = body.CronSpec
	j.Critical = body.Critical
	j.NextRun = scheduler.NextRun(j, time.Now())
	if err := s.st.UpdateJobIfVersion(r.Context(), j); err != nil {
		writeErr(w, translateStoreErr(err))
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(j))
}

// handleSetJobEnabled toggles Job.Enabled without disturbing its schedule
// (§6 POST /jobs/{id}/enable and /jobs/{id}/disable).
func (s *Server) handleSetJobEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		j, err := s.st.GetJob(r.Context(), id)
		if err != nil {
			writeErr(w, translateStoreErr(err))
			return
		}
		j.Enabled = enabled
		if enabled {
			j.FailureCount = 0
		}
		if err := s.st.UpdateJobIfVersion(r.Context(), j); err != nil {
			writeErr(w, translateStoreErr(err))
			return
		}
		writeJSON(w, http.StatusOK, toJobDTO(j))
	}
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, err := s.st.GetJob(r.Context(), id)
	if err != nil {
		writeErr(w, translateStoreErr(err))
		return
	}
	if err := s.sched.RunNow(r.Context(), j); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- Tasks ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{
		Agent:    store.AgentKind(r.URL.Query().Get("agent")),
		Status:   r.URL.Query().Get("status"),
		Category: r.URL.Query().Get("category"),
	}
	if lim := r.URL.Query().Get("limit"); lim != "" {
		if n, err := strconv.Atoi(lim); err == nil {
			f.Limit = n
		}
	}
	tasks, err := s.st.ListTasks(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]taskDTO, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskDTO(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := s.st.GetTask(r.Context(), id)
	if err != nil {
		writeErr(w, translateStoreErr(err))
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(t))
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Evidence string `json:"evidence"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	t, err := s.st.GetTask(r.Context(), id)
	if err != nil {
		writeErr(w, translateStoreErr(err))
		return
	}
	if t.EvidenceRequired && body.Evidence == "" {
		writeErr(w, herrors.MissingEvidence(id))
		return
	}
	t.Status = store.TaskCompleted
	if body.Evidence != "" {
		t.Evidence = &body.Evidence
	}
	if err := s.st.UpdateTaskIfVersion(r.Context(), t); err != nil {
		writeErr(w, translateStoreErr(err))
		return
	}
	_ = s.bus.Publish(r.Context(), bus.Event{
		Topic:         "task.completed",
		Priority:      bus.PriorityNormal,
		Source:        "httpapi",
		CorrelationID: t.CorrelationID,
		Payload:       map[string]any{"task_id": t.ID},
	})
	writeJSON(w, http.StatusOK, toTaskDTO(t))
}

// --- Intents / approvals ---

// handleSubmitIntent lets an operator or external tool submit an Intent
// directly to the gate (§8 scenario 3), outside the normal agent-handler
// path.
func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agent          string   `json:"agent"`
		Action         string   `json:"action"`
		CostEstimate   float64  `json:"cost_estimate"`
		Reversibility  string   `json:"reversibility"`
		EgressHost     string   `json:"egress_host"`
		ContactChannel string   `json:"contact_channel"`
		SideEffects    []string `json:"side_effects"`
		RiskTags       []string `json:"risk_tags"`
		CriticalSafety bool     `json:"critical_safety"`
		CorrelationID  string   `json:"correlation_id"`
		PolicyVersion  int64    `json:"policy_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, herrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if body.CorrelationID == "" {
		body.CorrelationID = uuid.NewString()
	}
	intent := policy.Intent{
		Agent:          store.AgentKind(body.Agent),
		Action:         body.Action,
		CostEstimate:   body.CostEstimate,
		Reversibility:  store.Reversibility(body.Reversibility),
		EgressHost:     body.EgressHost,
		ContactChannel: body.ContactChannel,
		SideEffects:    body.SideEffects,
		RiskTags:       body.RiskTags,
		CriticalSafety: body.CriticalSafety,
		CorrelationID:  body.CorrelationID,
		PolicyVersion:  body.PolicyVersion,
	}
	verdict, approval, err := s.gate.Check(r.Context(), intent)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := map[string]any{"decision": string(verdict.Decision), "reason": verdict.Reason, "correlation_id": body.CorrelationID}
	if approval != nil {
		resp["approval_id"] = approval.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApprovalsPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.st.ListApprovals(r.Context(), store.ApprovalPending)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]approvalDTO, 0, len(pending))
	for _, a := range pending {
		out = append(out, toApprovalDTO(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// historyStatuses are the resolved states surfaced by GET /approvals/history,
// i.e. every ApprovalStatus except pending.
var historyStatuses = []store.ApprovalStatus{store.ApprovalApproved, store.ApprovalDenied, store.ApprovalExpired}

// handleApprovalsHistory lists every resolved approval (approved, denied, or
// expired), latest expiry first, for operator audit review (§6).
func (s *Server) handleApprovalsHistory(w http.ResponseWriter, r *http.Request) {
	var out []approvalDTO
	for _, status := range historyStatuses {
		list, err := s.st.ListApprovals(r.Context(), status)
		if err != nil {
			writeErr(w, err)
			return
		}
		for _, a := range list {
			out = append(out, toApprovalDTO(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt > out[j].ExpiresAt })
	if out == nil {
		out = []approvalDTO{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApprovalResolve(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		resolvedBy := "operator"
		if claims, ok := r.Context().Value(claimsCtxKey).(*auth.Claims); ok && claims != nil {
			resolvedBy = claims.Username
		}
		a, err := s.gate.Resolve(r.Context(), id, resolvedBy, approve)
		if err != nil {
			writeErr(w, translateStoreErr(err))
			return
		}
		writeJSON(w, http.StatusOK, toApprovalDTO(a))
	}
}

// --- Safe-edit ---

func (s *Server) handleSafeEditStage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agent         string `json:"agent"`
		TargetPath    string `json:"target_path"`
		NewContent    string `json:"new_content"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, herrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if body.CorrelationID == "" {
		body.CorrelationID = uuid.NewString()
	}
	b, err := s.se.Stage(r.Context(), store.AgentKind(body.Agent), body.TargetPath, []byte(body.NewContent), body.CorrelationID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edit_id": b.ID, "status": string(b.Status), "correlation_id": b.CorrelationID})
}

// handleSafeEditApply applies a previously staged edit. The caller resends
// new_content because the staged backup record only persists its digest,
// not the content itself (§4.6 step 1 only captures the original).
func (s *Server) handleSafeEditApply(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		NewContent string `json:"new_content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, herrors.InvalidInput("body", "malformed JSON"))
		return
	}
	applied, err := s.se.Apply(r.Context(), id, []byte(body.NewContent))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edit_id": applied.ID, "status": string(applied.Status)})
}

func (s *Server) handleSafeEditRollback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, err := s.se.Rollback(r.Context(), id)
	if err != nil {
		writeErr(w, translateStoreErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edit_id": b.ID, "status": string(b.Status)})
}

// --- Delegation / backup ---

// handleDelegate routes an operator directive to an agent via the
// Supervisor (§4.8 "Delegation"): a correlation ID is stamped, a pending
// Task is persisted, and the directive lands on the agent's inbox topic.
func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agent     string `json:"agent"`
		Directive string `json:"directive"`
		Priority  string `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, herrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if body.Agent == "" || body.Directive == "" {
		writeErr(w, herrors.MissingParameter("agent/directive"))
		return
	}
	task, err := s.sup.Delegate(r.Context(), store.AgentKind(body.Agent), body.Directive, store.TaskPriority(body.Priority))
	if err != nil {
		writeErr(w, herrors.InvalidInput("agent", err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":        task.ID,
		"correlation_id": task.CorrelationID,
		"agent":          string(task.OwnerAgent),
	})
}

// handleBackupExport streams the full persisted state as a tar.gz archive
// (§6 "backup export / backup restore pair").
func (s *Server) handleBackupExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="hearth-backup.tar.gz"`)
	if err := backup.Export(r.Context(), s.st, s.dataRoot, w); err != nil && s.log != nil {
		s.log.Component("httpapi").WithField("error", err).Warn("backup export failed mid-stream")
	}
}

// handleBackupRestore ingests an archive produced by handleBackupExport.
func (s *Server) handleBackupRestore(w http.ResponseWriter, r *http.Request) {
	if err := backup.Restore(r.Context(), s.st, s.dataRoot, r.Body); err != nil {
		writeErr(w, herrors.Wrap(herrors.CodeInvalidInput, "restore failed", http.StatusBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- Events / audit ---

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var sinceSeq int64
	if since := r.URL.Query().Get("since"); since != "" {
		if n, err := strconv.ParseInt(since, 10, 64); err == nil {
			sinceSeq = n
		}
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	events, err := s.st.ListEvents(r.Context(), sinceSeq, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	// payload_path/payload_value let a caller narrow the stream to events
	// whose Payload contains a given gjson path, without requiring every
	// event type to declare a typed filter field.
	if path := r.URL.Query().Get("payload_path"); path != "" {
		want := r.URL.Query().Get("payload_value")
		filtered := events[:0]
		for _, ev := range events {
			raw, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			result := gjson.GetBytes(raw, path)
			if !result.Exists() {
				continue
			}
			if want == "" || result.String() == want {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if cid := r.URL.Query().Get("correlation_id"); cid != "" {
		records, err := s.rec.ByCorrelation(r.Context(), cid)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}
	var sinceSeq int64
	if since := r.URL.Query().Get("since"); since != "" {
		if n, err := strconv.ParseInt(since, 10, 64); err == nil {
			sinceSeq = n
		}
	}
	records, err := s.st.ListAudit(r.Context(), sinceSeq, 200)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// traceLink is one hop of an audit trace: either an Event or an AuditRecord
// sharing the traced correlation ID, flattened into a common shape.
type traceLink struct {
	Kind      string    `json:"kind"` // "event" | "audit"
	Label     string    `json:"label"`
	Source    string    `json:"source,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// handleAuditTrace reconstructs the causal chain behind one correlation ID
// by merging the Event and Audit streams chronologically (§4.8 audit_trace,
// §8 scenario 6: directive → intent → approval → effect → completion).
func (s *Server) handleAuditTrace(w http.ResponseWriter, r *http.Request) {
	cid := mux.Vars(r)["cid"]

	events, err := s.st.ListEventsByCorrelation(r.Context(), cid)
	if err != nil {
		writeErr(w, err)
		return
	}
	records, err := s.rec.ByCorrelation(r.Context(), cid)
	if err != nil {
		writeErr(w, err)
		return
	}

	chain := make([]traceLink, 0, len(events)+len(records))
	for _, e := range events {
		chain = append(chain, traceLink{Kind: "event", Label: e.Type, Source: e.Source, Timestamp: e.Timestamp})
	}
	for _, rec := range records {
		chain = append(chain, traceLink{Kind: "audit", Label: rec.Action, Actor: string(rec.ActorAgent), Timestamp: rec.Timestamp})
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].Timestamp.Before(chain[j].Timestamp) })

	writeJSON(w, http.StatusOK, map[string]any{"correlation_id": cid, "chain": chain})
}

// --- DTO translation helpers ---

func toJobDTO(j *store.Job) jobDTO {
	return jobDTO{
		ID:           j.ID,
		Name:         j.Name,
		Agent:        string(j.Agent),
		Frequency:    string(j.Frequency),
		CronSpec:     j.CronSpec,
		Enabled:      j.Enabled,
		NextRun:      j.NextRun.Format(time.RFC3339),
		LastStatus:   string(j.LastStatus),
		FailureCount: j.FailureCount,
	}
}

func toTaskDTO(t *store.Task) taskDTO {
	return taskDTO{
		ID:               t.ID,
		OwnerAgent:       string(t.OwnerAgent),
		Title:            t.Title,
		Priority:         string(t.Priority),
		Status:           string(t.Status),
		EvidenceRequired: t.EvidenceRequired,
		Evidence:         t.Evidence,
	}
}

func toApprovalDTO(a *store.Approval) approvalDTO {
	return approvalDTO{
		ID:             a.ID,
		RequesterAgent: string(a.RequesterAgent),
		Intent:         a.Intent,
		CostEstimate:   a.CostEstimate,
		Reversibility:  string(a.Reversibility),
		RiskTags:       a.RiskTags,
		Status:         string(a.Status),
		ExpiresAt:      a.ExpiresAt.Format(time.RFC3339),
	}
}

// translateStoreErr maps store sentinel errors onto herrors codes so every
// handler renders the §7 structured {code, message, details} shape instead
// of a bare 500.
func translateStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return herrors.New(herrors.CodeInvalidInput, "resource not found", http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		return herrors.VersionConflict("entity", "")
	case errors.Is(err, store.ErrConstraintViolation):
		return herrors.InvalidInput("entity", "constraint violation")
	case errors.Is(err, store.ErrStorageUnavailable):
		return herrors.StorageUnavailable(err)
	default:
		return err
	}
}
