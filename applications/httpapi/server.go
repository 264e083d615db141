// Package httpapi is the household OS's control plane: the HTTP surface
// operators and dashboards use to inspect and steer the running system
// (§6). Grounded on the teacher's internal/marble.Service (gorilla/mux
// router, running/stopCh lifecycle) generalized from a Marble-scoped
// service to the whole supervised system, plus infrastructure/middleware's
// JWT bearer-token pattern for auth.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/hearth-os/hearth/pkg/auth"
	"github.com/hearth-os/hearth/pkg/logger"
	"github.com/hearth-os/hearth/pkg/metrics"
	"github.com/hearth-os/hearth/system/audit"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/connectors"
	"github.com/hearth-os/hearth/system/policy"
	"github.com/hearth-os/hearth/system/safeedit"
	"github.com/hearth-os/hearth/system/scheduler"
	"github.com/hearth-os/hearth/system/store"
	"github.com/hearth-os/hearth/system/supervisor"
)

// Server is the household OS control plane's HTTP service.
type Server struct {
	mu      sync.RWMutex
	router  *mux.Router
	httpSrv *http.Server
	running bool

	st       store.Store
	bus      *bus.Bus
	gate     *policy.Gate
	sched    *scheduler.Scheduler
	sup      *supervisor.Supervisor
	se       *safeedit.Service
	rec      *audit.Recorder
	conns    *connectors.Registry
	auth     *auth.Manager
	log      *logger.Logger
	dataRoot string
}

// Deps bundles every subsystem the control plane fronts.
type Deps struct {
	Store      store.Store
	Bus        *bus.Bus
	Gate       *policy.Gate
	Scheduler  *scheduler.Scheduler
	Supervisor *supervisor.Supervisor
	SafeEdit   *safeedit.Service
	Audit      *audit.Recorder
	Connectors *connectors.Registry
	Auth       *auth.Manager
	Log        *logger.Logger
	DataRoot   string
}

// New builds the control-plane router with every spec §6 route mounted.
func New(d Deps) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		st:       d.Store,
		bus:      d.Bus,
		gate:     d.Gate,
		sched:    d.Scheduler,
		sup:      d.Supervisor,
		se:       d.SafeEdit,
		rec:      d.Audit,
		conns:    d.Connectors,
		auth:     d.Auth,
		log:      d.Log,
		dataRoot: d.DataRoot,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(s.loggingMiddleware)
	r.Use(metrics.InstrumentHandler)
	r.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/metrics", metrics.Handler().ServeHTTP).Methods(http.MethodGet)
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.authMiddleware)

	protected.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	protected.HandleFunc("/startup", s.handleStartup).Methods(http.MethodPost)
	protected.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	protected.HandleFunc("/monitor", s.handleMonitor).Methods(http.MethodGet)

	protected.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	protected.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	protected.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	protected.HandleFunc("/jobs/{id}", s.handleDeleteJob).Methods(http.MethodDelete)
	protected.HandleFunc("/jobs/{id}", s.handleUpdateJob).Methods(http.MethodPut)
	protected.HandleFunc("/jobs/{id}/run", s.handleRunJob).Methods(http.MethodPost)
	protected.HandleFunc("/jobs/{id}/enable", s.handleSetJobEnabled(true)).Methods(http.MethodPost)
	protected.HandleFunc("/jobs/{id}/disable", s.handleSetJobEnabled(false)).Methods(http.MethodPost)

	protected.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	protected.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	protected.HandleFunc("/tasks/{id}/complete", s.handleCompleteTask).Methods(http.MethodPost)

	protected.HandleFunc("/intents", s.handleSubmitIntent).Methods(http.MethodPost)
	protected.HandleFunc("/approvals/pending", s.handleApprovalsPending).Methods(http.MethodGet)
	protected.HandleFunc("/approvals/history", s.handleApprovalsHistory).Methods(http.MethodGet)
	protected.HandleFunc("/approvals/{id}/approve", s.handleApprovalResolve(true)).Methods(http.MethodPost)
	protected.HandleFunc("/approvals/{id}/deny", s.handleApprovalResolve(false)).Methods(http.MethodPost)

	protected.HandleFunc("/safeedit/stage", s.handleSafeEditStage).Methods(http.MethodPost)
	protected.HandleFunc("/safeedit/{id}/apply", s.handleSafeEditApply).Methods(http.MethodPost)
	protected.HandleFunc("/safeedit/{id}/rollback", s.handleSafeEditRollback).Methods(http.MethodPost)

	protected.HandleFunc("/delegate", s.handleDelegate).Methods(http.MethodPost)

	protected.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	protected.HandleFunc("/events/stream", s.handleEventsStream).Methods(http.MethodGet)
	protected.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	protected.HandleFunc("/audit/trace/{cid}", s.handleAuditTrace).Methods(http.MethodGet)

	protected.HandleFunc("/backup/export", s.handleBackupExport).Methods(http.MethodGet)
	protected.HandleFunc("/backup/restore", s.handleBackupRestore).Methods(http.MethodPost)
}

// Router exposes the mux.Router, used by hearthd's main for http.Server and
// by tests via httptest.
func (s *Server) Router() *mux.Router { return s.router }

// Start serves HTTP on addr. A second call while running returns an error
// rather than starting a duplicate listener.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("httpapi: server already running")
	}
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.running = true
	s.mu.Unlock()

	if s.log != nil {
		s.log.Component("httpapi").WithField("addr", addr).Info("control plane listening")
	}
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.httpSrv == nil {
		return nil
	}
	s.running = false
	return s.httpSrv.Shutdown(ctx)
}

// handleLive serves the dashboard aggregate (§6 GET /live): agent states,
// connector health, the next scheduled jobs, bus activity, and process
// memory, in one read.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"live": true, "time": time.Now()}

	if report, err := s.sup.Status(r.Context(), supervisor.ModeQuick); err == nil {
		agents := make(map[string]string, len(report.Agents))
		for _, a := range report.Agents {
			agents[string(a.Kind)] = frontendAgentState(a.Status)
		}
		out["agents"] = agents
		out["incidents_open"] = report.IncidentsOpen
		out["approvals_open"] = report.ApprovalsOpen
	}

	if s.conns != nil {
		health := make(map[string]string)
		for name, h := range s.conns.Snapshot() {
			health[name] = string(h)
		}
		out["connectors"] = health
	}

	if jobs, err := s.st.ListJobs(r.Context()); err == nil {
		next := make([]map[string]any, 0, 3)
		for _, j := range jobs {
			if !j.Enabled {
				continue
			}
			next = append(next, map[string]any{"name": j.Name, "next_run": j.NextRun.Format(time.RFC3339)})
			if len(next) == 3 {
				break
			}
		}
		out["scheduler"] = map[string]any{"next_jobs": next}
	}

	stats := s.bus.Stats()
	out["bus"] = map[string]any{
		"published":     stats.Published,
		"delivered":     stats.Delivered,
		"dropped":       stats.Dropped,
		"dead_lettered": stats.DeadLettered,
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	out["memory"] = map[string]any{
		"alloc_bytes": mem.Alloc,
		"sys_bytes":   mem.Sys,
		"goroutines":  runtime.NumGoroutine(),
	}

	writeJSON(w, http.StatusOK, out)
}
