// Package metrics provides Prometheus metrics collection for the daemon.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hearth",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight control-plane HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of control-plane HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hearth",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of control-plane HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.6s
		},
		[]string{"method", "path"},
	)

	agentHandlerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "agent",
			Name:      "handler_runs_total",
			Help:      "Total number of agent event handler invocations.",
		},
		[]string{"agent", "event_type", "status"},
	)

	agentHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hearth",
			Subsystem: "agent",
			Name:      "handler_duration_seconds",
			Help:      "Duration of agent event handler invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"agent", "event_type"},
	)

	agentHeartbeatAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hearth",
			Subsystem: "agent",
			Name:      "heartbeat_age_seconds",
			Help:      "Seconds since an agent's last heartbeat.",
		},
		[]string{"agent"},
	)

	schedulerJobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Total number of scheduler job ticks dispatched.",
		},
		[]string{"job_id", "success"},
	)

	schedulerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hearth",
			Subsystem: "scheduler",
			Name:      "job_run_duration_seconds",
			Help:      "Duration of scheduler job executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"job_id"},
	)

	schedulerJobNextRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hearth",
			Subsystem: "scheduler",
			Name:      "job_next_run_timestamp",
			Help:      "Unix timestamp of a job's next scheduled run.",
		},
		[]string{"job_id"},
	)

	policyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Policy gate decisions grouped by outcome.",
		},
		[]string{"decision"},
	)

	approvalsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hearth",
			Subsystem: "policy",
			Name:      "approvals_pending",
			Help:      "Approvals currently awaiting resolution.",
		},
	)

	costTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "cost",
			Name:      "total",
			Help:      "Accumulated cost of executed intents.",
		},
		[]string{"agent", "action"},
	)

	costAutoCap = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hearth",
			Subsystem: "cost",
			Name:      "auto_cap",
			Help:      "Current auto-approval cost cap; 0 means auto-approval is frozen.",
		},
	)

	connectorHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hearth",
			Subsystem: "connectors",
			Name:      "health",
			Help:      "Connector health (1=healthy, 0=any other state).",
		},
		[]string{"connector"},
	)

	moduleReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hearth",
			Subsystem: "supervisor",
			Name:      "module_ready",
			Help:      "Current readiness of supervised modules (1 ready, 0 otherwise).",
		},
		[]string{"module", "domain"},
	)

	moduleWaitingDeps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hearth",
			Subsystem: "supervisor",
			Name:      "module_waiting_dependencies",
			Help:      "Whether a module is waiting for dependencies (1 yes, 0 no).",
		},
		[]string{"module", "domain"},
	)

	moduleStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hearth",
			Subsystem: "supervisor",
			Name:      "module_status",
			Help:      "Lifecycle status of supervised modules (one-hot by status label).",
		},
		[]string{"module", "domain", "status"},
	)

	moduleStartSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hearth",
			Subsystem: "supervisor",
			Name:      "module_start_seconds",
			Help:      "Start duration for supervised modules (seconds).",
		},
		[]string{"module", "domain"},
	)

	moduleStopSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hearth",
			Subsystem: "supervisor",
			Name:      "module_stop_seconds",
			Help:      "Stop duration for supervised modules (seconds).",
		},
		[]string{"module", "domain"},
	)

	busFanout = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "bus",
			Name:      "fanout_total",
			Help:      "Count of bus fan-out calls grouped by priority and result.",
		},
		[]string{"priority", "result"},
	)

	incidentsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hearth",
			Subsystem: "supervisor",
			Name:      "incidents_open",
			Help:      "Currently open incidents.",
		},
	)

	busFanoutCounts = struct {
		mu    sync.Mutex
		count map[string]struct {
			ok  float64
			err float64
		}
	}{count: make(map[string]struct {
		ok  float64
		err float64
	})}
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		agentHandlerRuns,
		agentHandlerDuration,
		agentHeartbeatAge,
		schedulerJobRuns,
		schedulerJobDuration,
		schedulerJobNextRun,
		policyDecisions,
		approvalsPending,
		costTotal,
		costAutoCap,
		connectorHealth,
		moduleReady,
		moduleWaitingDeps,
		moduleStatus,
		moduleStartSeconds,
		moduleStopSeconds,
		busFanout,
		incidentsOpen,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordAgentHandler records one handler invocation's outcome and duration.
func RecordAgentHandler(agent, eventType, status string, duration time.Duration) {
	if agent == "" {
		agent = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	agentHandlerRuns.WithLabelValues(agent, eventType, status).Inc()
	agentHandlerDuration.WithLabelValues(agent, eventType).Observe(duration.Seconds())
}

// RecordAgentHeartbeat sets the heartbeat-age gauge for an agent to zero.
func RecordAgentHeartbeat(agent string) {
	agentHeartbeatAge.WithLabelValues(agent).Set(0)
}

// RecordSchedulerJob records a scheduler tick for a job.
func RecordSchedulerJob(jobID string, duration time.Duration, success bool) {
	if jobID == "" {
		jobID = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	result := "false"
	if success {
		result = "true"
	}
	schedulerJobRuns.WithLabelValues(jobID, result).Inc()
	schedulerJobDuration.WithLabelValues(jobID).Observe(duration.Seconds())
}

// RecordSchedulerNextRun publishes a job's next-run timestamp.
func RecordSchedulerNextRun(jobID string, nextRun time.Time) {
	if jobID == "" {
		jobID = "unknown"
	}
	schedulerJobNextRun.WithLabelValues(jobID).Set(float64(nextRun.Unix()))
}

// RecordPolicyDecision records a gate decision (auto|require_confirm|deny).
func RecordPolicyDecision(decision string) {
	if decision == "" {
		decision = "unknown"
	}
	policyDecisions.WithLabelValues(decision).Inc()
}

// SetApprovalsPending sets the count of approvals awaiting resolution.
func SetApprovalsPending(n int) {
	approvalsPending.Set(float64(n))
}

// RecordCost adds to the accumulated cost total for an agent/action pair.
func RecordCost(agent, action string, amount float64) {
	if agent == "" {
		agent = "unknown"
	}
	if action == "" {
		action = "unknown"
	}
	costTotal.WithLabelValues(agent, action).Add(amount)
}

// SetCostAutoCap publishes the current auto-approval cost cap.
func SetCostAutoCap(cap float64) {
	costAutoCap.Set(cap)
}

// SetConnectorHealth publishes a connector's health (healthy=true/false).
func SetConnectorHealth(connector string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	connectorHealth.WithLabelValues(connector).Set(val)
}

// SetIncidentsOpen publishes the count of currently open incidents.
func SetIncidentsOpen(n int) {
	incidentsOpen.Set(float64(n))
}

// ModuleMetric captures lifecycle/readiness for supervised modules used to
// populate Prometheus gauges.
type ModuleMetric struct {
	Name    string
	Domain  string
	Status  string
	Ready   string
	Waiting bool
}

// RecordModuleMetrics publishes module lifecycle/readiness gauges. It resets
// previous values so metrics stay aligned with the latest state instead of
// leaving stale statuses behind when a module transitions.
func RecordModuleMetrics(mods []ModuleMetric) {
	moduleReady.Reset()
	moduleWaitingDeps.Reset()
	moduleStatus.Reset()
	for _, m := range mods {
		ready := 0.0
		if strings.EqualFold(m.Ready, "ready") {
			ready = 1.0
		}
		waiting := 0.0
		if m.Waiting {
			waiting = 1.0
		}
		moduleReady.WithLabelValues(m.Name, m.Domain).Set(ready)
		moduleWaitingDeps.WithLabelValues(m.Name, m.Domain).Set(waiting)
		moduleStatus.WithLabelValues(m.Name, m.Domain, m.Status).Set(1)
	}
}

// ModuleTiming captures start/stop durations for supervised modules.
type ModuleTiming struct {
	Name         string
	Domain       string
	StartSeconds float64
	StopSeconds  float64
}

// RecordModuleTimings publishes module start/stop durations (seconds).
func RecordModuleTimings(timings []ModuleTiming) {
	moduleStartSeconds.Reset()
	moduleStopSeconds.Reset()
	for _, t := range timings {
		if t.Name == "" {
			continue
		}
		moduleStartSeconds.WithLabelValues(t.Name, t.Domain).Set(t.StartSeconds)
		moduleStopSeconds.WithLabelValues(t.Name, t.Domain).Set(t.StopSeconds)
	}
}

// RecordBusFanout increments bus fan-out counters by priority band and result (ok|error).
func RecordBusFanout(priority string, err error) {
	if priority == "" {
		priority = "unknown"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	busFanout.WithLabelValues(priority, result).Inc()
	busFanoutCounts.mu.Lock()
	entry := busFanoutCounts.count[priority]
	if result == "error" {
		entry.err++
	} else {
		entry.ok++
	}
	busFanoutCounts.count[priority] = entry
	busFanoutCounts.mu.Unlock()
}

// BusFanoutSnapshot returns aggregate fan-out counts grouped by priority band.
func BusFanoutSnapshot() map[string]struct {
	OK    float64 `json:"ok"`
	Error float64 `json:"error"`
} {
	busFanoutCounts.mu.Lock()
	defer busFanoutCounts.mu.Unlock()
	out := make(map[string]struct {
		OK    float64 `json:"ok"`
		Error float64 `json:"error"`
	}, len(busFanoutCounts.count))
	for priority, val := range busFanoutCounts.count {
		out[priority] = struct {
			OK    float64 `json:"ok"`
			Error float64 `json:"error"`
		}{OK: val.ok, Error: val.err}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters so cardinality stays bounded —
// e.g. /jobs/abc123 and /jobs/def456 both become /jobs/:id.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	switch parts[0] {
	case "jobs", "agents", "approvals", "audit":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		return "/" + parts[0] + "/:id"
	default:
		return "/" + parts[0]
	}
}
