package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/hearth-os/hearth/pkg/herrors"
)

// writeJSON is the sole place this package serializes a response, per
// SPEC_FULL.md's "no raw storage field names exposed" design note — callers
// pass already-shaped DTOs, never *store.* structs with db tags leaking
// through.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// writeErr translates a HearthError (or any wrapped error) to its HTTP
// status and the structured {code, message, details} body §7 pins, with
// retry_after included for transient errors.
func writeErr(w http.ResponseWriter, err error) {
	he := herrors.As(err)
	if he == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"code":    herrors.CodeInvariantViolation,
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, herrors.HTTPStatus(err), he)
}

// jobDTO is the wire shape for a Job, decoupled from store.Job's db tags.
type jobDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Agent        string `json:"agent"`
	Frequency    string `json:"frequency"`
	CronSpec     string `json:"cron_spec,omitempty"`
	Enabled      bool   `json:"enabled"`
	NextRun      string `json:"next_run"`
	LastStatus   string `json:"last_status"`
	FailureCount int    `json:"failure_count"`
}

// taskDTO is the wire shape for a Task.
type taskDTO struct {
	ID               string  `json:"id"`
	OwnerAgent       string  `json:"owner_agent"`
	Title            string  `json:"title"`
	Priority         string  `json:"priority"`
	Status           string  `json:"status"`
	EvidenceRequired bool    `json:"evidence_required"`
	Evidence         *string `json:"evidence,omitempty"`
}

// approvalDTO is the wire shape for an Approval.
type approvalDTO struct {
	ID             string   `json:"id"`
	RequesterAgent string   `json:"requester_agent"`
	Intent         string   `json:"intent"`
	CostEstimate   float64  `json:"cost_estimate"`
	Reversibility  string   `json:"reversibility"`
	RiskTags       []string `json:"risk_tags,omitempty"`
	Status         string   `json:"status"`
	ExpiresAt      string   `json:"expires_at"`
}
