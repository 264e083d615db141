package herrors

import (
	"errors"
	"net/http"
	"testing"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	herr := StorageUnavailable(cause)

	if !errors.Is(herr, cause) {
		t.Fatalf("expected wrapped cause to be reachable via errors.Is")
	}
	if herr.RetryAfter == nil || *herr.RetryAfter != 5 {
		t.Fatalf("expected retry_after=5, got %v", herr.RetryAfter)
	}
}

func TestAsExtractsHearthError(t *testing.T) {
	err := error(PolicyDenied("cost_estimate exceeds auto cap"))
	herr := As(err)
	if herr == nil {
		t.Fatalf("expected As to extract a HearthError")
	}
	if herr.Code != CodePolicyDenied {
		t.Fatalf("expected code %s, got %s", CodePolicyDenied, herr.Code)
	}
}

func TestHTTPStatusFallsBackToInternal(t *testing.T) {
	if got := HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500 fallback, got %d", got)
	}
	if got := HTTPStatus(InvalidInput("amount", "must be positive")); got != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", got)
	}
}

func TestWithDetailsChains(t *testing.T) {
	herr := VersionConflict("task", "t-1").WithDetails("expected_version", 3)
	if herr.Details["expected_version"] != 3 {
		t.Fatalf("expected chained detail to persist")
	}
	if herr.Details["entity"] != "task" {
		t.Fatalf("expected original detail to persist alongside chained one")
	}
}
